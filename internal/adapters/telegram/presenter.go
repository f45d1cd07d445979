package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"

	"github.com/iamwavecut/ngmod/internal/consensus"
	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/executor"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const (
	votePrefix = "vote"
	choiceYes  = "y"
	choiceNo   = "n"
)

const voteTemplate = `
{{- .target }} was reported{{ if .reason }}: {{ .reason }}{{ end }}

Ban: {{ .yes }}/{{ .required }}, keep: {{ .no }}
Closes in {{ .left }}`

const outcomeTemplate = `
{{- .target }}: vote #{{ .id }} {{ .status }} ({{ .yes }} ban / {{ .no }} keep, {{ .required }} needed)`

const reportTemplate = `
{{- .detail }}
chat {{ .chat_id }}, user {{ .user_id }}, message {{ .message_id }}
verdict {{ .verdict_id }}`

var outcomeLabels = map[db.VoteStatus]string{
	db.VoteStatusPassed:    "passed",
	db.VoteStatusRejected:  "rejected",
	db.VoteStatusExpired:   "expired without quorum",
	db.VoteStatusForcedBan: "closed by a moderator with a ban",
	db.VoteStatusPardon:    "closed by a moderator with a pardon",
}

// Presenter renders votes as chat messages with inline ballot buttons and
// posts report-only verdicts to the review channel.
type Presenter struct {
	client     *Client
	logChannel string
	now        func() time.Time
}

func NewPresenter(client *Client, logChannel string) *Presenter {
	return &Presenter{client: client, logChannel: strings.TrimSpace(logChannel), now: time.Now}
}

func (p *Presenter) ShowVote(ctx context.Context, vote *db.Vote) (int, error) {
	msg := api.NewMessage(vote.ChatID, p.voteText(vote))
	msg.ParseMode = api.ModeHTML
	msg.ReplyMarkup = voteKeyboard(vote)
	if vote.MessageID != 0 {
		msg.ReplyParameters.MessageID = vote.MessageID
		msg.ReplyParameters.AllowSendingWithoutReply = true
	}
	sent, err := p.client.send(ctx, msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (p *Presenter) RefreshVote(ctx context.Context, vote *db.Vote) error {
	if vote.NotificationMessageID == 0 {
		return nil
	}
	edit := api.NewEditMessageTextAndMarkup(vote.ChatID, vote.NotificationMessageID, p.voteText(vote), voteKeyboard(vote))
	edit.ParseMode = api.ModeHTML
	if _, err := p.client.request(ctx, edit); err != nil && !isNotModified(err) {
		return err
	}
	return nil
}

func (p *Presenter) ShowOutcome(ctx context.Context, vote *db.Vote, outcome consensus.VoteOutcome) error {
	text := tool.ExecTemplate(outcomeTemplate, map[string]any{
		"target":   mention(vote.TargetUserID),
		"id":       outcome.VoteID,
		"status":   outcomeLabels[outcome.Status],
		"yes":      outcome.FinalTally.Yes,
		"no":       outcome.FinalTally.No,
		"required": outcome.FinalTally.Required,
	})
	if vote.NotificationMessageID == 0 {
		msg := api.NewMessage(vote.ChatID, text)
		msg.ParseMode = api.ModeHTML
		_, err := p.client.send(ctx, msg)
		return err
	}
	edit := api.NewEditMessageText(vote.ChatID, vote.NotificationMessageID, text)
	edit.ParseMode = api.ModeHTML
	if _, err := p.client.request(ctx, edit); err != nil && !isNotModified(err) {
		return err
	}
	return nil
}

// Report posts a verdict to the review channel when one is configured.
func (p *Presenter) Report(ctx context.Context, v *verdict.Verdict, target executor.Target) error {
	if p.logChannel == "" {
		return nil
	}
	text := tool.ExecTemplate(reportTemplate, map[string]any{
		"detail":     v.Detail,
		"chat_id":    target.ChatID,
		"user_id":    target.UserID,
		"message_id": target.MessageID,
		"verdict_id": v.ID,
	})
	_, err := p.client.send(ctx, api.NewMessageToChannel(p.logChannel, text))
	return err
}

func (p *Presenter) voteText(vote *db.Vote) string {
	return tool.ExecTemplate(voteTemplate, map[string]any{
		"target":   mention(vote.TargetUserID),
		"reason":   api.EscapeText(api.ModeHTML, vote.Reason),
		"yes":      vote.VotesYes,
		"no":       vote.VotesNo,
		"required": vote.RequiredVotes,
		"left":     vote.Remaining(p.now()).Round(time.Minute).String(),
	})
}

func voteKeyboard(vote *db.Vote) api.InlineKeyboardMarkup {
	return api.NewInlineKeyboardMarkup(
		api.NewInlineKeyboardRow(
			api.NewInlineKeyboardButtonData(fmt.Sprintf("Ban (%d)", vote.VotesYes), voteCallbackData(vote.ID, true)),
			api.NewInlineKeyboardButtonData(fmt.Sprintf("Keep (%d)", vote.VotesNo), voteCallbackData(vote.ID, false)),
		),
	)
}

func voteCallbackData(voteID int64, yes bool) string {
	choice := choiceNo
	if yes {
		choice = choiceYes
	}
	return fmt.Sprintf("%s:%d:%s", votePrefix, voteID, choice)
}

// parseVoteCallback decodes "vote:<id>:y|n".
func parseVoteCallback(data string) (voteID int64, yes bool, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != votePrefix {
		return 0, false, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false, false
	}
	switch parts[2] {
	case choiceYes:
		return id, true, true
	case choiceNo:
		return id, false, true
	default:
		return 0, false, false
	}
}

// voteIDFromMarkup recovers the vote id from a vote message's buttons.
func voteIDFromMarkup(markup *api.InlineKeyboardMarkup) (int64, bool) {
	if markup == nil {
		return 0, false
	}
	for _, row := range markup.InlineKeyboard {
		for _, button := range row {
			if button.CallbackData == nil {
				continue
			}
			if id, _, ok := parseVoteCallback(*button.CallbackData); ok {
				return id, true
			}
		}
	}
	return 0, false
}

func mention(userID int64) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">user %d</a>`, userID, userID)
}
