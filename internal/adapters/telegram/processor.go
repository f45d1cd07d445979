package telegram

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngmod/internal/arbiter"
	"github.com/iamwavecut/ngmod/internal/bot"
	"github.com/iamwavecut/ngmod/internal/consensus"
	"github.com/iamwavecut/ngmod/internal/db"
	ngerrors "github.com/iamwavecut/ngmod/internal/errors"
	"github.com/iamwavecut/ngmod/internal/phash"
	"github.com/iamwavecut/ngmod/internal/policy/permissions"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const UpdateTimeout = 5 * time.Minute

// Handler groups selectable through the HANDLERS setting.
const (
	HandlerModeration = "moderation"
	HandlerVoting     = "voting"
	HandlerReports    = "reports"
	HandlerHashes     = "hashes"
)

const (
	commandReport   = "report"
	commandForceBan = "forceban"
	commandPardon   = "pardon"
	commandAddHash  = "addhash"
)

type (
	// Moderation is the part of bot.Service the processor drives.
	Moderation interface {
		OnTextMessage(ctx context.Context, ev arbiter.TextEvent) *verdict.Verdict
		OnEditedMessage(ctx context.Context, ev arbiter.EditEvent) *verdict.Verdict
		OnMediaMessage(ctx context.Context, ev arbiter.MediaEvent) *verdict.Verdict
		OnVoteCast(ctx context.Context, voteID, voterID int64, yes bool) (consensus.CastResult, error)
		OnReportRequested(ctx context.Context, req bot.ReportRequest) (*db.Vote, bool, error)
		OverrideVote(ctx context.Context, voteID, moderatorID int64, ban bool) (consensus.VoteOutcome, error)
		AddReferenceHash(ctx context.Context, ref *db.ReferenceHash) (*db.ReferenceHash, error)
	}

	// ChatAPI is the platform surface the processor needs besides enforcement.
	ChatAPI interface {
		ChatMember(ctx context.Context, chatID, userID int64) (*api.ChatMember, error)
		Download(ctx context.Context, fileID string) ([]byte, error)
		AnswerCallback(ctx context.Context, callbackID, text string) error
		Reply(ctx context.Context, chatID int64, replyTo int, text string) error
	}
)

// Processor turns Telegram updates into moderation events and commands.
type Processor struct {
	service Moderation
	chat    ChatAPI
	enabled map[string]bool
	now     func() time.Time
}

// NewProcessor enables the named handler groups, or all of them when none
// are given.
func NewProcessor(service Moderation, chat ChatAPI, handlers ...string) *Processor {
	if len(handlers) == 0 {
		handlers = []string{HandlerModeration, HandlerVoting, HandlerReports, HandlerHashes}
	}
	enabled := make(map[string]bool, len(handlers))
	for _, h := range handlers {
		enabled[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return &Processor{service: service, chat: chat, enabled: enabled, now: time.Now}
}

func (p *Processor) Process(ctx context.Context, u *api.Update) error {
	if u == nil {
		return errors.New("update is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch {
	case u.CallbackQuery != nil:
		if !p.enabled[HandlerVoting] {
			return nil
		}
		return p.processCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		if p.outdated(u.Message.Date) {
			p.getLogEntry().WithField("update_id", u.UpdateID).Debug("skipping outdated update")
			return nil
		}
		return p.processMessage(ctx, u.Message)
	case u.EditedMessage != nil:
		msg := u.EditedMessage
		if !p.enabled[HandlerModeration] || msg.From == nil || !isGroup(msg.Chat) {
			return nil
		}
		p.service.OnEditedMessage(ctx, arbiter.EditEvent{
			ChatID:    msg.Chat.ID,
			UserID:    msg.From.ID,
			MessageID: msg.MessageID,
			Text:      messageContent(msg),
			At:        editTime(msg, p.now()),
		})
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, msg *api.Message) error {
	if msg.From == nil || !isGroup(msg.Chat) {
		return nil
	}
	if msg.IsCommand() {
		return p.processCommand(ctx, msg)
	}
	if !p.enabled[HandlerModeration] {
		return nil
	}

	at := time.Unix(int64(msg.Date), 0)
	if len(msg.Photo) == 0 && !hasMedia(msg) {
		text := messageContent(msg)
		if text == "" {
			return nil
		}
		p.service.OnTextMessage(ctx, arbiter.TextEvent{
			ChatID:    msg.Chat.ID,
			UserID:    msg.From.ID,
			MessageID: msg.MessageID,
			Text:      text,
			At:        at,
		})
		return nil
	}

	ev := arbiter.MediaEvent{
		ChatID:    msg.Chat.ID,
		UserID:    msg.From.ID,
		MessageID: msg.MessageID,
		Caption:   strings.TrimSpace(msg.Caption),
		At:        at,
	}
	if len(msg.Photo) > 0 {
		hash, err := p.hashPhoto(ctx, msg.Photo)
		if err != nil {
			p.getLogEntry().
				WithField("method", "processMessage").
				WithField("error", err.Error()).
				Warn("photo not hashed")
		}
		ev.Hash = hash
	}
	p.service.OnMediaMessage(ctx, ev)
	return nil
}

func (p *Processor) processCallback(ctx context.Context, cq *api.CallbackQuery) error {
	voteID, yes, ok := parseVoteCallback(cq.Data)
	if !ok || cq.From == nil {
		return nil
	}
	res, err := p.service.OnVoteCast(ctx, voteID, cq.From.ID, yes)
	if err != nil {
		_ = p.chat.AnswerCallback(ctx, cq.ID, "Vote failed, try again")
		return errors.WithMessage(err, "cast vote")
	}
	return p.chat.AnswerCallback(ctx, cq.ID, castAnswer(res.Status))
}

func (p *Processor) processCommand(ctx context.Context, msg *api.Message) error {
	switch cmd := msg.Command(); {
	case cmd == commandReport && p.enabled[HandlerReports]:
		return p.report(ctx, msg)
	case cmd == commandForceBan && p.enabled[HandlerVoting]:
		return p.override(ctx, msg, true)
	case cmd == commandPardon && p.enabled[HandlerVoting]:
		return p.override(ctx, msg, false)
	case cmd == commandAddHash && p.enabled[HandlerHashes]:
		return p.addHash(ctx, msg)
	}
	return nil
}

func (p *Processor) report(ctx context.Context, msg *api.Message) error {
	target := msg.ReplyToMessage
	if target == nil || target.From == nil {
		return p.chat.Reply(ctx, msg.Chat.ID, msg.MessageID, "Reply to the message you want to report")
	}
	if target.From.ID == msg.From.ID {
		return nil
	}
	member, err := p.chat.ChatMember(ctx, msg.Chat.ID, target.From.ID)
	if err != nil {
		p.getLogEntry().WithField("method", "report").WithField("error", err.Error()).Debug("member lookup failed")
	}
	if !permissions.IsModerationTarget(member) || target.From.IsBot {
		return p.chat.Reply(ctx, msg.Chat.ID, msg.MessageID, "This member cannot be reported")
	}

	_, created, err := p.service.OnReportRequested(ctx, bot.ReportRequest{
		ChatID:       msg.Chat.ID,
		TargetUserID: target.From.ID,
		ReporterID:   msg.From.ID,
		MessageID:    target.MessageID,
		Reason:       strings.TrimSpace(msg.CommandArguments()),
	})
	if err != nil {
		return errors.WithMessage(err, "report")
	}
	if !created {
		return p.chat.Reply(ctx, msg.Chat.ID, msg.MessageID, "A vote on this member is already running")
	}
	return nil
}

func (p *Processor) override(ctx context.Context, msg *api.Message, ban bool) error {
	member, err := p.chat.ChatMember(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		return errors.WithMessage(err, "override")
	}
	if !permissions.CanOverrideVote(member) {
		return nil
	}
	voteID, ok := commandVoteID(msg)
	if !ok {
		return p.chat.Reply(ctx, msg.Chat.ID, msg.MessageID, "Reply to a vote or pass its number")
	}
	outcome, err := p.service.OverrideVote(ctx, voteID, msg.From.ID, ban)
	switch {
	case errors.Is(err, db.ErrVoteClosed):
		return p.chat.Reply(ctx, msg.Chat.ID, msg.MessageID, "The vote is already closed")
	case errors.Is(err, ngerrors.ErrNotFound):
		return p.chat.Reply(ctx, msg.Chat.ID, msg.MessageID, "Vote not found")
	case err != nil:
		return errors.WithMessage(err, "override")
	}
	p.getLogEntry().
		WithField("vote_id", outcome.VoteID).
		WithField("status", string(outcome.Status)).
		Info("vote overridden")
	return nil
}

func (p *Processor) addHash(ctx context.Context, msg *api.Message) error {
	member, err := p.chat.ChatMember(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		return errors.WithMessage(err, "add hash")
	}
	if !permissions.CanManageHashes(member) {
		return nil
	}
	target := msg.ReplyToMessage
	if target == nil || len(target.Photo) == 0 {
		return p.chat.Reply(ctx, msg.Chat.ID, msg.MessageID, "Reply to a photo")
	}
	hash, err := p.hashPhoto(ctx, target.Photo)
	if err != nil {
		return errors.WithMessage(err, "hash photo")
	}
	action, category := parseHashArgs(msg.CommandArguments())
	stored, err := p.service.AddReferenceHash(ctx, &db.ReferenceHash{
		Hash:      hash,
		Scope:     db.HashScopeChat,
		ChatID:    msg.Chat.ID,
		Category:  category,
		Action:    string(action),
		CreatedBy: msg.From.ID,
	})
	if err != nil {
		return errors.WithMessage(err, "add hash")
	}
	return p.chat.Reply(ctx, msg.Chat.ID, msg.MessageID, "Reference image #"+strconv.FormatInt(stored.ID, 10)+" saved")
}

// hashPhoto fingerprints the smallest rendition, which is enough for a
// 64-bit difference hash.
func (p *Processor) hashPhoto(ctx context.Context, sizes []api.PhotoSize) (string, error) {
	smallest := sizes[0]
	for _, size := range sizes[1:] {
		if size.Width*size.Height < smallest.Width*smallest.Height {
			smallest = size
		}
	}
	data, err := p.chat.Download(ctx, smallest.FileID)
	if err != nil {
		return "", err
	}
	return phash.HashReader(bytes.NewReader(data))
}

func (p *Processor) outdated(date int) bool {
	return p.now().Sub(time.Unix(int64(date), 0)) > UpdateTimeout
}

// commandVoteID reads the vote number from the command argument, or from the
// buttons of the vote message the command replies to.
func commandVoteID(msg *api.Message) (int64, bool) {
	if arg := strings.TrimPrefix(strings.TrimSpace(msg.CommandArguments()), "#"); arg != "" {
		id, err := strconv.ParseInt(arg, 10, 64)
		return id, err == nil && id > 0
	}
	if msg.ReplyToMessage != nil {
		return voteIDFromMarkup(msg.ReplyToMessage.ReplyMarkup)
	}
	return 0, false
}

// parseHashArgs reads "/addhash [ban|delete] [category]".
func parseHashArgs(args string) (verdict.Action, string) {
	action := verdict.ActionBan
	fields := strings.Fields(args)
	if len(fields) > 0 {
		switch verdict.Action(strings.ToLower(fields[0])) {
		case verdict.ActionDelete:
			action = verdict.ActionDelete
			fields = fields[1:]
		case verdict.ActionBan:
			fields = fields[1:]
		}
	}
	category := "spam"
	if len(fields) > 0 {
		category = strings.ToLower(fields[0])
	}
	return action, category
}

func castAnswer(status consensus.CastStatus) string {
	switch status {
	case consensus.CastRecorded:
		return "Vote recorded"
	case consensus.CastAlreadyVoted:
		return "You already voted"
	case consensus.CastPassed:
		return "Vote recorded, the vote passed"
	case consensus.CastRejected:
		return "Vote recorded, the vote was rejected"
	case consensus.CastNotFound:
		return "Vote not found"
	default:
		return "The vote is closed"
	}
}

func messageContent(msg *api.Message) string {
	return strings.TrimSpace(msg.Text + " " + msg.Caption)
}

func hasMedia(msg *api.Message) bool {
	return msg.Animation != nil || msg.Document != nil || msg.Video != nil ||
		msg.VideoNote != nil || msg.Voice != nil || msg.Audio != nil || msg.Sticker != nil
}

func isGroup(chat api.Chat) bool {
	return chat.IsGroup() || chat.IsSuperGroup()
}

func editTime(msg *api.Message, fallback time.Time) time.Time {
	if msg.EditDate > 0 {
		return time.Unix(int64(msg.EditDate), 0)
	}
	return fallback
}

func (p *Processor) getLogEntry() *log.Entry {
	return getLogEntry().WithField("component", "Processor")
}
