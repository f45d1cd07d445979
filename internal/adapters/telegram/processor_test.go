package telegram

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/ngmod/internal/arbiter"
	"github.com/iamwavecut/ngmod/internal/bot"
	"github.com/iamwavecut/ngmod/internal/consensus"
	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/phash"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const testChatID = -100

type override struct {
	voteID int64
	ban    bool
}

type stubModeration struct {
	mu        sync.Mutex
	texts     []arbiter.TextEvent
	edits     []arbiter.EditEvent
	media     []arbiter.MediaEvent
	casts     []int64
	reports   []bot.ReportRequest
	overrides []override
	hashes    []*db.ReferenceHash
	reportNew bool
}

func (m *stubModeration) OnTextMessage(_ context.Context, ev arbiter.TextEvent) *verdict.Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, ev)
	return nil
}

func (m *stubModeration) OnEditedMessage(_ context.Context, ev arbiter.EditEvent) *verdict.Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, ev)
	return nil
}

func (m *stubModeration) OnMediaMessage(_ context.Context, ev arbiter.MediaEvent) *verdict.Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.media = append(m.media, ev)
	return nil
}

func (m *stubModeration) OnVoteCast(_ context.Context, voteID, _ int64, yes bool) (consensus.CastResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !yes {
		voteID = -voteID
	}
	m.casts = append(m.casts, voteID)
	return consensus.CastResult{Status: consensus.CastRecorded}, nil
}

func (m *stubModeration) OnReportRequested(_ context.Context, req bot.ReportRequest) (*db.Vote, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, req)
	return &db.Vote{ID: 1, ChatID: req.ChatID, TargetUserID: req.TargetUserID}, m.reportNew, nil
}

func (m *stubModeration) OverrideVote(_ context.Context, voteID, _ int64, ban bool) (consensus.VoteOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, override{voteID: voteID, ban: ban})
	status := db.VoteStatusPardon
	if ban {
		status = db.VoteStatusForcedBan
	}
	return consensus.VoteOutcome{VoteID: voteID, Status: status}, nil
}

func (m *stubModeration) AddReferenceHash(_ context.Context, ref *db.ReferenceHash) (*db.ReferenceHash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *ref
	stored.ID = int64(len(m.hashes) + 1)
	m.hashes = append(m.hashes, &stored)
	return &stored, nil
}

type stubChat struct {
	mu         sync.Mutex
	members    map[int64]*api.ChatMember
	files      map[string][]byte
	downloaded []string
	answers    []string
	replies    []string
}

func (c *stubChat) ChatMember(_ context.Context, _ int64, userID int64) (*api.ChatMember, error) {
	if m, ok := c.members[userID]; ok {
		return m, nil
	}
	return &api.ChatMember{Status: "member", User: &api.User{ID: userID}}, nil
}

func (c *stubChat) Download(_ context.Context, fileID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloaded = append(c.downloaded, fileID)
	return c.files[fileID], nil
}

func (c *stubChat) AnswerCallback(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, text)
	return nil
}

func (c *stubChat) Reply(_ context.Context, _ int64, _ int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, text)
	return nil
}

func newTestProcessor(now time.Time) (*Processor, *stubModeration, *stubChat) {
	service := &stubModeration{reportNew: true}
	chat := &stubChat{
		members: map[int64]*api.ChatMember{
			1: {Status: "administrator", CanRestrictMembers: true, User: &api.User{ID: 1}},
			2: {Status: "creator", User: &api.User{ID: 2}},
		},
		files: map[string][]byte{},
	}
	p := NewProcessor(service, chat)
	p.now = func() time.Time { return now }
	return p, service, chat
}

func groupMessage(id int, userID int64, text string, at time.Time) *api.Message {
	return &api.Message{
		MessageID: id,
		From:      &api.User{ID: userID},
		Chat:      api.Chat{ID: testChatID, Type: "supergroup"},
		Date:      int(at.Unix()),
		Text:      text,
	}
}

func commandMessage(id int, userID int64, text string, at time.Time, reply *api.Message) *api.Message {
	msg := groupMessage(id, userID, text, at)
	msg.Entities = []api.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(strings.Fields(text)[0])}}
	msg.ReplyToMessage = reply
	return msg
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*37 + y*11) % 256)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestProcessRoutesMessages(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	p, service, _ := newTestProcessor(now)
	ctx := context.Background()

	updates := []*api.Update{
		{Message: groupMessage(1, 10, "hello", now)},
		{Message: groupMessage(2, 10, "stale", now.Add(-10*time.Minute))},
		{Message: &api.Message{MessageID: 3, From: &api.User{ID: 10}, Chat: api.Chat{ID: 10, Type: "private"}, Date: int(now.Unix()), Text: "dm"}},
		{EditedMessage: func() *api.Message {
			m := groupMessage(1, 10, "hello, edited", now)
			m.EditDate = int(now.Add(time.Minute).Unix())
			return m
		}()},
	}
	for _, u := range updates {
		if err := p.Process(ctx, u); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	if len(service.texts) != 1 || service.texts[0].Text != "hello" || service.texts[0].ChatID != testChatID {
		t.Fatalf("unexpected text events %+v", service.texts)
	}
	if len(service.edits) != 1 || !service.edits[0].At.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected edit events %+v", service.edits)
	}
	if err := p.Process(ctx, nil); err == nil {
		t.Fatalf("expected an error for a nil update")
	}
}

func TestProcessPhotoHashesSmallestSize(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	p, service, chat := newTestProcessor(now)
	data := testPNG(t)
	chat.files["small"] = data
	want, err := phash.HashReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	msg := groupMessage(5, 10, "", now)
	msg.Caption = " look "
	msg.Photo = []api.PhotoSize{
		{FileID: "large", Width: 1280, Height: 960},
		{FileID: "small", Width: 90, Height: 68},
		{FileID: "medium", Width: 320, Height: 240},
	}
	if err := p.Process(context.Background(), &api.Update{Message: msg}); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(chat.downloaded) != 1 || chat.downloaded[0] != "small" {
		t.Fatalf("expected the smallest rendition, got %v", chat.downloaded)
	}
	if len(service.media) != 1 || service.media[0].Hash != want || service.media[0].Caption != "look" {
		t.Fatalf("unexpected media events %+v", service.media)
	}
}

func TestProcessCallbackCastsVote(t *testing.T) {
	t.Parallel()

	p, service, chat := newTestProcessor(time.Now())
	ctx := context.Background()
	for _, data := range []string{"vote:7:y", "vote:7:n", "vote:x:y", "other"} {
		u := &api.Update{CallbackQuery: &api.CallbackQuery{ID: "cb", From: &api.User{ID: 30}, Data: data}}
		if err := p.Process(ctx, u); err != nil {
			t.Fatalf("process %q: %v", data, err)
		}
	}
	if len(service.casts) != 2 || service.casts[0] != 7 || service.casts[1] != -7 {
		t.Fatalf("unexpected casts %v", service.casts)
	}
	if len(chat.answers) != 2 || chat.answers[0] != "Vote recorded" {
		t.Fatalf("unexpected answers %v", chat.answers)
	}
}

func TestReportCommand(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	p, service, chat := newTestProcessor(now)
	ctx := context.Background()

	spam := groupMessage(40, 66, "buy now", now)
	if err := p.Process(ctx, &api.Update{Message: commandMessage(41, 10, "/report selling stuff", now, spam)}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(service.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(service.reports))
	}
	got := service.reports[0]
	if got.TargetUserID != 66 || got.ReporterID != 10 || got.MessageID != 40 || got.Reason != "selling stuff" {
		t.Fatalf("unexpected report %+v", got)
	}

	adminMsg := groupMessage(42, 2, "rules", now)
	_ = p.Process(ctx, &api.Update{Message: commandMessage(43, 10, "/report", now, adminMsg)})
	_ = p.Process(ctx, &api.Update{Message: commandMessage(44, 10, "/report", now, nil)})
	if len(service.reports) != 1 {
		t.Fatalf("admins and bare commands must not open votes")
	}
	if len(chat.replies) != 2 {
		t.Fatalf("expected two explanatory replies, got %v", chat.replies)
	}
}

func TestOverrideCommandRequiresRights(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	p, service, _ := newTestProcessor(now)
	ctx := context.Background()

	voteMsg := groupMessage(50, 999, "vote", now)
	markup := voteKeyboard(&db.Vote{ID: 42})
	voteMsg.ReplyMarkup = &markup

	_ = p.Process(ctx, &api.Update{Message: commandMessage(51, 10, "/forceban", now, voteMsg)})
	if len(service.overrides) != 0 {
		t.Fatalf("regular members must not override")
	}

	_ = p.Process(ctx, &api.Update{Message: commandMessage(52, 1, "/forceban", now, voteMsg)})
	_ = p.Process(ctx, &api.Update{Message: commandMessage(53, 2, "/pardon #9", now, nil)})
	want := []override{{voteID: 42, ban: true}, {voteID: 9, ban: false}}
	if len(service.overrides) != len(want) {
		t.Fatalf("unexpected overrides %+v", service.overrides)
	}
	for i := range want {
		if service.overrides[i] != want[i] {
			t.Fatalf("override %d: got %+v want %+v", i, service.overrides[i], want[i])
		}
	}
}

func TestAddHashCommand(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	p, service, chat := newTestProcessor(now)
	chat.files["ref"] = testPNG(t)
	photo := groupMessage(60, 66, "", now)
	photo.Photo = []api.PhotoSize{{FileID: "ref", Width: 32, Height: 32}}

	if err := p.Process(context.Background(), &api.Update{Message: commandMessage(61, 1, "/addhash delete casino", now, photo)}); err != nil {
		t.Fatalf("addhash: %v", err)
	}
	if len(service.hashes) != 1 {
		t.Fatalf("expected one hash, got %d", len(service.hashes))
	}
	ref := service.hashes[0]
	if ref.Action != string(verdict.ActionDelete) || ref.Category != "casino" || ref.Scope != db.HashScopeChat || ref.ChatID != testChatID || ref.CreatedBy != 1 {
		t.Fatalf("unexpected reference %+v", ref)
	}
	if !phash.ValidHash(ref.Hash) {
		t.Fatalf("invalid hash %q", ref.Hash)
	}
}

func TestDisabledHandlersAreSkipped(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	service := &stubModeration{reportNew: true}
	chat := &stubChat{members: map[int64]*api.ChatMember{}, files: map[string][]byte{}}
	p := NewProcessor(service, chat, HandlerReports)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	_ = p.Process(ctx, &api.Update{Message: groupMessage(1, 10, "hello", now)})
	_ = p.Process(ctx, &api.Update{CallbackQuery: &api.CallbackQuery{ID: "cb", From: &api.User{ID: 30}, Data: "vote:7:y"}})
	_ = p.Process(ctx, &api.Update{Message: commandMessage(2, 10, "/report", now, groupMessage(1, 66, "spam", now))})

	if len(service.texts) != 0 || len(service.casts) != 0 {
		t.Fatalf("disabled groups must be skipped: texts=%d casts=%d", len(service.texts), len(service.casts))
	}
	if len(service.reports) != 1 {
		t.Fatalf("reports stay enabled, got %d", len(service.reports))
	}
}

func TestParseHashArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args     string
		action   verdict.Action
		category string
	}{
		{"", verdict.ActionBan, "spam"},
		{"delete", verdict.ActionDelete, "spam"},
		{"ban Porn", verdict.ActionBan, "porn"},
		{"scam", verdict.ActionBan, "scam"},
	}
	for _, tt := range tests {
		action, category := parseHashArgs(tt.args)
		if action != tt.action || category != tt.category {
			t.Fatalf("%q: got %v/%v want %v/%v", tt.args, action, category, tt.action, tt.category)
		}
	}
}
