// Package executor applies verdicts to the chat platform.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	ngerrors "github.com/iamwavecut/ngmod/internal/errors"
	"github.com/iamwavecut/ngmod/internal/observability"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const (
	stepDelete = "delete"
	stepBan    = "ban"
	stepReview = "review"

	resultOK     = "ok"
	resultGone   = "gone"
	resultFailed = "failed"
)

type Target struct {
	ChatID    int64
	UserID    int64
	MessageID int
}

// Platform performs the mutating calls. Implementations return an error
// wrapping errors.ErrGone when the message or member is already gone.
type Platform interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	BanUser(ctx context.Context, chatID, userID int64) error
}

// ReviewQueue receives verdicts that need a human or community decision.
type ReviewQueue interface {
	Review(ctx context.Context, v *verdict.Verdict, target Target) error
}

type ActionResult struct {
	VerdictID string
	Action    verdict.Action
	Deleted   bool
	Banned    bool
	Queued    bool
	// Duplicate is set when the verdict had already been applied.
	Duplicate bool
	Err       error
}

func (r ActionResult) OK() bool {
	return r.Err == nil
}

type Executor struct {
	platform Platform
	queue    ReviewQueue
	applied  *expirable.LRU[string, ActionResult]
	inflight singleflight.Group
}

func New(platform Platform, queue ReviewQueue) *Executor {
	return &Executor{
		platform: platform,
		queue:    queue,
		applied:  expirable.NewLRU[string, ActionResult](10000, nil, 24*time.Hour),
	}
}

// Apply carries out the verdict action. Deletion is best-effort and does not
// prevent a ban. Concurrent or repeated calls with the same verdict ID run
// the platform calls once.
func (e *Executor) Apply(ctx context.Context, v *verdict.Verdict, target Target) ActionResult {
	if v == nil || v.Action == verdict.ActionNone {
		return ActionResult{}
	}
	if prev, ok := e.applied.Get(v.ID); ok {
		prev.Duplicate = true
		return prev
	}

	res, _, shared := e.inflight.Do(v.ID, func() (interface{}, error) {
		if prev, ok := e.applied.Get(v.ID); ok {
			prev.Duplicate = true
			return prev, nil
		}
		result := e.apply(ctx, v, target)
		if result.OK() {
			e.applied.Add(v.ID, result)
		}
		return result, nil
	})
	result := res.(ActionResult)
	if shared {
		result.Duplicate = true
	}
	return result
}

func (e *Executor) apply(ctx context.Context, v *verdict.Verdict, target Target) ActionResult {
	result := ActionResult{VerdictID: v.ID, Action: v.Action}

	switch v.Action {
	case verdict.ActionDelete:
		result.Deleted, result.Err = e.delete(ctx, target)
	case verdict.ActionBan:
		var deleteErr error
		if target.MessageID != 0 {
			result.Deleted, deleteErr = e.delete(ctx, target)
		}
		var banErr error
		result.Banned, banErr = e.ban(ctx, target)
		result.Err = errors.Join(deleteErr, banErr)
	case verdict.ActionReportOnly, verdict.ActionVote:
		result.Queued, result.Err = e.review(ctx, v, target)
	default:
		e.getLogEntry().WithField("action", string(v.Action)).Warn("unknown action, ignoring")
		return result
	}

	e.audit(v, target, result)
	return result
}

func (e *Executor) delete(ctx context.Context, target Target) (bool, error) {
	if target.MessageID == 0 {
		return false, nil
	}
	err := e.platform.DeleteMessage(ctx, target.ChatID, target.MessageID)
	return e.settle(stepDelete, target, err)
}

func (e *Executor) ban(ctx context.Context, target Target) (bool, error) {
	err := e.platform.BanUser(ctx, target.ChatID, target.UserID)
	return e.settle(stepBan, target, err)
}

func (e *Executor) review(ctx context.Context, v *verdict.Verdict, target Target) (bool, error) {
	if e.queue == nil {
		e.getLogEntry().WithField("verdict", v.String()).Info("no review queue, verdict reported only")
		observability.RecordAction(stepReview, resultOK)
		return false, nil
	}
	err := e.queue.Review(ctx, v, target)
	return e.settle(stepReview, target, err)
}

// settle turns a platform error into the step outcome. A gone target means
// the action already took effect.
func (e *Executor) settle(step string, target Target, err error) (bool, error) {
	switch {
	case err == nil:
		observability.RecordAction(step, resultOK)
		return true, nil
	case ngerrors.IsGone(err):
		observability.RecordAction(step, resultGone)
		return true, nil
	default:
		observability.RecordAction(step, resultFailed)
		e.getLogEntry().
			WithField("method", step).
			WithField("chat_id", target.ChatID).
			WithField("user_id", target.UserID).
			WithField("error", err.Error()).
			Error("platform call failed")
		return false, err
	}
}

func (e *Executor) audit(v *verdict.Verdict, target Target, result ActionResult) {
	fields := []zap.Field{
		zap.String("verdict_id", v.ID),
		zap.String("detector", string(v.Detector)),
		zap.String("trigger", string(v.Trigger)),
		zap.String("action", string(v.Action)),
		zap.String("detail", v.Detail),
		zap.Int64("chat_id", target.ChatID),
		zap.Int64("user_id", target.UserID),
		zap.Int("message_id", target.MessageID),
		zap.Bool("deleted", result.Deleted),
		zap.Bool("banned", result.Banned),
		zap.Bool("queued", result.Queued),
	}
	if result.Err != nil {
		observability.Audit().Warn("action incomplete", append(fields, zap.Error(result.Err))...)
		return
	}
	observability.Audit().Info("action applied", fields...)
}

func (e *Executor) getLogEntry() *log.Entry {
	return log.WithField("object", "Executor")
}
