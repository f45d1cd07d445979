// Package arbiter runs the detectors that apply to an inbound event and
// settles on at most one verdict for it.
package arbiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/observability"
	"github.com/iamwavecut/ngmod/internal/patterns"
	"github.com/iamwavecut/ngmod/internal/phash"
	"github.com/iamwavecut/ngmod/internal/ratewindow"
	"github.com/iamwavecut/ngmod/internal/similarity"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

type (
	TextEvent struct {
		ChatID    int64
		UserID    int64
		MessageID int
		Text      string
		At        time.Time
	}

	EditEvent struct {
		ChatID    int64
		UserID    int64
		MessageID int
		Text      string
		At        time.Time
	}

	MediaEvent struct {
		ChatID    int64
		UserID    int64
		MessageID int
		Hash      string
		Caption   string
		At        time.Time
	}
)

type (
	patternChecker interface {
		Check(ctx context.Context, text string, opts patterns.CheckOptions) (*patterns.Match, error)
	}

	hashMatcher interface {
		Match(ctx context.Context, chatID int64, hash string, maxDistance int) (*phash.Candidate, error)
	}

	rateTracker interface {
		Track(ctx context.Context, userID, chatID int64, content string, now time.Time, limits ratewindow.Limits) (ratewindow.ActivityWindow, *verdict.Verdict, error)
	}
)

type snapshotKey struct {
	ChatID    int64
	MessageID int
}

type detector struct {
	name verdict.Detector
	run  func(ctx context.Context) (*verdict.Verdict, error)
}

type Arbiter struct {
	rates     rateTracker
	patterns  patternChecker
	hashes    hashMatcher
	snapshots db.SnapshotStore
	policies  PolicyProvider
	recent    *expirable.LRU[snapshotKey, *db.MessageSnapshot]
	tracer    trace.Tracer
}

type Options struct {
	Rates             rateTracker
	Patterns          patternChecker
	Hashes            hashMatcher
	Snapshots         db.SnapshotStore
	Policies          PolicyProvider
	SnapshotRetention time.Duration
	SnapshotCacheSize int
}

func New(opts Options) *Arbiter {
	retention := opts.SnapshotRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	size := opts.SnapshotCacheSize
	if size <= 0 {
		size = 10000
	}
	return &Arbiter{
		rates:     opts.Rates,
		patterns:  opts.Patterns,
		hashes:    opts.Hashes,
		snapshots: opts.Snapshots,
		policies:  opts.Policies,
		recent:    expirable.NewLRU[snapshotKey, *db.MessageSnapshot](size, nil, retention),
		tracer:    observability.Tracer(),
	}
}

// HandleText records the message in the rate window, stores its edit
// baseline and returns the first verdict of rate then pattern detection.
func (a *Arbiter) HandleText(ctx context.Context, ev TextEvent) *verdict.Verdict {
	ctx, span := a.tracer.Start(ctx, "arbiter.text", trace.WithAttributes(
		attribute.Int64("chat_id", ev.ChatID),
		attribute.Int64("user_id", ev.UserID),
	))
	defer span.End()
	defer observability.ObserveEvent("text")()

	policy := a.policies.Policy(ctx, ev.ChatID)
	if !policy.Enabled {
		return nil
	}
	at := eventTime(ev.At)
	a.saveSnapshot(ctx, &db.MessageSnapshot{
		ChatID:       ev.ChatID,
		MessageID:    ev.MessageID,
		UserID:       ev.UserID,
		OriginalText: ev.Text,
		HadLink:      similarity.ContainsLink(ev.Text),
		CreatedAt:    at,
	})

	return a.decide(ctx, span, []detector{
		a.track(ctx, ev.UserID, ev.ChatID, ev.Text, at, policy),
		a.patternDetector(ev.Text, policy),
	})
}

// HandleEdit compares an edited message with its stored baseline.
func (a *Arbiter) HandleEdit(ctx context.Context, ev EditEvent) *verdict.Verdict {
	ctx, span := a.tracer.Start(ctx, "arbiter.edit", trace.WithAttributes(
		attribute.Int64("chat_id", ev.ChatID),
		attribute.Int("message_id", ev.MessageID),
	))
	defer span.End()
	defer observability.ObserveEvent("edit")()

	policy := a.policies.Policy(ctx, ev.ChatID)
	if !policy.Enabled {
		return nil
	}
	snapshot, err := a.snapshot(ctx, ev.ChatID, ev.MessageID)
	if err != nil {
		a.detectorFailed(verdict.DetectorEdit, err)
		return nil
	}
	if snapshot == nil {
		// Unknown baseline: adopt the edited text so later edits compare against it.
		a.saveSnapshot(ctx, &db.MessageSnapshot{
			ChatID:       ev.ChatID,
			MessageID:    ev.MessageID,
			UserID:       ev.UserID,
			OriginalText: ev.Text,
			HadLink:      similarity.ContainsLink(ev.Text),
			CreatedAt:    eventTime(ev.At),
		})
		return nil
	}

	return a.decide(ctx, span, []detector{
		{name: verdict.DetectorEdit, run: func(context.Context) (*verdict.Verdict, error) {
			return CheckLinkInjection(snapshot, ev.Text, policy.LinkInjectionAction), nil
		}},
		{name: verdict.DetectorEdit, run: func(context.Context) (*verdict.Verdict, error) {
			return CheckEditSimilarity(snapshot.OriginalText, ev.Text, policy.EditThreshold, policy.EditAction), nil
		}},
	})
}

// HandleMedia matches the media hash against reference hashes. A caption is
// treated like text for rate and pattern detection.
func (a *Arbiter) HandleMedia(ctx context.Context, ev MediaEvent) *verdict.Verdict {
	ctx, span := a.tracer.Start(ctx, "arbiter.media", trace.WithAttributes(
		attribute.Int64("chat_id", ev.ChatID),
		attribute.Int64("user_id", ev.UserID),
	))
	defer span.End()
	defer observability.ObserveEvent("media")()

	policy := a.policies.Policy(ctx, ev.ChatID)
	if !policy.Enabled {
		return nil
	}
	at := eventTime(ev.At)
	if ev.Caption != "" {
		a.saveSnapshot(ctx, &db.MessageSnapshot{
			ChatID:       ev.ChatID,
			MessageID:    ev.MessageID,
			UserID:       ev.UserID,
			OriginalText: ev.Caption,
			HadLink:      similarity.ContainsLink(ev.Caption),
			CreatedAt:    at,
		})
	}

	// Every media event counts towards the rate window, even when a hash
	// verdict wins.
	rate := a.track(ctx, ev.UserID, ev.ChatID, ev.Caption, at, policy)

	var (
		hit     *phash.Candidate
		hashErr error
		looked  bool
	)
	lookup := func(ctx context.Context) (*phash.Candidate, error) {
		if !looked {
			looked = true
			if ev.Hash != "" && a.hashes != nil {
				hit, hashErr = a.hashes.Match(ctx, ev.ChatID, ev.Hash, policy.HashMaxDistance)
			}
		}
		return hit, hashErr
	}

	detectors := []detector{
		{name: verdict.DetectorHash, run: func(ctx context.Context) (*verdict.Verdict, error) {
			c, err := lookup(ctx)
			if err != nil || c == nil || verdict.ParseAction(c.Hash.Action, verdict.ActionDelete) != verdict.ActionBan {
				return nil, err
			}
			return hashVerdict(c), nil
		}},
		rate,
		{name: verdict.DetectorHash, run: func(ctx context.Context) (*verdict.Verdict, error) {
			c, _ := lookup(ctx)
			if c == nil {
				return nil, nil
			}
			return hashVerdict(c), nil
		}},
	}
	if ev.Caption != "" {
		detectors = append(detectors, a.patternDetector(ev.Caption, policy))
	}
	return a.decide(ctx, span, detectors)
}

// decide runs detectors in precedence order and stops at the first verdict.
// Failing detectors are logged and skipped.
func (a *Arbiter) decide(ctx context.Context, span trace.Span, detectors []detector) *verdict.Verdict {
	for _, d := range detectors {
		v, err := d.run(ctx)
		if err != nil {
			a.detectorFailed(d.name, err)
			continue
		}
		if v == nil {
			continue
		}
		observability.RecordVerdict(string(v.Detector), string(v.Trigger), string(v.Action))
		span.SetAttributes(
			attribute.String("verdict.trigger", string(v.Trigger)),
			attribute.String("verdict.action", string(v.Action)),
		)
		return v
	}
	return nil
}

// track records the message immediately and returns a detector replaying
// the outcome.
func (a *Arbiter) track(ctx context.Context, userID, chatID int64, text string, at time.Time, policy Policy) detector {
	_, v, err := a.rates.Track(ctx, userID, chatID, similarity.Normalize(text), at, policy.Limits)
	return detector{name: verdict.DetectorRate, run: func(context.Context) (*verdict.Verdict, error) {
		return v, err
	}}
}

func (a *Arbiter) patternDetector(text string, policy Policy) detector {
	return detector{name: verdict.DetectorPattern, run: func(ctx context.Context) (*verdict.Verdict, error) {
		if a.patterns == nil {
			return nil, nil
		}
		m, err := a.patterns.Check(ctx, text, policy.Patterns)
		if err != nil || m == nil {
			return nil, err
		}
		return m.Verdict(), nil
	}}
}

// CheckLinkInjection flags an edit that adds a link to a message that had
// none.
func CheckLinkInjection(snapshot *db.MessageSnapshot, edited string, action verdict.Action) *verdict.Verdict {
	if snapshot == nil || snapshot.HadLink || !similarity.ContainsLink(edited) {
		return nil
	}
	return verdict.New(verdict.DetectorEdit, verdict.TriggerLinkInjection, action, "Link added by edit")
}

// CheckEditSimilarity flags an edit that rewrites most of the original text.
// Appending, prepending or trimming around the original is allowed.
func CheckEditSimilarity(original, edited string, threshold float64, action verdict.Action) *verdict.Verdict {
	before := similarity.Normalize(original)
	after := similarity.Normalize(edited)
	if before == "" || after == "" || before == after {
		return nil
	}
	if strings.Contains(after, before) || strings.Contains(before, after) {
		return nil
	}
	score := similarity.NormalizedSimilarity(before, after)
	if score >= threshold {
		return nil
	}
	return verdict.New(verdict.DetectorEdit, verdict.TriggerEditAbuse, action,
		fmt.Sprintf("Edit similarity %.2f < %.2f", score, threshold))
}

func hashVerdict(c *phash.Candidate) *verdict.Verdict {
	action := verdict.ParseAction(c.Hash.Action, verdict.ActionDelete)
	return verdict.New(verdict.DetectorHash, verdict.TriggerHashMatch, action,
		fmt.Sprintf("Image matches #%d %s (distance %d)", c.Hash.ID, c.Hash.Category, c.Distance))
}

func (a *Arbiter) snapshot(ctx context.Context, chatID int64, messageID int) (*db.MessageSnapshot, error) {
	key := snapshotKey{ChatID: chatID, MessageID: messageID}
	if s, ok := a.recent.Get(key); ok {
		return s, nil
	}
	s, err := a.snapshots.GetMessageSnapshot(ctx, chatID, messageID)
	if err != nil || s == nil {
		return nil, err
	}
	a.recent.Add(key, s)
	return s, nil
}

func (a *Arbiter) saveSnapshot(ctx context.Context, s *db.MessageSnapshot) {
	key := snapshotKey{ChatID: s.ChatID, MessageID: s.MessageID}
	if a.recent.Contains(key) {
		return
	}
	a.recent.Add(key, s)
	if err := a.snapshots.SaveMessageSnapshot(ctx, s); err != nil {
		a.getLogEntry().
			WithField("method", "saveSnapshot").
			WithField("chat_id", s.ChatID).
			WithField("error", err.Error()).
			Warn("failed to persist snapshot")
	}
}

func (a *Arbiter) detectorFailed(name verdict.Detector, err error) {
	observability.RecordDetectorError(string(name))
	a.getLogEntry().
		WithField("method", "decide").
		WithField("detector", string(name)).
		WithField("error", err.Error()).
		Warn("detector failed, skipping")
}

func (a *Arbiter) getLogEntry() *log.Entry {
	return log.WithField("object", "Arbiter")
}

func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
