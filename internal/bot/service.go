// Package bot is the host-facing facade of the moderation engine: platform
// adapters feed it events and it returns the verdicts it enforced.
package bot

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngmod/internal/arbiter"
	"github.com/iamwavecut/ngmod/internal/config"
	"github.com/iamwavecut/ngmod/internal/consensus"
	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/executor"
	"github.com/iamwavecut/ngmod/internal/patterns"
	"github.com/iamwavecut/ngmod/internal/phash"
	"github.com/iamwavecut/ngmod/internal/ratewindow"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const (
	hashCacheSize  = 1024
	hashCacheTTL   = 10 * time.Minute
	policyCacheTTL = time.Minute
)

type (
	Deps struct {
		Config    config.Config
		Store     db.Client
		Rates     ratewindow.Store
		Platform  executor.Platform
		Presenter consensus.Presenter
		Members   consensus.MemberCounter
		// Reporter receives report_only verdicts, usually a log channel.
		Reporter Reporter
		Now      func() time.Time
	}

	ReportRequest struct {
		ChatID       int64
		TargetUserID int64
		ReporterID   int64
		MessageID    int
		Reason       string
	}

	TickReport struct {
		ClosedVotes     int
		PurgedSnapshots int64
		PrunedWindows   int
	}
)

type windowPruner interface {
	Prune(now time.Time) int
}

type Service struct {
	store     db.Client
	rates     ratewindow.Store
	arbiter   *arbiter.Arbiter
	executor  *executor.Executor
	votes     *consensus.Engine
	templates *patterns.Cache
	hashes    *phash.Matcher
	policies  *arbiter.SettingsPolicies
	retention time.Duration
}

func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Platform == nil {
		return nil, errors.New("store and platform are required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	rates := deps.Rates
	if rates == nil {
		rates = ratewindow.NewMemStore()
	}
	detection := deps.Config.Detection

	templates := patterns.NewCache(deps.Store, detection.TemplatesTTL)
	hashes := phash.NewMatcher(deps.Store, hashCacheSize, hashCacheTTL)
	policies := arbiter.NewSettingsPolicies(detection, deps.Store, policyCacheTTL)

	queue := &ReviewQueue{reporter: deps.Reporter}
	exec := executor.New(deps.Platform, queue)
	votes := consensus.NewEngine(consensus.Options{
		Store:     deps.Store,
		Settings:  deps.Store,
		Members:   deps.Members,
		Presenter: deps.Presenter,
		Enforcer:  exec,
		Config:    deps.Config.Voting,
		Now:       now,
	})
	queue.votes = votes

	s := &Service{
		store: deps.Store,
		rates: rates,
		arbiter: arbiter.New(arbiter.Options{
			Rates:             ratewindow.NewTracker(rates),
			Patterns:          patterns.NewMatcher(templates),
			Hashes:            hashes,
			Snapshots:         deps.Store,
			Policies:          policies,
			SnapshotRetention: detection.SnapshotRetention,
		}),
		executor:  exec,
		votes:     votes,
		templates: templates,
		hashes:    hashes,
		policies:  policies,
		retention: detection.SnapshotRetention,
	}
	if s.retention <= 0 {
		s.retention = 24 * time.Hour
	}
	return s, nil
}

func (s *Service) OnTextMessage(ctx context.Context, ev arbiter.TextEvent) *verdict.Verdict {
	v := s.arbiter.HandleText(ctx, ev)
	s.enforce(ctx, v, executor.Target{ChatID: ev.ChatID, UserID: ev.UserID, MessageID: ev.MessageID})
	return v
}

func (s *Service) OnEditedMessage(ctx context.Context, ev arbiter.EditEvent) *verdict.Verdict {
	v := s.arbiter.HandleEdit(ctx, ev)
	s.enforce(ctx, v, executor.Target{ChatID: ev.ChatID, UserID: ev.UserID, MessageID: ev.MessageID})
	return v
}

func (s *Service) OnMediaMessage(ctx context.Context, ev arbiter.MediaEvent) *verdict.Verdict {
	v := s.arbiter.HandleMedia(ctx, ev)
	s.enforce(ctx, v, executor.Target{ChatID: ev.ChatID, UserID: ev.UserID, MessageID: ev.MessageID})
	return v
}

func (s *Service) OnVoteCast(ctx context.Context, voteID, voterID int64, yes bool) (consensus.CastResult, error) {
	res, err := s.votes.Cast(ctx, voteID, voterID, yes)
	if err != nil {
		return res, errors.WithMessage(err, "cast vote")
	}
	return res, nil
}

// OnReportRequested opens a vote on the reported member, or returns the one
// already running for the same chat and member.
func (s *Service) OnReportRequested(ctx context.Context, req ReportRequest) (*db.Vote, bool, error) {
	vote, created, err := s.votes.Open(ctx, consensus.Request{
		ChatID:       req.ChatID,
		TargetUserID: req.TargetUserID,
		InitiatorID:  req.ReporterID,
		MessageID:    req.MessageID,
		Reason:       req.Reason,
	})
	if err != nil {
		return nil, false, errors.WithMessage(err, "open vote")
	}
	return vote, created, nil
}

func (s *Service) OverrideVote(ctx context.Context, voteID, moderatorID int64, ban bool) (consensus.VoteOutcome, error) {
	return s.votes.Override(ctx, voteID, moderatorID, ban)
}

// Tick runs the periodic housekeeping: vote expiry, snapshot retention and
// idle rate windows.
func (s *Service) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	var report TickReport
	closed, err := s.votes.SweepExpired(ctx, now)
	if err != nil {
		return report, errors.WithMessage(err, "sweep votes")
	}
	report.ClosedVotes = closed

	purged, err := s.store.PurgeMessageSnapshots(ctx, now.Add(-s.retention))
	if err != nil {
		s.getLogEntry().WithField("method", "Tick").WithField("error", err.Error()).Warn("failed to purge snapshots")
	}
	report.PurgedSnapshots = purged

	if pruner, ok := s.rates.(windowPruner); ok {
		report.PrunedWindows = pruner.Prune(now)
	}
	return report, nil
}

// AddReferenceHash registers a known-bad image hash.
func (s *Service) AddReferenceHash(ctx context.Context, ref *db.ReferenceHash) (*db.ReferenceHash, error) {
	stored, err := s.hashes.Add(ctx, ref)
	if err != nil {
		return nil, errors.WithMessage(err, "add reference hash")
	}
	return stored, nil
}

// ImportTemplates upserts spam templates and makes the next check reload
// them.
func (s *Service) ImportTemplates(ctx context.Context, templates []*db.SpamTemplate) (int, error) {
	n, err := patterns.Import(ctx, s.store, templates)
	s.templates.Invalidate()
	if err != nil {
		return n, errors.WithMessage(err, "import templates")
	}
	return n, nil
}

// UpdateSettings stores chat settings and drops the cached policy.
func (s *Service) UpdateSettings(ctx context.Context, settings *db.Settings) error {
	if err := s.store.SetSettings(ctx, settings); err != nil {
		return errors.WithMessage(err, "set settings")
	}
	s.policies.Forget(settings.ID)
	return nil
}

func (s *Service) GetSettings(ctx context.Context, chatID int64) (*db.Settings, error) {
	settings, err := s.store.GetSettings(ctx, chatID)
	if err != nil {
		return nil, errors.WithMessage(err, "get settings")
	}
	if settings == nil {
		settings = db.DefaultSettings(chatID)
	}
	return settings, nil
}

func (s *Service) enforce(ctx context.Context, v *verdict.Verdict, target executor.Target) {
	if v == nil {
		return
	}
	res := s.executor.Apply(ctx, v, target)
	entry := s.getLogEntry().
		WithField("verdict", v.String()).
		WithField("chat_id", target.ChatID).
		WithField("user_id", target.UserID)
	if !res.OK() {
		entry.WithField("error", res.Err.Error()).Warn("verdict not fully applied")
		return
	}
	entry.Debug("verdict applied")
}

func (s *Service) getLogEntry() *log.Entry {
	return log.WithField("object", "Service")
}
