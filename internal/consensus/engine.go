// Package consensus runs time-bounded community votes on reported members.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngmod/internal/config"
	"github.com/iamwavecut/ngmod/internal/db"
	ngerrors "github.com/iamwavecut/ngmod/internal/errors"
	"github.com/iamwavecut/ngmod/internal/executor"
	"github.com/iamwavecut/ngmod/internal/observability"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

type CastStatus string

const (
	CastRecorded     CastStatus = "recorded"
	CastAlreadyVoted CastStatus = "already_voted"
	CastClosed       CastStatus = "closed"
	CastNotFound     CastStatus = "not_found"
	CastPassed       CastStatus = "passed"
	CastRejected     CastStatus = "rejected"
)

type (
	Request struct {
		ChatID       int64
		TargetUserID int64
		InitiatorID  int64
		MessageID    int
		Reason       string
		// Action overrides the chat voting action when it is ban or delete.
		Action verdict.Action
	}

	CastResult struct {
		Status CastStatus
		Vote   *db.Vote
	}

	Tally struct {
		Yes      int
		No       int
		Required int
	}

	VoteOutcome struct {
		VoteID     int64
		Status     db.VoteStatus
		FinalTally Tally
	}
)

// Presenter renders votes to the chat. Errors are logged and never undo a
// committed transition.
type Presenter interface {
	ShowVote(ctx context.Context, vote *db.Vote) (messageID int, err error)
	RefreshVote(ctx context.Context, vote *db.Vote) error
	ShowOutcome(ctx context.Context, vote *db.Vote, outcome VoteOutcome) error
}

type MemberCounter interface {
	MemberCount(ctx context.Context, chatID int64) (int, error)
}

type Enforcer interface {
	Apply(ctx context.Context, v *verdict.Verdict, target executor.Target) executor.ActionResult
}

type settingsReader interface {
	GetSettings(ctx context.Context, chatID int64) (*db.Settings, error)
}

type Engine struct {
	store     db.VoteStore
	settings  settingsReader
	members   MemberCounter
	presenter Presenter
	enforcer  Enforcer
	config    config.Voting
	locks     *xsync.MapOf[int64, *sync.Mutex]
	now       func() time.Time
}

type Options struct {
	Store     db.VoteStore
	Settings  settingsReader
	Members   MemberCounter
	Presenter Presenter
	Enforcer  Enforcer
	Config    config.Voting
	Now       func() time.Time
}

func NewEngine(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     opts.Store,
		settings:  opts.Settings,
		members:   opts.Members,
		presenter: opts.Presenter,
		enforcer:  opts.Enforcer,
		config:    opts.Config,
		locks:     xsync.NewMapOf[int64, *sync.Mutex](),
		now:       now,
	}
}

// Open starts a vote on the target unless one is already active for the
// same chat, in which case that vote is returned with created=false. The
// quorum and deadline are fixed here.
func (e *Engine) Open(ctx context.Context, req Request) (*db.Vote, bool, error) {
	policy := e.policy(ctx, req.ChatID)
	if !policy.Enabled {
		return nil, false, ngerrors.ErrVotingDisabled
	}

	members := 0
	if e.members != nil {
		n, err := e.members.MemberCount(ctx, req.ChatID)
		if err != nil {
			e.getLogEntry().
				WithField("method", "Open").
				WithField("chat_id", req.ChatID).
				WithField("error", err.Error()).
				Warn("failed to count members")
		}
		members = n
	}

	action := policy.Action
	if req.Action == verdict.ActionBan || req.Action == verdict.ActionDelete {
		action = req.Action
	}
	now := e.now()
	vote, created, err := e.store.CreateVote(ctx, &db.Vote{
		ChatID:        req.ChatID,
		TargetUserID:  req.TargetUserID,
		InitiatorID:   req.InitiatorID,
		Reason:        req.Reason,
		MessageID:     req.MessageID,
		RequiredVotes: requiredVotes(policy, members),
		ActionType:    string(action),
		CreatedAt:     now,
		ExpiresAt:     now.Add(policy.Timeout),
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to open vote: %w", err)
	}
	if !created {
		return vote, false, nil
	}

	observability.RecordVoteOpened()
	e.getLogEntry().
		WithField("vote_id", vote.ID).
		WithField("chat_id", vote.ChatID).
		WithField("target_user_id", vote.TargetUserID).
		WithField("required", vote.RequiredVotes).
		Info("vote opened")

	if e.presenter != nil {
		messageID, err := e.presenter.ShowVote(ctx, vote)
		if err != nil {
			e.presenterFailed("ShowVote", vote, err)
		} else if messageID != 0 {
			vote.NotificationMessageID = messageID
			if err := e.store.SetVoteNotification(ctx, vote.ID, messageID); err != nil {
				e.getLogEntry().WithField("vote_id", vote.ID).WithField("error", err.Error()).Warn("failed to store notification id")
			}
		}
	}
	return vote, true, nil
}

// Cast records one ballot. The first ballot of a voter stands; casts on a
// vote that is no longer active or past its deadline are no-ops.
func (e *Engine) Cast(ctx context.Context, voteID, voterID int64, yes bool) (CastResult, error) {
	l := e.lock(voteID)
	defer l.unlock()

	vote, err := e.store.GetVote(ctx, voteID)
	if err != nil {
		return CastResult{}, fmt.Errorf("failed to get vote: %w", err)
	}
	if vote == nil {
		return e.castResult(CastNotFound, nil), nil
	}
	if vote.Status != db.VoteStatusActive {
		l.resolved = true
		return e.castResult(CastClosed, vote), nil
	}
	if !e.now().Before(vote.ExpiresAt) {
		return e.castResult(CastClosed, vote), nil
	}
	if vote.HasVoter(voterID) {
		return e.castResult(CastAlreadyVoted, vote), nil
	}

	updated, err := e.store.AddBallot(ctx, &db.Ballot{VoteID: voteID, VoterID: voterID, Yes: yes, CastAt: e.now()})
	switch {
	case errors.Is(err, db.ErrAlreadyVoted):
		return e.castResult(CastAlreadyVoted, vote), nil
	case errors.Is(err, db.ErrVoteClosed):
		l.resolved = true
		return e.castResult(CastClosed, vote), nil
	case err != nil:
		return CastResult{}, fmt.Errorf("failed to add ballot: %w", err)
	}

	switch status := evaluate(updated); status {
	case db.VoteStatusPassed, db.VoteStatusRejected:
		if e.finish(ctx, updated, status, voterID) {
			l.resolved = true
			if status == db.VoteStatusPassed {
				return e.castResult(CastPassed, updated), nil
			}
			return e.castResult(CastRejected, updated), nil
		}
		// The sweep closed the vote after the ballot landed.
		l.resolved = true
		return e.castResult(CastRecorded, updated), nil
	}

	if e.presenter != nil {
		if err := e.presenter.RefreshVote(ctx, updated); err != nil {
			e.presenterFailed("RefreshVote", updated, err)
		}
	}
	return e.castResult(CastRecorded, updated), nil
}

// Override ends an active vote by moderator decision: ban yields
// forced_ban, otherwise pardon.
func (e *Engine) Override(ctx context.Context, voteID, moderatorID int64, ban bool) (VoteOutcome, error) {
	l := e.lock(voteID)
	defer l.unlock()

	vote, err := e.store.GetVote(ctx, voteID)
	if err != nil {
		return VoteOutcome{}, fmt.Errorf("failed to get vote: %w", err)
	}
	if vote == nil {
		return VoteOutcome{}, ngerrors.ErrNotFound
	}
	l.resolved = true
	if vote.Status != db.VoteStatusActive {
		return Outcome(vote), db.ErrVoteClosed
	}

	status := db.VoteStatusPardon
	if ban {
		status = db.VoteStatusForcedBan
	}
	if !e.finish(ctx, vote, status, moderatorID) {
		current, err := e.store.GetVote(ctx, voteID)
		if err != nil || current == nil {
			return Outcome(vote), db.ErrVoteClosed
		}
		return Outcome(current), db.ErrVoteClosed
	}
	return Outcome(vote), nil
}

// SweepExpired expires every active vote whose deadline has passed, settles
// votes whose tally already reached a threshold, and refreshes the view of
// the rest. It returns the number of votes it closed.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	votes, err := e.store.GetActiveVotes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active votes: %w", err)
	}

	closed := 0
	for _, vote := range votes {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		status := evaluate(vote)
		if status == db.VoteStatusActive && !now.Before(vote.ExpiresAt) {
			status = db.VoteStatusExpired
		}
		if status != db.VoteStatusActive {
			l := e.lock(vote.ID)
			if e.finish(ctx, vote, status, 0) {
				closed++
			}
			l.resolved = true
			l.unlock()
			continue
		}
		if e.presenter != nil {
			if err := e.presenter.RefreshVote(ctx, vote); err != nil {
				e.presenterFailed("RefreshVote", vote, err)
			}
		}
	}
	return closed, nil
}

// finish commits a terminal status. Only the caller whose compare-and-set
// succeeds applies the action and renders the outcome.
func (e *Engine) finish(ctx context.Context, vote *db.Vote, status db.VoteStatus, actorID int64) bool {
	entry := e.getLogEntry().
		WithField("method", "finish").
		WithField("vote_id", vote.ID).
		WithField("status", string(status))

	resolvedAt := e.now()
	ok, err := e.store.ResolveVote(ctx, vote.ID, status, resolvedAt)
	if err != nil {
		entry.WithField("error", err.Error()).Error("failed to resolve vote")
		return false
	}
	if !ok {
		entry.Debug("vote already resolved, standing down")
		return false
	}
	vote.Status = status
	vote.ResolvedAt = &resolvedAt
	observability.RecordVoteResolved(string(status))
	entry.WithField("actor_id", actorID).
		WithField("yes", vote.VotesYes).
		WithField("no", vote.VotesNo).
		Info("vote resolved")

	if v := enforcementVerdict(vote); v != nil && e.enforcer != nil {
		res := e.enforcer.Apply(ctx, v, executor.Target{
			ChatID:    vote.ChatID,
			UserID:    vote.TargetUserID,
			MessageID: vote.MessageID,
		})
		if !res.OK() {
			entry.WithField("error", res.Err.Error()).Warn("vote action incomplete")
		}
	}

	if e.presenter != nil {
		if err := e.presenter.ShowOutcome(ctx, vote, Outcome(vote)); err != nil {
			e.presenterFailed("ShowOutcome", vote, err)
		}
	}
	return true
}

// enforcementVerdict derives the verdict applied for a resolved vote. Its ID
// is stable per vote so a retried application is deduplicated.
func enforcementVerdict(vote *db.Vote) *verdict.Verdict {
	var v *verdict.Verdict
	switch vote.Status {
	case db.VoteStatusPassed:
		action := verdict.ParseAction(vote.ActionType, verdict.ActionBan)
		v = verdict.New(verdict.DetectorConsensus, verdict.TriggerVotePassed, action,
			fmt.Sprintf("Vote #%d passed (%d/%d)", vote.ID, vote.VotesYes, vote.RequiredVotes))
	case db.VoteStatusForcedBan:
		v = verdict.New(verdict.DetectorModeration, verdict.TriggerForcedBan, verdict.ActionBan,
			fmt.Sprintf("Vote #%d overridden by moderator", vote.ID))
	default:
		return nil
	}
	v.ID = fmt.Sprintf("vote-%d", vote.ID)
	return v
}

func Outcome(vote *db.Vote) VoteOutcome {
	return VoteOutcome{
		VoteID: vote.ID,
		Status: vote.Status,
		FinalTally: Tally{
			Yes:      vote.VotesYes,
			No:       vote.VotesNo,
			Required: vote.RequiredVotes,
		},
	}
}

func (e *Engine) policy(ctx context.Context, chatID int64) votingPolicy {
	if e.settings == nil {
		return resolveVotingPolicy(e.config, nil)
	}
	settings, err := e.settings.GetSettings(ctx, chatID)
	if err != nil || settings == nil {
		return resolveVotingPolicy(e.config, nil)
	}
	return resolveVotingPolicy(e.config, settings)
}

// voteLock serializes work on one vote inside this process. ResolveVote only
// commits from the active status, so a caller still queued on a mutex that
// was dropped after resolution re-reads the vote and finds it closed.
type voteLock struct {
	locks    *xsync.MapOf[int64, *sync.Mutex]
	voteID   int64
	mu       *sync.Mutex
	resolved bool
}

func (e *Engine) lock(voteID int64) *voteLock {
	mu, _ := e.locks.LoadOrCompute(voteID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return &voteLock{locks: e.locks, voteID: voteID, mu: mu}
}

// unlock releases the mutex and drops the entry once the vote is terminal.
func (l *voteLock) unlock() {
	l.mu.Unlock()
	if l.resolved {
		l.locks.Delete(l.voteID)
	}
}

func (e *Engine) castResult(status CastStatus, vote *db.Vote) CastResult {
	observability.RecordBallot(string(status))
	return CastResult{Status: status, Vote: vote}
}

func (e *Engine) presenterFailed(method string, vote *db.Vote, err error) {
	e.getLogEntry().
		WithField("method", method).
		WithField("vote_id", vote.ID).
		WithField("error", err.Error()).
		Warn("presenter failed")
}

func (e *Engine) getLogEntry() *log.Entry {
	return log.WithField("object", "Consensus")
}
