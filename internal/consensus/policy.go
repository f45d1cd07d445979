package consensus

import (
	"time"

	"github.com/iamwavecut/ngmod/internal/config"
	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const defaultVotingTimeout = 5 * time.Minute

type votingPolicy struct {
	Enabled             bool
	Timeout             time.Duration
	MinVoters           int
	MaxVoters           int
	MinVotersPercentage float64
	Action              verdict.Action
}

func normalizeVotingPolicy(policy votingPolicy) votingPolicy {
	if policy.Timeout <= 0 {
		policy.Timeout = defaultVotingTimeout
	}
	if policy.MinVoters < 1 {
		policy.MinVoters = 1
	}
	if policy.MaxVoters < 0 {
		policy.MaxVoters = 0
	}
	if policy.MinVotersPercentage < 0 {
		policy.MinVotersPercentage = 0
	}
	if policy.Action != verdict.ActionDelete {
		policy.Action = verdict.ActionBan
	}
	return policy
}

func resolveVotingPolicy(base config.Voting, settings *db.Settings) votingPolicy {
	policy := votingPolicy{
		Enabled:             true,
		Timeout:             base.Timeout,
		MinVoters:           base.MinVoters,
		MaxVoters:           base.MaxVoters,
		MinVotersPercentage: base.MinVotersPercentage,
		Action:              verdict.ParseAction(base.ActionType, verdict.ActionBan),
	}

	if settings == nil {
		return normalizeVotingPolicy(policy)
	}
	policy.Enabled = settings.CommunityVotingEnabled
	if settings.CommunityVotingTimeoutOverrideNS != int64(db.SettingsOverrideInherit) {
		policy.Timeout = time.Duration(settings.CommunityVotingTimeoutOverrideNS)
	}
	if settings.CommunityVotingMinVotersOverride != db.SettingsOverrideInherit {
		policy.MinVoters = settings.CommunityVotingMinVotersOverride
	}
	if settings.CommunityVotingMaxVotersOverride != db.SettingsOverrideInherit {
		policy.MaxVoters = settings.CommunityVotingMaxVotersOverride
	}
	if settings.CommunityVotingMinVotersPercentOverride != db.SettingsOverrideInherit {
		policy.MinVotersPercentage = float64(settings.CommunityVotingMinVotersPercentOverride)
	}
	if settings.CommunityVotingActionOverride != "" {
		policy.Action = verdict.ParseAction(settings.CommunityVotingActionOverride, policy.Action)
	}

	return normalizeVotingPolicy(policy)
}

// requiredVotes is the quorum for a chat with the given member count: the
// larger of MinVoters and the member percentage, capped at MaxVoters.
func requiredVotes(policy votingPolicy, members int) int {
	fromPercentage := int(float64(members) * policy.MinVotersPercentage / 100)
	required := max(policy.MinVoters, fromPercentage)
	if policy.MaxVoters > 0 && required > policy.MaxVoters {
		required = policy.MaxVoters
	}
	if required < 1 {
		required = 1
	}
	return required
}

// evaluate returns the terminal status the tally has reached, or active.
// Passing is checked first so a tally crossing both thresholds passes.
func evaluate(vote *db.Vote) db.VoteStatus {
	switch {
	case vote.VotesYes >= vote.RequiredVotes:
		return db.VoteStatusPassed
	case vote.VotesNo*2 > vote.RequiredVotes:
		return db.VoteStatusRejected
	default:
		return db.VoteStatusActive
	}
}
