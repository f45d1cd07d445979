package db

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyVoted = errors.New("already voted")
	ErrVoteClosed   = errors.New("vote closed")
)

// SettingsOverrideInherit marks a numeric override that falls back to the
// process-wide configuration.
const SettingsOverrideInherit = -1

type (
	// Settings is the per-chat moderation configuration. Numeric overrides hold
	// SettingsOverrideInherit and string overrides hold "" when unset.
	Settings struct {
		ID                      int64             `db:"id"`
		Enabled                 bool              `db:"enabled"`
		Sensitivity             string            `db:"sensitivity"`
		Limit10sOverride        int               `db:"limit_10s_override"`
		Limit60sOverride        int               `db:"limit_60s_override"`
		LimitDupOverride        int               `db:"limit_dup_override"`
		VolumeActionOverride    string            `db:"volume_action_override"`
		PatternActionOverride   string            `db:"pattern_action_override"`
		EditThresholdOverride   float64           `db:"edit_threshold_override"`
		HashMaxDistanceOverride int               `db:"hash_max_distance_override"`
		PatternLanguages        StringList        `db:"pattern_languages"`
		TemplateOverrides       TemplateOverrides `db:"template_overrides"`

		CommunityVotingEnabled                  bool   `db:"community_voting_enabled"`
		CommunityVotingTimeoutOverrideNS        int64  `db:"community_voting_timeout_override_ns"`
		CommunityVotingMinVotersOverride        int    `db:"community_voting_min_voters_override"`
		CommunityVotingMaxVotersOverride        int    `db:"community_voting_max_voters_override"`
		CommunityVotingMinVotersPercentOverride int    `db:"community_voting_min_voters_percent_override"`
		CommunityVotingActionOverride           string `db:"community_voting_action_override"`
	}

	TemplateOverride struct {
		Disabled bool   `json:"disabled,omitempty"`
		Action   string `json:"action,omitempty"`
	}

	// TemplateOverrides is keyed by template id.
	TemplateOverrides map[int64]TemplateOverride
)

func DefaultSettings(chatID int64) *Settings {
	return &Settings{
		ID:                                      chatID,
		Enabled:                                 true,
		Limit10sOverride:                        SettingsOverrideInherit,
		Limit60sOverride:                        SettingsOverrideInherit,
		LimitDupOverride:                        SettingsOverrideInherit,
		EditThresholdOverride:                   SettingsOverrideInherit,
		HashMaxDistanceOverride:                 SettingsOverrideInherit,
		CommunityVotingEnabled:                  true,
		CommunityVotingTimeoutOverrideNS:        SettingsOverrideInherit,
		CommunityVotingMinVotersOverride:        SettingsOverrideInherit,
		CommunityVotingMaxVotersOverride:        SettingsOverrideInherit,
		CommunityVotingMinVotersPercentOverride: SettingsOverrideInherit,
	}
}

func (o TemplateOverrides) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[int64]TemplateOverride(o))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (o *TemplateOverrides) Scan(v any) error {
	return scanJSON(v, o)
}

// Disabled reports whether the chat switched templateID off.
func (o TemplateOverrides) Disabled(templateID int64) bool {
	ov, ok := o[templateID]
	return ok && ov.Disabled
}
