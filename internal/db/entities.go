package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type (
	HashScope  string
	VoteStatus string
)

const (
	HashScopeChat   HashScope = "chat"
	HashScopeGlobal HashScope = "global"
)

const (
	VoteStatusActive    VoteStatus = "active"
	VoteStatusPassed    VoteStatus = "passed"
	VoteStatusRejected  VoteStatus = "rejected"
	VoteStatusExpired   VoteStatus = "expired"
	VoteStatusForcedBan VoteStatus = "forced_ban"
	VoteStatusPardon    VoteStatus = "pardon"
)

// Terminal reports whether the status can no longer change.
func (s VoteStatus) Terminal() bool {
	return s != VoteStatusActive && s != ""
}

type (
	ReferenceHash struct {
		ID         int64     `db:"id"`
		Hash       string    `db:"hash"`
		Scope      HashScope `db:"scope"`
		ChatID     int64     `db:"chat_id"`
		Category   string    `db:"category"`
		Action     string    `db:"action"`
		MatchCount int64     `db:"match_count"`
		CreatedBy  int64     `db:"created_by"`
		CreatedAt  time.Time `db:"created_at"`
	}

	SpamTemplate struct {
		ID                  int64      `db:"id"`
		Language            string     `db:"language"`
		Category            string     `db:"category"`
		Patterns            StringList `db:"patterns"`
		SimilarityThreshold float64    `db:"similarity_threshold"`
		Action              string     `db:"action"`
		Enabled             bool       `db:"enabled"`
		UpdatedAt           time.Time  `db:"updated_at"`
	}

	Vote struct {
		ID                    int64      `db:"id"`
		ChatID                int64      `db:"chat_id"`
		TargetUserID          int64      `db:"target_user_id"`
		InitiatorID           int64      `db:"initiator_id"`
		Reason                string     `db:"reason"`
		MessageID             int        `db:"message_id"`
		RequiredVotes         int        `db:"required_votes"`
		VotesYes              int        `db:"votes_yes"`
		VotesNo               int        `db:"votes_no"`
		Status                VoteStatus `db:"status"`
		ActionType            string     `db:"action_type"`
		NotificationMessageID int        `db:"notification_message_id"`
		CreatedAt             time.Time  `db:"created_at"`
		ExpiresAt             time.Time  `db:"expires_at"`
		ResolvedAt            *time.Time `db:"resolved_at"`

		Voters []*Ballot `db:"-"`
	}

	Ballot struct {
		ID      int64     `db:"id"`
		VoteID  int64     `db:"vote_id"`
		VoterID int64     `db:"voter_id"`
		Yes     bool      `db:"choice"`
		CastAt  time.Time `db:"cast_at"`
	}

	MessageSnapshot struct {
		ChatID       int64     `db:"chat_id"`
		MessageID    int       `db:"message_id"`
		UserID       int64     `db:"user_id"`
		OriginalText string    `db:"original_text"`
		HadLink      bool      `db:"had_link"`
		CreatedAt    time.Time `db:"created_at"`
	}

	StringList []string
)

// HasVoter reports whether voterID already cast a ballot.
func (v *Vote) HasVoter(voterID int64) bool {
	for _, b := range v.Voters {
		if b.VoterID == voterID {
			return true
		}
	}
	return false
}

// Remaining is the time left until expiry, never negative.
func (v *Vote) Remaining(now time.Time) time.Duration {
	if d := v.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(v any) error {
	return scanJSON(v, l)
}

func scanJSON(v any, target any) error {
	switch data := v.(type) {
	case nil:
		return nil
	case string:
		if data == "" {
			return nil
		}
		return json.Unmarshal([]byte(data), target)
	case []byte:
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, target)
	default:
		return fmt.Errorf("cannot scan type %T into %T", v, target)
	}
}
