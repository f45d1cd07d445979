// Package verdict defines the output of detectors and the arbiter. Detectors
// return verdicts; the executor consumes them and never the other way round.
package verdict

import (
	"fmt"
	"strings"
	"time"

	"github.com/pborman/uuid"
)

type (
	Action   string
	Detector string
	Trigger  string
)

const (
	ActionNone       Action = ""
	ActionDelete     Action = "delete"
	ActionBan        Action = "ban"
	ActionReportOnly Action = "report_only"
	ActionVote       Action = "vote"
)

const (
	DetectorRate       Detector = "rate"
	DetectorPattern    Detector = "pattern"
	DetectorEdit       Detector = "edit"
	DetectorHash       Detector = "hash"
	DetectorConsensus  Detector = "consensus"
	DetectorModeration Detector = "moderator"
)

const (
	TriggerBurst         Trigger = "burst"
	TriggerFlood         Trigger = "flood"
	TriggerRepetition    Trigger = "repetition"
	TriggerLinkInjection Trigger = "link_injection"
	TriggerEditAbuse     Trigger = "edit_abuse"
	TriggerHashMatch     Trigger = "hash_match"
	TriggerPattern       Trigger = "pattern"
	TriggerVotePassed    Trigger = "vote_passed"
	TriggerForcedBan     Trigger = "forced_ban"
)

// Verdict identifies a triggered rule and its recommended action.
type Verdict struct {
	ID        string
	Detector  Detector
	Trigger   Trigger
	Action    Action
	Detail    string
	CreatedAt time.Time
}

func New(detector Detector, trigger Trigger, action Action, detail string) *Verdict {
	return &Verdict{
		ID:        uuid.New(),
		Detector:  detector,
		Trigger:   trigger,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
}

func (v *Verdict) String() string {
	if v == nil {
		return "no verdict"
	}
	return fmt.Sprintf("%s/%s -> %s: %s", v.Detector, v.Trigger, v.Action, v.Detail)
}

// ParseAction maps configuration strings onto actions, falling back when the
// value is unknown or empty.
func ParseAction(s string, fallback Action) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionDelete:
		return ActionDelete
	case ActionBan:
		return ActionBan
	case ActionReportOnly, "report":
		return ActionReportOnly
	case ActionVote:
		return ActionVote
	default:
		return fallback
	}
}
