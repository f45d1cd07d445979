package bot

import (
	"context"
	"errors"

	"github.com/iamwavecut/ngmod/internal/consensus"
	ngerrors "github.com/iamwavecut/ngmod/internal/errors"
	"github.com/iamwavecut/ngmod/internal/executor"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

type Reporter interface {
	Report(ctx context.Context, v *verdict.Verdict, target executor.Target) error
}

// ReviewQueue turns non-mutating verdicts into community votes. Report-only
// verdicts also go to the Reporter; when voting is disabled in the chat that
// report is all that happens.
type ReviewQueue struct {
	votes    *consensus.Engine
	reporter Reporter
}

func (q *ReviewQueue) Review(ctx context.Context, v *verdict.Verdict, target executor.Target) error {
	var reportErr error
	if v.Action == verdict.ActionReportOnly && q.reporter != nil {
		reportErr = q.reporter.Report(ctx, v, target)
	}

	_, _, err := q.votes.Open(ctx, consensus.Request{
		ChatID:       target.ChatID,
		TargetUserID: target.UserID,
		MessageID:    target.MessageID,
		Reason:       v.Detail,
	})
	if errors.Is(err, ngerrors.ErrVotingDisabled) {
		if v.Action == verdict.ActionReportOnly {
			return reportErr
		}
		return err
	}
	return errors.Join(reportErr, err)
}
