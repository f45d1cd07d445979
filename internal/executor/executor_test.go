package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	ngerrors "github.com/iamwavecut/ngmod/internal/errors"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

type stubPlatform struct {
	mu        sync.Mutex
	deletes   int
	bans      int
	deleteErr error
	banErr    error
}

func (p *stubPlatform) DeleteMessage(context.Context, int64, int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes++
	return p.deleteErr
}

func (p *stubPlatform) BanUser(context.Context, int64, int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bans++
	return p.banErr
}

type stubQueue struct {
	mu       sync.Mutex
	verdicts []*verdict.Verdict
}

func (q *stubQueue) Review(_ context.Context, v *verdict.Verdict, _ Target) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.verdicts = append(q.verdicts, v)
	return nil
}

func TestApplyActions(t *testing.T) {
	t.Parallel()

	target := Target{ChatID: -100, UserID: 7, MessageID: 42}
	tests := []struct {
		name        string
		action      verdict.Action
		platform    *stubPlatform
		wantDeletes int
		wantBans    int
		wantQueued  int
		wantErr     bool
	}{
		{name: "delete", action: verdict.ActionDelete, platform: &stubPlatform{}, wantDeletes: 1},
		{name: "ban deletes first", action: verdict.ActionBan, platform: &stubPlatform{}, wantDeletes: 1, wantBans: 1},
		{name: "ban survives failed delete", action: verdict.ActionBan, platform: &stubPlatform{deleteErr: errors.New("timeout")}, wantDeletes: 1, wantBans: 1, wantErr: true},
		{name: "report only", action: verdict.ActionReportOnly, platform: &stubPlatform{}, wantQueued: 1},
		{name: "vote", action: verdict.ActionVote, platform: &stubPlatform{}, wantQueued: 1},
		{name: "gone is success", action: verdict.ActionBan, platform: &stubPlatform{deleteErr: fmt.Errorf("message: %w", ngerrors.ErrGone), banErr: ngerrors.ErrGone}, wantDeletes: 1, wantBans: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			queue := &stubQueue{}
			e := New(tt.platform, queue)
			res := e.Apply(context.Background(), verdict.New(verdict.DetectorRate, verdict.TriggerBurst, tt.action, "test"), target)
			if tt.platform.deletes != tt.wantDeletes || tt.platform.bans != tt.wantBans || len(queue.verdicts) != tt.wantQueued {
				t.Fatalf("calls: deletes=%d bans=%d queued=%d", tt.platform.deletes, tt.platform.bans, len(queue.verdicts))
			}
			if (res.Err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", res.Err)
			}
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	platform := &stubPlatform{}
	e := New(platform, nil)
	v := verdict.New(verdict.DetectorConsensus, verdict.TriggerVotePassed, verdict.ActionBan, "vote #1")
	target := Target{ChatID: -1, UserID: 2, MessageID: 3}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := e.Apply(context.Background(), v, target); !res.OK() {
				t.Errorf("apply failed: %v", res.Err)
			}
		}()
	}
	wg.Wait()

	res := e.Apply(context.Background(), v, target)
	if !res.Duplicate || !res.Banned {
		t.Fatalf("expected remembered result, got %+v", res)
	}
	if platform.bans != 1 || platform.deletes != 1 {
		t.Fatalf("expected one ban and one delete, got %d/%d", platform.bans, platform.deletes)
	}
}

func TestFailedApplyIsRetried(t *testing.T) {
	t.Parallel()

	platform := &stubPlatform{banErr: errors.New("flood wait")}
	e := New(platform, nil)
	v := verdict.New(verdict.DetectorHash, verdict.TriggerHashMatch, verdict.ActionBan, "hash")
	target := Target{ChatID: -1, UserID: 2}

	if res := e.Apply(context.Background(), v, target); res.OK() {
		t.Fatalf("expected failure")
	}
	platform.banErr = nil
	res := e.Apply(context.Background(), v, target)
	if !res.OK() || res.Duplicate || !res.Banned {
		t.Fatalf("expected retry to ban, got %+v", res)
	}
	if platform.deletes != 0 {
		t.Fatalf("no message to delete, got %d deletes", platform.deletes)
	}
}

func TestApplyNoop(t *testing.T) {
	t.Parallel()

	platform := &stubPlatform{}
	e := New(platform, nil)
	if res := e.Apply(context.Background(), nil, Target{}); res.VerdictID != "" {
		t.Fatalf("nil verdict must be ignored")
	}
	res := e.Apply(context.Background(), verdict.New(verdict.DetectorPattern, verdict.TriggerPattern, verdict.ActionReportOnly, "p"), Target{ChatID: 1})
	if !res.OK() || res.Queued {
		t.Fatalf("report without queue should succeed unqueued, got %+v", res)
	}
}
