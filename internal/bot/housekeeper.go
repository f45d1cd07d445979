package bot

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngmod/internal/infra"
)

type ticker interface {
	Tick(ctx context.Context, now time.Time) (TickReport, error)
}

// Housekeeper runs Service.Tick on a fixed interval.
type Housekeeper struct {
	target   ticker
	interval time.Duration
	now      func() time.Time

	runtimeCtx context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex
	started    bool
}

func NewHousekeeper(s *Service, interval time.Duration) *Housekeeper {
	return newHousekeeper(s, interval)
}

func newHousekeeper(target ticker, interval time.Duration) *Housekeeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Housekeeper{target: target, interval: interval, now: time.Now}
}

func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	h.runtimeCtx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	h.done = make(chan struct{})
	h.started = true

	runCtx, done := h.runtimeCtx, h.done
	go func() {
		defer close(done)
		infra.GoRecoverable(3, "housekeeper", func() {
			h.run(runCtx)
		})
	}()
	return nil
}

func (h *Housekeeper) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (h *Housekeeper) run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.tick(ctx)
		}
	}
}

func (h *Housekeeper) tick(ctx context.Context) {
	l := h.getLogEntry().WithField("method", "tick")
	report, err := h.target.Tick(ctx, h.now())
	if err != nil {
		l.WithField("error", err.Error()).Warn("housekeeping failed")
		return
	}
	if report.ClosedVotes > 0 || report.PurgedSnapshots > 0 || report.PrunedWindows > 0 {
		l.WithField("closed_votes", report.ClosedVotes).
			WithField("purged_snapshots", report.PurgedSnapshots).
			WithField("pruned_windows", report.PrunedWindows).
			Debug("housekeeping done")
	}
}

func (h *Housekeeper) getLogEntry() *log.Entry {
	return log.WithField("object", "Housekeeper")
}
