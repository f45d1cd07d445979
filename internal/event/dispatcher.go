// Package event fans inbound events out to a fixed set of workers. Events
// sharing a key always land on the same worker, so each key has a single
// writer while different keys run in parallel.
package event

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngmod/internal/infra"
	"github.com/iamwavecut/ngmod/internal/observability"
)

var ErrStopped = errors.New("dispatcher stopped")

type Handler func(ctx context.Context, ev Queueable)

type Dispatcher struct {
	shards        []chan Queueable
	subscriptions map[string][]Handler
	subMu         sync.RWMutex

	runtimeCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	started    bool
}

func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1024
	}
	shards := make([]chan Queueable, workers)
	for i := range shards {
		shards[i] = make(chan Queueable, queueSize)
	}
	return &Dispatcher{
		shards:        shards,
		subscriptions: map[string][]Handler{},
	}
}

func (d *Dispatcher) Subscribe(eventType string, h Handler) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subscriptions[eventType] = append(d.subscriptions[eventType], h)
}

// Enqueue hands the event to the worker owning its key. It blocks while that
// worker's queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Queueable) error {
	d.mu.RLock()
	started, runCtx := d.started, d.runtimeCtx
	d.mu.RUnlock()
	if !started {
		return ErrStopped
	}

	select {
	case d.shards[d.shardOf(ev.Key())] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return ErrStopped
	}
}

func (d *Dispatcher) shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.runtimeCtx, d.cancel = context.WithCancel(ctx)
	d.started = true

	for i := range d.shards {
		shard := i
		runCtx := d.runtimeCtx
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			infra.GoRecoverable(-1, "event_worker_"+strconv.Itoa(shard), func() {
				d.run(runCtx, shard)
			})
		}()
	}
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (d *Dispatcher) run(ctx context.Context, shard int) {
	q := d.shards[shard]
	label := strconv.Itoa(shard)
	profileTicker := time.NewTicker(time.Minute)
	defer profileTicker.Stop()

	l := d.getLogEntry().WithField("shard", shard)
	l.Trace("event worker started")
	for {
		select {
		case <-ctx.Done():
			if pending := len(q); pending > 0 {
				l.WithField("pending", pending).Warn("dropping queued events on shutdown")
			}
			return
		case <-profileTicker.C:
			observability.SetQueueDepth(label, len(q))
		case ev := <-q:
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev Queueable) {
	if ev.Expired() {
		d.getLogEntry().WithField("type", ev.Type()).Debug("skipping expired event")
		return
	}
	d.subMu.RLock()
	handlers := d.subscriptions[ev.Type()]
	d.subMu.RUnlock()
	if len(handlers) == 0 {
		d.getLogEntry().WithField("type", ev.Type()).Debug("no subscribers, dropping event")
		return
	}
	for _, h := range handlers {
		h(ctx, ev)
	}
}

func (d *Dispatcher) getLogEntry() *log.Entry {
	return log.WithField("object", "Dispatcher")
}
