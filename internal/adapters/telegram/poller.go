package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/event"
	"github.com/iamwavecut/ngmod/internal/infra"
)

const (
	UpdateEventType = "telegram.update"
	offsetKey       = "telegram/update_offset"
	pollTimeout     = 5
	pollBackoff     = 3 * time.Second
)

var allowedUpdates = []string{"message", "edited_message", "callback_query"}

type (
	UpdateSource interface {
		GetUpdates(config api.UpdateConfig) ([]api.Update, error)
	}

	Enqueuer interface {
		Enqueue(ctx context.Context, ev event.Queueable) error
	}

	// UpdateEvent carries one update through the dispatcher, keyed by chat
	// and sender so a member's messages are judged in order.
	UpdateEvent struct {
		*event.Base
		Update api.Update
	}
)

func NewUpdateEvent(u api.Update, now time.Time) *UpdateEvent {
	var chatID, userID int64
	if chat := u.FromChat(); chat != nil {
		chatID = chat.ID
	}
	if user := u.SentFrom(); user != nil {
		userID = user.ID
	}
	return &UpdateEvent{
		Base:   event.CreateBase(UpdateEventType, fmt.Sprintf("%d:%d", chatID, userID), now.Add(UpdateTimeout)),
		Update: u,
	}
}

// Subscribe routes dispatched updates to the processor.
func Subscribe(d *event.Dispatcher, p *Processor) {
	d.Subscribe(UpdateEventType, func(ctx context.Context, ev event.Queueable) {
		ue, ok := ev.(*UpdateEvent)
		if !ok {
			return
		}
		if err := p.Process(ctx, &ue.Update); err != nil {
			getLogEntry().
				WithField("method", "Process").
				WithField("update_id", ue.Update.UpdateID).
				WithField("error", err.Error()).
				Warn("update not processed")
		}
	})
}

// Poller long-polls the Bot API and hands updates to the dispatcher. The
// offset survives restarts through the key-value store.
type Poller struct {
	source UpdateSource
	kv     db.KVStore
	queue  Enqueuer
	now    func() time.Time

	runtimeCtx context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	mu         sync.Mutex
	started    bool
}

func NewPoller(source UpdateSource, kv db.KVStore, queue Enqueuer) *Poller {
	return &Poller{source: source, kv: kv, queue: queue, now: time.Now}
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	offset, err := p.loadOffset(ctx)
	if err != nil {
		return err
	}
	p.runtimeCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.done = make(chan struct{})
	p.started = true

	runCtx, done := p.runtimeCtx, p.done
	go func() {
		defer close(done)
		infra.GoRecoverable(3, "telegram_poller", func() {
			p.run(runCtx, offset)
		})
	}()
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Poller) run(ctx context.Context, offset int) {
	l := p.getLogEntry().WithField("method", "run")
	for ctx.Err() == nil {
		next, err := p.poll(ctx, offset)
		offset = next
		if err != nil {
			l.WithField("error", err.Error()).Warn("polling failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollBackoff):
			}
		}
	}
}

// poll fetches one batch, enqueues it and persists the next offset.
func (p *Poller) poll(ctx context.Context, offset int) (int, error) {
	cfg := api.NewUpdate(offset)
	cfg.Timeout = pollTimeout
	cfg.AllowedUpdates = allowedUpdates
	updates, err := p.source.GetUpdates(cfg)
	if err != nil {
		return offset, errors.WithMessage(err, "get updates")
	}

	next := offset
	var enqueueErr error
	for _, u := range updates {
		if u.UpdateID < next {
			continue
		}
		if enqueueErr = p.queue.Enqueue(ctx, NewUpdateEvent(u, p.now())); enqueueErr != nil {
			enqueueErr = errors.WithMessage(enqueueErr, "enqueue update")
			break
		}
		next = u.UpdateID + 1
	}
	if next != offset {
		if err := p.kv.SetKV(context.WithoutCancel(ctx), offsetKey, strconv.Itoa(next)); err != nil {
			p.getLogEntry().WithField("error", err.Error()).Warn("offset not persisted")
		}
	}
	return next, enqueueErr
}

func (p *Poller) loadOffset(ctx context.Context) (int, error) {
	raw, err := p.kv.GetKV(ctx, offsetKey)
	if err != nil {
		return 0, errors.WithMessage(err, "load update offset")
	}
	if raw == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(raw)
	if err != nil {
		p.getLogEntry().WithField("value", raw).Warn("ignoring malformed update offset")
		return 0, nil
	}
	return offset, nil
}

func (p *Poller) getLogEntry() *log.Entry {
	return getLogEntry().WithField("component", "Poller")
}
