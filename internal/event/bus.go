package event

import (
	"time"
)

type (
	// Queueable is a unit of work routed by Type to subscribers. Events with
	// the same Key are handled in enqueue order.
	Queueable interface {
		Type() string
		Key() string
		Expired() bool
	}

	Base struct {
		eventType string
		key       string
		expireAt  time.Time
	}
)

// CreateBase builds the routing part of an event. A zero expiresAt never
// expires.
func CreateBase(eventType, key string, expiresAt time.Time) *Base {
	return &Base{
		eventType: eventType,
		key:       key,
		expireAt:  expiresAt,
	}
}

func (b *Base) Type() string {
	return b.eventType
}

func (b *Base) Key() string {
	return b.key
}

func (b *Base) Expired() bool {
	return !b.expireAt.IsZero() && time.Until(b.expireAt) < 0
}
