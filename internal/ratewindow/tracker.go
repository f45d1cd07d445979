package ratewindow

import (
	"context"
	"time"

	"github.com/iamwavecut/ngmod/internal/verdict"
)

type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Track records content for the key and evaluates the updated window.
func (t *Tracker) Track(ctx context.Context, userID, chatID int64, content string, now time.Time, limits Limits) (ActivityWindow, *verdict.Verdict, error) {
	w, err := t.store.Update(ctx, userID, chatID, func(w ActivityWindow) ActivityWindow {
		return Record(w, content, now)
	})
	if err != nil {
		return ActivityWindow{}, nil, err
	}
	return w, Evaluate(w, limits), nil
}
