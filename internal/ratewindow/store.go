package ratewindow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Store applies fn to the window of one (user, chat) key atomically. Updates
// on different keys never block each other.
type Store interface {
	Update(ctx context.Context, userID, chatID int64, fn func(ActivityWindow) ActivityWindow) (ActivityWindow, error)
}

type windowKey struct {
	UserID int64
	ChatID int64
}

type MemStore struct {
	windows *xsync.MapOf[windowKey, ActivityWindow]
}

func NewMemStore() *MemStore {
	return &MemStore{windows: xsync.NewMapOf[windowKey, ActivityWindow]()}
}

func (s *MemStore) Update(_ context.Context, userID, chatID int64, fn func(ActivityWindow) ActivityWindow) (ActivityWindow, error) {
	next, _ := s.windows.Compute(windowKey{UserID: userID, ChatID: chatID}, func(old ActivityWindow, _ bool) (ActivityWindow, bool) {
		return fn(old), false
	})
	return next, nil
}

// Prune drops windows idle for longer than the long window and returns how
// many were removed.
func (s *MemStore) Prune(now time.Time) int {
	removed := 0
	s.windows.Range(func(key windowKey, _ ActivityWindow) bool {
		s.windows.Compute(key, func(old ActivityWindow, loaded bool) (ActivityWindow, bool) {
			if loaded && now.Sub(old.LastAt) > LongWindow {
				removed++
				return old, true
			}
			return old, !loaded
		})
		return true
	})
	return removed
}

func (s *MemStore) Len() int {
	return s.windows.Size()
}

const (
	redisWindowPrefix = "ngmod/window/"
	redisWindowTTL    = 2 * time.Minute
	redisMaxRetries   = 8
)

type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{Client: rdb}, nil
}

// Update runs an optimistic WATCH/MULTI transaction, retrying when another
// writer touched the key in between.
func (s *RedisStore) Update(ctx context.Context, userID, chatID int64, fn func(ActivityWindow) ActivityWindow) (ActivityWindow, error) {
	key := fmt.Sprintf("%s%d/%d", redisWindowPrefix, chatID, userID)
	var next ActivityWindow

	txf := func(tx *redis.Tx) error {
		var current ActivityWindow
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &current); err != nil {
				log.WithField("object", "RedisStore").WithField("error", err.Error()).Warn("corrupt window, resetting")
				current = ActivityWindow{}
			}
		}
		next = fn(current)
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redisWindowTTL)
			return nil
		})
		return err
	}

	for i := 0; i < redisMaxRetries; i++ {
		err := s.Client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return ActivityWindow{}, fmt.Errorf("update window %s: %w", key, err)
	}
	return ActivityWindow{}, fmt.Errorf("update window %s: too many conflicts", key)
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}
