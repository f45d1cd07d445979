package phash

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/ngmod/internal/db"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Minute
)

// Matcher looks up reference hashes for a chat (chat-scoped plus global),
// caching candidate sets briefly per chat.
type Matcher struct {
	store db.HashStore
	cache *expirable.LRU[int64, []*db.ReferenceHash]
}

func NewMatcher(store db.HashStore, cacheSize int, ttl time.Duration) *Matcher {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Matcher{
		store: store,
		cache: expirable.NewLRU[int64, []*db.ReferenceHash](cacheSize, nil, ttl),
	}
}

// Match returns the nearest reference hash within maxDistance or nil. A hit
// bumps the reference's match counter; failing to do so is only logged.
func (m *Matcher) Match(ctx context.Context, chatID int64, hash string, maxDistance int) (*Candidate, error) {
	hash = Normalize(hash)
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	candidates, err := m.candidates(ctx, chatID)
	if err != nil {
		return nil, err
	}
	best := FindNearestMatch(hash, candidates, maxDistance)
	if best == nil {
		return nil, nil
	}
	if err := m.store.IncrementHashMatch(ctx, best.Hash.ID); err != nil {
		m.getLogEntry().
			WithField("method", "Match").
			WithField("hash_id", best.Hash.ID).
			WithField("error", err.Error()).
			Warn("failed to increment match count")
	}
	return best, nil
}

// Add stores a new reference hash and drops cached candidates it affects.
func (m *Matcher) Add(ctx context.Context, ref *db.ReferenceHash) (*db.ReferenceHash, error) {
	ref.Hash = Normalize(ref.Hash)
	if !ValidHash(ref.Hash) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, ref.Hash)
	}
	if ref.Scope == "" {
		ref.Scope = db.HashScopeChat
	}
	stored, err := m.store.AddReferenceHash(ctx, ref)
	if err != nil {
		return nil, err
	}
	m.invalidate(stored)
	return stored, nil
}

// Remove deletes a reference hash. The owning chat is unknown here, so every
// cached candidate set is dropped.
func (m *Matcher) Remove(ctx context.Context, id int64) error {
	if err := m.store.DeleteReferenceHash(ctx, id); err != nil {
		return err
	}
	m.cache.Purge()
	return nil
}

func (m *Matcher) invalidate(ref *db.ReferenceHash) {
	if ref.Scope == db.HashScopeGlobal {
		m.cache.Purge()
		return
	}
	m.cache.Remove(ref.ChatID)
}

func (m *Matcher) candidates(ctx context.Context, chatID int64) ([]*db.ReferenceHash, error) {
	if cached, ok := m.cache.Get(chatID); ok {
		return cached, nil
	}
	candidates, err := m.store.GetReferenceHashes(ctx, chatID)
	if err != nil {
		return nil, err
	}
	m.cache.Add(chatID, candidates)
	return candidates, nil
}

func (m *Matcher) getLogEntry() *log.Entry {
	return log.WithField("object", "HashMatcher")
}
