package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iamwavecut/ngmod/internal/db"
)

func (s *sqliteClient) AddReferenceHash(ctx context.Context, hash *db.ReferenceHash) (*db.ReferenceHash, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if hash.CreatedAt.IsZero() {
		hash.CreatedAt = time.Now()
	}
	hash.CreatedAt = hash.CreatedAt.UTC()
	hash.Hash = strings.ToLower(hash.Hash)
	if hash.Scope == db.HashScopeGlobal {
		hash.ChatID = 0
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reference_hashes (hash, scope, chat_id, category, action, match_count, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`, hash.Hash, hash.Scope, hash.ChatID, hash.Category, hash.Action, hash.CreatedBy, hash.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reference hash: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get reference hash id: %w", err)
	}
	hash.ID = id
	hash.MatchCount = 0
	return hash, nil
}

// GetReferenceHashes returns the hashes scoped to chatID plus all global ones.
func (s *sqliteClient) GetReferenceHashes(ctx context.Context, chatID int64) ([]*db.ReferenceHash, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var hashes []*db.ReferenceHash
	err := s.db.SelectContext(ctx, &hashes, `
		SELECT id, hash, scope, chat_id, category, action, match_count, created_by, created_at
		FROM reference_hashes
		WHERE scope = 'global' OR (scope = 'chat' AND chat_id = ?)
		ORDER BY id
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get reference hashes for chat %d: %w", chatID, err)
	}
	return hashes, nil
}

func (s *sqliteClient) IncrementHashMatch(ctx context.Context, id int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE reference_hashes SET match_count = match_count + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to increment match count for hash %d: %w", id, err)
	}
	return nil
}

func (s *sqliteClient) DeleteReferenceHash(ctx context.Context, id int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM reference_hashes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reference hash %d: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return db.ErrNotFound
	}
	return nil
}
