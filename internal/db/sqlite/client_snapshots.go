package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iamwavecut/ngmod/internal/db"
)

// SaveMessageSnapshot keeps the first text seen for a message; later saves
// for the same message are ignored so the baseline never drifts.
func (s *sqliteClient) SaveMessageSnapshot(ctx context.Context, snapshot *db.MessageSnapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_snapshots (chat_id, message_id, user_id, original_text, had_link, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snapshot.ChatID, snapshot.MessageID, snapshot.UserID, snapshot.OriginalText, snapshot.HadLink, snapshot.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot %d/%d: %w", snapshot.ChatID, snapshot.MessageID, err)
	}
	return nil
}

func (s *sqliteClient) GetMessageSnapshot(ctx context.Context, chatID int64, messageID int) (*db.MessageSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	snapshot := &db.MessageSnapshot{}
	err := s.db.GetContext(ctx, snapshot, `
		SELECT chat_id, message_id, user_id, original_text, had_link, created_at
		FROM message_snapshots
		WHERE chat_id = ? AND message_id = ?
	`, chatID, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get snapshot %d/%d: %w", chatID, messageID, err)
	}
	return snapshot, nil
}

func (s *sqliteClient) PurgeMessageSnapshots(ctx context.Context, before time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM message_snapshots WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}
	return result.RowsAffected()
}
