package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iamwavecut/ngmod/internal/db"
)

const settingsColumns = `id, enabled, sensitivity, limit_10s_override, limit_60s_override, limit_dup_override,
	volume_action_override, pattern_action_override, edit_threshold_override, hash_max_distance_override,
	pattern_languages, template_overrides, community_voting_enabled, community_voting_timeout_override_ns,
	community_voting_min_voters_override, community_voting_max_voters_override,
	community_voting_min_voters_percent_override, community_voting_action_override`

func (s *sqliteClient) GetSettings(ctx context.Context, chatID int64) (*db.Settings, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	res := &db.Settings{}
	err := s.db.GetContext(ctx, res, `SELECT `+settingsColumns+` FROM chat_settings WHERE id = ?`, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settings for chat %d: %w", chatID, err)
	}
	return res, nil
}

func (s *sqliteClient) SetSettings(ctx context.Context, settings *db.Settings) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
		INSERT INTO chat_settings (` + settingsColumns + `)
		VALUES (:id, :enabled, :sensitivity, :limit_10s_override, :limit_60s_override, :limit_dup_override,
			:volume_action_override, :pattern_action_override, :edit_threshold_override, :hash_max_distance_override,
			:pattern_languages, :template_overrides, :community_voting_enabled, :community_voting_timeout_override_ns,
			:community_voting_min_voters_override, :community_voting_max_voters_override,
			:community_voting_min_voters_percent_override, :community_voting_action_override)
		ON CONFLICT(id) DO UPDATE SET
		enabled = excluded.enabled,
		sensitivity = excluded.sensitivity,
		limit_10s_override = excluded.limit_10s_override,
		limit_60s_override = excluded.limit_60s_override,
		limit_dup_override = excluded.limit_dup_override,
		volume_action_override = excluded.volume_action_override,
		pattern_action_override = excluded.pattern_action_override,
		edit_threshold_override = excluded.edit_threshold_override,
		hash_max_distance_override = excluded.hash_max_distance_override,
		pattern_languages = excluded.pattern_languages,
		template_overrides = excluded.template_overrides,
		community_voting_enabled = excluded.community_voting_enabled,
		community_voting_timeout_override_ns = excluded.community_voting_timeout_override_ns,
		community_voting_min_voters_override = excluded.community_voting_min_voters_override,
		community_voting_max_voters_override = excluded.community_voting_max_voters_override,
		community_voting_min_voters_percent_override = excluded.community_voting_min_voters_percent_override,
		community_voting_action_override = excluded.community_voting_action_override
	`
	if _, err := s.db.NamedExecContext(ctx, query, settings); err != nil {
		return fmt.Errorf("failed to set settings for chat %d: %w", settings.ID, err)
	}
	return nil
}
