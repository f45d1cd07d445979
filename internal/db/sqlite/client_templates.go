package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/iamwavecut/ngmod/internal/db"
)

// UpsertSpamTemplate inserts a template or replaces the one sharing its
// language and category.
func (s *sqliteClient) UpsertSpamTemplate(ctx context.Context, tpl *db.SpamTemplate) (*db.SpamTemplate, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	tpl.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO spam_templates (language, category, patterns, similarity_threshold, action, enabled, updated_at)
		VALUES (:language, :category, :patterns, :similarity_threshold, :action, :enabled, :updated_at)
		ON CONFLICT(language, category) DO UPDATE SET
		patterns = excluded.patterns,
		similarity_threshold = excluded.similarity_threshold,
		action = excluded.action,
		enabled = excluded.enabled,
		updated_at = excluded.updated_at
	`
	if _, err := s.db.NamedExecContext(ctx, query, tpl); err != nil {
		return nil, fmt.Errorf("failed to upsert spam template %s/%s: %w", tpl.Language, tpl.Category, err)
	}
	if err := s.db.GetContext(ctx, &tpl.ID, `SELECT id FROM spam_templates WHERE language = ? AND category = ?`, tpl.Language, tpl.Category); err != nil {
		return nil, fmt.Errorf("failed to get spam template id: %w", err)
	}
	return tpl, nil
}

func (s *sqliteClient) GetEnabledSpamTemplates(ctx context.Context) ([]*db.SpamTemplate, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var templates []*db.SpamTemplate
	err := s.db.SelectContext(ctx, &templates, `
		SELECT id, language, category, patterns, similarity_threshold, action, enabled, updated_at
		FROM spam_templates
		WHERE enabled = 1
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get spam templates: %w", err)
	}
	return templates, nil
}
