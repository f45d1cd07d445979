package patterns

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/similarity"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

const (
	MinTextLength    = 10
	WildcardLanguage = "*"
)

type Match struct {
	TemplateID int64
	Category   string
	Language   string
	Action     verdict.Action
	Pattern    string
	Score      float64
}

type CheckOptions struct {
	// AllowedLanguages empty or containing "*" admits every template.
	AllowedLanguages []string
	Overrides        db.TemplateOverrides
	ChatAction       verdict.Action
}

type Matcher struct {
	cache *Cache
}

func NewMatcher(cache *Cache) *Matcher {
	return &Matcher{cache: cache}
}

func (m *Matcher) Check(ctx context.Context, text string, opts CheckOptions) (*Match, error) {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinTextLength {
		return nil, nil
	}
	snapshot, err := m.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	return CheckSnapshot(snapshot, text, opts), nil
}

// CheckSnapshot returns the first template pattern whose similarity with text
// reaches the template threshold.
func CheckSnapshot(s *Snapshot, text string, opts CheckOptions) *Match {
	if s == nil || utf8.RuneCountInString(strings.TrimSpace(text)) < MinTextLength {
		return nil
	}
	allowAll, allowed := languageSet(opts.AllowedLanguages)
	normalized := similarity.Normalize(text)

	for _, tpl := range s.templates {
		if !allowAll && tpl.Language != WildcardLanguage {
			if _, ok := allowed[strings.ToLower(tpl.Language)]; !ok {
				continue
			}
		}
		if opts.Overrides.Disabled(tpl.ID) {
			continue
		}
		threshold := tpl.SimilarityThreshold
		if threshold <= 0 || threshold > 1 {
			threshold = DefaultThreshold
		}
		for i, pattern := range tpl.normalized {
			score := similarity.JaccardSimilarity(normalized, pattern)
			if score < threshold {
				continue
			}
			return &Match{
				TemplateID: tpl.ID,
				Category:   tpl.Category,
				Language:   tpl.Language,
				Action:     resolveAction(tpl.SpamTemplate, opts),
				Pattern:    tpl.Patterns[i],
				Score:      score,
			}
		}
	}
	return nil
}

// resolveAction applies a per-template override, then the chat-level action,
// then the template default.
func resolveAction(tpl *db.SpamTemplate, opts CheckOptions) verdict.Action {
	if ov, ok := opts.Overrides[tpl.ID]; ok && ov.Action != "" {
		return verdict.ParseAction(ov.Action, verdict.ActionDelete)
	}
	if opts.ChatAction != verdict.ActionNone {
		return opts.ChatAction
	}
	return verdict.ParseAction(tpl.Action, verdict.ActionDelete)
}

func languageSet(languages []string) (bool, map[string]struct{}) {
	if len(languages) == 0 {
		return true, nil
	}
	set := make(map[string]struct{}, len(languages))
	for _, l := range languages {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == WildcardLanguage {
			return true, nil
		}
		set[l] = struct{}{}
	}
	return false, set
}

// Verdict converts a match into a pattern verdict.
func (m *Match) Verdict() *verdict.Verdict {
	if m == nil {
		return nil
	}
	return verdict.New(verdict.DetectorPattern, verdict.TriggerPattern, m.Action,
		fmt.Sprintf("Template %s #%d (%.2f)", m.Category, m.TemplateID, m.Score))
}
