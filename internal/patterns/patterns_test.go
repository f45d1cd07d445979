package patterns

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

type stubLoader struct {
	mu        sync.Mutex
	templates []*db.SpamTemplate
	err       error
	calls     atomic.Int64
	started   chan struct{}
	release   chan struct{}
}

func (l *stubLoader) GetEnabledSpamTemplates(context.Context) ([]*db.SpamTemplate, error) {
	if l.calls.Add(1) == 1 && l.started != nil {
		close(l.started)
	}
	if l.release != nil {
		<-l.release
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.templates, l.err
}

func investTemplate() *db.SpamTemplate {
	return &db.SpamTemplate{
		ID:                  1,
		Language:            "*",
		Category:            "investment",
		Patterns:            db.StringList{"invest now guaranteed profit"},
		SimilarityThreshold: 0.5,
		Action:              "delete",
		Enabled:             true,
	}
}

func TestTemplateScenario(t *testing.T) {
	t.Parallel()

	cache := NewCache(&stubLoader{templates: []*db.SpamTemplate{investTemplate()}}, time.Minute)
	m := NewMatcher(cache)
	ctx := context.Background()

	match, err := m.Check(ctx, "invest now for a guaranteed profit", CheckOptions{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if match == nil || match.Score < 0.5 || match.Category != "investment" || match.Action != verdict.ActionDelete {
		t.Fatalf("expected investment match, got %+v", match)
	}
	if match.Pattern != "invest now guaranteed profit" {
		t.Fatalf("unexpected pattern %q", match.Pattern)
	}

	miss, err := m.Check(ctx, "have a nice day", CheckOptions{})
	if err != nil || miss != nil {
		t.Fatalf("expected no match, got %+v, %v", miss, err)
	}
}

func TestCheckFilters(t *testing.T) {
	t.Parallel()

	ru := &db.SpamTemplate{ID: 2, Language: "ru", Category: "job", Patterns: db.StringList{"удаленная работа высокий доход пишите"}, SimilarityThreshold: 0.5, Action: "ban", Enabled: true}
	snap := compile([]*db.SpamTemplate{investTemplate(), ru}, time.Now())
	text := "Удаленная работа, высокий доход! Пишите"

	if m := CheckSnapshot(snap, text, CheckOptions{AllowedLanguages: []string{"en"}}); m != nil {
		t.Fatalf("language filter ignored: %+v", m)
	}
	m := CheckSnapshot(snap, text, CheckOptions{AllowedLanguages: []string{"en", "RU"}})
	if m == nil || m.TemplateID != 2 || m.Action != verdict.ActionBan {
		t.Fatalf("expected ru template match with default action, got %+v", m)
	}
	if m := CheckSnapshot(snap, "invest now guaranteed profit", CheckOptions{AllowedLanguages: []string{"de"}}); m == nil {
		t.Fatalf("wildcard template must pass any language filter")
	}
	if m := CheckSnapshot(snap, text, CheckOptions{Overrides: db.TemplateOverrides{2: {Disabled: true}}}); m != nil {
		t.Fatalf("disabled template matched: %+v", m)
	}
	if m := CheckSnapshot(snap, "invest!", CheckOptions{}); m != nil {
		t.Fatalf("texts under %d characters must be rejected", MinTextLength)
	}
}

func TestActionPrecedence(t *testing.T) {
	t.Parallel()

	snap := compile([]*db.SpamTemplate{investTemplate()}, time.Now())
	text := "invest now guaranteed profit"

	tests := []struct {
		name string
		opts CheckOptions
		want verdict.Action
	}{
		{name: "template-default", opts: CheckOptions{}, want: verdict.ActionDelete},
		{name: "chat-action", opts: CheckOptions{ChatAction: verdict.ActionReportOnly}, want: verdict.ActionReportOnly},
		{name: "template-override-wins", opts: CheckOptions{ChatAction: verdict.ActionReportOnly, Overrides: db.TemplateOverrides{1: {Action: "ban"}}}, want: verdict.ActionBan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := CheckSnapshot(snap, text, tt.opts)
			if m == nil || m.Action != tt.want {
				t.Fatalf("got %+v, want action %q", m, tt.want)
			}
		})
	}
}

func TestCoalescedReload(t *testing.T) {
	t.Parallel()

	loader := &stubLoader{
		templates: []*db.SpamTemplate{investTemplate()},
		started:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	cache := NewCache(loader, time.Minute)

	const readers = 32
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := cache.Get(context.Background())
			if err != nil {
				errs <- err
				return
			}
			if s.Len() != 1 {
				errs <- errors.New("unexpected snapshot size")
			}
		}()
	}
	<-loader.started
	close(loader.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reader: %v", err)
	}
	if got := loader.calls.Load(); got != 1 {
		t.Fatalf("expected a single coalesced load, got %d", got)
	}
}

func TestCacheTTLInvalidateAndStaleOnError(t *testing.T) {
	t.Parallel()

	loader := &stubLoader{templates: []*db.SpamTemplate{investTemplate()}}
	cache := NewCache(loader, 5*time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := cache.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	now = now.Add(4 * time.Minute)
	if s, _ := cache.Get(ctx); s != first || cache.Loads() != 1 {
		t.Fatalf("expected cached snapshot within TTL, loads=%d", cache.Loads())
	}

	now = now.Add(2 * time.Minute)
	loader.mu.Lock()
	loader.err = errors.New("db down")
	loader.mu.Unlock()
	stale, err := cache.Get(ctx)
	if err != nil {
		t.Fatalf("expected stale snapshot on reload failure, got %v", err)
	}
	if stale.Len() != 1 || cache.Loads() != 2 {
		t.Fatalf("unexpected stale snapshot: len=%d loads=%d", stale.Len(), cache.Loads())
	}

	loader.mu.Lock()
	loader.err = nil
	loader.templates = append(loader.templates, &db.SpamTemplate{ID: 5, Language: "*", Category: "x", Patterns: db.StringList{"something else entirely"}, Enabled: true})
	loader.mu.Unlock()
	cache.Invalidate()
	fresh, err := cache.Get(ctx)
	if err != nil || fresh.Len() != 2 {
		t.Fatalf("expected reload after invalidate, got len=%d err=%v", fresh.Len(), err)
	}

	if _, err := NewCache(&stubLoader{err: errors.New("boom")}, time.Minute).Get(ctx); err == nil {
		t.Fatalf("expected error without any snapshot to fall back on")
	}
}

func TestDecodeCorpus(t *testing.T) {
	t.Parallel()

	templates, err := Decode(strings.NewReader(`
templates:
  - category: investment
    patterns: ["invest now guaranteed profit", "  "]
  - language: RU
    category: job
    threshold: 0.7
    action: ban
    enabled: false
    patterns: ["удаленная работа"]
`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(templates))
	}
	first := templates[0]
	if first.Language != "*" || first.SimilarityThreshold != DefaultThreshold || first.Action != "delete" || !first.Enabled || len(first.Patterns) != 1 {
		t.Fatalf("defaults not applied: %+v", first)
	}
	second := templates[1]
	if second.Language != "ru" || second.SimilarityThreshold != 0.7 || second.Action != "ban" || second.Enabled {
		t.Fatalf("unexpected second template: %+v", second)
	}

	if _, err := Decode(strings.NewReader("templates:\n  - category: x\n")); err == nil {
		t.Fatalf("expected error for template without patterns")
	}

	path := filepath.Join(t.TempDir(), "corpus.yaml")
	if err := os.WriteFile(path, []byte("templates:\n  - category: c\n    patterns: [a b c d]\n"), 0o600); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	if got, err := LoadFile(path); err != nil || len(got) != 1 {
		t.Fatalf("load file: %v, %d", err, len(got))
	}
}

func TestDefaultCorpusLoads(t *testing.T) {
	t.Parallel()

	templates, err := LoadDefault()
	if err != nil {
		t.Fatalf("load default corpus: %v", err)
	}
	if len(templates) == 0 {
		t.Fatalf("default corpus is empty")
	}
	snap := compile(templates, time.Now())
	if m := CheckSnapshot(snap, "Invest now for a GUARANTEED profit!!!", CheckOptions{}); m == nil || m.Category != "investment" {
		t.Fatalf("default corpus should flag investment spam, got %+v", m)
	}
}
