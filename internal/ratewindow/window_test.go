package ratewindow

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/iamwavecut/ngmod/internal/db"
	"github.com/iamwavecut/ngmod/internal/verdict"
)

func TestBurstScenarioUnderMediumSensitivity(t *testing.T) {
	t.Parallel()

	limits := ResolveLimits("medium", db.SettingsOverrideInherit, db.SettingsOverrideInherit, db.SettingsOverrideInherit, verdict.ActionBan, verdict.ActionDelete)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	w := ActivityWindow{Count10s: 3, Count60s: 3, DupStreak: 0, LastContent: "c", LastAt: now}
	if v := Evaluate(w, limits); v != nil {
		t.Fatalf("expected no trigger at 3/5, got %v", v)
	}

	for i, content := range []string{"d", "e", "f"} {
		w = Record(w, content, now.Add(time.Duration(i+1)*time.Second))
	}
	v := Evaluate(w, limits)
	if v == nil {
		t.Fatalf("expected burst trigger")
	}
	if v.Trigger != verdict.TriggerBurst || v.Detail != "Burst (6/5)" {
		t.Fatalf("unexpected verdict: %v", v)
	}
	if v.Action != verdict.ActionBan {
		t.Fatalf("expected configured volume action, got %q", v.Action)
	}
}

func TestRecordResetsExpiredCounters(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := ActivityWindow{Count10s: 4, Count60s: 9, DupStreak: 2, LastContent: "x", LastAt: now}

	short := Record(w, "y", now.Add(11*time.Second))
	if short.Count10s != 1 || short.Count60s != 10 || short.DupStreak != 0 {
		t.Fatalf("after 11s: %+v", short)
	}

	long := Record(w, "x", now.Add(61*time.Second))
	if long.Count10s != 1 || long.Count60s != 1 || long.DupStreak != 3 {
		t.Fatalf("after 61s: %+v", long)
	}

	within := Record(w, "x", now.Add(time.Second))
	if within.Count10s != 5 || within.Count60s != 10 || within.DupStreak != 3 {
		t.Fatalf("within window: %+v", within)
	}
}

func TestSlowRepostsReachRepetition(t *testing.T) {
	t.Parallel()

	limits := Preset("medium")
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var w ActivityWindow
	for i := 0; i < 4; i++ {
		w = Record(w, "buy now", start.Add(time.Duration(i)*69*time.Second))
	}
	if w.DupStreak != 3 || w.Count60s != 1 {
		t.Fatalf("unexpected window after slow reposts: %+v", w)
	}
	v := Evaluate(w, limits)
	if v == nil || v.Trigger != verdict.TriggerRepetition {
		t.Fatalf("expected repetition trigger, got %v", v)
	}
}

func TestEvaluateOrderAndTriggers(t *testing.T) {
	t.Parallel()

	limits := Preset("medium")
	tests := []struct {
		name   string
		window ActivityWindow
		want   verdict.Trigger
		detail string
	}{
		{name: "quiet", window: ActivityWindow{Count10s: 1, Count60s: 1}},
		{name: "flood", window: ActivityWindow{Count10s: 2, Count60s: 11}, want: verdict.TriggerFlood, detail: "Flood (11/10)"},
		{name: "repetition", window: ActivityWindow{Count10s: 3, Count60s: 3, DupStreak: 3}, want: verdict.TriggerRepetition, detail: "Repetition (3/3)"},
		{name: "burst-beats-repetition", window: ActivityWindow{Count10s: 6, Count60s: 6, DupStreak: 5}, want: verdict.TriggerBurst, detail: "Burst (6/5)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := Evaluate(tt.window, limits)
			if tt.want == "" {
				if v != nil {
					t.Fatalf("expected no verdict, got %v", v)
				}
				return
			}
			if v == nil || v.Trigger != tt.want || v.Detail != tt.detail {
				t.Fatalf("got %v, want %s %q", v, tt.want, tt.detail)
			}
			if v.Action != verdict.ActionDelete {
				t.Fatalf("expected default delete action, got %q", v.Action)
			}
		})
	}
}

func TestResolveLimits(t *testing.T) {
	t.Parallel()

	if got := Preset("unknown"); got != Preset("medium") {
		t.Fatalf("unknown sensitivity must fall back to medium, got %+v", got)
	}
	if got := Preset("HIGH"); got.Limit10s != 3 || got.Limit60s != 5 || got.LimitDup != 2 {
		t.Fatalf("unexpected high preset: %+v", got)
	}
	if got := Preset("low"); got.Limit10s != 8 || got.Limit60s != 15 || got.LimitDup != 5 {
		t.Fatalf("unexpected low preset: %+v", got)
	}

	got := ResolveLimits("low", 2, db.SettingsOverrideInherit, 0, verdict.ActionDelete, verdict.ActionReportOnly)
	if got.Limit10s != 2 || got.Limit60s != 15 || got.LimitDup != 5 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.RepetitionAction != verdict.ActionReportOnly {
		t.Fatalf("unexpected repetition action %q", got.RepetitionAction)
	}
}

func TestMemStoreSerializesPerKey(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	tracker := NewTracker(store)
	now := time.Now()
	limits := Preset("low")

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, err := tracker.Track(context.Background(), 1, -1, "msg", now, limits); err != nil {
				t.Errorf("track: %v", err)
			}
			if _, _, err := tracker.Track(context.Background(), int64(100+i), -1, "msg", now, limits); err != nil {
				t.Errorf("track: %v", err)
			}
		}(i)
	}
	wg.Wait()

	w, err := store.Update(context.Background(), 1, -1, func(w ActivityWindow) ActivityWindow { return w })
	if err != nil {
		t.Fatalf("read window: %v", err)
	}
	if w.Count10s != writers || w.Count60s != writers {
		t.Fatalf("lost updates: %+v", w)
	}
	if store.Len() != writers+1 {
		t.Fatalf("expected %d keys, got %d", writers+1, store.Len())
	}
	if removed := store.Prune(now.Add(2 * time.Minute)); removed != writers+1 {
		t.Fatalf("expected all windows pruned, got %d", removed)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store after prune, got %d", store.Len())
	}
}

func TestRedisStoreUpdate(t *testing.T) {
	redisURL := os.Getenv("NG_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("NG_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	store, err := NewRedisStore(ctx, redisURL)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	userID := time.Now().UnixNano()
	now := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Update(ctx, userID, -1, func(w ActivityWindow) ActivityWindow { return Record(w, "x", now) }); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	w, err := store.Update(ctx, userID, -1, func(w ActivityWindow) ActivityWindow { return w })
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if w.Count60s != 10 {
		t.Fatalf("expected 10 recorded messages, got %+v", w)
	}
}
