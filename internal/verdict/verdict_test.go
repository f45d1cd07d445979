package verdict

import "testing"

func TestParseAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		fallback Action
		want     Action
	}{
		{"delete", ActionBan, ActionDelete},
		{" BAN ", ActionDelete, ActionBan},
		{"report", ActionDelete, ActionReportOnly},
		{"report_only", ActionDelete, ActionReportOnly},
		{"vote", ActionDelete, ActionVote},
		{"", ActionDelete, ActionDelete},
		{"explode", ActionReportOnly, ActionReportOnly},
	}
	for _, tt := range tests {
		if got := ParseAction(tt.in, tt.fallback); got != tt.want {
			t.Fatalf("ParseAction(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewAssignsUniqueIDs(t *testing.T) {
	t.Parallel()

	a := New(DetectorRate, TriggerBurst, ActionDelete, "Burst (6/5)")
	b := New(DetectorRate, TriggerBurst, ActionDelete, "Burst (6/5)")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a.ID, b.ID)
	}
}
