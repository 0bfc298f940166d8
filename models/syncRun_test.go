package models

import "testing"

func TestRunTallyStatus(t *testing.T) {
	cases := []struct {
		name  string
		tally RunTally
		want  string
	}{
		{"all created", RunTally{Total: 3, Created: 3}, SyncRunStatusSuccess},
		{"all updated", RunTally{Total: 2, Updated: 2}, SyncRunStatusSuccess},
		{"skips only", RunTally{Total: 2, Skipped: 2}, SyncRunStatusSuccess},
		{"empty pass", RunTally{}, SyncRunStatusSuccess},
		{"mixed", RunTally{Total: 3, Created: 1, Failed: 2}, SyncRunStatusPartial},
		{"all failed", RunTally{Total: 2, Failed: 2}, SyncRunStatusFailed},
		{"failed with skips", RunTally{Total: 3, Skipped: 1, Failed: 2}, SyncRunStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tally.Status(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSyncRunIsTerminal(t *testing.T) {
	terminal := []string{SyncRunStatusSuccess, SyncRunStatusFailed, SyncRunStatusPartial}
	for _, status := range terminal {
		run := SyncRun{Status: status}
		if !run.IsTerminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	open := []string{SyncRunStatusQueued, SyncRunStatusRunning}
	for _, status := range open {
		run := SyncRun{Status: status}
		if run.IsTerminal() {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}
