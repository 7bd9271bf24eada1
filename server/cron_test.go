package server

import (
	"testing"
	"time"
)

func TestNextRun(t *testing.T) {
	tests := []struct {
		expr string
		now  time.Time
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 2, 20, 10, 2, 0, 0, time.UTC), time.Date(2026, 2, 20, 10, 5, 0, 0, time.UTC)},
		{"0 9 * * 1", time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC), time.Date(2026, 2, 23, 9, 0, 0, 0, time.UTC)},
		{"30 0 1 * *", time.Date(2026, 2, 1, 0, 30, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := nextRun(tt.expr, tt.now)
		if err != nil {
			t.Fatalf("nextRun(%q) error: %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("nextRun(%q) = %s, want %s", tt.expr, got.Format(time.RFC3339), tt.want.Format(time.RFC3339))
		}
	}
}

func TestNextRun_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	got, err := nextRun("0 * * * *", time.Date(2026, 2, 20, 12, 30, 0, 0, loc))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 2, 20, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("nextRun = %s, want %s", got, want)
	}
}

func TestParseCron_Rejects(t *testing.T) {
	for _, expr := range []string{
		"",
		"CRON_TZ=America/Los_Angeles * * * * *",
		"TZ=UTC * * * * *",
		"* * * * * *",
		"61 * * * *",
	} {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("parseCron(%q) expected error", expr)
		}
	}
}
