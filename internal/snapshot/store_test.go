package snapshot

import (
	"testing"
	"time"
)

func TestDay(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	ts := time.Date(2026, 3, 14, 15, 9, 26, 535, loc)

	got := Day(ts)
	want := time.Date(2026, 3, 14, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("Day() = %v, want %v", got, want)
	}
	if got.Location() != loc {
		t.Errorf("Day() changed location to %v", got.Location())
	}
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 9, 1, 18, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		days int
		want time.Time
	}{
		{"default retention", DefaultRetentionDays, time.Date(2025, 7, 28, 0, 0, 0, 0, time.UTC)},
		{"zero days truncates to today", 0, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"one month", 30, time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RetentionCutoff(now, tt.days)
			if !got.Equal(tt.want) {
				t.Errorf("RetentionCutoff(%d) = %v, want %v", tt.days, got, tt.want)
			}
		})
	}
}
