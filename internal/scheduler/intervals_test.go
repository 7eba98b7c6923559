package scheduler

import (
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		interval string
		expected time.Duration
	}{
		{"1m", time.Minute},
		{"5m", 5 * time.Minute},
		{"15m", 15 * time.Minute},
		{"30m", 30 * time.Minute},
		{"1h", time.Hour},
		{"4h", 4 * time.Hour},
		{"1d", 24 * time.Hour},
		{"1w", 7 * 24 * time.Hour},
		{"3m", 3 * time.Minute},
		{"2h", 2 * time.Hour},
		{"45s", 45 * time.Second},
	}

	for _, tc := range cases {
		got, err := ParseInterval(tc.interval)
		if err != nil {
			t.Errorf("ParseInterval(%q) failed: %v", tc.interval, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("ParseInterval(%q) = %v, want %v", tc.interval, got, tc.expected)
		}
	}
}

func TestParseIntervalInvalid(t *testing.T) {
	for _, interval := range []string{"", "m", "5x", "abc", "0m"} {
		if _, err := ParseInterval(interval); err == nil {
			t.Errorf("ParseInterval(%q) should fail", interval)
		}
	}
}

func TestBarDurationMs(t *testing.T) {
	if got := BarDurationMs("5m"); got != 300_000 {
		t.Errorf("BarDurationMs(5m) = %d, want 300000", got)
	}
	if got := BarDurationMs("bogus"); got != 0 {
		t.Errorf("BarDurationMs(bogus) = %d, want 0", got)
	}
}

func TestGetCandleOpenTime(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 17, 42, 0, time.UTC)

	open, err := GetCandleOpenTime(now, "15m")
	if err != nil {
		t.Fatalf("GetCandleOpenTime failed: %v", err)
	}

	expected := time.Date(2024, 3, 15, 10, 15, 0, 0, time.UTC)
	if !open.Equal(expected) {
		t.Errorf("expected %v, got %v", expected, open)
	}
}

func TestIsValidInterval(t *testing.T) {
	for _, interval := range SupportedIntervals() {
		if !IsValidInterval(interval) {
			t.Errorf("supported interval %q reported invalid", interval)
		}
	}
	if IsValidInterval("7x") {
		t.Error("7x should be invalid")
	}
}
