package clock

import (
	"testing"
	"time"
)

func TestStartOfDay(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2026, 3, 10, 1, 15, 0, 0, time.UTC) // 06:45 IST
	got := StartOfDay(ts, loc)
	want := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("StartOfDay = %v, want %v", got, want)
	}
}

func TestAtOffsetAcrossDST(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2026-03-08 is the spring-forward day in New York.
	ts := time.Date(2026, 3, 8, 12, 0, 0, 0, loc)
	got := AtOffset(ts, 9*time.Hour, loc)
	if got.Hour() != 9 || got.Minute() != 0 {
		t.Fatalf("AtOffset = %v, want 09:00 local", got)
	}
}

func TestFakeAdvance(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(90 * time.Second)
	if got := f.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("advanced %v", got)
	}
}
