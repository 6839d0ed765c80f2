package domain

import (
	"errors"
	"testing"
	"time"
)

func TestFormatTrackingID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		prefix  string
		counter uint64
		pad     int
		want    string
	}{
		{"STC", 1, 0, "STC1"},
		{"STC", 12, 0, "STC12"},
		{"DTD", 7, 5, "DTD00007"},
		{"DTD", 123456, 5, "DTD123456"},
	}
	for _, tt := range tests {
		if got := FormatTrackingID(tt.prefix, tt.counter, tt.pad); got != tt.want {
			t.Fatalf("FormatTrackingID(%q,%d,%d) = %q, want %q", tt.prefix, tt.counter, tt.pad, got, tt.want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	if p, err := NormalizePrefix(" stc "); err != nil || p != "STC" {
		t.Fatalf("NormalizePrefix = %q, %v", p, err)
	}
	for _, bad := range []string{"", "1AB", "AB-C", "A1", "ST9C", "TOOLONGPREFIX"} {
		if _, err := NormalizePrefix(bad); !errors.Is(err, ErrInvalidPrefix) {
			t.Fatalf("NormalizePrefix(%q) err = %v, want ErrInvalidPrefix", bad, err)
		}
	}
}

func TestReconcileWeights(t *testing.T) {
	t.Parallel()
	got := ReconcileWeights([]float64{1.5, 2}, 4)
	if len(got) != 4 || got[0] != 1.5 || got[1] != 2 || got[2] != 0 || got[3] != 0 {
		t.Fatalf("pad: got %v", got)
	}
	got = ReconcileWeights([]float64{1, 2, 3}, 2)
	if len(got) != 2 || got[1] != 2 {
		t.Fatalf("truncate: got %v", got)
	}
	if SumWeights([]float64{1, 2.5, 0}) != 3.5 {
		t.Fatal("SumWeights mismatch")
	}
}

func TestSlipState(t *testing.T) {
	t.Parallel()
	s := Slip{Status: StatusDraft}
	if s.State() != StateDraft || !s.Pending() {
		t.Fatalf("draft slip state=%s pending=%v", s.State(), s.Pending())
	}
	s.Status = StatusPacked
	if s.State() != StatePacked {
		t.Fatalf("state = %s, want Packed", s.State())
	}
	s.Notified = true
	if s.State() != StateNotified || s.Pending() {
		t.Fatalf("notified slip state=%s pending=%v", s.State(), s.Pending())
	}
	s.Status = StatusCancelled
	if s.State() != StateCancelled {
		t.Fatalf("state = %s, want Cancelled", s.State())
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	s := DefaultSettings()
	s.StartSendingTime = "25:00"
	if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("err = %v, want ErrInvalidSettings", err)
	}
	s = DefaultSettings()
	s.SendDelayBetweenCustomers = -time.Second
	if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("err = %v, want ErrInvalidSettings", err)
	}
	if d, _ := ParseTimeOfDay("9:30"); d != 9*time.Hour+30*time.Minute {
		t.Fatalf("ParseTimeOfDay = %v", d)
	}
}

func TestParseMethod(t *testing.T) {
	t.Parallel()
	if m, err := ParseMethod(" AIR "); err != nil || m != MethodAir {
		t.Fatalf("ParseMethod = %q, %v", m, err)
	}
	if _, err := ParseMethod("sea"); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("err = %v", err)
	}
}
