// Package dispatch decides when each slip's customer notification goes out
// and performs the sends: delay after creation, a daily start-time floor,
// spacing between consecutive sends, per-customer coalescing, retries and
// operator overrides.
package dispatch

import (
	"sort"
	"time"

	"slipdesk/internal/clock"
	"slipdesk/internal/domain"
)

type Kind int

const (
	// Idle: nothing is eligible.
	Idle Kind = iota
	// Wait: something is eligible but the window floor or spacing rule
	// holds it until NotBefore.
	Wait
	// Send: deliver Batch now.
	Send
)

func (k Kind) String() string {
	switch k {
	case Wait:
		return "wait"
	case Send:
		return "send"
	default:
		return "idle"
	}
}

// Wait reasons.
const (
	ReasonWindow  = "window"
	ReasonSpacing = "spacing"
)

type Decision struct {
	Kind Kind
	// NotBefore is set for Wait, and for Idle when a pending slip becomes
	// eligible later.
	NotBefore time.Time
	Reason    string
	// Batch holds the head candidate first, followed by the other candidates
	// of the same customer when batch summaries are enabled.
	Batch []domain.Slip
}

// Eligible reports whether s is an automatic-send candidate at now.
func Eligible(st domain.Settings, now time.Time, s domain.Slip) bool {
	if !st.EnableAutoSend || !s.Pending() || !s.InFlightSince.IsZero() {
		return false
	}
	if now.Before(s.GeneratedAt.Add(st.AutoSendDelay)) {
		return false
	}
	return s.NextAttemptAt.IsZero() || !now.Before(s.NextAttemptAt)
}

// Candidates returns the eligible slips, oldest first with ties broken by
// tracking id.
func Candidates(st domain.Settings, now time.Time, slips []domain.Slip) []domain.Slip {
	out := make([]domain.Slip, 0, len(slips))
	for _, s := range slips {
		if Eligible(st, now, s) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].GeneratedAt.Equal(out[j].GeneratedAt) {
			return out[i].GeneratedAt.Before(out[j].GeneratedAt)
		}
		return out[i].TrackingID < out[j].TrackingID
	})
	return out
}

// Decide is the scheduling rule. It has no side effects: given the settings,
// the current time, the pending slips and the time of the last send, it says
// what to do next. loc is the timezone of StartSendingTime.
func Decide(st domain.Settings, now time.Time, slips []domain.Slip, lastSend time.Time, loc *time.Location) Decision {
	if !st.EnableAutoSend {
		return Decision{Kind: Idle}
	}
	cands := Candidates(st, now, slips)
	if len(cands) == 0 {
		return Decision{Kind: Idle, NotBefore: nextEligible(st, now, slips)}
	}

	notBefore, reason := time.Time{}, ""
	if floor := clock.AtOffset(now, st.StartOffset(), loc); now.Before(floor) {
		notBefore, reason = floor, ReasonWindow
	}
	if !lastSend.IsZero() {
		if next := lastSend.Add(st.SendDelayBetweenCustomers); now.Before(next) && next.After(notBefore) {
			notBefore, reason = next, ReasonSpacing
		}
	}
	if reason != "" {
		return Decision{Kind: Wait, NotBefore: notBefore, Reason: reason}
	}

	head := cands[0]
	batch := []domain.Slip{head}
	if st.EnableBatchSummary {
		for _, c := range cands[1:] {
			if c.Customer.ID == head.Customer.ID {
				batch = append(batch, c)
			}
		}
	}
	return Decision{Kind: Send, Batch: batch}
}

// nextEligible is the earliest future time a pending slip becomes a
// candidate, ignoring the window and spacing rules.
func nextEligible(st domain.Settings, now time.Time, slips []domain.Slip) time.Time {
	var next time.Time
	for _, s := range slips {
		if !s.Pending() || !s.InFlightSince.IsZero() {
			continue
		}
		at := s.GeneratedAt.Add(st.AutoSendDelay)
		if s.NextAttemptAt.After(at) {
			at = s.NextAttemptAt
		}
		if at.After(now) && (next.IsZero() || at.Before(next)) {
			next = at
		}
	}
	return next
}
