package storage

import (
	"errors"
	"time"

	"slipdesk/internal/domain"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": snapshot + journal under Path (default)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgxpool default
}

// AuditEntry records an operator or scheduler action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	Meta   string    `json:"meta,omitempty"`
}

// SlipFilter narrows ListSlips. Zero value lists every slip.
type SlipFilter struct {
	CourierID  string
	CustomerID string
	Statuses   []domain.Status

	// OnlyPending keeps slips that still owe a notification
	// (not cancelled, not notified, not failed).
	OnlyPending  bool
	OnlyFailed   bool
	OnlyInFlight bool

	Limit int
}

// Match applies the filter to one slip. SQL drivers push the cheap columns
// down and call Match on the rest.
func (f SlipFilter) Match(s domain.Slip) bool {
	if f.CourierID != "" && s.CourierID != f.CourierID {
		return false
	}
	if f.CustomerID != "" && s.Customer.ID != f.CustomerID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if s.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.OnlyPending && !s.Pending() {
		return false
	}
	if f.OnlyFailed && (!s.NotificationFailed || s.Notified || s.Cancelled()) {
		return false
	}
	if f.OnlyInFlight && s.InFlightSince.IsZero() {
		return false
	}
	return true
}

// Meta keys used by the application.
const (
	MetaLastSend = "dispatch.last_send"
)
