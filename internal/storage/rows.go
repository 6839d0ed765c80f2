package storage

import (
	"encoding/json"
	"strconv"
	"strings"

	"slipdesk/internal/domain"
)

// Helpers shared by the SQL drivers. Records are stored as a JSON document
// plus a few mirrored columns used for lookups and filtering.

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeCourier(data []byte) (domain.Courier, error) {
	var c domain.Courier
	err := json.Unmarshal(data, &c)
	return c, err
}

func decodeSlip(data []byte) (domain.Slip, error) {
	var s domain.Slip
	err := json.Unmarshal(data, &s)
	return s, err
}

func decodeSettings(data []byte) (domain.Settings, error) {
	var st domain.Settings
	err := json.Unmarshal(data, &st)
	return st, err
}

type slipIndex struct {
	CourierID   string
	CustomerID  string
	Status      string
	Notified    bool
	Failed      bool
	InFlight    bool
	GeneratedAt int64
}

func indexOf(s domain.Slip) slipIndex {
	return slipIndex{
		CourierID:   s.CourierID,
		CustomerID:  s.Customer.ID,
		Status:      string(s.Status),
		Notified:    s.Notified,
		Failed:      s.NotificationFailed,
		InFlight:    !s.InFlightSince.IsZero(),
		GeneratedAt: s.GeneratedAt.UnixNano(),
	}
}

// slipWhere builds the pushed-down part of a SlipFilter. ph renders the n-th
// (1-based) placeholder; boolv converts a Go bool to the driver's column value.
func slipWhere(f SlipFilter, ph func(n int) string, boolv func(bool) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(cond, "?", ph(len(args))))
	}
	if f.CourierID != "" {
		add("courier_id = ?", f.CourierID)
	}
	if f.CustomerID != "" {
		add("customer_id = ?", f.CustomerID)
	}
	if len(f.Statuses) > 0 {
		parts := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			args = append(args, string(st))
			parts = append(parts, ph(len(args)))
		}
		conds = append(conds, "status IN ("+strings.Join(parts, ",")+")")
	}
	if f.OnlyPending {
		add("notified = ?", boolv(false))
		add("failed = ?", boolv(false))
		add("status <> ?", string(domain.StatusCancelled))
	}
	if f.OnlyFailed {
		add("failed = ?", boolv(true))
		add("notified = ?", boolv(false))
		add("status <> ?", string(domain.StatusCancelled))
	}
	if f.OnlyInFlight {
		add("in_flight = ?", boolv(true))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

func intBool(b bool) any {
	if b {
		return 1
	}
	return 0
}

func plainBool(b bool) any { return b }
