package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Method is the shipping method a slip is charged for.
type Method string

const (
	MethodAir     Method = "air"
	MethodSurface Method = "surface"
)

func (m Method) Valid() bool { return m == MethodAir || m == MethodSurface }

// ParseMethod normalizes user input ("AIR", " surface ") to a Method.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
	}
	return m, nil
}

// Courier is a courier partner. Counter is the last issued tracking counter.
type Courier struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Prefix  string             `json:"prefix"`
	Counter uint64             `json:"counter"`
	Version uint64             `json:"version"`
	Charges map[Method]float64 `json:"charges"`

	// IsExpressMasterToggle marks the single partner whose Active flag gates
	// express mode system-wide. That partner is never deleted.
	IsExpressMasterToggle bool `json:"is_express_master_toggle"`
	Active                bool `json:"active"`
	Deleted               bool `json:"deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Charge returns the frozen per-slip charge for method.
func (c Courier) Charge(m Method) float64 {
	if c.Charges == nil {
		return 0
	}
	return c.Charges[m]
}

func (c Courier) Clone() Courier {
	cp := c
	if c.Charges != nil {
		cp.Charges = make(map[Method]float64, len(c.Charges))
		for k, v := range c.Charges {
			cp.Charges[k] = v
		}
	}
	return cp
}

// NormalizePrefix uppercases and validates a courier prefix: 1-8 letters A-Z.
// Digits are refused so a tracking id splits into prefix and counter one way
// only; with "A" and "A1" both allowed, A11 would be issued twice.
func NormalizePrefix(raw string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(raw))
	if p == "" || len(p) > 8 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, raw)
	}
	for _, r := range p {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q must be letters only", ErrInvalidPrefix, raw)
		}
	}
	return p, nil
}

// FormatTrackingID renders prefix + counter, left-padding the counter with
// zeros to padWidth digits (0 disables padding).
func FormatTrackingID(prefix string, counter uint64, padWidth int) string {
	n := strconv.FormatUint(counter, 10)
	if pad := padWidth - len(n); pad > 0 {
		n = strings.Repeat("0", pad) + n
	}
	return prefix + n
}
