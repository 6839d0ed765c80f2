package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Settings are the process-wide notification settings (singleton record).
type Settings struct {
	AutoSendDelay             time.Duration `json:"auto_send_delay"`
	EnableAutoSend            bool          `json:"enable_auto_send"`
	StartSendingTime          string        `json:"start_sending_time"` // "HH:MM", local
	SendDelayBetweenCustomers time.Duration `json:"send_delay_between_customers"`
	AllowManualOverride       bool          `json:"allow_manual_override"`
	EnableBatchSummary        bool          `json:"enable_batch_summary"`
}

// DefaultSettings mirrors the values the admin app ships with.
func DefaultSettings() Settings {
	return Settings{
		AutoSendDelay:             3 * time.Hour,
		EnableAutoSend:            true,
		StartSendingTime:          "09:00",
		SendDelayBetweenCustomers: 60 * time.Second,
		AllowManualOverride:       true,
		EnableBatchSummary:        false,
	}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" into an offset from local midnight.
// An empty string means midnight.
func ParseTimeOfDay(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	m := reHHMM.FindStringSubmatch(raw)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: start_sending_time %q (want HH:MM)", ErrInvalidSettings, raw)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if hh > 23 || mm > 59 {
		return 0, fmt.Errorf("%w: start_sending_time %q out of range", ErrInvalidSettings, raw)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

// Validate checks ranges and the time-of-day format.
func (s Settings) Validate() error {
	if s.AutoSendDelay < 0 {
		return fmt.Errorf("%w: auto_send_delay must be >= 0", ErrInvalidSettings)
	}
	if s.SendDelayBetweenCustomers < 0 {
		return fmt.Errorf("%w: send_delay_between_customers must be >= 0", ErrInvalidSettings)
	}
	_, err := ParseTimeOfDay(s.StartSendingTime)
	return err
}

// StartOffset is the parsed StartSendingTime; invalid values fall back to midnight.
func (s Settings) StartOffset() time.Duration {
	d, err := ParseTimeOfDay(s.StartSendingTime)
	if err != nil {
		return 0
	}
	return d
}
