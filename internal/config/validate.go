package config

import (
	"errors"
	"fmt"
	"strings"

	"slipdesk/internal/domain"

	"github.com/robfig/cron/v3"
)

// Validate checks everything that can be checked without side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	var d Durations

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	d.Get("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)

	if cfg.Tracking.PadWidth < 0 || cfg.Tracking.PadWidth > 18 {
		errs = append(errs, errors.New("tracking.pad_width must be within 0..18"))
	}
	d.Get("tracking.conflict_backoff", cfg.Tracking.ConflictBackoff, 0)

	if cfg.Notifications != nil {
		if _, err := cfg.Notifications.Merge(domain.DefaultSettings()); err != nil {
			errs = append(errs, err)
		}
	}

	d.Get("dispatch.tick", cfg.Dispatch.Tick, 0)
	d.Get("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 0)
	d.Get("dispatch.retry_base", cfg.Dispatch.RetryBase, 0)
	d.Get("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay, 0)
	if _, err := LoadLocation(cfg.Dispatch.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("dispatch.timezone: %w", err))
	}

	if a := cfg.Alerts; a != nil {
		switch strings.ToLower(strings.TrimSpace(a.Channel)) {
		case "", "log", "telegram", "whatsapp":
		default:
			errs = append(errs, fmt.Errorf("alerts.channel: unknown channel %q", a.Channel))
		}
		d.Get("alerts.retry_base", a.RetryBase, 0)
		d.Get("alerts.retry_max_delay", a.RetryMaxDelay, 0)
		d.Get("alerts.dedup_window", a.DedupWindow, 0)
	}

	if cfg.Report.Enabled && strings.TrimSpace(cfg.Report.Schedule) != "" {
		if _, err := cron.ParseStandard(cfg.Report.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("report.schedule: %w", err))
		}
	}

	if cfg.WhatsApp.Enabled && strings.TrimSpace(cfg.WhatsApp.Endpoint) == "" {
		errs = append(errs, errors.New("whatsapp.endpoint is required when whatsapp is enabled"))
	}
	d.Get("whatsapp.timeout", cfg.WhatsApp.Timeout, 0)

	d.Get("ops_http.read_timeout", cfg.OpsHTTP.ReadTimeout, 0)
	d.Get("ops_http.write_timeout", cfg.OpsHTTP.WriteTimeout, 0)
	d.Get("ops_http.idle_timeout", cfg.OpsHTTP.IdleTimeout, 0)

	errs = append(errs, d.Err())
	return errors.Join(errs...)
}

// Merge overlays the file form onto base and validates the result.
func (n *NotificationsConfig) Merge(base domain.Settings) (domain.Settings, error) {
	if n == nil {
		return base, nil
	}
	out := base
	if strings.TrimSpace(n.AutoSendDelay) != "" {
		v, err := ParseDurationField("notifications.auto_send_delay", n.AutoSendDelay)
		if err != nil {
			return base, err
		}
		out.AutoSendDelay = v
	}
	if strings.TrimSpace(n.SendDelayBetweenCustomers) != "" {
		v, err := ParseDurationField("notifications.send_delay_between_customers", n.SendDelayBetweenCustomers)
		if err != nil {
			return base, err
		}
		out.SendDelayBetweenCustomers = v
	}
	if n.EnableAutoSend != nil {
		out.EnableAutoSend = *n.EnableAutoSend
	}
	if strings.TrimSpace(n.StartSendingTime) != "" {
		out.StartSendingTime = strings.TrimSpace(n.StartSendingTime)
	}
	if n.AllowManualOverride != nil {
		out.AllowManualOverride = *n.AllowManualOverride
	}
	if n.EnableBatchSummary != nil {
		out.EnableBatchSummary = *n.EnableBatchSummary
	}
	if err := out.Validate(); err != nil {
		return base, fmt.Errorf("notifications: %w", err)
	}
	return out, nil
}
