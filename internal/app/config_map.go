package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"slipdesk/internal/alert"
	"slipdesk/internal/config"
	"slipdesk/internal/courier"
	"slipdesk/internal/dispatch"
	"slipdesk/internal/document"
	"slipdesk/internal/domain"
	"slipdesk/internal/opshttp"
	"slipdesk/internal/report"
	"slipdesk/internal/storage"
	"slipdesk/internal/transport/whatsapp"
	logx "slipdesk/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Ops: logx.OpsConfig{
			Enabled:    cfg.Logging.Ops.Enabled && cfg.Telegram.OperatorChatID != 0 && strings.TrimSpace(cfg.Telegram.Token) != "",
			MinLevel:   cfg.Logging.Ops.MinLevel,
			RatePerSec: cfg.Logging.Ops.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		MaxConns:    sc.MaxConns,
	}, nil
}

func mapAllocatorConfig(cfg *config.Config) (courier.AllocatorConfig, error) {
	backoff, err := config.ParseDurationOrDefault("tracking.conflict_backoff", cfg.Tracking.ConflictBackoff, 10*time.Millisecond)
	if err != nil {
		return courier.AllocatorConfig{}, err
	}
	return courier.AllocatorConfig{
		PadWidth:        cfg.Tracking.PadWidth,
		ConflictRetries: cfg.Tracking.ConflictRetries,
		ConflictBackoff: backoff,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	var d config.Durations
	out := dispatch.Config{
		Enabled:         dc.Enabled == nil || *dc.Enabled,
		Tick:            d.Get("dispatch.tick", dc.Tick, 5*time.Second),
		MaxSendsPerPass: dc.MaxSendsPerPass,
		SendTimeout:     d.Get("dispatch.send_timeout", dc.SendTimeout, 30*time.Second),
		RetryMax:        dc.RetryMax,
		RetryBase:       d.Get("dispatch.retry_base", dc.RetryBase, time.Minute),
		RetryMaxDelay:   d.Get("dispatch.retry_max_delay", dc.RetryMaxDelay, time.Hour),
		RecoverInFlight: dc.RecoverInFlight == nil || *dc.RecoverInFlight,
	}
	if err := d.Err(); err != nil {
		return dispatch.Config{}, err
	}
	loc, err := config.LoadLocation(dc.Timezone)
	if err != nil {
		return dispatch.Config{}, fmt.Errorf("dispatch.timezone: %w", err)
	}
	out.Location = loc
	return out, nil
}

// mapAlertConfig resolves the operator destination. An omitted section means
// alerts on the log channel.
func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	ac := cfg.Alerts
	if ac == nil {
		return alert.Config{Enabled: true, To: domain.Contact{ID: "operator", Channel: domain.ChannelLog}}, nil
	}
	var d config.Durations
	out := alert.Config{
		Enabled:         ac.Enabled,
		Workers:         ac.Workers,
		QueueSize:       ac.QueueSize,
		RatePerSec:      ac.RatePerSec,
		RetryMax:        ac.RetryMax,
		RetryBase:       d.Get("alerts.retry_base", ac.RetryBase, time.Second),
		RetryMaxDelay:   d.Get("alerts.retry_max_delay", ac.RetryMaxDelay, 30*time.Second),
		DedupWindow:     d.Get("alerts.dedup_window", ac.DedupWindow, 10*time.Minute),
		DedupMaxEntries: ac.DedupMaxEntries,
	}
	if err := d.Err(); err != nil {
		return alert.Config{}, err
	}

	ch := domain.Channel(strings.ToLower(strings.TrimSpace(ac.Channel)))
	if ch == "" {
		ch = domain.ChannelLog
	}
	addr := strings.TrimSpace(ac.Address)
	if ch == domain.ChannelTelegram && addr == "" && cfg.Telegram.OperatorChatID != 0 {
		addr = strconv.FormatInt(cfg.Telegram.OperatorChatID, 10)
	}
	if ch != domain.ChannelLog && addr == "" && out.Enabled {
		return alert.Config{}, fmt.Errorf("alerts.address is required for channel %s", ch)
	}
	out.To = domain.Contact{ID: "operator", Name: "operator", Channel: ch, Address: addr}
	return out, nil
}

func mapReportConfig(cfg *config.Config) (report.Config, error) {
	loc, err := config.LoadLocation(cfg.Dispatch.Timezone)
	if err != nil {
		return report.Config{}, fmt.Errorf("dispatch.timezone: %w", err)
	}
	return report.Config{
		Enabled:  cfg.Report.Enabled,
		Schedule: cfg.Report.Schedule,
		Limit:    cfg.Report.Limit,
		Location: loc,
	}, nil
}

func mapDocumentsConfig(cfg *config.Config) document.Config {
	return document.Config{Default: cfg.Documents.DefaultTemplate, Couriers: cfg.Documents.Couriers}
}

func mapOpsHTTPConfig(cfg *config.Config) (opshttp.Config, error) {
	oc := cfg.OpsHTTP
	var d config.Durations
	out := opshttp.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   d.Get("ops_http.read_timeout", oc.ReadTimeout, 15*time.Second),
		// Resend waits for spacing and the transport, so writes get more room.
		WriteTimeout: d.Get("ops_http.write_timeout", oc.WriteTimeout, 5*time.Minute),
		IdleTimeout:  d.Get("ops_http.idle_timeout", oc.IdleTimeout, time.Minute),
	}
	return out, d.Err()
}

func mapWhatsAppConfig(cfg *config.Config) (whatsapp.Config, error) {
	timeout, err := config.ParseDurationOrDefault("whatsapp.timeout", cfg.WhatsApp.Timeout, 15*time.Second)
	if err != nil {
		return whatsapp.Config{}, err
	}
	return whatsapp.Config{
		Endpoint:   strings.TrimSpace(cfg.WhatsApp.Endpoint),
		Token:      cfg.WhatsApp.Token,
		RatePerSec: cfg.WhatsApp.RatePerSec,
		Timeout:    timeout,
	}, nil
}
