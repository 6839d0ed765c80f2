package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "3h").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Tracking TrackingConfig `json:"tracking"`

	// Notifications seeds the persisted notification settings. When the
	// section is omitted the stored settings (or built-in defaults) are used
	// and only the ops API changes them.
	Notifications *NotificationsConfig `json:"notifications,omitempty"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Report    ReportConfig    `json:"report"`
	Documents DocumentsConfig `json:"documents"`
	Telegram  TelegramConfig  `json:"telegram"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	OpsHTTP   OpsHTTPConfig   `json:"ops_http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Ops     LoggingOps  `json:"ops"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOps mirrors warnings and errors into the operator chat.
type LoggingOps struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/slipdesk.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`
}

// TrackingConfig controls tracking id allocation.
//
// Defaults: pad_width 0 ("STC1"), conflict_retries 5, conflict_backoff "10ms".
type TrackingConfig struct {
	PadWidth        int    `json:"pad_width,omitempty"`
	ConflictRetries int    `json:"conflict_retries,omitempty"`
	ConflictBackoff string `json:"conflict_backoff,omitempty"`
}

// NotificationsConfig is the file form of the notification settings.
// Booleans are pointers so an omitted key keeps the stored value.
type NotificationsConfig struct {
	AutoSendDelay             string `json:"auto_send_delay,omitempty"`
	EnableAutoSend            *bool  `json:"enable_auto_send,omitempty"`
	StartSendingTime          string `json:"start_sending_time,omitempty"`
	SendDelayBetweenCustomers string `json:"send_delay_between_customers,omitempty"`
	AllowManualOverride       *bool  `json:"allow_manual_override,omitempty"`
	EnableBatchSummary        *bool  `json:"enable_batch_summary,omitempty"`
}

// DispatchConfig controls the dispatch worker and retry policy.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - tick: "5s"
//   - max_sends_per_pass: 10
//   - send_timeout: "30s"
//   - retry_max: 5
//   - retry_base: "1m"
//   - retry_max_delay: "1h"
//   - timezone: local
type DispatchConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	Tick            string `json:"tick,omitempty"`
	MaxSendsPerPass int    `json:"max_sends_per_pass,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	// RecoverInFlight marks slips left in flight by a crash as failed on start.
	RecoverInFlight *bool `json:"recover_in_flight,omitempty"`
}

// AlertsConfig controls the async operator alert pipeline.
// If the whole section is omitted, alerts default to enabled on the log channel.
type AlertsConfig struct {
	Enabled         bool   `json:"enabled"`
	Channel         string `json:"channel,omitempty"` // telegram | whatsapp | log
	Address         string `json:"address,omitempty"` // chat id / phone; telegram defaults to operator_chat_id
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// ReportConfig controls the failed-notification digest.
type ReportConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "0 9 * * *"
	Limit    int    `json:"limit,omitempty"`
}

// DocumentsConfig maps courier ids to text/template sources.
type DocumentsConfig struct {
	DefaultTemplate string            `json:"default_template,omitempty"`
	Couriers        map[string]string `json:"couriers,omitempty"`
}

type TelegramConfig struct {
	Token          string `json:"token"`
	OperatorChatID int64  `json:"operator_chat_id,omitempty"`
}

// WhatsAppConfig points at an HTTP gateway that relays WhatsApp messages.
type WhatsAppConfig struct {
	Enabled    bool   `json:"enabled"`
	Endpoint   string `json:"endpoint,omitempty"`
	Token      string `json:"token,omitempty"` // bearer token (do not log)
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// OpsHTTPConfig controls the operator HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8086").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsHTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8086"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
