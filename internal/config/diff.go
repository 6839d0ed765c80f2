package config

import (
	"reflect"
	"sort"
	"strings"

	logx "slipdesk/pkg/logx"
)

// Section names reported by SummarizeConfigChange.
const (
	SectionLogging       = "logging"
	SectionStorage       = "storage"
	SectionTracking      = "tracking"
	SectionNotifications = "notifications"
	SectionDispatch      = "dispatch"
	SectionAlerts        = "alerts"
	SectionReport        = "report"
	SectionDocuments     = "documents"
	SectionTelegram      = "telegram"
	SectionWhatsApp      = "whatsapp"
	SectionOpsHTTP       = "ops_http"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// attrs for logging. Secrets (tokens, DSN) are reported only as "set/unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, SectionLogging)
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.ops_enabled", newCfg.Logging.Ops.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, SectionStorage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if oldCfg.Tracking != newCfg.Tracking {
		changed = append(changed, SectionTracking)
		attrs = append(attrs,
			logx.Int("tracking.pad_width", newCfg.Tracking.PadWidth),
			logx.Int("tracking.conflict_retries", newCfg.Tracking.ConflictRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		changed = append(changed, SectionNotifications)
		attrs = append(attrs, logx.Bool("notifications.present", newCfg.Notifications != nil))
		if n := newCfg.Notifications; n != nil {
			attrs = append(attrs,
				logx.String("notifications.auto_send_delay", n.AutoSendDelay),
				logx.String("notifications.start_sending_time", n.StartSendingTime),
				logx.String("notifications.send_delay_between_customers", n.SendDelayBetweenCustomers),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, SectionDispatch)
		attrs = append(attrs,
			logx.String("dispatch.tick", newCfg.Dispatch.Tick),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
			logx.String("dispatch.timezone", newCfg.Dispatch.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, SectionAlerts)
		if a := newCfg.Alerts; a != nil {
			attrs = append(attrs,
				logx.Bool("alerts.enabled", a.Enabled),
				logx.String("alerts.channel", a.Channel),
				logx.Int("alerts.rate_per_sec", a.RatePerSec),
			)
		}
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, SectionReport)
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.schedule", newCfg.Report.Schedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Documents, newCfg.Documents) {
		changed = append(changed, SectionDocuments)
		attrs = append(attrs, logx.Int("documents.courier_templates", len(newCfg.Documents.Couriers)))
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, SectionTelegram)
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.operator_chat_set", newCfg.Telegram.OperatorChatID != 0),
		)
	}

	if oldCfg.WhatsApp != newCfg.WhatsApp {
		changed = append(changed, SectionWhatsApp)
		attrs = append(attrs,
			logx.Bool("whatsapp.enabled", newCfg.WhatsApp.Enabled),
			logx.Bool("whatsapp.token_set", strings.TrimSpace(newCfg.WhatsApp.Token) != ""),
			logx.Int("whatsapp.rate_per_sec", newCfg.WhatsApp.RatePerSec),
		)
	}

	if oldCfg.OpsHTTP != newCfg.OpsHTTP {
		changed = append(changed, SectionOpsHTTP)
		attrs = append(attrs,
			logx.Bool("ops_http.enabled", newCfg.OpsHTTP.Enabled),
			logx.String("ops_http.addr", strings.TrimSpace(newCfg.OpsHTTP.Addr)),
			logx.Bool("ops_http.token_set", strings.TrimSpace(newCfg.OpsHTTP.Token) != ""),
			logx.Bool("ops_http.pprof", newCfg.OpsHTTP.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// Changed reports whether section is in a SummarizeConfigChange result.
func Changed(sections []string, section string) bool {
	i := sort.SearchStrings(sections, section)
	return i < len(sections) && sections[i] == section
}
