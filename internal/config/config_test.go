package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/slipdesk.sqlite
tracking:
  pad_width: 0
notifications:
  auto_send_delay: 3h
  start_sending_time: "09:00"
  send_delay_between_customers: 60s
  enable_batch_summary: true
dispatch:
  tick: 5s
  retry_max: 4
  timezone: UTC
report:
  enabled: true
  schedule: "0 9 * * *"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "slipdesk.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Dispatch.RetryMax != 4 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	st, err := cfg.Notifications.Merge(domain.DefaultSettings())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if st.AutoSendDelay != 3*time.Hour || st.SendDelayBetweenCustomers != time.Minute || !st.EnableBatchSummary {
		t.Fatalf("settings = %+v", st)
	}
	if !st.EnableAutoSend {
		t.Fatal("omitted enable_auto_send should keep the base value")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("c.json", []byte(`{"storage":{"driver":"file","path":"x"},"bogus":1}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
	_, err = Decode("c.yaml", []byte("dispatch:\n  tik: 5s\n"))
	if err == nil {
		t.Fatal("yaml typo should be rejected")
	}
	_, err = Decode("c.json", []byte(`{} {}`))
	if err == nil {
		t.Fatal("trailing data should be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"ok", Config{Storage: StorageConfig{Driver: "file", Path: "x"}}, ""},
		{"no path", Config{Storage: StorageConfig{Driver: "sqlite"}}, "storage.path"},
		{"no dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"bad driver", Config{Storage: StorageConfig{Driver: "mongo", Path: "x"}}, "storage.driver"},
		{"bad tick", Config{Storage: StorageConfig{Path: "x"}, Dispatch: DispatchConfig{Tick: "soon"}}, "dispatch.tick"},
		{"bad tz", Config{Storage: StorageConfig{Path: "x"}, Dispatch: DispatchConfig{Timezone: "Mars/Base"}}, "dispatch.timezone"},
		{"bad cron", Config{Storage: StorageConfig{Path: "x"}, Report: ReportConfig{Enabled: true, Schedule: "every day"}}, "report.schedule"},
		{"bad start time", Config{Storage: StorageConfig{Path: "x"}, Notifications: &NotificationsConfig{StartSendingTime: "9am"}}, "start_sending_time"},
		{"whatsapp endpoint", Config{Storage: StorageConfig{Path: "x"}, WhatsApp: WhatsAppConfig{Enabled: true}}, "whatsapp.endpoint"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Storage: StorageConfig{Driver: "file", Path: "x"}, OpsHTTP: OpsHTTPConfig{Token: "secret"}}
	b := *a
	b.Dispatch.Tick = "10s"
	b.OpsHTTP.Token = "other"
	yes := true
	b.Notifications = &NotificationsConfig{EnableBatchSummary: &yes}

	changed, attrs := SummarizeConfigChange(a, &b)
	for _, s := range []string{SectionDispatch, SectionNotifications, SectionOpsHTTP} {
		if !Changed(changed, s) {
			t.Fatalf("changed = %v, missing %s", changed, s)
		}
	}
	if Changed(changed, SectionStorage) {
		t.Fatalf("storage reported changed: %v", changed)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config changed", attrs...)
	if strings.Contains(buf.String(), "other") || strings.Contains(buf.String(), "secret") {
		t.Fatalf("summary leaked a token: %s", buf.String())
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "slipdesk.json", `{"storage":{"driver":"file","path":"x"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if ok, err := m.Reload(ctx); err != nil || ok {
		t.Fatalf("unchanged reload ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(path, []byte(`{"storage":{"driver":"file","path":"x"},"dispatch":{"tick":"2s"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	rejected := true
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if rejected {
			return context.Canceled
		}
		return nil
	})
	if ok, err := m.Reload(ctx); err == nil || ok {
		t.Fatalf("validator should reject: ok=%v err=%v", ok, err)
	}
	rejected = false
	if ok, err := m.Reload(ctx); err != nil || !ok {
		t.Fatalf("reload ok=%v err=%v", ok, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.Tick != "2s" {
			t.Fatalf("published tick = %q", cfg.Dispatch.Tick)
		}
	default:
		t.Fatal("no config published")
	}
	if m.Get().Dispatch.Tick != "2s" {
		t.Fatal("Get should return the committed config")
	}
}
