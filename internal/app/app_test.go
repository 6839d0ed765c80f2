package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"slipdesk/internal/config"
	"slipdesk/internal/courier"
	"slipdesk/internal/domain"
	"slipdesk/internal/slip"
)

func boolPtr(b bool) *bool { return &b }

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.DispatchConfig
		wantErr bool
	}{
		{name: "defaults", in: config.DispatchConfig{}},
		{name: "disabled", in: config.DispatchConfig{Enabled: boolPtr(false), RecoverInFlight: boolPtr(false), Tick: "1s", Timezone: "UTC"}},
		{name: "bad tick", in: config.DispatchConfig{Tick: "soon"}, wantErr: true},
		{name: "bad timezone", in: config.DispatchConfig{Timezone: "Mars/Olympus"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := mapDispatchConfig(&config.Config{Dispatch: tt.in})
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if tt.wantErr {
			continue
		}
		switch tt.name {
		case "defaults":
			if !got.Enabled || !got.RecoverInFlight || got.Tick != 5*time.Second || got.SendTimeout != 30*time.Second || got.Location != time.Local {
				t.Fatalf("defaults = %+v", got)
			}
		case "disabled":
			if got.Enabled || got.RecoverInFlight || got.Tick != time.Second || got.Location != time.UTC {
				t.Fatalf("disabled = %+v", got)
			}
		}
	}
}

func TestMapAlertConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		cfg      config.Config
		wantCh   domain.Channel
		wantAddr string
		wantOn   bool
		wantErr  bool
	}{
		{name: "omitted section", wantCh: domain.ChannelLog, wantOn: true},
		{
			name:     "telegram defaults to operator chat",
			cfg:      config.Config{Alerts: &config.AlertsConfig{Enabled: true, Channel: "Telegram"}, Telegram: config.TelegramConfig{OperatorChatID: -100123}},
			wantCh:   domain.ChannelTelegram,
			wantAddr: "-100123",
			wantOn:   true,
		},
		{
			name:     "explicit whatsapp",
			cfg:      config.Config{Alerts: &config.AlertsConfig{Enabled: true, Channel: "whatsapp", Address: "+15550001"}},
			wantCh:   domain.ChannelWhatsApp,
			wantAddr: "+15550001",
			wantOn:   true,
		},
		{
			name:    "whatsapp without address",
			cfg:     config.Config{Alerts: &config.AlertsConfig{Enabled: true, Channel: "whatsapp"}},
			wantErr: true,
		},
		{
			name:   "disabled without address is fine",
			cfg:    config.Config{Alerts: &config.AlertsConfig{Channel: "telegram"}},
			wantCh: domain.ChannelTelegram,
		},
		{
			name:    "bad duration",
			cfg:     config.Config{Alerts: &config.AlertsConfig{Enabled: true, DedupWindow: "forever"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		got, err := mapAlertConfig(&tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if tt.wantErr {
			continue
		}
		if got.To.Channel != tt.wantCh || got.To.Address != tt.wantAddr || got.Enabled != tt.wantOn {
			t.Fatalf("%s: got %+v", tt.name, got)
		}
	}
}

func TestMapStorageAndLogConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Path: " ./data/x.db "}})
	if err != nil {
		t.Fatal(err)
	}
	if sc.Driver != "file" || sc.Path != "./data/x.db" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage = %+v", sc)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{BusyTimeout: "x"}}); err == nil {
		t.Fatal("expected busy_timeout error")
	}

	cfg := &config.Config{Logging: config.LoggingConfig{Ops: config.LoggingOps{Enabled: true}}}
	if mapLogConfig(cfg).Ops.Enabled {
		t.Fatal("ops logging enabled without a telegram target")
	}
	cfg.Telegram = config.TelegramConfig{Token: "t", OperatorChatID: 42}
	if !mapLogConfig(cfg).Ops.Enabled {
		t.Fatal("ops logging should be enabled")
	}
}

const baseConfig = `
logging:
  level: error
storage:
  driver: file
  path: %STORE%
tracking:
  pad_width: 3
notifications:
  auto_send_delay: 1h
  start_sending_time: "08:30"
dispatch:
  tick: 20ms
  timezone: UTC
alerts:
  enabled: true
  channel: log
report:
  enabled: true
  schedule: "0 9 * * *"
ops_http:
  enabled: false
`

func writeConfig(t *testing.T, path, store, extra string) {
	t.Helper()
	body := strings.ReplaceAll(baseConfig, "%STORE%", store) + extra
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func startApp(t *testing.T, cfgPath string) *App {
	t.Helper()
	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	store := filepath.Join(dir, "data", "slipdesk.db")
	writeConfig(t, cfgPath, store, "")

	a := startApp(t, cfgPath)
	ctx := context.Background()

	if got := a.Settings().Current(); got.AutoSendDelay != time.Hour || got.StartSendingTime != "08:30" || !got.EnableAutoSend {
		t.Fatalf("settings not seeded from config: %+v", got)
	}
	if _, err := a.Couriers().Add(ctx, courier.AddInput{
		ID: "stc", Name: "STC", Prefix: "STC", Active: true,
		Charges: map[domain.Method]float64{domain.MethodAir: 100},
	}, "test"); err != nil {
		t.Fatal(err)
	}
	sl, err := a.Slips().Create(ctx, slip.CreateInput{
		Customer:      domain.Contact{ID: "c1", Name: "Asha", Channel: domain.ChannelLog},
		CourierID:     "stc",
		Method:        domain.MethodAir,
		NumberOfBoxes: 1,
		GeneratedBy:   "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	if sl.TrackingID != "STC001" {
		t.Fatalf("tracking id = %q", sl.TrackingID)
	}
	st, err := a.Scheduler().Status(ctx)
	if err != nil || !st.AutoSend {
		t.Fatalf("status = %+v, %v", st, err)
	}
	if a.OpsAddr() != "" {
		t.Fatalf("ops http should be disabled, bound to %s", a.OpsAddr())
	}
	stopApp(t, a)
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	// The counter and the slip survive a restart.
	a = startApp(t, cfgPath)
	defer stopApp(t, a)
	if _, err := a.Slips().Get(ctx, "STC001"); err != nil {
		t.Fatalf("slip lost across restart: %v", err)
	}
	next, err := a.Slips().Create(ctx, slip.CreateInput{
		Customer:      domain.Contact{ID: "c2", Channel: domain.ChannelLog},
		CourierID:     "stc",
		Method:        domain.MethodAir,
		NumberOfBoxes: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if next.TrackingID != "STC002" {
		t.Fatalf("tracking id after restart = %q", next.TrackingID)
	}
}

func TestOpsEditsSurviveUnrelatedReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	store := filepath.Join(dir, "slipdesk.db")
	writeConfig(t, cfgPath, store, "")

	a := startApp(t, cfgPath)
	defer stopApp(t, a)
	ctx := context.Background()

	if _, err := a.Settings().Modify(ctx, "asha", func(s *domain.Settings) error {
		s.EnableBatchSummary = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	// Only the tracking section changes; the operator's edit stays.
	body, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	body = []byte(strings.Replace(string(body), "pad_width: 3", "pad_width: 4", 1))
	reload(t, a, cfgPath, body)
	waitFor(t, func() bool { return a.cfgm.Get().Tracking.PadWidth == 4 })
	if !a.Settings().Current().EnableBatchSummary {
		t.Fatal("unrelated reload overwrote an operator edit")
	}

	// Changing the notifications section applies it.
	body = []byte(strings.Replace(string(body), "auto_send_delay: 1h", "auto_send_delay: 2h", 1))
	reload(t, a, cfgPath, body)
	waitFor(t, func() bool { return a.Settings().Current().AutoSendDelay == 2*time.Hour })
	if !a.Settings().Current().EnableBatchSummary {
		t.Fatal("notifications merge dropped a field the file does not set")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeConfig(t, cfgPath, filepath.Join(dir, "s.db"), "whatsapp:\n  enabled: true\n")
	if _, err := New(cfgPath); err == nil {
		t.Fatal("expected an error for whatsapp without endpoint")
	}
}

// reload writes body and reloads without waiting for the file watcher.
func reload(t *testing.T, a *App, path string, body []byte) {
	t.Helper()
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.cfgm.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
