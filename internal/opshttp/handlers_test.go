package opshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"slipdesk/internal/courier"
	"slipdesk/internal/dispatch"
	"slipdesk/internal/domain"
	"slipdesk/internal/slip"
	logx "slipdesk/pkg/logx"
)

type fakeDesk struct {
	mu       sync.Mutex
	slips    map[string]domain.Slip
	couriers []domain.Courier
	settings domain.Settings
	actors   []string
}

func newDesk() *fakeDesk {
	return &fakeDesk{
		settings: domain.DefaultSettings(),
		slips: map[string]domain.Slip{
			"STC1": {TrackingID: "STC1", Status: domain.StatusPacked},
			"STC2": {TrackingID: "STC2", NotificationFailed: true, FailureReason: "gateway rejected", Attempts: 5},
			"STC3": {TrackingID: "STC3", Notified: true},
		},
	}
}

func (d *fakeDesk) Status(context.Context) (dispatch.Status, error) {
	return dispatch.Status{AutoSend: true, Pending: 1, Failed: 1, Next: dispatch.DecisionView{Kind: "wait", Reason: "spacing"}}, nil
}

func (d *fakeDesk) Override(_ context.Context, id, actor string) (domain.Slip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actors = append(d.actors, actor)
	sl, ok := d.slips[id]
	switch {
	case !ok:
		return domain.Slip{}, domain.ErrSlipNotFound
	case !d.settings.AllowManualOverride:
		return domain.Slip{}, domain.ErrOverrideDisabled
	case sl.Notified:
		return domain.Slip{}, fmt.Errorf("override %s: %w", id, domain.ErrAlreadyNotified)
	}
	sl.Notified, sl.NotificationFailed, sl.FailureReason = true, false, ""
	d.slips[id] = sl
	return sl, nil
}

func (d *fakeDesk) Add(_ context.Context, in courier.AddInput, actor string) (domain.Courier, error) {
	prefix, err := domain.NormalizePrefix(in.Prefix)
	if err != nil {
		return domain.Courier{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.couriers {
		if c.Prefix == prefix {
			return domain.Courier{}, domain.ErrDuplicatePrefix
		}
	}
	d.actors = append(d.actors, actor)
	c := domain.Courier{ID: in.ID, Name: in.Name, Prefix: prefix, Counter: in.StartCounter, Charges: in.Charges, Active: in.Active}
	d.couriers = append(d.couriers, c)
	return c, nil
}

func (d *fakeDesk) List(context.Context, bool) ([]domain.Courier, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Courier(nil), d.couriers...), nil
}

func (d *fakeDesk) Create(_ context.Context, in slip.CreateInput) (domain.Slip, error) {
	if in.NumberOfBoxes < 1 {
		return domain.Slip{}, domain.ErrInvalidBoxCount
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.couriers {
		c := &d.couriers[i]
		if c.ID != in.CourierID {
			continue
		}
		c.Counter++
		sl := domain.Slip{
			TrackingID:    domain.FormatTrackingID(c.Prefix, c.Counter, 0),
			Customer:      in.Customer,
			CourierID:     c.ID,
			Method:        in.Method,
			NumberOfBoxes: in.NumberOfBoxes,
			Status:        domain.StatusDraft,
			GeneratedBy:   in.GeneratedBy,
		}
		d.slips[sl.TrackingID] = sl
		return sl, nil
	}
	return domain.Slip{}, domain.ErrCourierNotFound
}

func (d *fakeDesk) Get(_ context.Context, id string) (domain.Slip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sl, ok := d.slips[id]
	if !ok {
		return domain.Slip{}, domain.ErrSlipNotFound
	}
	return sl, nil
}

func (d *fakeDesk) Failed(context.Context, int) ([]domain.Slip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.Slip
	for _, sl := range d.slips {
		if sl.NotificationFailed && !sl.Notified {
			out = append(out, sl)
		}
	}
	return out, nil
}

func (d *fakeDesk) ResetFailure(_ context.Context, id, _ string) (domain.Slip, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sl, ok := d.slips[id]
	if !ok {
		return domain.Slip{}, domain.ErrSlipNotFound
	}
	sl.NotificationFailed, sl.Attempts = false, 0
	d.slips[id] = sl
	return sl, nil
}

func (d *fakeDesk) Current() domain.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *fakeDesk) Update(_ context.Context, next domain.Settings, _ string) (domain.Settings, error) {
	if err := next.Validate(); err != nil {
		return domain.Settings{}, err
	}
	d.mu.Lock()
	d.settings = next
	d.mu.Unlock()
	return next, nil
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *fakeDesk) {
	t.Helper()
	desk := newDesk()
	srv := httptest.NewServer(NewRouter(API{Dispatch: desk, Slips: desk, Couriers: desk, Settings: desk, Log: logx.Nop()}, token, false))
	t.Cleanup(srv.Close)
	return srv, desk
}

func do(t *testing.T, method, url, token, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Actor", "asha")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestAuth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, "s3cret")

	if code, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/v1/dispatch/status", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/v1/dispatch/status", "wrong", ""); code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", code)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/v1/dispatch/status?token=s3cret", "", ""); code != http.StatusOK {
		t.Fatalf("query token = %d", code)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/metrics", "s3cret", ""); code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
}

func TestSlipEndpoints(t *testing.T) {
	t.Parallel()
	srv, desk := newTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		code   int
		check  func(map[string]any) bool
	}{
		{"status", http.MethodGet, "/v1/dispatch/status", 200, func(m map[string]any) bool { return m["pending"] == 1.0 }},
		{"failed", http.MethodGet, "/v1/slips/failed", 200, func(m map[string]any) bool { return m["count"] == 1.0 }},
		{"bad limit", http.MethodGet, "/v1/slips/failed?limit=-1", 400, nil},
		{"get", http.MethodGet, "/v1/slips/STC1", 200, func(m map[string]any) bool { return m["state"] == "Packed" }},
		{"missing", http.MethodGet, "/v1/slips/NOPE", 404, nil},
		{"resend failed slip", http.MethodPost, "/v1/slips/STC2/resend", 200, func(m map[string]any) bool {
			return m["notified"] == true && m["notification_failed"] == false
		}},
		{"resend notified slip", http.MethodPost, "/v1/slips/STC3/resend", 409, func(m map[string]any) bool {
			return strings.Contains(fmt.Sprint(m["error"]), "already notified")
		}},
		{"reset", http.MethodPost, "/v1/slips/STC1/reset", 200, nil},
		{"wrong method", http.MethodGet, "/v1/slips/STC1/resend", 405, nil},
	}
	for _, tt := range tests {
		code, body := do(t, tt.method, srv.URL+tt.path, "", "")
		if code != tt.code {
			t.Fatalf("%s: status %d, want %d (%v)", tt.name, code, tt.code, body)
		}
		if tt.check != nil && !tt.check(body) {
			t.Fatalf("%s: unexpected body %v", tt.name, body)
		}
	}
	if len(desk.actors) != 2 || desk.actors[0] != "asha" {
		t.Fatalf("actors = %v", desk.actors)
	}
}

func TestCreateEndpoints(t *testing.T) {
	t.Parallel()
	srv, desk := newTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
		check  func(map[string]any) bool
	}{
		{"add courier", http.MethodPost, "/v1/couriers", `{"id":"stc","name":"STC","prefix":"stc","charges":{"air":100}}`, 201,
			func(m map[string]any) bool { return m["prefix"] == "STC" && m["active"] == true }},
		{"duplicate prefix", http.MethodPost, "/v1/couriers", `{"id":"x","prefix":"STC"}`, 409, nil},
		{"prefix with digits", http.MethodPost, "/v1/couriers", `{"id":"a1","prefix":"A1"}`, 400, nil},
		{"unknown field", http.MethodPost, "/v1/couriers", `{"prefix":"DTD","colour":"red"}`, 400, nil},
		{"list couriers", http.MethodGet, "/v1/couriers", "", 200, func(m map[string]any) bool { return m["count"] == 1.0 }},
		{"create slip", http.MethodPost, "/v1/slips", `{"customer":{"id":"c1","name":"Asha"},"courier_id":"stc","method":"air","number_of_boxes":2}`, 201,
			func(m map[string]any) bool { return m["tracking_id"] == "STC1" && m["generated_by"] == "asha" }},
		{"second slip", http.MethodPost, "/v1/slips", `{"customer":{"id":"c2"},"courier_id":"stc","method":"air","number_of_boxes":1}`, 201,
			func(m map[string]any) bool { return m["tracking_id"] == "STC2" }},
		{"zero boxes", http.MethodPost, "/v1/slips", `{"customer":{"id":"c1"},"courier_id":"stc","method":"air","number_of_boxes":0}`, 400, nil},
		{"unknown courier", http.MethodPost, "/v1/slips", `{"customer":{"id":"c1"},"courier_id":"nope","method":"air","number_of_boxes":1}`, 404, nil},
	}
	for _, tt := range tests {
		code, body := do(t, tt.method, srv.URL+tt.path, "", tt.body)
		if code != tt.code {
			t.Fatalf("%s: status %d, want %d (%v)", tt.name, code, tt.code, body)
		}
		if tt.check != nil && !tt.check(body) {
			t.Fatalf("%s: unexpected body %v", tt.name, body)
		}
	}
	if _, err := desk.Get(context.Background(), "STC2"); err != nil {
		t.Fatalf("created slip not stored: %v", err)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	t.Parallel()
	srv, desk := newTestServer(t, "")

	code, body := do(t, http.MethodGet, srv.URL+"/v1/settings", "", "")
	if code != 200 || body["auto_send_delay"] != "3h0m0s" || body["start_sending_time"] != "09:00" {
		t.Fatalf("GET settings = %d %v", code, body)
	}

	code, body = do(t, http.MethodPut, srv.URL+"/v1/settings", "", `{"send_delay_between_customers":"90s","enable_batch_summary":true}`)
	if code != 200 || body["send_delay_between_customers"] != "1m30s" || body["enable_batch_summary"] != true {
		t.Fatalf("PUT settings = %d %v", code, body)
	}
	if got := desk.Current(); got.SendDelayBetweenCustomers != 90*time.Second || got.AutoSendDelay != 3*time.Hour {
		t.Fatalf("stored = %+v", got)
	}

	for _, bad := range []string{
		`{"auto_send_delay":"soon"}`,
		`{"start_sending_time":"25:00"}`,
		`{"unknown_field":1}`,
		`not json`,
	} {
		if code, _ := do(t, http.MethodPut, srv.URL+"/v1/settings", "", bad); code != http.StatusBadRequest {
			t.Fatalf("PUT %s = %d, want 400", bad, code)
		}
	}
	if code, _ := do(t, http.MethodPut, srv.URL+"/v1/settings", "", `{"allow_manual_override":false}`); code != 200 {
		t.Fatalf("disable override = %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/v1/slips/STC1/resend", "", ""); code != http.StatusForbidden {
		t.Fatalf("resend with override disabled = %d", code)
	}
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()
	desk := newDesk()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, API{Dispatch: desk, Slips: desk, Settings: desk}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server never bound")
	}
	addr := s.Addr()
	if code, _ := do(t, http.MethodGet, "http://"+addr+"/healthz", "", ""); code != 200 {
		t.Fatalf("healthz = %d", code)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatalf("still bound to %s", s.Addr())
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatal("server still answering after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8086": true,
		"localhost:8086": true,
		"[::1]:8086":     true,
		":8086":          false,
		"0.0.0.0:8086":   false,
		"10.0.0.4:8086":  false,
		"nonsense":       false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
