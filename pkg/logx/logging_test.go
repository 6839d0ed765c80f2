package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingSink) SendOps(_ context.Context, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v, want test", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v, want 3", m["n"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v, want boom", m["err"])
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v", m["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatal("Enabled() disagrees with configured level")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}

func TestFormatOpsJSON(t *testing.T) {
	t.Parallel()
	got := formatOpsJSON([]byte(`{"level":"warn","message":"slip failed","slip":"STC1","time":"x"}`))
	if !strings.HasPrefix(got, "[WARN] slip failed") {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if !strings.Contains(got, "- slip=STC1") {
		t.Fatalf("missing field: %q", got)
	}
	if strings.Contains(got, "time=") {
		t.Fatalf("time should be omitted: %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"trace":   LevelTrace,
		"DEBUG":   LevelDebug,
		" info ":  LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in, LevelInfo); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestServiceForwardsWarningsToOpsSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "slipdesk.log")
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: path},
		Ops:   OpsConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()
	sink := &recordingSink{}
	svc.SetOpsSink(sink)

	log = log.With(String("comp", "dispatch"))
	log.Info("routine")
	log.Warn("delivery failed", String("tracking_id", "STC4"))

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.got()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := sink.got()
	if len(got) != 1 {
		t.Fatalf("forwarded %d lines, want 1: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "[WARN] delivery failed") || !strings.Contains(got[0], "- tracking_id=STC4") || !strings.Contains(got[0], "- comp=dispatch") {
		t.Fatalf("forwarded = %q", got[0])
	}

	// Turning forwarding off keeps the logger usable.
	svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Warn("after reload")
	if !log.Enabled(LevelInfo) || log.Enabled(LevelDebug) {
		t.Fatal("Apply did not change the level seen by existing loggers")
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.got()); n != 1 {
		t.Fatalf("forwarded %d lines after disabling ops", n)
	}
}
