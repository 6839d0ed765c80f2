package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	timeFormat     = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile = "./slipdesk.log"

	opsQueueSize   = 256
	opsSendTimeout = 10 * time.Second
	opsMaxText     = 3500
	opsMaxValue    = 600
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Ops     OpsConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// OpsConfig mirrors lines at or above MinLevel (warn by default) to the
// OpsSink, at most RatePerSec per second.
type OpsConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// OpsSink receives rendered log lines on a dedicated goroutine.
type OpsSink interface {
	SendOps(ctx context.Context, text string) error
}

// Service owns the log outputs and can swap them while Loggers built from it
// stay valid.
type Service struct {
	mu   sync.Mutex
	file *os.File
	ops  *opsForwarder

	active atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{ops: newOpsForwarder()}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.active.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetOpsSink installs the operator sink; nil stops forwarding.
func (s *Service) SetOpsSink(sink OpsSink) { s.ops.setSink(sink) }

// Apply rebuilds the outputs for cfg. A log file that cannot be opened is
// reported on stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	s.ops.configure(cfg.Ops)
	if cfg.Ops.Enabled {
		outs = append(outs, s.ops)
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(os.Stdout))
	}

	zl := newZerolog(zerolog.MultiLevelWriter(outs...), parseLevel(cfg.Level, LevelInfo))
	s.active.Store(&zl)
}

// Close stops forwarding and closes the log file. Loggers keep working on
// the remaining outputs.
func (s *Service) Close() error {
	s.ops.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func openLogFile(path string) (*os.File, error) {
	if path = strings.TrimSpace(path); path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// opsForwarder is a zerolog.LevelWriter that queues qualifying lines for the
// sink. Writes never block; lines over the rate or queue size are dropped.
type opsForwarder struct {
	queue chan string

	mu       sync.Mutex
	sink     OpsSink
	enabled  bool
	minLevel Level
	limiter  *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newOpsForwarder() *opsForwarder {
	return &opsForwarder{queue: make(chan string, opsQueueSize), done: make(chan struct{})}
}

func (o *opsForwarder) setSink(sink OpsSink) {
	o.mu.Lock()
	o.sink = sink
	o.mu.Unlock()
}

func (o *opsForwarder) configure(cfg OpsConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	o.enabled = cfg.Enabled
	o.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	o.mu.Unlock()
	if cfg.Enabled {
		o.startOnce.Do(o.start)
	}
}

func (o *opsForwarder) start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	go o.run(ctx)
}

func (o *opsForwarder) stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-o.done
	}
}

func (o *opsForwarder) run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-o.queue:
			o.mu.Lock()
			sink := o.sink
			o.mu.Unlock()
			if sink == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, opsSendTimeout)
			_ = sink.SendOps(sctx, text)
			cancel()
		}
	}
}

func (o *opsForwarder) Write(p []byte) (int, error) { return o.WriteLevel(LevelInfo, p) }

func (o *opsForwarder) WriteLevel(level Level, p []byte) (int, error) {
	o.mu.Lock()
	pass := o.enabled && o.sink != nil && level >= o.minLevel && o.limiter.Allow()
	o.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if text := formatOpsJSON(p); text != "" {
		select {
		case o.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatOpsJSON renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field, sorted, without the timestamp.
func formatOpsJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, opsMaxText)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)
	delete(m, zerolog.TimestampFieldName)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), opsMaxValue))
	}
	return clip(b.String(), opsMaxText)
}

// clip cuts s to n bytes, marking the cut with "..." when there is room.
func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
