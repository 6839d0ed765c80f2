// Package alert delivers operator alerts.
//
// Alerts are short, high-signal messages for the people running the desk:
// a slip whose customer notification failed for good, a delivery outcome
// lost to a crash. They go to one operator destination (usually the
// operator Telegram chat) through a transport.Messenger.
//
// # Pipeline
//
// Notify enqueues; a small worker pool drains the queue through a token
// bucket, retrying failed sends with jittered exponential backoff. Identical
// alerts inside DedupWindow are suppressed.
//
// # Sources
//
// While running, the service subscribes to slip.notification_failed on the
// event bus and turns each event into an alert.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"slipdesk/internal/domain"
	"slipdesk/internal/eventbus"
	rtsup "slipdesk/internal/runtime/supervisor"
	"slipdesk/internal/transport"
	logx "slipdesk/pkg/logx"

	"github.com/dustin/go-humanize/english"
	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerts stopped")
)

// Priorities.
const (
	PriorityInfo     = 5
	PriorityWarning  = 7
	PriorityCritical = 9
)

type Alert struct {
	Priority int
	Text     string
}

type Config struct {
	Enabled bool
	// To is the operator destination.
	To              domain.Contact
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At   time.Time
	Text string
	OK   bool
}

type job struct {
	a   Alert
	key string
}

// Service is an async alert pipeline: queue, worker pool, rate limit, retry
// and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log       logx.Logger
	messenger transport.Messenger
	bus       eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	unsub    func()
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, messenger transport.Messenger, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:       log.With(logx.String("comp", "alert")),
		messenger: messenger,
		bus:       bus,
		dedup:     map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	s.cfg = cfg
	// burst = rate so a short spike of failures is not held back.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent and does nothing while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	events, unsub := s.bus.Subscribe(64, eventbus.NotificationFailed)
	s.unsub = unsub
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	sup.Go0("alert.events", func(c context.Context) { s.eventLoop(c, events) })
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("alert.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return nil
			}
			return errors.New("alert worker exited unexpectedly")
		})
	}
	s.log.Info("alerts started", logx.Int("workers", workers), logx.String("to", s.cfg.To.Destination()))
}

// Stop stops intake and drains the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, unsub := s.queue, s.sup, s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.unsub, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues a. A suppressed duplicate returns nil.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		alertsTotal.WithLabelValues("deduped").Inc()
		return nil
	}
	select {
	case q <- job{a: a, key: key}:
		return nil
	default:
		alertsTotal.WithLabelValues("dropped").Inc()
		s.log.Warn("alert dropped", logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// History returns the recently attempted alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, ok bool) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text, OK: ok})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			se, ok := e.Data.(eventbus.SlipEvent)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, FromSlipEvent(se)); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("queueing slip alert failed", logx.String("tracking_id", se.TrackingID), logx.Err(err))
			}
		}
	}
}

// FromSlipEvent renders a slip.notification_failed event.
func FromSlipEvent(e eventbus.SlipEvent) Alert {
	text := fmt.Sprintf("Customer notification for slip %s failed", e.TrackingID)
	if e.Attempts > 0 {
		text += " after " + english.Plural(e.Attempts, "attempt", "")
	}
	if e.CustomerID != "" {
		text += " (customer " + e.CustomerID + ")"
	}
	if e.Reason != "" {
		text += ": " + e.Reason
	}
	return Alert{Priority: PriorityCritical, Text: text + ". Resend or reset it from the ops console."}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, m := s.cfg, s.limiter, s.messenger
	s.mu.Unlock()
	if m == nil {
		return
	}
	text := prefixForPriority(j.a.Priority) + j.a.Text

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := m.Send(callCtx, cfg.To, text)
		cancel()
		if err == nil {
			alertsTotal.WithLabelValues("sent").Inc()
			s.appendHistory(text, true)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	alertsTotal.WithLabelValues("failed").Inc()
	s.appendHistory(text, false)
	s.log.Error("alert not delivered", logx.String("via", m.Name()), logx.Err(lastErr))
}

func prefixForPriority(p int) string {
	switch {
	case p >= PriorityCritical:
		return "🚨 "
	case p >= PriorityWarning:
		return "⚠️ "
	case p >= PriorityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s", a.Priority, a.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Over the cap: evict the entries closest to expiry.
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
