package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slipdesk/internal/clock"
	"slipdesk/internal/domain"
	"slipdesk/internal/slip"
	"slipdesk/internal/storage"
	"slipdesk/internal/transport"
	logx "slipdesk/pkg/logx"

	"github.com/google/uuid"
)

// Slips is the slip lifecycle API the scheduler drives.
type Slips interface {
	Get(ctx context.Context, id string) (domain.Slip, error)
	Pending(ctx context.Context) ([]domain.Slip, error)
	Failed(ctx context.Context, limit int) ([]domain.Slip, error)
	List(ctx context.Context, f storage.SlipFilter) ([]domain.Slip, error)
	BeginDispatch(ctx context.Context, id string) (domain.Slip, error)
	AbortDispatch(ctx context.Context, id string) error
	MarkNotified(ctx context.Context, id, messageID string) (domain.Slip, error)
	RecordDeliveryFailure(ctx context.Context, id, reason string, backoff slip.Backoff) (domain.Slip, error)
	MarkNotificationFailed(ctx context.Context, id, reason string) (domain.Slip, error)
}

type SettingsSource interface {
	Current() domain.Settings
}

// Store persists the last send time and the override audit trail.
type Store interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	PutMeta(ctx context.Context, key, value string) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Config is the runtime form of the dispatch config section.
type Config struct {
	Enabled         bool
	Tick            time.Duration
	MaxSendsPerPass int
	SendTimeout     time.Duration
	// RetryMax is the number of failed deliveries after which a slip becomes
	// NotificationFailed.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Location      *time.Location
	// RecoverInFlight marks slips found in flight at startup as failed;
	// when false they are released for another attempt.
	RecoverInFlight bool
	// BookkeepingTimeout bounds the store writes that record a send outcome.
	// It starts when the send returns.
	BookkeepingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.MaxSendsPerPass <= 0 {
		c.MaxSendsPerPass = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Hour
	}
	c.RetryMaxDelay = max(c.RetryMaxDelay, c.RetryBase)
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.BookkeepingTimeout <= 0 {
		c.BookkeepingTimeout = 30 * time.Second
	}
	return c
}

// Backoff is min(base*2^(attempts-1), maxDelay); no retry once attempts
// reaches RetryMax.
func (c Config) Backoff(attempts int) (time.Duration, bool) {
	if attempts >= c.RetryMax {
		return 0, false
	}
	d := c.RetryBase
	for i := 1; i < attempts && d < c.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, c.RetryMaxDelay), true
}

type Deps struct {
	Slips     Slips
	Settings  SettingsSource
	Messenger transport.Messenger
	Store     Store
	Clock     clock.Clock
	Log       logx.Logger
}

// Scheduler owns the process-wide send slot. Every send, automatic or
// manual, happens while holding it, and lastSend is only written there.
type Scheduler struct {
	slips     Slips
	settings  SettingsSource
	messenger transport.Messenger
	store     Store
	clock     clock.Clock
	log       logx.Logger

	// sleep waits for the spacing rule on the override path.
	sleep func(ctx context.Context, d time.Duration) error

	cfgMu sync.RWMutex
	cfg   Config

	slot chan struct{}

	stateMu  sync.Mutex
	lastSend time.Time
	lastPass time.Time
	lastErr  string
}

type PassResult struct {
	Sends    int
	Notified int
	Failed   int
	Decision Decision
}

func New(cfg Config, d Deps) *Scheduler {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Scheduler{
		slips:     d.Slips,
		settings:  d.Settings,
		messenger: d.Messenger,
		store:     d.Store,
		clock:     d.Clock,
		log:       d.Log.With(logx.String("comp", "dispatch")),
		sleep:     sleepCtx,
		cfg:       cfg.withDefaults(),
		slot:      make(chan struct{}, 1),
	}
}

func (s *Scheduler) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg.withDefaults()
	s.cfgMu.Unlock()
}

func (s *Scheduler) Config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// Load restores the last send time persisted by a previous run.
func (s *Scheduler) Load(ctx context.Context) error {
	raw, ok, err := s.store.GetMeta(ctx, storage.MetaLastSend)
	if err != nil {
		return fmt.Errorf("load last send: %w", err)
	}
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.log.Warn("ignoring unparsable last send time", logx.String("value", raw), logx.Err(err))
		return nil
	}
	s.stateMu.Lock()
	s.lastSend = t
	s.stateMu.Unlock()
	lastSendGauge.Set(float64(t.Unix()))
	return nil
}

func (s *Scheduler) LastSend() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastSend
}

func (s *Scheduler) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) release() { <-s.slot }

// Recover deals with slips whose in-flight marker survived a crash: the
// outcome of that send is unknown, so they are surfaced as failed (or
// released, when RecoverInFlight is off) instead of silently resent.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	stuck, err := s.slips.List(ctx, storage.SlipFilter{OnlyInFlight: true})
	if err != nil {
		return 0, fmt.Errorf("list in-flight slips: %w", err)
	}
	markFailed := s.Config().RecoverInFlight
	n := 0
	for _, sl := range stuck {
		if sl.Notified {
			continue
		}
		failed := false
		if markFailed {
			var got domain.Slip
			got, err = s.slips.MarkNotificationFailed(ctx, sl.TrackingID, "delivery outcome unknown after restart")
			if failed = err == nil && got.NotificationFailed; failed {
				slipsFailed.Inc()
			}
		} else {
			err = s.slips.AbortDispatch(ctx, sl.TrackingID)
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", sl.TrackingID, err)
		}
		n++
		s.log.Warn("recovered in-flight slip",
			logx.String("tracking_id", sl.TrackingID),
			logx.Time("in_flight_since", sl.InFlightSince),
			logx.Bool("marked_failed", failed),
		)
	}
	return n, nil
}

// RunPass sends until the decision is no longer Send or the per-pass limit
// is reached.
func (s *Scheduler) RunPass(ctx context.Context) (PassResult, error) {
	var res PassResult
	limit := s.Config().MaxSendsPerPass
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.acquire(ctx); err != nil {
			return res, err
		}
		d, err := s.decide(ctx)
		res.Decision = d
		if err != nil || d.Kind != Send {
			s.release()
			s.notePass(err)
			return res, err
		}
		out, err := s.deliver(ctx, d.Batch, "auto")
		s.release()
		if err != nil {
			s.notePass(err)
			return res, err
		}
		if out.attempted {
			res.Sends++
		}
		res.Notified += out.notified
		res.Failed += out.failed
	}
	s.notePass(nil)
	return res, nil
}

func (s *Scheduler) decide(ctx context.Context) (Decision, error) {
	pending, err := s.slips.Pending(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("list pending slips: %w", err)
	}
	pendingGauge.Set(float64(len(pending)))
	return Decide(s.settings.Current(), s.clock.Now(), pending, s.LastSend(), s.Config().Location), nil
}

func (s *Scheduler) notePass(err error) {
	s.stateMu.Lock()
	s.lastPass = s.clock.Now()
	s.lastErr = ""
	if err != nil && !errors.Is(err, context.Canceled) {
		s.lastErr = err.Error()
	}
	s.stateMu.Unlock()
}

// Override sends one slip now, skipping the creation delay, the window
// floor and any retry backoff. It still waits for the spacing rule and never
// sends a slip twice.
func (s *Scheduler) Override(ctx context.Context, id, actor string) (domain.Slip, error) {
	st := s.settings.Current()
	if !st.AllowManualOverride {
		return domain.Slip{}, domain.ErrOverrideDisabled
	}
	sl, err := s.slips.Get(ctx, id)
	if err != nil {
		return domain.Slip{}, err
	}
	switch {
	case sl.Notified:
		return domain.Slip{}, fmt.Errorf("override %s: %w", id, domain.ErrAlreadyNotified)
	case sl.Cancelled():
		return domain.Slip{}, fmt.Errorf("override %s: %w", id, domain.ErrSlipCancelled)
	}

	if err := s.acquire(ctx); err != nil {
		return domain.Slip{}, err
	}
	defer s.release()

	for {
		last := s.LastSend()
		if last.IsZero() {
			break
		}
		wait := last.Add(s.settings.Current().SendDelayBetweenCustomers).Sub(s.clock.Now())
		if wait <= 0 {
			break
		}
		s.log.Debug("override waiting for spacing", logx.String("tracking_id", id), logx.Duration("wait", wait))
		if err := s.sleep(ctx, wait); err != nil {
			return domain.Slip{}, err
		}
	}

	begun, err := s.slips.BeginDispatch(ctx, id)
	if err != nil {
		return domain.Slip{}, fmt.Errorf("override %s: %w", id, err)
	}
	out, err := s.deliver(ctx, []domain.Slip{begun}, "override")
	s.audit(ctx, actor, id, errors.Join(err, out.sendErr))
	if err != nil {
		return domain.Slip{}, err
	}
	if out.sendErr != nil {
		return domain.Slip{}, fmt.Errorf("override %s: %w", id, out.sendErr)
	}
	if out.notified == 0 {
		return domain.Slip{}, fmt.Errorf("override %s: %w", id, domain.ErrSlipCancelled)
	}
	return s.slips.Get(ctx, id)
}

type outcome struct {
	attempted bool
	sendErr   error
	notified  int
	failed    int
}

// deliver sends one message for the batch and records the outcome on every
// slip. The returned error is for bookkeeping problems only; a failed send is
// reported in outcome.sendErr.
func (s *Scheduler) deliver(ctx context.Context, batch []domain.Slip, mode string) (outcome, error) {
	var out outcome
	if mode == "auto" {
		begun := batch[:0:0]
		for _, sl := range batch {
			b, err := s.slips.BeginDispatch(ctx, sl.TrackingID)
			switch {
			case err == nil:
				begun = append(begun, b)
			case errors.Is(err, domain.ErrSlipCancelled), errors.Is(err, domain.ErrAlreadyNotified), errors.Is(err, domain.ErrDispatchInFlight):
				s.log.Debug("slip left the candidate set", logx.String("tracking_id", sl.TrackingID), logx.Err(err))
			default:
				s.abortAll(ctx, begun)
				return out, err
			}
		}
		batch = begun
	}
	if len(batch) == 0 {
		return out, nil
	}

	cfg := s.Config()
	to := batch[0].Customer
	msgID := uuid.NewString()
	start := time.Now()
	err := s.send(ctx, to, Compose(batch), cfg.SendTimeout)
	sendDuration.Observe(time.Since(start).Seconds())

	// Recording the outcome gets its own budget, counted from here, and
	// outlives ctx.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.BookkeepingTimeout)
	defer cancel()
	out.attempted = true
	out.sendErr = err
	s.setLastSend(bctx, s.clock.Now())

	if err != nil {
		result := "failed"
		if errors.Is(err, domain.ErrDeliveryTimeout) {
			result = "timeout"
		}
		sendsTotal.WithLabelValues(mode, result).Inc()
		for _, sl := range batch {
			got, ferr := s.slips.RecordDeliveryFailure(bctx, sl.TrackingID, err.Error(), cfg.Backoff)
			if ferr != nil {
				s.log.Error("recording delivery failure failed", logx.String("tracking_id", sl.TrackingID), logx.Err(ferr))
				s.abortAll(bctx, []domain.Slip{sl})
				continue
			}
			if got.Cancelled() {
				s.log.Info("slip cancelled during a failed send; attempt not counted", logx.String("tracking_id", sl.TrackingID))
				continue
			}
			if got.NotificationFailed {
				out.failed++
				slipsFailed.Inc()
			}
			s.log.Warn("delivery failed",
				logx.String("tracking_id", sl.TrackingID),
				logx.String("mode", mode),
				logx.Int("attempts", got.Attempts),
				logx.Time("next_attempt_at", got.NextAttemptAt),
				logx.Bool("gave_up", got.NotificationFailed),
				logx.Err(err),
			)
		}
		return out, nil
	}

	sendsTotal.WithLabelValues(mode, "ok").Inc()
	for _, sl := range batch {
		_, merr := s.slips.MarkNotified(bctx, sl.TrackingID, msgID)
		switch {
		case merr == nil:
			out.notified++
			slipsNotified.Inc()
		case errors.Is(merr, domain.ErrSlipCancelled):
			s.log.Info("slip cancelled during send; not marked notified", logx.String("tracking_id", sl.TrackingID))
			if aerr := s.slips.AbortDispatch(bctx, sl.TrackingID); aerr != nil {
				s.log.Warn("clearing in-flight marker failed", logx.String("tracking_id", sl.TrackingID), logx.Err(aerr))
			}
		default:
			s.log.Error("mark notified failed", logx.String("tracking_id", sl.TrackingID), logx.Err(merr))
		}
	}
	s.log.Info("notification sent",
		logx.String("customer", to.ID),
		logx.String("mode", mode),
		logx.String("message_id", msgID),
		logx.Int("slips", len(batch)),
		logx.Int("notified", out.notified),
	)
	return out, nil
}

func (s *Scheduler) abortAll(ctx context.Context, slips []domain.Slip) {
	for _, sl := range slips {
		if err := s.slips.AbortDispatch(context.WithoutCancel(ctx), sl.TrackingID); err != nil {
			s.log.Warn("clearing in-flight marker failed", logx.String("tracking_id", sl.TrackingID), logx.Err(err))
		}
	}
}

// send bounds the messenger call by timeout even if the messenger ignores
// its context.
func (s *Scheduler) send(ctx context.Context, to domain.Contact, text string, timeout time.Duration) error {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.messenger.Send(sctx, to, text) }()

	var err error
	select {
	case err = <-done:
	case <-sctx.Done():
		err = sctx.Err()
	}
	if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", domain.ErrDeliveryTimeout, timeout)
	}
	return err
}

func (s *Scheduler) setLastSend(ctx context.Context, t time.Time) {
	s.stateMu.Lock()
	s.lastSend = t
	s.stateMu.Unlock()
	lastSendGauge.Set(float64(t.Unix()))
	if err := s.store.PutMeta(ctx, storage.MetaLastSend, t.UTC().Format(time.RFC3339Nano)); err != nil {
		s.log.Error("persisting last send time failed", logx.Err(err))
	}
}

func (s *Scheduler) audit(ctx context.Context, actor, id string, err error) {
	e := storage.AuditEntry{At: s.clock.Now(), Actor: actor, Action: "slip.override_send", Target: id, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		s.log.Warn("audit append failed", logx.Err(aerr))
	}
}

// DecisionView is the JSON form of a Decision.
type DecisionView struct {
	Kind        string    `json:"kind"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	TrackingIDs []string  `json:"tracking_ids,omitempty"`
}

func (d Decision) View() DecisionView {
	v := DecisionView{Kind: d.Kind.String(), NotBefore: d.NotBefore, Reason: d.Reason}
	for _, sl := range d.Batch {
		v.TrackingIDs = append(v.TrackingIDs, sl.TrackingID)
	}
	return v
}

type Status struct {
	AutoSend  bool         `json:"auto_send"`
	LastSend  time.Time    `json:"last_send"`
	LastPass  time.Time    `json:"last_pass"`
	LastError string       `json:"last_error,omitempty"`
	Sending   bool         `json:"sending"`
	Pending   int          `json:"pending"`
	Failed    int          `json:"failed"`
	Next      DecisionView `json:"next"`
}

// Status evaluates the current decision without sending anything.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	pending, err := s.slips.Pending(ctx)
	if err != nil {
		return Status{}, err
	}
	failed, err := s.slips.Failed(ctx, 0)
	if err != nil {
		return Status{}, err
	}
	st := s.settings.Current()
	s.stateMu.Lock()
	out := Status{
		AutoSend:  st.EnableAutoSend,
		LastSend:  s.lastSend,
		LastPass:  s.lastPass,
		LastError: s.lastErr,
		Sending:   len(s.slot) > 0,
		Pending:   len(pending),
		Failed:    len(failed),
	}
	last := s.lastSend
	s.stateMu.Unlock()
	out.Next = Decide(st, s.clock.Now(), pending, last, s.Config().Location).View()
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
