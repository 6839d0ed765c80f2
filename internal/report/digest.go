// Package report sends a periodic digest of slips whose customer
// notification failed for good, so none of them sit unnoticed.
package report

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"slipdesk/internal/alert"
	"slipdesk/internal/clock"
	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "0 9 * * *"

type Config struct {
	Enabled  bool
	Schedule string
	// Limit caps the listed slips; the rest are counted. 0 lists all.
	Limit    int
	Location *time.Location
}

type Source interface {
	Failed(ctx context.Context, limit int) ([]domain.Slip, error)
}

type Sink interface {
	Notify(ctx context.Context, a alert.Alert) error
}

type Digest struct {
	src    Source
	sink   Sink
	clock  clock.Clock
	log    logx.Logger
	parser cron.Parser

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	baseCtx context.Context
	lastRun time.Time
}

func New(cfg Config, src Source, sink Sink, clk clock.Clock, log logx.Logger) *Digest {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Digest{
		src:    src,
		sink:   sink,
		clock:  clk,
		log:    log.With(logx.String("comp", "report")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    withDefaults(cfg),
	}
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return cfg
}

// Validate parses the schedule without applying anything.
func (d *Digest) Validate(cfg Config) error {
	cfg = withDefaults(cfg)
	if _, err := d.parser.Parse(cfg.Schedule); err != nil {
		return fmt.Errorf("report schedule %q: %w", cfg.Schedule, err)
	}
	return nil
}

// Apply swaps the config and reschedules a running digest.
func (d *Digest) Apply(cfg Config) error {
	if err := d.Validate(cfg); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = withDefaults(cfg)
	if d.c == nil {
		return nil
	}
	d.stopLocked()
	if d.cfg.Enabled {
		return d.startLocked()
	}
	return nil
}

// Start is idempotent and does nothing while disabled.
func (d *Digest) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.baseCtx = ctx
	if d.c != nil || !d.cfg.Enabled {
		return nil
	}
	return d.startLocked()
}

func (d *Digest) startLocked() error {
	c := cron.New(cron.WithParser(d.parser), cron.WithLocation(d.cfg.Location))
	if _, err := c.AddFunc(d.cfg.Schedule, d.runScheduled); err != nil {
		return fmt.Errorf("report schedule %q: %w", d.cfg.Schedule, err)
	}
	c.Start()
	d.c = c
	d.log.Info("failed-notification digest scheduled",
		logx.String("schedule", d.cfg.Schedule),
		logx.String("tz", d.cfg.Location.String()),
	)
	return nil
}

func (d *Digest) Stop(ctx context.Context) {
	d.mu.Lock()
	c := d.c
	d.c = nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		d.log.Warn("digest stop timed out")
	}
}

func (d *Digest) stopLocked() {
	if d.c != nil {
		<-d.c.Stop().Done()
		d.c = nil
	}
}

func (d *Digest) runScheduled() {
	d.mu.Lock()
	base := d.baseCtx
	d.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, time.Minute)
	defer cancel()
	if _, err := d.Run(ctx); err != nil {
		d.log.Error("failed-notification digest", logx.Err(err))
	}
}

// Run builds and sends the digest now. Nothing is sent, and false returned,
// when no slip is in NotificationFailed.
func (d *Digest) Run(ctx context.Context) (bool, error) {
	failed, err := d.src.Failed(ctx, 0)
	if err != nil {
		return false, fmt.Errorf("list failed slips: %w", err)
	}
	d.mu.Lock()
	limit := d.cfg.Limit
	d.lastRun = d.clock.Now()
	d.mu.Unlock()
	if len(failed) == 0 {
		return false, nil
	}
	text := Build(failed, d.clock.Now(), limit)
	if err := d.sink.Notify(ctx, alert.Alert{Priority: alert.PriorityWarning, Text: text}); err != nil {
		return false, fmt.Errorf("send digest: %w", err)
	}
	d.log.Info("failed-notification digest sent", logx.Int("slips", len(failed)))
	return true, nil
}

func (d *Digest) LastRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRun
}

// Build renders the digest body. slips are expected oldest first.
func Build(slips []domain.Slip, now time.Time, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s awaiting an operator:", english.Plural(len(slips), "failed customer notification", ""))
	shown := slips
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	for _, s := range shown {
		fmt.Fprintf(&b, "\n- %s for %s, created %s, %s",
			s.TrackingID,
			customerLabel(s.Customer),
			humanize.RelTime(s.GeneratedAt, now, "ago", "from now"),
			english.Plural(s.Attempts, "attempt", ""),
		)
		if s.FailureReason != "" {
			b.WriteString(": " + s.FailureReason)
		}
	}
	if rest := len(slips) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\n…and %d more", rest)
	}
	return b.String()
}

func customerLabel(c domain.Contact) string {
	if c.Name != "" && c.Name != c.ID {
		return c.Name + " (" + c.ID + ")"
	}
	return c.ID
}
