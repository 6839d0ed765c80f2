package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slipdesk/internal/domain"
	"slipdesk/internal/storage"
	logx "slipdesk/pkg/logx"
)

// AllocatorConfig controls tracking id formatting and conflict handling.
type AllocatorConfig struct {
	PadWidth        int
	ConflictRetries int
	ConflictBackoff time.Duration
}

// Allocator issues tracking ids from courier counters.
//
// Callers for the same courier are serialised by a per-courier mutex; the
// counter write itself is a version-checked compare-and-swap in storage, so a
// writer outside this process is detected rather than overwritten. The new
// counter is durable before the id is returned.
type Allocator struct {
	store storage.Store
	log   logx.Logger

	cfgMu sync.RWMutex
	cfg   AllocatorConfig

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewAllocator(cfg AllocatorConfig, store storage.Store, log logx.Logger) *Allocator {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Allocator{
		store: store,
		log:   log.With(logx.String("comp", "allocator")),
		locks: map[string]*sync.Mutex{},
	}
	a.Apply(cfg)
	return a
}

func (a *Allocator) Apply(cfg AllocatorConfig) {
	if cfg.PadWidth < 0 {
		cfg.PadWidth = 0
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.ConflictBackoff <= 0 {
		cfg.ConflictBackoff = 10 * time.Millisecond
	}
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()
}

func (a *Allocator) config() AllocatorConfig {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

func (a *Allocator) lockFor(courierID string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[courierID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[courierID] = l
	}
	return l
}

// Allocate returns prefix + post-increment counter for courierID.
func (a *Allocator) Allocate(ctx context.Context, courierID string) (string, error) {
	cfg := a.config()
	start := time.Now()

	l := a.lockFor(courierID)
	l.Lock()
	defer l.Unlock()

	delay := cfg.ConflictBackoff
	for attempt := 0; ; attempt++ {
		c, err := a.store.GetCourier(ctx, courierID)
		if err != nil {
			allocationsTotal.WithLabelValues("error").Inc()
			if errors.Is(err, domain.ErrCourierNotFound) {
				return "", fmt.Errorf("allocate %s: %w", courierID, domain.ErrCourierNotFound)
			}
			return "", fmt.Errorf("allocate %s: %w", courierID, err)
		}
		if c.Deleted {
			allocationsTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("allocate %s: courier deleted: %w", courierID, domain.ErrCourierNotFound)
		}

		next := c.Counter + 1
		updated, err := a.store.CompareAndSwapCounter(ctx, c.ID, c.Version, next)
		if err == nil {
			allocationsTotal.WithLabelValues("ok").Inc()
			allocationDuration.Observe(time.Since(start).Seconds())
			return domain.FormatTrackingID(updated.Prefix, next, cfg.PadWidth), nil
		}
		if !errors.Is(err, domain.ErrAllocationConflict) {
			allocationsTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("allocate %s: %w", courierID, err)
		}

		allocationConflicts.Inc()
		if attempt >= cfg.ConflictRetries {
			allocationsTotal.WithLabelValues("conflict").Inc()
			return "", fmt.Errorf("allocate %s after %d attempts: %w", courierID, attempt+1, err)
		}
		a.log.Debug("counter conflict, retrying",
			logx.String("courier", courierID),
			logx.Int("attempt", attempt+1),
			logx.Duration("backoff", delay),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
