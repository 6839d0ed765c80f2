// Package settings owns the process-wide notification settings record.
package settings

import (
	"context"
	"fmt"
	"sync"

	"slipdesk/internal/domain"
	"slipdesk/internal/eventbus"
	"slipdesk/internal/storage"
	logx "slipdesk/pkg/logx"
)

// Service caches the persisted settings. Readers get a copy; writers validate,
// persist and then publish settings.changed.
type Service struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu  sync.RWMutex
	cur domain.Settings
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, bus: bus, log: log.With(logx.String("comp", "settings")), cur: domain.DefaultSettings()}
}

// Load reads the stored record. When none exists the defaults are persisted.
func (s *Service) Load(ctx context.Context) (domain.Settings, error) {
	st, ok, err := s.store.GetSettings(ctx)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		st = domain.DefaultSettings()
		if err := s.store.PutSettings(ctx, st); err != nil {
			return domain.Settings{}, fmt.Errorf("seed settings: %w", err)
		}
		s.log.Info("notification settings seeded with defaults")
	}
	if err := st.Validate(); err != nil {
		s.log.Warn("stored settings invalid; using defaults", logx.Err(err))
		st = domain.DefaultSettings()
	}
	s.mu.Lock()
	s.cur = st
	s.mu.Unlock()
	return st, nil
}

func (s *Service) Current() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update replaces the settings.
func (s *Service) Update(ctx context.Context, next domain.Settings, actor string) (domain.Settings, error) {
	if err := next.Validate(); err != nil {
		return domain.Settings{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.cur {
		return next, nil
	}
	if err := s.store.PutSettings(ctx, next); err != nil {
		return domain.Settings{}, fmt.Errorf("persist settings: %w", err)
	}
	prev := s.cur
	s.cur = next

	if err := s.store.AppendAudit(ctx, storage.AuditEntry{Actor: actor, Action: "settings.update", Target: "notifications", OK: true}); err != nil {
		s.log.Warn("audit append failed", logx.Err(err))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.SettingsChanged, Data: next})
	s.log.Info("notification settings updated",
		logx.String("actor", actor),
		logx.Bool("auto_send", next.EnableAutoSend),
		logx.Bool("auto_send_was", prev.EnableAutoSend),
		logx.Duration("auto_send_delay", next.AutoSendDelay),
		logx.String("start_sending_time", next.StartSendingTime),
		logx.Duration("spacing", next.SendDelayBetweenCustomers),
		logx.Bool("batch_summary", next.EnableBatchSummary),
		logx.Bool("manual_override", next.AllowManualOverride),
	)
	return next, nil
}

// Modify applies fn to a copy of the current settings and stores the result.
func (s *Service) Modify(ctx context.Context, actor string, fn func(*domain.Settings) error) (domain.Settings, error) {
	next := s.Current()
	if err := fn(&next); err != nil {
		return domain.Settings{}, err
	}
	return s.Update(ctx, next, actor)
}
