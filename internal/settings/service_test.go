package settings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"slipdesk/internal/domain"
	"slipdesk/internal/eventbus"
	"slipdesk/internal/storage"
	logx "slipdesk/pkg/logx"
)

func TestLoadSeedsDefaultsAndUpdatePersists(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "slipdesk.db")
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.SettingsChanged)
	defer unsub()

	ctx := context.Background()
	svc := New(st, bus, logx.Nop())
	got, err := svc.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != domain.DefaultSettings() {
		t.Fatalf("Load = %+v, want defaults", got)
	}

	next, err := svc.Modify(ctx, "ops", func(s *domain.Settings) error {
		s.EnableBatchSummary = true
		s.SendDelayBetweenCustomers = 90 * time.Second
		return nil
	})
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if !svc.Current().EnableBatchSummary || next.SendDelayBetweenCustomers != 90*time.Second {
		t.Fatalf("Current = %+v", svc.Current())
	}
	select {
	case <-events:
	default:
		t.Fatal("settings.changed not published")
	}

	bad := next
	bad.StartSendingTime = "99:99"
	if _, err := svc.Update(ctx, bad, "ops"); !errors.Is(err, domain.ErrInvalidSettings) {
		t.Fatalf("invalid update err = %v", err)
	}
	_ = st.Close()

	st2, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	again, err := New(st2, nil, logx.Nop()).Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again != next {
		t.Fatalf("persisted = %+v, want %+v", again, next)
	}
}
