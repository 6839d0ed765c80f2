package courier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"slipdesk/internal/clock"
	"slipdesk/internal/domain"
	"slipdesk/internal/storage"
	logx "slipdesk/pkg/logx"

	"golang.org/x/sync/errgroup"
)

func newStore(t *testing.T, driver string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: driver, Path: filepath.Join(t.TempDir(), "slipdesk.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newRegistry(t *testing.T, st storage.Store) *Registry {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	return NewRegistry(st, clk, nil, logx.Nop())
}

func addCourier(t *testing.T, r *Registry, id, prefix string) domain.Courier {
	t.Helper()
	c, err := r.Add(context.Background(), AddInput{
		ID:      id,
		Name:    prefix + " Couriers",
		Prefix:  prefix,
		Charges: map[domain.Method]float64{domain.MethodAir: 150, domain.MethodSurface: 80},
		Active:  true,
	}, "test")
	if err != nil {
		t.Fatalf("Add %s: %v", prefix, err)
	}
	return c
}

func TestAllocateSequentialFromZero(t *testing.T) {
	t.Parallel()
	st := newStore(t, "file")
	r := newRegistry(t, st)
	addCourier(t, r, "stc", "STC")
	a := NewAllocator(AllocatorConfig{}, st, logx.Nop())

	for i, want := range []string{"STC1", "STC2", "STC3"} {
		got, err := a.Allocate(context.Background(), "stc")
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i+1, err)
		}
		if got != want {
			t.Fatalf("Allocate #%d = %q, want %q", i+1, got, want)
		}
	}
}

func TestAllocatePadWidth(t *testing.T) {
	t.Parallel()
	st := newStore(t, "file")
	r := newRegistry(t, st)
	addCourier(t, r, "dtd", "DTD")
	a := NewAllocator(AllocatorConfig{PadWidth: 5}, st, logx.Nop())
	got, err := a.Allocate(context.Background(), "dtd")
	if err != nil || got != "DTD00001" {
		t.Fatalf("Allocate = %q, %v", got, err)
	}
}

func TestConcurrentAllocationIsContiguous(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := newStore(t, driver)
			r := newRegistry(t, st)
			addCourier(t, r, "stc", "STC")
			addCourier(t, r, "ptc", "PTC")
			a := NewAllocator(AllocatorConfig{}, st, logx.Nop())

			const n = 40
			var (
				mu  sync.Mutex
				got = map[string][]string{}
			)
			g, ctx := errgroup.WithContext(context.Background())
			for i := 0; i < n; i++ {
				for _, id := range []string{"stc", "ptc"} {
					id := id
					g.Go(func() error {
						tid, err := a.Allocate(ctx, id)
						if err != nil {
							return err
						}
						mu.Lock()
						got[id] = append(got[id], tid)
						mu.Unlock()
						return nil
					})
				}
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("allocate: %v", err)
			}

			for id, prefix := range map[string]string{"stc": "STC", "ptc": "PTC"} {
				ids := got[id]
				if len(ids) != n {
					t.Fatalf("%s: got %d ids, want %d", id, len(ids), n)
				}
				seen := map[string]bool{}
				for _, tid := range ids {
					if seen[tid] {
						t.Fatalf("%s: duplicate id %s", id, tid)
					}
					seen[tid] = true
				}
				for i := 1; i <= n; i++ {
					want := fmt.Sprintf("%s%d", prefix, i)
					if !seen[want] {
						t.Fatalf("%s: missing %s (gap)", id, want)
					}
				}
			}
		})
	}
}

func TestAllocateUnknownOrDeletedCourier(t *testing.T) {
	t.Parallel()
	st := newStore(t, "file")
	r := newRegistry(t, st)
	addCourier(t, r, "old", "OLD")
	a := NewAllocator(AllocatorConfig{}, st, logx.Nop())
	ctx := context.Background()

	if _, err := a.Allocate(ctx, "nope"); !errors.Is(err, domain.ErrCourierNotFound) {
		t.Fatalf("unknown courier err = %v", err)
	}
	if err := r.Delete(ctx, "old", "test"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := a.Allocate(ctx, "old"); !errors.Is(err, domain.ErrCourierNotFound) {
		t.Fatalf("deleted courier err = %v", err)
	}
	// The prefix stays reserved after deletion.
	if _, err := r.Add(ctx, AddInput{Prefix: "old"}, "test"); !errors.Is(err, domain.ErrDuplicatePrefix) {
		t.Fatalf("re-add deleted prefix err = %v", err)
	}
}

// racingStore simulates another writer bumping the courier between the
// allocator's read and its compare-and-swap.
type racingStore struct {
	storage.Store
	mu       sync.Mutex
	races    int
	attempts int
}

func (s *racingStore) CompareAndSwapCounter(ctx context.Context, id string, expected, next uint64) (domain.Courier, error) {
	s.mu.Lock()
	s.attempts++
	race := s.races > 0
	if race {
		s.races--
	}
	s.mu.Unlock()
	if race {
		c, err := s.Store.GetCourier(ctx, id)
		if err != nil {
			return domain.Courier{}, err
		}
		c.Counter++
		if _, err := s.Store.UpdateCourier(ctx, c); err != nil {
			return domain.Courier{}, err
		}
	}
	return s.Store.CompareAndSwapCounter(ctx, id, expected, next)
}

func TestAllocateRetriesOnConflict(t *testing.T) {
	t.Parallel()
	base := newStore(t, "file")
	r := newRegistry(t, base)
	addCourier(t, r, "stc", "STC")
	rs := &racingStore{Store: base, races: 2}
	a := NewAllocator(AllocatorConfig{ConflictBackoff: time.Millisecond}, rs, logx.Nop())

	got, err := a.Allocate(context.Background(), "stc")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	// Two external bumps took 1 and 2; we must not reissue either.
	if got != "STC3" {
		t.Fatalf("Allocate = %q, want STC3", got)
	}
	if rs.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rs.attempts)
	}
}

func TestAllocateGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	base := newStore(t, "file")
	r := newRegistry(t, base)
	addCourier(t, r, "stc", "STC")
	rs := &racingStore{Store: base, races: 100}
	a := NewAllocator(AllocatorConfig{ConflictRetries: 2, ConflictBackoff: time.Millisecond}, rs, logx.Nop())

	if _, err := a.Allocate(context.Background(), "stc"); !errors.Is(err, domain.ErrAllocationConflict) {
		t.Fatalf("err = %v, want ErrAllocationConflict", err)
	}
	if rs.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rs.attempts)
	}
}

func TestRegistryExpressToggle(t *testing.T) {
	t.Parallel()
	st := newStore(t, "file")
	r := newRegistry(t, st)
	ctx := context.Background()

	if ok, _ := r.ExpressOffered(ctx); ok {
		t.Fatal("express offered without a toggle courier")
	}
	if _, err := r.Add(ctx, AddInput{ID: "exp", Prefix: "EXP", Active: true, ExpressToggle: true}, "test"); err != nil {
		t.Fatalf("Add toggle: %v", err)
	}
	if _, err := r.Add(ctx, AddInput{ID: "exp2", Prefix: "EXQ", ExpressToggle: true}, "test"); !errors.Is(err, ErrToggleAssigned) {
		t.Fatalf("second toggle err = %v", err)
	}
	if ok, _ := r.ExpressOffered(ctx); !ok {
		t.Fatal("express should be offered")
	}
	if err := r.Delete(ctx, "exp", "test"); !errors.Is(err, domain.ErrCourierProtected) {
		t.Fatalf("delete toggle err = %v", err)
	}

	inactive := false
	if _, err := r.Update(ctx, "exp", UpdateInput{Active: &inactive}, "test"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ok, _ := r.ExpressOffered(ctx); ok {
		t.Fatal("inactive toggle courier should disable express")
	}

	addCourier(t, r, "stc", "STC")
	if err := r.SetExpressToggle(ctx, "stc", "test"); err != nil {
		t.Fatalf("SetExpressToggle: %v", err)
	}
	if err := r.Delete(ctx, "exp", "test"); err != nil {
		t.Fatalf("old holder should be deletable: %v", err)
	}
	list, _ := r.List(ctx, false)
	holders := 0
	for _, c := range list {
		if c.IsExpressMasterToggle {
			holders++
		}
	}
	if holders != 1 {
		t.Fatalf("toggle holders = %d, want 1", holders)
	}
}

func TestRegistryCounterOnlyMovesForward(t *testing.T) {
	t.Parallel()
	st := newStore(t, "file")
	r := newRegistry(t, st)
	addCourier(t, r, "stc", "STC")
	ctx := context.Background()
	a := NewAllocator(AllocatorConfig{}, st, logx.Nop())

	if _, err := r.RaiseCounter(ctx, "stc", 100, "test"); err != nil {
		t.Fatalf("RaiseCounter: %v", err)
	}
	if _, err := r.RaiseCounter(ctx, "stc", 50, "test"); !errors.Is(err, domain.ErrCounterRegression) {
		t.Fatalf("lowering err = %v", err)
	}
	got, err := a.Allocate(ctx, "stc")
	if err != nil || got != "STC101" {
		t.Fatalf("Allocate = %q, %v", got, err)
	}

	if ch, err := r.Charge(ctx, "stc", domain.MethodSurface); err != nil || ch != 80 {
		t.Fatalf("Charge = %v, %v", ch, err)
	}
	list, _ := r.List(ctx, true)
	names := make([]string, 0, len(list))
	for _, c := range list {
		names = append(names, c.Prefix)
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("List not sorted by prefix: %v", names)
	}
}

func TestPrefixesNeverRenderTheSameTrackingID(t *testing.T) {
	t.Parallel()
	st := newStore(t, "sqlite")
	r := newRegistry(t, st)
	ctx := context.Background()
	addCourier(t, r, "a", "A")

	if _, err := r.Add(ctx, AddInput{ID: "a1", Prefix: "A1", Active: true}, "test"); !errors.Is(err, domain.ErrInvalidPrefix) {
		t.Fatalf("Add A1 err = %v, want ErrInvalidPrefix", err)
	}
	if _, err := r.Add(ctx, AddInput{ID: "a2", Prefix: "a", Active: true}, "test"); !errors.Is(err, domain.ErrDuplicatePrefix) {
		t.Fatalf("Add duplicate err = %v, want ErrDuplicatePrefix", err)
	}
	addCourier(t, r, "ab", "AB")

	a := NewAllocator(AllocatorConfig{}, st, logx.Nop())
	seen := make(map[string]string)
	for i := 0; i < 11; i++ {
		for _, id := range []string{"a", "ab"} {
			got, err := a.Allocate(ctx, id)
			if err != nil {
				t.Fatalf("Allocate %s: %v", id, err)
			}
			if prev, dup := seen[got]; dup {
				t.Fatalf("%s issued to %s and %s", got, prev, id)
			}
			seen[got] = id
		}
	}
}
