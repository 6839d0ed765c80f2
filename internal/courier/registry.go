// Package courier manages courier partners and allocates tracking ids from
// their counters.
package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"slipdesk/internal/clock"
	"slipdesk/internal/domain"
	"slipdesk/internal/eventbus"
	"slipdesk/internal/storage"
	logx "slipdesk/pkg/logx"

	"github.com/google/uuid"
)

var ErrToggleAssigned = errors.New("another courier already carries the express master toggle")

const updateRetries = 8

type AddInput struct {
	ID           string // generated when empty
	Name         string
	Prefix       string
	Charges      map[domain.Method]float64
	Active       bool
	StartCounter uint64
	// ExpressToggle assigns the express master toggle; refused if another
	// courier already has it.
	ExpressToggle bool
}

// UpdateInput carries optional changes. Nil fields are left alone.
type UpdateInput struct {
	Name    *string
	Charges map[domain.Method]float64
	Active  *bool
}

// Registry is the courier partner registry.
type Registry struct {
	store storage.Store
	clock clock.Clock
	bus   eventbus.Bus
	log   logx.Logger

	// toggleMu serialises changes to the express master toggle.
	toggleMu sync.Mutex
}

func NewRegistry(store storage.Store, clk clock.Clock, bus eventbus.Bus, log logx.Logger) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, clock: clk, bus: bus, log: log.With(logx.String("comp", "couriers"))}
}

func (r *Registry) Add(ctx context.Context, in AddInput, actor string) (domain.Courier, error) {
	prefix, err := domain.NormalizePrefix(in.Prefix)
	if err != nil {
		return domain.Courier{}, err
	}
	if err := validateCharges(in.Charges); err != nil {
		return domain.Courier{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = prefix
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}

	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()
	if in.ExpressToggle {
		if holder, ok, err := r.toggleHolder(ctx); err != nil {
			return domain.Courier{}, err
		} else if ok {
			return domain.Courier{}, fmt.Errorf("%w (%s)", ErrToggleAssigned, holder.ID)
		}
	}

	now := r.clock.Now()
	c, err := r.store.InsertCourier(ctx, domain.Courier{
		ID:                    id,
		Name:                  name,
		Prefix:                prefix,
		Counter:               in.StartCounter,
		Charges:               in.Charges,
		IsExpressMasterToggle: in.ExpressToggle,
		Active:                in.Active,
		CreatedAt:             now,
		UpdatedAt:             now,
	})
	r.audit(ctx, actor, "courier.add", id, err)
	if err != nil {
		return domain.Courier{}, err
	}
	r.publish(c.ID, "add")
	r.log.Info("courier added", logx.String("id", c.ID), logx.String("prefix", c.Prefix))
	return c, nil
}

func (r *Registry) Update(ctx context.Context, id string, in UpdateInput, actor string) (domain.Courier, error) {
	if in.Charges != nil {
		if err := validateCharges(in.Charges); err != nil {
			return domain.Courier{}, err
		}
	}
	c, err := r.modify(ctx, id, func(c *domain.Courier) error {
		if in.Name != nil {
			if n := strings.TrimSpace(*in.Name); n != "" {
				c.Name = n
			}
		}
		if in.Charges != nil {
			c.Charges = in.Charges
		}
		if in.Active != nil {
			c.Active = *in.Active
		}
		return nil
	})
	r.audit(ctx, actor, "courier.update", id, err)
	if err == nil {
		r.publish(id, "update")
	}
	return c, err
}

// RaiseCounter moves the counter forward (e.g. after importing slips issued
// elsewhere). Lowering it would reissue ids and is refused.
func (r *Registry) RaiseCounter(ctx context.Context, id string, to uint64, actor string) (domain.Courier, error) {
	c, err := r.modify(ctx, id, func(c *domain.Courier) error {
		if to < c.Counter {
			return fmt.Errorf("%w: %d < %d", domain.ErrCounterRegression, to, c.Counter)
		}
		c.Counter = to
		return nil
	})
	r.audit(ctx, actor, "courier.raise_counter", id, err)
	if err == nil {
		r.publish(id, "raise_counter")
	}
	return c, err
}

// Delete soft-deletes a courier. Its prefix stays reserved.
func (r *Registry) Delete(ctx context.Context, id string, actor string) error {
	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()
	_, err := r.modify(ctx, id, func(c *domain.Courier) error {
		if c.IsExpressMasterToggle {
			return fmt.Errorf("delete %s: %w", id, domain.ErrCourierProtected)
		}
		c.Deleted = true
		c.Active = false
		return nil
	})
	r.audit(ctx, actor, "courier.delete", id, err)
	if err == nil {
		r.publish(id, "delete")
		r.log.Info("courier deleted", logx.String("id", id))
	}
	return err
}

// SetExpressToggle moves the express master toggle to id.
func (r *Registry) SetExpressToggle(ctx context.Context, id string, actor string) error {
	r.toggleMu.Lock()
	defer r.toggleMu.Unlock()

	target, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if target.Deleted {
		return fmt.Errorf("express toggle %s: %w", id, domain.ErrCourierNotFound)
	}
	holder, ok, err := r.toggleHolder(ctx)
	if err != nil {
		return err
	}
	if ok && holder.ID == id {
		return nil
	}
	// Set the new holder first so there is never a moment without one.
	if _, err := r.modify(ctx, id, func(c *domain.Courier) error {
		c.IsExpressMasterToggle = true
		return nil
	}); err != nil {
		r.audit(ctx, actor, "courier.express_toggle", id, err)
		return err
	}
	if ok {
		if _, err := r.modify(ctx, holder.ID, func(c *domain.Courier) error {
			c.IsExpressMasterToggle = false
			return nil
		}); err != nil {
			r.audit(ctx, actor, "courier.express_toggle", id, err)
			return err
		}
	}
	r.audit(ctx, actor, "courier.express_toggle", id, nil)
	r.publish(id, "express_toggle")
	return nil
}

// ExpressOffered reports whether express mode is available system-wide.
func (r *Registry) ExpressOffered(ctx context.Context) (bool, error) {
	holder, ok, err := r.toggleHolder(ctx)
	if err != nil || !ok {
		return false, err
	}
	return holder.Active && !holder.Deleted, nil
}

func (r *Registry) Get(ctx context.Context, id string) (domain.Courier, error) {
	c, err := r.store.GetCourier(ctx, id)
	if err != nil {
		return domain.Courier{}, fmt.Errorf("courier %s: %w", id, err)
	}
	return c, nil
}

func (r *Registry) List(ctx context.Context, includeDeleted bool) ([]domain.Courier, error) {
	all, err := r.store.ListCouriers(ctx)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return all, nil
	}
	out := all[:0]
	for _, c := range all {
		if !c.Deleted {
			out = append(out, c)
		}
	}
	return out, nil
}

// Charge returns the per-slip charge for a live courier and method.
func (r *Registry) Charge(ctx context.Context, id string, m domain.Method) (float64, error) {
	if !m.Valid() {
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidMethod, m)
	}
	c, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Deleted {
		return 0, fmt.Errorf("courier %s deleted: %w", id, domain.ErrCourierNotFound)
	}
	return c.Charge(m), nil
}

// modify re-reads and retries when the allocator bumps the version underneath.
func (r *Registry) modify(ctx context.Context, id string, fn func(*domain.Courier) error) (domain.Courier, error) {
	var lastErr error
	for i := 0; i < updateRetries; i++ {
		c, err := r.Get(ctx, id)
		if err != nil {
			return domain.Courier{}, err
		}
		if c.Deleted {
			return domain.Courier{}, fmt.Errorf("courier %s deleted: %w", id, domain.ErrCourierNotFound)
		}
		if err := fn(&c); err != nil {
			return domain.Courier{}, err
		}
		c.UpdatedAt = r.clock.Now()
		out, err := r.store.UpdateCourier(ctx, c)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.Courier{}, err
		}
		lastErr = err
	}
	return domain.Courier{}, lastErr
}

func (r *Registry) toggleHolder(ctx context.Context) (domain.Courier, bool, error) {
	all, err := r.store.ListCouriers(ctx)
	if err != nil {
		return domain.Courier{}, false, err
	}
	for _, c := range all {
		if c.IsExpressMasterToggle {
			return c, true, nil
		}
	}
	return domain.Courier{}, false, nil
}

func (r *Registry) audit(ctx context.Context, actor, action, target string, err error) {
	e := storage.AuditEntry{At: r.clock.Now(), Actor: actor, Action: action, Target: target, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := r.store.AppendAudit(ctx, e); aerr != nil {
		r.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (r *Registry) publish(id, action string) {
	r.bus.Publish(eventbus.Event{
		Type: eventbus.CourierChanged,
		Time: r.clock.Now(),
		Data: eventbus.CourierEvent{CourierID: id, Action: action},
	})
}

func validateCharges(ch map[domain.Method]float64) error {
	for m, v := range ch {
		if !m.Valid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidMethod, m)
		}
		if v < 0 {
			return fmt.Errorf("%w: %s = %v", domain.ErrInvalidCharge, m, v)
		}
	}
	return nil
}
