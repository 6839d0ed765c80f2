// Package slip owns the slip lifecycle: creation with a freshly allocated
// tracking id, weighing and packing, cancellation, and the notification
// bookkeeping written by the dispatch scheduler.
package slip

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"slipdesk/internal/clock"
	"slipdesk/internal/document"
	"slipdesk/internal/domain"
	"slipdesk/internal/eventbus"
	"slipdesk/internal/storage"
	logx "slipdesk/pkg/logx"
)

const updateRetries = 8

// errUnchanged lets a mutation report that nothing needs writing.
var errUnchanged = errors.New("unchanged")

type Allocator interface {
	Allocate(ctx context.Context, courierID string) (string, error)
}

// Charger prices a slip for a courier and method.
type Charger interface {
	Charge(ctx context.Context, courierID string, m domain.Method) (float64, error)
}

type Renderer interface {
	Render(s domain.Slip) (document.Document, error)
}

// Backoff decides what happens after the n-th failed delivery: retry after
// delay, or stop retrying when retry is false.
type Backoff func(attempts int) (delay time.Duration, retry bool)

type Deps struct {
	Store     storage.Store
	Allocator Allocator
	Charger   Charger
	Renderer  Renderer
	Clock     clock.Clock
	Bus       eventbus.Bus
	Log       logx.Logger
}

type CreateInput struct {
	Customer        domain.Contact
	Sender          domain.Contact
	CourierID       string
	Method          domain.Method
	NumberOfBoxes   int
	IsToPayShipping bool
	GeneratedBy     string
}

type Service struct {
	store    storage.Store
	alloc    Allocator
	charger  Charger
	renderer Renderer
	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger
}

func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Service{
		store:    d.Store,
		alloc:    d.Allocator,
		charger:  d.Charger,
		renderer: d.Renderer,
		clock:    d.Clock,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "slips")),
	}
}

// Create validates the input, prices it, allocates a tracking id and stores a
// draft slip. An id allocated for an insert that then fails is never reused.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Slip, error) {
	if in.NumberOfBoxes < 1 {
		return domain.Slip{}, fmt.Errorf("%w: got %d", domain.ErrInvalidBoxCount, in.NumberOfBoxes)
	}
	if !in.Method.Valid() {
		return domain.Slip{}, fmt.Errorf("%w: %q", domain.ErrInvalidMethod, in.Method)
	}
	if strings.TrimSpace(in.Customer.ID) == "" {
		return domain.Slip{}, domain.ErrMissingCustomer
	}
	charge, err := s.charger.Charge(ctx, in.CourierID, in.Method)
	if err != nil {
		return domain.Slip{}, fmt.Errorf("create slip: %w", err)
	}
	id, err := s.alloc.Allocate(ctx, in.CourierID)
	if err != nil {
		return domain.Slip{}, fmt.Errorf("create slip: %w", err)
	}

	now := s.clock.Now()
	sl := domain.Slip{
		TrackingID:      id,
		Customer:        in.Customer,
		Sender:          in.Sender,
		CourierID:       in.CourierID,
		Method:          in.Method,
		NumberOfBoxes:   in.NumberOfBoxes,
		BoxWeights:      domain.ReconcileWeights(nil, in.NumberOfBoxes),
		Charges:         charge,
		Status:          domain.StatusDraft,
		IsToPayShipping: in.IsToPayShipping,
		GeneratedBy:     in.GeneratedBy,
		GeneratedAt:     now,
		UpdatedAt:       now,
	}
	out, err := s.store.InsertSlip(ctx, sl)
	if err != nil {
		s.log.Error("slip insert failed; tracking id retired", logx.String("tracking_id", id), logx.Err(err))
		return domain.Slip{}, fmt.Errorf("create slip %s: %w", id, err)
	}
	s.audit(ctx, in.GeneratedBy, "slip.create", id, nil)
	s.publish(eventbus.SlipCreated, out, in.GeneratedBy, "")
	s.log.Info("slip created",
		logx.String("tracking_id", id),
		logx.String("courier", in.CourierID),
		logx.String("customer", in.Customer.ID),
		logx.Int("boxes", in.NumberOfBoxes),
	)
	return out, nil
}

// RecordWeights stores box weights. complete is the operator's explicit
// packing confirmation; it moves a draft to packed once every box has weight.
func (s *Service) RecordWeights(ctx context.Context, id string, weights []float64, complete bool) (domain.Slip, error) {
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return domain.Slip{}, fmt.Errorf("%w: box %d = %v", domain.ErrInvalidWeight, i+1, w)
		}
	}
	packed := false
	out, err := s.update(ctx, id, func(sl *domain.Slip) error {
		packed = false
		if sl.Cancelled() {
			return domain.ErrSlipCancelled
		}
		sl.BoxWeights = domain.ReconcileWeights(weights, sl.NumberOfBoxes)
		sl.Weight = domain.SumWeights(sl.BoxWeights)
		if !complete || sl.Status == domain.StatusPacked {
			return nil
		}
		for _, w := range sl.BoxWeights {
			if w <= 0 {
				return domain.ErrIncompleteWeights
			}
		}
		sl.Status = domain.StatusPacked
		packed = true
		return nil
	})
	if err != nil {
		return domain.Slip{}, err
	}
	if packed {
		s.publish(eventbus.SlipPacked, out, "", "")
	}
	return out, nil
}

// SetBoxCount changes the number of boxes of a draft slip.
func (s *Service) SetBoxCount(ctx context.Context, id string, n int) (domain.Slip, error) {
	if n < 1 {
		return domain.Slip{}, fmt.Errorf("%w: got %d", domain.ErrInvalidBoxCount, n)
	}
	return s.update(ctx, id, func(sl *domain.Slip) error {
		switch {
		case sl.Cancelled():
			return domain.ErrSlipCancelled
		case sl.Status != domain.StatusDraft:
			return fmt.Errorf("%w: box count is fixed once %s", domain.ErrInvalidTransition, sl.State())
		case sl.NumberOfBoxes == n:
			return errUnchanged
		}
		sl.NumberOfBoxes = n
		sl.BoxWeights = domain.ReconcileWeights(sl.BoxWeights, n)
		sl.Weight = domain.SumWeights(sl.BoxWeights)
		return nil
	})
}

// Cancel retires a draft or packed slip. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, id, actor string) (domain.Slip, error) {
	changed := false
	out, err := s.update(ctx, id, func(sl *domain.Slip) error {
		changed = false
		if sl.Cancelled() {
			return errUnchanged
		}
		if sl.Notified {
			return fmt.Errorf("%w: slip already notified", domain.ErrInvalidTransition)
		}
		sl.Status = domain.StatusCancelled
		changed = true
		return nil
	})
	if err != nil {
		s.audit(ctx, actor, "slip.cancel", id, err)
		return domain.Slip{}, err
	}
	if changed {
		s.audit(ctx, actor, "slip.cancel", id, nil)
		s.publish(eventbus.SlipCancelled, out, actor, "")
		s.log.Info("slip cancelled", logx.String("tracking_id", id), logx.String("actor", actor))
	}
	return out, nil
}

// MarkNotified records a confirmed delivery. It succeeds once per slip.
func (s *Service) MarkNotified(ctx context.Context, id, messageID string) (domain.Slip, error) {
	out, err := s.update(ctx, id, func(sl *domain.Slip) error {
		if sl.Notified {
			return domain.ErrAlreadyNotified
		}
		if sl.Cancelled() {
			return domain.ErrSlipCancelled
		}
		sl.Notified = true
		sl.NotifiedAt = s.clock.Now()
		sl.MessageID = messageID
		sl.NotificationFailed = false
		sl.FailureReason = ""
		sl.NextAttemptAt = time.Time{}
		sl.InFlightSince = time.Time{}
		return nil
	})
	if err != nil {
		return domain.Slip{}, err
	}
	s.audit(ctx, "dispatch", "slip.notified", id, nil)
	s.publish(eventbus.SlipNotified, out, "", "")
	return out, nil
}

// BeginDispatch persists the in-flight marker before the transport is called.
func (s *Service) BeginDispatch(ctx context.Context, id string) (domain.Slip, error) {
	return s.update(ctx, id, func(sl *domain.Slip) error {
		switch {
		case sl.Notified:
			return domain.ErrAlreadyNotified
		case sl.Cancelled():
			return domain.ErrSlipCancelled
		case !sl.InFlightSince.IsZero():
			return domain.ErrDispatchInFlight
		}
		sl.InFlightSince = s.clock.Now()
		return nil
	})
}

// AbortDispatch clears the in-flight marker without counting an attempt.
func (s *Service) AbortDispatch(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(sl *domain.Slip) error {
		if sl.InFlightSince.IsZero() {
			return errUnchanged
		}
		sl.InFlightSince = time.Time{}
		return nil
	})
	return err
}

// RecordDeliveryFailure counts a failed attempt. backoff decides whether the
// slip is retried later or becomes NotificationFailed. A slip cancelled while
// the send was in flight only has its in-flight marker cleared.
func (s *Service) RecordDeliveryFailure(ctx context.Context, id, reason string, backoff Backoff) (domain.Slip, error) {
	terminal := false
	out, err := s.update(ctx, id, func(sl *domain.Slip) error {
		if sl.Notified {
			return domain.ErrAlreadyNotified
		}
		if sl.Cancelled() {
			return releaseCancelled(sl)
		}
		sl.Attempts++
		sl.FailureReason = reason
		sl.InFlightSince = time.Time{}
		delay, retry := backoff(sl.Attempts)
		terminal = !retry
		if retry {
			sl.NextAttemptAt = s.clock.Now().Add(delay)
			return nil
		}
		sl.NotificationFailed = true
		sl.NextAttemptAt = time.Time{}
		return nil
	})
	if err != nil {
		return domain.Slip{}, err
	}
	if out.Cancelled() {
		return out, nil
	}
	if terminal {
		s.audit(ctx, "dispatch", "slip.notification_failed", id, errors.New(reason))
		s.publish(eventbus.NotificationFailed, out, "", reason)
		s.log.Warn("slip notification failed permanently",
			logx.String("tracking_id", id),
			logx.Int("attempts", out.Attempts),
			logx.String("reason", reason),
		)
	} else {
		s.publish(eventbus.DeliveryFailed, out, "", reason)
	}
	return out, nil
}

// MarkNotificationFailed moves a slip straight to NotificationFailed, e.g. when
// a crash left its delivery outcome unknown.
func (s *Service) MarkNotificationFailed(ctx context.Context, id, reason string) (domain.Slip, error) {
	out, err := s.update(ctx, id, func(sl *domain.Slip) error {
		if sl.Notified {
			return domain.ErrAlreadyNotified
		}
		if sl.Cancelled() {
			return releaseCancelled(sl)
		}
		sl.NotificationFailed = true
		sl.FailureReason = reason
		sl.InFlightSince = time.Time{}
		sl.NextAttemptAt = time.Time{}
		return nil
	})
	if err != nil {
		return domain.Slip{}, err
	}
	if out.Cancelled() {
		return out, nil
	}
	s.audit(ctx, "dispatch", "slip.notification_failed", id, errors.New(reason))
	s.publish(eventbus.NotificationFailed, out, "", reason)
	return out, nil
}

// releaseCancelled clears the in-flight marker of a cancelled slip. Cancelled
// slips never count attempts or become NotificationFailed.
func releaseCancelled(sl *domain.Slip) error {
	if sl.InFlightSince.IsZero() {
		return errUnchanged
	}
	sl.InFlightSince = time.Time{}
	return nil
}

// ResetFailure makes a failed slip a candidate again.
func (s *Service) ResetFailure(ctx context.Context, id, actor string) (domain.Slip, error) {
	changed := false
	out, err := s.update(ctx, id, func(sl *domain.Slip) error {
		changed = false
		switch {
		case sl.Notified:
			return domain.ErrAlreadyNotified
		case sl.Cancelled():
			return domain.ErrSlipCancelled
		case !sl.NotificationFailed:
			return errUnchanged
		}
		sl.NotificationFailed = false
		sl.FailureReason = ""
		sl.Attempts = 0
		sl.NextAttemptAt = time.Time{}
		changed = true
		return nil
	})
	s.audit(ctx, actor, "slip.reset_failure", id, err)
	if err != nil {
		return domain.Slip{}, err
	}
	if changed {
		s.publish(eventbus.FailureReset, out, actor, "")
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Slip, error) {
	return s.store.GetSlip(ctx, id)
}

func (s *Service) List(ctx context.Context, f storage.SlipFilter) ([]domain.Slip, error) {
	return s.store.ListSlips(ctx, f)
}

// Pending lists slips that still owe a notification, oldest first.
func (s *Service) Pending(ctx context.Context) ([]domain.Slip, error) {
	return s.store.ListSlips(ctx, storage.SlipFilter{OnlyPending: true})
}

// Failed lists slips in NotificationFailed, oldest first.
func (s *Service) Failed(ctx context.Context, limit int) ([]domain.Slip, error) {
	return s.store.ListSlips(ctx, storage.SlipFilter{OnlyFailed: true, Limit: limit})
}

// Render produces the printable document of a packed slip.
func (s *Service) Render(ctx context.Context, id string) (document.Document, error) {
	sl, err := s.store.GetSlip(ctx, id)
	if err != nil {
		return document.Document{}, err
	}
	if sl.Cancelled() {
		return document.Document{}, fmt.Errorf("render %s: %w", id, domain.ErrSlipCancelled)
	}
	if sl.Status != domain.StatusPacked {
		return document.Document{}, fmt.Errorf("render %s: %w", id, domain.ErrNotPacked)
	}
	if s.renderer == nil {
		return document.Document{}, errors.New("no document renderer configured")
	}
	return s.renderer.Render(sl)
}

// update re-reads and retries on version conflicts. fn may return
// errUnchanged to skip the write.
func (s *Service) update(ctx context.Context, id string, fn func(*domain.Slip) error) (domain.Slip, error) {
	var lastErr error
	for i := 0; i < updateRetries; i++ {
		cur, err := s.store.GetSlip(ctx, id)
		if err != nil {
			return domain.Slip{}, err
		}
		next := cur.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, errUnchanged) {
				return cur, nil
			}
			return domain.Slip{}, fmt.Errorf("slip %s: %w", id, err)
		}
		next.UpdatedAt = s.clock.Now()
		out, err := s.store.UpdateSlip(ctx, next)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.Slip{}, err
		}
		lastErr = err
	}
	return domain.Slip{}, fmt.Errorf("slip %s: %w", id, lastErr)
}

func (s *Service) audit(ctx context.Context, actor, action, target string, err error) {
	e := storage.AuditEntry{At: s.clock.Now(), Actor: actor, Action: action, Target: target, OK: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (s *Service) publish(typ string, sl domain.Slip, actor, reason string) {
	now := s.clock.Now()
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: now,
		Data: eventbus.SlipEvent{
			TrackingID: sl.TrackingID,
			CustomerID: sl.Customer.ID,
			CourierID:  sl.CourierID,
			MessageID:  sl.MessageID,
			Attempts:   sl.Attempts,
			Reason:     reason,
			Actor:      actor,
			At:         now,
		},
	})
}
