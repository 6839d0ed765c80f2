package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"slipdesk/internal/eventbus"
	rtsup "slipdesk/internal/runtime/supervisor"
	logx "slipdesk/pkg/logx"
)

// Worker is the periodic loop driving Scheduler.RunPass. It wakes every
// Config.Tick and also when settings change or a failed slip is reset.
type Worker struct {
	sched *Scheduler
	bus   eventbus.Bus
	log   logx.Logger

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	unsub func()
	kick  chan struct{}
}

func NewWorker(sched *Scheduler, bus eventbus.Bus, log logx.Logger) *Worker {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{sched: sched, bus: bus, log: log.With(logx.String("comp", "dispatch.worker")), kick: make(chan struct{}, 1)}
}

// Kick requests a pass as soon as possible.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sup != nil
}

// Start is idempotent. A disabled dispatch config leaves the worker stopped.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sup != nil || !w.sched.Config().Enabled {
		return
	}
	w.sup = rtsup.New(ctx, rtsup.WithLogger(w.log))
	events, unsub := w.bus.Subscribe(16, eventbus.SettingsChanged, eventbus.FailureReset)
	w.unsub = unsub

	w.sup.Go0("dispatch.kicks", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				w.Kick()
			}
		}
	})
	w.sup.GoRestart("dispatch.loop", w.loop, rtsup.WithRestartBackoff(time.Second, time.Minute))
	w.log.Info("dispatch worker started", logx.Duration("tick", w.sched.Config().Tick))
}

// Stop waits for the current pass to finish, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	sup, unsub := w.sup, w.unsub
	w.sup, w.unsub = nil, nil
	w.mu.Unlock()
	if sup == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		w.log.Warn("dispatch worker stop timed out")
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	tick := w.sched.Config().Tick
	t := time.NewTicker(tick)
	defer t.Stop()

	w.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-w.kick:
		}
		w.pass(ctx)
		if next := w.sched.Config().Tick; next != tick {
			tick = next
			t.Reset(tick)
			w.log.Info("dispatch tick changed", logx.Duration("tick", tick))
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	res, err := w.sched.RunPass(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("dispatch pass failed", logx.Err(err))
		}
		return
	}
	if res.Sends > 0 || res.Failed > 0 {
		w.log.Debug("dispatch pass",
			logx.Int("sends", res.Sends),
			logx.Int("notified", res.Notified),
			logx.Int("failed", res.Failed),
			logx.String("next", res.Decision.Kind.String()),
		)
	}
}
