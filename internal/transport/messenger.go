// Package transport delivers outbound text messages to customers and
// operators over the configured channels.
package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"
)

// Messenger sends one text message. A nil error means the channel accepted
// the message; there is no partial success.
type Messenger interface {
	Send(ctx context.Context, to domain.Contact, text string) error
	Name() string
}

// Router picks a Messenger by the contact's channel, falling back to the
// default for contacts without one.
type Router struct {
	mu        sync.RWMutex
	byChannel map[domain.Channel]Messenger
	def       Messenger
}

func NewRouter(def Messenger) *Router {
	return &Router{byChannel: map[domain.Channel]Messenger{}, def: def}
}

func (r *Router) Register(ch domain.Channel, m Messenger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m == nil {
		delete(r.byChannel, ch)
		return
	}
	r.byChannel[ch] = m
}

// SetDefault replaces the fallback messenger.
func (r *Router) SetDefault(m Messenger) {
	r.mu.Lock()
	r.def = m
	r.mu.Unlock()
}

// Resolve returns the messenger for ch. An explicit channel with no
// registered messenger is an error rather than a silent fallback.
func (r *Router) Resolve(ch domain.Channel) (Messenger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ch != "" {
		if m, ok := r.byChannel[ch]; ok {
			return m, nil
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrNoMessenger, ch)
	}
	if r.def == nil {
		return nil, fmt.Errorf("%w: no default", domain.ErrNoMessenger)
	}
	return r.def, nil
}

func (r *Router) Send(ctx context.Context, to domain.Contact, text string) error {
	m, err := r.Resolve(to.Channel)
	if err != nil {
		return err
	}
	return m.Send(ctx, to, text)
}

func (r *Router) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byChannel))
	for ch, m := range r.byChannel {
		names = append(names, string(ch)+"="+m.Name())
	}
	sort.Strings(names)
	return "router(" + strings.Join(names, ",") + ")"
}

// LogMessenger writes messages to the log and always succeeds. It is the
// dry-run channel.
type LogMessenger struct {
	Log logx.Logger
}

func (m LogMessenger) Name() string { return "log" }

func (m LogMessenger) Send(ctx context.Context, to domain.Contact, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := m.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log.Info("outbound message",
		logx.String("to", to.ID),
		logx.String("dest", to.Destination()),
		logx.Int("chars", len([]rune(text))),
		logx.String("text", text),
	)
	return nil
}
