// Package events implements a typed in-process publish/subscribe bus:
// synchronous, ordered delivery per kind, with client-side and
// server-side facets sharing one dispatch core. The monotonic sequencing,
// typed event struct, and pluggable sink follow
// internal/agent/event_emitter.go + event_sink.go, generalized from one
// agent run's fixed event set to the full closed taxonomy in pkg/models.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// Handler receives one delivered event.
type Handler func(models.Event)

// Subscription is an opaque handle returned by Subscribe/Once, passed back
// to Unsubscribe. It replaces the "listen once and unsubscribe on first
// match" idiom from the source material with an explicit, owner-held
// handle.
type Subscription struct {
	id   uint64
	kind models.EventKind
}

type registration struct {
	id      uint64
	handler Handler
	once    bool
}

// Core is the shared synchronous dispatch table used by both bus facets.
// emit() delivers to the subscriber list captured at the start of
// delivery: subscribers added during delivery are not invoked until the
// next emit.
type Core struct {
	mu      sync.Mutex
	subs    map[models.EventKind][]registration
	nextID  uint64
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewCore builds an empty dispatch core. metrics/logger may be nil for
// tests that don't care about instrumentation.
func NewCore(metrics *observability.Metrics, logger *observability.Logger) *Core {
	return &Core{
		subs:    make(map[models.EventKind][]registration),
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe registers handler for kind, invoked on every future Emit of
// that kind until Unsubscribe is called.
func (c *Core) Subscribe(kind models.EventKind, handler Handler) Subscription {
	return c.add(kind, handler, false)
}

// Once registers handler for kind; it auto-unsubscribes after the first
// delivery.
func (c *Core) Once(kind models.EventKind, handler Handler) Subscription {
	return c.add(kind, handler, true)
}

func (c *Core) add(kind models.EventKind, handler Handler, once bool) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.subs[kind] = append(c.subs[kind], registration{id: id, handler: handler, once: once})
	return Subscription{id: id, kind: kind}
}

// Unsubscribe removes the handler identified by sub. It is a no-op if the
// subscription has already been removed (e.g. by a prior Once delivery).
func (c *Core) Unsubscribe(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := c.subs[sub.kind]
	for i, r := range regs {
		if r.id == sub.id {
			c.subs[sub.kind] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Emit delivers event to every subscriber of event.Kind currently
// registered, synchronously and in subscription order. A handler panic is
// recovered and re-emitted as a generic agent:error event rather than
// aborting delivery to the remaining subscribers.
func (c *Core) Emit(event models.Event) {
	if event.Timestamp == 0 {
		event.Timestamp = models.NowMs()
	}

	c.mu.Lock()
	regs := append([]registration(nil), c.subs[event.Kind]...)
	var onceIDs map[uint64]bool
	for _, r := range regs {
		if r.once {
			if onceIDs == nil {
				onceIDs = make(map[uint64]bool)
			}
			onceIDs[r.id] = true
		}
	}
	if onceIDs != nil {
		remaining := c.subs[event.Kind][:0:0]
		for _, r := range c.subs[event.Kind] {
			if !onceIDs[r.id] {
				remaining = append(remaining, r)
			}
		}
		c.subs[event.Kind] = remaining
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.EventsEmitted.WithLabelValues(string(event.Kind)).Inc()
	}

	for _, r := range regs {
		c.deliver(r, event)
	}
}

func (c *Core) deliver(r registration, event models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			if c.metrics != nil {
				c.metrics.EventHandlerErr.WithLabelValues(string(event.Kind)).Inc()
			}
			if c.logger != nil {
				c.logger.Error(context.Background(), "event handler panicked", "kind", event.Kind, "panic", fmt.Sprint(rec))
			}
			c.Emit(models.Event{
				Kind: models.EventAgentError,
				Data: map[string]any{"source_kind": event.Kind, "panic": fmt.Sprint(rec)},
			})
		}
	}()

	r.handler(event)
	if c.metrics != nil {
		c.metrics.EventsDelivered.WithLabelValues(string(event.Kind)).Inc()
	}
}
