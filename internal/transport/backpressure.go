package transport

import (
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

// essentialKinds are never dropped under backpressure: result, error, and
// state-change events.
var essentialKinds = map[models.EventKind]bool{
	models.EventMCPToolResult:     true,
	models.EventMCPToolError:      true,
	models.EventTaskCompleted:     true,
	models.EventTaskFailed:        true,
	models.EventAgentDisconnected: true,
	models.EventDAGCycleDetected:  true,
	models.EventORPARError:        true,
}

// BoundedSender wraps a Sender with a bounded outbound queue per session.
// Non-essential kinds are dropped (with a counter increment) when the
// queue is full; essential kinds block the producer briefly and, on
// sustained pressure, the session is disconnected.
type BoundedSender struct {
	queue    chan models.Event
	inner    interface{ Send(models.Event) error }
	dropped  func(models.EventKind)
	blockFor time.Duration
	done     chan struct{}
}

// NewBoundedSender starts a background drain loop forwarding queued events
// to inner. capacity bounds the outbound queue; blockFor is how long an
// essential-kind send may block before the caller is told to disconnect.
func NewBoundedSender(inner interface{ Send(models.Event) error }, capacity int, blockFor time.Duration, dropped func(models.EventKind)) *BoundedSender {
	b := &BoundedSender{
		queue:    make(chan models.Event, capacity),
		inner:    inner,
		dropped:  dropped,
		blockFor: blockFor,
		done:     make(chan struct{}),
	}
	go b.drain()
	return b
}

func (b *BoundedSender) drain() {
	for {
		select {
		case e, ok := <-b.queue:
			if !ok {
				return
			}
			_ = b.inner.Send(e)
		case <-b.done:
			return
		}
	}
}

// Enqueue attempts to queue event for send. It returns false when the
// caller should treat this as sustained pressure and disconnect the
// session (only possible for essential kinds, which never silently drop).
func (b *BoundedSender) Enqueue(event models.Event) bool {
	select {
	case b.queue <- event:
		return true
	default:
	}

	if !essentialKinds[event.Kind] {
		if b.dropped != nil {
			b.dropped(event.Kind)
		}
		return true
	}

	timer := time.NewTimer(b.blockFor)
	defer timer.Stop()
	select {
	case b.queue <- event:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops the drain loop.
func (b *BoundedSender) Close() {
	close(b.done)
}
