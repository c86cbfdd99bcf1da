package sessions

import (
	"context"
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

// SweepConfig configures the liveness sweep loop. Grounded on the
// teacher's internal/heartbeat.Runner ticker/stop-channel shape,
// generalized from one per-session ack-delivery loop to a single
// periodic sweep over the whole registry.
type SweepConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultSweepConfig returns a 30s sweep interval and a timeout of five
// missed intervals.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{Interval: 30 * time.Second, Timeout: 150 * time.Second}
}

// Sweeper periodically evicts sessions that have gone silent past the
// configured timeout.
type Sweeper struct {
	registry *Registry
	config   SweepConfig
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper builds a Sweeper bound to registry.
func NewSweeper(registry *Registry, config SweepConfig) *Sweeper {
	if config.Interval <= 0 {
		config = DefaultSweepConfig()
	}
	return &Sweeper{registry: registry, config: config}
}

// Start begins the sweep loop in a background goroutine. Stop or context
// cancellation ends the loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	ticker := time.NewTicker(s.config.Interval)

	go func() {
		defer ticker.Stop()
		defer close(s.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Sweep evicts every session whose last heartbeat is older than the
// configured timeout, emitting heartbeat:timeout followed by the normal
// Disconnect events for each. Exported so tests and callers can trigger an
// out-of-band sweep without waiting on the ticker.
func (s *Sweeper) Sweep() {
	cutoff := time.Now().Add(-s.config.Timeout)

	for _, session := range s.registry.Snapshot() {
		if session.LastHeartbeat.After(cutoff) {
			continue
		}
		if s.registry.onEmit != nil {
			s.registry.onEmit(models.Event{
				Kind:    models.EventHeartbeatTimeout,
				AgentID: session.AgentID,
			})
		}
		s.registry.Disconnect(session.SessionID)
		if s.registry.metrics != nil {
			s.registry.metrics.HeartbeatDrops.Inc()
		}
	}
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}
