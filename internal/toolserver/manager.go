package toolserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// ProcessFactory builds the Process for a server config. Tests substitute
// a fake; production wires NewStdioProcess (or an HTTP equivalent).
type ProcessFactory func(ServerConfig) Process

type managedServer struct {
	config  ServerConfig
	process Process
	state   State
	mu      sync.Mutex

	// consecutiveFailures counts unbroken failed health probes; a single
	// success resets it. restartAttempts counts restarts tried since the
	// server was last healthy; it persists across health-check cycles so
	// the MaxRestartAttempts cap applies to the server's whole unhealthy
	// episode, not to one probe.
	consecutiveFailures int
	restartAttempts     int
}

func (s *managedServer) failureThreshold() int {
	if s.config.MaxConsecutiveFailures > 0 {
		return s.config.MaxConsecutiveFailures
	}
	return 3
}

func (s *managedServer) restartBudget() int {
	if s.config.MaxRestartAttempts > 0 {
		return s.config.MaxRestartAttempts
	}
	return 3
}

// Manager runs the external tool-server lifecycle state machine, adapted
// from mcp.Manager's map of connected clients, generalized with explicit
// states and automatic restart capped by MaxRestartAttempts. Restarts
// have no backoff delay; each failed probe past the threshold triggers
// one immediate restart attempt.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*managedServer
	factory ProcessFactory

	registry interface {
		RegisterExternal(models.ToolDefinition, string) bool
		UnregisterSource(string)
	}

	metrics *observability.Metrics
	logger  *observability.Logger
	onEmit  func(models.Event)
}

// New builds a Manager. registry receives external tool definitions
// discovered from each server; onEmit is wired to the server event bus.
func New(factory ProcessFactory, registry interface {
	RegisterExternal(models.ToolDefinition, string) bool
	UnregisterSource(string)
}, metrics *observability.Metrics, logger *observability.Logger, onEmit func(models.Event)) *Manager {
	return &Manager{
		servers:  make(map[string]*managedServer),
		factory:  factory,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		onEmit:   onEmit,
	}
}

// RegisterServer adds a server configuration in the "registered" state
// without spawning it. If AutoStart is set, the caller should follow with
// Spawn.
func (m *Manager) RegisterServer(cfg ServerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[cfg.ID] = &managedServer{config: cfg, state: StateRegistered}
	m.emit(models.EventMCPExternalServerRegister, cfg.ID, nil)
}

// Spawn transitions a registered (or stopped) server through
// spawning -> running; if the process fails to start, the server is left
// stopped.
func (m *Manager) Spawn(ctx context.Context, serverID string) error {
	m.mu.RLock()
	s, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("toolserver: server %q not registered", serverID)
	}

	s.mu.Lock()
	s.state = StateSpawning
	cfg := s.config
	s.mu.Unlock()
	m.emit(models.EventMCPExternalServerSpawn, serverID, nil)

	process := m.factory(cfg)
	if err := process.Spawn(); err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		m.emit(models.EventMCPExternalServerError, serverID, map[string]any{"error": err.Error()})
		return err
	}

	s.mu.Lock()
	s.process = process
	s.state = StateRunning
	s.mu.Unlock()
	m.emit(models.EventMCPExternalServerStarted, serverID, nil)

	m.discoverTools(serverID, process)
	return nil
}

func (m *Manager) discoverTools(serverID string, process Process) {
	tools, err := process.ListTools()
	if err != nil {
		return
	}
	for _, t := range tools {
		m.registry.RegisterExternal(models.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}, serverID)
	}
}

// ProbeHealth checks serverID's process and drives the
// running <-> unhealthy <-> restarting transitions. Intended to be called
// by a periodic health-check loop per server's HealthInterval. A server is
// only declared unhealthy (and restarted) after MaxConsecutiveFailures
// failed probes in a row; an isolated blip does not trigger a restart.
func (m *Manager) ProbeHealth(ctx context.Context, serverID string) {
	m.mu.RLock()
	s, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	process := s.process
	state := s.state
	s.mu.Unlock()
	if process == nil || state == StateStopped {
		return
	}

	if process.Healthy() {
		s.mu.Lock()
		s.consecutiveFailures = 0
		if s.state == StateUnhealthy || s.state == StateRestarting {
			s.state = StateRunning
			s.restartAttempts = 0
		}
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	threshold := s.failureThreshold()
	alreadyUnhealthy := s.state == StateUnhealthy
	s.mu.Unlock()

	if failures < threshold {
		return
	}

	if !alreadyUnhealthy {
		s.mu.Lock()
		s.state = StateUnhealthy
		s.mu.Unlock()
		m.emit(models.EventMCPExternalServerHealth, serverID, map[string]any{"healthy": false, "consecutive_failures": failures})
	}

	m.restart(ctx, serverID)
}

// restart stops the unhealthy process and attempts one respawn. Each call
// consumes one of the server's MaxRestartAttempts, tracked on the
// managedServer so the budget spans the whole unhealthy episode across
// repeated ProbeHealth calls rather than resetting per probe. Once the
// budget is exhausted the server is left stopped rather than retried
// forever.
func (m *Manager) restart(ctx context.Context, serverID string) {
	m.mu.RLock()
	s, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.restartAttempts++
	attempt := s.restartAttempts
	budget := s.restartBudget()
	old := s.process
	s.mu.Unlock()

	if attempt > budget {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		m.registry.UnregisterSource(serverID)
		m.emit(models.EventMCPExternalServerError, serverID, map[string]any{"error": "max restart attempts exceeded", "gave_up": true})
		return
	}

	s.mu.Lock()
	s.state = StateRestarting
	s.mu.Unlock()
	if old != nil {
		_ = old.Stop()
	}
	m.registry.UnregisterSource(serverID)

	if m.metrics != nil {
		m.metrics.ExternalServerRestarts.WithLabelValues(serverID).Inc()
	}

	if err := m.Spawn(ctx, serverID); err != nil {
		s.mu.Lock()
		s.state = StateUnhealthy
		s.mu.Unlock()
		m.emit(models.EventMCPExternalServerError, serverID, map[string]any{"error": err.Error(), "attempt": attempt, "budget": budget})
	}
}

// Stop transitions serverID to stopped, killing its process and removing
// its tools from the registry.
func (m *Manager) Stop(serverID string) error {
	m.mu.RLock()
	s, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("toolserver: server %q not registered", serverID)
	}

	s.mu.Lock()
	process := s.process
	s.state = StateStopped
	s.process = nil
	s.mu.Unlock()

	m.registry.UnregisterSource(serverID)
	m.emit(models.EventMCPExternalServerStopped, serverID, nil)

	if process != nil {
		return process.Stop()
	}
	return nil
}

// Call dispatches a tool invocation to the external server owning name.
func (m *Manager) Call(serverID, toolName string, args map[string]any) (*CallResult, error) {
	m.mu.RLock()
	s, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("toolserver: server %q not registered", serverID)
	}

	s.mu.Lock()
	process := s.process
	state := s.state
	s.mu.Unlock()
	if process == nil || state != StateRunning {
		return nil, fmt.Errorf("toolserver: server %q not running (state=%s)", serverID, state)
	}
	return process.CallTool(toolName, args)
}

// State returns the current lifecycle state of serverID.
func (m *Manager) State(serverID string) (State, bool) {
	m.mu.RLock()
	s, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, true
}

func (m *Manager) emit(kind models.EventKind, serverID string, data map[string]any) {
	if m.onEmit == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["server_id"] = serverID
	m.onEmit(models.Event{Kind: kind, Data: data})
}

// StartHealthLoop runs a periodic health probe for serverID until ctx is
// cancelled, using the configured HealthInterval (defaulting to 30s).
func (m *Manager) StartHealthLoop(ctx context.Context, serverID string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeHealth(ctx, serverID)
			}
		}
	}()
}
