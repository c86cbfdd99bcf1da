package toolserver_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/toolserver"
	"github.com/modelexchange/mxf/pkg/models"
)

type fakeProcess struct {
	mu      sync.Mutex
	healthy bool
	tools   []toolserver.Tool
	stopped bool
}

func (f *fakeProcess) Spawn() error { return nil }
func (f *fakeProcess) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}
func (f *fakeProcess) ListTools() ([]toolserver.Tool, error) { return f.tools, nil }
func (f *fakeProcess) CallTool(name string, args map[string]any) (*toolserver.CallResult, error) {
	return &toolserver.CallResult{Content: []toolserver.ResultContent{{Type: "text", Text: "ok"}}}, nil
}
func (f *fakeProcess) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

type fakeRegistry struct {
	registered   map[string]string // tool -> server
	unregistered []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: make(map[string]string)}
}

func (r *fakeRegistry) RegisterExternal(def models.ToolDefinition, serverID string) bool {
	r.registered[def.Name] = serverID
	return true
}

func (r *fakeRegistry) UnregisterSource(serverID string) {
	r.unregistered = append(r.unregistered, serverID)
	for name, sid := range r.registered {
		if sid == serverID {
			delete(r.registered, name)
		}
	}
}

func TestManager_SpawnTransitionsToRunningAndDiscoversTools(t *testing.T) {
	proc := &fakeProcess{healthy: true, tools: []toolserver.Tool{{Name: "search"}}}
	reg := newFakeRegistry()
	m := toolserver.New(func(toolserver.ServerConfig) toolserver.Process { return proc }, reg, nil, nil, nil)

	m.RegisterServer(toolserver.ServerConfig{ID: "srv-1"})
	require.NoError(t, m.Spawn(context.Background(), "srv-1"))

	state, ok := m.State("srv-1")
	require.True(t, ok)
	assert.Equal(t, toolserver.StateRunning, state)
	assert.Equal(t, "srv-1", reg.registered["search"])
}

func TestManager_ProbeHealthToleratesIsolatedFailures(t *testing.T) {
	proc := &fakeProcess{healthy: false}
	reg := newFakeRegistry()
	m := toolserver.New(func(toolserver.ServerConfig) toolserver.Process { return proc }, reg, nil, nil, nil)

	m.RegisterServer(toolserver.ServerConfig{ID: "srv-1", MaxConsecutiveFailures: 3})
	require.NoError(t, m.Spawn(context.Background(), "srv-1"))

	// Two failed probes, below the threshold of 3: no restart yet.
	m.ProbeHealth(context.Background(), "srv-1")
	m.ProbeHealth(context.Background(), "srv-1")
	assert.NotContains(t, reg.unregistered, "srv-1")
	state, _ := m.State("srv-1")
	assert.Equal(t, toolserver.StateRunning, state)

	proc.mu.Lock()
	proc.healthy = true
	proc.mu.Unlock()
	m.ProbeHealth(context.Background(), "srv-1")
	assert.NotContains(t, reg.unregistered, "srv-1")
}

func TestManager_ProbeHealthRestartsAfterConsecutiveFailures(t *testing.T) {
	proc := &fakeProcess{healthy: false}
	reg := newFakeRegistry()
	m := toolserver.New(func(toolserver.ServerConfig) toolserver.Process { return proc }, reg, nil, nil, nil)

	m.RegisterServer(toolserver.ServerConfig{ID: "srv-1", MaxConsecutiveFailures: 3})
	require.NoError(t, m.Spawn(context.Background(), "srv-1"))

	m.ProbeHealth(context.Background(), "srv-1")
	m.ProbeHealth(context.Background(), "srv-1")
	m.ProbeHealth(context.Background(), "srv-1")

	assert.Contains(t, reg.unregistered, "srv-1")
}

func TestManager_ProbeHealthGivesUpAfterMaxRestartAttempts(t *testing.T) {
	proc := &fakeProcess{healthy: false}
	reg := newFakeRegistry()
	m := toolserver.New(func(toolserver.ServerConfig) toolserver.Process { return proc }, reg, nil, nil, nil)

	m.RegisterServer(toolserver.ServerConfig{ID: "srv-1", MaxConsecutiveFailures: 1, MaxRestartAttempts: 2})
	require.NoError(t, m.Spawn(context.Background(), "srv-1"))

	for i := 0; i < 5; i++ {
		m.ProbeHealth(context.Background(), "srv-1")
	}

	state, _ := m.State("srv-1")
	assert.Equal(t, toolserver.StateStopped, state)
}

func TestManager_StopRemovesToolsAndKillsProcess(t *testing.T) {
	proc := &fakeProcess{healthy: true}
	reg := newFakeRegistry()
	m := toolserver.New(func(toolserver.ServerConfig) toolserver.Process { return proc }, reg, nil, nil, nil)

	m.RegisterServer(toolserver.ServerConfig{ID: "srv-1"})
	require.NoError(t, m.Spawn(context.Background(), "srv-1"))
	require.NoError(t, m.Stop("srv-1"))

	state, _ := m.State("srv-1")
	assert.Equal(t, toolserver.StateStopped, state)
	assert.True(t, proc.stopped)
}

func TestManager_CallDispatchesToProcess(t *testing.T) {
	proc := &fakeProcess{healthy: true}
	reg := newFakeRegistry()
	m := toolserver.New(func(toolserver.ServerConfig) toolserver.Process { return proc }, reg, nil, nil, nil)
	m.RegisterServer(toolserver.ServerConfig{ID: "srv-1"})
	require.NoError(t, m.Spawn(context.Background(), "srv-1"))

	result, err := m.Call("srv-1", "search", map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
}
