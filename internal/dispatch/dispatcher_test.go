package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/dispatch"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/internal/validation"
	"github.com/modelexchange/mxf/pkg/models"
)

type fakeSessions struct {
	sessions map[string]*models.AgentSession
}

func (f *fakeSessions) ByAgentID(agentID string) (*models.AgentSession, bool) {
	s, ok := f.sessions[agentID]
	return s, ok
}

type fakeRegistry struct {
	defs     map[string]models.ToolDefinition
	handlers map[string]tools.Handler
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{defs: map[string]models.ToolDefinition{}, handlers: map[string]tools.Handler{}}
}

func (r *fakeRegistry) add(def models.ToolDefinition, handler tools.Handler) {
	r.defs[def.Name] = def
	r.handlers[def.Name] = handler
}

func (r *fakeRegistry) Get(name string) (models.ToolDefinition, tools.Handler, bool) {
	def, ok := r.defs[name]
	if !ok {
		return models.ToolDefinition{}, nil, false
	}
	return def, r.handlers[name], true
}

type collector struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *collector) emit(e models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

func (c *collector) terminalEvents() []models.Event {
	var out []models.Event
	for _, e := range c.snapshot() {
		if e.Kind == models.EventMCPToolResult || e.Kind == models.EventMCPToolError {
			out = append(out, e)
		}
	}
	return out
}

func newDispatcher(t *testing.T, registry *fakeRegistry, sessions *fakeSessions, pipeline *validation.Pipeline, c *collector) *dispatch.Dispatcher {
	t.Helper()
	return dispatch.New(sessions, registry, pipeline, nil, pipeline.Patterns(), nil, nil, c.emit, 200*time.Millisecond)
}

func alwaysAllowedSession(agentID string, tool string) *fakeSessions {
	return &fakeSessions{sessions: map[string]*models.AgentSession{
		agentID: {SessionID: "s1", AgentID: agentID, ToolAllow: []string{tool}},
	}}
}

func TestDispatch_PermissionDeniedNeverInvokesHandler(t *testing.T) {
	registry := newFakeRegistry()
	called := false
	registry.add(models.ToolDefinition{Name: "write", Source: string(models.SourceInternal)}, func(models.ToolCallRequest) (any, error) {
		called = true
		return "ok", nil
	})
	sessions := &fakeSessions{sessions: map[string]*models.AgentSession{
		"a1": {SessionID: "s1", AgentID: "a1", ToolAllow: []string{"read"}},
	}}
	pipeline := validation.New(config.ValidationConfig{}, nil, nil)
	c := &collector{}
	d := newDispatcher(t, registry, sessions, pipeline, c)

	d.Dispatch(context.Background(), models.ToolCallRequest{ToolName: "write", AgentID: "a1", RequestID: "r1"})

	assert.False(t, called)
	terminal := c.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.EventMCPToolError, terminal[0].Kind)
	payload := terminal[0].Data.(map[string]any)["error"].(observability.ErrorPayload)
	assert.Equal(t, observability.ErrToolNotAllowed, payload.Kind)
}

func TestDispatch_UnknownToolEmitsError(t *testing.T) {
	registry := newFakeRegistry()
	sessions := alwaysAllowedSession("a1", "write")
	pipeline := validation.New(config.ValidationConfig{}, nil, nil)
	c := &collector{}
	d := newDispatcher(t, registry, sessions, pipeline, c)

	d.Dispatch(context.Background(), models.ToolCallRequest{ToolName: "write", AgentID: "a1", RequestID: "r1"})

	terminal := c.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.EventMCPToolError, terminal[0].Kind)
	payload := terminal[0].Data.(map[string]any)["error"].(observability.ErrorPayload)
	assert.Equal(t, observability.ErrUnknownTool, payload.Kind)
}

func TestDispatch_ValidCallEmitsExactlyOneTerminalEvent(t *testing.T) {
	registry := newFakeRegistry()
	registry.add(models.ToolDefinition{
		Name:         "write",
		Source:       string(models.SourceInternal),
		RiskBaseline: 0.1,
		InputSchema:  []byte(`{"type":"object"}`),
	}, func(models.ToolCallRequest) (any, error) {
		return "done", nil
	})
	sessions := alwaysAllowedSession("a1", "write")
	pipeline := validation.New(config.ValidationConfig{BlockThreshold: 0.9}, nil, nil)
	c := &collector{}
	d := newDispatcher(t, registry, sessions, pipeline, c)

	d.Dispatch(context.Background(), models.ToolCallRequest{ToolName: "write", AgentID: "a1", RequestID: "r1", Input: map[string]any{}})

	terminal := c.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.EventMCPToolResult, terminal[0].Kind)
}

func TestDispatch_StrictRiskRejectsWithoutInvokingHandler(t *testing.T) {
	registry := newFakeRegistry()
	called := false
	registry.add(models.ToolDefinition{
		Name:         "danger",
		Source:       string(models.SourceInternal),
		RiskBaseline: 1.0,
		InputSchema:  []byte(`{"type":"object"}`),
	}, func(models.ToolCallRequest) (any, error) {
		called = true
		return "ok", nil
	})
	sessions := alwaysAllowedSession("a1", "danger")
	pipeline := validation.New(config.ValidationConfig{BlockThreshold: 0.5}, nil, nil)
	// Push the pattern learner's error rate to 1.0 so risk probability
	// (0.6*baseline + 0.4*errorRate) clears the strict threshold of 0.8.
	for i := 0; i < 3; i++ {
		pipeline.Patterns().Record("danger", "a1", false, "boom")
	}
	c := &collector{}
	d := newDispatcher(t, registry, sessions, pipeline, c)

	d.Dispatch(context.Background(), models.ToolCallRequest{ToolName: "danger", AgentID: "a1", RequestID: "r1", Input: map[string]any{}})

	assert.False(t, called)
	terminal := c.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.EventMCPToolError, terminal[0].Kind)
	payload := terminal[0].Data.(map[string]any)["error"].(observability.ErrorPayload)
	assert.Equal(t, observability.ErrValidationRejected, payload.Kind)
}

func TestDispatch_AsyncRiskBypassesValidationRejection(t *testing.T) {
	registry := newFakeRegistry()
	called := false
	registry.add(models.ToolDefinition{
		Name:         "lowrisk",
		Source:       string(models.SourceInternal),
		RiskBaseline: 0.05,
		InputSchema:  []byte(`{"type":"object","required":["content"],"properties":{"content":{"type":"string"}}}`),
	}, func(models.ToolCallRequest) (any, error) {
		called = true
		return "ok", nil
	})
	sessions := alwaysAllowedSession("a1", "lowrisk")
	pipeline := validation.New(config.ValidationConfig{BlockThreshold: 0.9}, nil, nil)
	c := &collector{}
	d := newDispatcher(t, registry, sessions, pipeline, c)

	// Missing the required "content" field makes the schema stage fail
	// (verdict.Valid == false), but the low risk baseline keeps the risk
	// level at async, which the dispatcher lets through anyway.
	d.Dispatch(context.Background(), models.ToolCallRequest{ToolName: "lowrisk", AgentID: "a1", RequestID: "r1", Input: map[string]any{}})

	assert.True(t, called)
	terminal := c.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.EventMCPToolResult, terminal[0].Kind)
}

func TestDispatch_TimeoutIsClassifiedAndSingleTerminalEvent(t *testing.T) {
	registry := newFakeRegistry()
	registry.add(models.ToolDefinition{
		Name:         "slow",
		Source:       string(models.SourceInternal),
		InputSchema:  []byte(`{"type":"object"}`),
	}, func(models.ToolCallRequest) (any, error) {
		time.Sleep(500 * time.Millisecond)
		return "too late", nil
	})
	sessions := alwaysAllowedSession("a1", "slow")
	pipeline := validation.New(config.ValidationConfig{BlockThreshold: 0.9}, nil, nil)
	c := &collector{}
	d := dispatch.New(sessions, registry, pipeline, nil, pipeline.Patterns(), nil, nil, c.emit, 50*time.Millisecond)

	d.Dispatch(context.Background(), models.ToolCallRequest{ToolName: "slow", AgentID: "a1", RequestID: "r1", Input: map[string]any{}})

	terminal := c.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, models.EventMCPToolError, terminal[0].Kind)
	payload := terminal[0].Data.(map[string]any)["error"].(observability.ErrorPayload)
	assert.Equal(t, observability.ErrExecTimeout, payload.Kind)
}
