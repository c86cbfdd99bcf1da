package tools_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/pkg/models"
)

func TestRegistry_InternalWinsConflict(t *testing.T) {
	r := tools.New(0, nil)
	r.RegisterInternal(models.ToolDefinition{Name: "search"}, func(models.ToolCallRequest) (any, error) { return "internal", nil })

	ok := r.RegisterExternal(models.ToolDefinition{Name: "search"}, "srv-1")
	assert.False(t, ok)

	def, handler, found := r.Get("search")
	require.True(t, found)
	require.NotNil(t, handler)
	assert.Equal(t, "internal", def.Source)
}

func TestRegistry_ExternalRegistersWhenNoConflict(t *testing.T) {
	r := tools.New(0, nil)
	ok := r.RegisterExternal(models.ToolDefinition{Name: "weather"}, "srv-1")
	assert.True(t, ok)

	def, handler, found := r.Get("weather")
	require.True(t, found)
	assert.Nil(t, handler)
	assert.Equal(t, "srv-1", def.Source)
}

func TestRegistry_UnregisterSourceRemovesOnlyThatServer(t *testing.T) {
	r := tools.New(0, nil)
	r.RegisterExternal(models.ToolDefinition{Name: "a"}, "srv-1")
	r.RegisterExternal(models.ToolDefinition{Name: "b"}, "srv-2")

	r.UnregisterSource("srv-1")

	_, _, ok := r.Get("a")
	assert.False(t, ok)
	_, _, ok = r.Get("b")
	assert.True(t, ok)
}

func TestRegistry_OnChangeFiresOnMutation(t *testing.T) {
	calls := 0
	r := tools.New(0, func() { calls++ })
	r.RegisterInternal(models.ToolDefinition{Name: "x"}, nil)
	r.Unregister("x")
	assert.Equal(t, 2, calls)
}

func TestRegistry_InvokeRejectsExternalTool(t *testing.T) {
	r := tools.New(0, nil)
	r.RegisterExternal(models.ToolDefinition{Name: "weather"}, "srv-1")

	_, err := r.Invoke(models.ToolCallRequest{ToolName: "weather"})
	assert.Error(t, err)
}

func TestRegistry_InvokeRunsInternalHandler(t *testing.T) {
	r := tools.New(0, nil)
	r.RegisterInternal(models.ToolDefinition{Name: "echo"}, func(req models.ToolCallRequest) (any, error) {
		return req.Input["msg"], nil
	})

	out, err := r.Invoke(models.ToolCallRequest{ToolName: "echo", Input: map[string]any{"msg": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}
