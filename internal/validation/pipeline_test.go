package validation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/validation"
	"github.com/modelexchange/mxf/pkg/models"
)

func schemaFor(t *testing.T, schema string) models.ToolDefinition {
	t.Helper()
	return models.ToolDefinition{
		Name:        "write",
		Description: "writes a file",
		InputSchema: []byte(schema),
		Source:      string(models.SourceInternal),
		RiskBaseline: 0.1,
	}
}

func TestPipeline_ValidInputPasses(t *testing.T) {
	def := schemaFor(t, `{"type":"object","required":["content"],"properties":{"content":{"type":"string"}}}`)
	p := validation.New(config.ValidationConfig{BlockThreshold: 0.9}, nil, nil)

	verdict := p.Validate(context.Background(), def, models.ToolCallRequest{
		ToolName: "write", AgentID: "a1", ChannelID: "c1",
		Input: map[string]any{"content": "hello"},
	})

	assert.True(t, verdict.Valid)
	assert.Empty(t, verdict.Errors)
	assert.False(t, verdict.Cached)
}

func TestPipeline_MissingRequiredFieldIsHighSeverityAndInvalid(t *testing.T) {
	def := schemaFor(t, `{"type":"object","required":["content"],"properties":{"content":{"type":"string"}}}`)
	p := validation.New(config.ValidationConfig{BlockThreshold: 0.9}, nil, nil)

	verdict := p.Validate(context.Background(), def, models.ToolCallRequest{
		ToolName: "write", AgentID: "a1", ChannelID: "c1",
		Input: map[string]any{},
	})

	require.False(t, verdict.Valid)
	require.NotEmpty(t, verdict.Errors)
	assert.True(t, verdict.HasHighSeverityError())
}

func TestPipeline_SecondIdenticalCallIsCached(t *testing.T) {
	def := schemaFor(t, `{"type":"object"}`)
	p := validation.New(config.ValidationConfig{BlockThreshold: 0.9}, nil, nil)
	req := models.ToolCallRequest{ToolName: "write", AgentID: "a1", ChannelID: "c1", Input: map[string]any{"content": "x"}}

	first := p.Validate(context.Background(), def, req)
	require.False(t, first.Cached)

	second := p.Validate(context.Background(), def, req)
	assert.True(t, second.Cached)
}

func TestPipeline_RepeatedFailuresRaisePatternWarning(t *testing.T) {
	def := schemaFor(t, `{"type":"object"}`)
	p := validation.New(config.ValidationConfig{BlockThreshold: 0.9}, nil, nil)

	for i := 0; i < 4; i++ {
		p.Patterns().Record("write", "a1", false, "disk full")
	}

	verdict := p.Validate(context.Background(), def, models.ToolCallRequest{
		ToolName: "write", AgentID: "a1", ChannelID: "c1",
		Input: map[string]any{"content": "x"},
	})

	require.NotEmpty(t, verdict.Warnings)
	assert.Contains(t, verdict.Warnings[0].Message, "disk full")
}

func TestPipeline_PathOutsideAllowedRootIsRejected(t *testing.T) {
	def := schemaFor(t, `{"type":"object"}`)
	p := validation.New(config.ValidationConfig{BlockThreshold: 0.9}, nil, nil,
		validation.WithSecurityChecker(validation.NewDefaultSecurityChecker("/workspace/allowed")))

	verdict := p.Validate(context.Background(), def, models.ToolCallRequest{
		ToolName: "write", AgentID: "a1", ChannelID: "c1",
		Input: map[string]any{"path": "/etc/passwd"},
	})

	require.False(t, verdict.Valid)
	require.NotEmpty(t, verdict.Errors)
}
