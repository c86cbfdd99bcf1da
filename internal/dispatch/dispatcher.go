// Package dispatch implements the Tool Dispatcher: it takes a tool-call
// request from permission check through validation, resolution,
// timeout-wrapped execution, and outcome recording, emitting exactly one
// terminal event per request-id. The timeout-wrapped handler invocation
// via a buffered result channel racing context.Done follows
// internal/agent/tool_exec.go, generalized from a single in-process
// registry to hybrid internal/external resolution plus a pre-execution
// Validation Pipeline. A failed or timed-out invocation is not retried;
// it ends in a single mcp:tool:error event.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/internal/toolserver"
	"github.com/modelexchange/mxf/internal/validation"
	"github.com/modelexchange/mxf/pkg/models"
)

// SessionLookup resolves the allow-list-bearing session for a calling
// agent, implemented by internal/sessions.Registry.
type SessionLookup interface {
	ByAgentID(agentID string) (*models.AgentSession, bool)
}

// ToolRegistry is the subset of internal/tools.Registry the dispatcher
// needs to resolve a call. Its second return value is typed as
// tools.Handler, not an equivalent func literal, because Go interface
// satisfaction requires identical method signatures.
type ToolRegistry interface {
	Get(name string) (models.ToolDefinition, tools.Handler, bool)
}

// ExternalCaller proxies a call to the external tool server owning a given
// source id, implemented by internal/toolserver.Manager.
type ExternalCaller interface {
	Call(serverID, toolName string, args map[string]any) (*toolserver.CallResult, error)
}

// PatternRecorder records one outcome for the validation pipeline's
// business/pattern stage, implemented by validation.PatternLearner.
type PatternRecorder interface {
	Record(toolName, agentID string, success bool, failureMode string)
}

// EmitFunc publishes an event onto the server bus.
type EmitFunc func(models.Event)

// Dispatcher orchestrates one tool call end to end.
type Dispatcher struct {
	sessions   SessionLookup
	registry   ToolRegistry
	pipeline   *validation.Pipeline
	external   ExternalCaller
	patterns   PatternRecorder
	onEmit     EmitFunc
	metrics    *observability.Metrics
	logger     *observability.Logger
	defaultTTL time.Duration
}

// New builds a Dispatcher. defaultTimeout is the per-call timeout applied
// when a request does not override it (default 30s).
func New(sessions SessionLookup, registry ToolRegistry, pipeline *validation.Pipeline, external ExternalCaller, patterns PatternRecorder, metrics *observability.Metrics, logger *observability.Logger, onEmit EmitFunc, defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		sessions:   sessions,
		registry:   registry,
		pipeline:   pipeline,
		external:   external,
		patterns:   patterns,
		onEmit:     onEmit,
		metrics:    metrics,
		logger:     logger,
		defaultTTL: defaultTimeout,
	}
}

// Dispatch runs the full contract for one request: permission check,
// validation, resolution, timeout-wrapped invocation, outcome recording,
// and exactly one terminal event (tool:result or tool:error).
func (d *Dispatcher) Dispatch(ctx context.Context, req models.ToolCallRequest) {
	ctx, span := observability.StartSpan(ctx, "dispatch.tool_call")
	defer span.End()

	if sess, ok := d.sessions.ByAgentID(req.AgentID); !ok || !sess.CanCall(req.ToolName) {
		d.emitError(req, observability.ErrToolNotAllowed, fmt.Sprintf("agent %q is not permitted to call %q", req.AgentID, req.ToolName))
		return
	}

	def, handler, found := d.registry.Get(req.ToolName)
	if !found {
		d.emitError(req, observability.ErrUnknownTool, fmt.Sprintf("unknown tool %q", req.ToolName))
		return
	}

	verdict := d.pipeline.Validate(ctx, def, req)
	d.emit(models.Event{
		Kind:      models.EventMCPToolExecution,
		AgentID:   req.AgentID,
		ChannelID: req.ChannelID,
		Data:      map[string]any{"request_id": req.RequestID, "tool": req.ToolName, "verdict": verdict},
	})

	if !verdict.Valid && verdict.Risk.Level != models.RiskAsync {
		d.recordOutcome(req, false, 0, "validation_rejected")
		d.emitError(req, observability.ErrValidationRejected, verdictReason(verdict))
		return
	}

	if verdict.CorrectedInput != nil {
		req.Input = verdict.CorrectedInput
	}

	timeout := d.defaultTTL
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := d.invoke(callCtx, def, handler, req)
	elapsed := time.Since(start)

	if d.metrics != nil {
		outcome := "result"
		if err != nil {
			outcome = "error"
		}
		d.metrics.ToolCalls.WithLabelValues(req.ToolName, outcome).Inc()
		d.metrics.ToolCallDuration.WithLabelValues(req.ToolName).Observe(elapsed.Seconds())
	}

	if err != nil {
		kind := observability.ErrExecInternalBug
		if callCtx.Err() == context.DeadlineExceeded {
			kind = observability.ErrExecTimeout
		} else if callCtx.Err() == context.Canceled {
			kind = observability.ErrExecCancelled
		}
		d.recordOutcome(req, false, elapsed, string(kind))
		d.emitError(req, kind, err.Error())
		return
	}

	d.recordOutcome(req, true, elapsed, "")
	d.emit(models.Event{
		Kind:      models.EventMCPToolResult,
		AgentID:   req.AgentID,
		ChannelID: req.ChannelID,
		Data:      map[string]any{"request_id": req.RequestID, "tool": req.ToolName, "output": output, "elapsed_ms": elapsed.Milliseconds()},
		Metadata:  models.EventMetadata{RequestID: req.RequestID},
	})
}

// invoke wraps the actual handler/proxy call in a goroutine racing the
// call's context deadline, following an executeWithTimeout shape: a
// buffered result channel means a late-arriving result from an
// already-timed-out call is discarded rather than leaking the goroutine.
func (d *Dispatcher) invoke(ctx context.Context, def models.ToolDefinition, handler func(models.ToolCallRequest) (any, error), req models.ToolCallRequest) (any, error) {
	type outcome struct {
		out any
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		var out any
		var err error
		if handler != nil {
			out, err = handler(req)
		} else if d.external != nil {
			out, err = d.external.Call(def.Source, req.ToolName, req.Input)
		} else {
			err = fmt.Errorf("dispatch: tool %q has no internal handler and no external caller is wired", req.ToolName)
		}
		select {
		case ch <- outcome{out, err}:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-ch:
		return o.out, o.err
	}
}

func (d *Dispatcher) recordOutcome(req models.ToolCallRequest, success bool, elapsed time.Duration, failureMode string) {
	if d.patterns != nil {
		d.patterns.Record(req.ToolName, req.AgentID, success, failureMode)
	}
}

func (d *Dispatcher) emitError(req models.ToolCallRequest, kind observability.ErrorKind, message string) {
	payload := observability.NewErrorPayload(kind, req.RequestID, message)
	d.emit(models.Event{
		Kind:      models.EventMCPToolError,
		AgentID:   req.AgentID,
		ChannelID: req.ChannelID,
		Data:      map[string]any{"request_id": req.RequestID, "tool": req.ToolName, "error": payload},
		Metadata:  models.EventMetadata{RequestID: req.RequestID},
	})
}

func (d *Dispatcher) emit(event models.Event) {
	if d.onEmit != nil {
		d.onEmit(event)
	}
}

func verdictReason(v models.Verdict) string {
	if len(v.Errors) == 0 {
		return "validation rejected the request"
	}
	return v.Errors[0].Message
}
