// Package orpar implements the ORPAR Loop Coordinator: a per-agent state
// machine over the five cognitive phases (Observe, Reason, Plan, Act,
// Reflect), correlated under a loop-id and cycle number, integrated with
// the Memory Layer for phase-aware retrieval on observe and reward
// attribution on reflect. The phase-sequenced iteration loop driving a
// run to completion follows internal/agent/loop.go, generalized from a
// fixed observe-reason-act shape to the full five-phase state machine
// with explicit phase events.
package orpar

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/memory"
	"github.com/modelexchange/mxf/pkg/models"
)

// Retriever is the Memory Layer surface the coordinator calls into on
// observe, implemented by *memory.Layer.
type Retriever interface {
	Retrieve(ctx context.Context, opts memory.RetrieveOptions) ([]models.ScoredMemory, error)
}

// Attributor is the Memory Layer surface the coordinator calls into on
// reflect, implemented by *memory.Layer.
type Attributor interface {
	Attribute(ctx context.Context, taskID string, reward float64) error
}

// EmitFunc publishes an event onto the server bus.
type EmitFunc func(models.Event)

// AgentState is one agent's current position in the ORPAR cycle.
type AgentState struct {
	AgentID      string
	CurrentPhase models.Phase // empty string means "no loop active"
	LoopID       string
	Cycle        int
	History      []models.Phase
}

// AdvanceInput is one agent-reported phase transition.
type AdvanceInput struct {
	AgentID   string
	ChannelID string
	Phase     models.Phase
	// TaskID, Query, and Reward are optional per-phase payload: Query
	// drives phase-aware retrieval on observe; TaskID+Reward drive
	// reward attribution on reflect.
	TaskID string
	Query  string
	Reward float64
}

var nextPhase = map[models.Phase]models.Phase{
	models.PhaseObserve: models.PhaseReason,
	models.PhaseReason:  models.PhasePlan,
	models.PhasePlan:    models.PhaseAct,
	models.PhaseAct:     models.PhaseReflect,
}

var phaseEvent = map[models.Phase]models.EventKind{
	models.PhaseObserve: models.EventORPARObserve,
	models.PhaseReason:  models.EventORPARReason,
	models.PhasePlan:    models.EventORPARPlan,
	models.PhaseAct:     models.EventORPARAct,
	models.PhaseReflect: models.EventORPARReflect,
}

// Coordinator drives every agent's ORPAR state machine.
type Coordinator struct {
	mu     sync.Mutex
	states map[string]*AgentState

	memory     Retriever
	attributor Attributor
	cfg        config.MemoryConfig
	metrics    *observability.Metrics
	logger     *observability.Logger
	onEmit     EmitFunc
}

// New builds a Coordinator. memory/attributor may be nil if the Memory
// Layer integration is not wired (e.g. in unit tests exercising the phase
// state machine alone).
func New(retriever Retriever, attributor Attributor, cfg config.MemoryConfig, metrics *observability.Metrics, logger *observability.Logger, onEmit EmitFunc) *Coordinator {
	return &Coordinator{
		states:     make(map[string]*AgentState),
		memory:     retriever,
		attributor: attributor,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		onEmit:     onEmit,
	}
}

// Advance attempts to move agentID's state machine to in.Phase. Observe
// is valid only from "no loop" or from reflect (starting a new cycle);
// every other phase must follow its predecessor exactly. An out-of-order
// phase emits orpar:error and leaves state unchanged.
func (c *Coordinator) Advance(ctx context.Context, in AdvanceInput) (AgentState, error) {
	c.mu.Lock()
	st, ok := c.states[in.AgentID]
	if !ok {
		st = &AgentState{AgentID: in.AgentID}
		c.states[in.AgentID] = st
	}

	var allowed bool
	switch in.Phase {
	case models.PhaseObserve:
		allowed = st.CurrentPhase == "" || st.CurrentPhase == models.PhaseReflect
	default:
		allowed = nextPhase[st.CurrentPhase] == in.Phase
	}

	if !allowed {
		snapshot := *st
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.ORPAROutOfOrder.Inc()
		}
		c.emit(models.Event{
			Kind:      models.EventORPARError,
			AgentID:   in.AgentID,
			ChannelID: in.ChannelID,
			Data:      map[string]any{"attempted_phase": in.Phase, "current_phase": snapshot.CurrentPhase},
		})
		return snapshot, fmt.Errorf("orpar: agent %q cannot transition %q -> %q", in.AgentID, snapshot.CurrentPhase, in.Phase)
	}

	if in.Phase == models.PhaseObserve {
		st.Cycle++
		if st.LoopID == "" {
			st.LoopID = uuid.NewString()
		}
	}
	st.CurrentPhase = in.Phase
	st.History = append(st.History, in.Phase)
	snapshot := *st
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ORPARPhaseTransitions.WithLabelValues(string(in.Phase)).Inc()
		if in.Phase == models.PhaseObserve {
			c.metrics.ORPARCycles.Inc()
		}
	}

	c.emit(models.Event{
		Kind:      phaseEvent[in.Phase],
		AgentID:   in.AgentID,
		ChannelID: in.ChannelID,
		Data:      map[string]any{"loop_id": snapshot.LoopID, "cycle": snapshot.Cycle, "task_id": in.TaskID},
	})

	switch in.Phase {
	case models.PhaseObserve:
		c.onObserve(ctx, in)
	case models.PhaseReflect:
		c.onReflect(ctx, in)
	}

	return snapshot, nil
}

// onObserve requests phase-aware retrieval and checks the result for
// surprise.
func (c *Coordinator) onObserve(ctx context.Context, in AdvanceInput) {
	if c.memory == nil || in.Query == "" {
		return
	}

	results, err := c.memory.Retrieve(ctx, memory.RetrieveOptions{
		ChannelID: in.ChannelID,
		AgentID:   in.AgentID,
		Phase:     models.PhaseObserve,
		Query:     in.Query,
		TaskID:    in.TaskID,
	})
	if err != nil {
		if c.logger != nil {
			c.logger.Warn(ctx, "orpar: observe retrieval failed", "agent_id", in.AgentID, "error", err)
		}
		return
	}

	best := 0.0
	if len(results) > 0 {
		best = results[0].Similarity
	}
	surprise := 1 - best
	c.ReportSurprise(in.AgentID, in.ChannelID, surprise)
}

// onReflect attributes the task's reward to every memory used during the
// cycle.
func (c *Coordinator) onReflect(ctx context.Context, in AdvanceInput) {
	if c.attributor == nil || in.TaskID == "" {
		return
	}
	if err := c.attributor.Attribute(ctx, in.TaskID, in.Reward); err != nil && c.logger != nil {
		c.logger.Warn(ctx, "orpar: reward attribution failed", "agent_id", in.AgentID, "task_id", in.TaskID, "error", err)
	}
}

// ReportSurprise evaluates a surprise score against the configured
// threshold: above threshold, it queues an additional observation and, if
// the agent's current phase is plan, signals plan:reconsider. Exposed
// standalone so an agent (or the Memory Layer directly) can report
// surprise outside the observe path too.
func (c *Coordinator) ReportSurprise(agentID, channelID string, score float64) {
	if score < c.cfg.SurpriseThreshold {
		return
	}

	c.emit(models.Event{
		Kind:      models.EventSurpriseObservationQueued,
		AgentID:   agentID,
		ChannelID: channelID,
		Data:      map[string]any{"surprise_score": score},
	})

	c.mu.Lock()
	st, ok := c.states[agentID]
	inPlan := ok && st.CurrentPhase == models.PhasePlan
	c.mu.Unlock()

	if inPlan {
		c.emit(models.Event{Kind: models.EventPlanReconsider, AgentID: agentID, ChannelID: channelID, Data: map[string]any{"surprise_score": score}})
	}
}

// ClearState resets agentID to "no loop active". The next observe starts
// a fresh loop-id.
func (c *Coordinator) ClearState(agentID, channelID string) {
	c.mu.Lock()
	delete(c.states, agentID)
	c.mu.Unlock()

	c.emit(models.Event{Kind: models.EventORPARClearState, AgentID: agentID, ChannelID: channelID})
}

// Status returns a snapshot of agentID's current state.
func (c *Coordinator) Status(agentID string) (AgentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[agentID]
	if !ok {
		return AgentState{}, false
	}
	return *st, true
}

func (c *Coordinator) emit(event models.Event) {
	if c.onEmit != nil {
		c.onEmit(event)
	}
}
