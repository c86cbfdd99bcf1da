// Package server hosts the process composition's inbound surface: one
// websocket connection per agent session, a Prometheus /metrics endpoint,
// and a dispatch-by-kind router translating inbound frames into calls
// against the substrate's collaborators. The websocket.Upgrader, one
// read pump per connection, and method/kind-keyed dispatch table follow
// internal/gateway/ws_control_plane.go, generalized from a JSON-RPC-ish
// {type, method, params} envelope to a flat {kind, data} models.Event
// frame.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/dag"
	"github.com/modelexchange/mxf/internal/dispatch"
	"github.com/modelexchange/mxf/internal/events"
	"github.com/modelexchange/mxf/internal/memory"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/orpar"
	"github.com/modelexchange/mxf/internal/sessions"
	"github.com/modelexchange/mxf/internal/tools"
	"github.com/modelexchange/mxf/internal/toolserver"
	"github.com/modelexchange/mxf/internal/transport"
	"github.com/modelexchange/mxf/pkg/models"
)

// Server owns the process's inbound transport and routes every connected
// session's frames to the wired substrate collaborators.
type Server struct {
	cfg    config.SessionsConfig
	logger *observability.Logger
	metrics *observability.Metrics

	serverBus  *events.ServerBus
	sessionReg *sessions.Registry
	toolsReg   *tools.Registry
	toolServers *toolserver.Manager
	dispatcher *dispatch.Dispatcher
	scheduler  *dag.Scheduler
	mem        *memory.Layer
	loop       *orpar.Coordinator

	upgrader websocket.Upgrader
}

// New builds a Server over the already-wired substrate collaborators.
func New(
	cfg config.SessionsConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
	serverBus *events.ServerBus,
	sessionReg *sessions.Registry,
	toolsReg *tools.Registry,
	toolServers *toolserver.Manager,
	dispatcher *dispatch.Dispatcher,
	scheduler *dag.Scheduler,
	mem *memory.Layer,
	loop *orpar.Coordinator,
) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		serverBus:   serverBus,
		sessionReg:  sessionReg,
		toolsReg:    toolsReg,
		toolServers: toolServers,
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		mem:         mem,
		loop:        loop,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Mux builds the process's HTTP handler: the websocket endpoint, a
// Prometheus scrape endpoint, and a liveness probe.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// registerFrame is the payload of the agent:register handshake frame a new
// connection must send before anything else.
type registerFrame struct {
	AgentID      string   `json:"agent_id"`
	DisplayName  string   `json:"display_name"`
	ToolAllow    []string `json:"tool_allow_list"`
	Channels     []string `json:"channels"`
	LLMProvider  string   `json:"llm_provider,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(r.Context(), "server: websocket upgrade failed", "error", err)
		}
		return
	}

	conn := transport.NewWSConn(raw)
	first := make(chan models.Event, 1)
	conn.OnReceive(func(e models.Event) { first <- e })

	var reg models.Event
	select {
	case reg = <-first:
	case <-time.After(10 * time.Second):
		_ = conn.Disconnect()
		return
	}
	if reg.Kind != models.EventAgentRegister {
		_ = conn.Disconnect()
		return
	}

	var params registerFrame
	if err := decodeData(reg.Data, &params); err != nil || params.AgentID == "" {
		_ = conn.Send(models.Event{Kind: models.EventAgentConnectionErr, Data: observability.NewErrorPayload(observability.ErrMissingParameters, "", "agent_id is required")})
		_ = conn.Disconnect()
		return
	}

	sender := transport.NewBoundedSender(conn, s.cfg.OutboundQueueSize, s.cfg.BackpressureBlock, func(kind models.EventKind) {
		if s.logger != nil {
			s.logger.Debug(context.Background(), "server: dropped event under backpressure", "kind", kind)
		}
	})

	sessionID := uuid.NewString()
	session := &models.AgentSession{
		SessionID:    sessionID,
		AgentID:      params.AgentID,
		DisplayName:  params.DisplayName,
		ToolAllow:    params.ToolAllow,
		LLMProvider:  params.LLMProvider,
		SystemPrompt: params.SystemPrompt,
	}
	s.sessionReg.Register(session, sendFunc(sender.Enqueue))

	for _, channelID := range params.Channels {
		s.sessionReg.JoinChannel(sessionID, channelID)
	}

	_ = conn.Send(models.Event{Kind: models.EventAgentConnected, AgentID: params.AgentID, Data: map[string]any{"session_id": sessionID}})
	s.serverBus.Emit(models.Event{Kind: models.EventAgentRegistered, AgentID: params.AgentID, Data: map[string]any{"session_id": sessionID}})

	conn.OnReceive(func(e models.Event) { s.route(sessionID, params.AgentID, e) })

	for conn.Connected() {
		time.Sleep(200 * time.Millisecond)
	}

	sender.Close()
	s.sessionReg.Disconnect(sessionID)
}

// sendFunc adapts BoundedSender.Enqueue to sessions.Transport.
type sendFunc func(models.Event) bool

func (f sendFunc) Send(e models.Event) error {
	if !f(e) {
		return fmt.Errorf("server: outbound queue full or closed")
	}
	return nil
}

// route dispatches one inbound frame from sessionID/agentID to the
// substrate operation it names. Unrecognized kinds are logged and
// dropped rather than rejected, so forward-compatible clients sending
// kinds this build doesn't yet handle degrade gracefully.
func (s *Server) route(sessionID, agentID string, e models.Event) {
	ctx := observability.WithAgentID(context.Background(), agentID)
	e.AgentID = agentID

	switch e.Kind {
	case models.EventHeartbeat:
		s.sessionReg.Heartbeat(sessionID)
		_ = s.sessionReg.SendToSession(sessionID, models.Event{Kind: models.EventHeartbeatResponse})

	case models.EventAgentJoinChannel:
		var p struct {
			ChannelID string `json:"channel_id"`
		}
		if decodeData(e.Data, &p) == nil && p.ChannelID != "" {
			s.sessionReg.JoinChannel(sessionID, p.ChannelID)
			s.serverBus.Emit(models.Event{Kind: models.EventAgentJoinedChannel, AgentID: agentID, ChannelID: p.ChannelID})
			s.serverBus.Emit(models.Event{Kind: models.EventChannelAgentJoined, AgentID: agentID, ChannelID: p.ChannelID})
		}

	case models.EventMCPToolCall:
		var req models.ToolCallRequest
		if err := decodeData(e.Data, &req); err != nil {
			return
		}
		req.AgentID = agentID
		req.ChannelID = e.ChannelID
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}
		go s.dispatcher.Dispatch(ctx, req)

	case models.EventTaskCreated:
		var task models.Task
		if err := decodeData(e.Data, &task); err != nil {
			return
		}
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		if task.ChannelID == "" {
			task.ChannelID = e.ChannelID
		}
		if err := s.scheduler.AddTask(&task); err != nil && s.logger != nil {
			s.logger.Warn(ctx, "server: add task failed", "error", err)
		}

	case models.EventTaskStarted, models.EventTaskCompleted, models.EventTaskFailed, models.EventTaskCancelled:
		var p struct {
			TaskID string `json:"task_id"`
		}
		if decodeData(e.Data, &p) != nil || p.TaskID == "" {
			return
		}
		status := taskStatusFor(e.Kind)
		if err := s.scheduler.Status(e.ChannelID, p.TaskID, status); err != nil && s.logger != nil {
			s.logger.Warn(ctx, "server: task status update failed", "error", err)
		}

	case models.EventORPARObserve, models.EventORPARReason, models.EventORPARPlan, models.EventORPARAct, models.EventORPARReflect:
		var p struct {
			TaskID string  `json:"task_id"`
			Query  string  `json:"query"`
			Reward float64 `json:"reward"`
		}
		_ = decodeData(e.Data, &p)
		if _, err := s.loop.Advance(ctx, orpar.AdvanceInput{
			AgentID:   agentID,
			ChannelID: e.ChannelID,
			Phase:     phaseFor(e.Kind),
			TaskID:    p.TaskID,
			Query:     p.Query,
			Reward:    p.Reward,
		}); err != nil && s.logger != nil {
			s.logger.Warn(ctx, "server: orpar advance rejected", "error", err)
		}

	case models.EventORPARClearState:
		s.loop.ClearState(agentID, e.ChannelID)

	case models.EventMemoryCreate:
		var p struct {
			Content    models.MemoryContent `json:"content"`
			Kind       models.MemoryKind    `json:"kind"`
			EntityRefs []string              `json:"entity_refs"`
		}
		if err := decodeData(e.Data, &p); err != nil {
			return
		}
		rec, err := s.mem.Store(ctx, p.Content, e.ChannelID, agentID, p.Kind, p.EntityRefs)
		if err != nil {
			s.serverBus.Emit(models.Event{Kind: models.EventMemoryCreateError, AgentID: agentID, ChannelID: e.ChannelID, Data: err.Error()})
			return
		}
		s.serverBus.Emit(models.Event{Kind: models.EventMemoryCreateResult, AgentID: agentID, ChannelID: e.ChannelID, Data: rec})

	case models.EventMemoryGet:
		var p struct {
			Query  string      `json:"query"`
			Phase  models.Phase `json:"phase"`
			TaskID string      `json:"task_id"`
		}
		if err := decodeData(e.Data, &p); err != nil {
			return
		}
		results, err := s.mem.Retrieve(ctx, memory.RetrieveOptions{ChannelID: e.ChannelID, AgentID: agentID, Phase: p.Phase, Query: p.Query, TaskID: p.TaskID})
		if err != nil {
			s.serverBus.Emit(models.Event{Kind: models.EventMemoryGetError, AgentID: agentID, ChannelID: e.ChannelID, Data: err.Error()})
			return
		}
		s.serverBus.Emit(models.Event{Kind: models.EventMemoryGetResult, AgentID: agentID, ChannelID: e.ChannelID, Data: results})

	default:
		if s.logger != nil {
			s.logger.Debug(ctx, "server: unhandled inbound event kind", "kind", e.Kind)
		}
	}
}

func taskStatusFor(kind models.EventKind) models.TaskStatus {
	switch kind {
	case models.EventTaskStarted:
		return models.TaskInProgress
	case models.EventTaskCompleted:
		return models.TaskCompleted
	case models.EventTaskFailed:
		return models.TaskFailed
	case models.EventTaskCancelled:
		return models.TaskCancelled
	default:
		return models.TaskPending
	}
}

func phaseFor(kind models.EventKind) models.Phase {
	switch kind {
	case models.EventORPARObserve:
		return models.PhaseObserve
	case models.EventORPARReason:
		return models.PhaseReason
	case models.EventORPARPlan:
		return models.PhasePlan
	case models.EventORPARAct:
		return models.PhaseAct
	default:
		return models.PhaseReflect
	}
}

// decodeData round-trips an any-typed event payload (typically a
// map[string]any decoded from the wire by encoding/json) into a concrete
// struct, since events.Core carries Data as any for kind-independent
// transport.
func decodeData(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
