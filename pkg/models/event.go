// Package models holds the shared data-model types for the Model Exchange
// Framework substrate: events, sessions, channels, tools, tasks, and memory
// records. External collaborators (REST surface, dashboard, storage engines)
// depend on this package without importing substrate internals.
package models

import "time"

// EventKind is a stable string drawn from the closed taxonomy in the
// framework's event groups (agent, message, channel, memory, task, dag,
// tool, orpar, muls, heartbeat). New kinds are added here, never invented
// ad hoc by callers.
type EventKind string

const (
	// Agent group.
	EventAgentRegister       EventKind = "agent:register"
	EventAgentRegistered     EventKind = "agent:registered"
	EventAgentConnected      EventKind = "agent:connected"
	EventAgentConnectionErr  EventKind = "agent:connection:error"
	EventAgentDisconnected   EventKind = "agent:disconnected"
	EventAgentError          EventKind = "agent:error"
	EventAgentJoinChannel    EventKind = "agent:join_channel"
	EventAgentJoinedChannel  EventKind = "agent:joined_channel"
	EventAgentLeftChannel    EventKind = "agent:left_channel"
	EventAgentLeft           EventKind = "agent:left"

	// Message group.
	EventMessageAgent            EventKind = "message:agent"
	EventMessageAgentDelivered   EventKind = "message:agent:delivered"
	EventMessageChannel          EventKind = "message:channel"
	EventMessageChannelDelivered EventKind = "message:channel:delivered"
	EventMessageSendFailed       EventKind = "message:send:failed"

	// Channel group.
	EventChannelCreate         EventKind = "channel:create"
	EventChannelCreated        EventKind = "channel:created"
	EventChannelAgentJoined    EventKind = "channel:agent:joined"
	EventChannelAgentLeft      EventKind = "channel:agent:left"
	EventChannelContextGet     EventKind = "channel:context:get"
	EventChannelContextGot     EventKind = "channel:context:got"
	EventChannelContextUpdate  EventKind = "channel:context:update"
	EventChannelContextUpdated EventKind = "channel:context:updated"

	// Memory group.
	EventMemoryGet       EventKind = "memory:get"
	EventMemoryGetResult EventKind = "memory:get:result"
	EventMemoryGetError  EventKind = "memory:get:error"

	EventMemoryUpdate       EventKind = "memory:update"
	EventMemoryUpdateResult EventKind = "memory:update:result"
	EventMemoryUpdateError  EventKind = "memory:update:error"

	EventMemoryCreate       EventKind = "memory:create"
	EventMemoryCreateResult EventKind = "memory:create:result"
	EventMemoryCreateError  EventKind = "memory:create:error"

	EventMemoryDelete       EventKind = "memory:delete"
	EventMemoryDeleteResult EventKind = "memory:delete:result"
	EventMemoryDeleteError  EventKind = "memory:delete:error"

	// Task group.
	EventTaskCreated         EventKind = "task:created"
	EventTaskAssigned        EventKind = "task:assigned"
	EventTaskStarted         EventKind = "task:started"
	EventTaskProgressUpdated EventKind = "task:progress_updated"
	EventTaskCompleted       EventKind = "task:completed"
	EventTaskFailed          EventKind = "task:failed"
	EventTaskCancelled       EventKind = "task:cancelled"
	EventTaskReassigned      EventKind = "task:reassigned"

	// DAG group.
	EventDAGDependenciesResolved EventKind = "dag:task_dependencies_resolved"
	EventDAGTaskBlocked          EventKind = "dag:task_blocked"
	EventDAGTaskUnblocked        EventKind = "dag:task_unblocked"
	EventDAGCycleDetected        EventKind = "dag:cycle_detected"
	EventDAGExecutionOrder       EventKind = "dag:execution_order_computed"

	// Tool (MCP) group.
	EventMCPToolRegister         EventKind = "mcp:tool:register"
	EventMCPToolRegistered       EventKind = "mcp:tool:registered"
	EventMCPToolUnregister       EventKind = "mcp:tool:unregister"
	EventMCPToolUnregistered     EventKind = "mcp:tool:unregistered"
	EventMCPToolCall             EventKind = "mcp:tool:call"
	EventMCPToolResult           EventKind = "mcp:tool:result"
	EventMCPToolError            EventKind = "mcp:tool:error"
	EventMCPToolExecution        EventKind = "mcp:tool:execution"
	EventMCPToolRegistryChanged  EventKind = "mcp:tool:registry:changed"
	EventMCPExternalServerRegister EventKind = "mcp:external:server:register"
	EventMCPExternalServerSpawn    EventKind = "mcp:external:server:spawn"
	EventMCPExternalServerStarted  EventKind = "mcp:external:server:started"
	EventMCPExternalServerStopped  EventKind = "mcp:external:server:stopped"
	EventMCPExternalServerError    EventKind = "mcp:external:server:error"
	EventMCPExternalServerHealth   EventKind = "mcp:external:server:health"

	// ORPAR group.
	EventORPARObserve    EventKind = "orpar:observe"
	EventORPARReason     EventKind = "orpar:reason"
	EventORPARPlan       EventKind = "orpar:plan"
	EventORPARAct        EventKind = "orpar:act"
	EventORPARReflect    EventKind = "orpar:reflect"
	EventORPARStatus     EventKind = "orpar:status"
	EventORPARError      EventKind = "orpar:error"
	EventORPARClearState EventKind = "orpar:clearState"

	// MULS (Memory Utility Learning System) group.
	EventMemoryQValueUpdated           EventKind = "memory:qvalue_updated"
	EventMemoryQValueBatchUpdated      EventKind = "memory:qvalue_batch_updated"
	EventMemoryUtilityRetrievalDone    EventKind = "memory:utility_retrieval_completed"
	EventMemoryRewardAttributed        EventKind = "memory:reward_attributed"
	EventMemoryDegraded                EventKind = "memory:degraded"
	EventSurpriseObservationQueued     EventKind = "surprise:observation:queued"
	EventPlanReconsider                EventKind = "plan:reconsider"

	// Heartbeat group.
	EventHeartbeat         EventKind = "heartbeat"
	EventHeartbeatResponse EventKind = "heartbeat:response"
	EventHeartbeatTimeout  EventKind = "heartbeat:timeout"

	// System group.
	EventSystemShutdown EventKind = "system:shutdown"
	EventSystemError    EventKind = "system:error"

	// Observability.
	EventInferenceFallback EventKind = "inference_fallback"
)

// EventMetadata carries cross-cutting fields every event payload includes.
type EventMetadata struct {
	RequestID       string `json:"request_id,omitempty"`
	Source          string `json:"source,omitempty"` // "sdk" | "server"
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// Event is the wire/in-process representation of one occurrence in the
// system. Data is kind-specific; callers type-assert or use the Data
// field's concrete shape documented for that EventKind.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp int64          `json:"timestamp"` // ms epoch
	AgentID   string         `json:"agent_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Data      any            `json:"data,omitempty"`
	Metadata  EventMetadata  `json:"metadata,omitempty"`
}

// NowMs returns the current time as milliseconds since epoch, the unit
// used for Event.Timestamp throughout the substrate.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
