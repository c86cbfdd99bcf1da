package models

import "time"

// AgentSession is a connected agent's identity and runtime state, as
// tracked by the Session Registry.
type AgentSession struct {
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	DisplayName string    `json:"display_name"`
	ChannelIDs  []string  `json:"channel_ids"`
	SubKinds    []EventKind `json:"subscribed_kinds"`
	ToolAllow   []string  `json:"tool_allow_list"`
	LLMProvider string    `json:"llm_provider,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ConnectedAt time.Time `json:"connected_at"`
}

// CanCall reports whether this session's tool allow-list permits calling
// the named tool. An empty allow-list means no tools are permitted;
// callers must populate it explicitly, matching a deny-by-default
// posture.
func (s *AgentSession) CanCall(toolName string) bool {
	for _, name := range s.ToolAllow {
		if name == toolName {
			return true
		}
	}
	return false
}

// Channel is a membership room: a scope for broadcast and task-graph
// operations.
type Channel struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Private  bool           `json:"private"`
	Approval bool           `json:"approval_required"`
	Capacity int            `json:"capacity"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
