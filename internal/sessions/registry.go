// Package sessions implements the Session Registry: the authoritative map
// from session-id to {agent-id, channel-id(s), subscribed kinds,
// liveness}, channel/room membership, and heartbeat sweeping. The CRUD
// interface follows internal/sessions.Store and the sweep loop follows
// internal/heartbeat.Runner, generalized from a single chat-session model
// to a multi-channel room model.
package sessions

import (
	"sync"
	"time"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// Transport is the minimal per-session send capability the registry needs
// to broadcast and deliver heartbeats.
type Transport interface {
	Send(models.Event) error
}

// Registry tracks connected agent sessions and their channel memberships.
// Readers may run concurrently; writes go through the registry's own
// mutex rather than a global lock.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*entry
	rooms map[string]map[string]bool // channel-id -> session-id set

	metrics *observability.Metrics
	onEmit  func(models.Event)
}

type entry struct {
	session   *models.AgentSession
	transport Transport
}

// New builds an empty Registry. onEmit is called for every event the
// registry itself needs to raise (agent:left, heartbeat:timeout, ...);
// wire it to the server event bus's Emit.
func New(metrics *observability.Metrics, onEmit func(models.Event)) *Registry {
	return &Registry{
		byID:    make(map[string]*entry),
		rooms:   make(map[string]map[string]bool),
		metrics: metrics,
		onEmit:  onEmit,
	}
}

// Register adds a new session, created on connect.
func (r *Registry) Register(session *models.AgentSession, transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session.ConnectedAt = time.Now()
	session.LastHeartbeat = time.Now()
	r.byID[session.SessionID] = &entry{session: session, transport: transport}

	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.byID)))
	}
}

// JoinChannel adds a session to a channel room. Idempotent: re-joining an
// already-member channel is a no-op.
func (r *Registry) JoinChannel(sessionID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[sessionID]
	if !ok {
		return
	}

	for _, id := range e.session.ChannelIDs {
		if id == channelID {
			return // already a member
		}
	}
	e.session.ChannelIDs = append(e.session.ChannelIDs, channelID)

	if r.rooms[channelID] == nil {
		r.rooms[channelID] = make(map[string]bool)
	}
	r.rooms[channelID][sessionID] = true
}

// LeaveChannel removes a session from a channel room and emits
// agent:left_channel.
func (r *Registry) LeaveChannel(sessionID, channelID string) {
	r.mu.Lock()
	e, ok := r.byID[sessionID]
	if ok {
		filtered := e.session.ChannelIDs[:0:0]
		for _, id := range e.session.ChannelIDs {
			if id != channelID {
				filtered = append(filtered, id)
			}
		}
		e.session.ChannelIDs = filtered
	}
	if room := r.rooms[channelID]; room != nil {
		delete(room, sessionID)
	}
	r.mu.Unlock()

	if ok && r.onEmit != nil {
		r.onEmit(models.Event{
			Kind:      models.EventAgentLeftChannel,
			AgentID:   e.session.AgentID,
			ChannelID: channelID,
		})
	}
}

// Heartbeat records liveness for a session.
func (r *Registry) Heartbeat(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[sessionID]
	if !ok {
		return false
	}
	e.session.LastHeartbeat = time.Now()
	return true
}

// SessionsInChannel implements events.RoomLookup.
func (r *Registry) SessionsInChannel(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[channelID]
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	return out
}

// SendToSession implements events.SessionSender.
func (r *Registry) SendToSession(sessionID string, event models.Event) error {
	r.mu.RLock()
	e, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok || e.transport == nil {
		return nil
	}
	return e.transport.Send(event)
}

// ForEachInChannel calls fn for every session currently joined to
// channelID.
func (r *Registry) ForEachInChannel(channelID string, fn func(*models.AgentSession)) {
	r.mu.RLock()
	room := r.rooms[channelID]
	sessions := make([]*models.AgentSession, 0, len(room))
	for id := range room {
		if e, ok := r.byID[id]; ok {
			sessions = append(sessions, e.session)
		}
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// Broadcast emits event to every session in channelID via onEmit, which is
// expected to be wired to the server bus (and therefore to room fan-out).
func (r *Registry) Broadcast(channelID string, event models.Event) {
	event.ChannelID = channelID
	if r.onEmit != nil {
		r.onEmit(event)
	}
}

// Get returns the session for sessionID, if connected.
func (r *Registry) Get(sessionID string) (*models.AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// ByAgentID returns the connected session for agentID, used by the
// Tool Dispatcher to resolve an agent's allow-list before dispatch (spec
// §4.6). An agent normally owns a single session; if more than one is
// connected the most recently registered (latest ConnectedAt) wins.
func (r *Registry) ByAgentID(agentID string) (*models.AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *models.AgentSession
	for _, e := range r.byID {
		if e.session.AgentID == agentID && (found == nil || e.session.ConnectedAt.After(found.ConnectedAt)) {
			found = e.session
		}
	}
	return found, found != nil
}

// Disconnect removes a session and emits agent:disconnected plus
// channel:agent:left for every room it belonged to.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	e, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, sessionID)
	for _, room := range r.rooms {
		delete(room, sessionID)
	}
	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(len(r.byID)))
	}
	r.mu.Unlock()

	if r.onEmit == nil {
		return
	}
	r.onEmit(models.Event{Kind: models.EventAgentDisconnected, AgentID: e.session.AgentID})
	for _, channelID := range e.session.ChannelIDs {
		r.onEmit(models.Event{Kind: models.EventChannelAgentLeft, AgentID: e.session.AgentID, ChannelID: channelID})
	}
}

// Snapshot returns every currently connected session, copy-on-write style
// so callers never iterate while holding the registry's lock.
func (r *Registry) Snapshot() []*models.AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AgentSession, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.session)
	}
	return out
}
