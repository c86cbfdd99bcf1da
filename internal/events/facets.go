package events

import (
	"github.com/modelexchange/mxf/pkg/models"
)

// Transport is the narrow bidirectional transport interface the bus
// facets depend on: {on, off, emit, onAny, connected, disconnect,
// removeAllListeners} translated to idiomatic Go method names.
// internal/transport provides a concrete websocket implementation.
type Transport interface {
	Send(models.Event) error
	OnReceive(func(models.Event))
	Connected() bool
	Disconnect() error
}

// ClientBus forwards every local Emit onto a Transport and mirrors
// incoming transport events back into local delivery.
type ClientBus struct {
	*Core
	transport Transport
}

// NewClientBus wires a ClientBus to transport. transport may be nil for a
// purely local bus (useful in tests).
func NewClientBus(core *Core, transport Transport) *ClientBus {
	b := &ClientBus{Core: core, transport: transport}
	if transport != nil {
		transport.OnReceive(func(e models.Event) {
			b.Core.Emit(e)
		})
	}
	return b
}

// Emit delivers locally, then forwards to the transport if wired.
func (b *ClientBus) Emit(event models.Event) {
	b.Core.Emit(event)
	if b.transport != nil {
		_ = b.transport.Send(event)
	}
}

// RoomLookup resolves which sessions belong to a channel, used by
// ServerBus to restrict delivery of channel-scoped events to the room.
type RoomLookup interface {
	SessionsInChannel(channelID string) []string
}

// SessionSender delivers one event to one specific session's outbound
// transport. Implemented by the Session Registry.
type SessionSender interface {
	SendToSession(sessionID string, event models.Event) error
}

// ServerBus routes channel-scoped emits to the sessions in that room only;
// events without a channel-id are only delivered to local subscribers
// (e.g. system events).
type ServerBus struct {
	*Core
	rooms   RoomLookup
	sessions SessionSender
}

// NewServerBus wires a ServerBus to the session registry's room lookup.
func NewServerBus(core *Core, rooms RoomLookup, sessions SessionSender) *ServerBus {
	return &ServerBus{Core: core, rooms: rooms, sessions: sessions}
}

// Emit delivers locally, then fans the event out to every session in the
// event's channel room (if any).
func (b *ServerBus) Emit(event models.Event) {
	b.Core.Emit(event)

	if event.ChannelID == "" || b.rooms == nil || b.sessions == nil {
		return
	}

	for _, sessionID := range b.rooms.SessionsInChannel(event.ChannelID) {
		_ = b.sessions.SendToSession(sessionID, event)
	}
}
