// Package transport implements the narrow bidirectional transport
// interface over a real WebSocket connection using gorilla/websocket.
// Each frame carries {kind, payload, timestamp}.
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modelexchange/mxf/pkg/models"
)

// Frame is the wire shape of one transport message.
type Frame struct {
	Kind      models.EventKind `json:"kind"`
	Payload   any              `json:"payload"`
	Timestamp int64            `json:"timestamp"`
}

// WSConn adapts a *websocket.Conn to the events.Transport interface. One
// WSConn exists per connected session.
type WSConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	onReceive func(models.Event)
	closed    bool
}

// NewWSConn wraps conn and starts the read pump, which calls the handler
// registered via OnReceive for every inbound frame.
func NewWSConn(conn *websocket.Conn) *WSConn {
	w := &WSConn{conn: conn}
	go w.readPump()
	return w
}

func (w *WSConn) readPump() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		w.mu.Lock()
		handler := w.onReceive
		w.mu.Unlock()
		if handler == nil {
			continue
		}

		handler(models.Event{
			Kind:      frame.Kind,
			Timestamp: frame.Timestamp,
			Data:      frame.Payload,
		})
	}
}

// Send writes event to the connection as a framed JSON message.
func (w *WSConn) Send(event models.Event) error {
	frame := Frame{
		Kind:      event.Kind,
		Payload:   event.Data,
		Timestamp: event.Timestamp,
	}
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// OnReceive registers the handler invoked for every inbound frame.
func (w *WSConn) OnReceive(handler func(models.Event)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReceive = handler
}

// Connected reports whether the underlying socket has not yet errored.
func (w *WSConn) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}

// Disconnect closes the underlying connection.
func (w *WSConn) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.conn.Close()
}
