package sessions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/sessions"
	"github.com/modelexchange/mxf/pkg/models"
)

type fakeTransport struct {
	sent []models.Event
}

func (f *fakeTransport) Send(e models.Event) error {
	f.sent = append(f.sent, e)
	return nil
}

func TestRegistry_JoinChannelIsIdempotent(t *testing.T) {
	r := sessions.New(nil, nil)
	sess := &models.AgentSession{SessionID: "s1", AgentID: "a1"}
	r.Register(sess, &fakeTransport{})

	r.JoinChannel("s1", "c1")
	r.JoinChannel("s1", "c1")

	require.Len(t, sess.ChannelIDs, 1)
	assert.ElementsMatch(t, []string{"s1"}, r.SessionsInChannel("c1"))
}

func TestRegistry_LeaveChannelEmitsEvent(t *testing.T) {
	var emitted []models.Event
	r := sessions.New(nil, func(e models.Event) { emitted = append(emitted, e) })

	sess := &models.AgentSession{SessionID: "s1", AgentID: "a1"}
	r.Register(sess, &fakeTransport{})
	r.JoinChannel("s1", "c1")
	r.LeaveChannel("s1", "c1")

	require.Len(t, emitted, 1)
	assert.Equal(t, models.EventAgentLeftChannel, emitted[0].Kind)
	assert.Empty(t, r.SessionsInChannel("c1"))
}

func TestRegistry_DisconnectEmitsPerChannelLeave(t *testing.T) {
	var emitted []models.Event
	r := sessions.New(nil, func(e models.Event) { emitted = append(emitted, e) })

	sess := &models.AgentSession{SessionID: "s1", AgentID: "a1"}
	r.Register(sess, &fakeTransport{})
	r.JoinChannel("s1", "c1")
	r.JoinChannel("s1", "c2")

	r.Disconnect("s1")

	var kinds []models.EventKind
	for _, e := range emitted {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, models.EventAgentDisconnected)
	assert.Equal(t, 2, countKind(emitted, models.EventChannelAgentLeft))
	_, ok := r.Get("s1")
	assert.False(t, ok)
}

func TestRegistry_SendToSessionRoutesThroughTransport(t *testing.T) {
	r := sessions.New(nil, nil)
	tr := &fakeTransport{}
	r.Register(&models.AgentSession{SessionID: "s1", AgentID: "a1"}, tr)

	err := r.SendToSession("s1", models.Event{Kind: models.EventHeartbeat})
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)
}

func TestSweeper_EvictsStaleSessions(t *testing.T) {
	var emitted []models.Event
	r := sessions.New(nil, func(e models.Event) { emitted = append(emitted, e) })
	sess := &models.AgentSession{SessionID: "s1", AgentID: "a1"}
	r.Register(sess, &fakeTransport{})
	sess.LastHeartbeat = time.Now().Add(-10 * time.Minute)

	sweeper := sessions.NewSweeper(r, sessions.SweepConfig{Interval: time.Hour, Timeout: time.Minute})
	sweeper.Sweep()

	_, ok := r.Get("s1")
	assert.False(t, ok)
	assert.Contains(t, kindsOf(emitted), models.EventHeartbeatTimeout)
}

func countKind(events []models.Event, kind models.EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func kindsOf(events []models.Event) []models.EventKind {
	out := make([]models.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}
