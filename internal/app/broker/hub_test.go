package broker

import (
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
}

func (c *fakeConn) TrySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("backpressure")
	}
	var f core.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) messages(topic string) []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.Frame
	for _, f := range c.frames {
		if f.Command == core.CmdMessage && f.Destination == topic {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) errors() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.Frame
	for _, f := range c.frames {
		if f.Command == core.CmdError {
			out = append(out, f)
		}
	}
	return out
}

type client struct {
	sid      SessionID
	conn     *fakeConn
	canceled bool
}

func connect(h *Hub, uid domain.UserID) *client {
	c := &client{conn: &fakeConn{}}
	c.sid = h.Connect(uid, c.conn, func() { c.canceled = true })
	return c
}

func sub(h *Hub, c *client, topic, id string) {
	h.HandleFrame(c.sid, core.Frame{Command: core.CmdSubscribe, Destination: topic, Subscription: id})
}

func send(t *testing.T, h *Hub, c *client, dest string, body any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	h.HandleFrame(c.sid, core.Frame{Command: core.CmdSend, Destination: dest, Body: raw})
}

func TestChatRoutesToTopicAndNotifiesRecipient(t *testing.T) {
	h := NewHub(SimplePolicy{})
	alice := connect(h, "alice")
	bob := connect(h, "bob")
	sub(h, bob, "/chat/c1", "s1")
	sub(h, bob, "/notifications/bob", "s2")

	send(t, h, alice, domain.TopicAppChat, map[string]any{"chatId": "c1", "text": "hi", "to": "bob"})

	msgs := bob.conn.messages("/chat/c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].Subscription)
	var chat domain.ChatMessage
	require.NoError(t, json.Unmarshal(msgs[0].Body, &chat))
	assert.Equal(t, domain.UserID("alice"), chat.From)
	assert.Equal(t, "hi", chat.Text)

	notes := bob.conn.messages("/notifications/bob")
	require.Len(t, notes, 1)
	var n domain.Notification
	require.NoError(t, domain.Decode(notes[0].Body, &n))
	assert.Equal(t, domain.ActionNewMessage, n.Action)
	assert.Equal(t, domain.ChatID("c1"), n.ChatID)
}

func TestPrivateTopicRejected(t *testing.T) {
	h := NewHub(SimplePolicy{})
	alice := connect(h, "alice")

	sub(h, alice, "/notifications/bob", "s1")
	errs := alice.conn.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, "s1", errs[0].Subscription)
	assert.Contains(t, errs[0].Message, "forbidden")
	assert.Zero(t, h.Stats().Topics)

	sub(h, alice, "/app/chat", "s2")
	assert.Len(t, alice.conn.errors(), 2)
}

func TestPresenceOnFirstAndLastSession(t *testing.T) {
	h := NewHub(SimplePolicy{})
	watcher := connect(h, "w")
	sub(h, watcher, "/online/alice", "p")

	a1 := connect(h, "alice")
	a2 := connect(h, "alice")
	h.Disconnect(a1.sid)
	h.Disconnect(a2.sid)

	msgs := watcher.conn.messages("/online/alice")
	require.Len(t, msgs, 2)
	var on, off domain.Presence
	require.NoError(t, json.Unmarshal(msgs[0].Body, &on))
	require.NoError(t, json.Unmarshal(msgs[1].Body, &off))
	assert.True(t, on.Online)
	assert.False(t, off.Online)
	assert.NotZero(t, off.LastSeen)
}

func TestCallSignalForgeryIsRejected(t *testing.T) {
	h := NewHub(SimplePolicy{})
	alice := connect(h, "alice")
	bob := connect(h, "bob")
	sub(h, alice, "/errors/alice", "e")
	sub(h, bob, "/calls/bob", "c")

	send(t, h, alice, domain.TopicAppCall, domain.Signal{Kind: domain.SignalInvite, CallID: "x", From: "carol", To: "bob"})
	assert.Empty(t, bob.conn.messages("/calls/bob"))

	errs := alice.conn.messages("/errors/alice")
	require.Len(t, errs, 1)
	var se domain.ServerError
	require.NoError(t, json.Unmarshal(errs[0].Body, &se))
	assert.Equal(t, "forbidden", se.Code)

	send(t, h, alice, domain.TopicAppCall, domain.Signal{Kind: domain.SignalInvite, CallID: "x", From: "alice", To: "bob"})
	require.Len(t, bob.conn.messages("/calls/bob"), 1)
}

func TestInviteToOfflineUserIsRejected(t *testing.T) {
	h := NewHub(SimplePolicy{})
	alice := connect(h, "alice")
	sub(h, alice, "/calls/alice", "c")

	send(t, h, alice, domain.TopicAppCall, domain.Signal{Kind: domain.SignalInvite, CallID: "x", From: "alice", To: "bob"})

	msgs := alice.conn.messages("/calls/alice")
	require.Len(t, msgs, 1)
	sig, err := domain.DecodeSignal(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalReject, sig.Kind)
	assert.Equal(t, domain.UserID("bob"), sig.From)
}

func TestSlowSessionIsKicked(t *testing.T) {
	h := NewHub(SimplePolicy{})
	alice := connect(h, "alice")
	bob := connect(h, "bob")
	sub(h, bob, "/typing/c1", "t")
	bob.conn.full = true

	send(t, h, alice, domain.TopicAppTyping, map[string]any{"chatId": "c1", "typing": "true"})
	assert.True(t, bob.canceled)
	assert.False(t, alice.canceled)
}

func TestUnsubscribeAndDisconnectClearTopics(t *testing.T) {
	h := NewHub(SimplePolicy{})
	bob := connect(h, "bob")
	sub(h, bob, "/typing/c1", "t1")
	sub(h, bob, "/typing/c2", "t2")
	assert.Equal(t, 2, h.Stats().Topics)

	h.HandleFrame(bob.sid, core.Frame{Command: core.CmdUnsubscribe, Destination: "/typing/c1", Subscription: "stale"})
	assert.Equal(t, 2, h.Stats().Topics)
	h.HandleFrame(bob.sid, core.Frame{Command: core.CmdUnsubscribe, Destination: "/typing/c1", Subscription: "t1"})
	assert.Equal(t, 1, h.Stats().Topics)

	h.Disconnect(bob.sid)
	assert.Equal(t, Stats{}, h.Stats())
}

func TestUnknownRoutePushesError(t *testing.T) {
	h := NewHub(nil)
	alice := connect(h, "alice")
	sub(h, alice, "/errors/alice", "e")

	send(t, h, alice, "/app/nowhere", map[string]string{})
	errs := alice.conn.messages("/errors/alice")
	require.Len(t, errs, 1)
	assert.Contains(t, string(errs[0].Body), "unknown_route")
}

func TestKickCancelsEverySessionOfUser(t *testing.T) {
	h := NewHub(SimplePolicy{})
	a1 := connect(h, "alice")
	a2 := connect(h, "alice")
	bob := connect(h, "bob")

	assert.Equal(t, 2, h.Kick("alice"))
	assert.True(t, a1.canceled)
	assert.True(t, a2.canceled)
	assert.False(t, bob.canceled)
	assert.Zero(t, h.Kick("nobody"))
}
