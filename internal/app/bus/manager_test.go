package bus

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/core/coretest"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, d *coretest.Dialer, opts ...Option) *Manager {
	t.Helper()
	base := []Option{WithBackoff(Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3})}
	m := New(d, append(base, opts...)...)
	t.Cleanup(m.Close)
	return m
}

func connect(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.EnsureConnected(ctx)
	require.NoError(t, err)
}

func noop(Message) {}

func deliver(t *testing.T, c *coretest.Conn, topic, raw string) {
	t.Helper()
	require.NoError(t, c.Deliver(topic, json.RawMessage(raw)))
}

func TestSubscribeSharesPhysicalSubscription(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)
	conn := d.Last()

	s1, err := m.Subscribe("/typing/c1", noop)
	require.NoError(t, err)
	s2, err := m.Subscribe("/typing/c1", noop)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.Count(core.CmdSubscribe, "/typing/c1"))

	s1.Unsubscribe()
	assert.Equal(t, 0, conn.Count(core.CmdUnsubscribe, "/typing/c1"))

	s2.Unsubscribe()
	s2.Unsubscribe()
	assert.Equal(t, 1, conn.Count(core.CmdUnsubscribe, "/typing/c1"))
	assert.Equal(t, 0, m.Status().Topics)
}

func TestPhysicalFramesFollowHandlerTransitions(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)
	conn := d.Last()

	topics := []string{"/typing/a", "/typing/b", "/online/u1"}
	live := map[string][]*Subscription{}
	subs, unsubs := map[string]int{}, map[string]int{}
	rng := rand.New(rand.NewPCG(1, 2))

	for range 300 {
		topic := topics[rng.IntN(len(topics))]
		if len(live[topic]) == 0 || rng.IntN(2) == 0 {
			s, err := m.Subscribe(topic, noop)
			require.NoError(t, err)
			if len(live[topic]) == 0 {
				subs[topic]++
			}
			live[topic] = append(live[topic], s)
			continue
		}
		i := rng.IntN(len(live[topic]))
		live[topic][i].Unsubscribe()
		live[topic] = append(live[topic][:i], live[topic][i+1:]...)
		if len(live[topic]) == 0 {
			unsubs[topic]++
		}
	}

	for _, topic := range topics {
		assert.Equal(t, subs[topic], conn.Count(core.CmdSubscribe, topic), topic)
		assert.Equal(t, unsubs[topic], conn.Count(core.CmdUnsubscribe, topic), topic)
	}
}

func TestDispatchIsolatesPanickingHandler(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)

	var first, third atomic.Int32
	_, err := m.Subscribe("/online/u2", func(Message) { first.Add(1) })
	require.NoError(t, err)
	_, err = m.Subscribe("/online/u2", func(Message) { panic("boom") })
	require.NoError(t, err)
	_, err = m.Subscribe("/online/u2", func(msg Message) {
		var p domain.Presence
		if msg.Decode(&p) == nil && p.Online {
			third.Add(1)
		}
	})
	require.NoError(t, err)

	deliver(t, d.Last(), "/online/u2", `{"userId":"u2","online":true}`)

	assert.Equal(t, int32(1), first.Load())
	assert.Equal(t, int32(1), third.Load())
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)

	var second *Subscription
	var calls atomic.Int32
	first, err := m.Subscribe("/typing/c1", func(Message) { second.Unsubscribe() })
	require.NoError(t, err)
	second, err = m.Subscribe("/typing/c1", func(Message) { calls.Add(1) })
	require.NoError(t, err)

	deliver(t, d.Last(), "/typing/c1", `{}`)
	assert.Zero(t, calls.Load())

	first.Unsubscribe()
	assert.Equal(t, 1, d.Last().Count(core.CmdUnsubscribe, "/typing/c1"))
}

func TestOfflinePublishIsFlushedAfterReplay(t *testing.T) {
	d := &coretest.Dialer{}
	d.Block()
	m := newTestManager(t, d)

	_, err := m.Subscribe("/typing/c1", noop)
	require.NoError(t, err)
	del := m.Publish(domain.TopicAppChat, map[string]string{"chatId": "c1", "text": "hi"})
	assert.Equal(t, domain.Connecting, m.Status().State)
	assert.Equal(t, 1, m.Status().Queued)

	d.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, del.Wait(ctx))

	frames := d.Last().Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, core.CmdSubscribe, frames[0].Command)
	assert.Equal(t, "/typing/c1", frames[0].Destination)
	assert.Equal(t, core.CmdSend, frames[1].Command)
	assert.Equal(t, domain.TopicAppChat, frames[1].Destination)
	assert.JSONEq(t, `{"chatId":"c1","text":"hi"}`, string(frames[1].Body))
}

func TestReconnectReplaysRegistryOnce(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)

	var a1, a2, b atomic.Int32
	for _, h := range []Handler{
		func(Message) { a1.Add(1) },
		func(Message) { a2.Add(1) },
	} {
		_, err := m.Subscribe("/notifications/u1", h)
		require.NoError(t, err)
	}
	_, err := m.Subscribe("/typing/c9", func(Message) { b.Add(1) })
	require.NoError(t, err)

	for i := range 3 {
		d.Last().Drop()
		require.Eventually(t, func() bool {
			return d.Count() == i+2 && m.Status().Connected
		}, 2*time.Second, 5*time.Millisecond)

		conn := d.Last()
		frames := conn.Frames()
		require.Len(t, frames, 2)
		assert.Equal(t, "/notifications/u1", frames[0].Destination)
		assert.Equal(t, "/typing/c9", frames[1].Destination)

		deliver(t, conn, "/notifications/u1", `{"action":"post_like","from":"u7"}`)
		deliver(t, conn, "/typing/c9", `{}`)
	}

	assert.Equal(t, int32(3), a1.Load())
	assert.Equal(t, int32(3), a2.Load())
	assert.Equal(t, int32(3), b.Load())
	assert.Equal(t, 2, m.Status().Topics)
	assert.Zero(t, m.Status().ReconnectAttempts)
}

func TestStaleConnectionFramesAreIgnored(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)

	var calls atomic.Int32
	_, err := m.Subscribe("/typing/c1", func(Message) { calls.Add(1) })
	require.NoError(t, err)

	old := d.Last()
	old.Drop()
	require.Eventually(t, func() bool { return d.Count() == 2 && m.Status().Connected }, 2*time.Second, 5*time.Millisecond)

	deliver(t, old, "/typing/c1", `{}`)
	assert.Zero(t, calls.Load())
}

func TestReconnectExhaustion(t *testing.T) {
	d := &coretest.Dialer{}
	d.Fail(-1)
	inv := &recordingInvalidator{}
	m := newTestManager(t, d, WithInvalidator(inv))

	del := m.Publish(domain.TopicAppTyping, map[string]any{"chatId": "c1", "typing": true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.EnsureConnected(ctx)
	require.ErrorIs(t, err, domain.ErrReconnectExhausted)
	require.ErrorIs(t, del.Wait(ctx), domain.ErrReconnectExhausted)

	st := m.Status()
	assert.Equal(t, domain.Disconnected, st.State)
	assert.Equal(t, 3, st.ReconnectAttempts)
	assert.Equal(t, 3, st.MaxReconnectAttempts)
	assert.Equal(t, 3, d.Dials())
	require.Eventually(t, func() bool { return inv.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectVoidsInFlightAttempt(t *testing.T) {
	d := &coretest.Dialer{}
	d.Block()
	m := newTestManager(t, d)

	_, err := m.Subscribe("/calls/u1", noop)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.EnsureConnected(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return d.Waiting() == 1 }, time.Second, time.Millisecond)

	m.Disconnect()
	require.ErrorIs(t, <-errCh, domain.ErrSuperseded)
	d.Release()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, d.Count())
	assert.Equal(t, domain.Disconnected, m.Status().State)

	connect(t, m)
	assert.Equal(t, 1, d.Last().Count(core.CmdSubscribe, "/calls/u1"))
}

func TestConcurrentEnsureConnectedSharesAttempt(t *testing.T) {
	d := &coretest.Dialer{}
	d.Block()
	m := newTestManager(t, d)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.EnsureConnected(context.Background())
		}()
	}
	require.Eventually(t, func() bool { return d.Waiting() == 1 }, time.Second, time.Millisecond)
	d.Release()
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, d.Dials())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	d := &coretest.Dialer{}
	d.Block()
	m := newTestManager(t, d, WithQueueCap(2))

	d1 := m.Publish("/app/chat", map[string]string{"text": "1"})
	d2 := m.Publish("/app/chat", map[string]string{"text": "2"})
	d3 := m.Publish("/app/chat", map[string]string{"text": "3"})

	<-d1.Done()
	assert.ErrorIs(t, d1.Err(), domain.ErrQueueOverflow)

	d.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d2.Wait(ctx))
	require.NoError(t, d3.Wait(ctx))

	frames := d.Last().Frames()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"text":"2"}`, string(frames[0].Body))
	assert.JSONEq(t, `{"text":"3"}`, string(frames[1].Body))
}

func TestCancelQueuedPublish(t *testing.T) {
	d := &coretest.Dialer{}
	d.Block()
	m := newTestManager(t, d)

	del := m.Publish(domain.TopicAppCall, map[string]string{"type": "invite"})
	require.True(t, del.Cancel())
	assert.ErrorIs(t, del.Err(), domain.ErrCanceled)
	assert.False(t, del.Cancel())

	d.Release()
	connect(t, m)
	assert.Zero(t, d.Last().Count(core.CmdSend, ""))
}

func TestPublishFailureIsNotRetried(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)

	conn := d.Last()
	conn.FailSends(errors.New("broken pipe"))

	del := m.Publish(domain.TopicAppChat, map[string]string{"text": "x"})
	<-del.Done()
	assert.ErrorIs(t, del.Err(), domain.ErrPublishFailure)
	assert.False(t, del.Cancel())
	assert.Zero(t, conn.Count(core.CmdSend, ""))
	assert.Equal(t, 1, d.Dials())
}

func TestSubscribeSendFailureRollsBack(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)

	conn := d.Last()
	conn.FailSends(errors.New("broken pipe"))

	_, err := m.Subscribe("/typing/c1", noop)
	require.ErrorIs(t, err, domain.ErrSubscribeFailure)
	assert.Zero(t, m.Status().Topics)
}

func TestServerRejectsSubscription(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)

	var calls atomic.Int32
	var rejected error
	_, err := m.Subscribe("/notifications/other", func(Message) { calls.Add(1) },
		OnError(func(err error) { rejected = err }))
	require.NoError(t, err)

	conn := d.Last()
	conn.Push(core.Frame{
		Command:      core.CmdError,
		Subscription: conn.SubID("/notifications/other"),
		Message:      "forbidden",
	})
	require.ErrorIs(t, rejected, domain.ErrSubscribeFailure)

	deliver(t, conn, "/notifications/other", `{}`)
	assert.Zero(t, calls.Load())
}

func TestInvalidPayloadIsNotSent(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	connect(t, m)

	del := m.Publish(domain.TopicAppChat, []byte("not json"))
	<-del.Done()
	assert.ErrorIs(t, del.Err(), domain.ErrPublishFailure)
	assert.Zero(t, d.Last().Count(core.CmdSend, ""))
}

func TestStateChangesAreOrdered(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)

	var mu sync.Mutex
	var seen []stateChange
	stop := m.OnStateChange(func(prev, next domain.ConnectionState) {
		mu.Lock()
		seen = append(seen, stateChange{prev, next})
		mu.Unlock()
	})
	defer stop()

	connect(t, m)
	d.Last().Drop()
	require.Eventually(t, func() bool { return d.Count() == 2 && m.Status().Connected }, 2*time.Second, 5*time.Millisecond)
	m.Disconnect()

	want := []stateChange{
		{domain.Disconnected, domain.Connecting},
		{domain.Connecting, domain.Connected},
		{domain.Connected, domain.Reconnecting},
		{domain.Reconnecting, domain.Connected},
		{domain.Connected, domain.Disconnected},
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestClosedManagerRejectsWork(t *testing.T) {
	d := &coretest.Dialer{}
	m := newTestManager(t, d)
	m.Close()

	_, err := m.Subscribe("/typing/c1", noop)
	assert.ErrorIs(t, err, domain.ErrClosed)
	del := m.Publish(domain.TopicAppChat, map[string]string{"text": "x"})
	assert.ErrorIs(t, del.Err(), domain.ErrClosed)
	_, err = m.EnsureConnected(context.Background())
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 8}
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, b.Delay(c.n), "attempt %d", c.n)
	}

	b.Jitter = true
	for range 50 {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestListenersDoNotRunOnCallerStack(t *testing.T) {
	d := &coretest.Dialer{}
	d.Block()
	m := newTestManager(t, d)

	var held sync.Mutex
	seen := make(chan domain.ConnectionState, 8)
	stop := m.OnStateChange(func(_, next domain.ConnectionState) {
		held.Lock()
		held.Unlock()
		seen <- next
	})
	defer stop()

	// The caller holds a lock its own listener needs.
	held.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Publish(domain.TopicAppChat, map[string]string{"text": "x"})
		_, _ = m.Subscribe("/typing/c1", noop)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish waited for a state listener")
	}
	held.Unlock()

	select {
	case next := <-seen:
		assert.Equal(t, domain.Connecting, next)
	case <-time.After(time.Second):
		t.Fatal("state change not delivered")
	}

	m.Disconnect()
	done = make(chan struct{})
	held.Lock()
	go func() {
		defer close(done)
		_, _ = m.Subscribe("/typing/c2", noop)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe waited for a state listener")
	}
	held.Unlock()
}
