package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const defaultSendTimeout = 5 * time.Second

// SessionInvalidator is told when reconnection is exhausted so the
// embedding application can drop its authenticated session.
type SessionInvalidator interface {
	InvalidateSession(cause error)
}

type StateListener func(prev, next domain.ConnectionState)

type Status struct {
	State                domain.ConnectionState
	Connected            bool
	Connecting           bool
	ReconnectAttempts    int
	MaxReconnectAttempts int
	Topics               int
	Queued               int
}

type Option func(*Manager)

func WithBackoff(b Backoff) Option {
	return func(m *Manager) { m.backoff = b }
}

func WithQueueCap(n int) Option {
	return func(m *Manager) { m.pub = newPublisher(n) }
}

func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

func WithInvalidator(inv SessionInvalidator) Option {
	return func(m *Manager) { m.invalidator = inv }
}

// link is one physical connection. dropped records a close that arrived
// before the link became current.
type link struct {
	conn    core.Transport
	dropped bool
}

// attempt is one connect cycle (dial with retries). Waiters share it.
type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	conn   core.Transport
	err    error
}

func (a *attempt) resolve(conn core.Transport, err error) {
	a.once.Do(func() {
		a.conn, a.err = conn, err
		close(a.done)
	})
}

type stateChange struct {
	prev, next domain.ConnectionState
}

type listenerEntry struct {
	id uint64
	fn StateListener
}

// Manager is the process-wide bus client. Construct one with New and share it.
type Manager struct {
	dialer      core.Dialer
	backoff     Backoff
	sendTimeout time.Duration
	invalidator SessionInvalidator

	mu        sync.Mutex
	state     domain.ConnectionState
	link      *link
	attempt   *attempt
	attempts  int
	closed    bool
	reg       *registry
	pub       *publisher
	listeners []listenerEntry
	nextID    uint64
	changes   []stateChange

	emitMu sync.Mutex
}

func New(dialer core.Dialer, opts ...Option) *Manager {
	m := &Manager{
		dialer:      dialer,
		backoff:     DefaultBackoff(),
		sendTimeout: defaultSendTimeout,
		state:       domain.Disconnected,
		reg:         newRegistry(),
		pub:         newPublisher(defaultQueueCap),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins connecting without waiting for the result.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.closed || m.state != domain.Disconnected {
		m.mu.Unlock()
		return
	}
	m.connectLocked(domain.Connecting)
	m.mu.Unlock()
}

// EnsureConnected returns the live transport, joining an in-flight attempt
// or starting a new one. Concurrent callers share one attempt.
func (m *Manager) EnsureConnected(ctx context.Context) (core.Transport, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if m.state == domain.Connected && m.link != nil {
		conn := m.link.conn
		m.mu.Unlock()
		return conn, nil
	}
	a := m.connectLocked(domain.Connecting)
	m.mu.Unlock()

	select {
	case <-a.done:
		return a.conn, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect voids any in-flight attempt and closes the transport. The
// registry and the offline queue survive; the next Subscribe, Publish or
// EnsureConnected reconnects and replays them.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	l, a := m.link, m.attempt
	m.link, m.attempt = nil, nil
	m.attempts = 0
	m.reg.clearPhysical()
	m.setStateLocked(domain.Disconnected)
	m.mu.Unlock()

	if a != nil {
		a.cancel()
		a.resolve(nil, domain.ErrSuperseded)
	}
	if l != nil {
		if err := l.conn.Close(); err != nil {
			log.Debug().Str("module", "bus").Err(err).Msg("close transport")
		}
	}
	log.Info().Str("module", "bus").Msg("disconnected")
	m.emit()
}

// Close disconnects for good. Queued publishes fail with domain.ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queued := m.pub.drain()
	m.mu.Unlock()

	m.Disconnect()
	failAll(queued, domain.ErrClosed)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:                m.state,
		Connected:            m.state == domain.Connected,
		Connecting:           m.state == domain.Connecting || m.state == domain.Reconnecting,
		ReconnectAttempts:    m.attempts,
		MaxReconnectAttempts: m.backoff.attempts(),
		Topics:               len(m.reg.order),
		Queued:               m.pub.len(),
	}
}

// OnStateChange registers fn for every state transition, in order.
// The returned func removes it.
func (m *Manager) OnStateChange(fn StateListener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Subscribe registers h for topic. The first handler of a topic opens the
// physical subscription if connected; otherwise it is opened on connect.
func (m *Manager) Subscribe(topic string, h Handler, opts ...SubscribeOption) (*Subscription, error) {
	if topic == "" || h == nil {
		return nil, fmt.Errorf("%w: empty topic or handler", domain.ErrSubscribeFailure)
	}
	s := &Subscription{m: m, topic: topic, handler: h}
	for _, opt := range opts {
		opt(s)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrClosed
	}
	e, first := m.reg.add(s)
	if first && m.state == domain.Connected && m.link != nil {
		if err := m.subscribeLocked(m.link.conn, e); err != nil {
			m.reg.remove(s)
			m.mu.Unlock()
			return nil, err
		}
	}
	if m.attempt == nil && m.state == domain.Disconnected {
		m.connectLocked(domain.Connecting)
	}
	m.mu.Unlock()
	return s, nil
}

// Unsubscribe removes the handler. The last handler of a topic closes the
// physical subscription.
func (m *Manager) Unsubscribe(s *Subscription) {
	if s == nil || !s.removed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, last := m.reg.remove(s)
	if !last || e.physID == "" || m.link == nil {
		return
	}
	id := e.physID
	e.physID = ""
	if err := m.sendLocked(m.link.conn, core.Frame{
		Command:      core.CmdUnsubscribe,
		Destination:  e.topic,
		Subscription: id,
	}); err != nil {
		log.Warn().Str("module", "bus").Str("topic", e.topic).Err(err).Msg("unsubscribe send failed")
	}
}

// Publish sends payload to topic, or queues it until the connection is
// ready. payload is JSON-encoded unless it already is raw JSON.
func (m *Manager) Publish(topic string, payload any) *Delivery {
	d := newDelivery()
	body, err := encodeBody(payload)
	if err != nil {
		d.resolve(err)
		return d
	}
	out := &outbound{topic: topic, body: body, d: d}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		d.resolve(domain.ErrClosed)
		return d
	}
	if m.state == domain.Connected && m.link != nil {
		err := m.publishLocked(m.link.conn, out)
		m.mu.Unlock()
		d.resolve(err)
		return d
	}

	d.cancel = func() bool { return m.cancelQueued(out) }
	dropped := m.pub.push(out)
	if m.attempt == nil {
		m.connectLocked(domain.Connecting)
	}
	m.mu.Unlock()

	if dropped != nil {
		log.Warn().Str("module", "bus").Str("topic", dropped.topic).Msg("offline queue full, dropping oldest")
		dropped.d.resolve(domain.ErrQueueOverflow)
	}
	return d
}

func (m *Manager) cancelQueued(out *outbound) bool {
	m.mu.Lock()
	removed := m.pub.remove(out)
	m.mu.Unlock()
	if removed {
		out.d.resolve(domain.ErrCanceled)
	}
	return removed
}

// connectLocked returns the in-flight attempt, starting one if needed.
// The state change it queues is delivered by the attempt's goroutine, so
// listeners never run on the stack of Subscribe, Publish or EnsureConnected.
func (m *Manager) connectLocked(next domain.ConnectionState) *attempt {
	if m.attempt != nil {
		return m.attempt
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	m.attempt = a
	m.attempts = 0
	m.setStateLocked(next)
	go m.run(a)
	return a
}

func (m *Manager) run(a *attempt) {
	m.emit()

	var l *link
	limit := m.backoff.attempts()
	err := retry.Do(
		func() error {
			nl := &link{}
			conn, err := m.dialer.Dial(a.ctx,
				func(f core.Frame) { m.onFrame(nl, f) },
				func(err error) { m.onClose(nl, err) },
			)
			if err != nil {
				return err
			}
			nl.conn = conn
			l = nl
			return nil
		},
		retry.Context(a.ctx),
		retry.Attempts(uint(limit)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return m.backoff.Delay(int(n))
		}),
		retry.MaxDelay(m.backoff.Max),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.mu.Lock()
			if m.attempt == a {
				m.attempts++
			}
			m.mu.Unlock()
			log.Warn().Str("module", "bus").Uint("attempt", n+1).Int("max", limit).Err(err).Msg("connect attempt failed")
		}),
	)
	m.finish(a, l, err)
}

func (m *Manager) finish(a *attempt, l *link, err error) {
	defer a.cancel()

	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		if l != nil {
			_ = l.conn.Close()
		}
		a.resolve(nil, domain.ErrSuperseded)
		log.Debug().Str("module", "bus").Msg("connect attempt superseded")
		return
	}
	m.attempt = nil

	if err != nil || l == nil {
		if err == nil {
			err = errors.New("no connection")
		}
		cause := fmt.Errorf("%w: %w", domain.ErrReconnectExhausted, err)
		queued := m.pub.drain()
		m.setStateLocked(domain.Disconnected)
		m.mu.Unlock()

		a.resolve(nil, cause)
		failAll(queued, cause)
		log.Error().Str("module", "bus").Err(err).Msg("reconnect exhausted")
		m.emit()
		if m.invalidator != nil {
			m.invalidator.InvalidateSession(cause)
		}
		return
	}

	m.link = l
	m.attempts = 0
	m.replayLocked(l.conn)
	m.flushLocked(l.conn)
	m.setStateLocked(domain.Connected)
	dropped := l.dropped
	m.mu.Unlock()

	a.resolve(l.conn, nil)
	log.Info().Str("module", "bus").Msg("connected")
	m.emit()
	if dropped {
		m.onClose(l, domain.ErrTransport)
	}
}

// replayLocked re-opens one physical subscription per registered topic,
// in registration order.
func (m *Manager) replayLocked(conn core.Transport) {
	for _, e := range m.reg.entries() {
		e.physID = ""
		if err := m.subscribeLocked(conn, e); err != nil {
			log.Warn().Str("module", "bus").Str("topic", e.topic).Err(err).Msg("replay subscribe failed")
		}
	}
}

// flushLocked sends queued publishes in order. Each gets one send.
func (m *Manager) flushLocked(conn core.Transport) {
	for _, out := range m.pub.drain() {
		out.d.resolve(m.publishLocked(conn, out))
	}
}

func (m *Manager) subscribeLocked(conn core.Transport, e *topicEntry) error {
	id := uuid.NewString()
	if err := m.sendLocked(conn, core.Frame{
		Command:      core.CmdSubscribe,
		Destination:  e.topic,
		Subscription: id,
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrSubscribeFailure, e.topic, err)
	}
	e.physID = id
	return nil
}

func (m *Manager) publishLocked(conn core.Transport, out *outbound) error {
	if err := m.sendLocked(conn, core.Frame{
		Command:     core.CmdSend,
		Destination: out.topic,
		Body:        out.body,
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrPublishFailure, out.topic, err)
	}
	return nil
}

func (m *Manager) sendLocked(conn core.Transport, f core.Frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
	defer cancel()
	return conn.Send(ctx, f)
}

func (m *Manager) onFrame(l *link, f core.Frame) {
	switch f.Command {
	case core.CmdMessage:
		m.mu.Lock()
		if m.link != l {
			m.mu.Unlock()
			return
		}
		subs := m.reg.snapshot(f.Destination, f.Subscription)
		m.mu.Unlock()
		dispatch(subs, Message{Topic: f.Destination, Body: f.Body})

	case core.CmdError:
		m.mu.Lock()
		if m.link != l {
			m.mu.Unlock()
			return
		}
		topic, subs := m.reg.reject(f.Subscription)
		m.mu.Unlock()
		if len(subs) == 0 {
			log.Error().Str("module", "bus").Str("message", f.Message).Msg("server error")
			return
		}
		err := fmt.Errorf("%w: %s: %s", domain.ErrSubscribeFailure, topic, f.Message)
		for _, s := range subs {
			if !s.removed.Load() {
				s.fail(err)
			}
		}

	default:
		log.Debug().Str("module", "bus").Str("command", string(f.Command)).Msg("ignoring frame")
	}
}

// onClose handles the end of a link. Only the current link triggers a
// reconnect; a link closed by Disconnect is no longer current.
func (m *Manager) onClose(l *link, err error) {
	m.mu.Lock()
	if m.link != l {
		l.dropped = true
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.reg.clearPhysical()
	if m.closed {
		m.setStateLocked(domain.Disconnected)
		m.mu.Unlock()
		m.emit()
		return
	}
	m.connectLocked(domain.Reconnecting)
	m.mu.Unlock()

	log.Warn().Str("module", "bus").Err(err).Msg("connection lost, reconnecting")
}

func (m *Manager) setStateLocked(next domain.ConnectionState) {
	if m.state == next {
		return
	}
	m.changes = append(m.changes, stateChange{prev: m.state, next: next})
	m.state = next
}

// emit delivers pending state changes. Only one goroutine emits at a time;
// a nested or concurrent call leaves its changes to the active emitter.
func (m *Manager) emit() {
	for {
		if !m.emitMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			changes := m.changes
			m.changes = nil
			listeners := append([]listenerEntry(nil), m.listeners...)
			m.mu.Unlock()
			if len(changes) == 0 {
				break
			}
			for _, c := range changes {
				log.Debug().Str("module", "bus").Stringer("from", c.prev).Stringer("to", c.next).Msg("state change")
				for _, l := range listeners {
					l.fn(c.prev, c.next)
				}
			}
		}
		m.emitMu.Unlock()

		m.mu.Lock()
		pending := len(m.changes) > 0
		m.mu.Unlock()
		if !pending {
			return
		}
	}
}
