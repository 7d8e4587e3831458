// Package call drives the single audio/video call session over the bus.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Voicelink/internal/app/bus"
	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Bus is the part of bus.Manager the machine needs.
type Bus interface {
	Subscribe(topic string, h bus.Handler, opts ...bus.SubscribeOption) (*bus.Subscription, error)
	Publish(topic string, payload any) *bus.Delivery
	OnStateChange(fn bus.StateListener) func()
	Status() bus.Status
}

type Config struct {
	Self            domain.UserID
	Media           string
	DisconnectGrace time.Duration
	EndingHold      time.Duration
}

func DefaultConfig(self domain.UserID) Config {
	return Config{
		Self:            self,
		Media:           "audio",
		DisconnectGrace: 10 * time.Second,
		EndingHold:      1500 * time.Millisecond,
	}
}

type watcher struct {
	id uint64
	fn func(View)
}

type Machine struct {
	bus   Bus
	media core.MediaEngine
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	sess     *session
	online   bool
	grace    *time.Timer
	sub      *bus.Subscription
	stopConn func()
	watchers []watcher
	nextID   uint64
	pending  []View
	outbox   []domain.Signal

	emitMu sync.Mutex
}

func New(b Bus, media core.MediaEngine, cfg Config) *Machine {
	return &Machine{
		bus:   b,
		media: media,
		cfg:   cfg,
		now:   time.Now,
		ctx:   context.Background(),
	}
}

// Start subscribes to the user's call topic and watches the connection.
func (m *Machine) Start(ctx context.Context) error {
	if m.cfg.Self == "" {
		return fmt.Errorf("%w: no local user", domain.ErrCallProtocolViolation)
	}
	m.mu.Lock()
	if m.sub != nil {
		m.mu.Unlock()
		return nil
	}
	m.ctx = ctx
	m.mu.Unlock()

	sub, err := m.bus.Subscribe(domain.CallsTopic(m.cfg.Self), m.onSignal)
	if err != nil {
		return err
	}
	stop := m.bus.OnStateChange(m.onConnState)

	m.mu.Lock()
	m.sub, m.stopConn = sub, stop
	m.online = m.bus.Status().Connected
	m.mu.Unlock()
	log.Info().Str("module", "call").Str("user", m.cfg.Self.String()).Msg("call machine started")
	return nil
}

// Close hangs up any call, releases media at once and stops listening.
func (m *Machine) Close() {
	m.mu.Lock()
	s := m.sess
	if s != nil {
		m.endLocked(s, m.localEndKind(s), "closing")
	}
	sub, stop := m.sub, m.stopConn
	m.sub, m.stopConn = nil, nil
	m.mu.Unlock()

	if s != nil {
		m.cleanup(s)
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if stop != nil {
		stop()
	}
	m.emit()
}

func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked()
}

// Watch calls fn with every view change, in order. The returned func
// stops it.
func (m *Machine) Watch(fn func(View)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, watcher{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w.id == id {
				m.watchers = append(m.watchers[:i:i], m.watchers[i+1:]...)
				return
			}
		}
	}
}

// Initiate rings peer and acquires local media. It returns once media is
// ready or the attempt failed.
func (m *Machine) Initiate(ctx context.Context, peer domain.UserID) error {
	if peer == "" || peer == m.cfg.Self {
		return fmt.Errorf("%w: invalid peer %q", domain.ErrCallProtocolViolation, peer)
	}

	m.mu.Lock()
	if m.sess != nil {
		m.mu.Unlock()
		return domain.ErrCallBusy
	}
	s := newSession(m.ctx, uuid.NewString(), peer, domain.Outgoing, domain.CallRingingOutgoing, m.now())
	m.sess = s
	invite := m.signal(s, domain.SignalInvite)
	m.changedLocked()
	m.mu.Unlock()

	d := m.bus.Publish(domain.TopicAppCall, invite)

	m.mu.Lock()
	s.invite = d
	if s.withdraw {
		s.withdraw = false
		if d.Cancel() {
			log.Debug().Str("module", "call").Str("call", s.id).Msg("invite withdrawn before send")
		} else {
			m.outbox = append(m.outbox, m.signal(s, domain.SignalHangUp))
		}
	}
	m.mu.Unlock()
	m.emit()
	log.Info().Str("module", "call").Str("call", s.id).Str("peer", peer.String()).Msg("calling")

	stream, err := m.acquire(ctx, s)

	m.mu.Lock()
	if m.sess != s || s.state == domain.CallEnding {
		m.mu.Unlock()
		if stream != nil {
			stream.Release()
		}
		return domain.ErrSuperseded
	}
	if err != nil {
		m.endLocked(s, domain.SignalHangUp, "media unavailable")
		m.mu.Unlock()
		m.emit()
		return fmt.Errorf("%w: %w", domain.ErrMediaAcquisition, err)
	}
	s.local = stream
	m.changedLocked()
	m.mu.Unlock()
	m.emit()

	// the peer may have accepted while we were acquiring
	m.link(s)
	return nil
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state != domain.CallRingingIncoming || s.accepting {
		state := domain.CallIdle
		if s != nil {
			state = s.state
		}
		m.mu.Unlock()
		err := fmt.Errorf("%w: accept in state %s", domain.ErrCallProtocolViolation, state)
		log.Warn().Str("module", "call").Err(err).Msg("ignored accept")
		return err
	}
	s.accepting = true
	m.mu.Unlock()

	stream, err := m.acquire(ctx, s)

	m.mu.Lock()
	if m.sess != s || s.state != domain.CallRingingIncoming {
		m.mu.Unlock()
		if stream != nil {
			stream.Release()
		}
		return domain.ErrSuperseded
	}
	s.accepting = false
	if err != nil {
		m.endLocked(s, domain.SignalReject, "media unavailable")
		m.mu.Unlock()
		m.emit()
		return fmt.Errorf("%w: %w", domain.ErrMediaAcquisition, err)
	}
	s.local = stream
	s.state = domain.CallActive
	m.outbox = append(m.outbox, m.signal(s, domain.SignalAccept))
	if !m.online {
		m.armGraceLocked(s)
	}
	m.changedLocked()
	m.mu.Unlock()
	m.emit()
	log.Info().Str("module", "call").Str("call", s.id).Msg("call accepted")

	m.link(s)
	return nil
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject() error {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.state != domain.CallRingingIncoming {
		m.mu.Unlock()
		return fmt.Errorf("%w: nothing to reject", domain.ErrCallProtocolViolation)
	}
	m.endLocked(s, domain.SignalReject, "rejected locally")
	m.mu.Unlock()
	m.emit()
	return nil
}

// HangUp ends the current call from any non-idle state. It is a no-op
// while the call is already ending.
func (m *Machine) HangUp() error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no call to hang up", domain.ErrCallProtocolViolation)
	}
	if s.state != domain.CallEnding {
		m.endLocked(s, m.localEndKind(s), "hung up locally")
	}
	m.mu.Unlock()
	m.emit()
	return nil
}

func (m *Machine) localEndKind(s *session) domain.SignalKind {
	if s.state == domain.CallRingingIncoming {
		return domain.SignalReject
	}
	return domain.SignalHangUp
}

func (m *Machine) onSignal(msg bus.Message) {
	sig, err := domain.DecodeSignal(msg.Body)
	if err != nil {
		log.Warn().Str("module", "call").Err(err).Msg("dropping signal")
		return
	}
	if sig.To != m.cfg.Self {
		log.Warn().Str("module", "call").Str("to", sig.To.String()).Msg("signal for another user")
		return
	}

	m.mu.Lock()
	s := m.sess

	if sig.Kind == domain.SignalInvite {
		switch {
		case s != nil && s.id == sig.CallID:
		case s != nil:
			m.outbox = append(m.outbox, domain.Signal{
				Kind:   domain.SignalBusy,
				CallID: sig.CallID,
				From:   m.cfg.Self,
				To:     sig.From,
			})
			log.Info().Str("module", "call").Str("from", sig.From.String()).Msg("busy, declined invite")
		default:
			m.sess = newSession(m.ctx, sig.CallID, sig.From, domain.Incoming, domain.CallRingingIncoming, m.now())
			m.changedLocked()
			log.Info().Str("module", "call").Str("call", sig.CallID).Str("from", sig.From.String()).Msg("incoming call")
		}
		m.mu.Unlock()
		m.emit()
		return
	}

	if s == nil || s.id != sig.CallID || s.peer != sig.From {
		m.mu.Unlock()
		log.Warn().Str("module", "call").Str("call", sig.CallID).Str("type", string(sig.Kind)).
			Err(domain.ErrCallProtocolViolation).Msg("signal for unknown call")
		return
	}

	linkNow := false
	switch sig.Kind {
	case domain.SignalAccept:
		if s.state != domain.CallRingingOutgoing {
			m.violationLocked(s, sig)
			break
		}
		s.state = domain.CallActive
		if !m.online {
			m.armGraceLocked(s)
		}
		m.changedLocked()
		linkNow = true
	case domain.SignalReject, domain.SignalBusy:
		if s.state != domain.CallRingingOutgoing {
			m.violationLocked(s, sig)
			break
		}
		m.endLocked(s, "", "peer "+string(sig.Kind))
	case domain.SignalHangUp:
		m.endLocked(s, "", "peer hung up")
	}
	m.mu.Unlock()
	m.emit()

	if linkNow {
		m.link(s)
	}
}

func (m *Machine) violationLocked(s *session, sig domain.Signal) {
	log.Warn().Str("module", "call").Str("call", s.id).Stringer("state", s.state).Str("type", string(sig.Kind)).
		Err(domain.ErrCallProtocolViolation).Msg("unexpected signal")
}

func (m *Machine) onConnState(_, next domain.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = next == domain.Connected
	s := m.sess
	if s == nil || s.state != domain.CallActive {
		return
	}
	if m.online {
		m.stopGraceLocked()
		return
	}
	m.armGraceLocked(s)
}

func (m *Machine) armGraceLocked(s *session) {
	if m.grace != nil || m.cfg.DisconnectGrace <= 0 {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(m.cfg.DisconnectGrace, func() {
		m.mu.Lock()
		if m.grace != t {
			m.mu.Unlock()
			return
		}
		m.grace = nil
		if m.sess != s || s.state != domain.CallActive || m.online {
			m.mu.Unlock()
			return
		}
		m.endLocked(s, "", "connection lost")
		m.mu.Unlock()
		m.emit()
	})
	m.grace = t
}

func (m *Machine) stopGraceLocked() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
}

// acquire gets local media, aborting when the session ends.
func (m *Machine) acquire(ctx context.Context, s *session) (core.Stream, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return m.media.CreateLocalStream(actx)
}

// link connects media once the call is active and local media is ready.
func (m *Machine) link(s *session) {
	m.mu.Lock()
	if m.sess != s || s.state != domain.CallActive || s.local == nil || s.pc != nil || s.linking {
		m.mu.Unlock()
		return
	}
	s.linking = true
	local := s.local
	m.mu.Unlock()

	pc, err := m.media.CreatePeerConnection(s.ctx, s.id, local)
	var remote core.Stream
	if err == nil {
		remote, err = m.media.AttachRemoteStream(pc)
	}

	m.mu.Lock()
	s.linking = false
	if m.sess != s || s.state != domain.CallActive {
		m.mu.Unlock()
		release(pc, remote)
		return
	}
	if err != nil {
		log.Error().Str("module", "call").Str("call", s.id).Err(err).Msg("media connect failed")
		m.endLocked(s, domain.SignalHangUp, "media connect failed")
		m.mu.Unlock()
		release(pc, remote)
		m.emit()
		return
	}
	s.pc, s.remote = pc, remote
	m.changedLocked()
	m.mu.Unlock()
	m.emit()
}

// endLocked moves s to Ending and schedules cleanup. reply, when set, is
// queued for the peer; a HangUp for a still-queued Invite withdraws the
// Invite instead. Queued signals go out on the next emit.
func (m *Machine) endLocked(s *session, reply domain.SignalKind, reason string) {
	if s.state == domain.CallEnding {
		return
	}
	outgoing := reply == domain.SignalHangUp && s.state == domain.CallRingingOutgoing
	switch {
	case reply == "":
	case outgoing && s.invite == nil:
		// Initiate has not handed the Invite to the bus yet.
		s.withdraw = true
	case outgoing && s.invite.Cancel():
		log.Debug().Str("module", "call").Str("call", s.id).Msg("invite withdrawn before send")
	default:
		m.outbox = append(m.outbox, m.signal(s, reply))
	}

	s.state = domain.CallEnding
	s.cancel()
	m.stopGraceLocked()
	m.changedLocked()
	log.Info().Str("module", "call").Str("call", s.id).Str("reason", reason).Msg("call ending")

	time.AfterFunc(m.cfg.EndingHold, func() { m.cleanup(s) })
}

// cleanup releases media and clears the session, returning to Idle.
func (m *Machine) cleanup(s *session) {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	local, remote, pc := s.local, s.remote, s.pc
	s.local, s.remote, s.pc = nil, nil, nil
	m.changedLocked()
	m.mu.Unlock()

	release(pc, remote)
	if local != nil {
		local.Release()
	}
	log.Info().Str("module", "call").Str("call", s.id).Msg("call ended")
	m.emit()
}

func release(pc core.PeerConnection, remote core.Stream) {
	if remote != nil {
		remote.Release()
	}
	if pc != nil {
		if err := pc.Close(); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Str("module", "call").Err(err).Msg("close peer connection")
		}
	}
}

func (m *Machine) signal(s *session, kind domain.SignalKind) domain.Signal {
	sig := domain.Signal{Kind: kind, CallID: s.id, From: m.cfg.Self, To: s.peer}
	if kind == domain.SignalInvite {
		sig.Media = m.cfg.Media
	}
	return sig
}

func (m *Machine) viewLocked() View {
	if m.sess == nil {
		return View{State: domain.CallIdle}
	}
	return m.sess.view()
}

func (m *Machine) changedLocked() {
	m.pending = append(m.pending, m.viewLocked())
}

// emit publishes queued signals and delivers queued views, both in
// order and never under mu; see bus.Manager for the scheme.
func (m *Machine) emit() {
	for {
		if !m.emitMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			signals, views := m.outbox, m.pending
			m.outbox, m.pending = nil, nil
			watchers := append([]watcher(nil), m.watchers...)
			m.mu.Unlock()
			if len(signals) == 0 && len(views) == 0 {
				break
			}
			for _, sig := range signals {
				m.send(sig)
			}
			for _, v := range views {
				for _, w := range watchers {
					w.fn(v)
				}
			}
		}
		m.emitMu.Unlock()

		m.mu.Lock()
		more := len(m.pending) > 0 || len(m.outbox) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

func (m *Machine) send(sig domain.Signal) {
	d := m.bus.Publish(domain.TopicAppCall, sig)
	select {
	case <-d.Done():
		if err := d.Err(); err != nil {
			log.Warn().Str("module", "call").Str("call", sig.CallID).Str("type", string(sig.Kind)).Err(err).Msg("signal not sent")
		}
	default:
	}
}
