package call

import (
	"context"
	"time"

	"github.com/dkeye/Voicelink/internal/app/bus"
	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/domain"
)

// session is the single in-flight call. Guarded by Machine.mu.
type session struct {
	id        string
	peer      domain.UserID
	direction domain.Direction
	state     domain.CallState
	startedAt time.Time

	local  core.Stream
	remote core.Stream
	pc     core.PeerConnection

	// invite is the outgoing Invite, cancellable while still queued.
	// withdraw marks a hang-up that came before invite was set.
	invite    *bus.Delivery
	withdraw  bool
	accepting bool
	linking   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(parent context.Context, id string, peer domain.UserID, dir domain.Direction, state domain.CallState, now time.Time) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:        id,
		peer:      peer,
		direction: dir,
		state:     state,
		startedAt: now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SessionView is the read-only projection of the current call.
type SessionView struct {
	ID        string
	Peer      domain.UserID
	Direction domain.Direction
	State     domain.CallState
	StartedAt time.Time
}

// View is what UI code observes. A zero IncomingCaller means no call is
// ringing in.
type View struct {
	State          domain.CallState
	CurrentCall    *SessionView
	IncomingCaller domain.UserID
	LocalStream    core.Stream
	RemoteStream   core.Stream
	IsEnding       bool
}

func (s *session) view() View {
	v := View{
		State: s.state,
		CurrentCall: &SessionView{
			ID:        s.id,
			Peer:      s.peer,
			Direction: s.direction,
			State:     s.state,
			StartedAt: s.startedAt,
		},
		LocalStream:  s.local,
		RemoteStream: s.remote,
		IsEnding:     s.state == domain.CallEnding,
	}
	if s.state == domain.CallRingingIncoming {
		v.IncomingCaller = s.peer
	}
	return v
}
