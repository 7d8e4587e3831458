package core

import (
	"context"
	"errors"
)

// ErrStreamReleased is returned when a released stream is used again.
var ErrStreamReleased = errors.New("stream released")

// Stream is an opaque media handle. Release stops all of its tracks and
// must be safe to call more than once.
type Stream interface {
	ID() string
	Release()
}

// PeerConnection is an opaque media session with one remote peer.
type PeerConnection interface {
	Close() error
}

// MediaEngine is the boundary to the media negotiation library.
type MediaEngine interface {
	// CreateLocalStream acquires microphone/camera. It may block on device
	// permission and must honour ctx.
	CreateLocalStream(ctx context.Context) (Stream, error)
	// CreatePeerConnection binds local to a new media session for callID.
	CreatePeerConnection(ctx context.Context, callID string, local Stream) (PeerConnection, error)
	// AttachRemoteStream returns the handle that remote tracks arriving on
	// pc are delivered into.
	AttachRemoteStream(pc PeerConnection) (Stream, error)
}
