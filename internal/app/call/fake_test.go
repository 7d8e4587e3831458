package call

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/core/coretest"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/google/uuid"
)

// signals returns the call signals c sent to the server.
func signals(c *coretest.Conn) []domain.Signal {
	var out []domain.Signal
	for _, body := range c.Sent(domain.TopicAppCall) {
		if sig, err := domain.DecodeSignal(body); err == nil {
			out = append(out, sig)
		}
	}
	return out
}

// push delivers sig on the recipient's call topic.
func push(c *coretest.Conn, sig domain.Signal) {
	if err := c.Deliver(domain.CallsTopic(sig.To), sig); err != nil {
		panic(err)
	}
}

type fakeStream struct {
	id       string
	released atomic.Bool
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) Release()   { s.released.Store(true) }

type fakePC struct {
	closed atomic.Bool
}

func (p *fakePC) Close() error {
	p.closed.Store(true)
	return nil
}

type fakeMedia struct {
	mu        sync.Mutex
	gate      chan struct{}
	localErr  error
	attachErr error
	locals    []*fakeStream
	remotes   []*fakeStream
	pcs       []*fakePC
}

func (e *fakeMedia) CreateLocalStream(ctx context.Context) (core.Stream, error) {
	e.mu.Lock()
	gate, err := e.gate, e.localErr
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	s := &fakeStream{id: "local-" + uuid.NewString()}
	e.mu.Lock()
	e.locals = append(e.locals, s)
	e.mu.Unlock()
	return s, nil
}

func (e *fakeMedia) CreatePeerConnection(_ context.Context, _ string, _ core.Stream) (core.PeerConnection, error) {
	pc := &fakePC{}
	e.mu.Lock()
	e.pcs = append(e.pcs, pc)
	e.mu.Unlock()
	return pc, nil
}

func (e *fakeMedia) AttachRemoteStream(core.PeerConnection) (core.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attachErr != nil {
		return nil, e.attachErr
	}
	s := &fakeStream{id: "remote-" + uuid.NewString()}
	e.remotes = append(e.remotes, s)
	return s, nil
}
