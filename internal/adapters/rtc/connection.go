// Package rtc binds the call machine's media boundary to pion/webrtc.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Voicelink/internal/core"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrForeignHandle = errors.New("handle not created by this engine")

const defaultSTUN = "stun:stun.l.google.com:19302"

type Config struct {
	ICEServers []string
	Video      bool
}

func DefaultWebRTCConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		servers = []string{defaultSTUN}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// Engine implements core.MediaEngine with one shared pion API.
type Engine struct {
	api *webrtc.API
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
	)
	return &Engine{api: api, cfg: cfg}, nil
}

// LocalStream holds the sample tracks the application writes captured
// media into.
type LocalStream struct {
	id       string
	tracks   []*webrtc.TrackLocalStaticSample
	released atomic.Bool
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Release() {
	if s.released.Swap(true) {
		return
	}
	log.Debug().Str("module", "webrtc").Str("stream", s.id).Msg("local stream released")
}

func (s *LocalStream) Tracks() []*webrtc.TrackLocalStaticSample { return s.tracks }

// WriteSample feeds one encoded sample to every track of the given kind.
func (s *LocalStream) WriteSample(kind webrtc.RTPCodecType, sample media.Sample) error {
	if s.released.Load() {
		return core.ErrStreamReleased
	}
	for _, t := range s.tracks {
		if t.Kind() != kind {
			continue
		}
		if err := t.WriteSample(sample); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) CreateLocalStream(ctx context.Context) (core.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &LocalStream{id: uuid.NewString()}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", s.id)
	if err != nil {
		return nil, err
	}
	s.tracks = append(s.tracks, audio)
	if e.cfg.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", s.id)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, video)
	}
	return s, nil
}

// RemoteStream collects the tracks the peer sends.
type RemoteStream struct {
	id       string
	mu       sync.Mutex
	tracks   []*webrtc.TrackRemote
	packets  atomic.Uint64
	released atomic.Bool
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Release() { s.released.Store(true) }

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// Packets reports how many RTP packets arrived across all tracks.
func (s *RemoteStream) Packets() uint64 { return s.packets.Load() }

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// drain reads t until the connection closes or the stream is released.
func (s *RemoteStream) drain(t *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for !s.released.Load() {
		if _, _, err := t.Read(buf); err != nil {
			return
		}
		s.packets.Add(1)
	}
}

// PeerConnection wraps one pion peer connection for a call.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	callID string
	remote *RemoteStream
	closed atomic.Bool
}

func (c *PeerConnection) Raw() *webrtc.PeerConnection { return c.pc }

func (c *PeerConnection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("call", c.callID).Msg("close error")
	} else {
		log.Info().Str("module", "webrtc").Str("call", c.callID).Msg("closed")
	}
	return err
}

func (e *Engine) CreatePeerConnection(ctx context.Context, callID string, local core.Stream) (core.PeerConnection, error) {
	ls, ok := local.(*LocalStream)
	if !ok {
		return nil, fmt.Errorf("local stream: %w", ErrForeignHandle)
	}
	if ls.released.Load() {
		return nil, core.ErrStreamReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pc, err := e.api.NewPeerConnection(DefaultWebRTCConfig(e.cfg.ICEServers))
	if err != nil {
		return nil, err
	}
	c := &PeerConnection{
		pc:     pc,
		callID: callID,
		remote: &RemoteStream{id: "remote-" + callID},
	}
	for _, t := range ls.tracks {
		if _, err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("call", callID).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("call", callID).Str("peer_connection_state", s.String()).Msg("Peer state")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("call", callID).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.remote.add(track)
		go c.remote.drain(track)
	})
	return c, nil
}

func (e *Engine) AttachRemoteStream(pc core.PeerConnection) (core.Stream, error) {
	c, ok := pc.(*PeerConnection)
	if !ok {
		return nil, fmt.Errorf("peer connection: %w", ErrForeignHandle)
	}
	return c.remote, nil
}
