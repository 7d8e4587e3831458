// Package signal is the broker's websocket endpoint: one read pump and one
// write pump per client socket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Voicelink/internal/app/broker"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

type SignalWSController struct {
	Hub     *broker.Hub
	Limiter *RateLimiter
	opts    Options
}

func NewSignalWSController(hub *broker.Hub, limiter *RateLimiter, opts Options) *SignalWSController {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	return &SignalWSController{Hub: hub, Limiter: limiter, opts: opts}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves it until either side ends.
// The user id is set on the gin context by the router's middleware.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("user_id"))
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan []byte, ctl.opts.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	sid := ctl.Hub.Connect(uid, conn, cancel)
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(uid)).Msg("new WS connection")

	var wg conc.WaitGroup
	wg.Go(func() { ctl.writePump(ctx, conn) })
	wg.Go(func() { ctl.readPump(ctx, sid, uid, conn) })
	go func() {
		wg.Wait()
		cancel()
		ctl.Hub.Disconnect(sid)
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("WS connection closed")
	}()
}
