// Package ws is the gorilla/websocket implementation of core.Dialer.
// Frames travel as JSON text messages.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type Config struct {
	URL          string
	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	ReadLimit    int64
}

type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Dialer{
		cfg: cfg,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context, onFrame func(core.Frame), onClose func(error)) (core.Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := d.ws.DialContext(ctx, d.cfg.URL, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", domain.ErrTransport, d.cfg.URL, err)
	}
	log.Info().Str("module", "adapters.ws").Str("url", d.cfg.URL).Msg("connected")

	c := &Conn{
		ws:      ws,
		cfg:     d.cfg,
		done:    make(chan struct{}),
		onFrame: onFrame,
		onClose: onClose,
	}
	c.start()
	return c, nil
}

// Conn is one client websocket. Reads happen on a single pump goroutine;
// writes are serialized by writeMu.
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	local     atomic.Bool
	readErr   error

	onFrame func(core.Frame)
	onClose func(error)
	wg      conc.WaitGroup
}

func (c *Conn) start() {
	if c.cfg.ReadLimit > 0 {
		c.ws.SetReadLimit(c.cfg.ReadLimit)
	}
	if c.cfg.PingPeriod > 0 {
		wait := c.pongWait()
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	c.wg.Go(c.readPump)
	c.wg.Go(c.pingLoop)
	go func() {
		c.wg.Wait()
		if c.local.Load() {
			c.onClose(nil)
			return
		}
		c.onClose(fmt.Errorf("%w: %w", domain.ErrTransport, c.readErr))
	}()
}

func (c *Conn) pongWait() time.Duration {
	return c.cfg.PingPeriod * 10 / 9
}

func (c *Conn) readPump() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			if !c.local.Load() {
				log.Warn().Str("module", "adapters.ws").Err(err).Msg("read error")
			}
			return
		}
		var f core.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Str("module", "adapters.ws").Err(err).Msg("bad frame")
			continue
		}
		c.onFrame(f)
	}
}

func (c *Conn) pingLoop() {
	if c.cfg.PingPeriod <= 0 {
		<-c.done
		return
	}
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				log.Warn().Str("module", "adapters.ws").Err(err).Msg("ping failed")
				c.shutdown()
				return
			}
		}
	}
}

func (c *Conn) Send(ctx context.Context, f core.Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", domain.ErrTransport)
	default:
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	return nil
}

// Close ends the connection; onClose then fires with a nil error.
func (c *Conn) Close() error {
	c.local.Store(true)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
