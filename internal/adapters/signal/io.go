package signal

import (
	"context"
	"time"

	"github.com/dkeye/Voicelink/internal/app/broker"
	"github.com/dkeye/Voicelink/internal/core"
	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	defer c.Close()

	var ping <-chan time.Time
	if ctl.opts.PingPeriod > 0 {
		ticker := time.NewTicker(ctl.opts.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid broker.SessionID, uid domain.UserID, c *WsSignalConn) {
	defer c.Close()

	if ctl.opts.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.opts.ReadLimit)
	}
	if ctl.opts.PingPeriod > 0 {
		wait := ctl.opts.PingPeriod * 2
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		ctl.handleFrame(sid, uid, c, data)
	}
}

func (ctl *SignalWSController) handleFrame(sid broker.SessionID, uid domain.UserID, c *WsSignalConn, data []byte) {
	var f core.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendFrame(c, core.Frame{Command: core.CmdError, Message: "bad frame"})
		return
	}
	if f.Command == core.CmdSend && ctl.Limiter != nil && !ctl.Limiter.Allow(uid) {
		log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("rate limited")
		ctl.sendFrame(c, core.Frame{Command: core.CmdError, Message: "rate limited"})
		return
	}
	ctl.Hub.HandleFrame(sid, f)
}

func (ctl *SignalWSController) sendFrame(c *WsSignalConn, f core.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendFrame marshal")
		return
	}
	_ = c.TrySend(b)
}
