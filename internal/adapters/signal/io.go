package signal

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/app/orch"
	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
)

// writePump owns the socket and closes it on exit.
func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(ctl.opts.WriteWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				c.Close()
				return
			}
		}
	}
}

// readPump is the only sender on inbound and closes it on exit, which ends the
// dispatch loop.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess *orch.Session, c *WsSignalConn, inbound chan<- core.Command) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sess.ID)).Msg("readPump closing")
		cancel()
		close(inbound)
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sess.ID)).Msg("readPump read error")
			}
			return
		}
		cmd, err := Decode(data)
		if err != nil {
			ctl.Orch.Reject(sess, "invalid", err)
			continue
		}
		if err := ctl.throttle(sess.ID, cmd); err != nil {
			ctl.Orch.Reject(sess, cmd.Kind(), err)
			continue
		}
		select {
		case inbound <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// throttle applies the per-identity rate limit to chat traffic.
func (ctl *SignalWSController) throttle(sid core.SessionID, cmd core.Command) error {
	switch cmd.(type) {
	case core.SendMessage, core.Typing:
	default:
		return nil
	}
	conn, ok := ctl.Orch.Registry.Lookup(sid)
	if !ok {
		return nil
	}
	if !ctl.limiter.Allow(conn.Identity.ID) {
		return domain.ErrRateLimited
	}
	return nil
}

// dispatchLoop runs a connection's commands one at a time, then the
// disconnect once the reader is gone.
func (ctl *SignalWSController) dispatchLoop(ctx context.Context, sess *orch.Session, inbound <-chan core.Command, deadline *clock.Timer) {
	defer func() {
		deadline.Stop()
		var identity domain.IdentityID
		if conn, ok := ctl.Orch.Registry.Lookup(sess.ID); ok {
			identity = conn.Identity.ID
		}
		ctl.Orch.Disconnect(sess.ID)
		if identity != "" && !ctl.Orch.Registry.IsOnline(identity) {
			ctl.limiter.Forget(identity)
		}
		sess.Signal.Close()
	}()
	for cmd := range inbound {
		if ctx.Err() != nil {
			continue
		}
		ctl.Orch.Dispatch(ctx, sess, cmd)
	}
}

