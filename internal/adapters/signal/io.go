package signal

import (
	"context"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/proto"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteTimeout)); err != nil {
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

// readPump owns the connection's lifetime: when it returns the client is
// cleaned up exactly as if it had left.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Orch.OnDisconnect(sid)
		ctl.Limiter.Prune()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	env, err := proto.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json")
		ctl.reply(c, nil, nil, errBadPayload)
		return
	}

	switch env.Type {
	// Media calls can wait on the engine; they run on their own so the
	// connection keeps reading.
	case proto.TypeRequestTransport:
		go ctl.handleRequestTransport(ctx, sid, c, env)
	case proto.TypeConnectTransport:
		go ctl.handleConnectTransport(ctx, sid, c, env)
	case proto.TypeStartProducing:
		go ctl.handleStartProducing(ctx, sid, c, env)
	case proto.TypeConsumeMedia:
		go ctl.handleConsumeMedia(ctx, sid, c, env)

	case proto.TypeJoinRoom:
		ctl.handleJoinRoom(ctx, sid, c, env)
	case proto.TypeUnpauseConsumer:
		ctl.handleUnpauseConsumer(sid, c, env)
	case proto.TypeAudioChange:
		ctl.handleAudioChange(sid, c, env)
	case proto.TypeVideoChange:
		ctl.handleVideoChange(sid, c, env)
	case proto.TypeSendChatMessage:
		ctl.handleSendChatMessage(sid, c, env)
	case proto.TypeGetChatHistory:
		ctl.handleGetChatHistory(sid, c, env)
	case proto.TypeLeaveRoom:
		ctl.handleLeaveRoom(sid, c, env)
	case proto.TypePing:
		ctl.sendFrame(c, proto.TypePong, env.ID, nil)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.reply(c, env.ID, nil, errUnknownType)
	}
}

func (ctl *SignalWSController) sendFrame(c *WsSignalConn, typ string, id *uint64, data any) {
	b, err := proto.Encode(typ, id, data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", typ).Msg("sendFrame marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("type", typ).Msg("frame dropped")
	}
}
