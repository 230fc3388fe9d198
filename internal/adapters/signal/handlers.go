package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/metrics"
	"github.com/dkeye/Panel/internal/proto"
	"github.com/rs/zerolog/log"
)

var (
	errBadPayload  = errors.New("bad_payload")
	errUnknownType = errors.New("unknown_type")
	errRateLimited = errors.New("rate_limited")
)

// decode unmarshals and validates the request payload.
func decode[T any](ctl *SignalWSController, env proto.Envelope) (T, error) {
	var req T
	if err := proto.DecodeData(env, &req); err != nil {
		return req, fmt.Errorf("%w: %w", errBadPayload, err)
	}
	if err := ctl.validate.Struct(req); err != nil {
		return req, fmt.Errorf("%w: %w", errBadPayload, err)
	}
	return req, nil
}

// respond acks a request and counts it.
func (ctl *SignalWSController) respond(c *WsSignalConn, env proto.Envelope, data any, err error) {
	metrics.Requests.WithLabelValues(env.Type, metrics.Result(err)).Inc()
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("type", env.Type).Msg("request failed")
	}
	ctl.reply(c, env.ID, data, err)
}

// reply sends an ack for requests carrying an id. Requests without one only
// hear back when they fail.
func (ctl *SignalWSController) reply(c *WsSignalConn, id *uint64, data any, err error) {
	var (
		b    []byte
		eerr error
	)
	switch {
	case err != nil && id == nil:
		b, eerr = proto.EncodeError(proto.TypeError, nil, ackError(err))
	case err != nil:
		b, eerr = proto.EncodeError(proto.TypeAck, id, ackError(err))
	case id != nil:
		b, eerr = proto.Encode(proto.TypeAck, id, data)
	default:
		return
	}
	if eerr != nil {
		log.Error().Err(eerr).Str("module", "signal").Msg("encode reply")
		return
	}
	_ = c.TrySend(b)
}

func ackError(err error) string {
	if errors.Is(err, core.ErrCannotConsume) {
		return proto.AckCannotConsume
	}
	return err.Error()
}

func (ctl *SignalWSController) handleJoinRoom(ctx context.Context, sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.JoinRoomRequest](ctl, env)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	resp, err := ctl.Orch.Join(ctx, sid, req)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("room", req.RoomName).Msg("join failed")
		ctl.respond(c, env, nil, err)
		return
	}
	ctl.respond(c, env, resp, nil)
}

func (ctl *SignalWSController) handleRequestTransport(ctx context.Context, sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.RequestTransportRequest](ctl, env)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	resp, err := ctl.Orch.RequestTransport(ctx, sid, req)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	ctl.respond(c, env, resp, nil)
}

func (ctl *SignalWSController) handleConnectTransport(ctx context.Context, sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.ConnectTransportRequest](ctl, env)
	if err == nil {
		err = ctl.Orch.ConnectTransport(ctx, sid, req)
	}
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	ctl.respond(c, env, proto.AckSuccess, nil)
}

func (ctl *SignalWSController) handleStartProducing(ctx context.Context, sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.StartProducingRequest](ctl, env)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	pid, err := ctl.Orch.StartProducing(ctx, sid, req)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	ctl.respond(c, env, proto.StartProducingResponse{ID: pid}, nil)
}

func (ctl *SignalWSController) handleConsumeMedia(ctx context.Context, sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.ConsumeMediaRequest](ctl, env)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	resp, err := ctl.Orch.ConsumeMedia(ctx, sid, req)
	switch {
	case errors.Is(err, core.ErrCannotConsume):
		ctl.respond(c, env, nil, err)
	case err != nil:
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("producer", string(req.Pid)).Msg("consume failed")
		ctl.respond(c, env, nil, errors.New(proto.AckConsumeFailed))
	default:
		ctl.respond(c, env, resp, nil)
	}
}

func (ctl *SignalWSController) handleUnpauseConsumer(sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.UnpauseConsumerRequest](ctl, env)
	if err == nil {
		err = ctl.Orch.UnpauseConsumer(sid, req)
	}
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	ctl.respond(c, env, proto.AckSuccess, nil)
}

func (ctl *SignalWSController) handleAudioChange(sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.ChangeRequest](ctl, env)
	if err == nil {
		err = ctl.Orch.AudioChange(sid, req.Change)
	}
	ctl.respond(c, env, proto.AckSuccess, err)
}

func (ctl *SignalWSController) handleVideoChange(sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.ChangeRequest](ctl, env)
	if err == nil {
		err = ctl.Orch.VideoChange(sid, req.Change)
	}
	ctl.respond(c, env, proto.AckSuccess, err)
}

func (ctl *SignalWSController) handleSendChatMessage(sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.SendChatMessageRequest](ctl, env)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	if u, ok := ctl.Orch.Registry.UserOf(sid); ok && !ctl.Limiter.Allow(u.ID) {
		ctl.respond(c, env, nil, errRateLimited)
		return
	}
	msg, err := ctl.Orch.SendChat(sid, req.Text)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	ctl.respond(c, env, msg, nil)
}

func (ctl *SignalWSController) handleGetChatHistory(sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	req, err := decode[proto.GetChatHistoryRequest](ctl, env)
	if err != nil {
		ctl.respond(c, env, nil, err)
		return
	}
	ctl.respond(c, env, ctl.Orch.ChatHistory(sid, req.Limit), nil)
}

// handleLeaveRoom leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeaveRoom(sid core.SessionID, c *WsSignalConn, env proto.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	if !ctl.Orch.Leave(sid) {
		ctl.respond(c, env, nil, core.ErrNotJoined)
		return
	}
	ctl.respond(c, env, proto.AckSuccess, nil)
}
