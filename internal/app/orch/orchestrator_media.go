package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/dkeye/Panel/internal/proto"
	"github.com/rs/zerolog/log"
)

// RequestTransport opens the upstream transport, or a receive path for the
// speaker producing req.AudioPid.
func (o *Orchestrator) RequestTransport(ctx context.Context, sid core.SessionID, req proto.RequestTransportRequest) (proto.TransportResponse, error) {
	dir, err := domain.ParseDirection(req.Type)
	if err != nil {
		return proto.TransportResponse{}, err
	}
	sess, room, err := o.joined(sid)
	if err != nil {
		return proto.TransportResponse{}, err
	}

	if dir == domain.DirectionSend {
		prev := sess.AudioProducerID()
		params, err := sess.CreateTransport(ctx, dir, "", "")
		if err != nil {
			return proto.TransportResponse{}, err
		}
		// A new upstream closes the old producers.
		if prev != "" {
			if plan, ok := room.RetireSpeaker(prev); ok {
				o.dispatch(room, plan)
			}
		}
		return proto.TransportResponse{TransportParams: params}, nil
	}

	owner, ok := room.Owner(req.AudioPid)
	if !ok {
		sess.ReleaseAnnouncement(req.AudioPid)
		return proto.TransportResponse{}, fmt.Errorf("%w: %s", core.ErrProducerNotFound, req.AudioPid)
	}
	params, err := sess.CreateTransport(ctx, dir, req.AudioPid, owner.VideoProducerID())
	if err != nil {
		return proto.TransportResponse{}, err
	}
	return proto.TransportResponse{
		TransportParams:  params,
		ProducerSocketID: string(owner.ID()),
		ProducerRole:     owner.Role(),
	}, nil
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, sid core.SessionID, req proto.ConnectTransportRequest) error {
	dir, err := domain.ParseDirection(req.Type)
	if err != nil {
		return err
	}
	sess, _, err := o.joined(sid)
	if err != nil {
		return err
	}
	return sess.ConnectTransport(ctx, dir, req.AudioPid, req.DTLSParameters)
}

// StartProducing creates a producer on the upstream transport. A new audio
// producer joins the speaker ranking at the lowest priority.
func (o *Orchestrator) StartProducing(ctx context.Context, sid core.SessionID, req proto.StartProducingRequest) (core.ProducerID, error) {
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return "", err
	}
	sess, room, err := o.joined(sid)
	if err != nil {
		return "", err
	}
	prev := sess.ProducerID(kind)
	p, err := sess.Produce(ctx, kind, req.RTPParameters)
	if err != nil {
		return "", err
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("kind", kind.String()).Str("producer", string(p.ID())).Msg("producing")

	if kind == domain.KindVideo {
		o.dispatch(room, room.Refresh())
		return p.ID(), nil
	}
	if prev != "" && prev != p.ID() {
		if plan, ok := room.RetireSpeaker(prev); ok {
			o.dispatch(room, plan)
		}
	}
	if plan, ok := room.AddSpeaker(sess, p.ID()); ok {
		o.dispatch(room, plan)
	}
	return p.ID(), nil
}

// ConsumeMedia creates a paused consumer on the receive path for req.Pid.
func (o *Orchestrator) ConsumeMedia(ctx context.Context, sid core.SessionID, req proto.ConsumeMediaRequest) (proto.ConsumeMediaResponse, error) {
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return proto.ConsumeMediaResponse{}, err
	}
	sess, _, err := o.joined(sid)
	if err != nil {
		return proto.ConsumeMediaResponse{}, err
	}
	cons, err := sess.Consume(ctx, req.RTPCapabilities, req.Pid, kind)
	if err != nil {
		return proto.ConsumeMediaResponse{}, err
	}
	return proto.ConsumeMediaResponse{
		ProducerID:    req.Pid,
		ID:            cons.ID(),
		Kind:          kind,
		RTPParameters: cons.RTPParameters(),
	}, nil
}

func (o *Orchestrator) UnpauseConsumer(sid core.SessionID, req proto.UnpauseConsumerRequest) error {
	kind, err := domain.ParseKind(req.Kind)
	if err != nil {
		return err
	}
	sess, room, err := o.joined(sid)
	if err != nil {
		return err
	}
	return room.UnpauseConsumer(sess, req.Pid, kind)
}

// AudioChange handles "mute" and "unmute".
func (o *Orchestrator) AudioChange(sid core.SessionID, change string) error {
	switch change {
	case "mute", "unmute":
	default:
		return fmt.Errorf("unknown audio change %q", change)
	}
	return o.setMedia(sid, domain.KindAudio, change == "unmute")
}

// VideoChange handles "pause" and "resume".
func (o *Orchestrator) VideoChange(sid core.SessionID, change string) error {
	switch change {
	case "pause", "resume":
	default:
		return fmt.Errorf("unknown video change %q", change)
	}
	return o.setMedia(sid, domain.KindVideo, change == "resume")
}

func (o *Orchestrator) setMedia(sid core.SessionID, kind domain.Kind, enabled bool) error {
	sess, room, err := o.joined(sid)
	if err != nil {
		return err
	}
	return room.SetMediaEnabled(sess, kind, enabled)
}
