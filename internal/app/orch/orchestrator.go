package orch

import (
	"context"
	"errors"

	"github.com/dkeye/Panel/internal/app"
	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/dkeye/Panel/internal/metrics"
	"github.com/dkeye/Panel/internal/proto"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *core.RoomManager
	Policy   app.Policy
	// ReapEmpty stops a room once its last member left.
	ReapEmpty bool
}

// New wires the orchestrator as the dominance handler of every room.
func New(reg *app.Registry, rooms *core.RoomManager, policy app.Policy, reapEmpty bool) *Orchestrator {
	o := &Orchestrator{Registry: reg, Rooms: rooms, Policy: policy, ReapEmpty: reapEmpty}
	rooms.OnDominantSpeaker(o.OnDominantSpeaker)
	return o
}

// Connect registers a freshly opened signal connection for the user behind
// the client token.
func (o *Orchestrator) Connect(sid core.SessionID, user domain.UserID, sig core.SignalConnection, cancel context.CancelFunc) {
	o.Registry.BindSignal(sid, user, sig, cancel)
	metrics.SignalConnections.Inc()
}

// OnDisconnect runs the leave cleanup for a connection that went away.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	sess := o.Registry.Unbind(sid)
	metrics.SignalConnections.Dec()
	if sess != nil {
		o.leave(sess)
	}
}

// OnDominantSpeaker moves the speaker to the front of the room's ranking.
func (o *Orchestrator) OnDominantSpeaker(room *core.Room, pid core.ProducerID) {
	plan, ok := room.PromoteSpeaker(pid)
	if !ok {
		log.Debug().Str("module", "orch").Str("room", string(room.Name())).Str("producer", string(pid)).Msg("dominance for unknown producer ignored")
		return
	}
	metrics.DominantSpeakerChanges.Inc()
	o.dispatch(room, plan)
}

// dispatch announces a visibility pass: the visible list to every member and
// the speakers still missing a receive path to the members that lack one.
func (o *Orchestrator) dispatch(room *core.Room, plan core.Plan) {
	visible := plan.Visible
	if visible == nil {
		visible = []core.ProducerID{}
	}
	if room.ClaimBroadcast(plan.Seq) {
		for _, sid := range plan.Members {
			o.send(room, sid, proto.EventUpdateActiveSpeakers, visible)
		}
	}
	for _, sid := range plan.Members {
		pids, ok := plan.Builds[sid]
		if !ok {
			continue
		}
		msg := o.newProducers(room, pids)
		msg.ActiveSpeakerList = visible
		o.send(room, sid, proto.EventNewProducersToConsume, msg)
		metrics.ConsumerBuilds.Add(float64(len(pids)))
	}
}

func (o *Orchestrator) newProducers(room *core.Room, pids []core.ProducerID) proto.NewProducersToConsume {
	speakers := room.Speakers(pids)
	msg := proto.NewProducersToConsume{
		RouterRTPCapabilities: room.Router().RTPCapabilities(),
		AudioPidsToCreate:     make([]core.ProducerID, len(speakers)),
		VideoPidsToCreate:     make([]core.ProducerID, len(speakers)),
		AssociatedUserNames:   make([]string, len(speakers)),
		AssociatedUserRoles:   make([]domain.Role, len(speakers)),
	}
	for i, s := range speakers {
		msg.AudioPidsToCreate[i] = s.AudioProducerID
		msg.VideoPidsToCreate[i] = s.VideoProducerID
		msg.AssociatedUserNames[i] = s.Username
		msg.AssociatedUserRoles[i] = s.Role
		if s.Role == "" {
			msg.AssociatedUserRoles[i] = domain.RoleCandidate
		}
	}
	return msg
}

func (o *Orchestrator) send(room *core.Room, sid core.SessionID, typ string, data any) {
	sig, ok := o.Registry.Signal(sid)
	if !ok {
		return
	}
	frame, err := proto.Encode(typ, nil, data)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", typ).Msg("encode event")
		return
	}
	if err := sig.TrySend(frame); err != nil {
		o.onSendFailure(room, sid, err)
	}
}

func (o *Orchestrator) onSendFailure(room *core.Room, sid core.SessionID, err error) {
	if !errors.Is(err, core.ErrBackpressure) || o.Policy == nil {
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("event not delivered")
		return
	}
	switch o.Policy.OnBackPressure(room, sid) {
	case app.KickMember:
		metrics.Backpressure.WithLabelValues("kick").Inc()
		log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("slow consumer kicked")
		o.Registry.Cancel(sid)
	case app.DropFrame, app.NoAction:
		metrics.Backpressure.WithLabelValues("drop").Inc()
	}
}

// joined returns the sid's client session and its room.
func (o *Orchestrator) joined(sid core.SessionID) (*core.ClientSession, *core.Room, error) {
	sess, ok := o.Registry.Session(sid)
	if !ok {
		return nil, nil, core.ErrNotJoined
	}
	room := sess.Room()
	if room == nil {
		return nil, nil, core.ErrNotJoined
	}
	return sess, room, nil
}
