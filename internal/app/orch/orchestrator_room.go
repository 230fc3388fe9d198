package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/dkeye/Panel/internal/metrics"
	"github.com/dkeye/Panel/internal/proto"
	"github.com/rs/zerolog/log"
)

// Join adds the connection to the named room, creating the room on the least
// loaded worker when it does not exist. A connection already in a room leaves
// it first.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, req proto.JoinRoomRequest) (proto.JoinRoomResponse, error) {
	name, err := domain.ParseRoomName(req.RoomName)
	if err != nil {
		return proto.JoinRoomResponse{}, err
	}
	role, err := domain.ParseRole(req.UserRole)
	if err != nil {
		return proto.JoinRoomResponse{}, err
	}
	u, ok := o.Registry.UserOf(sid)
	if !ok {
		return proto.JoinRoomResponse{}, core.ErrSessionClosed
	}
	user, err := domain.NewUser(u.ID, req.UserName, role)
	if err != nil {
		return proto.JoinRoomResponse{}, err
	}
	o.Registry.UpdateUser(u.ID, user.Username, user.Role)

	if prev := o.Registry.DetachSession(sid); prev != nil {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("rejoin, leaving previous room")
		o.leave(prev)
	}

	sess := core.NewClientSession(sid, domain.NewMember(user, string(sid)))
	room, visible, created, err := o.enter(ctx, name, sess)
	if err != nil {
		return proto.JoinRoomResponse{}, err
	}
	metrics.Members.Inc()
	if prev, ok := o.Registry.AttachSession(sid, sess); !ok {
		o.leave(sess)
		return proto.JoinRoomResponse{}, core.ErrSessionClosed
	} else if prev != nil {
		o.leave(prev)
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(name)).Str("role", role.String()).Bool("new_room", created).Msg("joined room")

	existing := o.newProducers(room, visible)
	return proto.JoinRoomResponse{
		RouterRTPCapabilities: existing.RouterRTPCapabilities,
		NewRoom:               created,
		AudioPidsToCreate:     existing.AudioPidsToCreate,
		VideoPidsToCreate:     existing.VideoPidsToCreate,
		AssociatedUserNames:   existing.AssociatedUserNames,
		AssociatedUserRoles:   existing.AssociatedUserRoles,
		ChatHistory:           room.RecentChat(core.DefaultChatLimit),
	}, nil
}

// enter gets or creates the room and adds sess to it. A room reaped between
// lookup and insertion is created again once.
func (o *Orchestrator) enter(ctx context.Context, name domain.RoomName, sess *core.ClientSession) (*core.Room, []core.ProducerID, bool, error) {
	var lastErr error
	for range 2 {
		room, created, err := o.Rooms.GetOrCreate(ctx, name)
		if err != nil {
			return nil, nil, false, err
		}
		if created {
			metrics.Rooms.Inc()
		}
		visible, err := room.AddMember(sess)
		if err != nil {
			lastErr = err
			if errors.Is(err, core.ErrRoomUnavailable) {
				continue
			}
			return nil, nil, false, err
		}
		return room, visible, created, nil
	}
	return nil, nil, false, lastErr
}

// Leave removes the connection from its room. The signal connection stays
// open.
func (o *Orchestrator) Leave(sid core.SessionID) bool {
	sess := o.Registry.DetachSession(sid)
	if sess == nil {
		return false
	}
	o.leave(sess)
	return true
}

func (o *Orchestrator) leave(sess *core.ClientSession) {
	room := sess.Room()
	if room == nil {
		sess.Teardown()
		return
	}
	_, plan, ok := room.RemoveMember(sess.ID())
	if !ok {
		sess.Teardown()
		return
	}
	metrics.Members.Dec()

	left := proto.UserLeft{
		UserName: sess.User().Username,
		SocketID: string(sess.ID()),
		UserRole: sess.Role(),
	}
	for _, sid := range plan.Members {
		o.send(room, sid, proto.EventUserLeft, left)
	}
	o.dispatch(room, plan)
	log.Info().Str("module", "orch").Str("sid", string(sess.ID())).Str("room", string(room.Name())).Str("role", sess.Role().String()).Msg("left room")

	if o.ReapEmpty && o.Rooms.StopRoomIfEmpty(room.Name()) {
		metrics.Rooms.Dec()
	}
}

// EvictRoom disconnects every member and stops the room.
func (o *Orchestrator) EvictRoom(name domain.RoomName) bool {
	room, ok := o.Rooms.Get(name)
	if !ok {
		return false
	}
	for _, m := range room.Members() {
		o.Registry.Cancel(m.ID())
	}
	o.Rooms.StopRoom(name)
	metrics.Rooms.Dec()
	return true
}

// SendChat stores a chat message in the sender's room and relays it to every
// member, the sender included.
func (o *Orchestrator) SendChat(sid core.SessionID, text string) (domain.ChatMessage, error) {
	sess, room, err := o.joined(sid)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	now := time.Now()
	msg := room.AppendChat(domain.ChatMessage{
		ID:           now.UnixMilli(),
		Text:         text,
		Sender:       sess.User().Username,
		SenderRole:   sess.Role(),
		ConnectionID: string(sid),
		Timestamp:    now.UTC(),
	})
	for _, m := range room.Members() {
		o.send(room, m.ID(), proto.EventChatMessage, msg)
	}
	metrics.ChatMessages.Inc()
	return msg, nil
}

// ChatHistory returns the room's recent messages, or none before joining.
func (o *Orchestrator) ChatHistory(sid core.SessionID, limit int) []domain.ChatMessage {
	_, room, err := o.joined(sid)
	if err != nil {
		return []domain.ChatMessage{}
	}
	return room.RecentChat(limit)
}
