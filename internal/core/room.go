package core

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Panel/internal/domain"
	"github.com/rs/zerolog/log"
)

// Room owns one router, its member list, the active-speaker ranking and the
// chat history. Membership and ranking changes are serialised by mu; every
// change is followed by a visibility pass whose Plan the caller dispatches.
type Room struct {
	name     domain.RoomName
	worker   Worker
	router   Router
	observer ActiveSpeakerObserver
	chat     *ChatHistory
	created  time.Time

	mu      sync.Mutex
	members []*ClientSession
	ranking SpeakerRanking
	seq     uint64
	stopped bool

	dispatched atomic.Uint64
}

func NewRoom(name domain.RoomName, worker Worker, router Router, observer ActiveSpeakerObserver) *Room {
	return &Room{
		name:     name,
		worker:   worker,
		router:   router,
		observer: observer,
		chat:     NewChatHistory(),
		created:  time.Now(),
	}
}

func (r *Room) Name() domain.RoomName            { return r.name }
func (r *Room) Worker() Worker                   { return r.worker }
func (r *Room) Router() Router                   { return r.router }
func (r *Room) Observer() ActiveSpeakerObserver { return r.observer }
func (r *Room) CreatedAt() time.Time             { return r.created }

// AddMember appends c to the member list and binds it to this room. It
// returns the visible speakers c has to build receive paths for.
func (r *Room) AddMember(c *ClientSession) ([]ProducerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrRoomUnavailable
	}
	if !slices.Contains(r.members, c) {
		r.members = append(r.members, c)
	}
	c.setRoom(r)
	visible := r.ranking.Visible()
	for _, pid := range visible {
		c.announce(pid)
	}
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("sid", string(c.ID())).Int("members", len(r.members)).Msg("member added")
	return visible, nil
}

// RemoveMember drops the member with sid and its audio producer from the
// ranking, then recomputes visibility for the remaining members. The removed
// session's media objects are torn down after the room is released.
func (r *Room) RemoveMember(sid SessionID) (*ClientSession, Plan, bool) {
	r.mu.Lock()
	i := slices.IndexFunc(r.members, func(c *ClientSession) bool { return c.ID() == sid })
	if i < 0 {
		r.mu.Unlock()
		return nil, Plan{}, false
	}
	c := r.members[i]
	r.members = slices.Delete(r.members, i, i+1)
	var dead []*Downstream
	if pid := c.AudioProducerID(); pid != "" {
		r.ranking.Remove(pid)
		_ = r.observer.RemoveProducer(pid)
		dead = r.dropPathsLocked(pid)
	}
	plan := r.reconcileLocked()
	left := len(r.members)
	r.mu.Unlock()

	c.Teardown()
	for _, d := range dead {
		d.close()
	}
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("sid", string(sid)).Int("members", left).Msg("member removed")
	return c, plan, true
}

// AddSpeaker ranks a newly produced audio stream of c at the lowest priority.
// It is ignored if c has already left.
func (r *Room) AddSpeaker(c *ClientSession, pid ProducerID) (Plan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.members, c) || c.AudioProducerID() != pid {
		return Plan{}, false
	}
	r.ranking.Append(pid)
	return r.reconcileLocked(), true
}

// PromoteSpeaker moves pid to the front of the ranking. Ids that do not
// belong to a current member are ignored.
func (r *Room) PromoteSpeaker(pid ProducerID) (Plan, bool) {
	if pid == "" {
		return Plan{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownerLocked(pid) == nil {
		return Plan{}, false
	}
	r.ranking.Promote(pid)
	return r.reconcileLocked(), true
}

// RetireSpeaker drops pid from the ranking, e.g. when its producer was
// replaced.
func (r *Room) RetireSpeaker(pid ProducerID) (Plan, bool) {
	r.mu.Lock()
	if !r.ranking.Remove(pid) {
		r.mu.Unlock()
		return Plan{}, false
	}
	_ = r.observer.RemoveProducer(pid)
	dead := r.dropPathsLocked(pid)
	plan := r.reconcileLocked()
	r.mu.Unlock()

	for _, d := range dead {
		d.close()
	}
	return plan, true
}

// dropPathsLocked detaches every member's receive path for pid.
func (r *Room) dropPathsLocked(pid ProducerID) []*Downstream {
	var dead []*Downstream
	for _, m := range r.members {
		if d := m.dropDownstream(pid); d != nil {
			dead = append(dead, d)
		}
	}
	return dead
}

// Refresh recomputes visibility without changing the ranking, e.g. after a
// member added a video producer.
func (r *Room) Refresh() Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked()
}

// UnpauseConsumer resumes c's consumer for pid once the remote side is ready
// for it. While the path's speaker is hidden it stays paused until the next
// visibility pass resumes it.
func (r *Room) UnpauseConsumer(c *ClientSession, pid ProducerID, kind domain.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	visible := r.ranking.Visible()
	return c.unpauseConsumer(pid, kind, func(audioPid ProducerID) bool {
		return slices.Contains(visible, audioPid)
	})
}

// reconcileLocked pauses every hidden speaker, resumes every visible one and
// collects the visible speakers each member still has to build a path for.
func (r *Room) reconcileLocked() Plan {
	visible := r.ranking.Visible()
	hidden := r.ranking.Hidden()
	r.seq++
	plan := Plan{
		Seq:     r.seq,
		Visible: visible,
		Members: make([]SessionID, 0, len(r.members)),
		Builds:  make(map[SessionID][]ProducerID),
	}
	for _, m := range r.members {
		plan.Members = append(plan.Members, m.ID())
		m.forgetAnnounced(visible)
		own := m.AudioProducerID()
		for _, pid := range hidden {
			if pid == own {
				m.setOwnPaused(true)
				continue
			}
			m.setDownstreamPaused(pid, true)
		}
		var missing []ProducerID
		for _, pid := range visible {
			if pid == own {
				m.setOwnPaused(false)
				continue
			}
			if !m.setDownstreamPaused(pid, false) && m.announce(pid) {
				missing = append(missing, pid)
			}
		}
		if len(missing) > 0 {
			plan.Builds[m.ID()] = missing
		}
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Int("ranked", r.ranking.Len()).Int("builds", len(plan.Builds)).Msg("visibility reconciled")
	return plan
}

// ClaimBroadcast reports whether the ranking of the pass numbered seq is
// still the newest one to announce. Older passes must not overwrite it.
func (r *Room) ClaimBroadcast(seq uint64) bool {
	for {
		last := r.dispatched.Load()
		if seq <= last {
			return false
		}
		if r.dispatched.CompareAndSwap(last, seq) {
			return true
		}
	}
}

// SetMediaEnabled applies a participant's own mute or camera toggle. A
// hidden speaker's producers stay paused until it becomes visible again.
func (r *Room) SetMediaEnabled(c *ClientSession, kind domain.Kind, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	hold := false
	if pid := c.AudioProducerID(); pid != "" && r.ranking.Contains(pid) {
		hold = !slices.Contains(r.ranking.Visible(), pid)
	}
	return c.setProducerEnabled(kind, enabled, hold)
}

func (r *Room) ownerLocked(pid ProducerID) *ClientSession {
	for _, m := range r.members {
		if m.AudioProducerID() == pid {
			return m
		}
	}
	return nil
}

// SpeakerInfo describes the participant behind a ranked audio producer.
type SpeakerInfo struct {
	AudioProducerID ProducerID
	VideoProducerID ProducerID
	SessionID       SessionID
	Username        string
	Role            domain.Role
}

// Speakers resolves pids to their owners, keeping the order of pids. Ids
// without a current owner keep only AudioProducerID.
func (r *Room) Speakers(pids []ProducerID) []SpeakerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SpeakerInfo, len(pids))
	for i, pid := range pids {
		out[i].AudioProducerID = pid
		if c := r.ownerLocked(pid); c != nil {
			out[i].VideoProducerID = c.VideoProducerID()
			out[i].SessionID = c.ID()
			out[i].Username = c.User().Username
			out[i].Role = c.Role()
		}
	}
	return out
}

// Owner returns the member producing audio pid.
func (r *Room) Owner(pid ProducerID) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.ownerLocked(pid)
	return c, c != nil
}

func (r *Room) Ranking() []ProducerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ranking.Snapshot()
}

func (r *Room) Visible() []ProducerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ranking.Visible()
}

func (r *Room) Members() []*ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.members)
}

func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *Room) AppendChat(msg domain.ChatMessage) domain.ChatMessage { return r.chat.Append(msg) }

func (r *Room) RecentChat(limit int) []domain.ChatMessage { return r.chat.Recent(limit) }

// Close stops the room. Remaining members are not torn down here.
func (r *Room) Close() {
	if r.stop(false) {
		r.release()
	}
}

// stop marks the room stopped so AddMember refuses from then on. With
// ifEmpty it leaves a room that still has members running.
func (r *Room) stop(ifEmpty bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || (ifEmpty && len(r.members) > 0) {
		return false
	}
	r.stopped = true
	return true
}

func (r *Room) release() {
	r.observer.Close()
	r.router.Close()
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"client_count"`
	Visible     []ProducerID    `json:"active_speakers"`
	WorkerID    int             `json:"worker"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomInfo{
		Name:        r.name,
		MemberCount: len(r.members),
		Visible:     r.ranking.Visible(),
		WorkerID:    r.worker.ID(),
		CreatedAt:   r.created,
	}
}
