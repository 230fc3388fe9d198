package app

import (
	"context"
	"sync"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	UserID  domain.UserID
	Signal  core.SignalConnection
	Session *core.ClientSession
	Cancel  context.CancelFunc
}

// Registry tracks live signal connections and, once a connection joined a
// room, its client session. Users are keyed by the stable client token and
// live as long as one of their connections does.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[domain.UserID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[domain.UserID]*domain.User),
	}
}

// userLocked returns the user for a client token, creating a guest entry on
// first sight.
func (r *Registry) userLocked(id domain.UserID) *domain.User {
	if u, ok := r.users[id]; ok {
		return u
	}
	u := &domain.User{ID: id, Username: "guest", Role: domain.RoleCandidate}
	r.users[id] = u
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("created new user")
	return u
}

// UpdateUser records the display name and role a user joined with.
func (r *Registry) UpdateUser(id domain.UserID, name string, role domain.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.Username = name
		u.Role = role
		log.Info().Str("module", "app.registry").Str("user", string(id)).Str("username", name).Msg("updated user")
	}
}

func (r *Registry) BindSignal(sid core.SessionID, user domain.UserID, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userLocked(user)
	r.sessions[sid] = &sessionEntry{UserID: user, Signal: sig, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(user)).Msg("bound signal")
}

// AttachSession binds a joined client session to the connection. It returns
// the session it replaced, if any.
func (r *Registry) AttachSession(sid core.SessionID, sess *core.ClientSession) (*core.ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	prev := e.Session
	e.Session = sess
	return prev, true
}

// DetachSession clears the connection's client session and returns it.
func (r *Registry) DetachSession(sid core.SessionID) *core.ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	sess := e.Session
	e.Session = nil
	return sess
}

func (r *Registry) Session(sid core.SessionID) (*core.ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok && e.Session != nil {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Signal(sid core.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok && e.Signal != nil {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) UserOf(sid core.SessionID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	u, ok := r.users[e.UserID]
	return u, ok
}

// Unbind forgets the connection and returns the session it still held.
func (r *Registry) Unbind(sid core.SessionID) *core.ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	delete(r.sessions, sid)
	if !r.userConnectedLocked(e.UserID) {
		delete(r.users, e.UserID)
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return e.Session
}

func (r *Registry) userConnectedLocked(id domain.UserID) bool {
	for _, e := range r.sessions {
		if e.UserID == id {
			return true
		}
	}
	return false
}

// Cancel stops the connection's context; the gateway then closes it.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
