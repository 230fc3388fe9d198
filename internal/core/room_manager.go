package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Panel/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// SpeakerInterval is the dominance detection period of every room.
const SpeakerInterval = 300 * time.Millisecond

type RoomManagerConfig struct {
	Workers      []Worker
	Codecs       []CodecSpec
	UsageTimeout time.Duration
}

// RoomManager maps room names to rooms. Lookups share a read lock; creation
// of a given name runs once even when joins race.
type RoomManager struct {
	cfg RoomManagerConfig

	mu         sync.RWMutex
	rooms      map[domain.RoomName]*Room
	onDominant func(*Room, ProducerID)

	creating singleflight.Group
}

func NewRoomManager(cfg RoomManagerConfig) *RoomManager {
	return &RoomManager{
		cfg:   cfg,
		rooms: make(map[domain.RoomName]*Room),
	}
}

// OnDominantSpeaker sets the callback every room's speaker observer feeds.
func (m *RoomManager) OnDominantSpeaker(fn func(*Room, ProducerID)) {
	m.mu.Lock()
	m.onDominant = fn
	m.mu.Unlock()
}

func (m *RoomManager) Get(name domain.RoomName) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[name]
	return r, ok
}

// GetOrCreate returns the room called name, creating it on the least loaded
// worker if needed. created is true only for the caller whose request built
// the room.
func (m *RoomManager) GetOrCreate(ctx context.Context, name domain.RoomName) (*Room, bool, error) {
	if r, ok := m.Get(name); ok {
		return r, false, nil
	}

	built := false
	ch := m.creating.DoChan(string(name), func() (any, error) {
		if r, ok := m.Get(name); ok {
			return r, nil
		}
		r, err := m.build(context.WithoutCancel(ctx), name)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.rooms[name] = r
		m.mu.Unlock()
		built = true
		return r, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*Room), built, nil
	}
}

func (m *RoomManager) build(ctx context.Context, name domain.RoomName) (*Room, error) {
	w, err := SelectWorker(ctx, m.cfg.Workers, m.cfg.UsageTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRoomUnavailable, err)
	}
	router, err := w.CreateRouter(ctx, m.cfg.Codecs)
	if err != nil {
		return nil, fmt.Errorf("%w: create router: %w", ErrRoomUnavailable, err)
	}
	obs, err := router.CreateActiveSpeakerObserver(SpeakerInterval)
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("%w: create speaker observer: %w", ErrRoomUnavailable, err)
	}

	room := NewRoom(name, w, router, obs)
	obs.OnDominantSpeaker(func(pid ProducerID) {
		m.mu.RLock()
		fn := m.onDominant
		m.mu.RUnlock()
		if fn != nil {
			fn(room, pid)
		}
	})
	log.Info().Str("module", "core.rooms").Str("room", string(name)).Int("worker", w.ID()).Str("router", string(router.ID())).Msg("room created")
	return room, nil
}

func (m *RoomManager) List() []RoomInfo {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Info())
	}
	return out
}

// StopRoom unregisters the room and releases its router.
func (m *RoomManager) StopRoom(name domain.RoomName) {
	m.mu.Lock()
	r, ok := m.rooms[name]
	delete(m.rooms, name)
	stopped := ok && r.stop(false)
	m.mu.Unlock()
	if stopped {
		r.release()
		log.Info().Str("module", "core.rooms").Str("room", string(name)).Msg("room stopped")
	}
}

// StopRoomIfEmpty stops the room only if it has no members left. The
// emptiness check and the stop happen under the room lock, so a racing join
// either lands first and keeps the room or is refused and retries.
func (m *RoomManager) StopRoomIfEmpty(name domain.RoomName) bool {
	m.mu.Lock()
	r, ok := m.rooms[name]
	if !ok || !r.stop(true) {
		m.mu.Unlock()
		return false
	}
	delete(m.rooms, name)
	m.mu.Unlock()
	r.release()
	log.Info().Str("module", "core.rooms").Str("room", string(name)).Msg("empty room reaped")
	return true
}
