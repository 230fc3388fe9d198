package app

import (
	"sync"

	"github.com/dkeye/Panel/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultTranscriptCapacity = 1000

// TranscriptStore keeps posted transcripts in memory, per sender role. Each
// role holds at most capacity entries; the oldest are dropped first.
type TranscriptStore struct {
	mu       sync.RWMutex
	capacity int
	byRole   map[domain.Role][]domain.Transcript
}

func NewTranscriptStore(capacity int) *TranscriptStore {
	if capacity <= 0 {
		capacity = DefaultTranscriptCapacity
	}
	return &TranscriptStore{
		capacity: capacity,
		byRole:   make(map[domain.Role][]domain.Transcript, len(domain.Roles)),
	}
}

func (s *TranscriptStore) Add(t domain.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.byRole[t.Sender], t)
	if over := len(list) - s.capacity; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	s.byRole[t.Sender] = list
	log.Debug().Str("module", "app.transcripts").Str("sender", t.Sender.String()).Int("len", len(t.Text)).Msg("transcript stored")
}

// ByRole returns a copy of the role's transcripts, oldest first. Never nil.
func (s *TranscriptStore) ByRole(role domain.Role) []domain.Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Transcript, len(s.byRole[role]))
	copy(out, s.byRole[role])
	return out
}

// All returns every known role, including the ones without transcripts.
func (s *TranscriptStore) All() map[domain.Role][]domain.Transcript {
	out := make(map[domain.Role][]domain.Transcript, len(domain.Roles))
	for _, role := range domain.Roles {
		out[role] = s.ByRole(role)
	}
	return out
}

func (s *TranscriptStore) Clear() {
	s.mu.Lock()
	s.byRole = make(map[domain.Role][]domain.Transcript, len(domain.Roles))
	s.mu.Unlock()
	log.Info().Str("module", "app.transcripts").Msg("transcripts cleared")
}
