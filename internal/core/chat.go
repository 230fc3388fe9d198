package core

import (
	"sync"

	"github.com/dkeye/Panel/internal/domain"
)

const (
	ChatCapacity     = 100
	DefaultChatLimit = 50
)

// ringBuffer is a fixed-capacity circular buffer. When full, push overwrites
// the oldest element. Callers hold their own lock.
type ringBuffer[T any] struct {
	buf   []T
	head  int
	count int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{buf: make([]T, capacity)}
}

func (r *ringBuffer[T]) push(item T) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = item
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// last returns a copy of the newest n elements, oldest first.
func (r *ringBuffer[T]) last(n int) []T {
	if n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

// ChatHistory keeps the most recent ChatCapacity messages of a room.
// All methods are safe for concurrent use.
type ChatHistory struct {
	mu     sync.RWMutex
	ring   *ringBuffer[domain.ChatMessage]
	lastID int64
}

func NewChatHistory() *ChatHistory {
	return &ChatHistory{ring: newRingBuffer[domain.ChatMessage](ChatCapacity)}
}

// Append stores msg, evicting the oldest entry beyond capacity. A zero or
// non-increasing ID is bumped so ids stay unique within the room.
func (h *ChatHistory) Append(msg domain.ChatMessage) domain.ChatMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.ID <= h.lastID {
		msg.ID = h.lastID + 1
	}
	h.lastID = msg.ID
	h.ring.push(msg)
	return msg
}

// Recent returns the last min(limit, len) messages in chronological order.
// A non-positive limit means DefaultChatLimit.
func (h *ChatHistory) Recent(limit int) []domain.ChatMessage {
	if limit <= 0 {
		limit = DefaultChatLimit
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ring.last(limit)
}

func (h *ChatHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ring.count
}
