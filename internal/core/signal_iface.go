package core

import "errors"

var ErrBackpressure = errors.New("backpressure")

// Frame is a raw encoded message for a signal connection.
type Frame []byte

type SessionID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
