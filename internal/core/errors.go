package core

import "errors"

var (
	ErrNoWorker          = errors.New("no media worker available")
	ErrRoomUnavailable   = errors.New("room unavailable")
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotJoined         = errors.New("client has not joined a room")
	ErrSessionClosed     = errors.New("client session closed")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")
	ErrConsumerNotFound  = errors.New("consumer not found")
	ErrCannotConsume     = errors.New("cannot consume")
)
