package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind      = errors.New("unknown media kind")
	ErrUnknownDirection = errors.New("unknown transport direction")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (k Kind) String() string { return string(k) }

// Direction is relative to the server: send carries the client's own media
// upstream, receive carries one remote participant downstream.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// ParseDirection also accepts the "producer"/"consumer" names older clients use.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "send", "producer":
		return DirectionSend, nil
	case "receive", "consumer":
		return DirectionReceive, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDirection, s)
}

func (d Direction) String() string { return string(d) }
