package domain

import "errors"

const MaxRoomNameLen = 64

var (
	ErrRoomNameEmpty   = errors.New("room name empty")
	ErrRoomNameTooLong = errors.New("room name too long")
)

// RoomName is case-sensitive.
type RoomName string

func ParseRoomName(s string) (RoomName, error) {
	if s == "" {
		return "", ErrRoomNameEmpty
	}
	if len(s) > MaxRoomNameLen {
		return "", ErrRoomNameTooLong
	}
	return RoomName(s), nil
}
