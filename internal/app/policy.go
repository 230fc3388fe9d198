package app

import "github.com/dkeye/Panel/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a member whose signal queue is full.
type Policy interface {
	OnBackPressure(room *core.Room, sid core.SessionID) BackpressureAction
}

// SimplePolicy kicks slow members.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room *core.Room, sid core.SessionID) BackpressureAction {
	return KickMember
}

// LenientPolicy drops the frame and keeps the member.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(room *core.Room, sid core.SessionID) BackpressureAction {
	return DropFrame
}

// PolicyByName maps a config value to a policy, defaulting to SimplePolicy.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return LenientPolicy{}
	}
	return SimplePolicy{}
}
