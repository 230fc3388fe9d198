package rtc

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

func (s TrackState) String() string {
	switch s {
	case TrackStateOk:
		return "ok"
	case TrackStateMuted:
		return "muted"
	case TrackStateDelete:
		return "delete"
	}
	return "unknown"
}

// rtpWriter is the part of a local track the relay writes to.
type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// OutTrack is one consumer's end of a relay. It starts muted; a consumer is
// paused until resumed.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	w     rtpWriter
	state atomic.Int32
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP) *OutTrack {
	ot := &OutTrack{Track: track}
	if track != nil {
		ot.w = track
	}
	ot.state.Store(int32(TrackStateMuted))
	return ot
}

func (ot *OutTrack) State() TrackState {
	return TrackState(ot.state.Load())
}

// MarkOk and MarkMuted never revive a deleted track.
func (ot *OutTrack) MarkOk() bool {
	return ot.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (ot *OutTrack) MarkMuted() bool {
	return ot.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (ot *OutTrack) MarkDelete() {
	ot.state.Store(int32(TrackStateDelete))
}
