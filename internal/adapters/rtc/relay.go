package rtc

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// rtpSource is the part of a remote track the relay reads from.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// Relay forwards one producer's RTP to every consumer OutTrack.
type Relay struct {
	src rtpSource

	mu        sync.RWMutex
	outTracks map[core.ConsumerID]*OutTrack

	paused atomic.Bool
	// tap sees every packet of a running producer.
	tap func(*rtp.Packet)
	// busy accumulates time spent forwarding.
	busy func(time.Duration)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src rtpSource, cancel context.CancelFunc) *Relay {
	return &Relay{
		src:       src,
		outTracks: make(map[core.ConsumerID]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source and forwards them until the source
// fails or ctx ends. A panic is reported through fail.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger, fail func(error)) {
	defer close(r.done)
	defer r.markAllDelete()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("relay panicked")
			if fail != nil {
				fail(fmt.Errorf("relay panic: %v", rec))
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all out tracks for delete")
			return
		default:
		}
		pkt, err := r.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP stopped")
			return
		}
		if r.paused.Load() {
			continue
		}
		start := time.Now()
		if r.tap != nil {
			r.tap(pkt)
		}
		r.forward(pkt, logger)
		if r.busy != nil {
			r.busy(time.Since(start))
		}
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[core.ConsumerID]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	var dirty []core.ConsumerID
	for id, ot := range snapshot {
		switch ot.State() {
		case TrackStateDelete:
			dirty = append(dirty, id)
		case TrackStateMuted:
		case TrackStateOk:
			if ot.w == nil {
				continue
			}
			if err := ot.w.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("consumer", string(id)).Msg("relay write RTP error, dropping out track")
				ot.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []core.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(id core.ConsumerID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[id] = ot
}

func (r *Relay) RemoveOutTrack(id core.ConsumerID) {
	r.mu.Lock()
	ot, ok := r.outTracks[id]
	delete(r.outTracks, id)
	r.mu.Unlock()
	if ok {
		ot.MarkDelete()
	}
}

func (r *Relay) OutTracks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}
