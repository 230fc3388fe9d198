package rtc

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

var errObserverClosed = errors.New("speaker observer closed")

const (
	levelAlpha = 0.3
	// levelThreshold is the smoothed loudness (0..1) a producer needs to be
	// considered speaking.
	levelThreshold = 0.35
	// levelIdle is how long a producer may go without packets before its
	// score starts to decay.
	levelIdle = 500 * time.Millisecond
)

type loudness struct {
	score float64
	last  time.Time
}

// levelTracker smooths RFC 6464 audio levels per producer.
type levelTracker struct {
	entries map[core.ProducerID]*loudness
}

func newLevelTracker() *levelTracker {
	return &levelTracker{entries: make(map[core.ProducerID]*loudness)}
}

func (t *levelTracker) add(pid core.ProducerID) {
	if _, ok := t.entries[pid]; !ok {
		t.entries[pid] = &loudness{}
	}
}

func (t *levelTracker) remove(pid core.ProducerID) { delete(t.entries, pid) }

// record folds one level sample in. level is -dBov: 0 is loudest, 127 silence.
func (t *levelTracker) record(pid core.ProducerID, level uint8, now time.Time) {
	e, ok := t.entries[pid]
	if !ok {
		return
	}
	if level > 127 {
		level = 127
	}
	loud := float64(127-level) / 127
	e.score = levelAlpha*loud + (1-levelAlpha)*e.score
	e.last = now
}

// dominant returns the loudest producer above the threshold. Ties go to the
// lower id so the result is stable.
func (t *levelTracker) dominant(now time.Time) (core.ProducerID, bool) {
	var (
		best      core.ProducerID
		bestScore float64
	)
	for pid, e := range t.entries {
		if idle := now.Sub(e.last); idle > levelIdle {
			e.score *= math.Exp(-idle.Seconds())
		}
		if e.score < levelThreshold {
			continue
		}
		if best == "" || e.score > bestScore || (e.score == bestScore && pid < best) {
			best, bestScore = pid, e.score
		}
	}
	return best, best != ""
}

// SpeakerObserver reports the dominant producer among the ones added to it,
// evaluated once per interval. Only changes are reported.
type SpeakerObserver struct {
	interval time.Duration

	mu      sync.Mutex
	levels  *levelTracker
	current core.ProducerID
	fn      func(core.ProducerID)
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newSpeakerObserver(interval time.Duration) *SpeakerObserver {
	if interval <= 0 {
		interval = core.SpeakerInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &SpeakerObserver{
		interval: interval,
		levels:   newLevelTracker(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go o.run(ctx)
	return o
}

func (o *SpeakerObserver) AddProducer(pid core.ProducerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errObserverClosed
	}
	o.levels.add(pid)
	return nil
}

func (o *SpeakerObserver) RemoveProducer(pid core.ProducerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.levels.remove(pid)
	if o.current == pid {
		o.current = ""
	}
	return nil
}

func (o *SpeakerObserver) OnDominantSpeaker(fn func(pid core.ProducerID)) {
	o.mu.Lock()
	o.fn = fn
	o.mu.Unlock()
}

func (o *SpeakerObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	<-o.done
}

// observe feeds one audio packet of pid. extID is the negotiated id of the
// audio level header extension.
func (o *SpeakerObserver) observe(pid core.ProducerID, extID uint8, pkt *rtp.Packet) {
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	o.mu.Lock()
	o.levels.record(pid, ext.Level, time.Now())
	o.mu.Unlock()
}

func (o *SpeakerObserver) run(ctx context.Context) {
	defer close(o.done)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.tick(now)
		}
	}
}

func (o *SpeakerObserver) tick(now time.Time) {
	o.mu.Lock()
	pid, ok := o.levels.dominant(now)
	if !ok || pid == o.current {
		o.mu.Unlock()
		return
	}
	o.current = pid
	fn := o.fn
	o.mu.Unlock()

	log.Debug().Str("module", "rtc.observer").Str("producer", string(pid)).Msg("dominant speaker")
	if fn != nil {
		fn(pid)
	}
}
