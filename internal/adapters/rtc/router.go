package rtc

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Router is one room's media scope. Producers are only visible to
// transports of the same router.
type Router struct {
	id     core.RouterID
	worker *Worker
	api    *webrtc.API
	codecs []core.CodecSpec

	mu         sync.RWMutex
	producers  map[core.ProducerID]*Producer
	transports map[core.TransportID]*Transport
	observers  []*SpeakerObserver
	closed     bool
}

func newRouter(w *Worker, api *webrtc.API, codecs []core.CodecSpec) *Router {
	return &Router{
		id:         core.RouterID(uuid.NewString()),
		worker:     w,
		api:        api,
		codecs:     slices.Clone(codecs),
		producers:  make(map[core.ProducerID]*Producer),
		transports: make(map[core.TransportID]*Transport),
	}
}

func (r *Router) ID() core.RouterID { return r.id }

func (r *Router) RTPCapabilities() core.RTPCapabilities {
	return core.RTPCapabilities{Codecs: slices.Clone(r.codecs)}
}

// CanConsume reports whether pid is a live producer of this router whose codec
// the remote capabilities include.
func (r *Router) CanConsume(pid core.ProducerID, caps core.RTPCapabilities) bool {
	p, ok := r.producer(pid)
	if !ok {
		return false
	}
	return supports(caps, p.codec)
}

func (r *Router) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}

	ctx, cancel := context.WithTimeout(ctx, r.worker.cfg.GatherTimeout)
	defer cancel()
	var (
		t   *Transport
		err error
	)
	switch opts.Direction {
	case domain.DirectionSend:
		t, err = newSendTransport(ctx, r)
	case domain.DirectionReceive:
		t, err = newReceiveTransport(ctx, r, opts.AudioProducerID, opts.VideoProducerID)
	default:
		err = fmt.Errorf("%w: %q", domain.ErrUnknownDirection, opts.Direction)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CreateActiveSpeakerObserver(interval time.Duration) (core.ActiveSpeakerObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	o := newSpeakerObserver(interval)
	r.observers = append(r.observers, o)
	return o, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	observers := r.observers
	r.observers = nil
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	for _, o := range observers {
		o.Close()
	}
	r.worker.removeRouter(r.id)
	log.Debug().Str("module", "rtc.router").Str("router", string(r.id)).Msg("router closed")
}

func (r *Router) producer(pid core.ProducerID) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[pid]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(pid core.ProducerID) {
	r.mu.Lock()
	delete(r.producers, pid)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id core.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

// speakerObservers is a snapshot of the observers audio producers feed.
func (r *Router) speakerObservers() []*SpeakerObserver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.observers)
}
