// Package coretest provides in-memory implementations of the media engine
// contract for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	json "github.com/goccy/go-json"
)

var ErrInjected = errors.New("injected failure")

var seq atomic.Int64

func nextID(prefix string) string { return fmt.Sprintf("%s%d", prefix, seq.Add(1)) }

type Worker struct {
	Idx      int
	Usage    core.ResourceUsage
	UsageErr error
	// UsageDelay blocks ResourceUsage until ctx is done when negative.
	UsageDelay time.Duration
	RouterErr  error

	Routers atomic.Int32
	died    chan error
}

func NewWorker(idx int, usage time.Duration) *Worker {
	return &Worker{Idx: idx, Usage: core.ResourceUsage{UserTime: usage}, died: make(chan error, 1)}
}

func (w *Worker) ID() int { return w.Idx }

func (w *Worker) ResourceUsage(ctx context.Context) (core.ResourceUsage, error) {
	if w.UsageDelay < 0 {
		<-ctx.Done()
		return core.ResourceUsage{}, ctx.Err()
	}
	if w.UsageErr != nil {
		return core.ResourceUsage{}, w.UsageErr
	}
	return w.Usage, nil
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []core.CodecSpec) (core.Router, error) {
	if w.RouterErr != nil {
		return nil, w.RouterErr
	}
	w.Routers.Add(1)
	return NewRouter(codecs), nil
}

func (w *Worker) Died() <-chan error { return w.died }
func (w *Worker) Close()             {}

type Router struct {
	id     core.RouterID
	codecs []core.CodecSpec

	mu           sync.Mutex
	producers    map[core.ProducerID]*Producer
	Transports   []*Transport
	Observer     *Observer
	TransportErr error
	closed       bool
}

func NewRouter(codecs []core.CodecSpec) *Router {
	return &Router{
		id:        core.RouterID(nextID("router-")),
		codecs:    codecs,
		producers: make(map[core.ProducerID]*Producer),
	}
}

func (r *Router) ID() core.RouterID { return r.id }

func (r *Router) RTPCapabilities() core.RTPCapabilities {
	return core.RTPCapabilities{Codecs: r.codecs}
}

func (r *Router) CanConsume(pid core.ProducerID, caps core.RTPCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[pid]
	return ok
}

func (r *Router) CreateTransport(ctx context.Context, opts core.TransportOptions) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.TransportErr != nil {
		return nil, r.TransportErr
	}
	t := &Transport{id: core.TransportID(nextID("transport-")), router: r, Opts: opts}
	r.Transports = append(r.Transports, t)
	return t, nil
}

func (r *Router) CreateActiveSpeakerObserver(interval time.Duration) (core.ActiveSpeakerObserver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Observer = &Observer{Interval: interval, producers: make(map[core.ProducerID]bool)}
	return r.Observer, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) register(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) unregister(pid core.ProducerID) {
	r.mu.Lock()
	delete(r.producers, pid)
	r.mu.Unlock()
}

// Producer looks up a live producer by id.
func (r *Router) Producer(pid core.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[pid]
	return p, ok
}

type Transport struct {
	id     core.TransportID
	router *Router
	Opts   core.TransportOptions

	mu         sync.Mutex
	Remote     json.RawMessage
	ProduceErr error
	ConsumeErr error
	// ProduceGate, when set, blocks Produce until it is closed.
	ProduceGate chan struct{}
	Consumers   []*Consumer
	closed      bool
}

func (t *Transport) ID() core.TransportID { return t.id }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{ID: t.id, Negotiation: json.RawMessage(`{"fake":true}`)}
}

func (t *Transport) Connect(ctx context.Context, remote json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.Remote = remote
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind domain.Kind, rtpParameters json.RawMessage) (core.Producer, error) {
	t.mu.Lock()
	gate, perr := t.ProduceGate, t.ProduceErr
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if perr != nil {
		return nil, perr
	}
	p := NewProducer(kind)
	p.router = t.router
	t.router.register(p)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, pid core.ProducerID, caps core.RTPCapabilities) (core.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConsumeErr != nil {
		return nil, t.ConsumeErr
	}
	kind := domain.KindAudio
	if pid == t.Opts.VideoProducerID {
		kind = domain.KindVideo
	}
	c := &Consumer{id: core.ConsumerID(nextID("consumer-")), pid: pid, kind: kind}
	c.paused.Store(true)
	t.Consumers = append(t.Consumers, c)
	return c, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type Producer struct {
	id     core.ProducerID
	kind   domain.Kind
	router *Router
	paused atomic.Bool
	closed atomic.Bool
}

func NewProducer(kind domain.Kind) *Producer {
	return &Producer{id: core.ProducerID(nextID(string(kind) + "-")), kind: kind}
}

// NewProducerWithID is for tests that need stable ids.
func NewProducerWithID(id core.ProducerID, kind domain.Kind) *Producer {
	return &Producer{id: id, kind: kind}
}

func (p *Producer) ID() core.ProducerID { return p.id }
func (p *Producer) Kind() domain.Kind   { return p.kind }
func (p *Producer) Pause() error        { p.paused.Store(true); return nil }
func (p *Producer) Resume() error       { p.paused.Store(false); return nil }
func (p *Producer) Paused() bool        { return p.paused.Load() }
func (p *Producer) IsClosed() bool      { return p.closed.Load() }

func (p *Producer) Close() {
	if p.closed.Swap(true) {
		return
	}
	if p.router != nil {
		p.router.unregister(p.id)
	}
}

type Consumer struct {
	id     core.ConsumerID
	pid    core.ProducerID
	kind   domain.Kind
	paused atomic.Bool
	closed atomic.Bool
}

func (c *Consumer) ID() core.ConsumerID            { return c.id }
func (c *Consumer) ProducerID() core.ProducerID    { return c.pid }
func (c *Consumer) Kind() domain.Kind              { return c.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return json.RawMessage(`{}`) }
func (c *Consumer) Pause() error                   { c.paused.Store(true); return nil }
func (c *Consumer) Resume() error                  { c.paused.Store(false); return nil }
func (c *Consumer) Paused() bool                   { return c.paused.Load() }
func (c *Consumer) Close()                         { c.closed.Store(true) }
func (c *Consumer) IsClosed() bool                 { return c.closed.Load() }

type Observer struct {
	Interval time.Duration

	mu        sync.Mutex
	producers map[core.ProducerID]bool
	fn        func(core.ProducerID)
	closed    bool
}

func (o *Observer) AddProducer(pid core.ProducerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.producers[pid] = true
	return nil
}

func (o *Observer) RemoveProducer(pid core.ProducerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.producers, pid)
	return nil
}

func (o *Observer) Has(pid core.ProducerID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.producers[pid]
}

func (o *Observer) OnDominantSpeaker(fn func(core.ProducerID)) {
	o.mu.Lock()
	o.fn = fn
	o.mu.Unlock()
}

// Emit fires a dominance event as the engine would.
func (o *Observer) Emit(pid core.ProducerID) {
	o.mu.Lock()
	fn := o.fn
	o.mu.Unlock()
	if fn != nil {
		fn(pid)
	}
}

func (o *Observer) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// Workers is a convenience for building a worker pool.
func Workers(usages ...time.Duration) []core.Worker {
	out := make([]core.Worker, len(usages))
	for i, u := range usages {
		out[i] = NewWorker(i, u)
	}
	return out
}

var _ core.Worker = (*Worker)(nil)
var _ core.Router = (*Router)(nil)
var _ core.Transport = (*Transport)(nil)
var _ core.Producer = (*Producer)(nil)
var _ core.Consumer = (*Consumer)(nil)
var _ core.ActiveSpeakerObserver = (*Observer)(nil)
