package core

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/Panel/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Downstream is one receive path carrying a single remote participant: its
// audio producer and, optionally, the paired video producer.
type Downstream struct {
	Transport       Transport
	AudioProducerID ProducerID
	VideoProducerID ProducerID

	consumers map[domain.Kind]Consumer
	// ready is set once the remote side asked to unpause that consumer.
	ready map[domain.Kind]bool
}

func (d *Downstream) producerFor(kind domain.Kind) ProducerID {
	if kind == domain.KindVideo {
		return d.VideoProducerID
	}
	return d.AudioProducerID
}

// ClientSession is one connected participant's transport, producer and
// consumer state. Only events naming this client mutate it.
type ClientSession struct {
	id     SessionID
	member *domain.Member

	mu         sync.Mutex
	room       *Room
	upstream   Transport
	producers  map[domain.Kind]Producer
	downstream []*Downstream
	// announced holds visible speakers this client was told to build a path
	// for and has not requested yet.
	announced map[ProducerID]struct{}
	closed    bool
}

func NewClientSession(id SessionID, member *domain.Member) *ClientSession {
	return &ClientSession{
		id:        id,
		member:    member,
		producers: make(map[domain.Kind]Producer),
		announced: make(map[ProducerID]struct{}),
	}
}

func (c *ClientSession) ID() SessionID          { return c.id }
func (c *ClientSession) Member() *domain.Member { return c.member }
func (c *ClientSession) User() *domain.User     { return c.member.User }
func (c *ClientSession) Role() domain.Role      { return c.member.User.Role }

func (c *ClientSession) Room() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *ClientSession) setRoom(r *Room) {
	c.mu.Lock()
	c.room = r
	c.mu.Unlock()
}

func (c *ClientSession) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *ClientSession) joinedRoom() (*Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrSessionClosed
	}
	if c.room == nil {
		return nil, ErrNotJoined
	}
	return c.room, nil
}

// ProducerID returns the id of this client's producer of kind, or "".
func (c *ClientSession) ProducerID(kind domain.Kind) ProducerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.producers[kind]; ok {
		return p.ID()
	}
	return ""
}

func (c *ClientSession) AudioProducerID() ProducerID { return c.ProducerID(domain.KindAudio) }
func (c *ClientSession) VideoProducerID() ProducerID { return c.ProducerID(domain.KindVideo) }

// CreateTransport creates the upstream transport (replacing and closing any
// previous one together with its producers) or appends a new downstream path
// for the given remote producers.
func (c *ClientSession) CreateTransport(ctx context.Context, dir domain.Direction, audioPid, videoPid ProducerID) (TransportParams, error) {
	room, err := c.joinedRoom()
	if err != nil {
		return TransportParams{}, err
	}
	if dir == domain.DirectionReceive && audioPid == "" {
		return TransportParams{}, fmt.Errorf("%w: receive path needs an audio producer", ErrProducerNotFound)
	}

	t, err := room.Router().CreateTransport(ctx, TransportOptions{
		Direction:       dir,
		AudioProducerID: audioPid,
		VideoProducerID: videoPid,
	})
	if err != nil {
		if dir == domain.DirectionReceive {
			c.ReleaseAnnouncement(audioPid)
		}
		return TransportParams{}, fmt.Errorf("create %s transport: %w", dir, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		t.Close()
		return TransportParams{}, ErrSessionClosed
	}
	var stale []func()
	switch dir {
	case domain.DirectionSend:
		if c.upstream != nil {
			stale = append(stale, c.upstream.Close)
			for kind, p := range c.producers {
				stale = append(stale, p.Close)
				delete(c.producers, kind)
			}
		}
		c.upstream = t
	case domain.DirectionReceive:
		delete(c.announced, audioPid)
		c.downstream = append(c.downstream, &Downstream{
			Transport:       t,
			AudioProducerID: audioPid,
			VideoProducerID: videoPid,
			consumers:       make(map[domain.Kind]Consumer, 2),
			ready:           make(map[domain.Kind]bool, 2),
		})
	}
	c.mu.Unlock()

	for _, fn := range stale {
		fn()
	}
	log.Debug().Str("module", "core.client").Str("sid", string(c.id)).Str("dir", dir.String()).Str("transport", string(t.ID())).Msg("transport created")
	return t.Params(), nil
}

// ConnectTransport completes negotiation of the upstream transport or of the
// downstream path for audioPid.
func (c *ClientSession) ConnectTransport(ctx context.Context, dir domain.Direction, audioPid ProducerID, remote json.RawMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	var t Transport
	if dir == domain.DirectionSend {
		t = c.upstream
	} else if d := c.downstreamLocked(audioPid); d != nil {
		t = d.Transport
	}
	c.mu.Unlock()
	if t == nil {
		return ErrTransportNotFound
	}
	return t.Connect(ctx, remote)
}

// Produce starts a producer of kind on the upstream transport and attaches it.
func (c *ClientSession) Produce(ctx context.Context, kind domain.Kind, rtpParameters json.RawMessage) (Producer, error) {
	c.mu.Lock()
	closed, joined, up := c.closed, c.room != nil, c.upstream
	c.mu.Unlock()
	switch {
	case closed:
		return nil, ErrSessionClosed
	case !joined:
		return nil, ErrNotJoined
	case up == nil:
		return nil, ErrTransportNotFound
	}
	p, err := up.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return nil, fmt.Errorf("produce %s: %w", kind, err)
	}
	if err := c.AttachProducer(kind, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AttachProducer records p as this client's producer of kind. Audio producers
// are registered with the room's speaker observer.
func (c *ClientSession) AttachProducer(kind domain.Kind, p Producer) error {
	c.mu.Lock()
	if c.closed || c.room == nil {
		c.mu.Unlock()
		p.Close()
		return ErrSessionClosed
	}
	old := c.producers[kind]
	c.producers[kind] = p
	room := c.room
	c.mu.Unlock()

	if old != nil && old.ID() != p.ID() {
		if kind == domain.KindAudio {
			_ = room.Observer().RemoveProducer(old.ID())
		}
		old.Close()
	}
	if kind == domain.KindAudio {
		if err := room.Observer().AddProducer(p.ID()); err != nil {
			log.Warn().Err(err).Str("module", "core.client").Str("sid", string(c.id)).Str("producer", string(p.ID())).Msg("speaker observer rejected producer")
		}
	}
	return nil
}

// Consume creates a paused consumer for pid on the matching downstream path.
func (c *ClientSession) Consume(ctx context.Context, caps RTPCapabilities, pid ProducerID, kind domain.Kind) (Consumer, error) {
	room, err := c.joinedRoom()
	if err != nil {
		return nil, err
	}
	if !room.Router().CanConsume(pid, caps) {
		return nil, ErrCannotConsume
	}
	c.mu.Lock()
	var d *Downstream
	for _, cand := range c.downstream {
		if cand.producerFor(kind) == pid {
			d = cand
			break
		}
	}
	c.mu.Unlock()
	if d == nil {
		return nil, ErrTransportNotFound
	}

	cons, err := d.Transport.Consume(ctx, pid, caps)
	if err != nil {
		c.dropIfEmpty(d)
		return nil, fmt.Errorf("consume %s: %w", kind, err)
	}
	if err := c.AttachConsumer(kind, cons, d); err != nil {
		return nil, err
	}
	return cons, nil
}

// AttachConsumer binds cons into d's slot for kind, closing any consumer it
// replaces.
func (c *ClientSession) AttachConsumer(kind domain.Kind, cons Consumer, d *Downstream) error {
	c.mu.Lock()
	if c.closed || !slices.Contains(c.downstream, d) {
		c.mu.Unlock()
		cons.Close()
		return ErrSessionClosed
	}
	old := d.consumers[kind]
	d.consumers[kind] = cons
	d.ready[kind] = false
	c.mu.Unlock()

	if old != nil && old.ID() != cons.ID() {
		old.Close()
	}
	return nil
}

// UnpauseConsumer resumes the consumer of kind bound to pid. The consumer is
// from then on managed by speaker visibility.
func (c *ClientSession) UnpauseConsumer(pid ProducerID, kind domain.Kind) error {
	return c.unpauseConsumer(pid, kind, nil)
}

// unpauseConsumer marks the consumer ready and resumes it unless visible
// reports its path's speaker as hidden.
func (c *ClientSession) unpauseConsumer(pid ProducerID, kind domain.Kind, visible func(ProducerID) bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	var (
		cons     Consumer
		audioPid ProducerID
	)
	for _, d := range c.downstream {
		if cc, ok := d.consumers[kind]; ok && cc.ProducerID() == pid {
			cons = cc
			audioPid = d.AudioProducerID
			d.ready[kind] = true
			break
		}
	}
	c.mu.Unlock()
	if cons == nil {
		return ErrConsumerNotFound
	}
	if visible != nil && !visible(audioPid) {
		log.Debug().Str("module", "core.client").Str("sid", string(c.id)).Str("producer", string(pid)).Msg("unpause deferred, speaker hidden")
		return nil
	}
	return cons.Resume()
}

func (c *ClientSession) SetAudioEnabled(enabled bool) error {
	return c.setProducerEnabled(domain.KindAudio, enabled, false)
}

func (c *ClientSession) SetVideoEnabled(enabled bool) error {
	return c.setProducerEnabled(domain.KindVideo, enabled, false)
}

// setProducerEnabled records the participant's choice for kind. With hold
// set an enable is only recorded; visibility resumes the producer later.
func (c *ClientSession) setProducerEnabled(kind domain.Kind, enabled, hold bool) error {
	c.mu.Lock()
	p := c.producers[kind]
	switch kind {
	case domain.KindAudio:
		c.member.AudioMuted = !enabled
	case domain.KindVideo:
		c.member.VideoPaused = !enabled
	}
	c.mu.Unlock()
	if p == nil {
		return ErrProducerNotFound
	}
	if enabled {
		if hold {
			return nil
		}
		return p.Resume()
	}
	return p.Pause()
}

// Teardown closes the upstream transport, all producers and every downstream
// path. Safe to call more than once; later attach calls fail with
// ErrSessionClosed.
func (c *ClientSession) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	producers := c.producers
	c.producers = make(map[domain.Kind]Producer)
	upstream := c.upstream
	c.upstream = nil
	downstream := c.downstream
	c.downstream = nil
	c.mu.Unlock()

	for _, d := range downstream {
		d.close()
	}
	for _, p := range producers {
		p.Close()
	}
	if upstream != nil {
		upstream.Close()
	}
	log.Debug().Str("module", "core.client").Str("sid", string(c.id)).Int("downstream", len(downstream)).Msg("session torn down")
}

// DownstreamCount reports how many receive paths the client holds.
func (c *ClientSession) DownstreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.downstream)
}

// HasDownstream reports whether a receive path for audioPid exists.
func (c *ClientSession) HasDownstream(audioPid ProducerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downstreamLocked(audioPid) != nil
}

// announce records that the client is about to build a path for pid. It
// reports false if it already was told to.
func (c *ClientSession) announce(pid ProducerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.announced[pid]; ok {
		return false
	}
	c.announced[pid] = struct{}{}
	return true
}

// ReleaseAnnouncement lets the next visibility pass announce pid again,
// after a receive path for it could not be built.
func (c *ClientSession) ReleaseAnnouncement(pid ProducerID) {
	c.mu.Lock()
	delete(c.announced, pid)
	c.mu.Unlock()
}

// dropIfEmpty detaches and closes d if it never got a consumer, so the path
// counts as missing again.
func (c *ClientSession) dropIfEmpty(d *Downstream) {
	c.mu.Lock()
	i := slices.Index(c.downstream, d)
	if i < 0 || len(d.consumers) > 0 {
		c.mu.Unlock()
		return
	}
	c.downstream = slices.Delete(c.downstream, i, i+1)
	delete(c.announced, d.AudioProducerID)
	c.mu.Unlock()
	d.close()
	log.Debug().Str("module", "core.client").Str("sid", string(c.id)).Str("producer", string(d.AudioProducerID)).Msg("empty receive path dropped")
}

// forgetAnnounced drops pending announcements of speakers no longer visible.
func (c *ClientSession) forgetAnnounced(visible []ProducerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pid := range c.announced {
		if !slices.Contains(visible, pid) {
			delete(c.announced, pid)
		}
	}
}

// dropDownstream detaches the path for audioPid and returns it for closing.
func (c *ClientSession) dropDownstream(audioPid ProducerID) *Downstream {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.announced, audioPid)
	i := slices.IndexFunc(c.downstream, func(d *Downstream) bool { return d.AudioProducerID == audioPid })
	if i < 0 {
		return nil
	}
	d := c.downstream[i]
	c.downstream = slices.Delete(c.downstream, i, i+1)
	return d
}

func (d *Downstream) close() {
	for _, cons := range d.consumers {
		cons.Close()
	}
	d.Transport.Close()
}

func (c *ClientSession) downstreamLocked(audioPid ProducerID) *Downstream {
	for _, d := range c.downstream {
		if d.AudioProducerID == audioPid {
			return d
		}
	}
	return nil
}

// setOwnPaused pauses or resumes both of this client's producers. Resuming
// keeps a producer the participant muted themselves paused.
func (c *ClientSession) setOwnPaused(paused bool) {
	c.mu.Lock()
	targets := make([]Producer, 0, 2)
	for kind, p := range c.producers {
		if !paused && c.mutedByUserLocked(kind) {
			continue
		}
		targets = append(targets, p)
	}
	c.mu.Unlock()
	for _, p := range targets {
		applyPaused(p, paused, c.id)
	}
}

func (c *ClientSession) mutedByUserLocked(kind domain.Kind) bool {
	if kind == domain.KindAudio {
		return c.member.AudioMuted
	}
	return c.member.VideoPaused
}

// setDownstreamPaused pauses or resumes the consumers on the path for
// audioPid. It reports false when there is no such path. Consumers the remote
// side has not unpaused yet stay paused.
func (c *ClientSession) setDownstreamPaused(audioPid ProducerID, paused bool) bool {
	c.mu.Lock()
	d := c.downstreamLocked(audioPid)
	if d == nil {
		c.mu.Unlock()
		return false
	}
	targets := make([]Consumer, 0, 2)
	for kind, cons := range d.consumers {
		if !paused && !d.ready[kind] {
			continue
		}
		targets = append(targets, cons)
	}
	c.mu.Unlock()
	for _, cons := range targets {
		applyPaused(cons, paused, c.id)
	}
	return true
}

func applyPaused(p Pausable, paused bool, sid SessionID) {
	if p.Paused() == paused {
		return
	}
	var err error
	if paused {
		err = p.Pause()
	} else {
		err = p.Resume()
	}
	if err != nil {
		log.Debug().Err(err).Str("module", "core.client").Str("sid", string(sid)).Bool("paused", paused).Msg("visibility change ignored")
	}
}
