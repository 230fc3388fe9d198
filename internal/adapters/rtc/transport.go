package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	errWrongDirection  = errors.New("operation not valid for this transport direction")
)

type incoming struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// localTrack is one outgoing slot of a receive transport, bound to a single
// remote producer.
type localTrack struct {
	pid    core.ProducerID
	kind   domain.Kind
	codec  core.CodecSpec
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	mid    string
}

// Transport is one PeerConnection. A send transport receives the client's
// audio and video; a receive transport carries one remote participant.
type Transport struct {
	id     core.TransportID
	dir    domain.Direction
	router *Router
	conn   *connection
	params core.TransportParams

	// send side
	arrived map[domain.Kind]chan incoming
	// receive side
	locals []*localTrack

	mu        sync.Mutex
	producers map[core.ProducerID]*Producer
	consumers map[core.ConsumerID]*Consumer
	closed    bool
}

func newTransport(r *Router, dir domain.Direction) (*Transport, error) {
	id := core.TransportID(uuid.NewString())
	conn, err := newConnection(r.api, DefaultWebRTCConfig(r.worker.cfg.ICEServers), id)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &Transport{
		id:        id,
		dir:       dir,
		router:    r,
		conn:      conn,
		producers: make(map[core.ProducerID]*Producer),
		consumers: make(map[core.ConsumerID]*Consumer),
	}, nil
}

func newSendTransport(ctx context.Context, r *Router) (*Transport, error) {
	t, err := newTransport(r, domain.DirectionSend)
	if err != nil {
		return nil, err
	}
	t.arrived = map[domain.Kind]chan incoming{
		domain.KindAudio: make(chan incoming, 1),
		domain.KindVideo: make(chan incoming, 1),
	}
	t.conn.onTrack = t.onTrack
	for _, kind := range []domain.Kind{domain.KindAudio, domain.KindVideo} {
		if _, err := t.conn.pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.conn.close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	if err := t.negotiate(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func newReceiveTransport(ctx context.Context, r *Router, audioPid, videoPid core.ProducerID) (*Transport, error) {
	t, err := newTransport(r, domain.DirectionReceive)
	if err != nil {
		return nil, err
	}
	for _, pid := range []core.ProducerID{audioPid, videoPid} {
		if pid == "" {
			continue
		}
		if err := t.addLocal(pid); err != nil {
			t.conn.close()
			return nil, err
		}
	}
	if err := t.negotiate(ctx); err != nil {
		return nil, err
	}
	for _, lt := range t.locals {
		for _, tr := range t.conn.pc.GetTransceivers() {
			if tr.Sender() == lt.sender {
				lt.mid = tr.Mid()
			}
		}
	}
	return t, nil
}

func (t *Transport) addLocal(pid core.ProducerID) error {
	p, ok := t.router.producer(pid)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrProducerNotFound, pid)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(toCapability(p.codec), string(p.kind), string(pid))
	if err != nil {
		return fmt.Errorf("new local %s track: %w", p.kind, err)
	}
	sender, err := t.conn.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add local %s track: %w", p.kind, err)
	}
	t.locals = append(t.locals, &localTrack{pid: pid, kind: p.kind, codec: p.codec, track: track, sender: sender})
	go t.drainRTCP(sender, pid)
	return nil
}

// drainRTCP reads the subscriber's RTCP so interceptors keep working and
// relays keyframe requests to the producer.
func (t *Transport) drainRTCP(sender *webrtc.RTPSender, pid core.ProducerID) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if p, ok := t.router.producer(pid); ok {
					p.requestKeyframe()
				}
			}
		}
	}
}

func (t *Transport) negotiate(ctx context.Context) error {
	offer, err := t.conn.offer(ctx)
	if err != nil {
		t.conn.close()
		return fmt.Errorf("create offer: %w", err)
	}
	t.params = core.TransportParams{ID: t.id, Negotiation: offer}
	return nil
}

func (t *Transport) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind, err := kindOf(track.Kind())
	if err != nil {
		return
	}
	select {
	case t.arrived[kind] <- incoming{track: track, receiver: receiver}:
	default:
		log.Warn().Str("module", "rtc.transport").Str("transport", string(t.id)).Str("kind", kind.String()).Msg("unclaimed track dropped")
	}
}

func (t *Transport) ID() core.TransportID         { return t.id }
func (t *Transport) Params() core.TransportParams { return t.params }

// Connect applies the client's SDP answer.
func (t *Transport) Connect(ctx context.Context, remote json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.conn.applyAnswer(remote)
}

// Produce waits for the client's track of kind to arrive. The negotiated
// codec of the track wins over rtpParameters.
func (t *Transport) Produce(ctx context.Context, kind domain.Kind, _ json.RawMessage) (core.Producer, error) {
	if t.dir != domain.DirectionSend {
		return nil, errWrongDirection
	}
	ch, ok := t.arrived[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, kind)
	}
	ctx, cancel := context.WithTimeout(ctx, t.router.worker.cfg.TrackTimeout)
	defer cancel()

	var in incoming
	select {
	case in = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s track: %w", kind, ctx.Err())
	}

	p := newProducer(t, kind, in)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.relay.Stop()
		return nil, ErrTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)
	p.start()
	return p, nil
}

// Consume binds a paused consumer to the local track carrying pid.
func (t *Transport) Consume(ctx context.Context, pid core.ProducerID, caps core.RTPCapabilities) (core.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.dir != domain.DirectionReceive {
		return nil, errWrongDirection
	}
	var lt *localTrack
	for _, l := range t.locals {
		if l.pid == pid {
			lt = l
		}
	}
	if lt == nil {
		return nil, fmt.Errorf("%w: %s not carried by transport %s", core.ErrProducerNotFound, pid, t.id)
	}
	if !supports(caps, lt.codec) {
		return nil, core.ErrCannotConsume
	}
	p, ok := t.router.producer(pid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrProducerNotFound, pid)
	}

	c, err := newConsumer(t, lt, p)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()
	p.relay.AddOutTrack(c.id, c.out)
	return c, nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) removeProducer(id core.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id core.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// Close closes the transport with every producer and consumer on it.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	t.conn.close()
	t.router.removeTransport(t.id)
}
