package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const rembInterval = time.Second

type remoteSource struct{ t *webrtc.TrackRemote }

func (s remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.t.ReadRTP()
	return pkt, err
}

// Producer is one incoming track of a send transport.
type Producer struct {
	id        core.ProducerID
	kind      domain.Kind
	codec     core.CodecSpec
	ssrc      uint32
	transport *Transport
	relay     *Relay
	ctx       context.Context
	logger    zerolog.Logger

	closeOnce sync.Once
}

func newProducer(t *Transport, kind domain.Kind, in incoming) *Producer {
	id := core.ProducerID(uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		id:        id,
		kind:      kind,
		codec:     fromCodec(kind, in.track.Codec()),
		ssrc:      uint32(in.track.SSRC()),
		transport: t,
		relay:     NewRelay(remoteSource{in.track}, cancel),
		ctx:       ctx,
		logger:    log.With().Str("module", "rtc.producer").Str("producer", string(id)).Str("kind", kind.String()).Logger(),
	}
	p.relay.busy = t.router.worker.addBusy
	if kind == domain.KindAudio {
		if extID := audioLevelExtensionID(in.receiver); extID != 0 {
			observers := t.router.speakerObservers()
			p.relay.tap = func(pkt *rtp.Packet) {
				for _, o := range observers {
					o.observe(id, extID, pkt)
				}
			}
		}
	}
	return p
}

func audioLevelExtensionID(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

func (p *Producer) start() {
	cfg := p.transport.router.worker.cfg
	if p.kind == domain.KindVideo && cfg.MaxIncomingBitrate > 0 {
		go p.capBitrate(p.ctx, cfg.MaxIncomingBitrate)
	}
	go p.relay.loop(p.ctx, &p.logger, p.transport.router.worker.fail)
	p.logger.Info().Str("codec", p.codec.MimeType).Uint32("ssrc", p.ssrc).Msg("producer started")
}

// capBitrate keeps announcing a REMB ceiling to the sender.
func (p *Producer) capBitrate(ctx context.Context, bps uint64) {
	ticker := time.NewTicker(rembInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.transport.conn.pc.WriteRTCP([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{
				Bitrate: float32(bps),
				SSRCs:   []uint32{p.ssrc},
			}})
			if err != nil {
				p.logger.Debug().Err(err).Msg("REMB not sent")
			}
		}
	}
}

func (p *Producer) requestKeyframe() {
	if p.kind != domain.KindVideo {
		return
	}
	err := p.transport.conn.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}})
	if err != nil {
		p.logger.Debug().Err(err).Msg("PLI not sent")
	}
}

func (p *Producer) ID() core.ProducerID { return p.id }
func (p *Producer) Kind() domain.Kind   { return p.kind }

func (p *Producer) Pause() error {
	p.relay.paused.Store(true)
	return nil
}

func (p *Producer) Resume() error {
	if p.relay.paused.CompareAndSwap(true, false) {
		p.requestKeyframe()
	}
	return nil
}

func (p *Producer) Paused() bool { return p.relay.paused.Load() }

func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.relay.Stop()
		p.relay.markAllDelete()
		p.transport.router.removeProducer(p.id)
		p.transport.removeProducer(p.id)
		p.logger.Info().Msg("producer closed")
	})
}

// Consumer is one remote producer forwarded onto a receive transport.
type Consumer struct {
	id        core.ConsumerID
	producer  *Producer
	kind      domain.Kind
	out       *OutTrack
	transport *Transport
	params    json.RawMessage

	closeOnce sync.Once
}

type consumerParameters struct {
	Mid      string         `json:"mid"`
	TrackID  string         `json:"trackId"`
	StreamID string         `json:"streamId"`
	Codec    core.CodecSpec `json:"codec"`
}

func newConsumer(t *Transport, lt *localTrack, p *Producer) (*Consumer, error) {
	params, err := json.Marshal(consumerParameters{
		Mid:      lt.mid,
		TrackID:  lt.track.ID(),
		StreamID: lt.track.StreamID(),
		Codec:    lt.codec,
	})
	if err != nil {
		return nil, err
	}
	return &Consumer{
		id:        core.ConsumerID(uuid.NewString()),
		producer:  p,
		kind:      lt.kind,
		out:       NewOutTrack(lt.track),
		transport: t,
		params:    params,
	}, nil
}

func (c *Consumer) ID() core.ConsumerID            { return c.id }
func (c *Consumer) ProducerID() core.ProducerID    { return c.producer.id }
func (c *Consumer) Kind() domain.Kind              { return c.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

func (c *Consumer) Pause() error {
	c.out.MarkMuted()
	return nil
}

// Resume starts forwarding. A video consumer asks for a keyframe so the
// subscriber can decode from the first packet.
func (c *Consumer) Resume() error {
	if c.out.MarkOk() {
		c.producer.requestKeyframe()
	}
	return nil
}

func (c *Consumer) Paused() bool { return c.out.State() != TrackStateOk }

func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.producer.relay.RemoveOutTrack(c.id)
		c.out.MarkDelete()
		c.transport.removeConsumer(c.id)
	})
}
