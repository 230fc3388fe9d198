package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Panel/internal/core"
	json "github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errNotAnswer = errors.New("remote description must be an answer")

// connection wraps one server side PeerConnection. The server always offers:
// the offer travels to the client as the transport's negotiation material and
// the client's answer comes back through Connect.
type connection struct {
	pc     *webrtc.PeerConnection
	id     core.TransportID
	logger zerolog.Logger

	onTrack  func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onClosed func()
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

func newConnection(api *webrtc.API, cfg webrtc.Configuration, id core.TransportID) (*connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &connection{
		pc:     pc,
		id:     id,
		logger: log.With().Str("module", "rtc.conn").Str("transport", string(id)).Logger(),
	}
	c.start()
	return c, nil
}

func (c *connection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			if c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(track, receiver)
		}
	})
}

// offer creates the local offer and waits for ICE gathering to finish so the
// description carries every candidate.
func (c *connection) offer(ctx context.Context) (json.RawMessage, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return json.Marshal(c.pc.LocalDescription())
}

// applyAnswer sets the client's answer as the remote description.
func (c *connection) applyAnswer(remote json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(remote, &desc); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return errNotAnswer
	}
	return c.pc.SetRemoteDescription(desc)
}

func (c *connection) close() {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return
	}
	c.logger.Debug().Msg("closed")
}
