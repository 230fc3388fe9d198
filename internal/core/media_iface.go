package core

import (
	"context"
	"time"

	"github.com/dkeye/Panel/internal/domain"
	json "github.com/goccy/go-json"
)

type (
	ProducerID  string
	ConsumerID  string
	TransportID string
	RouterID    string
)

// ResourceUsage is a cumulative snapshot, not a rate.
type ResourceUsage struct {
	UserTime   time.Duration
	SystemTime time.Duration
}

func (u ResourceUsage) Total() time.Duration { return u.UserTime + u.SystemTime }

// CodecSpec is one entry of the codec set a router is created with.
type CodecSpec struct {
	Kind       domain.Kind       `json:"kind" mapstructure:"kind"`
	MimeType   string            `json:"mimeType" mapstructure:"mime_type"`
	ClockRate  uint32            `json:"clockRate" mapstructure:"clock_rate"`
	Channels   uint16            `json:"channels,omitempty" mapstructure:"channels"`
	Parameters map[string]string `json:"parameters,omitempty" mapstructure:"parameters"`
}

// RTPCapabilities is what a router can route or a remote endpoint can receive.
type RTPCapabilities struct {
	Codecs []CodecSpec `json:"codecs"`
}

// TransportParams is the negotiation material handed to the remote endpoint.
// The core never looks inside Negotiation.
type TransportParams struct {
	ID          TransportID     `json:"id"`
	Negotiation json.RawMessage `json:"negotiation"`
}

type TransportOptions struct {
	Direction domain.Direction
	// Receive transports only: the remote producers this path will carry.
	AudioProducerID ProducerID
	VideoProducerID ProducerID
}

// Worker is one media processing unit. Workers live for the whole process.
type Worker interface {
	ID() int
	ResourceUsage(ctx context.Context) (ResourceUsage, error)
	CreateRouter(ctx context.Context, codecs []CodecSpec) (Router, error)
	// Died is closed (or receives) when the worker can no longer serve.
	Died() <-chan error
	Close()
}

type Router interface {
	ID() RouterID
	RTPCapabilities() RTPCapabilities
	CanConsume(pid ProducerID, caps RTPCapabilities) bool
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CreateActiveSpeakerObserver(interval time.Duration) (ActiveSpeakerObserver, error)
	Close()
}

type Transport interface {
	ID() TransportID
	Params() TransportParams
	Connect(ctx context.Context, remote json.RawMessage) error
	Produce(ctx context.Context, kind domain.Kind, rtpParameters json.RawMessage) (Producer, error)
	// Consume returns a consumer that is paused until Resume is called.
	Consume(ctx context.Context, pid ProducerID, caps RTPCapabilities) (Consumer, error)
	Close()
}

// Pausable objects treat pausing a paused object (or resuming a running one)
// as a no-op.
type Pausable interface {
	Pause() error
	Resume() error
	Paused() bool
}

type Producer interface {
	Pausable
	ID() ProducerID
	Kind() domain.Kind
	Close()
}

type Consumer interface {
	Pausable
	ID() ConsumerID
	ProducerID() ProducerID
	Kind() domain.Kind
	RTPParameters() json.RawMessage
	Close()
}

// ActiveSpeakerObserver reports the dominant audio producer among the ones
// added to it.
type ActiveSpeakerObserver interface {
	AddProducer(pid ProducerID) error
	RemoveProducer(pid ProducerID) error
	OnDominantSpeaker(fn func(pid ProducerID))
	Close()
}
