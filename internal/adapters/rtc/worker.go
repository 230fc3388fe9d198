// Package rtc implements the media engine on pion/webrtc: every worker owns a
// port range, every router an API with its own codec set, and every transport
// one server side PeerConnection.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrWorkerClosed = errors.New("media worker closed")
	ErrRouterClosed = errors.New("router closed")
)

type Config struct {
	// PortMin and PortMax bound the UDP ports of one worker. Zero leaves
	// the choice to the OS.
	PortMin    uint16   `mapstructure:"port_min"`
	PortMax    uint16   `mapstructure:"port_max"`
	ICEServers []string `mapstructure:"ice_servers"`
	// MaxIncomingBitrate caps each upstream video track in bits per second.
	MaxIncomingBitrate uint64        `mapstructure:"max_incoming_bitrate"`
	GatherTimeout      time.Duration `mapstructure:"gather_timeout"`
	TrackTimeout       time.Duration `mapstructure:"track_timeout"`
}

func (c Config) withDefaults() Config {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 5 * time.Second
	}
	if c.TrackTimeout <= 0 {
		c.TrackTimeout = 10 * time.Second
	}
	return c
}

// Worker is a share of the media plane. Its usage is the time its relays
// spent forwarding packets.
type Worker struct {
	id       int
	cfg      Config
	settings webrtc.SettingEngine

	busy atomic.Int64

	mu      sync.Mutex
	routers map[core.RouterID]*Router
	closed  bool

	died     chan error
	failOnce sync.Once
}

func NewWorker(id int, cfg Config) (*Worker, error) {
	cfg = cfg.withDefaults()
	se := webrtc.SettingEngine{}
	if cfg.PortMin != 0 || cfg.PortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("worker %d port range: %w", id, err)
		}
	}
	w := &Worker{
		id:       id,
		cfg:      cfg,
		settings: se,
		routers:  make(map[core.RouterID]*Router),
		died:     make(chan error, 1),
	}
	log.Info().Str("module", "rtc.worker").Int("worker", id).Uint16("port_min", cfg.PortMin).Uint16("port_max", cfg.PortMax).Msg("worker started")
	return w, nil
}

// PortRange splits [from, to] into n contiguous ranges and returns the one
// of worker idx.
func PortRange(from, to uint16, n, idx int) (uint16, uint16) {
	if from == 0 || to <= from || n <= 1 {
		return from, to
	}
	span := (int(to) - int(from) + 1) / n
	if span < 1 {
		return from, to
	}
	lo := int(from) + idx*span
	hi := lo + span - 1
	if idx == n-1 {
		hi = int(to)
	}
	return uint16(lo), uint16(hi)
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) ResourceUsage(ctx context.Context) (core.ResourceUsage, error) {
	if err := ctx.Err(); err != nil {
		return core.ResourceUsage{}, err
	}
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return core.ResourceUsage{}, ErrWorkerClosed
	}
	return core.ResourceUsage{UserTime: time.Duration(w.busy.Load())}, nil
}

// Usage is the busy time in seconds, for metrics.
func (w *Worker) Usage() float64 {
	return time.Duration(w.busy.Load()).Seconds()
}

func (w *Worker) addBusy(d time.Duration) { w.busy.Add(int64(d)) }

func (w *Worker) CreateRouter(ctx context.Context, codecs []core.CodecSpec) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := newMediaEngine(codecs)
	if err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(w.settings),
	)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}
	r := newRouter(w, api, codecs)
	w.routers[r.id] = r
	log.Debug().Str("module", "rtc.worker").Int("worker", w.id).Str("router", string(r.id)).Msg("router created")
	return r, nil
}

func (w *Worker) removeRouter(id core.RouterID) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *Worker) Died() <-chan error { return w.died }

// fail reports the worker as unable to serve. Only the first failure counts.
func (w *Worker) fail(err error) {
	w.failOnce.Do(func() {
		log.Error().Err(err).Str("module", "rtc.worker").Int("worker", w.id).Msg("worker failed")
		w.died <- err
	})
}

func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	routers := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[core.RouterID]*Router)
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	log.Info().Str("module", "rtc.worker").Int("worker", w.id).Msg("worker closed")
}
