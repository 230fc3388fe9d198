package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Panel/internal/app/orch"
	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrConnClosed = errors.New("connection closed")

const sendBuffer = 32

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	// ChatLimit messages per ChatInterval per user.
	ChatLimit    int
	ChatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ChatLimit <= 0 {
		o.ChatLimit = 5
	}
	if o.ChatInterval <= 0 {
		o.ChatInterval = 3 * time.Second
	}
	return o
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter

	opts     Options
	validate *validator.Validate
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	return &SignalWSController{
		Orch:     o,
		Limiter:  NewRoomRateLimiter(opts.ChatLimit, opts.ChatInterval),
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// WsSignalConn is one client's signalling channel. Frames are queued and
// written by the write pump; a full queue is reported as backpressure.
type WsSignalConn struct {
	conn WSConn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func NewWsSignalConn(conn WSConn) *WsSignalConn {
	return &WsSignalConn{
		conn: conn,
		send: make(chan core.Frame, sendBuffer),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until either
// side closes it. Every connection gets its own session id; the client token
// identifies the user across reconnects.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	user := domain.UserID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(user)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ctl.Serve(ctx, sid, user, ws)
}

// Serve runs the pumps of an upgraded connection.
func (ctl *SignalWSController) Serve(ctx context.Context, sid core.SessionID, user domain.UserID, ws WSConn) {
	conn := NewWsSignalConn(ws)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Connect(sid, user, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
