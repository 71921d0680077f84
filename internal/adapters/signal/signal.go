package signal

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/app"
	"github.com/dkeye/marketchat/internal/app/orch"
	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// DeviceKey is the gin context key holding the device id from the session
// cookie.
const DeviceKey = "device_id"

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	AuthTimeout    time.Duration
	AllowedOrigins []string
	RateLimit      int
	RateInterval   time.Duration
}

func (o *Options) setDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.PongWait <= o.PingPeriod {
		o.PongWait = o.PingPeriod * 10 / 9
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.RateInterval <= 0 {
		o.RateInterval = time.Second
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	opts    Options
	limiter *RateLimiter
	clock   clock.Clock

	upgrader websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, opts Options, clk clock.Clock) *SignalWSController {
	opts.setDefaults()
	if clk == nil {
		clk = clock.New()
	}
	ctl := &SignalWSController{
		Orch:    o,
		opts:    opts,
		limiter: NewRateLimiter(opts.RateLimit, opts.RateInterval, clk),
		clock:   clk,
	}
	ctl.upgrader = websocket.Upgrader{CheckOrigin: ctl.checkOrigin}
	return ctl
}

// checkOrigin allows everything when no origins are configured, and requests
// without an Origin header (non-browser clients).
func (ctl *SignalWSController) checkOrigin(r *http.Request) bool {
	if len(ctl.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(ctl.opts.AllowedOrigins, origin)
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued, then
// closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	deviceID := c.GetString(DeviceKey)

	// the handshake response ignores c.Writer headers, so carry the session
	// cookie over explicitly
	var hdr http.Header
	if cookies := c.Writer.Header().Values("Set-Cookie"); len(cookies) > 0 {
		hdr = http.Header{"Set-Cookie": cookies}
	}
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, hdr)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("device", deviceID).Msg("new WS connection")

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer)
	sess := &orch.Session{ID: sid, DeviceID: deviceID, Signal: conn}

	ctx, cancel := context.WithCancel(ctx)
	inbound := make(chan core.Command, 16)

	deadline := ctl.clock.AfterFunc(ctl.opts.AuthTimeout, func() { ctl.expireUnauthenticated(sess) })

	go ctl.writePump(ctx, conn)
	go ctl.dispatchLoop(ctx, sess, inbound, deadline)
	go ctl.readPump(ctx, cancel, sess, conn, inbound)
}

func (ctl *SignalWSController) expireUnauthenticated(sess *orch.Session) {
	if ctl.Orch.Authenticated(sess.ID) {
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sess.ID)).Msg("authentication deadline passed")
	_ = app.Raw(sess.Signal, core.ErrorEvent(domain.Errorf(domain.ErrNotAuthenticated, "authentication timeout")))
	sess.Signal.Close()
}
