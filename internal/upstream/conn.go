package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/outboundlab/authrelay/internal/logx"
	"github.com/outboundlab/authrelay/internal/metrics"
	"github.com/outboundlab/authrelay/internal/rooms"
	"github.com/outboundlab/authrelay/internal/wire"
)

// ErrNotConnected is returned by Forward while the worker session is down.
var ErrNotConnected = errors.New("upstream not connected")

// errSendBufferFull is returned when the worker session cannot keep up.
var errSendBufferFull = errors.New("upstream send buffer full")

// Transport is one established worker session. *websocket.Conn is adapted
// by wsTransport; tests substitute in-memory pipes.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Conn is the pooled, reference-counted connection to the worker service
// for one credential. It dials in the background, reconnects with a fixed
// delay up to the pool's attempt budget, and relays worker events into
// the pool's sink.
type Conn struct {
	pool        *Pool
	credential  string
	fingerprint string
	cancelRun   context.CancelFunc
	connected   atomic.Bool
	send        chan []byte

	// refs is guarded by pool.mu.
	refs int
}

// Connected reports whether the worker session is currently established.
func (c *Conn) Connected() bool { return c.connected.Load() }

// Fingerprint identifies the credential without exposing it.
func (c *Conn) Fingerprint() string { return c.fingerprint }

// Forward queues a client frame for delivery to the worker. It fails
// fast when the session is down; the caller turns that into an error
// event for the originating client. Fire-and-forget: a queued frame is
// lost if the session drops before it is written.
func (c *Conn) Forward(event string, frame []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		metrics.EventForwarded(event, "up")
		return nil
	default:
		return errSendBufferFull
	}
}

// run owns the connect/reconnect cycle. It exits when the context is
// cancelled (pool closed or last reference released), or when the dial
// budget is exhausted, or when the session ends with no references left;
// in every case the pool entry is evicted so the next GetOrCreate builds
// fresh.
func (c *Conn) run(ctx context.Context) {
	defer c.pool.evict(c)
	attempt := 0
	for {
		t, err := c.pool.opts.Dial(ctx, c.pool.opts.WorkerURL, c.credential)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			metrics.UpstreamReconnect()
			logx.Log.Warn().Err(err).Str("upstream", c.fingerprint).Int("attempt", attempt).Msg("upstream dial failed")
			if attempt >= c.pool.opts.MaxAttempts {
				logx.Log.Error().Str("upstream", c.fingerprint).Int("attempts", attempt).Msg("upstream dial budget exhausted, abandoning connection")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.pool.opts.ReconnectDelay):
			}
			continue
		}
		attempt = 0
		c.pool.store.UpstreamUp(c.fingerprint)
		metrics.UpstreamConnected()
		c.connected.Store(true)
		logx.Log.Info().Str("upstream", c.fingerprint).Msg("upstream connected")

		c.session(ctx, t)

		c.connected.Store(false)
		metrics.UpstreamDisconnected()
		c.pool.store.UpstreamDown(c.fingerprint)
		logx.Log.Warn().Str("upstream", c.fingerprint).Msg("upstream disconnected")
		if ctx.Err() != nil {
			return
		}
		if c.pool.idle(c) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pool.opts.ReconnectDelay):
		}
	}
}

// session pumps one established transport until it fails or ctx ends.
func (c *Conn) session(ctx context.Context, t Transport) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = t.Close() }()

	go func() {
		for {
			select {
			case <-sctx.Done():
				return
			case frame := <-c.send:
				if err := t.Write(sctx, frame); err != nil {
					logx.Log.Warn().Err(err).Str("upstream", c.fingerprint).Msg("upstream write failed")
					cancel()
					return
				}
			}
		}
	}()

	for {
		data, err := t.Read(sctx)
		if err != nil {
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one worker frame to browser clients. Handlers are wired
// here once per connection, not once per room join. Payloads are
// forwarded verbatim; only the integration id is inspected for targeting.
func (c *Conn) dispatch(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logx.Log.Debug().Err(err).Str("upstream", c.fingerprint).Msg("unparseable upstream frame")
		return
	}
	switch env.Event {
	case wire.EventAuthProgress, wire.EventDebugURL:
		var ref wire.ProgressRef
		_ = json.Unmarshal(env.Data, &ref)
		if ref.IntegrationID == "" {
			logx.Log.Warn().Str("event", env.Event).Str("upstream", c.fingerprint).Msg("upstream event without integrationId, dropped")
			return
		}
		if env.Event == wire.EventAuthProgress && ref.Step != "" {
			c.pool.store.RecordStep(ref.IntegrationID, ref.Step)
		}
		room := rooms.ForIntegration(ref.IntegrationID)
		n := c.pool.sink.Broadcast(room, data)
		metrics.EventForwarded(env.Event, "down")
		logx.Log.Debug().Str("event", env.Event).Str("room", room).Int("clients", n).Msg("forwarded upstream event")
	case wire.EventMockAuthAck:
		n := c.pool.sink.BroadcastGlobal(data)
		metrics.EventForwarded(env.Event, "down")
		logx.Log.Debug().Str("event", env.Event).Int("clients", n).Msg("broadcast upstream event")
	default:
		logx.Log.Debug().Str("event", env.Event).Str("upstream", c.fingerprint).Msg("unhandled upstream event")
	}
}

// wsTransport adapts *websocket.Conn to Transport.
type wsTransport struct {
	ws *websocket.Conn
}

func (t wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.ws.Read(ctx)
	return data, err
}

func (t wsTransport) Write(ctx context.Context, data []byte) error {
	return t.ws.Write(ctx, websocket.MessageText, data)
}

func (t wsTransport) Close() error {
	return t.ws.Close(websocket.StatusNormalClosure, "")
}

// DialWorker establishes a websocket session with the worker's
// auth-progress endpoint and presents the credential as a connection-time
// auth frame. The worker validates the token itself; the relay does not
// inspect it.
func DialWorker(ctx context.Context, baseURL, token string) (Transport, error) {
	u := strings.TrimRight(baseURL, "/") + "/auth-progress"
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(dctx, u, nil)
	if err != nil {
		return nil, err
	}
	hello, err := wire.Encode(wire.EventAuth, wire.AuthMessage{Token: token})
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "encode auth")
		return nil, err
	}
	if err := ws.Write(dctx, websocket.MessageText, hello); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "auth write failed")
		return nil, err
	}
	return wsTransport{ws: ws}, nil
}
