// Package gateway terminates browser socket connections: it authenticates
// the handshake by cookie, binds each client to the pooled upstream
// connection for its credential, and relays events between the two sides.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/outboundlab/authrelay/internal/config"
	"github.com/outboundlab/authrelay/internal/cookie"
	"github.com/outboundlab/authrelay/internal/logx"
	"github.com/outboundlab/authrelay/internal/metrics"
	"github.com/outboundlab/authrelay/internal/rooms"
	"github.com/outboundlab/authrelay/internal/state"
	"github.com/outboundlab/authrelay/internal/upstream"
	"github.com/outboundlab/authrelay/internal/wire"
)

// Gateway is the public-facing socket endpoint.
type Gateway struct {
	cfg   config.RelayConfig
	rooms *rooms.Registry
	pool  *upstream.Pool
	store state.Store

	once    sync.Once
	handler *socketHandler
}

// socketHandler is the single per-process endpoint instance.
type socketHandler struct {
	g *Gateway
}

func (h *socketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.g.serve(w, r)
}

func New(cfg config.RelayConfig, reg *rooms.Registry, pool *upstream.Pool, store state.Store) *Gateway {
	return &Gateway{cfg: cfg, rooms: reg, pool: pool, store: store}
}

// Handler returns the websocket endpoint handler. Initialization runs
// exactly once per process; further calls return the same handler, as the
// hosting shell may invoke the entry point repeatedly.
func (g *Gateway) Handler() http.Handler {
	g.once.Do(func() {
		logx.Log.Info().Str("path", g.cfg.SocketPath).Msg("gateway initialized")
		g.handler = &socketHandler{g: g}
	})
	return g.handler
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	token, ok := cookie.Value(r.Header.Get("Cookie"), g.cfg.CookieName)
	if !ok {
		metrics.ClientConnection("rejected")
		logx.Log.Warn().Str("remote_addr", r.RemoteAddr).Msg("handshake without access token, rejected")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(g.cfg.AllowedOrigins)})
	if err != nil {
		metrics.ClientConnection("failed")
		logx.Log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	metrics.ClientConnection("accepted")

	client := &rooms.Client{ID: uuid.NewString(), Send: make(chan []byte, 32)}
	g.rooms.Add(client)
	up := g.pool.GetOrCreate(token)
	g.store.ClientConnected()
	metrics.ClientConnected()
	logx.Log.Info().Str("client_id", client.ID).Str("upstream", up.Fingerprint()).Msg("client connected")

	ctx := r.Context()
	defer func() {
		g.rooms.Remove(client.ID)
		g.pool.Release(up)
		g.store.ClientDisconnected()
		metrics.ClientDisconnected()
		logx.Log.Info().Str("client_id", client.ID).Msg("client disconnected")
	}()
	defer ws.Close(websocket.StatusInternalError, "server error")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-client.Send:
				if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			// Client went away or the connection ended; not a server fault.
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return
		}
		g.dispatch(client, up, data)
	}
}

// dispatch handles one client frame. Payloads are forwarded to the worker
// verbatim; the relay validates nothing beyond the integration id it needs
// for room membership.
func (g *Gateway) dispatch(client *rooms.Client, up *upstream.Conn, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logx.Log.Debug().Err(err).Str("client_id", client.ID).Msg("unparseable client frame")
		return
	}
	switch env.Event {
	case wire.EventJoinRoom:
		var jr wire.JoinRoomMessage
		if err := json.Unmarshal(env.Data, &jr); err != nil || jr.IntegrationID == "" {
			g.sendError(client, "join-room requires integrationId")
			return
		}
		room := rooms.ForIntegration(jr.IntegrationID)
		g.rooms.Join(client.ID, room)
		metrics.RoomJoin()
		logx.Log.Info().Str("client_id", client.ID).Str("room", room).Str("user_id", jr.UserID).Str("tenant_id", jr.TenantID).Msg("client joined room")
		g.forward(client, up, env.Event, data)
	case wire.EventTriggerMockAuth, wire.EventRequestTestEvent:
		g.forward(client, up, env.Event, data)
	default:
		logx.Log.Debug().Str("client_id", client.ID).Str("event", env.Event).Msg("unhandled client event")
	}
}

// forward relays a client frame upstream; failures come back to the
// originating client as an error event.
func (g *Gateway) forward(client *rooms.Client, up *upstream.Conn, event string, data []byte) {
	if err := up.Forward(event, data); err != nil {
		metrics.ForwardError()
		logx.Log.Warn().Err(err).Str("client_id", client.ID).Str("event", event).Msg("forward failed")
		g.sendError(client, fmt.Sprintf("%s not forwarded: %v", event, err))
	}
}

// originPatterns converts configured CORS origins into the host patterns
// the websocket accept check matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (g *Gateway) sendError(client *rooms.Client, msg string) {
	b, err := wire.Encode(wire.EventError, wire.ErrorMessage{Message: msg})
	if err != nil {
		return
	}
	select {
	case client.Send <- b:
	default:
	}
}
