package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "authrelay_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "relay"},
		},
		[]string{"date", "sha", "version"},
	)

	clientConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authrelay_client_connections_total",
			Help: "Browser socket connections by outcome",
		},
		[]string{"outcome"},
	)

	clientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "authrelay_clients_connected",
			Help: "Currently connected browser sockets",
		},
	)

	upstreamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "authrelay_upstream_connections",
			Help: "Live upstream worker connections",
		},
	)

	upstreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authrelay_upstream_reconnect_attempts_total",
			Help: "Upstream dial attempts that failed and were retried",
		},
	)

	eventsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authrelay_events_forwarded_total",
			Help: "Relayed events by name and direction",
		},
		[]string{"event", "direction"},
	)

	roomJoins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authrelay_room_joins_total",
			Help: "Room join requests accepted",
		},
	)

	forwardErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authrelay_forward_errors_total",
			Help: "Client events that could not be forwarded upstream",
		},
	)
)

// Register registers all relay metrics with the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, clientConnections, clientsConnected,
		upstreamConnections, upstreamReconnects, eventsForwarded,
		roomJoins, forwardErrors)
}

// Handler returns an HTTP handler exposing the relay collectors, for
// mounting on the main router or on a dedicated metrics listener.
func Handler() http.Handler {
	reg := prometheus.NewRegistry()
	Register(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SetBuildInfo records the build information gauge.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func ClientConnection(outcome string) { clientConnections.WithLabelValues(outcome).Inc() }
func ClientConnected()                { clientsConnected.Inc() }
func ClientDisconnected()             { clientsConnected.Dec() }
func UpstreamConnected()              { upstreamConnections.Inc() }
func UpstreamDisconnected()           { upstreamConnections.Dec() }
func UpstreamReconnect()              { upstreamReconnects.Inc() }
func RoomJoin()                       { roomJoins.Inc() }
func ForwardError()                   { forwardErrors.Inc() }

// EventForwarded counts one relayed event; direction is "up" for
// client-to-worker and "down" for worker-to-client.
func EventForwarded(event, direction string) {
	eventsForwarded.WithLabelValues(event, direction).Inc()
}
