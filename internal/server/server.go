package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/outboundlab/authrelay/internal/config"
	"github.com/outboundlab/authrelay/internal/gateway"
	"github.com/outboundlab/authrelay/internal/logx"
	"github.com/outboundlab/authrelay/internal/metrics"
	"github.com/outboundlab/authrelay/internal/state"
)

// New constructs the HTTP handler for the relay.
func New(cfg config.RelayConfig, gw *gateway.Gateway, store state.Store) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		logx.Log.Warn().Msg("CORS allows every origin; restrict allowed-origins in production")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Handle(cfg.SocketPath, gw.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/state", StateHandler(store))
	if cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", metrics.Handler())
	}

	return r
}

// StateHandler serves a JSON snapshot of the relay's shared state.
func StateHandler(store state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(store.Snapshot()); err != nil {
			logx.Log.Warn().Err(err).Msg("state snapshot encode failed")
		}
	}
}
