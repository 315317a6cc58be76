package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/outboundlab/authrelay/internal/config"
	"github.com/outboundlab/authrelay/internal/gateway"
	"github.com/outboundlab/authrelay/internal/logx"
	"github.com/outboundlab/authrelay/internal/metrics"
	"github.com/outboundlab/authrelay/internal/rooms"
	"github.com/outboundlab/authrelay/internal/server"
	"github.com/outboundlab/authrelay/internal/state"
	"github.com/outboundlab/authrelay/internal/upstream"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	// Resolve config with precedence: defaults < file < env < args.
	var cfg config.RelayConfig
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	if p := config.PathFromArgs(os.Args[1:]); p != "" {
		cfg.ConfigFile = p
	}
	if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("config file")
	}
	cfg.ApplyEnv()
	cfg.BindFlags()
	flag.Parse()
	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	var store state.Store = state.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := state.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("redis state store")
		}
		store = rs
		logx.Log.Info().Msg("relay state published to redis")
	}

	reg := rooms.NewRegistry()
	pool := upstream.NewPool(upstream.Options{
		WorkerURL:      cfg.WorkerURL,
		ReconnectDelay: cfg.ReconnectDelay,
	}, reg, store)
	defer pool.Close()
	gw := gateway.New(cfg, reg, pool, store)

	handler := server.New(cfg, gw, store)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if metricsSrv != nil {
		go func() {
			<-ctx.Done()
			if err := metricsSrv.Shutdown(context.Background()); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}()
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	logx.Log.Info().Int("port", cfg.Port).Str("socket_path", cfg.SocketPath).Str("worker_url", cfg.WorkerURL).Msg("relay starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
