package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/matchmaking"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-matchmaker",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"env_file", cfg.EnvFile,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"signaling_ws_ping_interval", cfg.SignalingWSPingInterval,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"signaling_send_queue_bytes", cfg.SignalingSendQueueBytes,
		"require_matched_peer", cfg.RequireMatchedPeer,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	logStartupWarnings(logger, cfg)

	m := metrics.New()
	lifecycle := matchmaking.NewLifecycle(matchmaking.Config{
		Logger:             logger,
		Metrics:            m,
		RequireMatchedPeer: cfg.RequireMatchedPeer,
	})
	m.ObserveState(stateGauges(lifecycle))

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Options{
		Metrics:   m,
		Lifecycle: lifecycle,
	})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		os.Exit(2)
	}

	sig := signaling.NewServer(signaling.Config{
		Lifecycle:       lifecycle,
		Metrics:         m,
		Logger:          logger,
		IdleTimeout:     cfg.SignalingWSIdleTimeout,
		PingInterval:    cfg.SignalingWSPingInterval,
		MaxMessageBytes: cfg.MaxSignalingMessageBytes,
		SendQueueBytes:  cfg.SignalingSendQueueBytes,
		CheckOrigin:     srv.CheckOrigin,
	})
	sig.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by http.Server, so they
	// are closed explicitly.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func stateGauges(l *matchmaking.Lifecycle) metrics.StateGauges {
	return metrics.StateGauges{
		Registered: func() float64 { return float64(l.Stats().Registered) },
		Waiting: func() float64 {
			if l.Stats().Waiting != "" {
				return 1
			}
			return 0
		},
		Matches: func() float64 { return float64(l.Stats().Matches) },
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
