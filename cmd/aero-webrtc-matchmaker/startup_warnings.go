package main

import (
	"log/slog"
	"net"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/turnrest"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if lo.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.RequireMatchedPeer {
		logger.Warn("startup security warning: REQUIRE_MATCHED_PEER=false while --mode=prod (any registered identity can be sent signals)",
			"warning_code", "signal_any_registered_peer",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /webrtc/ice and /readyz will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured (peers behind NAT may fail to connect)",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}

	staticTURN := lo.CountBy(cfg.ICEServers, func(s webrtc.ICEServer) bool {
		return turnrest.HasTURNURL(s) && s.Username != ""
	})
	if staticTURN > 0 && !cfg.TURNREST.Enabled() {
		logger.Warn("startup security warning: static TURN credentials are served to every client (prefer TURN_REST_SHARED_SECRET)",
			"warning_code", "turn_static_credentials",
			"turn_servers", staticTURN,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeDev && listensOnAllInterfaces(cfg.ListenAddr) {
		logger.Warn("startup warning: dev mode is listening on all interfaces (/debug/matchmaking is exposed)",
			"warning_code", "dev_mode_public_listener",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}
}

func listensOnAllInterfaces(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
