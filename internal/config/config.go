package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/origin"
)

const (
	envVarEnvFile         = "AERO_WEBRTC_MATCHMAKER_ENV_FILE"
	envVarListenAddr      = "AERO_WEBRTC_MATCHMAKER_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarMode            = "AERO_WEBRTC_MATCHMAKER_MODE"
	envVarLogFormat       = "AERO_WEBRTC_MATCHMAKER_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_MATCHMAKER_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_MATCHMAKER_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	envVarSignalingWSIdleTimeout   = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval  = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarSignalingSendQueueBytes  = "SIGNALING_SEND_QUEUE_BYTES"
	envVarRequireMatchedPeer       = "REQUIRE_MATCHED_PEER"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	flagEnvFile = "env-file"

	DefaultListenAddr                   = "127.0.0.1:3000"
	DefaultShutdown                     = 15 * time.Second
	DefaultMode                    Mode = ModeDev
	DefaultSignalingWSIdleTimeout       = 60 * time.Second
	DefaultSignalingWSPingInterval      = 20 * time.Second
	DefaultMaxSignalingMessageBytes     = int64(64 * 1024)
	DefaultSignalingSendQueueBytes      = 1 << 20 // 1MiB

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

func (c TurnRESTConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// EnvFile is the dotenv file that was layered under the environment, if any.
	EnvFile string

	SignalingWSIdleTimeout   time.Duration
	SignalingWSPingInterval  time.Duration
	MaxSignalingMessageBytes int64
	SignalingSendQueueBytes  int
	RequireMatchedPeer       bool

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. It does not fail
// startup because signaling works without ICE servers; /webrtc/ice surfaces
// it instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envFile := envFileFromArgs(args)
	if envFile == "" {
		envFile = envOrDefault(lookup, envVarEnvFile, "")
	}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		if err != nil {
			return Config{}, fmt.Errorf("read env file %q: %w", envFile, err)
		}
		lookup = withFallback(lookup, values)
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr, err := listenAddrFromEnv(lookup)
	if err != nil {
		return Config{}, err
	}
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	ice := iceSource{
		ICEServersJSON: envOrDefault(lookup, envICEServersJSON, ""),
		STUNURLs:       envOrDefault(lookup, envStunURLs, ""),
		TURNURLs:       envOrDefault(lookup, envTurnURLs, ""),
		TURNUsername:   envOrDefault(lookup, envTurnUsername, ""),
		TURNCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSignalingSendQueueBytes, DefaultSignalingSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	requireMatchedPeer := false
	if raw, ok := lookup(envVarRequireMatchedPeer); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarRequireMatchedPeer, raw, err)
		}
		requireMatchedPeer = v
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		envFileFlag  string
	)

	fs := flag.NewFlagSet("aero-webrtc-matchmaker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&envFileFlag, flagEnvFile, envFile, "dotenv file layered under the process environment (env "+envVarEnvFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close signaling WebSocket connections idle for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Ping signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&sendQueueBytes, "signaling-send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per connection before dropping (env "+envVarSignalingSendQueueBytes+")")
	fs.BoolVar(&requireMatchedPeer, "require-matched-peer", requireMatchedPeer, "Only relay signals to the sender's current partner (env "+envVarRequireMatchedPeer+")")
	fs.StringVar(&ice.ICEServersJSON, "ice-servers-json", ice.ICEServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.STUNURLs, "stun-urls", ice.STUNURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.TURNURLs, "turn-urls", ice.TURNURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.TURNUsername, "turn-username", ice.TURNUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.TURNCredential, "turn-credential", ice.TURNCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if idleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0 and < %s (%s)", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout, idleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if sendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-bytes must be > 0", envVarSignalingSendQueueBytes)
	}
	if int64(sendQueueBytes) < maxMessageBytes {
		// A relayed signal is at least as large as the message carrying it.
		return Config{}, fmt.Errorf("%s (%d) must be >= %s (%d)", envVarSignalingSendQueueBytes, sendQueueBytes, envVarMaxSignalingMessageBytes, maxMessageBytes)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   turnRESTSharedSecret,
		TTLSeconds:     turnRESTTTLSeconds,
		UsernamePrefix: turnRESTUsernamePrefix,
	}
	if turnREST.Enabled() {
		if turnREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
		}
		if turnREST.UsernamePrefix == "" || strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s/--turn-rest-username-prefix must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		EnvFile:         envFile,

		SignalingWSIdleTimeout:   idleTimeout,
		SignalingWSPingInterval:  pingInterval,
		MaxSignalingMessageBytes: maxMessageBytes,
		SignalingSendQueueBytes:  sendQueueBytes,
		RequireMatchedPeer:       requireMatchedPeer,

		TURNREST: turnREST,
	}

	iceServers, err := ice.parse(turnREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// listenAddrFromEnv prefers the explicit listen address. A bare PORT (as set
// by most PaaS runtimes) binds every interface.
func listenAddrFromEnv(lookup func(string) (string, bool)) (string, error) {
	if v := envOrDefault(lookup, envVarListenAddr, ""); v != "" {
		return v, nil
	}
	raw := strings.TrimSpace(envOrDefault(lookup, envVarPort, ""))
	if raw == "" {
		return DefaultListenAddr, nil
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return "", fmt.Errorf("invalid %s %q: %w", envVarPort, raw, err)
	}
	return net.JoinHostPort("0.0.0.0", strconv.FormatUint(port, 10)), nil
}

// envFileFromArgs finds --env-file before flag parsing so the file can supply
// defaults for every other flag.
func envFileFromArgs(args []string) string {
	for i, arg := range args {
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg || len(arg)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, flagEnvFile+"="); ok {
			return v
		}
		if name == flagEnvFile && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// withFallback consults lookup first and falls back to values, so the real
// environment always wins over the dotenv file.
func withFallback(lookup func(string) (string, bool), values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseAllowedOrigins validates and normalizes ALLOWED_ORIGINS. "*" and
// "null" are kept as-is; duplicates are dropped.
func parseAllowedOrigins(raw string) ([]string, error) {
	entries := splitCommaSeparated(raw)
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return lo.Uniq(out), nil
}
