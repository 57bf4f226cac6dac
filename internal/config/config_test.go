package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func emptyLookup(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(emptyLookup, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("SignalingWSPingInterval=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.SignalingSendQueueBytes != DefaultSignalingSendQueueBytes {
		t.Fatalf("SignalingSendQueueBytes=%d, want %d", cfg.SignalingSendQueueBytes, DefaultSignalingSendQueueBytes)
	}
	if cfg.RequireMatchedPeer {
		t.Fatalf("RequireMatchedPeer=true, want false")
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST enabled without a shared secret")
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError: %v", err)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(emptyLookup, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:      "production",
		envVarLogFormat: "text",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestListenAddr_PortFallback(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarPort: "8080"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, "0.0.0.0:8080")
	}

	cfg, err = load(lookupMap(map[string]string{
		envVarPort:       "8080",
		envVarListenAddr: "127.0.0.1:9000",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, "127.0.0.1:9000")
	}

	if _, err := load(lookupMap(map[string]string{envVarPort: "http"}), nil); err == nil {
		t.Fatalf("expected error for non-numeric PORT")
	}
}

func TestListenAddr_FlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarListenAddr: "127.0.0.1:9000"}), []string{"--listen-addr", "127.0.0.1:9001"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9001" {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, "127.0.0.1:9001")
	}
}

func TestEnvFile_LayeredUnderEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchmaker.env")
	contents := strings.Join([]string{
		"# local overrides",
		envVarListenAddr + "=127.0.0.1:4000",
		envVarRequireMatchedPeer + "=true",
		envVarSignalingWSIdleTimeout + "=90s",
	}, "\n")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := load(lookupMap(map[string]string{
		envVarEnvFile:                path,
		envVarSignalingWSIdleTimeout: "30s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EnvFile != path {
		t.Fatalf("EnvFile=%q, want %q", cfg.EnvFile, path)
	}
	if cfg.ListenAddr != "127.0.0.1:4000" {
		t.Fatalf("ListenAddr=%q, want value from env file", cfg.ListenAddr)
	}
	if !cfg.RequireMatchedPeer {
		t.Fatalf("RequireMatchedPeer=false, want true from env file")
	}
	if cfg.SignalingWSIdleTimeout != 30*time.Second {
		t.Fatalf("SignalingWSIdleTimeout=%v, want process env to win", cfg.SignalingWSIdleTimeout)
	}
}

func TestEnvFile_FlagForm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchmaker.env")
	if err := os.WriteFile(path, []byte(envVarMode+"=prod\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	for _, args := range [][]string{
		{"--env-file", path},
		{"-env-file=" + path},
	} {
		cfg, err := load(emptyLookup, args)
		if err != nil {
			t.Fatalf("load(%v): %v", args, err)
		}
		if cfg.Mode != ModeProd {
			t.Fatalf("load(%v): mode=%q, want %q", args, cfg.Mode, ModeProd)
		}
	}
}

func TestEnvFile_Missing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.env")
	if _, err := load(emptyLookup, []string{"--env-file", missing}); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestSignalingTimeouts_PingMustBeBelowIdle(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error when ping interval >= idle timeout")
	}

	cfg, err := load(emptyLookup, []string{"--signaling-ws-idle-timeout", "5s", "--signaling-ws-ping-interval", "1s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalingWSIdleTimeout != 5*time.Second || cfg.SignalingWSPingInterval != time.Second {
		t.Fatalf("timeouts=%v/%v, want 5s/1s", cfg.SignalingWSIdleTimeout, cfg.SignalingWSPingInterval)
	}
}

func TestSignalingLimits_Validation(t *testing.T) {
	cases := []map[string]string{
		{envVarMaxSignalingMessageBytes: "0"},
		{envVarMaxSignalingMessageBytes: "lots"},
		{envVarSignalingSendQueueBytes: "-1"},
		{envVarMaxSignalingMessageBytes: "4096", envVarSignalingSendQueueBytes: "1024"},
		{envVarSignalingWSIdleTimeout: "forever"},
	}
	for _, env := range cases {
		if _, err := load(lookupMap(env), nil); err == nil {
			t.Fatalf("expected error for %v", env)
		}
	}
}

func TestRequireMatchedPeer(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarRequireMatchedPeer: "1"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.RequireMatchedPeer {
		t.Fatalf("RequireMatchedPeer=false, want true")
	}

	cfg, err = load(lookupMap(map[string]string{envVarRequireMatchedPeer: "true"}), []string{"--require-matched-peer=false"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RequireMatchedPeer {
		t.Fatalf("RequireMatchedPeer=true, want flag to override env")
	}

	if _, err := load(lookupMap(map[string]string{envVarRequireMatchedPeer: "maybe"}), nil); err == nil {
		t.Fatalf("expected error for invalid bool")
	}
}

func TestAllowedOrigins_FromEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAllowedOrigins: "https://app.example.com, https://app.example.com:443",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("AllowedOrigins=%v, want [https://app.example.com]", cfg.AllowedOrigins)
	}

	if _, err := load(lookupMap(map[string]string{envVarAllowedOrigins: "app.example.com"}), nil); err == nil {
		t.Fatalf("expected error for origin without scheme")
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}

func TestTURNREST_Config(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "s3cret",
		envTurnURLs:                "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST disabled, want enabled")
	}
	if cfg.TURNREST.TTL() != time.Hour {
		t.Fatalf("TTL=%v, want 1h", cfg.TURNREST.TTL())
	}
	if cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix {
		t.Fatalf("UsernamePrefix=%q, want %q", cfg.TURNREST.UsernamePrefix, DefaultTURNRESTUsernamePrefix)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError: %v (TURN without static creds should be allowed)", err)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers=%v, want one TURN entry", cfg.ICEServers)
	}

	if _, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret:   "s3cret",
		envVarTURNRESTUsernamePrefix: "a:b",
	}), nil); err == nil {
		t.Fatalf("expected error for prefix containing ':'")
	}
	if _, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "s3cret",
		envVarTURNRESTTTLSeconds:   "0",
	}), nil); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestICEConfigError_Deferred(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load should not fail on ICE config: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}
	if cfg.ICEServers != nil {
		t.Fatalf("ICEServers=%v, want nil on error", cfg.ICEServers)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, Config{LogFormat: LogFormatJSON, LogLevel: slog.LevelInfo})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown", "identity", "A")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record emitted at info level: %s", out)
	}
	if !strings.Contains(out, `"identity":"A"`) {
		t.Fatalf("expected JSON record, got %s", out)
	}

	if _, err := newLogger(&buf, Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported log format")
	}
}
