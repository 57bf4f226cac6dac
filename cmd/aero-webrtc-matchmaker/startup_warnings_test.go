package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{
		mu:      h.mu,
		records: h.records,
	}
	if len(h.attrs) > 0 {
		cp.attrs = append([]slog.Attr(nil), h.attrs...)
	}
	if len(h.groups) > 0 {
		cp.groups = append([]string(nil), h.groups...)
	}
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupWarnings_QuietDevDefaults(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:       config.ModeDev,
		ListenAddr: config.DefaultListenAddr,
	})

	if got := warningCodes(records()); len(got) != 0 {
		t.Fatalf("expected no warnings, got %#v", got)
	}
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:           config.ModeDev,
		ListenAddr:     config.DefaultListenAddr,
		AllowedOrigins: []string{"*"},
	})

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupWarnings_ProdPermissiveSignaling(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:       config.ModeProd,
		ListenAddr: "0.0.0.0:3000",
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	})

	codes := warningCodes(records())
	if _, ok := codes["signal_any_registered_peer"]; !ok {
		t.Fatalf("expected warning_code=signal_any_registered_peer, got %#v", codes)
	}
	if _, ok := codes["dev_mode_public_listener"]; ok {
		t.Fatalf("dev_mode_public_listener should not fire in prod")
	}
	if _, ok := codes["ice_servers_empty"]; ok {
		t.Fatalf("ice_servers_empty should not fire when servers are configured")
	}
}

func TestStartupWarnings_ProdWithoutICEServers(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:               config.ModeProd,
		ListenAddr:         "0.0.0.0:3000",
		RequireMatchedPeer: true,
	})

	codes := warningCodes(records())
	if _, ok := codes["ice_servers_empty"]; !ok {
		t.Fatalf("expected warning_code=ice_servers_empty, got %#v", codes)
	}
	if len(codes) != 1 {
		t.Fatalf("expected exactly one warning, got %#v", codes)
	}
}

func TestStartupWarnings_StaticTURNCredentials(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		Mode:       config.ModeDev,
		ListenAddr: config.DefaultListenAddr,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "user", Credential: "pass"},
		},
	}
	logStartupWarnings(logger, cfg)

	rec, ok := warningCodes(records())["turn_static_credentials"]
	if !ok {
		t.Fatalf("expected warning_code=turn_static_credentials, got %#v", records())
	}
	if rec.attrs["turn_servers"] != int64(1) {
		t.Fatalf("turn_servers attr = %#v, want 1", rec.attrs["turn_servers"])
	}

	logger, records = newRecordingLogger()
	cfg.TURNREST = config.TurnRESTConfig{SharedSecret: "s3cret", TTLSeconds: 60, UsernamePrefix: "aero"}
	logStartupWarnings(logger, cfg)
	if _, ok := warningCodes(records())["turn_static_credentials"]; ok {
		t.Fatalf("turn_static_credentials should not fire with TURN REST enabled")
	}
}

func TestStartupWarnings_DevPublicListenerAndLargeMessages(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, config.Config{
		Mode:                     config.ModeDev,
		ListenAddr:               "0.0.0.0:3000",
		MaxSignalingMessageBytes: 4 << 20,
	})

	codes := warningCodes(records())
	for _, want := range []string{"dev_mode_public_listener", "max_signaling_message_large"} {
		if _, ok := codes[want]; !ok {
			t.Fatalf("expected warning_code=%s, got %#v", want, codes)
		}
	}
}

func TestListensOnAllInterfaces(t *testing.T) {
	cases := map[string]bool{
		"0.0.0.0:3000":   true,
		":3000":          true,
		"[::]:3000":      true,
		"127.0.0.1:3000": false,
		"localhost:3000": false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := listensOnAllInterfaces(addr); got != want {
			t.Fatalf("listensOnAllInterfaces(%q)=%v, want %v", addr, got, want)
		}
	}
}
