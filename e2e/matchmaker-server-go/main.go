// Command matchmaker-server-go starts a permissive matchmaker for browser E2E
// suites. It listens on BIND_HOST:PORT (PORT=0 picks a free port) and prints
// "READY <port>" once serving.
//
// When ECHO_PEER_ID is set, an in-process bot registers under that identity
// and echoes every DataChannel text message it receives, so a single browser
// can exercise the whole match/negotiate/next cycle.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/net/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/signaling"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	m := metrics.New()
	sig := signaling.NewServer(signaling.Config{
		Metrics:      m,
		Logger:       logger,
		IdleTimeout:  30 * time.Second,
		PingInterval: 10 * time.Second,
	})

	mux := http.NewServeMux()
	sig.RegisterRoutes(mux)
	mux.HandleFunc("GET /webrtc/ice", func(w http.ResponseWriter, r *http.Request) {
		// This endpoint is intentionally permissive for local E2E tests.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"iceServers":[]}`))
	})
	mux.Handle("GET /metrics", metrics.PrometheusHandler(m))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	if id := os.Getenv("ECHO_PEER_ID"); id != "" {
		wsURL := fmt.Sprintf("ws://%s/ws", net.JoinHostPort(bindHost, strconv.Itoa(actualPort)))
		go runEchoPeer(ctx, logger.With("echo_peer", id), wsURL, id)
	}
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		sig.Close()
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

type wireMessage struct {
	Type       string          `json:"type"`
	UserID     string          `json:"userid,omitempty"`
	To         string          `json:"to,omitempty"`
	From       string          `json:"from,omitempty"`
	PeerID     string          `json:"peerId,omitempty"`
	Caller     *bool           `json:"caller,omitempty"`
	SignalData json.RawMessage `json:"signalData,omitempty"`
}

// echoPeer holds at most one PeerConnection, for the current partner.
type echoPeer struct {
	log *slog.Logger
	ws  *websocket.Conn

	sendMu sync.Mutex

	pc   *webrtc.PeerConnection
	peer string
}

func runEchoPeer(ctx context.Context, log *slog.Logger, wsURL, id string) {
	ws, err := websocket.Dial(wsURL, "", "http://localhost")
	if err != nil {
		log.Error("echo peer dial failed", "err", err)
		return
	}
	defer ws.Close()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	p := &echoPeer{log: log, ws: ws}
	defer p.reset()
	if err := p.send(wireMessage{Type: "register", UserID: id}); err != nil {
		log.Error("echo peer register failed", "err", err)
		return
	}

	for {
		var raw string
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			log.Debug("echo peer disconnected", "err", err)
			return
		}
		var msg wireMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Warn("echo peer got malformed message", "err", err)
			continue
		}
		if err := p.handle(msg); err != nil {
			log.Warn("echo peer negotiation failed", "type", msg.Type, "err", err)
			p.reset()
		}
	}
}

func (p *echoPeer) send(msg wireMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return websocket.Message.Send(p.ws, string(b))
}

func (p *echoPeer) handle(msg wireMessage) error {
	switch msg.Type {
	case "match":
		p.reset()
		p.peer = msg.PeerID
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			return err
		}
		p.pc = pc
		pc.OnDataChannel(p.echo)
		if msg.Caller != nil && *msg.Caller {
			dc, err := pc.CreateDataChannel("chat", nil)
			if err != nil {
				return err
			}
			p.echo(dc)
			offer, err := pc.CreateOffer(nil)
			if err != nil {
				return err
			}
			return p.setLocalAndSignal(offer)
		}
		return nil

	case "signal":
		if p.pc == nil || msg.From != p.peer {
			return nil
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(msg.SignalData, &desc); err != nil {
			return err
		}
		if err := p.pc.SetRemoteDescription(desc); err != nil {
			return err
		}
		if desc.Type != webrtc.SDPTypeOffer {
			return nil
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		return p.setLocalAndSignal(answer)

	case "partner-next", "partner-left":
		p.log.Info("partner gone", "type", msg.Type, "peer_id", msg.PeerID)
		p.reset()
		// Losing a partner does not requeue us.
		return p.send(wireMessage{Type: "next"})
	}
	return nil
}

// setLocalAndSignal waits for ICE gathering so the description carries every
// candidate; the relay does not forward trickled candidates separately here.
func (p *echoPeer) setLocalAndSignal(desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	<-gatherComplete

	payload, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return err
	}
	return p.send(wireMessage{Type: "signal", To: p.peer, SignalData: payload})
}

func (p *echoPeer) echo(dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		if err := dc.SendText(string(msg.Data)); err != nil {
			p.log.Debug("echo send failed", "err", err)
		}
	})
}

func (p *echoPeer) reset() {
	if p.pc != nil {
		_ = p.pc.Close()
	}
	p.pc = nil
	p.peer = ""
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
