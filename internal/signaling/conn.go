package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/matchmaking"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/protocol"
)

// CloseIdentityTakenOver is the WebSocket close code sent to a connection
// whose identity was registered by a newer connection.
const CloseIdentityTakenOver = 4001

const wsWriteWait = 1 * time.Second

// conn is one client WebSocket. It implements matchmaking.Handle.
type conn struct {
	id      string
	ws      *websocket.Conn
	log     *slog.Logger
	metrics *metrics.Metrics
	queue   *sendQueue

	live      atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	written   chan struct{}

	// Set once by shutdown before the queue is closed.
	closeCode   int
	closeReason string

	// identity is only touched by the read loop.
	identity matchmaking.Identity
}

var _ matchmaking.Handle = (*conn)(nil)

func newConn(id string, ws *websocket.Conn, log *slog.Logger, m *metrics.Metrics, queueBytes int) *conn {
	c := &conn{
		id:      id,
		ws:      ws,
		log:     log,
		metrics: m,
		queue:   newSendQueue(queueBytes),
		done:    make(chan struct{}),
		written: make(chan struct{}),
	}
	c.live.Store(true)
	return c
}

func (c *conn) Send(msg protocol.Outbound) bool {
	if !c.live.Load() {
		return false
	}
	frame, err := msg.Encode()
	if err != nil {
		c.log.Warn("failed to encode outbound message", "type", msg.Type, "err", err)
		return false
	}
	if !c.queue.Enqueue(frame) {
		c.metrics.Inc(metrics.SendQueueDropped)
		return false
	}
	return true
}

func (c *conn) Live() bool {
	return c.live.Load()
}

func (c *conn) Close(reason string) {
	c.shutdown(CloseIdentityTakenOver, reason)
}

// shutdown marks the connection dead and asks the writer to send a close
// frame with code and reason. Only the first call has an effect.
func (c *conn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.live.Store(false)
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
		c.queue.Close()
	})
}

// writeLoop is the only goroutine that writes data frames. When the queue is
// closed it sends the close frame and tears down the socket, which also ends
// the read loop.
func (c *conn) writeLoop() {
	defer close(c.written)
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.log.Debug("websocket write failed", "err", err)
			c.shutdown(websocket.CloseGoingAway, "write failed")
			break
		}
	}
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(c.closeCode, c.closeReason),
		time.Now().Add(wsWriteWait),
	)
	_ = c.ws.Close()
}

// pingLoop sends keepalive pings until the connection shuts down. Pongs
// extend the read deadline (see Server.serveConn).
func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			// WriteControl may be called concurrently with WriteMessage.
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
