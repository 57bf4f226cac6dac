// Package signaling exposes the matchmaker over WebSocket.
//
// Each connection gets an outbound queue drained by its own writer goroutine,
// so matchmaking never blocks on a slow client. Inbound frames are decoded by
// the protocol package and dispatched into a matchmaking.Lifecycle.
package signaling
