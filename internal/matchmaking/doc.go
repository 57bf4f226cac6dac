// Package matchmaking pairs anonymous clients into 1:1 sessions and relays
// opaque negotiation payloads between them.
//
// All shared state (connection registry, waiting slot and match table) lives
// in a single State owned by a Lifecycle. Every mutation runs under the
// Lifecycle's mutex, so no observer can see a half-applied pairing. Handles
// must never block in Send; transports are expected to queue and write from
// their own goroutine.
package matchmaking
