package matchmaking

import "github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/protocol"

// Identity is the client-declared name of a participant.
type Identity string

// Handle is one live transport session.
type Handle interface {
	// Send queues msg for delivery and reports whether it was accepted. It
	// must not block.
	Send(msg protocol.Outbound) bool
	// Live reports whether the transport is still open.
	Live() bool
	// Close terminates the transport. It is used when another connection takes
	// over the handle's identity.
	Close(reason string)
}

func isLive(h Handle) bool {
	return h != nil && h.Live()
}

// registry maps identities to their current handle (last writer wins).
type registry struct {
	handles map[Identity]Handle
}

func newRegistry() *registry {
	return &registry{handles: make(map[Identity]Handle)}
}

// register binds id to h and returns the handle it replaced, if any.
func (r *registry) register(id Identity, h Handle) (prev Handle, replaced bool) {
	prev, replaced = r.handles[id]
	r.handles[id] = h
	return prev, replaced
}

func (r *registry) lookup(id Identity) (Handle, bool) {
	h, ok := r.handles[id]
	return h, ok
}

func (r *registry) remove(id Identity) {
	delete(r.handles, id)
}

// boundTo reports whether h is the current handle of id.
func (r *registry) boundTo(id Identity, h Handle) bool {
	cur, ok := r.handles[id]
	return ok && cur == h
}

func (r *registry) len() int {
	return len(r.handles)
}
