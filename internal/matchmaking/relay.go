package matchmaking

import (
	"encoding/json"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/protocol"
)

// relay forwards payload, tagged with from, to the live handle of to. The
// payload is not inspected.
func (s *State) relay(from, to Identity, payload json.RawMessage) error {
	return s.deliver(to, protocol.Signal(string(from), payload))
}

// deliver sends msg to id's handle. A missing or closed handle is reported as
// ErrStaleRecipient and nothing is sent.
func (s *State) deliver(id Identity, msg protocol.Outbound) error {
	h, ok := s.registry.lookup(id)
	if !ok || !isLive(h) {
		return ErrStaleRecipient
	}
	if !h.Send(msg) {
		return ErrDeliveryFailed
	}
	return nil
}
