package matchmaking

// PairingResult is the outcome of offering an identity for matching.
//
// When Paired is false the identity is now in the waiting slot.
type PairingResult struct {
	Paired bool
	Peer   Identity
	// Caller is the negotiation role of the identity that was offered. The
	// identity that was already waiting always becomes the caller.
	Caller bool
}

// waitingSlot holds at most one identity. It is a single optional value, not
// a queue: random 1:1 matching only ever needs the latest unmatched arrival.
type waitingSlot struct {
	id  Identity
	set bool
}

func (w *waitingSlot) get() (Identity, bool) {
	return w.id, w.set
}

func (w *waitingSlot) put(id Identity) {
	w.id = id
	w.set = true
}

func (w *waitingSlot) clear() {
	w.id = ""
	w.set = false
}

// clearIf empties the slot only if it holds id.
func (w *waitingSlot) clearIf(id Identity) bool {
	if w.set && w.id == id {
		w.clear()
		return true
	}
	return false
}

// offerOrPair pairs id with the waiting identity when there is a live one
// distinct from id; otherwise id takes the waiting slot.
//
// id must be registered and must not currently be matched.
func (s *State) offerOrPair(id Identity) PairingResult {
	if w, ok := s.slot.get(); ok && w != id {
		if h, ok := s.registry.lookup(w); ok && isLive(h) {
			s.slot.clear()
			s.matches.pair(w, id)
			return PairingResult{Paired: true, Peer: w, Caller: false}
		}
	}
	s.slot.put(id)
	return PairingResult{}
}
