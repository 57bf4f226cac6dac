package matchmaking

type matchEntry struct {
	peer   Identity
	caller bool
}

// matchTable holds each pair as two directed entries.
type matchTable struct {
	entries map[Identity]matchEntry
}

func newMatchTable() *matchTable {
	return &matchTable{entries: make(map[Identity]matchEntry)}
}

// pair records {caller, callee}. Any previous match of either side must have
// been removed first.
func (t *matchTable) pair(caller, callee Identity) {
	t.entries[caller] = matchEntry{peer: callee, caller: true}
	t.entries[callee] = matchEntry{peer: caller, caller: false}
}

// unpair removes id's match, both directions. It is a no-op for an unmatched
// identity.
func (t *matchTable) unpair(id Identity) (Identity, bool) {
	e, ok := t.entries[id]
	if !ok {
		return "", false
	}
	delete(t.entries, id)
	if back, ok := t.entries[e.peer]; ok && back.peer == id {
		delete(t.entries, e.peer)
	}
	return e.peer, true
}

func (t *matchTable) peerOf(id Identity) (Identity, bool) {
	e, ok := t.entries[id]
	return e.peer, ok
}

func (t *matchTable) entry(id Identity) (matchEntry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// pairs returns the number of matches (not directed entries).
func (t *matchTable) pairs() int {
	return len(t.entries) / 2
}
