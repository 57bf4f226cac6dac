package matchmaking

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-matchmaker/internal/protocol"
)

// TakeoverReason is passed to Handle.Close when a newer connection registers
// the same identity.
const TakeoverReason = "identity taken over"

// State is the process-wide matchmaking state. It is only accessed while
// holding the owning Lifecycle's lock.
type State struct {
	registry *registry
	slot     waitingSlot
	matches  *matchTable
}

func newState() *State {
	return &State{
		registry: newRegistry(),
		matches:  newMatchTable(),
	}
}

// Config configures a Lifecycle.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// RequireMatchedPeer restricts signal messages to the sender's current
	// partner. When false any registered identity may be signalled.
	RequireMatchedPeer bool
}

// Lifecycle serialises every protocol event against the shared State.
type Lifecycle struct {
	log                *slog.Logger
	metrics            *metrics.Metrics
	requireMatchedPeer bool

	mu    sync.Mutex
	state *State
}

func NewLifecycle(cfg Config) *Lifecycle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Lifecycle{
		log:                logger,
		metrics:            cfg.Metrics,
		requireMatchedPeer: cfg.RequireMatchedPeer,
		state:              newState(),
	}
}

func (l *Lifecycle) inc(event string) {
	if l.metrics != nil {
		l.metrics.Inc(event)
	}
}

// Register binds id to h and offers id for matching.
//
// If id is already bound to a different handle, that binding is torn down
// first (its partner is told the identity left) and the old handle is closed.
// Registering again on the same handle while waiting or matched changes
// nothing and returns the current state.
func (l *Lifecycle) Register(id Identity, h Handle) (PairingResult, error) {
	if id == "" {
		return PairingResult{}, ErrEmptyIdentity
	}

	var evicted Handle
	defer func() {
		if evicted != nil {
			evicted.Close(TakeoverReason)
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state

	if prev, ok := s.registry.lookup(id); ok {
		if prev == h {
			if e, ok := s.matches.entry(id); ok {
				return PairingResult{Paired: true, Peer: e.peer, Caller: e.caller}, nil
			}
			if w, ok := s.slot.get(); ok && w == id {
				return PairingResult{}, nil
			}
		} else {
			l.log.Info("identity taken over by a new connection", "identity", id)
			l.inc(metrics.IdentityTakeover)
			l.detachLocked(id)
			evicted = prev
		}
	}

	s.registry.register(id, h)
	l.inc(metrics.Registered)
	l.log.Debug("identity registered", "identity", id)

	return l.offerLocked(id), nil
}

// Signal relays payload from from to to. Delivery failures are not reported
// to the sender; the returned error only says why nothing was delivered.
func (l *Lifecycle) Signal(from, to Identity, payload json.RawMessage, h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state

	if !s.registry.boundTo(from, h) {
		l.inc(metrics.MessageUnregistered)
		return ErrNotRegistered
	}
	if l.requireMatchedPeer {
		if peer, ok := s.matches.peerOf(from); !ok || peer != to {
			l.inc(metrics.SignalDroppedNotMatched)
			return ErrNotMatched
		}
	}

	if err := s.relay(from, to, payload); err != nil {
		switch {
		case errors.Is(err, ErrStaleRecipient):
			l.inc(metrics.SignalDroppedStale)
		default:
			l.inc(metrics.SignalDroppedQueueFull)
		}
		l.log.Debug("signal dropped", "from", from, "to", to, "err", err)
		return err
	}
	l.inc(metrics.SignalRelayed)
	return nil
}

// Next ends id's current match (the partner is told via partner-next) and
// immediately offers id for a new one. Both steps happen under one lock.
func (l *Lifecycle) Next(id Identity, h Handle) (PairingResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state

	if !s.registry.boundTo(id, h) {
		l.inc(metrics.MessageUnregistered)
		return PairingResult{}, ErrNotRegistered
	}

	l.inc(metrics.Next)
	if peer, ok := s.matches.unpair(id); ok {
		l.log.Info("partner advanced", "identity", id, "peer_id", peer)
		l.notifyLocked(peer, protocol.PartnerNext(string(id)))
	}
	return l.offerLocked(id), nil
}

// Leave removes id entirely. The partner, if any, is told via partner-left.
// The transport is left open.
func (l *Lifecycle) Leave(id Identity, h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.registry.boundTo(id, h) {
		l.inc(metrics.MessageUnregistered)
		return ErrNotRegistered
	}
	l.inc(metrics.Leave)
	l.detachLocked(id)
	l.state.registry.remove(id)
	l.log.Info("identity left", "identity", id)
	return nil
}

// Disconnect handles a transport close for h. It only acts if h is still
// the binding of id: a connection that was taken over must not tear down the
// identity's new binding. It reports whether any state was removed.
func (l *Lifecycle) Disconnect(id Identity, h Handle) bool {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.registry.boundTo(id, h) {
		return false
	}
	l.inc(metrics.Disconnect)
	l.detachLocked(id)
	l.state.registry.remove(id)
	l.log.Info("identity disconnected", "identity", id)
	return true
}

// detachLocked unpairs id (notifying the partner) and clears the waiting slot
// if it holds id. The registry entry is left for the caller to handle.
func (l *Lifecycle) detachLocked(id Identity) {
	s := l.state
	if peer, ok := s.matches.unpair(id); ok {
		l.notifyLocked(peer, protocol.PartnerLeft(string(id)))
	}
	s.slot.clearIf(id)
}

func (l *Lifecycle) offerLocked(id Identity) PairingResult {
	res := l.state.offerOrPair(id)
	if !res.Paired {
		l.inc(metrics.Waiting)
		l.log.Debug("identity waiting for a partner", "identity", id)
		return res
	}

	l.inc(metrics.Matched)
	l.log.Info("match", "caller", res.Peer, "callee", id)
	l.notifyLocked(res.Peer, protocol.Match(string(id), true))
	l.notifyLocked(id, protocol.Match(string(res.Peer), false))
	return res
}

func (l *Lifecycle) notifyLocked(id Identity, msg protocol.Outbound) {
	if err := l.state.deliver(id, msg); err != nil {
		l.inc(metrics.NotificationDropped)
		l.log.Debug("notification dropped", "identity", id, "type", msg.Type, "err", err)
	}
}

// PeerOf returns id's current partner.
func (l *Lifecycle) PeerOf(id Identity) (Identity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.matches.peerOf(id)
}

// Stats is a point-in-time view of the matchmaking state.
type Stats struct {
	Registered int      `json:"registered"`
	Waiting    Identity `json:"waiting,omitempty"`
	Matches    int      `json:"matches"`
}

func (l *Lifecycle) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state
	w, _ := s.slot.get()
	return Stats{
		Registered: s.registry.len(),
		Waiting:    w,
		Matches:    s.matches.pairs(),
	}
}

// Check verifies the match table is symmetric and that a waiting identity is
// live and unmatched.
func (l *Lifecycle) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.state

	ids := make([]Identity, 0, len(s.matches.entries))
	for id := range s.matches.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, a := range ids {
		e := s.matches.entries[a]
		back, ok := s.matches.entries[e.peer]
		if !ok || back.peer != a {
			return fmt.Errorf("%w: %q -> %q has no reverse entry", ErrInvariantViolation, a, e.peer)
		}
		if back.caller == e.caller {
			return fmt.Errorf("%w: %q and %q have the same role", ErrInvariantViolation, a, e.peer)
		}
		if a == e.peer {
			return fmt.Errorf("%w: %q is matched with itself", ErrInvariantViolation, a)
		}
	}

	if w, ok := s.slot.get(); ok {
		if _, matched := s.matches.entries[w]; matched {
			return fmt.Errorf("%w: waiting identity %q is matched", ErrInvariantViolation, w)
		}
		h, ok := s.registry.lookup(w)
		if !ok || !isLive(h) {
			return fmt.Errorf("%w: waiting identity %q has no live handle", ErrInvariantViolation, w)
		}
	}
	return nil
}
