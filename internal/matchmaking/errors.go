package matchmaking

import "errors"

var (
	// ErrStaleRecipient is returned when the target identity has no handle, or
	// its handle is no longer live. Callers treat it as a silent drop.
	ErrStaleRecipient = errors.New("stale recipient")
	// ErrDeliveryFailed is returned when a live handle refused a message
	// (for example because its outbound queue is full).
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrNotRegistered is returned for operations issued by a handle that is
	// not the current binding of the identity.
	ErrNotRegistered = errors.New("identity not registered on this connection")
	// ErrNotMatched is returned in strict peer mode when the sender signals an
	// identity other than its current partner.
	ErrNotMatched = errors.New("recipient is not the sender's partner")

	ErrEmptyIdentity      = errors.New("empty identity")
	ErrInvariantViolation = errors.New("matchmaking invariant violated")
)
