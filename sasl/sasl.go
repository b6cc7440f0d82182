// Package sasl implements the SASL mechanism contracts from spec.md §4.6:
// ANONYMOUS, PLAIN, CRAM-MD5 and DIGEST-MD5, at the abstract Mechanism
// level the session core needs. None of the retrieved example repos
// implement SASL, so these mechanisms are built directly from spec.md's
// literal field-level rules (RFC 4505 for ANONYMOUS, RFC 4616 for PLAIN)
// rather than adapted from an example (see DESIGN.md).
package sasl

import "errors"

// State is a mechanism's evaluation state machine: INITIAL → {SUCCESS,
// FAILURE}, with FAILURE terminal (spec.md §4.6).
type State uint8

const (
	StateInitial State = iota
	StateSuccess
	StateFailure
)

// ErrFailure is returned by Evaluate once a mechanism can no longer
// succeed; further calls remain in StateFailure.
var ErrFailure = errors.New("sasl: authentication failed")

// Mechanism is implemented by each concrete SASL mechanism.
type Mechanism interface {
	// Name is the IANA SASL mechanism name (e.g. "CRAM-MD5").
	Name() string
	// Evaluate processes one challenge/response round. For the side that
	// speaks first (the client in PLAIN/ANONYMOUS, the server in
	// CRAM-MD5/DIGEST-MD5) the first call may be given nil input.
	Evaluate(in []byte) (out []byte, err error)
	// IsComplete reports whether the mechanism has reached a terminal
	// state (success or failure).
	IsComplete() bool
	// State returns the current evaluation state.
	State() State
}

// Identity carries the authenticated identity a server-side mechanism
// extracts on success (authzid/authcid, or the anonymous token).
type Identity struct {
	AuthzID string
	AuthcID string
}
