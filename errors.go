package dsp

import "errors"

// Error taxonomy (spec.md §7). Each kind is a sentinel; call sites wrap it
// with fmt.Errorf("%w: ...") for context and callers match with errors.Is.
var (
	// Protocol errors.
	ErrFrameCorruption    = errors.New("dsp: frame corruption")
	ErrUnknownTag         = errors.New("dsp: unknown frame tag")
	ErrDuplicateExchange  = errors.New("dsp: duplicate exchange")
	ErrSlotProtocol       = errors.New("dsp: slot protocol violation")
	ErrFrameTooLarge      = errors.New("dsp: frame exceeds maxFrameSize")

	// Login errors.
	ErrUnsupportedVersion  = errors.New("dsp: unsupported protocol version")
	ErrSASLFailure         = errors.New("dsp: SASL authentication failed")
	ErrNegotiationFailure  = errors.New("dsp: option negotiation failed")
	ErrTLSHandshakeFailure = errors.New("dsp: TLS handshake failed")

	// Transport errors.
	ErrConnectFailure = errors.New("dsp: connect failure")
	ErrTransportReset = errors.New("dsp: transport reset")
	ErrWriteFailure   = errors.New("dsp: write failure")
	ErrCloseTimeout   = errors.New("dsp: close timeout")

	// Session errors.
	ErrNotLoggedIn   = errors.New("dsp: nexus not logged in")
	ErrLogoutFailed  = errors.New("dsp: logout failed")
	ErrNexusReset    = errors.New("dsp: nexus reset")
	ErrReinstated    = errors.New("dsp: nexus reinstated by a newer session")

	// Exchange errors.
	ErrAborted     = errors.New("dsp: exchange aborted")
	ErrNotFound    = errors.New("dsp: exchange not found")
	ErrIO          = errors.New("dsp: stream I/O error")
	ErrInterrupted = errors.New("dsp: interrupted")
	ErrCancelled   = errors.New("dsp: cancelled")
	ErrTimeout     = errors.New("dsp: timed out")

	// Configuration / driver errors, kept from the teacher verbatim in
	// spirit (aznet.go's ErrUnsupportedScheme/ErrInvalidConfig family).
	ErrUnsupportedScheme = errors.New("dsp: unsupported byte-channel scheme")
	ErrInvalidConfig     = errors.New("dsp: invalid configuration")
)
