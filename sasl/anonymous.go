package sasl

import (
	"fmt"
	"strings"
)

// anonymousClient sends a single client→server token (RFC 4505) and
// completes immediately; it never fails locally since the server has the
// final say.
type anonymousClient struct {
	token  string
	state  State
	sent   bool
}

// NewAnonymousClient returns a client-side ANONYMOUS mechanism that sends
// token on its first Evaluate call.
func NewAnonymousClient(token string) Mechanism {
	return &anonymousClient{token: token}
}

func (m *anonymousClient) Name() string { return "ANONYMOUS" }

func (m *anonymousClient) Evaluate(_ []byte) ([]byte, error) {
	if m.sent {
		return nil, nil
	}
	m.sent = true
	m.state = StateSuccess
	return []byte(m.token), nil
}

func (m *anonymousClient) IsComplete() bool { return m.state != StateInitial }
func (m *anonymousClient) State() State     { return m.state }

// anonymousServer validates the client's token per spec.md §4.6: "server
// validates email-or-token form with length 1..255 and no '@' for
// tokens".
type anonymousServer struct {
	state    State
	identity Identity
}

func NewAnonymousServer() Mechanism { return &anonymousServer{} }

func (m *anonymousServer) Name() string { return "ANONYMOUS" }

func (m *anonymousServer) Evaluate(in []byte) ([]byte, error) {
	if m.state != StateInitial {
		return nil, ErrFailure
	}
	token := string(in)
	if err := validateAnonymousToken(token); err != nil {
		m.state = StateFailure
		return nil, fmt.Errorf("sasl: anonymous: %w", err)
	}
	m.identity = Identity{AuthcID: token}
	m.state = StateSuccess
	return nil, nil
}

func (m *anonymousServer) IsComplete() bool    { return m.state != StateInitial }
func (m *anonymousServer) State() State        { return m.state }
func (m *anonymousServer) Identity() Identity  { return m.identity }

func validateAnonymousToken(token string) error {
	if len(token) < 1 || len(token) > 255 {
		return fmt.Errorf("token length %d out of range [1,255]", len(token))
	}
	if strings.Contains(token, "@") {
		// Email form: require at least one character either side of '@'.
		at := strings.IndexByte(token, '@')
		if at == 0 || at == len(token)-1 {
			return fmt.Errorf("malformed email-form token")
		}
		return nil
	}
	// Plain trace-token form: no further structural constraint beyond length.
	return nil
}
