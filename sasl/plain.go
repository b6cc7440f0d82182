package sasl

import (
	"bytes"
	"fmt"
)

// plainClient sends one client→server message
// "authzid\0authcid\0password" (spec.md §4.6, RFC 4616).
type plainClient struct {
	authzid, authcid, password string
	state                      State
	sent                       bool
}

func NewPlainClient(authzid, authcid, password string) Mechanism {
	return &plainClient{authzid: authzid, authcid: authcid, password: password}
}

func (m *plainClient) Name() string { return "PLAIN" }

func (m *plainClient) Evaluate(_ []byte) ([]byte, error) {
	if m.sent {
		return nil, nil
	}
	m.sent = true
	m.state = StateSuccess
	msg := []byte(m.authzid + "\x00" + m.authcid + "\x00" + m.password)
	return msg, nil
}

func (m *plainClient) IsComplete() bool { return m.state != StateInitial }
func (m *plainClient) State() State     { return m.state }

// PlainVerifier authenticates an (authzid,authcid,password) triple. A
// caller-supplied verifier keeps credential storage out of this package.
type PlainVerifier func(authzid, authcid, password string) bool

type plainServer struct {
	verify   PlainVerifier
	state    State
	identity Identity
}

func NewPlainServer(verify PlainVerifier) Mechanism {
	return &plainServer{verify: verify}
}

func (m *plainServer) Name() string { return "PLAIN" }

func (m *plainServer) Evaluate(in []byte) ([]byte, error) {
	if m.state != StateInitial {
		return nil, ErrFailure
	}
	parts := bytes.SplitN(in, []byte{0}, 3)
	if len(parts) != 3 {
		m.state = StateFailure
		return nil, fmt.Errorf("sasl: plain: malformed message")
	}
	authzid, authcid, password := string(parts[0]), string(parts[1]), string(parts[2])

	// spec.md §4.6: "each field length 1..255 except authzid may be 0".
	if len(authzid) > 255 {
		m.state = StateFailure
		return nil, fmt.Errorf("sasl: plain: authzid too long")
	}
	if len(authcid) < 1 || len(authcid) > 255 {
		m.state = StateFailure
		return nil, fmt.Errorf("sasl: plain: authcid length out of range")
	}
	if len(password) < 1 || len(password) > 255 {
		m.state = StateFailure
		return nil, fmt.Errorf("sasl: plain: password length out of range")
	}
	if authzid == "" {
		authzid = authcid
	}

	if m.verify == nil || !m.verify(authzid, authcid, password) {
		m.state = StateFailure
		return nil, ErrFailure
	}
	m.identity = Identity{AuthzID: authzid, AuthcID: authcid}
	m.state = StateSuccess
	return nil, nil
}

func (m *plainServer) IsComplete() bool   { return m.state != StateInitial }
func (m *plainServer) State() State       { return m.state }
func (m *plainServer) Identity() Identity { return m.identity }
