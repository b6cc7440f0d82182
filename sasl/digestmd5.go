package sasl

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// DIGEST-MD5 (RFC 2831) restricted to the auth-only QOP, UTF-8 usernames
// and an optional space-separated realm list, per spec.md §4.6. Like
// CRAM-MD5 this is built on stdlib crypto/md5 — no pack or ecosystem
// library implements this legacy mechanism (see DESIGN.md).

const digestQOP = "auth"

type digestmd5Server struct {
	realms []string
	lookup func(username, realm string) (password string, ok bool)

	nonce    string
	selected struct {
		username, realm, cnonce, nc, digestURI, response string
	}
	state    State
	identity Identity
}

func NewDigestMD5Server(realms []string, lookup func(username, realm string) (string, bool)) Mechanism {
	return &digestmd5Server{realms: realms, lookup: lookup}
}

func (m *digestmd5Server) Name() string { return "DIGEST-MD5" }

func (m *digestmd5Server) Evaluate(in []byte) ([]byte, error) {
	switch {
	case m.state != StateInitial:
		return nil, ErrFailure

	case m.nonce == "":
		m.nonce = newNonce()
		var b strings.Builder
		for _, r := range m.realms {
			fmt.Fprintf(&b, `realm="%s",`, r)
		}
		fmt.Fprintf(&b, `nonce="%s",qop="%s",charset=utf-8,algorithm=md5-sess`, m.nonce, digestQOP)
		return []byte(b.String()), nil

	case m.selected.response == "":
		fields := parseDigestFields(in)
		username := fields["username"]
		realm := fields["realm"]
		cnonce := fields["cnonce"]
		nc := fields["nc"]
		digestURI := fields["digest-uri"]
		response := fields["response"]
		qop := fields["qop"]
		if qop == "" {
			qop = digestQOP
		}
		if fields["nonce"] != m.nonce || qop != digestQOP || response == "" {
			m.state = StateFailure
			return nil, fmt.Errorf("sasl: digest-md5: malformed response")
		}
		password, ok := m.lookup(username, realm)
		if !ok {
			m.state = StateFailure
			return nil, ErrFailure
		}
		want := digestResponse(username, realm, password, m.nonce, cnonce, nc, digestURI, "AUTHENTICATE")
		if want != response {
			m.state = StateFailure
			return nil, ErrFailure
		}
		rspauth := digestResponse(username, realm, password, m.nonce, cnonce, nc, digestURI, "")
		m.selected.username, m.selected.realm = username, realm
		m.selected.cnonce, m.selected.nc = cnonce, nc
		m.selected.digestURI, m.selected.response = digestURI, response
		m.identity = Identity{AuthcID: username}
		m.state = StateSuccess
		return []byte("rspauth=" + rspauth), nil

	default:
		return nil, ErrFailure
	}
}

func (m *digestmd5Server) IsComplete() bool   { return m.state != StateInitial }
func (m *digestmd5Server) State() State       { return m.state }
func (m *digestmd5Server) Identity() Identity { return m.identity }

type digestmd5Client struct {
	username, realm, password, digestURI string
	cnonce                                string
	state                                 State
	step                                  int
}

func NewDigestMD5Client(username, realm, password, digestURI string) Mechanism {
	return &digestmd5Client{username: username, realm: realm, password: password, digestURI: digestURI}
}

func (m *digestmd5Client) Name() string { return "DIGEST-MD5" }

func (m *digestmd5Client) Evaluate(in []byte) ([]byte, error) {
	switch m.step {
	case 0:
		fields := parseDigestFields(in)
		nonce := fields["nonce"]
		if nonce == "" {
			m.state = StateFailure
			return nil, fmt.Errorf("sasl: digest-md5: missing nonce")
		}
		realm := m.realm
		if realm == "" {
			realm = fields["realm"]
		}
		m.realm = realm
		m.cnonce = newNonce()
		response := digestResponse(m.username, m.realm, m.password, nonce, m.cnonce, "00000001", m.digestURI, "AUTHENTICATE")
		msg := fmt.Sprintf(
			`username="%s",realm="%s",nonce="%s",cnonce="%s",nc=00000001,qop=%s,digest-uri="%s",response=%s,charset=utf-8`,
			m.username, m.realm, nonce, m.cnonce, digestQOP, m.digestURI, response,
		)
		m.step = 1
		return []byte(msg), nil
	case 1:
		fields := parseDigestFields(in)
		if fields["rspauth"] == "" {
			m.state = StateFailure
			return nil, fmt.Errorf("sasl: digest-md5: missing rspauth")
		}
		m.state = StateSuccess
		m.step = 2
		return nil, nil
	default:
		return nil, nil
	}
}

func (m *digestmd5Client) IsComplete() bool { return m.state != StateInitial }
func (m *digestmd5Client) State() State     { return m.state }

// digestResponse computes the RFC 2831 response-value. authMethod is
// "AUTHENTICATE" for the client→server response and "" for the server's
// rspauth (A2 omits the method in that direction).
func digestResponse(username, realm, password, nonce, cnonce, nc, digestURI, authMethod string) string {
	sum := func(s string) []byte { b := md5.Sum([]byte(s)); return b[:] }

	a1 := sum(username + ":" + realm + ":" + password)
	a1Sess := sum(string(a1) + ":" + nonce + ":" + cnonce)

	ha2 := hex.EncodeToString(sum(authMethod + ":" + digestURI))

	kd := hex.EncodeToString(a1Sess) + ":" + nonce + ":" + nc + ":" + cnonce + ":" + digestQOP + ":" + ha2
	return hex.EncodeToString(sum(kd))
}

func newNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// parseDigestFields splits a DIGEST-MD5 directive list ("key=value" or
// key="value", comma-separated) into a map; it tolerates quoted commas.
func parseDigestFields(in []byte) map[string]string {
	out := make(map[string]string)
	s := string(in)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		rest := s[eq+1:]
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				val = rest[1:]
				rest = ""
			} else {
				val = rest[1 : end+1]
				rest = strings.TrimPrefix(rest[end+2:], ",")
			}
		} else {
			comma := strings.IndexByte(rest, ',')
			if comma < 0 {
				val = rest
				rest = ""
			} else {
				val = rest[:comma]
				rest = rest[comma+1:]
			}
		}
		out[key] = val
		s = rest
	}
	return out
}
