package login

import (
	"context"
	"crypto/tls"
	"fmt"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/chandrv"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/sasl"
	"github.com/delphix-oss/dsp/transport"
	"github.com/delphix-oss/dsp/wire"
)

// ClientConfig describes one client-side login attempt.
type ClientConfig struct {
	Client     dsp.ClientTerminus
	ServerHint string

	// Mechanisms are tried in order against the server's offered list;
	// the first one present in both is used (sasl.SelectMechanism).
	Mechanisms []sasl.Mechanism

	TLSOffer  wire.TLSLevel
	Trust     ClientTrustPolicy
	TLSConfig *tls.Config // required unless Trust == TrustBlind

	NexusOptions     *options.Registry
	TransportOptions *options.Registry

	// FreshSession marks this login as establishing a new session rather
	// than attaching a redundant transport to one the caller already
	// holds a *nexus.Nexus handle for (spec.md:75's reinstatement
	// invariant: "a reinstated session replaces any prior session with
	// the same (client,server) pair"). Left false, a login that lands on
	// an existing non-ZOMBIE nexus just joins it as an additional
	// transport (connector.Attach's case); set true, it forces any such
	// nexus to ZOMBIE/RESET and installs a fresh one in its place
	// (connector.Connect's case — see connector.go for the split).
	FreshSession bool
}

// Client drives the client half of the handshake over ch and, on
// success, returns a Result whose Transport has not yet been Open'd
// (the caller decides when to start the read loop and fire listeners).
func Client(ctx context.Context, ch chandrv.ByteChannel, cfg ClientConfig) (*Result, error) {
	codec := newRawCodec(ch)

	mechNames := make([]string, len(cfg.Mechanisms))
	byName := make(map[string]sasl.Mechanism, len(cfg.Mechanisms))
	for i, m := range cfg.Mechanisms {
		mechNames[i] = m.Name()
		byName[m.Name()] = m
	}

	if err := codec.send(wire.TagLoginRequest, &wire.LoginRequestBody{
		MinVersion:              protocolVersion,
		MaxVersion:              protocolVersion,
		ClientTerminusUUID:      cfg.Client.UUID,
		ClientTerminusName:      cfg.Client.Name,
		ServerTerminusHint:      cfg.ServerHint,
		SASLMechanismsPreferred: mechNames,
		TLSOffer:                cfg.TLSOffer,
		FreshSession:            cfg.FreshSession,
	}); err != nil {
		return nil, fmt.Errorf("login: send LoginRequest: %w", err)
	}

	tag, body, err := codec.recv()
	if err != nil {
		return nil, fmt.Errorf("login: recv LoginResponse: %w", err)
	}
	resp, ok := body.(*wire.LoginResponseBody)
	if tag != wire.TagLoginResponse || !ok {
		return nil, fmt.Errorf("login: unexpected frame tag %v waiting for LoginResponse", tag)
	}
	if resp.Version != protocolVersion {
		return nil, dsp.ErrUnsupportedVersion
	}

	// The server already computed the authoritative combine
	// (wire.CombineTLS(client's offer, its own offer)); LoginResponse
	// carries that result directly.
	negotiatedTLS := resp.TLSLevel
	var tlsConn *tls.Conn
	rawCh := ch
	if negotiatedTLS != wire.TLSNone {
		if !canUpgradeTLS(ch) {
			return nil, fmt.Errorf("%w: driver cannot upgrade to TLS but negotiated level %v", dsp.ErrTLSHandshakeFailure, negotiatedTLS)
		}
		tlsConf := cfg.TLSConfig
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		}
		if cfg.Trust == TrustBlind {
			clone := tlsConf.Clone()
			clone.InsecureSkipVerify = true
			tlsConf = clone
		}
		tlsConn = tls.Client(nopCloseConn{ch}, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", dsp.ErrTLSHandshakeFailure, err)
		}
		ch = tlsConn
		codec = newRawCodec(ch)
	}

	mech, ok := byName[resp.SASLMechanism]
	if !ok {
		return nil, fmt.Errorf("%w: server chose unsupported mechanism %q", dsp.ErrSASLFailure, resp.SASLMechanism)
	}

	var identity sasl.Identity
	challenge := resp.ChallengeInitial
	for {
		reply, err := mech.Evaluate(challenge)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dsp.ErrSASLFailure, err)
		}
		if err := codec.send(wire.TagAuthenticateRequest, &wire.AuthenticateRequestBody{Token: reply}); err != nil {
			return nil, fmt.Errorf("login: send AuthenticateRequest: %w", err)
		}
		tag, body, err := codec.recv()
		if err != nil {
			return nil, fmt.Errorf("login: recv AuthenticateResponse: %w", err)
		}
		authResp, ok := body.(*wire.AuthenticateResponseBody)
		if tag != wire.TagAuthenticateResponse || !ok {
			return nil, fmt.Errorf("login: unexpected frame tag %v waiting for AuthenticateResponse", tag)
		}
		if authResp.Status == wire.StatusFailure {
			return nil, dsp.ErrSASLFailure
		}
		if authResp.Complete {
			// Mechanisms that end with a server-sent confirmation (DIGEST-MD5's
			// rspauth) still need that final token run through Evaluate so the
			// client-side state machine reaches StateSuccess and verifies it.
			if !mech.IsComplete() {
				if _, err := mech.Evaluate(authResp.Token); err != nil {
					return nil, fmt.Errorf("%w: %v", dsp.ErrSASLFailure, err)
				}
			}
			break
		}
		challenge = authResp.Token
	}
	if id, ok := identityOf(mech); ok {
		identity = id
	}

	// tlsLevel == AUTHENTICATION only protects the SASL exchange: close
	// the TLS session cleanly now and revert to the plaintext raw
	// channel, so Negotiate onward runs unencrypted (spec.md §4.3 step
	// 3). ENCRYPTION stays wrapped for the life of the transport.
	if negotiatedTLS == wire.TLSAuthentication {
		_ = tlsConn.Close()
		ch = rawCh
		codec = newRawCodec(ch)
	}

	negReq := &wire.NegotiateRequestBody{
		NexusOptionsDesired:     encodeOptionSnapshot(cfg.NexusOptions, options.ScopeNexus),
		TransportOptionsDesired: encodeOptionSnapshot(cfg.TransportOptions, options.ScopeTransport),
	}
	if err := codec.send(wire.TagNegotiateRequest, negReq); err != nil {
		return nil, fmt.Errorf("login: send NegotiateRequest: %w", err)
	}
	tag, body, err = codec.recv()
	if err != nil {
		return nil, fmt.Errorf("login: recv NegotiateResponse: %w", err)
	}
	negResp, ok := body.(*wire.NegotiateResponseBody)
	if tag != wire.TagNegotiateResponse || !ok {
		return nil, fmt.Errorf("login: unexpected frame tag %v waiting for NegotiateResponse", tag)
	}
	if negResp.Status != wire.StatusSuccess {
		return nil, dsp.ErrNegotiationFailure
	}

	nexusOpts, err := applyOptionSnapshot(cfg.NexusOptions, negResp.NexusOptionsChosen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dsp.ErrNegotiationFailure, err)
	}
	transportOpts, err := applyOptionSnapshot(cfg.TransportOptions, negResp.TransportOptionsChosen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dsp.ErrNegotiationFailure, err)
	}

	return &Result{
		Transport:        transport.New(ch, transportOpts),
		ClientTerminus:   cfg.Client,
		Identity:         identity,
		NexusOptions:     nexusOpts,
		TransportOptions: transportOpts,
		TLSLevel:         negotiatedTLS,
		FreshSession:     cfg.FreshSession,
	}, nil
}

func identityOf(m sasl.Mechanism) (sasl.Identity, bool) {
	type identified interface{ Identity() sasl.Identity }
	if id, ok := m.(identified); ok {
		return id.Identity(), true
	}
	return sasl.Identity{}, false
}
