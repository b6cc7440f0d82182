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

// ServerConfig describes how one listener answers logins.
type ServerConfig struct {
	Server dsp.ServerTerminus

	// Mechanisms offers server-side factories in preference order; the
	// client's SASLMechanismsPreferred list is matched against Offered().
	Mechanisms *sasl.Registry

	TLSOffer  wire.TLSLevel
	TLSConfig *tls.Config // required if TLSOffer != wire.TLSNone

	NexusOptions     *options.Registry
	TransportOptions *options.Registry
}

// Server drives the server half of the handshake over ch.
func Server(ctx context.Context, ch chandrv.ByteChannel, cfg ServerConfig) (*Result, error) {
	codec := newRawCodec(ch)

	tag, body, err := codec.recv()
	if err != nil {
		return nil, fmt.Errorf("login: recv LoginRequest: %w", err)
	}
	req, ok := body.(*wire.LoginRequestBody)
	if tag != wire.TagLoginRequest || !ok {
		return nil, fmt.Errorf("login: unexpected frame tag %v waiting for LoginRequest", tag)
	}
	if req.MinVersion > protocolVersion || req.MaxVersion < protocolVersion {
		_ = codec.send(wire.TagLoginResponse, &wire.LoginResponseBody{Version: protocolVersion})
		return nil, dsp.ErrUnsupportedVersion
	}

	mechName, ok := sasl.SelectMechanism(cfg.Mechanisms.Offered(), req.SASLMechanismsPreferred)
	if !ok {
		return nil, fmt.Errorf("%w: no overlapping SASL mechanism with client", dsp.ErrSASLFailure)
	}
	mech, _ := cfg.Mechanisms.New(mechName)

	negotiatedTLS := wire.CombineTLS(req.TLSOffer, cfg.TLSOffer)

	// Server-first mechanisms (CRAM-MD5, DIGEST-MD5) generate their
	// challenge on the first Evaluate call regardless of input; client-first
	// ones (ANONYMOUS, PLAIN) need the client's actual token before their
	// first Evaluate call is safe to make, so they get no initial challenge
	// here and instead see their first real data in the loop below.
	var initialChallenge []byte
	if isServerFirst(mechName) {
		initialChallenge, _ = mech.Evaluate(nil)
	}
	if err := codec.send(wire.TagLoginResponse, &wire.LoginResponseBody{
		Version:          protocolVersion,
		SASLMechanism:    mechName,
		TLSLevel:         negotiatedTLS,
		ChallengeInitial: initialChallenge,
	}); err != nil {
		return nil, fmt.Errorf("login: send LoginResponse: %w", err)
	}

	var tlsConn *tls.Conn
	rawCh := ch
	if negotiatedTLS != wire.TLSNone {
		if !canUpgradeTLS(ch) || cfg.TLSConfig == nil {
			return nil, fmt.Errorf("%w: cannot satisfy negotiated TLS level %v", dsp.ErrTLSHandshakeFailure, negotiatedTLS)
		}
		tlsConn = tls.Server(nopCloseConn{ch}, cfg.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", dsp.ErrTLSHandshakeFailure, err)
		}
		ch = tlsConn
		codec = newRawCodec(ch)
	}

	for {
		tag, body, err := codec.recv()
		if err != nil {
			return nil, fmt.Errorf("login: recv AuthenticateRequest: %w", err)
		}
		authReq, ok := body.(*wire.AuthenticateRequestBody)
		if tag != wire.TagAuthenticateRequest || !ok {
			return nil, fmt.Errorf("login: unexpected frame tag %v waiting for AuthenticateRequest", tag)
		}
		reply, evalErr := mech.Evaluate(authReq.Token)
		if evalErr != nil {
			_ = codec.send(wire.TagAuthenticateResponse, &wire.AuthenticateResponseBody{Status: wire.StatusFailure, Complete: true})
			return nil, fmt.Errorf("%w: %v", dsp.ErrSASLFailure, evalErr)
		}
		complete := mech.IsComplete()
		if err := codec.send(wire.TagAuthenticateResponse, &wire.AuthenticateResponseBody{
			Token:    reply,
			Complete: complete,
			Status:   wire.StatusSuccess,
		}); err != nil {
			return nil, fmt.Errorf("login: send AuthenticateResponse: %w", err)
		}
		if complete {
			break
		}
	}

	identity := sasl.Identity{}
	if id, ok := identityOf(mech); ok {
		identity = id
	}

	// Mirror the client's downgrade: AUTHENTICATION-level TLS only
	// covers SASL, so close it cleanly here and resume plaintext for
	// Negotiate onward (spec.md §4.3 step 3).
	if negotiatedTLS == wire.TLSAuthentication {
		_ = tlsConn.Close()
		ch = rawCh
		codec = newRawCodec(ch)
	}

	tag, body, err = codec.recv()
	if err != nil {
		return nil, fmt.Errorf("login: recv NegotiateRequest: %w", err)
	}
	negReq, ok := body.(*wire.NegotiateRequestBody)
	if tag != wire.TagNegotiateRequest || !ok {
		return nil, fmt.Errorf("login: unexpected frame tag %v waiting for NegotiateRequest", tag)
	}

	nexusChosen, nexusOpts, err := combineOptionLists(cfg.NexusOptions, options.ScopeNexus, negReq.NexusOptionsDesired)
	if err != nil {
		_ = codec.send(wire.TagNegotiateResponse, &wire.NegotiateResponseBody{Status: wire.StatusNegotiationFailure})
		return nil, fmt.Errorf("%w: %v", dsp.ErrNegotiationFailure, err)
	}
	transportChosen, transportOpts, err := combineOptionLists(cfg.TransportOptions, options.ScopeTransport, negReq.TransportOptionsDesired)
	if err != nil {
		_ = codec.send(wire.TagNegotiateResponse, &wire.NegotiateResponseBody{Status: wire.StatusNegotiationFailure})
		return nil, fmt.Errorf("%w: %v", dsp.ErrNegotiationFailure, err)
	}

	if err := codec.send(wire.TagNegotiateResponse, &wire.NegotiateResponseBody{
		NexusOptionsChosen:     nexusChosen,
		TransportOptionsChosen: transportChosen,
		Status:                 wire.StatusSuccess,
	}); err != nil {
		return nil, fmt.Errorf("login: send NegotiateResponse: %w", err)
	}

	return &Result{
		Transport: transport.New(ch, transportOpts),
		ClientTerminus: dsp.ClientTerminus{
			UUID: req.ClientTerminusUUID,
			Name: req.ClientTerminusName,
		},
		ServerTerminus:   cfg.Server,
		Identity:         identity,
		NexusOptions:     nexusOpts,
		TransportOptions: transportOpts,
		TLSLevel:         negotiatedTLS,
		FreshSession:     req.FreshSession,
	}, nil
}

// isServerFirst reports whether mechName's server side speaks before
// seeing any client data (spec.md §4.6's CRAM-MD5/DIGEST-MD5 challenge
// step, as opposed to ANONYMOUS/PLAIN's client-first token).
func isServerFirst(mechName string) bool {
	return mechName == "CRAM-MD5" || mechName == "DIGEST-MD5"
}

// combineOptionLists negotiates the server's desired values for scope
// against the client's offered list, returning both the wire form to
// echo back and the final merged registry.
func combineOptionLists(server *options.Registry, scope options.Scope, clientDesired []wire.OptionValue) ([]wire.OptionValue, *options.Registry, error) {
	clientVals := make(map[options.Key]any, len(clientDesired))
	for _, ov := range clientDesired {
		v, err := options.DecodeValue(ov.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("option %q: %w", ov.Key, err)
		}
		clientVals[options.Key(ov.Key)] = v
	}

	merged := server.Clone()
	snap := server.Snapshot(scope)
	out := make([]wire.OptionValue, 0, len(snap))
	for k, ours := range snap {
		theirs, present := clientVals[k]
		if !present {
			theirs = ours
		}
		combined, err := server.Combine(k, ours, theirs)
		if err != nil {
			return nil, nil, err
		}
		if err := merged.Set(k, combined); err != nil {
			return nil, nil, err
		}
		encoded, err := options.EncodeValue(combined)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, wire.OptionValue{Key: string(k), Value: encoded})
	}
	return out, merged, nil
}
