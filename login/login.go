// Package login drives the connect → authenticate → negotiate →
// operate handshake (spec.md §4.3) directly on a chandrv.ByteChannel,
// before any transport.Transport exists for it. It is a small explicit
// state machine rather than a swappable pipeline of handlers, in the
// same straight-line style as the teacher's Dial/Accept.
package login

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/chandrv"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/sasl"
	"github.com/delphix-oss/dsp/transport"
	"github.com/delphix-oss/dsp/wire"
)

// ClientTrustPolicy governs how a client validates a server's TLS
// certificate during the in-band TLS upgrade (spec.md §6).
type ClientTrustPolicy uint8

const (
	// TrustBlind accepts any certificate the server presents.
	TrustBlind ClientTrustPolicy = iota
	// TrustDefaultPKIX validates against the host's root CA pool.
	TrustDefaultPKIX
	// TrustDelegate hands verification to a caller-supplied callback.
	TrustDelegate
)

// protocolVersion is the single version this build speaks; negotiation
// always resolves to it, or fails with ErrUnsupportedVersion.
const protocolVersion uint16 = 1

// Result is everything the handshake produced: a ready-to-Open
// transport and the negotiated option sets.
type Result struct {
	Transport        *transport.Transport
	ServerTerminus   dsp.ServerTerminus
	ClientTerminus   dsp.ClientTerminus
	Identity         sasl.Identity
	NexusOptions     *options.Registry
	TransportOptions *options.Registry
	TLSLevel         wire.TLSLevel

	// FreshSession mirrors LoginRequest.FreshSession: whether this login
	// is establishing a new session for its (client,server,service)
	// triple (reinstating any prior live nexus for the same pair) rather
	// than attaching another transport to one already up.
	FreshSession bool
}

// canUpgradeTLS reports whether ch is a raw socket crypto/tls can wrap
// in place. Drivers without one (azrelay's relay Channel) fall through
// to false, matching spec.md §4.3's driver-capability note: such a
// driver can only ever negotiate tlsLevel=NONE.
func canUpgradeTLS(ch chandrv.ByteChannel) bool {
	switch ch.(type) {
	case *net.TCPConn, *tls.Conn:
		return true
	default:
		return false
	}
}

// nopCloseConn wraps a net.Conn so that closing a crypto/tls.Conn built
// over it — done to send a clean close_notify when tlsLevel negotiates
// down to AUTHENTICATION (spec.md §4.3 step 3) — doesn't also close the
// underlying channel, which must keep serving plaintext frames from
// Negotiate onward.
type nopCloseConn struct {
	net.Conn
}

func (nopCloseConn) Close() error { return nil }

// rawCodec is the minimal encode/decode pair the handshake uses before a
// transport.Transport exists to do framing for it.
type rawCodec struct {
	ch  chandrv.ByteChannel
	enc *wire.Encoder
	dec *wire.Decoder
	buf [8 * 1024]byte
}

func newRawCodec(ch chandrv.ByteChannel) *rawCodec {
	opts := wire.DefaultPipelineOptions()
	opts.Digest = false // handshake frames are pre-TLS/pre-SASL; nothing to protect yet
	return &rawCodec{ch: ch, enc: wire.NewEncoder(opts), dec: wire.NewDecoder(opts)}
}

func (c *rawCodec) send(tag wire.Tag, body wire.Body) error {
	var buf bytes.Buffer
	if err := c.enc.Encode(&buf, tag, wire.EncodeExchange(0, body)); err != nil {
		return err
	}
	_, err := c.ch.Write(buf.Bytes())
	return err
}

// encodeOptionSnapshot turns reg's values for scope into the wire form
// NegotiateRequest/NegotiateResponse carry them in.
func encodeOptionSnapshot(reg *options.Registry, scope options.Scope) []wire.OptionValue {
	if reg == nil {
		return nil
	}
	snap := reg.Snapshot(scope)
	out := make([]wire.OptionValue, 0, len(snap))
	for k, v := range snap {
		encoded, err := options.EncodeValue(v)
		if err != nil {
			continue // undeclared/unencodable values are simply not offered
		}
		out = append(out, wire.OptionValue{Key: string(k), Value: encoded})
	}
	return out
}

// applyOptionSnapshot clones base and overwrites it with the peer-chosen
// values the handshake's NegotiateResponse carried, producing the final
// per-connection option set.
func applyOptionSnapshot(base *options.Registry, chosen []wire.OptionValue) (*options.Registry, error) {
	out := base.Clone()
	for _, ov := range chosen {
		v, err := options.DecodeValue(ov.Value)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", ov.Key, err)
		}
		if err := out.Set(options.Key(ov.Key), v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *rawCodec) recv() (wire.Tag, wire.Body, error) {
	for {
		if frame, err := c.dec.Next(); err == nil {
			_, body, derr := wire.DecodeExchange(frame.Tag, frame.Payload)
			if derr != nil {
				return 0, nil, derr
			}
			return frame.Tag, body, nil
		}
		n, err := c.ch.Read(c.buf[:])
		if n > 0 {
			c.dec.Feed(c.buf[:n])
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("login: read: %w", err)
		}
	}
}
