package login

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	dsp "github.com/delphix-oss/dsp"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/sasl"
	"github.com/delphix-oss/dsp/wire"
)

// selfSignedCert builds a throwaway certificate for exercising the
// in-band TLS upgrade without a real CA.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func newServerMechanisms() *sasl.Registry {
	r := sasl.NewRegistry()
	r.Register("PLAIN", func() sasl.Mechanism {
		return sasl.NewPlainServer(func(_, authcid, password string) bool {
			return authcid == "alice" && password == "secret"
		})
	})
	return r
}

func TestClientServerHandshakeSucceeds(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	serverDone := make(chan *Result, 1)
	serverErr := make(chan error, 1)
	go func() {
		res, err := Server(context.Background(), serverConn, ServerConfig{
			Server:           dsp.ServerTerminus{Name: "svc"},
			Mechanisms:       newServerMechanisms(),
			NexusOptions:     options.NewDefaultRegistry(),
			TransportOptions: options.NewDefaultRegistry(),
		})
		serverDone <- res
		serverErr <- err
	}()

	clientRes, err := Client(context.Background(), clientConn, ClientConfig{
		Client:           dsp.ClientTerminus{Name: "cli"},
		Mechanisms:       []sasl.Mechanism{sasl.NewPlainClient("", "alice", "secret")},
		NexusOptions:     options.NewDefaultRegistry(),
		TransportOptions: options.NewDefaultRegistry(),
	})
	require.NoError(t, err)
	require.NotNil(t, clientRes.Transport)

	select {
	case err := <-serverErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake timed out")
	}
	serverRes := <-serverDone
	require.Equal(t, "cli", serverRes.ClientTerminus.Name)
	require.Equal(t, wire.TLSNone, clientRes.TLSLevel)
}

func TestClientServerHandshakeRejectsBadPassword(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	serverErr := make(chan error, 1)
	go func() {
		_, err := Server(context.Background(), serverConn, ServerConfig{
			Server:           dsp.ServerTerminus{Name: "svc"},
			Mechanisms:       newServerMechanisms(),
			NexusOptions:     options.NewDefaultRegistry(),
			TransportOptions: options.NewDefaultRegistry(),
		})
		serverErr <- err
	}()

	_, err := Client(context.Background(), clientConn, ClientConfig{
		Client:           dsp.ClientTerminus{Name: "cli"},
		Mechanisms:       []sasl.Mechanism{sasl.NewPlainClient("", "alice", "wrong")},
		NexusOptions:     options.NewDefaultRegistry(),
		TransportOptions: options.NewDefaultRegistry(),
	})
	require.Error(t, err)

	select {
	case err := <-serverErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake timed out")
	}
}

// TestClientServerHandshakeTLSAuthenticationDowngrades exercises
// spec.md §4.3 step 3: at TLSAuthentication, TLS protects only the SASL
// exchange and both sides revert to plaintext for Negotiate onward. If
// either side failed to downgrade (or downgraded alone), the
// Negotiate round trip below would desync and fail.
func TestClientServerHandshakeTLSAuthenticationDowngrades(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cert := selfSignedCert(t)
	serverTLSConf := &tls.Config{Certificates: []tls.Certificate{cert}}

	serverDone := make(chan *Result, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			serverErr <- acceptErr
			serverDone <- nil
			return
		}
		res, err := Server(context.Background(), conn, ServerConfig{
			Server:           dsp.ServerTerminus{Name: "svc"},
			Mechanisms:       newServerMechanisms(),
			TLSOffer:         wire.TLSAuthentication,
			TLSConfig:        serverTLSConf,
			NexusOptions:     options.NewDefaultRegistry(),
			TransportOptions: options.NewDefaultRegistry(),
		})
		serverDone <- res
		serverErr <- err
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	clientRes, err := Client(context.Background(), clientConn, ClientConfig{
		Client:     dsp.ClientTerminus{Name: "cli"},
		Mechanisms: []sasl.Mechanism{sasl.NewPlainClient("", "alice", "secret")},
		TLSOffer:   wire.TLSAuthentication,
		Trust:      TrustBlind,
		NexusOptions:     options.NewDefaultRegistry(),
		TransportOptions: options.NewDefaultRegistry(),
	})
	require.NoError(t, err)
	require.NotNil(t, clientRes.Transport)
	require.Equal(t, wire.TLSAuthentication, clientRes.TLSLevel)

	select {
	case err := <-serverErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake timed out")
	}
	serverRes := <-serverDone
	require.NotNil(t, serverRes)
	require.Equal(t, wire.TLSAuthentication, serverRes.TLSLevel)
}

// TestFreshSessionFlagRoundTrips confirms LoginRequest.FreshSession
// survives the wire round trip into both sides' Result, since
// nexus.Registry.AdoptOrReinstate depends on it.
func TestFreshSessionFlagRoundTrips(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	serverDone := make(chan *Result, 1)
	serverErr := make(chan error, 1)
	go func() {
		res, err := Server(context.Background(), serverConn, ServerConfig{
			Server:           dsp.ServerTerminus{Name: "svc"},
			Mechanisms:       newServerMechanisms(),
			NexusOptions:     options.NewDefaultRegistry(),
			TransportOptions: options.NewDefaultRegistry(),
		})
		serverDone <- res
		serverErr <- err
	}()

	clientRes, err := Client(context.Background(), clientConn, ClientConfig{
		Client:           dsp.ClientTerminus{Name: "cli"},
		Mechanisms:       []sasl.Mechanism{sasl.NewPlainClient("", "alice", "secret")},
		NexusOptions:     options.NewDefaultRegistry(),
		TransportOptions: options.NewDefaultRegistry(),
		FreshSession:     true,
	})
	require.NoError(t, err)
	require.True(t, clientRes.FreshSession)

	select {
	case err := <-serverErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake timed out")
	}
	serverRes := <-serverDone
	require.True(t, serverRes.FreshSession)
}
