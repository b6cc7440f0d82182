package sasl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnonymousRoundTrip(t *testing.T) {
	client := NewAnonymousClient("trace-token")
	server := NewAnonymousServer()

	out, err := client.Evaluate(nil)
	require.NoError(t, err)
	_, err = server.Evaluate(out)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, server.State())
}

func TestAnonymousRejectsMalformedEmail(t *testing.T) {
	server := NewAnonymousServer()
	_, err := server.Evaluate([]byte("@nohost"))
	require.Error(t, err)
	require.Equal(t, StateFailure, server.State())
}

func TestPlainRoundTrip(t *testing.T) {
	client := NewPlainClient("", "alice", "s3cret")
	server := NewPlainServer(func(authzid, authcid, password string) bool {
		return authcid == "alice" && password == "s3cret" && authzid == "alice"
	})

	out, err := client.Evaluate(nil)
	require.NoError(t, err)
	_, err = server.Evaluate(out)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, server.State())
	require.Equal(t, "alice", server.(interface{ Identity() Identity }).Identity().AuthcID)
}

func TestPlainRejectsBadPassword(t *testing.T) {
	server := NewPlainServer(func(_, _, _ string) bool { return false })
	_, err := server.Evaluate([]byte("\x00alice\x00wrong"))
	require.ErrorIs(t, err, ErrFailure)
}

func TestCRAMMD5RoundTrip(t *testing.T) {
	server := NewCRAMMD5Server("example.com", func(u string) (string, bool) {
		if u == "alice" {
			return "s3cret", true
		}
		return "", false
	})
	client := NewCRAMMD5Client("alice", "s3cret")

	challenge, err := server.Evaluate(nil)
	require.NoError(t, err)
	response, err := client.Evaluate(challenge)
	require.NoError(t, err)
	_, err = server.Evaluate(response)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, server.State())
}

func TestCRAMMD5RejectsUnknownUser(t *testing.T) {
	server := NewCRAMMD5Server("example.com", func(string) (string, bool) { return "", false })
	client := NewCRAMMD5Client("mallory", "whatever")

	challenge, _ := server.Evaluate(nil)
	response, _ := client.Evaluate(challenge)
	_, err := server.Evaluate(response)
	require.ErrorIs(t, err, ErrFailure)
}

func TestDigestMD5RoundTrip(t *testing.T) {
	server := NewDigestMD5Server([]string{"example.com"}, func(u, r string) (string, bool) {
		if u == "alice" && r == "example.com" {
			return "s3cret", true
		}
		return "", false
	})
	client := NewDigestMD5Client("alice", "example.com", "s3cret", "dsp/session.example.com")

	challenge, err := server.Evaluate(nil)
	require.NoError(t, err)

	response, err := client.Evaluate(challenge)
	require.NoError(t, err)

	finalize, err := server.Evaluate(response)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, server.State())

	_, err = client.Evaluate(finalize)
	require.NoError(t, err)
	require.Equal(t, StateSuccess, client.State())
}

func TestSelectMechanismPicksFirstSupported(t *testing.T) {
	name, ok := SelectMechanism([]string{"DIGEST-MD5", "CRAM-MD5", "PLAIN"}, []string{"PLAIN", "CRAM-MD5"})
	require.True(t, ok)
	require.Equal(t, "CRAM-MD5", name)
}

func TestSelectMechanismNoOverlap(t *testing.T) {
	_, ok := SelectMechanism([]string{"DIGEST-MD5"}, []string{"PLAIN"})
	require.False(t, ok)
}
