package options

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCombineMin(t *testing.T) {
	r := NewDefaultRegistry()
	v, err := r.Combine(CommandWindowSize, 64, 32)
	require.NoError(t, err)
	require.Equal(t, 32, v)
}

func TestCombineEqualMismatch(t *testing.T) {
	r := NewDefaultRegistry()
	_, err := r.Combine(HeaderDigest, true, false)
	require.ErrorIs(t, err, ErrNegotiationFailed)
}

func TestCombineSubset(t *testing.T) {
	r := NewRegistry([]Declaration{{Key: "mechs", Scope: ScopeNexus, Combine: CombineSubset}})
	v, err := r.Combine("mechs", []string{"PLAIN", "ANONYMOUS", "CRAM-MD5"}, []string{"CRAM-MD5", "DIGEST-MD5"})
	require.NoError(t, err)
	require.Equal(t, []string{"CRAM-MD5"}, v)
}

func TestSetValidatesPositiveInt(t *testing.T) {
	r := NewDefaultRegistry()
	require.Error(t, r.Set(CommandWindowSize, -1))
	require.NoError(t, r.Set(CommandWindowSize, 4))
	require.Equal(t, 4, r.GetInt(CommandWindowSize))
}

func TestDefaults(t *testing.T) {
	r := NewDefaultRegistry()
	require.Equal(t, 64, r.GetInt(CommandWindowSize))
	require.True(t, r.GetBool(HeaderDigest))
	require.False(t, r.GetBool(DataDigest))
}
