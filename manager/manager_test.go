package manager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delphix-oss/dsp/options"
)

func TestNewBuildsIndependentRuntimeParts(t *testing.T) {
	opts := options.NewDefaultRegistry()
	m1 := New(opts, 2)
	m2 := New(opts, 2)

	require.NotSame(t, m1.Scheduler, m2.Scheduler)
	require.NotSame(t, m1.Events, m2.Events)
	require.NotSame(t, m1.Nexuses, m2.Nexuses)

	m1.Close()
	m2.Close()
}
