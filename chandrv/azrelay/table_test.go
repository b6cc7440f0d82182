package azrelay

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndExtractTableEntityRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("relay-frame-bytes"), 1000)

	entity, err := buildTableEntity("data", formatTableRowKey(7), payload)
	require.NoError(t, err)

	got := extractTableData(entity)
	require.Equal(t, payload, got)
}

func TestBuildTableEntitySpansMultipleProperties(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, maxTableBinaryPropertySize+1024)

	entity, err := buildTableEntity("data", formatTableRowKey(0), payload)
	require.NoError(t, err)
	require.Equal(t, payload, extractTableData(entity))
}

func TestBuildTableEntityTruncatesBeyondCapacity(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01}, maxTableEntitySize+1)

	entity, err := buildTableEntity("data", formatTableRowKey(0), payload)
	require.NoError(t, err)
	// Bytes beyond maxTableProperties columns are dropped by the
	// encoder; callers must keep writes under maxRawSize().
	require.Less(t, len(extractTableData(entity)), len(payload))
}

func TestFormatTableRowKeyOrdersLexically(t *testing.T) {
	require.Equal(t, "000000000", formatTableRowKey(0))
	require.Equal(t, "000000009", formatTableRowKey(9))
	require.Equal(t, "000000010", formatTableRowKey(10))
	require.True(t, formatTableRowKey(9) < formatTableRowKey(10))
	require.True(t, formatTableRowKey(99) < formatTableRowKey(100))
}

func TestSanitizeTableNameStripsHyphens(t *testing.T) {
	require.Equal(t, "abc123def456", sanitizeTableName("abc123-def456"))
}

func TestTableRowKeyExtractsMetadata(t *testing.T) {
	entity, err := buildTableEntity("data", formatTableRowKey(3), []byte("x"))
	require.NoError(t, err)
	require.Equal(t, formatTableRowKey(3), tableRowKey(entity))
}
