package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		opts    PipelineOptions
		payload []byte
	}{
		{"small-no-digest-no-compress", PipelineOptions{MaxFrameSize: 1 << 20, CompressionThreshold: 1024, Digest: false}, []byte("Knock knock!")},
		{"small-with-digest", PipelineOptions{MaxFrameSize: 1 << 20, CompressionThreshold: 1024, Digest: true}, []byte("Knock knock!")},
		{"large-compressible", PipelineOptions{MaxFrameSize: 1 << 20, CompressionThreshold: 1024, Digest: true}, bytes.Repeat([]byte{0}, 64*1024)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc := NewEncoder(c.opts)
			var buf bytes.Buffer
			require.NoError(t, enc.Encode(&buf, TagCommandRequest, c.payload))

			dec := NewDecoder(c.opts)
			dec.Feed(buf.Bytes())
			frame, err := dec.Next()
			require.NoError(t, err)
			require.Equal(t, TagCommandRequest, frame.Tag)
			require.Equal(t, c.payload, frame.Payload)
		})
	}
}

func TestLargeCompressibleWireSizeShrinks(t *testing.T) {
	opts := PipelineOptions{MaxFrameSize: 1 << 20, CompressionThreshold: 1024, Digest: true}
	enc := NewEncoder(opts)
	payload := bytes.Repeat([]byte{0}, 64*1024)
	var buf bytes.Buffer
	require.NoError(t, enc.Encode(&buf, TagCommandRequest, payload))
	require.Less(t, buf.Len(), 1024, "expected compressed wire size under 1KiB")
}

func TestPartialFeedPreservesState(t *testing.T) {
	opts := DefaultPipelineOptions()
	enc := NewEncoder(opts)
	var buf bytes.Buffer
	require.NoError(t, enc.Encode(&buf, TagPingRequest, nil))

	dec := NewDecoder(opts)
	all := buf.Bytes()
	dec.Feed(all[:len(all)/2])
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrShortRead)

	dec.Feed(all[len(all)/2:])
	frame, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, TagPingRequest, frame.Tag)
}

func TestDigestMismatchRejected(t *testing.T) {
	opts := PipelineOptions{MaxFrameSize: 1 << 20, Digest: true}
	enc := NewEncoder(opts)
	var buf bytes.Buffer
	require.NoError(t, enc.Encode(&buf, TagPingRequest, []byte("x")))
	corrupt := buf.Bytes()
	corrupt[len(corrupt)-1] ^= 0xFF

	dec := NewDecoder(opts)
	dec.Feed(corrupt)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrDigestMismatch)
}

func TestFrameTooLargeRejectedLocally(t *testing.T) {
	opts := PipelineOptions{MaxFrameSize: 8, Digest: false}
	enc := NewEncoder(opts)
	var buf bytes.Buffer
	err := enc.Encode(&buf, TagCommandRequest, bytes.Repeat([]byte{1}, 100))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Equal(t, 0, buf.Len(), "a rejected frame must never be written")
}

func TestCommandRequestBodyRoundTrip(t *testing.T) {
	body := &CommandRequestBody{
		SlotID:            3,
		SlotSN:            2,
		CommandSN:         100,
		ExpectedCommandSN: 90,
		MaxCommandSN:      154,
		Payload:           []byte("hello"),
	}
	enc := EncodeBody(body)
	var out CommandRequestBody
	require.NoError(t, out.Decode(NewObjectReader(enc)))
	require.Equal(t, *body, out)
}
