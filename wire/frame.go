package wire

import (
	"bytes"
	"encoding/binary"
)

// Frame flag bits (spec.md §4.1).
const (
	FlagCompressed byte = 1 << 0
	FlagHasDigest  byte = 1 << 1
)

// FrameHeaderSize is the fixed 4-byte length prefix plus the 1-byte flags
// and 1-byte tag that follow it, mirroring the teacher's
// length+type header (frame.go) widened with the flags byte.
const FrameHeaderSize = 4 + 1 + 1

// Frame is the decoded, tag-dispatched unit handed to callers after the
// pipeline below has stripped length-prefixing, decompressed, and
// verified the digest.
type Frame struct {
	Tag     Tag
	Payload []byte // the externalized exchange body, decompressed
}

// PipelineOptions configures one direction of the codec pipeline
// (spec.md §4.1: "Compression threshold and level come from transport
// options; decompression is always supported when the compressed bit is
// set").
type PipelineOptions struct {
	MaxFrameSize         uint32
	CompressionThreshold uint32
	Digest               bool
}

// DefaultPipelineOptions matches spec.md §6's stated defaults.
func DefaultPipelineOptions() PipelineOptions {
	return PipelineOptions{
		MaxFrameSize:         16 * 1024 * 1024,
		CompressionThreshold: 1024,
		Digest:               true,
	}
}

// Encoder serializes a Frame to the wire format: outbound pipeline is
// exchange-encode (caller, via EncodeBody) → LZ4-compress (at or above
// the threshold) → digest-append (CRC32C over the uncompressed payload,
// written after the body and never compressed) → length-prefix
// (spec.md §4.1).
type Encoder struct {
	opts PipelineOptions
}

func NewEncoder(opts PipelineOptions) *Encoder { return &Encoder{opts: opts} }

// Encode appends one framed message to dst. payload is the already
//-externalized exchange body (see EncodeBody).
func (e *Encoder) Encode(dst *bytes.Buffer, tag Tag, payload []byte) error {
	flags := byte(0)
	if e.opts.Digest {
		flags |= FlagHasDigest
	}

	body := payload
	compressed := false
	if e.opts.CompressionThreshold > 0 && uint32(len(payload)) >= e.opts.CompressionThreshold {
		var cbuf bytes.Buffer
		if err := LZ4.Compress(&cbuf, payload); err == nil {
			flags |= FlagCompressed
			compressed = true
			body = cbuf.Bytes()
		}
		// On errIncompressible (or any compressor error) fall back to the
		// uncompressed payload rather than failing the send.
	}

	var digest []byte
	if e.opts.Digest {
		d := Digest(flags, tag, payload)
		var db [4]byte
		binary.BigEndian.PutUint32(db[:], d)
		digest = db[:]
	}

	n := 2 + len(body) + len(digest) // flags + tag + body (+ uncompressed-length prefix below)
	if compressed {
		n += 4
	}

	if e.opts.MaxFrameSize > 0 && uint32(n) > e.opts.MaxFrameSize {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(n))
	dst.Grow(4 + n)
	dst.Write(lenBuf[:])
	dst.WriteByte(flags)
	dst.WriteByte(byte(tag))
	if compressed {
		var ulen [4]byte
		binary.BigEndian.PutUint32(ulen[:], uint32(len(payload)))
		dst.Write(ulen[:])
	}
	dst.Write(body)
	dst.Write(digest)
	return nil
}

// Decoder is a stateful, partial-read-tolerant frame decoder: Feed can be
// called with arbitrary read chunks, and Next returns at most one frame
// per invocation, preserving any leftover bytes across invocations
// (spec.md §4.1: "Decoding produces at-most-one frame per invocation;
// partial reads are preserved across invocations").
type Decoder struct {
	opts PipelineOptions
	buf  bytes.Buffer
}

func NewDecoder(opts PipelineOptions) *Decoder { return &Decoder{opts: opts} }

// Feed appends newly-read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) { d.buf.Write(b) }

// Next attempts to decode one frame from the buffered bytes. It returns
// (nil, ErrShortRead) when more data is needed.
func (d *Decoder) Next() (*Frame, error) {
	raw := d.buf.Bytes()
	if len(raw) < 4 {
		return nil, ErrShortRead
	}
	n := binary.BigEndian.Uint32(raw[:4])
	if d.opts.MaxFrameSize > 0 && n > d.opts.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if uint32(len(raw)) < 4+n {
		return nil, ErrShortRead
	}
	content := raw[4 : 4+n]
	if len(content) < 2 {
		return nil, ErrDigestMismatch
	}
	flags := content[0]
	tag := Tag(content[1])
	rest := content[2:]

	digestLen := 0
	if flags&FlagHasDigest != 0 {
		digestLen = 4
	}
	if len(rest) < digestLen {
		return nil, ErrDigestMismatch
	}
	var wireDigest []byte
	if digestLen > 0 {
		wireDigest = rest[len(rest)-digestLen:]
		rest = rest[:len(rest)-digestLen]
	}

	var payload []byte
	if flags&FlagCompressed != 0 {
		if len(rest) < 4 {
			return nil, ErrCompressedEmpty
		}
		ulen := binary.BigEndian.Uint32(rest[:4])
		block := rest[4:]
		payload = make([]byte, ulen)
		if _, err := LZ4.Decompress(payload, block); err != nil {
			return nil, err
		}
	} else {
		payload = append([]byte(nil), rest...)
	}

	if digestLen > 0 {
		got := Digest(flags, tag, payload)
		var want [4]byte
		binary.BigEndian.PutUint32(want[:], got)
		if !bytes.Equal(want[:], wireDigest) {
			return nil, ErrDigestMismatch
		}
	}

	d.buf.Next(int(4 + n))
	return &Frame{Tag: tag, Payload: payload}, nil
}
