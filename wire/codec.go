package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ObjectWriter is the externalized-output abstraction from spec.md §4.1:
// variable-width UTF strings, signed integers, booleans, optional fields
// marked with a 1-byte presence flag, UUIDs as 16 bytes, byte-buffer
// arrays as [count,(length,bytes)×count].
type ObjectWriter struct {
	buf *bytes.Buffer
}

func NewObjectWriter(buf *bytes.Buffer) *ObjectWriter { return &ObjectWriter{buf: buf} }

func (w *ObjectWriter) WriteBool(b bool) {
	if b {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *ObjectWriter) WriteUint8(v uint8)   { w.buf.WriteByte(v) }
func (w *ObjectWriter) WriteUint16(v uint16) { _ = binary.Write(w.buf, binary.BigEndian, v) }
func (w *ObjectWriter) WriteUint32(v uint32) { _ = binary.Write(w.buf, binary.BigEndian, v) }
func (w *ObjectWriter) WriteUint64(v uint64) { _ = binary.Write(w.buf, binary.BigEndian, v) }

// WriteInt64 writes a zigzag-encoded varint, the "signed integers" rule
// from spec.md §4.1.
func (w *ObjectWriter) WriteInt64(v int64) {
	u := uint64((v << 1) ^ (v >> 63))
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], u)
	w.buf.Write(tmp[:n])
}

func (w *ObjectWriter) WriteString(s string) {
	b := []byte(s)
	w.writeVarintLen(len(b))
	w.buf.Write(b)
}

func (w *ObjectWriter) WriteBytes(b []byte) {
	w.writeVarintLen(len(b))
	w.buf.Write(b)
}

func (w *ObjectWriter) WriteUUID(u uuid.UUID) { w.buf.Write(u[:]) }

// WriteByteBuffers writes [count,(length,bytes)×count], spec.md §4.1's
// "byte-buffer arrays" rule — used by DataRequest's scatter/gather Data
// field.
func (w *ObjectWriter) WriteByteBuffers(bufs [][]byte) {
	w.writeVarintLen(len(bufs))
	for _, b := range bufs {
		w.WriteBytes(b)
	}
}

// WriteOptionalBytes writes the 1-byte presence flag followed by the
// value when present.
func (w *ObjectWriter) WriteOptionalBytes(b []byte) {
	if b == nil {
		w.buf.WriteByte(0)
		return
	}
	w.buf.WriteByte(1)
	w.WriteBytes(b)
}

func (w *ObjectWriter) writeVarintLen(n int) {
	var tmp [binary.MaxVarintLen64]byte
	sz := binary.PutUvarint(tmp[:], uint64(n))
	w.buf.Write(tmp[:sz])
}

// ObjectReader is the symmetric decode side of ObjectWriter, reading from
// a []byte cursor.
type ObjectReader struct {
	data []byte
	pos  int
}

func NewObjectReader(data []byte) *ObjectReader { return &ObjectReader{data: data} }

var ErrObjectTruncated = fmt.Errorf("wire: truncated object payload")

func (r *ObjectReader) need(n int) error {
	if r.pos+n > len(r.data) {
		return ErrObjectTruncated
	}
	return nil
}

func (r *ObjectReader) ReadBool() (bool, error) {
	if err := r.need(1); err != nil {
		return false, err
	}
	v := r.data[r.pos] != 0
	r.pos++
	return v, nil
}

func (r *ObjectReader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *ObjectReader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *ObjectReader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *ObjectReader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *ObjectReader) ReadInt64() (int64, error) {
	u, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, ErrObjectTruncated
	}
	r.pos += n
	v := int64(u>>1) ^ -int64(u&1)
	return v, nil
}

func (r *ObjectReader) readVarintLen() (int, error) {
	u, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, ErrObjectTruncated
	}
	r.pos += n
	return int(u), nil
}

func (r *ObjectReader) ReadString() (string, error) {
	n, err := r.readVarintLen()
	if err != nil {
		return "", err
	}
	if err := r.need(n); err != nil {
		return "", err
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *ObjectReader) ReadBytes() ([]byte, error) {
	n, err := r.readVarintLen()
	if err != nil {
		return nil, err
	}
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

func (r *ObjectReader) ReadUUID() (uuid.UUID, error) {
	var u uuid.UUID
	if err := r.need(16); err != nil {
		return u, err
	}
	copy(u[:], r.data[r.pos:r.pos+16])
	r.pos += 16
	return u, nil
}

func (r *ObjectReader) ReadByteBuffers() ([][]byte, error) {
	n, err := r.readVarintLen()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, n)
	for i := range out {
		b, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (r *ObjectReader) ReadOptionalBytes() ([]byte, error) {
	present, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	return r.ReadBytes()
}

// Remaining reports whether unconsumed bytes remain, used by decoders that
// want to assert full consumption.
func (r *ObjectReader) Remaining() int { return len(r.data) - r.pos }

var _ io.Writer = (*bytes.Buffer)(nil) // codec always writes through *bytes.Buffer
