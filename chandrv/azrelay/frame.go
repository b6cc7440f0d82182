package azrelay

import (
	"bytes"
	"encoding/binary"
)

const frameHeaderSize = 4 + 1 // 4 bytes length + 1 byte type

// relayFrame is a single Channel-level message, distinct from and
// carried underneath DSP's own wire.Frame: this framing only needs to
// tell data/ping/fin/rotate apart on the relay link.
type relayFrame struct {
	Payload []byte
	Type    byte
}

func buildFrame(writeBuf *bytes.Buffer, f relayFrame) {
	writeBuf.Grow(frameHeaderSize + len(f.Payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Payload)))
	writeBuf.Write(lenBuf[:])
	writeBuf.WriteByte(f.Type)
	writeBuf.Write(f.Payload)
}
