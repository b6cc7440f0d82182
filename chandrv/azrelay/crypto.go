package azrelay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// noiseOverhead is the encryption overhead: 4-byte length prefix + 16-byte AES-GCM tag.
const noiseOverhead = 4 + 16

var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

var (
	ErrHandshakeFailed     = errors.New("azrelay: handshake failed")
	ErrHandshakeIncomplete = errors.New("azrelay: handshake not complete")
	ErrNoiseInitFailed     = errors.New("azrelay: noise handshake initialization failed")
	ErrNoiseMsgFailed      = errors.New("azrelay: handshake message creation failed")
)

// noiseSession wraps the Noise NN handshake used to bootstrap a relay
// channel: no static keys, so the rendezvous store never sees anything
// but an anonymous Diffie-Hellman exchange.
type noiseSession struct {
	hs        *noise.HandshakeState
	cs1       *noise.CipherState
	cs2       *noise.CipherState
	complete  bool
	initiator bool
}

func newNoiseClient() (*noiseSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{CipherSuite: defaultCipherSuite, Pattern: noise.HandshakeNN, Initiator: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	return &noiseSession{hs: hs, initiator: true}, nil
}

func newNoiseServer() (*noiseSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{CipherSuite: defaultCipherSuite, Pattern: noise.HandshakeNN, Initiator: false})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	return &noiseSession{hs: hs, initiator: false}, nil
}

func (n *noiseSession) writeMessage(payload []byte) ([]byte, error) {
	msg, cs1, cs2, err := n.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		n.cs1, n.cs2 = cs1, cs2
		n.complete = true
	}
	return msg, nil
}

func (n *noiseSession) readMessage(msg []byte) ([]byte, error) {
	payload, cs1, cs2, err := n.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		n.cs1, n.cs2 = cs1, cs2
		n.complete = true
	}
	return payload, nil
}

func (n *noiseSession) isComplete() bool  { return n.complete }
func (n *noiseSession) isInitiator() bool { return n.initiator }

func (n *noiseSession) encrypt(dst, plaintext []byte) ([]byte, error) {
	if n.initiator {
		return n.cs1.Encrypt(dst, nil, plaintext)
	}
	return n.cs2.Encrypt(dst, nil, plaintext)
}

func (n *noiseSession) decrypt(dst, ciphertext []byte) ([]byte, error) {
	if n.initiator {
		return n.cs2.Decrypt(dst, nil, ciphertext)
	}
	return n.cs1.Decrypt(dst, nil, ciphertext)
}

// sealData encrypts plaintext and prepends a 4-byte big-endian length.
func (n *noiseSession) sealData(dst, plaintext []byte) ([]byte, error) {
	needed := 4 + len(plaintext) + 16
	if cap(dst) < needed {
		dst = make([]byte, 4, needed)
	} else {
		dst = dst[:4]
	}
	ciphertext, err := n.encrypt(dst[4:4], plaintext)
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(dst[:4], uint32(len(ciphertext)))
	return dst[:4+len(ciphertext)], nil
}

// unsealData extracts and decrypts one length-prefixed chunk from data.
func (n *noiseSession) unsealData(dst, data []byte) (plaintext, remaining []byte, err error) {
	if len(data) < 4 {
		return nil, data, io.ErrShortBuffer
	}
	length := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+length {
		return nil, data, io.ErrShortBuffer
	}
	decrypted, err := n.decrypt(dst[:0], data[4:4+length])
	if err != nil {
		return nil, nil, err
	}
	return decrypted, data[4+length:], nil
}
