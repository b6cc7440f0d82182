package options

import (
	"encoding/binary"
	"fmt"
)

// Value type tags for the wire encoding below. Only the handful of
// concrete types the declared options actually use need a case.
const (
	valueTagInt byte = iota
	valueTagBool
	valueTagString
	valueTagStringSlice
)

// EncodeValue serializes one option value to bytes for carrying inside a
// wire.OptionValue during login negotiation (spec.md §4.3/§4.9).
func EncodeValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case int:
		out := make([]byte, 9)
		out[0] = valueTagInt
		binary.BigEndian.PutUint64(out[1:], uint64(val))
		return out, nil
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return []byte{valueTagBool, b}, nil
	case string:
		out := make([]byte, 1+len(val))
		out[0] = valueTagString
		copy(out[1:], val)
		return out, nil
	case []string:
		out := []byte{valueTagStringSlice}
		for _, s := range val {
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
			out = append(out, lenBuf[:]...)
			out = append(out, s...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("options: cannot encode value of type %T", v)
	}
}

// DecodeValue is EncodeValue's inverse.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("options: empty encoded value")
	}
	switch data[0] {
	case valueTagInt:
		if len(data) != 9 {
			return nil, fmt.Errorf("options: malformed int value")
		}
		return int(binary.BigEndian.Uint64(data[1:])), nil
	case valueTagBool:
		if len(data) != 2 {
			return nil, fmt.Errorf("options: malformed bool value")
		}
		return data[1] != 0, nil
	case valueTagString:
		return string(data[1:]), nil
	case valueTagStringSlice:
		var out []string
		rest := data[1:]
		for len(rest) > 0 {
			if len(rest) < 4 {
				return nil, fmt.Errorf("options: malformed string-slice value")
			}
			n := binary.BigEndian.Uint32(rest[:4])
			rest = rest[4:]
			if uint32(len(rest)) < n {
				return nil, fmt.Errorf("options: malformed string-slice value")
			}
			out = append(out, string(rest[:n]))
			rest = rest[n:]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("options: unknown value tag %d", data[0])
	}
}
