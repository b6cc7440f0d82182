package wire

import "encoding/binary"

// exchangeIDSize is the fixed-width prefix every request/response frame
// carries ahead of its body, so either side can match a reply back to
// the exchange that sent the request (spec.md §3's Exchange model).
const exchangeIDSize = 8

// EncodeExchange serializes id followed by body's encoded form, ready to
// hand to Encoder.Encode as the frame payload.
func EncodeExchange(id ExchangeID, body Body) []byte {
	encoded := EncodeBody(body)
	out := make([]byte, exchangeIDSize+len(encoded))
	binary.BigEndian.PutUint64(out, uint64(id))
	copy(out[exchangeIDSize:], encoded)
	return out
}

// DecodeExchange splits a frame's payload into its ExchangeID and a
// freshly-allocated Body for tag, then decodes it.
func DecodeExchange(tag Tag, payload []byte) (ExchangeID, Body, error) {
	if len(payload) < exchangeIDSize {
		return 0, nil, ErrObjectTruncated
	}
	id := ExchangeID(binary.BigEndian.Uint64(payload))
	body, err := NewBody(tag)
	if err != nil {
		return 0, nil, err
	}
	if err := body.Decode(NewObjectReader(payload[exchangeIDSize:])); err != nil {
		return 0, nil, err
	}
	return id, body, nil
}
