package wire

import (
	"bytes"

	"github.com/google/uuid"
)

// Body is implemented by every concrete exchange-body type. Encode/Decode
// share the ObjectWriter/ObjectReader helpers rather than a class
// hierarchy (spec.md §9: "Share common encode/decode via a helper, not
// base classes").
type Body interface {
	Tag() Tag
	Encode(w *ObjectWriter)
	Decode(r *ObjectReader) error
}

func (b *LoginRequestBody) Tag() Tag { return TagLoginRequest }
func (b *LoginRequestBody) Encode(w *ObjectWriter) {
	w.WriteUint16(b.MinVersion)
	w.WriteUint16(b.MaxVersion)
	var u uuid.UUID
	copy(u[:], b.ClientTerminusUUID[:])
	w.WriteUUID(u)
	w.WriteString(b.ClientTerminusName)
	w.WriteString(b.ServerTerminusHint)
	w.WriteUint8(uint8(len(b.SASLMechanismsPreferred)))
	for _, m := range b.SASLMechanismsPreferred {
		w.WriteString(m)
	}
	w.WriteUint8(uint8(b.TLSOffer))
	w.WriteBool(b.FreshSession)
}
func (b *LoginRequestBody) Decode(r *ObjectReader) (err error) {
	if b.MinVersion, err = r.ReadUint16(); err != nil {
		return err
	}
	if b.MaxVersion, err = r.ReadUint16(); err != nil {
		return err
	}
	u, err := r.ReadUUID()
	if err != nil {
		return err
	}
	b.ClientTerminusUUID = u
	if b.ClientTerminusName, err = r.ReadString(); err != nil {
		return err
	}
	if b.ServerTerminusHint, err = r.ReadString(); err != nil {
		return err
	}
	n, err := r.ReadUint8()
	if err != nil {
		return err
	}
	b.SASLMechanismsPreferred = make([]string, n)
	for i := range b.SASLMechanismsPreferred {
		if b.SASLMechanismsPreferred[i], err = r.ReadString(); err != nil {
			return err
		}
	}
	lvl, err := r.ReadUint8()
	if err != nil {
		return err
	}
	b.TLSOffer = TLSLevel(lvl)
	if b.FreshSession, err = r.ReadBool(); err != nil {
		return err
	}
	return nil
}

func (b *LoginResponseBody) Tag() Tag { return TagLoginResponse }
func (b *LoginResponseBody) Encode(w *ObjectWriter) {
	w.WriteUint16(b.Version)
	w.WriteString(b.SASLMechanism)
	w.WriteUint8(uint8(b.TLSLevel))
	w.WriteOptionalBytes(b.ChallengeInitial)
}
func (b *LoginResponseBody) Decode(r *ObjectReader) (err error) {
	if b.Version, err = r.ReadUint16(); err != nil {
		return err
	}
	if b.SASLMechanism, err = r.ReadString(); err != nil {
		return err
	}
	lvl, err := r.ReadUint8()
	if err != nil {
		return err
	}
	b.TLSLevel = TLSLevel(lvl)
	b.ChallengeInitial, err = r.ReadOptionalBytes()
	return err
}

func (b *AuthenticateRequestBody) Tag() Tag             { return TagAuthenticateRequest }
func (b *AuthenticateRequestBody) Encode(w *ObjectWriter) { w.WriteBytes(b.Token) }
func (b *AuthenticateRequestBody) Decode(r *ObjectReader) (err error) {
	b.Token, err = r.ReadBytes()
	return err
}

func (b *AuthenticateResponseBody) Tag() Tag { return TagAuthenticateResponse }
func (b *AuthenticateResponseBody) Encode(w *ObjectWriter) {
	w.WriteOptionalBytes(b.Token)
	w.WriteBool(b.Complete)
	w.WriteUint8(uint8(b.Status))
}
func (b *AuthenticateResponseBody) Decode(r *ObjectReader) (err error) {
	if b.Token, err = r.ReadOptionalBytes(); err != nil {
		return err
	}
	if b.Complete, err = r.ReadBool(); err != nil {
		return err
	}
	st, err := r.ReadUint8()
	b.Status = Status(st)
	return err
}

func encodeOptionValues(w *ObjectWriter, vals []OptionValue) {
	w.WriteUint16(uint16(len(vals)))
	for _, v := range vals {
		w.WriteString(v.Key)
		w.WriteBytes(v.Value)
	}
}

func decodeOptionValues(r *ObjectReader) ([]OptionValue, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	out := make([]OptionValue, n)
	for i := range out {
		if out[i].Key, err = r.ReadString(); err != nil {
			return nil, err
		}
		if out[i].Value, err = r.ReadBytes(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (b *NegotiateRequestBody) Tag() Tag { return TagNegotiateRequest }
func (b *NegotiateRequestBody) Encode(w *ObjectWriter) {
	encodeOptionValues(w, b.NexusOptionsDesired)
	encodeOptionValues(w, b.TransportOptionsDesired)
}
func (b *NegotiateRequestBody) Decode(r *ObjectReader) (err error) {
	if b.NexusOptionsDesired, err = decodeOptionValues(r); err != nil {
		return err
	}
	b.TransportOptionsDesired, err = decodeOptionValues(r)
	return err
}

func (b *NegotiateResponseBody) Tag() Tag { return TagNegotiateResponse }
func (b *NegotiateResponseBody) Encode(w *ObjectWriter) {
	encodeOptionValues(w, b.NexusOptionsChosen)
	encodeOptionValues(w, b.TransportOptionsChosen)
	w.WriteUint8(uint8(b.Status))
}
func (b *NegotiateResponseBody) Decode(r *ObjectReader) (err error) {
	if b.NexusOptionsChosen, err = decodeOptionValues(r); err != nil {
		return err
	}
	if b.TransportOptionsChosen, err = decodeOptionValues(r); err != nil {
		return err
	}
	st, err := r.ReadUint8()
	b.Status = Status(st)
	return err
}

func (b *LogoutRequestBody) Tag() Tag               { return TagLogoutRequest }
func (b *LogoutRequestBody) Encode(w *ObjectWriter) { w.WriteUint8(uint8(b.Scope)) }
func (b *LogoutRequestBody) Decode(r *ObjectReader) (err error) {
	v, err := r.ReadUint8()
	b.Scope = LogoutScope(v)
	return err
}

func (b *LogoutResponseBody) Tag() Tag               { return TagLogoutResponse }
func (b *LogoutResponseBody) Encode(w *ObjectWriter) { w.WriteUint8(uint8(b.Status)) }
func (b *LogoutResponseBody) Decode(r *ObjectReader) (err error) {
	v, err := r.ReadUint8()
	b.Status = Status(v)
	return err
}

func (b *CommandRequestBody) Tag() Tag { return TagCommandRequest }
func (b *CommandRequestBody) Encode(w *ObjectWriter) {
	w.WriteUint16(uint16(b.SlotID))
	w.WriteUint32(uint32(b.SlotSN))
	w.WriteUint32(uint32(b.CommandSN))
	w.WriteUint32(uint32(b.ExpectedCommandSN))
	w.WriteUint32(uint32(b.MaxCommandSN))
	w.WriteBytes(b.Payload)
}
func (b *CommandRequestBody) Decode(r *ObjectReader) error {
	slotID, err := r.ReadUint16()
	if err != nil {
		return err
	}
	b.SlotID = SlotID(slotID)
	for _, dst := range []*CommandSN{&b.SlotSN, &b.CommandSN, &b.ExpectedCommandSN, &b.MaxCommandSN} {
		v, err := r.ReadUint32()
		if err != nil {
			return err
		}
		*dst = CommandSN(v)
	}
	b.Payload, err = r.ReadBytes()
	return err
}

func (b *CommandResponseBody) Tag() Tag { return TagCommandResponse }
func (b *CommandResponseBody) Encode(w *ObjectWriter) {
	w.WriteUint16(uint16(b.SlotID))
	w.WriteUint32(uint32(b.SlotSN))
	w.WriteUint32(uint32(b.CommandSN))
	w.WriteUint32(uint32(b.ExpectedCommandSN))
	w.WriteUint32(uint32(b.MaxCommandSN))
	w.WriteUint8(uint8(b.Status))
	w.WriteBytes(b.Payload)
}
func (b *CommandResponseBody) Decode(r *ObjectReader) error {
	slotID, err := r.ReadUint16()
	if err != nil {
		return err
	}
	b.SlotID = SlotID(slotID)
	for _, dst := range []*CommandSN{&b.SlotSN, &b.CommandSN, &b.ExpectedCommandSN, &b.MaxCommandSN} {
		v, err := r.ReadUint32()
		if err != nil {
			return err
		}
		*dst = CommandSN(v)
	}
	st, err := r.ReadUint8()
	if err != nil {
		return err
	}
	b.Status = Status(st)
	b.Payload, err = r.ReadBytes()
	return err
}

func (b *DataRequestBody) Tag() Tag { return TagDataRequest }
func (b *DataRequestBody) Encode(w *ObjectWriter) {
	w.WriteUint32(b.StreamTag)
	w.WriteUint64(b.Offset)
	w.WriteBool(b.EOF)
	w.WriteBool(b.Sync)
	w.WriteUint8(b.Type)
	w.WriteByteBuffers(b.Data)
}
func (b *DataRequestBody) Decode(r *ObjectReader) (err error) {
	if b.StreamTag, err = r.ReadUint32(); err != nil {
		return err
	}
	if b.Offset, err = r.ReadUint64(); err != nil {
		return err
	}
	if b.EOF, err = r.ReadBool(); err != nil {
		return err
	}
	if b.Sync, err = r.ReadBool(); err != nil {
		return err
	}
	if b.Type, err = r.ReadUint8(); err != nil {
		return err
	}
	b.Data, err = r.ReadByteBuffers()
	return err
}

func (b *DataResponseBody) Tag() Tag               { return TagDataResponse }
func (b *DataResponseBody) Encode(w *ObjectWriter) { w.WriteUint8(uint8(b.Status)) }
func (b *DataResponseBody) Decode(r *ObjectReader) (err error) {
	v, err := r.ReadUint8()
	b.Status = Status(v)
	return err
}

func (b *TaskMgmtRequestBody) Tag() Tag { return TagTaskMgmtRequest }
func (b *TaskMgmtRequestBody) Encode(w *ObjectWriter) {
	w.WriteUint64(uint64(b.TargetExchangeID))
	w.WriteUint16(uint16(b.TargetSlotID))
	w.WriteUint32(uint32(b.TargetSlotSN))
}
func (b *TaskMgmtRequestBody) Decode(r *ObjectReader) error {
	id, err := r.ReadUint64()
	if err != nil {
		return err
	}
	b.TargetExchangeID = ExchangeID(id)
	slotID, err := r.ReadUint16()
	if err != nil {
		return err
	}
	b.TargetSlotID = SlotID(slotID)
	sn, err := r.ReadUint32()
	b.TargetSlotSN = SlotSN(sn)
	return err
}

func (b *TaskMgmtResponseBody) Tag() Tag               { return TagTaskMgmtResponse }
func (b *TaskMgmtResponseBody) Encode(w *ObjectWriter) { w.WriteUint8(uint8(b.Status)) }
func (b *TaskMgmtResponseBody) Decode(r *ObjectReader) (err error) {
	v, err := r.ReadUint8()
	b.Status = Status(v)
	return err
}

func (b *PingRequestBody) Tag() Tag                   { return TagPingRequest }
func (b *PingRequestBody) Encode(w *ObjectWriter)     {}
func (b *PingRequestBody) Decode(r *ObjectReader) error { return nil }

func (b *PingResponseBody) Tag() Tag                   { return TagPingResponse }
func (b *PingResponseBody) Encode(w *ObjectWriter)     {}
func (b *PingResponseBody) Decode(r *ObjectReader) error { return nil }

func (b *GetPeerStatsRequestBody) Tag() Tag                   { return TagGetPeerStatsRequest }
func (b *GetPeerStatsRequestBody) Encode(w *ObjectWriter)     {}
func (b *GetPeerStatsRequestBody) Decode(r *ObjectReader) error { return nil }

func (b *GetPeerStatsResponseBody) Tag() Tag { return TagGetPeerStatsResponse }
func (b *GetPeerStatsResponseBody) Encode(w *ObjectWriter) {
	w.WriteUint64(b.FramesIn)
	w.WriteUint64(b.FramesOut)
	w.WriteUint64(b.BytesIn)
	w.WriteUint64(b.BytesOut)
	w.WriteUint32(b.ResetCount)
}
func (b *GetPeerStatsResponseBody) Decode(r *ObjectReader) (err error) {
	if b.FramesIn, err = r.ReadUint64(); err != nil {
		return err
	}
	if b.FramesOut, err = r.ReadUint64(); err != nil {
		return err
	}
	if b.BytesIn, err = r.ReadUint64(); err != nil {
		return err
	}
	if b.BytesOut, err = r.ReadUint64(); err != nil {
		return err
	}
	b.ResetCount, err = r.ReadUint32()
	return err
}

func (b *ResetPeerStatsRequestBody) Tag() Tag                   { return TagResetPeerStatsRequest }
func (b *ResetPeerStatsRequestBody) Encode(w *ObjectWriter)     {}
func (b *ResetPeerStatsRequestBody) Decode(r *ObjectReader) error { return nil }

func (b *ResetPeerStatsResponseBody) Tag() Tag                   { return TagResetPeerStatsResponse }
func (b *ResetPeerStatsResponseBody) Encode(w *ObjectWriter)     {}
func (b *ResetPeerStatsResponseBody) Decode(r *ObjectReader) error { return nil }

func (b *GetPeerInfoRequestBody) Tag() Tag                   { return TagGetPeerInfoRequest }
func (b *GetPeerInfoRequestBody) Encode(w *ObjectWriter)     {}
func (b *GetPeerInfoRequestBody) Decode(r *ObjectReader) error { return nil }

func (b *GetPeerInfoResponseBody) Tag() Tag { return TagGetPeerInfoResponse }
func (b *GetPeerInfoResponseBody) Encode(w *ObjectWriter) {
	w.WriteString(b.ServerTerminusName)
	w.WriteString(b.ClientTerminusName)
	w.WriteUint16(uint16(len(b.Transports)))
	for _, t := range b.Transports {
		w.WriteString(t.LocalAddr)
		w.WriteString(t.RemoteAddr)
		w.WriteString(t.Driver)
	}
}
func (b *GetPeerInfoResponseBody) Decode(r *ObjectReader) (err error) {
	if b.ServerTerminusName, err = r.ReadString(); err != nil {
		return err
	}
	if b.ClientTerminusName, err = r.ReadString(); err != nil {
		return err
	}
	n, err := r.ReadUint16()
	if err != nil {
		return err
	}
	b.Transports = make([]PeerTransportInfo, n)
	for i := range b.Transports {
		if b.Transports[i].LocalAddr, err = r.ReadString(); err != nil {
			return err
		}
		if b.Transports[i].RemoteAddr, err = r.ReadString(); err != nil {
			return err
		}
		if b.Transports[i].Driver, err = r.ReadString(); err != nil {
			return err
		}
	}
	return nil
}

// NewBody allocates a zero-value Body for the given tag, used by the
// decoder before calling Decode.
func NewBody(tag Tag) (Body, error) {
	switch tag {
	case TagLoginRequest:
		return &LoginRequestBody{}, nil
	case TagLoginResponse:
		return &LoginResponseBody{}, nil
	case TagAuthenticateRequest:
		return &AuthenticateRequestBody{}, nil
	case TagAuthenticateResponse:
		return &AuthenticateResponseBody{}, nil
	case TagNegotiateRequest:
		return &NegotiateRequestBody{}, nil
	case TagNegotiateResponse:
		return &NegotiateResponseBody{}, nil
	case TagLogoutRequest:
		return &LogoutRequestBody{}, nil
	case TagLogoutResponse:
		return &LogoutResponseBody{}, nil
	case TagCommandRequest:
		return &CommandRequestBody{}, nil
	case TagCommandResponse:
		return &CommandResponseBody{}, nil
	case TagBackCommandRequest:
		return &CommandRequestBody{}, nil
	case TagBackCommandResponse:
		return &CommandResponseBody{}, nil
	case TagDataRequest:
		return &DataRequestBody{}, nil
	case TagDataResponse:
		return &DataResponseBody{}, nil
	case TagTaskMgmtRequest:
		return &TaskMgmtRequestBody{}, nil
	case TagTaskMgmtResponse:
		return &TaskMgmtResponseBody{}, nil
	case TagPingRequest:
		return &PingRequestBody{}, nil
	case TagPingResponse:
		return &PingResponseBody{}, nil
	case TagGetPeerStatsRequest:
		return &GetPeerStatsRequestBody{}, nil
	case TagGetPeerStatsResponse:
		return &GetPeerStatsResponseBody{}, nil
	case TagResetPeerStatsRequest:
		return &ResetPeerStatsRequestBody{}, nil
	case TagResetPeerStatsResponse:
		return &ResetPeerStatsResponseBody{}, nil
	case TagGetPeerInfoRequest:
		return &GetPeerInfoRequestBody{}, nil
	case TagGetPeerInfoResponse:
		return &GetPeerInfoResponseBody{}, nil
	default:
		return nil, ErrUnknownTag
	}
}

// EncodeBody serializes a Body to bytes via a scratch ObjectWriter.
func EncodeBody(b Body) []byte {
	var buf bytes.Buffer
	w := NewObjectWriter(&buf)
	b.Encode(w)
	return buf.Bytes()
}
