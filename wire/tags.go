package wire

// Tag identifies the concrete exchange-body type carried by a Frame
// (spec.md §4: "Each frame carries ... a payload", enumerated tag).
type Tag uint8

const (
	TagLoginRequest Tag = iota + 1
	TagLoginResponse
	TagAuthenticateRequest
	TagAuthenticateResponse
	TagNegotiateRequest
	TagNegotiateResponse
	TagLogoutRequest
	TagLogoutResponse
	TagCommandRequest
	TagCommandResponse
	TagBackCommandRequest
	TagBackCommandResponse
	TagDataRequest
	TagDataResponse
	TagTaskMgmtRequest
	TagTaskMgmtResponse
	TagPingRequest
	TagPingResponse
)

// TagControlBase starts the reserved tag sub-range used by the control
// plane's in-band RPCs (spec.md §4.8: "Uses the standard exchange codec
// but a reserved tag namespace").
const TagControlBase Tag = 0x80

const (
	TagGetPeerStatsRequest Tag = TagControlBase + iota
	TagGetPeerStatsResponse
	TagResetPeerStatsRequest
	TagResetPeerStatsResponse
	TagGetPeerInfoRequest
	TagGetPeerInfoResponse
)

func (t Tag) String() string {
	switch t {
	case TagLoginRequest:
		return "LoginRequest"
	case TagLoginResponse:
		return "LoginResponse"
	case TagAuthenticateRequest:
		return "AuthenticateRequest"
	case TagAuthenticateResponse:
		return "AuthenticateResponse"
	case TagNegotiateRequest:
		return "NegotiateRequest"
	case TagNegotiateResponse:
		return "NegotiateResponse"
	case TagLogoutRequest:
		return "LogoutRequest"
	case TagLogoutResponse:
		return "LogoutResponse"
	case TagCommandRequest:
		return "CommandRequest"
	case TagCommandResponse:
		return "CommandResponse"
	case TagBackCommandRequest:
		return "BackCommandRequest"
	case TagBackCommandResponse:
		return "BackCommandResponse"
	case TagDataRequest:
		return "DataRequest"
	case TagDataResponse:
		return "DataResponse"
	case TagTaskMgmtRequest:
		return "TaskMgmtRequest"
	case TagTaskMgmtResponse:
		return "TaskMgmtResponse"
	case TagPingRequest:
		return "PingRequest"
	case TagPingResponse:
		return "PingResponse"
	case TagGetPeerStatsRequest:
		return "GetPeerStatsRequest"
	case TagGetPeerStatsResponse:
		return "GetPeerStatsResponse"
	case TagResetPeerStatsRequest:
		return "ResetPeerStatsRequest"
	case TagResetPeerStatsResponse:
		return "ResetPeerStatsResponse"
	case TagGetPeerInfoRequest:
		return "GetPeerInfoRequest"
	case TagGetPeerInfoResponse:
		return "GetPeerInfoResponse"
	default:
		return "Unknown"
	}
}
