// Package control implements DSP's in-band control plane (spec.md
// §4.8): GetPeerStats/ResetPeerStats/GetPeerInfo, carried as ordinary
// wire.Frame values in the reserved wire.TagControlBase sub-range.
// Grounded on the teacher's Metrics interface/atomic-counter style
// (teacherref/metrics.go), generalized into a request/response pair a
// peer answers over its own transport.Transport rather than exposing
// counters only to the local process.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/transport"
	"github.com/delphix-oss/dsp/wire"
)

// PeerInfo is GetPeerInfo's payload: a terminus identification plus, as
// SPEC_FULL.md §4.8 supplements, the set of transports currently
// attached and each one's ByteChannel driver name — useful operational
// visibility for the azrelay driver in particular.
type PeerInfo struct {
	ServerTerminusName string
	ClientTerminusName string
	Transports         []wire.PeerTransportInfo
}

// InfoProvider supplies the data GetPeerInfo serves. A nexus implements
// this to expose its terminus names and attached transports.
type InfoProvider interface {
	PeerInfo() PeerInfo
}

// Server answers control-plane requests arriving on t.
type Server struct {
	t    *transport.Transport
	info InfoProvider
}

// NewServer registers control-plane handlers on t. info may be nil, in
// which case GetPeerInfo replies with zero-value terminus names and an
// empty transport list.
func NewServer(t *transport.Transport, info InfoProvider) *Server {
	s := &Server{t: t, info: info}
	t.RegisterHandler(wire.TagGetPeerStatsRequest, s.handleGetPeerStats)
	t.RegisterHandler(wire.TagResetPeerStatsRequest, s.handleResetPeerStats)
	t.RegisterHandler(wire.TagGetPeerInfoRequest, s.handleGetPeerInfo)
	return s
}

func (s *Server) handleGetPeerStats(id wire.ExchangeID, _ wire.Body) {
	st := s.t.Stats()
	_ = s.t.Reply(id, wire.TagGetPeerStatsResponse, &wire.GetPeerStatsResponseBody{
		FramesIn:   st.FramesReceived,
		FramesOut:  st.FramesSent,
		BytesIn:    st.BytesReceived,
		BytesOut:   st.BytesSent,
		ResetCount: uint32(st.ResetCount),
	})
}

func (s *Server) handleResetPeerStats(id wire.ExchangeID, _ wire.Body) {
	s.t.ResetStats()
	_ = s.t.Reply(id, wire.TagResetPeerStatsResponse, &wire.ResetPeerStatsResponseBody{})
}

func (s *Server) handleGetPeerInfo(id wire.ExchangeID, _ wire.Body) {
	var info PeerInfo
	if s.info != nil {
		info = s.info.PeerInfo()
	}
	_ = s.t.Reply(id, wire.TagGetPeerInfoResponse, &wire.GetPeerInfoResponseBody{
		ServerTerminusName: info.ServerTerminusName,
		ClientTerminusName: info.ClientTerminusName,
		Transports:         info.Transports,
	})
}

// Client issues control-plane RPCs against a peer's Server over t,
// bounded by opts' ControlTimeout (default 5s).
type Client struct {
	t       *transport.Transport
	timeout time.Duration
}

// NewClient builds a Client reading its timeout from opts.
func NewClient(t *transport.Transport, opts *options.Registry) *Client {
	return &Client{t: t, timeout: options.Duration(opts.GetInt(options.ControlTimeout))}
}

// GetPeerStats fetches the peer's transport traffic counters.
func (c *Client) GetPeerStats(ctx context.Context) (wire.GetPeerStatsResponseBody, error) {
	resp, err := c.call(ctx, wire.TagGetPeerStatsRequest, &wire.GetPeerStatsRequestBody{})
	if err != nil {
		return wire.GetPeerStatsResponseBody{}, err
	}
	body, ok := resp.(*wire.GetPeerStatsResponseBody)
	if !ok {
		return wire.GetPeerStatsResponseBody{}, fmt.Errorf("control: unexpected response type %T", resp)
	}
	return *body, nil
}

// ResetPeerStats asks the peer to zero its traffic counters.
func (c *Client) ResetPeerStats(ctx context.Context) error {
	_, err := c.call(ctx, wire.TagResetPeerStatsRequest, &wire.ResetPeerStatsRequestBody{})
	return err
}

// GetPeerInfo fetches the peer's terminus identification and attached
// transport list.
func (c *Client) GetPeerInfo(ctx context.Context) (PeerInfo, error) {
	resp, err := c.call(ctx, wire.TagGetPeerInfoRequest, &wire.GetPeerInfoRequestBody{})
	if err != nil {
		return PeerInfo{}, err
	}
	body, ok := resp.(*wire.GetPeerInfoResponseBody)
	if !ok {
		return PeerInfo{}, fmt.Errorf("control: unexpected response type %T", resp)
	}
	return PeerInfo{
		ServerTerminusName: body.ServerTerminusName,
		ClientTerminusName: body.ClientTerminusName,
		Transports:         body.Transports,
	}, nil
}

func (c *Client) call(ctx context.Context, tag wire.Tag, body wire.Body) (wire.Body, error) {
	_, ch, err := c.t.Send(tag, body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("control: transport closed before response")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
