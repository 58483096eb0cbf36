// Package rpc defines the Target System Provider wire contract (spec
// §4.3, §6) as a hand-written gRPC service: AcquireTargetSystem (unary)
// and YieldTargetSystem (server-streaming). The pack retrieved no protoc
// toolchain output to mirror (no generated .pb.go for this RPC anywhere
// in the examples), so messages are marshaled with a small JSON codec
// (codec.go) instead of protobuf wire encoding; the service descriptor,
// dialing, and streaming semantics below are otherwise exactly the
// google.golang.org/grpc API used throughout the pack (e.g.
// marmos91-dittofs, gravitational-teleport).
package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC service name advertised over the wire.
const ServiceName = "honeypot.TargetSystemProvider"

// AcquireRequest is the AcquireTargetSystem request message.
type AcquireRequest struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// AcquireResponse is the AcquireTargetSystem response message.
type AcquireResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Port    uint32 `json:"port"`
}

// YieldRequest is the YieldTargetSystem request message.
type YieldRequest struct {
	ID string `json:"id"`
}

// YieldEvent is one element of the YieldTargetSystem response stream: a
// reconstructed DOWNLOAD event harvested from the sandbox's packet
// capture (spec §4.6, §6).
type YieldEvent struct {
	Timestamp    int64  `json:"timestamp"` // unix nanos UTC
	SrcAddressV4 string `json:"src_address_v4,omitempty"`
	SrcAddressV6 string `json:"src_address_v6,omitempty"`
	URL          string `json:"url,omitempty"`
	Type         string `json:"type"`
	Data         []byte `json:"data,omitempty"`
}

// ErrUnavailable is the distinguished status returned by AcquireTargetSystem
// when no target is currently free (spec §4.3/§6).
func ErrUnavailable() error {
	return status.Error(codes.Unavailable, "no target system currently available")
}

// IsUnavailable reports whether err is the distinguished Unavailable
// status, as opposed to a hard RPC failure.
func IsUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}

// ErrNotFound is returned by YieldTargetSystem when id was not previously
// acquired from this provider instance.
func ErrNotFound(id string) error {
	return status.Errorf(codes.NotFound, "target system %q was not acquired from this provider", id)
}

const (
	methodAcquire = "/" + ServiceName + "/AcquireTargetSystem"
	methodYield   = "/" + ServiceName + "/YieldTargetSystem"
)

// Server is the interface the sandbox orchestrator implements to serve
// the provider RPC.
type Server interface {
	AcquireTargetSystem(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error)
	YieldTargetSystem(req *YieldRequest, stream YieldStream) error
}

// YieldStream is the server-streaming handle for YieldTargetSystem.
type YieldStream interface {
	Send(*YieldEvent) error
	Context() context.Context
}

type yieldServerStream struct {
	grpc.ServerStream
}

func (s *yieldServerStream) Send(ev *YieldEvent) error {
	return s.ServerStream.SendMsg(ev)
}

// ServiceDesc is the hand-rolled grpc.ServiceDesc for the provider RPC,
// playing the role that protoc-gen-go-grpc would normally generate.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AcquireTargetSystem",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := new(AcquireRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(Server).AcquireTargetSystem(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAcquire}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(Server).AcquireTargetSystem(ctx, req.(*AcquireRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "YieldTargetSystem",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				req := new(YieldRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(Server).YieldTargetSystem(req, &yieldServerStream{stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "honeypot/provider.proto",
}

// Client wraps a *grpc.ClientConn with typed calls for the provider RPC.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) AcquireTargetSystem(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error) {
	resp := new(AcquireResponse)
	if err := c.conn.Invoke(ctx, methodAcquire, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// YieldTargetSystem opens the server-streaming call and returns a channel
// of events plus an error channel, closed when the stream ends.
func (c *Client) YieldTargetSystem(ctx context.Context, req *YieldRequest) (<-chan *YieldEvent, <-chan error) {
	events := make(chan *YieldEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], methodYield)
		if err != nil {
			errs <- err
			return
		}
		if err := stream.SendMsg(req); err != nil {
			errs <- err
			return
		}
		if err := stream.CloseSend(); err != nil {
			errs <- err
			return
		}
		for {
			ev := new(YieldEvent)
			if err := stream.RecvMsg(ev); err != nil {
				if !errors.Is(err, io.EOF) {
					errs <- err
				}
				return
			}
			events <- ev
		}
	}()

	return events, errs
}
