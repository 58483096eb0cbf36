package orchestrator

import (
	"encoding/json"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/sshtrap/honeypot/internal/rpc"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// RPCServer wraps the Orchestrator in a gRPC server bound to the address
// passed to NewRPCServer (the backend passes HTTP_API_BIND_ADDRESS, not
// TARGET_SYSTEM_ADDRESS).
type RPCServer struct {
	grpcServer *grpc.Server
	listener   net.Listener
	log        xlog.Logger
}

// NewRPCServer binds address and registers orch as the TargetSystemProvider
// implementation, forcing the JSON codec defined in internal/rpc since no
// protoc-generated message types exist to marshal as real protobuf.
func NewRPCServer(address string, orch *Orchestrator, log xlog.Logger) (*RPCServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("binding provider rpc listener %q: %w", address, err)
	}
	srv := grpc.NewServer(grpc.ForceServerCodec(jsonServerCodec{}))
	srv.RegisterService(&rpc.ServiceDesc, orch)

	return &RPCServer{grpcServer: srv, listener: lis, log: log}, nil
}

// Serve blocks until the listener is closed or Stop is called.
func (s *RPCServer) Serve() error {
	s.log.Infof("provider rpc listening on %s", s.listener.Addr())
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully stops the gRPC server.
func (s *RPCServer) Stop() {
	s.grpcServer.GracefulStop()
}

// jsonServerCodec mirrors internal/rpc's registered JSON codec for use
// with grpc.ForceServerCodec, which (like ForceCodec on the client side)
// wants a concrete value rather than a codec name.
type jsonServerCodec struct{}

func (jsonServerCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonServerCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonServerCodec) Name() string {
	return rpc.CodecName
}
