package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is registered so both client and server force this codec via
// grpc.ForceCodec/grpc.ForceServerCodec (see provider/client.go and
// orchestrator/rpcserver.go), bypassing protobuf wire encoding entirely.
const codecName = "honeypot-json"

// jsonCodec implements encoding.Codec (formerly encoding.Codec's older
// Name()-based form) by marshaling every message with encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// CodecName is exported so dial/serve options can reference it explicitly.
const CodecName = codecName
