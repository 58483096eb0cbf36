// Package provider is the Target System Provider client (spec §4.3): a
// thread-safe stub bound to one long-lived gRPC connection to the sandbox
// orchestrator, shared across all Proxy Handlers. Grounded on
// original_source's target_systems/_grpc.py (channel-per-provider,
// stub-per-call) and adapted onto the honeypot/internal/rpc JSON-codec
// gRPC contract.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sshtrap/honeypot/internal/rpc"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// TargetSystem is the handle returned by a successful Acquire.
type TargetSystem struct {
	ID      string
	Address string
	Port    uint32
}

// ErrUnavailable is returned by Acquire when no sandbox is currently free.
var ErrUnavailable = fmt.Errorf("provider: no target system currently available")

// Client is the shared Provider stub. Safe for concurrent use by many
// Proxy Handlers (spec §4.3: "single client instance is shared").
type Client struct {
	conn *grpc.ClientConn
	rpc  *rpc.Client
	log  xlog.Logger
}

// Dial opens the long-lived connection to the orchestrator's address.
func Dial(address string, log xlog.Logger) (*Client, error) {
	conn, err := grpc.Dial(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(noopCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing provider %q: %w", address, err)
	}
	return &Client{conn: conn, rpc: rpc.NewClient(conn), log: log}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// AcquireTargetSystem requests a sandbox for the given captured
// credentials. Unavailable is a distinguished, expected outcome (spec:
// "no retry loop here"); any other error is a hard failure.
func (c *Client) AcquireTargetSystem(ctx context.Context, user, password string) (*TargetSystem, error) {
	resp, err := c.rpc.AcquireTargetSystem(ctx, &rpc.AcquireRequest{User: user, Password: password})
	if err != nil {
		if rpc.IsUnavailable(err) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("acquiring target system: %w", err)
	}
	return &TargetSystem{ID: resp.ID, Address: resp.Address, Port: resp.Port}, nil
}

// YieldEvent mirrors rpc.YieldEvent with a parsed timestamp, handed up to
// the Event Logger as a DOWNLOAD event.
type YieldEvent struct {
	At           time.Time
	SrcAddressV4 string
	SrcAddressV6 string
	URL          string
	Type         string
	Data         []byte
}

// YieldTargetSystem is best-effort: spec §4.3 says failure is logged, not
// propagated, to the caller beyond a returned error the Proxy Handler may
// choose to ignore.
func (c *Client) YieldTargetSystem(ctx context.Context, id string) ([]YieldEvent, error) {
	events, errs := c.rpc.YieldTargetSystem(ctx, &rpc.YieldRequest{ID: id})
	var result []YieldEvent
	for ev := range events {
		result = append(result, YieldEvent{
			At:           time.Unix(0, ev.Timestamp).UTC(),
			SrcAddressV4: ev.SrcAddressV4,
			SrcAddressV6: ev.SrcAddressV6,
			URL:          ev.URL,
			Type:         ev.Type,
			Data:         ev.Data,
		})
	}
	if err := <-errs; err != nil {
		c.log.Warnf("yield target system %s: %v", id, err)
		return result, err
	}
	return result, nil
}

// noopCodec mirrors the JSON codec registered under rpc.CodecName so
// grpc.ForceCodec (which wants a concrete encoding.CodecV2/Codec value,
// not just a registered name) can pin every call on this connection to
// it without a second registration.
type noopCodec struct{}

func (noopCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (noopCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (noopCodec) Name() string                               { return rpc.CodecName }
