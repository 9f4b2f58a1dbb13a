// Package sagarpc exposes the payment provider boundary from spec §6 over
// gRPC. The teacher's gRPC surface (internal/adapters/grpc) is built on
// protoc-generated message types from an api/proto package that never made
// it into this workspace, so this package follows the same
// grpc.NewServer/ServiceDesc/health/reflection wiring the teacher's
// cmd/server/main.go uses, but hand-writes the ServiceDesc against plain
// Go structs instead of relying on unavailable generated code, exercising
// grpc-go's pluggable encoding.Codec extension point with a JSON codec
// rather than protobuf wire encoding.
package sagarpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as a subtype so clients opt in with
// grpc.CallContentSubtype(codecName) without disturbing the default
// protobuf codec used by any other service sharing the same grpc.Server.
const codecName = "json"

// jsonCodec implements encoding.Codec by delegating to encoding/json. Every
// message type in this package is a plain struct with json tags, grounded
// in the teacher's own preference for explicit typed request/response
// structs (orders.SubmitOrder, etc.) over protobuf-idiomatic getters.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("sagarpc: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("sagarpc: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
