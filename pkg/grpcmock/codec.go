package grpcmock

import "fmt"

// frame wraps one raw gRPC message payload. The MockServer never generates
// Go types for the messages it serves -- it only ever has a descriptor.Set
// and a WireCodec -- so request/response bytes are threaded through
// grpc.ServerStream as an opaque frame instead of a generated proto.Message.
type frame struct {
	payload []byte
}

// passthroughCodec implements google.golang.org/grpc/encoding.Codec by
// copying bytes in and out of a *frame unchanged, deferring everything
// protobuf-shaped to pkg/wire. Named "proto" so grpc.ForceServerCodec makes
// it the codec for every call regardless of the client's negotiated
// content-subtype.
type passthroughCodec struct{}

func (passthroughCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("grpcmock: codec cannot marshal %T", v)
	}
	return f.payload, nil
}

func (passthroughCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("grpcmock: codec cannot unmarshal into %T", v)
	}
	f.payload = append([]byte(nil), data...)
	return nil
}

func (passthroughCodec) Name() string { return "proto" }
