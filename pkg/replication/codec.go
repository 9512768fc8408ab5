package replication

import (
	"google.golang.org/grpc/encoding"

	"github.com/marmos91/blockgrid/internal/protocol"
)

// CodecName is the grpc content-subtype this package registers and
// every Invoke call on a grpcSlaveClient requests via
// grpc.CallContentSubtype, so both ends of an RPC agree on the wire
// format without either side generating protobuf code. pkg/recovery's
// FetchSince RPC reuses the same codec rather than inventing a second
// wire format for the cluster's other grpc surface.
const CodecName = "blockgrid-xdr"

func init() {
	encoding.RegisterCodec(xdrCodec{})
}

// xdrCodec adapts internal/protocol's XDR body encoding (already used
// for the client-facing wire protocol) to grpc's encoding.Codec
// interface, so the replication RPCs carry the same format as the
// client path instead of needing a second serialization scheme.
type xdrCodec struct{}

func (xdrCodec) Name() string { return CodecName }

func (xdrCodec) Marshal(v any) ([]byte, error) {
	return protocol.EncodeBody(v)
}

func (xdrCodec) Unmarshal(data []byte, v any) error {
	return protocol.DecodeBody(data, v)
}
