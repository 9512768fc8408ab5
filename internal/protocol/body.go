package protocol

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

// SliceWriteBody is the XDR body of a CmdSliceWrite request.
type SliceWriteBody struct {
	OID    uint64
	BOff   uint64
	SOff   uint32
	SLen   uint32
	Data   []byte
}

// SliceReadBody is the XDR body of a CmdSliceRead request.
type SliceReadBody struct {
	OID  uint64
	BOff uint64
	SOff uint32
	SLen uint32
}

// StatBody is the XDR body of a CmdStat request.
type StatBody struct {
	OID  uint64
	BOff uint64
}

// EncodeBody marshals v (one of the *Body types above) to XDR bytes.
func EncodeBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, cmn.Wrap("protocol.encode_body", cmn.KindProtocol, err)
	}
	return buf.Bytes(), nil
}

// DecodeBody unmarshals XDR bytes into v (a pointer to one of the
// *Body types above).
func DecodeBody(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return cmn.Wrap("protocol.decode_body", cmn.KindProtocol, fmt.Errorf("%w", err))
	}
	return nil
}

// SliceKeyFromWrite converts a decoded SliceWriteBody into the cmn key
// it addresses.
func SliceKeyFromWrite(b SliceWriteBody) cmn.SliceKey {
	return cmn.SliceKey{
		Block: cmn.BlockKey{OID: b.OID, Offset: b.BOff},
		Range: cmn.SliceRange{Offset: b.SOff, Length: b.SLen},
	}
}

// SliceKeyFromRead converts a decoded SliceReadBody into the cmn key
// it addresses.
func SliceKeyFromRead(b SliceReadBody) cmn.SliceKey {
	return cmn.SliceKey{
		Block: cmn.BlockKey{OID: b.OID, Offset: b.BOff},
		Range: cmn.SliceRange{Offset: b.SOff, Length: b.SLen},
	}
}
