// Package protocol implements the wire format client and server speak
// over the data-group TCP connection: a fixed FSProtoHeader followed by
// an XDR-encoded command-specific body, per spec.md §6.
//
// Grounded on internal/protocol/nfs/mount/handlers/mount.go, the
// teacher's sole call site for github.com/rasky/go-xdr/xdr2
// (Marshal/Unmarshal against bytes.Buffer/bytes.Reader), and on
// internal/protocol/xdr's hand-rolled opaque/string helpers for the
// header's own fixed-width fields, which go-xdr's reflection-based
// codec is not a good fit for.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed on-wire size of FSProtoHeader.
const HeaderSize = 2 + 4 + 4 + 16

// Command identifies the operation a header's body encodes.
type Command uint16

const (
	CmdSliceWrite Command = iota + 1
	CmdSliceRead
	CmdStat
	CmdReplicateAdd
	CmdReplicateDeleteRange
	CmdReplicateDeleteBlock
	CmdActiveConfirm
)

// FSProtoHeader is the fixed 26-byte header preceding every command
// body: cmd(uint16) status(int32) body_len(uint32) req_id(16 bytes),
// all big-endian.
type FSProtoHeader struct {
	Cmd     Command
	Status  int32
	BodyLen uint32
	ReqID   [16]byte
}

// WriteHeader serializes h to w.
func WriteHeader(w io.Writer, h FSProtoHeader) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(h.Cmd))
	binary.BigEndian.PutUint32(buf[2:6], uint32(h.Status))
	binary.BigEndian.PutUint32(buf[6:10], h.BodyLen)
	copy(buf[10:26], h.ReqID[:])
	_, err := w.Write(buf)
	return err
}

// ReadHeader deserializes a FSProtoHeader from r.
func ReadHeader(r io.Reader) (FSProtoHeader, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return FSProtoHeader{}, fmt.Errorf("read header: %w", err)
	}
	var h FSProtoHeader
	h.Cmd = Command(binary.BigEndian.Uint16(buf[0:2]))
	h.Status = int32(binary.BigEndian.Uint32(buf[2:6]))
	h.BodyLen = binary.BigEndian.Uint32(buf[6:10])
	copy(h.ReqID[:], buf[10:26])
	return h, nil
}
