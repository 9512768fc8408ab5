package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrips(t *testing.T) {
	h := FSProtoHeader{Cmd: CmdSliceWrite, Status: 0, BodyLen: 128}
	copy(h.ReqID[:], []byte("0123456789abcdef"))

	var buf bytes.Buffer
	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("wrote %d bytes, want %d", buf.Len(), HeaderSize)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestSliceWriteBodyRoundTrips(t *testing.T) {
	body := SliceWriteBody{OID: 7, BOff: 4 * 1024 * 1024, SOff: 100, SLen: 4, Data: []byte("data")}

	encoded, err := EncodeBody(&body)
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}

	var decoded SliceWriteBody
	if err := DecodeBody(encoded, &decoded); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}

	if decoded.OID != body.OID || decoded.BOff != body.BOff || decoded.SOff != body.SOff || decoded.SLen != body.SLen {
		t.Fatalf("got %+v, want %+v", decoded, body)
	}
	if !bytes.Equal(decoded.Data, body.Data) {
		t.Fatalf("data mismatch: got %q want %q", decoded.Data, body.Data)
	}
}
