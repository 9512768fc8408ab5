package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/blockgrid/internal/protocol"
	"github.com/marmos91/blockgrid/pkg/binlog"
	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/index"
	"github.com/marmos91/blockgrid/pkg/trunk"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()

	idx := index.New(16)
	alloc := trunk.New([]string{dir}, 2)
	log, err := binlog.Open(filepath.Join(dir, "binlog"))
	if err != nil {
		t.Fatalf("binlog.Open: %v", err)
	}
	t.Cleanup(func() { alloc.Close(); log.Close() })

	return New("dg-0", idx, alloc, log, nil)
}

func dialNode(t *testing.T, n *Node) (net.Conn, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	go n.Serve(ctx, addr)
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}

	return conn, func() {
		conn.Close()
		cancel()
	}
}

func sendCommand(t *testing.T, conn net.Conn, cmd protocol.Command, body []byte) (int32, []byte) {
	t.Helper()
	reqID := uuid.New()

	header := protocol.FSProtoHeader{Cmd: cmd, BodyLen: uint32(len(body)), ReqID: reqID}
	if err := protocol.WriteHeader(conn, header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}

	resp, err := protocol.ReadHeader(conn)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	respBody := make([]byte, resp.BodyLen)
	if resp.BodyLen > 0 {
		if _, err := readFull(conn, respBody); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return resp.Status, respBody
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	node := newTestNode(t)
	conn, closeAll := dialNode(t, node)
	defer closeAll()

	writeBody, err := protocol.EncodeBody(protocol.SliceWriteBody{
		OID: 1, BOff: 0, SOff: 0, SLen: 4, Data: []byte("abcd"),
	})
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}

	status, _ := sendCommand(t, conn, protocol.CmdSliceWrite, writeBody)
	if status != 0 {
		t.Fatalf("write status = %d, want 0", status)
	}

	readBody, err := protocol.EncodeBody(protocol.SliceReadBody{OID: 1, BOff: 0, SOff: 0, SLen: 4})
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}

	status, respBody := sendCommand(t, conn, protocol.CmdSliceRead, readBody)
	if status != 0 {
		t.Fatalf("read status = %d, want 0", status)
	}
	if string(respBody) != "abcd" {
		t.Fatalf("read body = %q, want %q", respBody, "abcd")
	}
}

func TestStatReportsSliceCount(t *testing.T) {
	node := newTestNode(t)
	conn, closeAll := dialNode(t, node)
	defer closeAll()

	writeBody, _ := protocol.EncodeBody(protocol.SliceWriteBody{OID: 2, BOff: 0, SOff: 0, SLen: 3, Data: []byte("xyz")})
	if status, _ := sendCommand(t, conn, protocol.CmdSliceWrite, writeBody); status != 0 {
		t.Fatalf("write status = %d, want 0", status)
	}

	statBody, _ := protocol.EncodeBody(protocol.StatBody{OID: 2, BOff: 0})
	status, respBody := sendCommand(t, conn, protocol.CmdStat, statBody)
	if status != 0 {
		t.Fatalf("stat status = %d, want 0", status)
	}

	var resp statResponse
	if err := protocol.DecodeBody(respBody, &resp); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if resp.SliceCount != 1 {
		t.Fatalf("SliceCount = %d, want 1", resp.SliceCount)
	}
}

func TestReadMissingBlockReturnsZeroFilledHole(t *testing.T) {
	node := newTestNode(t)
	conn, closeAll := dialNode(t, node)
	defer closeAll()

	readBody, _ := protocol.EncodeBody(protocol.SliceReadBody{OID: 99, BOff: 0, SOff: 0, SLen: 4})
	status, respBody := sendCommand(t, conn, protocol.CmdSliceRead, readBody)
	if status != 0 {
		t.Fatalf("read status = %d, want 0 (a hole reads as zeros, not an error)", status)
	}
	want := []byte{0, 0, 0, 0}
	if string(respBody) != string(want) {
		t.Fatalf("read body = %v, want %v", respBody, want)
	}
}

func TestApplyAddThenLocalReadSeesSlice(t *testing.T) {
	node := newTestNode(t)

	key := cmn.SliceKey{
		Block: cmn.BlockKey{OID: 7, Offset: 0},
		Range: cmn.SliceRange{Offset: 0, Length: 4},
	}
	spaces, err := node.alloc.Alloc(key.Block, 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	space := spaces[0]
	if err := node.alloc.WriteAt(space, []byte("ok!!")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := node.ApplyAdd(key, int32(index.SliceKindFile), space); err != nil {
		t.Fatalf("ApplyAdd: %v", err)
	}

	views, err := node.idx.GetSlices(key)
	if err != nil {
		t.Fatalf("GetSlices: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
}
