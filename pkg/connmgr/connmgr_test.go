package connmgr

import (
	"context"
	"net"
	"testing"
	"time"
)

func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	return ln.Addr().String()
}

func TestGetDialsThenPutReuses(t *testing.T) {
	addr := startEchoListener(t)
	m := NewTCPManager(time.Second, 4)
	defer m.Close()

	conn, err := m.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	m.Put(addr, conn)

	p := m.poolFor(addr)
	if len(p.idle) != 1 {
		t.Fatalf("idle pool size = %d, want 1 after Put", len(p.idle))
	}

	got, err := m.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("Get (reuse): %v", err)
	}
	if got != conn {
		t.Fatalf("expected Get to return the pooled connection")
	}
}

func TestPutRespectsMaxIdle(t *testing.T) {
	addr := startEchoListener(t)
	m := NewTCPManager(time.Second, 1)
	defer m.Close()

	c1, _ := m.Get(context.Background(), addr)
	c2, _ := m.Get(context.Background(), addr)

	m.Put(addr, c1)
	m.Put(addr, c2)

	p := m.poolFor(addr)
	if len(p.idle) != 1 {
		t.Fatalf("idle pool size = %d, want 1 (capped by maxIdle)", len(p.idle))
	}
}

func TestCloseClosesAllIdleConnections(t *testing.T) {
	addr := startEchoListener(t)
	m := NewTCPManager(time.Second, 4)

	conn, _ := m.Get(context.Background(), addr)
	m.Put(addr, conn)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A closed connection should error on further writes.
	if _, err := conn.Write([]byte("x")); err == nil {
		t.Fatal("expected write to closed connection to fail")
	}
}
