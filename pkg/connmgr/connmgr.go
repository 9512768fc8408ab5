// Package connmgr is the narrow boundary this server calls into for
// pooled outbound TCP connections to slaves and peer data groups.
// TCP-framing and connection-pool internals are out of scope (see
// SPEC_FULL.md's Non-goals); this package declares the Manager
// interface pkg/replication's grpc dial path and pkg/client's
// transport would use, plus a minimal per-address pool good enough
// for single-process use and tests.
//
// No single teacher file implements an outbound connection pool (the
// pack's NFSConnection/SMBConnection types in pkg/adapter own inbound,
// already-accepted connections instead); this pool follows the
// mutex-protected-map-of-slots idiom used throughout pkg/adapter for
// per-connection state (e.g. NFSConnection.writeMu) generalized to
// per-address pooling.
package connmgr

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

// Manager hands out and reclaims pooled connections to a fixed set of
// remote addresses.
type Manager interface {
	// Get returns a connection to addr, reusing a pooled one if
	// available or dialing a new one otherwise.
	Get(ctx context.Context, addr string) (net.Conn, error)

	// Put returns conn to the pool for addr. Put(addr, nil) is a no-op.
	// A caller that observed conn to be broken should call Discard
	// instead.
	Put(addr string, conn net.Conn)

	// Discard closes conn without returning it to the pool, used when
	// a caller has observed the connection to be broken.
	Discard(conn net.Conn)

	// Close closes every pooled connection.
	Close() error
}

type pool struct {
	mu      sync.Mutex
	idle    []net.Conn
	maxIdle int
}

// TCPManager is a minimal per-address connection pool over net.Dial.
type TCPManager struct {
	dialTimeout time.Duration
	maxIdle     int

	mu    sync.Mutex
	pools map[string]*pool
}

// NewTCPManager creates a TCPManager that dials with dialTimeout and
// keeps up to maxIdle idle connections per address.
func NewTCPManager(dialTimeout time.Duration, maxIdle int) *TCPManager {
	return &TCPManager{
		dialTimeout: dialTimeout,
		maxIdle:     maxIdle,
		pools:       make(map[string]*pool),
	}
}

func (m *TCPManager) poolFor(addr string) *pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[addr]
	if !ok {
		p = &pool{maxIdle: m.maxIdle}
		m.pools[addr] = p
	}
	return p
}

func (m *TCPManager) Get(ctx context.Context, addr string) (net.Conn, error) {
	p := m.poolFor(addr)

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	dialer := net.Dialer{Timeout: m.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, cmn.Wrap("connmgr.get", cmn.KindIO, err)
	}
	return conn, nil
}

func (m *TCPManager) Put(addr string, conn net.Conn) {
	if conn == nil {
		return
	}

	p := m.poolFor(addr)
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) >= p.maxIdle {
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
}

func (m *TCPManager) Discard(conn net.Conn) {
	if conn == nil {
		return
	}
	_ = conn.Close()
}

func (m *TCPManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, p := range m.pools {
		p.mu.Lock()
		for _, conn := range p.idle {
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		p.idle = nil
		p.mu.Unlock()
	}
	return firstErr
}
