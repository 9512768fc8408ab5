// Package server implements the per-data-group storage server process:
// the client-facing TCP listener that serves slice write/read/stat
// requests against the Object/Block Index, Trunk Allocator and Slice
// Binlog, and (on a master) fans each mutation out through a
// replication.Lane before acking the client.
//
// Grounded on pkg/adapter/nfs/nfs_adapter.go's Serve/accept-loop/Stop
// shape — listener stored under a mutex, a goroutine watching ctx.Done
// to trigger shutdown, per-connection goroutines with panic recovery,
// sync.Once-guarded shutdown — adapted from NFS RPC dispatch to the
// fixed FSProtoHeader command dispatch spec.md §6 describes.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/marmos91/blockgrid/internal/logger"
	"github.com/marmos91/blockgrid/internal/protocol"
	"github.com/marmos91/blockgrid/pkg/binlog"
	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/index"
	"github.com/marmos91/blockgrid/pkg/metrics"
	"github.com/marmos91/blockgrid/pkg/replication"
	"github.com/marmos91/blockgrid/pkg/trunk"
)

// Node runs one data group's storage server against a single
// index/allocator/binlog triple. The same Node type serves both roles:
// a master installs a replication.Lane via SetLane so writes fan out to
// slaves before acking; a slave leaves the lane nil and instead
// receives mutations through the replication.Applier methods below,
// invoked by a replication.RegisterService'd grpc.Server.
type Node struct {
	dataGroup string
	idx       *index.Index
	alloc     *trunk.Allocator
	log       *binlog.Binlog
	metrics   *metrics.Metrics

	laneMu sync.RWMutex
	lane   *replication.Lane

	listenerMu sync.Mutex
	listener   net.Listener

	shutdownOnce sync.Once
	shutdown     chan struct{}
	activeConns  sync.WaitGroup
}

// New creates a Node over an already-open index/allocator/binlog. m
// may be nil, per pkg/metrics's nil-receiver convention.
func New(dataGroup string, idx *index.Index, alloc *trunk.Allocator, log *binlog.Binlog, m *metrics.Metrics) *Node {
	return &Node{
		dataGroup: dataGroup,
		idx:       idx,
		alloc:     alloc,
		log:       log,
		metrics:   m,
		shutdown:  make(chan struct{}),
	}
}

// SetLane installs the replication lane a master fans mutations out
// through. A nil lane (the default) serves client requests without
// replicating them, the correct behavior for a slave or a
// single-node/no-slaves deployment.
func (n *Node) SetLane(lane *replication.Lane) {
	n.laneMu.Lock()
	defer n.laneMu.Unlock()
	n.lane = lane
}

func (n *Node) currentLane() *replication.Lane {
	n.laneMu.RLock()
	defer n.laneMu.RUnlock()
	return n.lane
}

// Serve accepts client connections on addr until ctx is cancelled or
// Stop is called, dispatching each to serveConn in its own goroutine.
func (n *Node) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return cmn.Wrap("server.listen", cmn.KindIO, err)
	}
	n.listenerMu.Lock()
	n.listener = listener
	n.listenerMu.Unlock()

	logger.Info("node: listening", logger.DataGroup(n.dataGroup), logger.ClientIP(addr))

	go func() {
		<-ctx.Done()
		n.initiateShutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-n.shutdown:
				n.activeConns.Wait()
				return nil
			default:
				logger.Debug("node: accept error", logger.DataGroup(n.dataGroup), logger.Err(err))
				continue
			}
		}

		n.activeConns.Add(1)
		go func() {
			defer n.activeConns.Done()
			n.serveConn(ctx, conn)
		}()
	}
}

func (n *Node) initiateShutdown() {
	n.shutdownOnce.Do(func() {
		close(n.shutdown)
		n.listenerMu.Lock()
		if n.listener != nil {
			n.listener.Close()
		}
		n.listenerMu.Unlock()
	})
}

// Stop closes the listener and waits, bounded by ctx, for in-flight
// connections to drain.
func (n *Node) Stop(ctx context.Context) error {
	n.initiateShutdown()

	done := make(chan struct{})
	go func() {
		n.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return cmn.Wrap("server.stop", cmn.KindCancelled, ctx.Err())
	}
}

// serveConn reads and dispatches FSProtoHeader-framed requests off
// conn until the client disconnects, ctx is cancelled, or a panic in a
// handler is recovered — any of which close the connection without
// taking the rest of the server down.
func (n *Node) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("node: connection handler panic",
				logger.DataGroup(n.dataGroup), logger.ClientIP(conn.RemoteAddr().String()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		header, err := protocol.ReadHeader(conn)
		if err != nil {
			return
		}

		body := make([]byte, header.BodyLen)
		if header.BodyLen > 0 {
			if _, err := readFull(conn, body); err != nil {
				return
			}
		}

		status, respBody := n.dispatch(ctx, header, body)

		resp := protocol.FSProtoHeader{
			Cmd:     header.Cmd,
			Status:  status,
			BodyLen: uint32(len(respBody)),
			ReqID:   header.ReqID,
		}
		if err := protocol.WriteHeader(conn, resp); err != nil {
			return
		}
		if len(respBody) > 0 {
			if _, err := conn.Write(respBody); err != nil {
				return
			}
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (n *Node) dispatch(ctx context.Context, header protocol.FSProtoHeader, body []byte) (int32, []byte) {
	switch header.Cmd {
	case protocol.CmdSliceWrite:
		return n.handleSliceWrite(ctx, body)
	case protocol.CmdSliceRead:
		return n.handleSliceRead(body)
	case protocol.CmdStat:
		return n.handleStat(body)
	default:
		return int32(cmn.KindProtocol), nil
	}
}
