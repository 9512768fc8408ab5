package replication

import (
	"context"

	"google.golang.org/grpc"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

// Applier is the narrow surface a slave's replication service needs
// from local storage to apply an incoming mutation. pkg/server's Node
// implements this directly against its index/trunk/binlog.
type Applier interface {
	ApplyAdd(key cmn.SliceKey, kind int32, space cmn.TrunkSpaceInfo) error
	ApplyDeleteRange(key cmn.SliceKey) error
	ApplyDeleteBlock(key cmn.BlockKey) error
}

// RegisterService registers the replication service on srv, applying
// every incoming mutation via applier. A slave calls this once against
// the grpc.Server it exposes to its master.
func RegisterService(srv *grpc.Server, applier Applier) {
	srv.RegisterService(&serviceDesc, &replicationServer{applier: applier})
}

type replicationServer struct {
	applier Applier
}

// serviceDesc hand-describes the same three methods grpcSlaveClient
// invokes by fixed name, since this module carries no generated
// protobuf stub. HandlerType is the empty interface so
// grpc.Server.RegisterService's implements-check always succeeds.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "blockgrid.Replication",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Add", Handler: addHandler},
		{MethodName: "DeleteRange", Handler: deleteRangeHandler},
		{MethodName: "DeleteBlock", Handler: deleteBlockHandler},
	},
	Metadata: "pkg/replication/service.go",
}

func addHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(addReplicaRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*replicationServer)
	if interceptor == nil {
		return s.handleAdd(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReplicateAdd}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.handleAdd(ctx, req.(*addReplicaRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func deleteRangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(deleteRangeRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*replicationServer)
	if interceptor == nil {
		return s.handleDeleteRange(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReplicateDeleteRange}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.handleDeleteRange(ctx, req.(*deleteRangeRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func deleteBlockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(deleteBlockRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*replicationServer)
	if interceptor == nil {
		return s.handleDeleteBlock(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReplicateDeleteBlock}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.handleDeleteBlock(ctx, req.(*deleteBlockRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func (s *replicationServer) handleAdd(_ context.Context, req *addReplicaRequest) (any, error) {
	if err := s.applier.ApplyAdd(req.Key, req.Kind, req.Space); err != nil {
		return nil, err
	}
	return &replicaAck{OK: true}, nil
}

func (s *replicationServer) handleDeleteRange(_ context.Context, req *deleteRangeRequest) (any, error) {
	if err := s.applier.ApplyDeleteRange(req.Key); err != nil {
		return nil, err
	}
	return &replicaAck{OK: true}, nil
}

func (s *replicationServer) handleDeleteBlock(_ context.Context, req *deleteBlockRequest) (any, error) {
	if err := s.applier.ApplyDeleteBlock(req.Key); err != nil {
		return nil, err
	}
	return &replicaAck{OK: true}, nil
}
