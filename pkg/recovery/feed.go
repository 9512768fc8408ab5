package recovery

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"

	"github.com/marmos91/blockgrid/pkg/binlog"
	"github.com/marmos91/blockgrid/pkg/replication"
)

// recordKeyForLine derives the dedup key for one raw binlog line
// without replaying it, mirroring the field layout binlog.go's
// AppendAdd/AppendDeleteRange/AppendDeleteBlock write: field[0] is the
// timestamp, field[1] the op code ("a"/"d"/"D"), and the following
// oid/boff(/soff) fields address the mutation.
func recordKeyForLine(line string) (key string, isDelete bool, err error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return "", false, fmt.Errorf("recovery: short binlog line %q", line)
	}

	switch fields[1] {
	case "a":
		if len(fields) != 11 {
			return "", false, fmt.Errorf("recovery: malformed add line %q", line)
		}
		return fields[2] + ":" + fields[3] + ":" + fields[4], false, nil
	case "d":
		if len(fields) != 6 {
			return "", false, fmt.Errorf("recovery: malformed delete-range line %q", line)
		}
		return fields[2] + ":" + fields[3] + ":" + fields[4], true, nil
	case "D":
		if len(fields) != 4 {
			return "", false, fmt.Errorf("recovery: malformed delete-block line %q", line)
		}
		return fields[2] + ":" + fields[3], true, nil
	default:
		return "", false, fmt.Errorf("recovery: unknown op %q in line %q", fields[1], line)
	}
}

// recordsFromLines converts raw binlog lines into Records, silently
// skipping any line that fails to parse (noop padding records included)
// rather than aborting the whole fetch. Skipped lines are not counted
// anywhere in Stats.
func recordsFromLines(lines []string) []Record {
	out := make([]Record, 0, len(lines))
	for _, line := range lines {
		key, isDelete, err := recordKeyForLine(line)
		if err != nil {
			continue
		}
		out = append(out, Record{Line: line, Key: key, IsDelete: isDelete})
	}
	return out
}

// BinlogFeed implements MasterFeed directly over a local binlog, for a
// master serving its own tail to a rejoining slave in the same
// process (and for tests). Production slave-to-master wiring instead
// uses GRPCMasterFeed below, dialed against the master's recovery
// service.
type BinlogFeed struct {
	Log *binlog.Binlog
}

func (f *BinlogFeed) FetchSince(_ context.Context, dataVersion uint64) ([]Record, uint64, error) {
	lines, newVersion, err := f.Log.Tail(dataVersion)
	if err != nil {
		return nil, 0, err
	}
	return recordsFromLines(lines), newVersion, nil
}

const methodFetchSince = "/blockgrid.Recovery/FetchSince"

// fetchSinceRequest/fetchSinceResponse are the wire shapes for the raw
// Invoke call below, carried over the same xdrCodec
// pkg/replication/codec.go registers rather than a second wire format.
type fetchSinceRequest struct {
	DataVersion uint64
}

type fetchSinceResponse struct {
	Lines       []string
	DataVersion uint64
}

// GRPCMasterFeed implements MasterFeed over a grpc connection to a
// master's recovery service.
type GRPCMasterFeed struct {
	Conn *grpc.ClientConn
}

func (f *GRPCMasterFeed) FetchSince(ctx context.Context, dataVersion uint64) ([]Record, uint64, error) {
	req := fetchSinceRequest{DataVersion: dataVersion}
	resp := fetchSinceResponse{}
	if err := f.Conn.Invoke(ctx, methodFetchSince, &req, &resp, grpc.CallContentSubtype(replication.CodecName)); err != nil {
		return nil, 0, err
	}
	return recordsFromLines(resp.Lines), resp.DataVersion, nil
}

// RegisterService registers the recovery service on srv, serving
// fetches directly from log. A master calls this once against the
// grpc.Server it exposes to its slaves, alongside
// replication.RegisterService.
func RegisterService(srv *grpc.Server, log *binlog.Binlog) {
	srv.RegisterService(&serviceDesc, &recoveryServer{feed: &BinlogFeed{Log: log}})
}

type recoveryServer struct {
	feed MasterFeed
}

// serviceDesc hand-describes the single FetchSince method
// GRPCMasterFeed invokes by fixed name, mirroring
// pkg/replication/service.go's HandlerType: (*any)(nil) trick so no
// generated protobuf stub is needed for this service either.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "blockgrid.Recovery",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchSince", Handler: fetchSinceHandler},
	},
	Metadata: "pkg/recovery/feed.go",
}

func fetchSinceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(fetchSinceRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*recoveryServer)
	if interceptor == nil {
		return s.handleFetchSince(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFetchSince}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.handleFetchSince(ctx, req.(*fetchSinceRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func (s *recoveryServer) handleFetchSince(ctx context.Context, req *fetchSinceRequest) (any, error) {
	records, newVersion, err := s.feed.FetchSince(ctx, req.DataVersion)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(records))
	for i, r := range records {
		lines[i] = r.Line
	}
	return &fetchSinceResponse{Lines: lines, DataVersion: newVersion}, nil
}
