package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for storage-server operations.
const (
	// Client attributes
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// Command / routing attributes
	AttrCommand   = "blockgrid.command" // slice-write, slice-read, ...
	AttrDataGroup = "blockgrid.data_group"
	AttrServerID  = "blockgrid.server_id"
	AttrReqID     = "blockgrid.req_id"
	AttrStatus    = "blockgrid.status"
	AttrStatusMsg = "blockgrid.status_msg"

	// Block/slice addressing
	AttrOID         = "blockgrid.oid"
	AttrBlockOffset = "blockgrid.block_offset"
	AttrSliceOffset = "blockgrid.slice_offset"
	AttrSliceLength = "blockgrid.slice_length"
	AttrDataVersion = "blockgrid.data_version"
	AttrBytesRead   = "blockgrid.bytes_read"
	AttrBytesWrite  = "blockgrid.bytes_written"

	// Trunk attributes
	AttrTrunkID   = "blockgrid.trunk_id"
	AttrStorePath = "blockgrid.store_path"

	// Replication attributes
	AttrRefferCount = "blockgrid.reffer_count"
	AttrQueueDepth  = "blockgrid.queue_depth"

	// Recovery attributes
	AttrStage = "blockgrid.stage"

	// Storage backend attributes (cold-reclaim)
	AttrBucket = "storage.bucket"
	AttrKey    = "storage.key"
	AttrRegion = "storage.region"
)

// Span names for operations.
const (
	SpanSliceWrite     = "client.slice_write"
	SpanSliceRead      = "client.slice_read"
	SpanClusterStat    = "client.cluster_stat"
	SpanIndexAddSlice  = "index.add_slice"
	SpanIndexDelSlices = "index.delete_slices"
	SpanIndexDelBlock  = "index.delete_block"
	SpanIndexGetSlices = "index.get_slices"
	SpanTrunkAlloc     = "trunk.alloc"
	SpanTrunkReclaim   = "trunk.reclaim"
	SpanBinlogAppend   = "binlog.append"
	SpanBinlogLoad     = "binlog.load"
	SpanReplicaPush    = "replication.push_to_slave_queues"
	SpanReplicaAck     = "replication.ack"
	SpanRecoveryFetch  = "recovery.fetch"
	SpanRecoveryDedup  = "recovery.dedup"
	SpanRecoveryReplay = "recovery.replay"
)

func ClientIP(ip string) attribute.KeyValue     { return attribute.String(AttrClientIP, ip) }
func ClientAddr(addr string) attribute.KeyValue { return attribute.String(AttrClientAddr, addr) }

func Command(cmd string) attribute.KeyValue     { return attribute.String(AttrCommand, cmd) }
func DataGroup(id string) attribute.KeyValue    { return attribute.String(AttrDataGroup, id) }
func ServerID(id string) attribute.KeyValue     { return attribute.String(AttrServerID, id) }
func ReqID(id uint64) attribute.KeyValue        { return attribute.Int64(AttrReqID, int64(id)) }
func Status(status int) attribute.KeyValue      { return attribute.Int(AttrStatus, status) }
func StatusMsg(msg string) attribute.KeyValue   { return attribute.String(AttrStatusMsg, msg) }

func OID(oid uint64) attribute.KeyValue          { return attribute.Int64(AttrOID, int64(oid)) }
func BlockOffset(off uint64) attribute.KeyValue  { return attribute.Int64(AttrBlockOffset, int64(off)) }
func SliceOffset(off uint32) attribute.KeyValue  { return attribute.Int64(AttrSliceOffset, int64(off)) }
func SliceLength(n uint32) attribute.KeyValue    { return attribute.Int64(AttrSliceLength, int64(n)) }
func DataVersion(v uint64) attribute.KeyValue    { return attribute.Int64(AttrDataVersion, int64(v)) }
func BytesRead(n int) attribute.KeyValue         { return attribute.Int64(AttrBytesRead, int64(n)) }
func BytesWritten(n int) attribute.KeyValue      { return attribute.Int64(AttrBytesWrite, int64(n)) }

func TrunkID(id uint64) attribute.KeyValue  { return attribute.Int64(AttrTrunkID, int64(id)) }
func StorePath(p string) attribute.KeyValue { return attribute.String(AttrStorePath, p) }

func RefferCount(n int32) attribute.KeyValue { return attribute.Int64(AttrRefferCount, int64(n)) }
func QueueDepth(n int) attribute.KeyValue    { return attribute.Int(AttrQueueDepth, n) }

func Stage(s string) attribute.KeyValue { return attribute.String(AttrStage, s) }

func Bucket(name string) attribute.KeyValue { return attribute.String(AttrBucket, name) }
func StorageKey(key string) attribute.KeyValue { return attribute.String(AttrKey, key) }
func Region(region string) attribute.KeyValue  { return attribute.String(AttrRegion, region) }

// ReqIDHex formats a byte-slice handle as a hex attribute (req handles
// that arrive off the wire as opaque bytes rather than uint64).
func ReqIDHex(handle []byte) attribute.KeyValue {
	return attribute.String(AttrReqID, fmt.Sprintf("%x", handle))
}

// StartCommandSpan starts a span for one client wire command.
func StartCommandSpan(ctx context.Context, command string, reqID uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Command(command), ReqID(reqID)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, command, trace.WithAttributes(allAttrs...))
}

// StartReplicationSpan starts a span for one fan-out to a data group's slaves.
func StartReplicationSpan(ctx context.Context, group string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{DataGroup(group)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, SpanReplicaPush, trace.WithAttributes(allAttrs...))
}

// StartRecoveryStageSpan starts a span for one data-recovery stage transition.
func StartRecoveryStageSpan(ctx context.Context, stage, group string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Stage(stage), DataGroup(group)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "recovery."+stage, trace.WithAttributes(allAttrs...))
}
