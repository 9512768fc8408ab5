package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently
// across log statements so aggregation/querying stays uniform.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Command / routing
	KeyCommand   = "command"    // wire command: slice-write, slice-read, ...
	KeyDataGroup = "data_group" // data group id
	KeyServerID  = "server_id"  // data-group member server id
	KeyReqID     = "req_id"     // idempotency / correlation id
	KeyStatus    = "status"
	KeyStatusMsg = "status_msg"
	KeyHandle    = "handle"

	// Block/slice addressing
	KeyOID         = "oid"
	KeyBlockOffset = "block_offset"
	KeySliceOffset = "slice_offset"
	KeySliceLength = "slice_length"
	KeyDataVersion = "data_version"

	// Trunk / storage path
	KeyTrunkID    = "trunk_id"
	KeyStorePath  = "store_path"
	KeyTrunkUsed  = "trunk_used"
	KeyTrunkAvail = "trunk_avail"

	// I/O
	KeyBytesRead    = "bytes_read"
	KeyBytesWritten = "bytes_written"
	KeySize         = "size"

	// Client identification
	KeyClientIP   = "client_ip"
	KeyConnID     = "connection_id"
	KeyRequestID  = "request_id"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
	KeyAttempt    = "attempt"
	KeyMaxRetries = "max_retries"

	// Recovery / replication
	KeyStage       = "stage"
	KeyRefferCount = "reffer_count"
	KeyQueueDepth  = "queue_depth"

	// Storage backend (cold-reclaim / s3)
	KeyBucket    = "bucket"
	KeyKey       = "object_key"
	KeyRegion    = "region"
	KeyStoreType = "store_type"
)

func TraceID(id string) slog.Attr  { return slog.String(KeyTraceID, id) }
func SpanID(id string) slog.Attr   { return slog.String(KeySpanID, id) }
func Command(cmd string) slog.Attr { return slog.String(KeyCommand, cmd) }
func DataGroup(id string) slog.Attr {
	return slog.String(KeyDataGroup, id)
}
func ServerID(id string) slog.Attr { return slog.String(KeyServerID, id) }
func ReqID(id uint64) slog.Attr    { return slog.Uint64(KeyReqID, id) }
func Status(code int) slog.Attr    { return slog.Int(KeyStatus, code) }
func StatusMsg(msg string) slog.Attr {
	return slog.String(KeyStatusMsg, msg)
}

func OID(oid uint64) slog.Attr          { return slog.Uint64(KeyOID, oid) }
func BlockOffset(off uint64) slog.Attr  { return slog.Uint64(KeyBlockOffset, off) }
func SliceOffset(off uint32) slog.Attr  { return slog.Uint64(KeySliceOffset, uint64(off)) }
func SliceLength(n uint32) slog.Attr    { return slog.Uint64(KeySliceLength, uint64(n)) }
func DataVersion(v uint64) slog.Attr    { return slog.Uint64(KeyDataVersion, v) }

func TrunkID(id uint64) slog.Attr    { return slog.Uint64(KeyTrunkID, id) }
func StorePath(p string) slog.Attr   { return slog.String(KeyStorePath, p) }
func TrunkUsed(n uint64) slog.Attr   { return slog.Uint64(KeyTrunkUsed, n) }
func TrunkAvail(n uint64) slog.Attr  { return slog.Uint64(KeyTrunkAvail, n) }

func BytesRead(n int) slog.Attr    { return slog.Int(KeyBytesRead, n) }
func BytesWritten(n int) slog.Attr { return slog.Int(KeyBytesWritten, n) }
func Size(s uint64) slog.Attr      { return slog.Uint64(KeySize, s) }

func ClientIP(addr string) slog.Attr { return slog.String(KeyClientIP, addr) }
func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnID, id)
}
func RequestID(id uint32) slog.Attr { return slog.Any(KeyRequestID, id) }

func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

func ErrorCode(code string) slog.Attr { return slog.String(KeyErrorCode, code) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func MaxRetries(n int) slog.Attr      { return slog.Int(KeyMaxRetries, n) }

func Stage(s string) slog.Attr          { return slog.String(KeyStage, s) }
func RefferCount(n int32) slog.Attr     { return slog.Any(KeyRefferCount, n) }
func QueueDepth(n int) slog.Attr        { return slog.Int(KeyQueueDepth, n) }

func Bucket(name string) slog.Attr  { return slog.String(KeyBucket, name) }
func Key(k string) slog.Attr        { return slog.String(KeyKey, k) }
func Region(r string) slog.Attr     { return slog.String(KeyRegion, r) }
func StoreType(t string) slog.Attr  { return slog.String(KeyStoreType, t) }

// Handle returns a slog.Attr for an opaque binary handle formatted as hex.
func Handle(h []byte) slog.Attr {
	return slog.String(KeyHandle, fmt.Sprintf("%x", h))
}
