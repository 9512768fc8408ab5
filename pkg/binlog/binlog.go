// Package binlog implements the Slice Binlog: a crash-recoverable,
// append-only text log of every add_slice/delete_slices/delete_block
// mutation, used to rebuild the Object/Block Index after a restart.
//
// Grounded on pkg/wal/persister.go's Persister interface shape
// (Append*/Sync/Recover/Close/IsEnabled) and on pkg/wal/mmap.go's
// write-then-durable-flush-before-ack ordering, adapted from a binary
// mmap'd log to the literal text-record format spec.md calls for.
package binlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/blockgrid/internal/logger"
	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/index"
	"github.com/marmos91/blockgrid/pkg/trunk"
)

// Record op codes, written as the second field of every line.
const (
	opAdd         = "a"
	opDeleteRange = "d"
	opDeleteBlock = "D"
	opNoop        = "n"
)

// Binlog is the append-only mutation log. Writes are serialized by mu
// and each is followed by an Fdatasync before the call returns, so a
// caller's ack to its own client never precedes durability.
type Binlog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	ts   uint64
}

// Open opens (creating if needed) the binlog file at path for
// appending.
func Open(path string) (*Binlog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open binlog: %w", err)
	}
	return &Binlog{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (b *Binlog) nextTS() uint64 {
	b.ts++
	return b.ts
}

// AppendAdd records an add_slice/add_slice_by_binlog mutation.
func (b *Binlog) AppendAdd(key cmn.SliceKey, kind index.SliceKind, space cmn.TrunkSpaceInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := fmt.Sprintf("%d %s %d %d %d %d %d %d %d %d %d\n",
		b.nextTS(), opAdd,
		key.Block.OID, key.Block.Offset,
		key.Range.Offset, key.Range.Length,
		int(kind),
		space.StorePathIndex, space.ID.ID, space.Offset, space.Size)

	return b.writeAndSync(line)
}

// AppendDeleteRange records a delete_slices mutation.
func (b *Binlog) AppendDeleteRange(key cmn.SliceKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := fmt.Sprintf("%d %s %d %d %d %d\n",
		b.nextTS(), opDeleteRange,
		key.Block.OID, key.Block.Offset, key.Range.Offset, key.Range.Length)

	return b.writeAndSync(line)
}

// AppendDeleteBlock records a delete_block mutation.
func (b *Binlog) AppendDeleteBlock(key cmn.BlockKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	line := fmt.Sprintf("%d %s %d %d\n", b.nextTS(), opDeleteBlock, key.OID, key.Offset)

	return b.writeAndSync(line)
}

// AppendRaw appends an already-formatted record line verbatim,
// preserving its original timestamp, and advances the log's
// high-water mark if that timestamp is newer. Used when replaying
// records fetched from another node's binlog during recovery, so the
// local binlog ends up byte-for-byte consistent with what was
// actually applied rather than re-timestamped as if newly written
// here.
func (b *Binlog) AppendRaw(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fields := strings.Fields(line)
	if len(fields) > 0 {
		if ts, err := strconv.ParseUint(fields[0], 10, 64); err == nil && ts > b.ts {
			b.ts = ts
		}
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	return b.writeAndSync(line)
}

// AppendNoop records a zero-op padding entry whose only purpose is to
// advance the binlog's timestamp high-water mark to ts — used to mark
// a fetched data_version that had no mutation of its own (the last
// record a recovery fetch saw) so a later Tail resumes from exactly
// that version.
func (b *Binlog) AppendNoop(ts uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ts > b.ts {
		b.ts = ts
	}
	return b.writeAndSync(fmt.Sprintf("%d %s\n", ts, opNoop))
}

// Sync flushes any buffered bytes and Fdatasyncs the log file. Every
// Append* call already does this before returning; Sync makes the same
// guarantee available at the end of a batch such as a recovery replay.
func (b *Binlog) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.w.Flush(); err != nil {
		return cmn.Wrap("binlog.sync", cmn.KindIO, err)
	}
	if err := unix.Fdatasync(int(b.f.Fd())); err != nil {
		return cmn.Wrap("binlog.sync", cmn.KindIO, err)
	}
	return nil
}

func (b *Binlog) writeAndSync(line string) error {
	if _, err := b.w.WriteString(line); err != nil {
		return cmn.Wrap("binlog.append", cmn.KindIO, err)
	}
	if err := b.w.Flush(); err != nil {
		return cmn.Wrap("binlog.append", cmn.KindIO, err)
	}
	if err := unix.Fdatasync(int(b.f.Fd())); err != nil {
		return cmn.Wrap("binlog.append", cmn.KindIO, err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (b *Binlog) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.w.Flush(); err != nil {
		return err
	}
	return b.f.Close()
}

// Load replays every record into idx and alloc, in file order, and
// leaves the Binlog ready to append new records starting from the
// highest timestamp seen (so replayed and newly-appended records never
// collide).
func Load(path string, idx *index.Index, alloc *trunk.Allocator) (*Binlog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open binlog: %w", err)
	}

	b := &Binlog{path: path, f: f, w: bufio.NewWriter(f)}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		ts, err := parseLine(line, idx, alloc)
		if err != nil {
			logger.Warn("binlog: skipping malformed record", logger.ErrorCode(fmt.Sprintf("line %d", lineNo)), logger.Err(err))
			continue
		}
		if ts > b.ts {
			b.ts = ts
		}
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("scan binlog: %w", err)
	}

	// Seek back to append-mode cursor; O_APPEND means subsequent writes
	// still land at EOF regardless of this, but keeping the read cursor
	// separate from the write cursor avoids confusing re-reads by
	// anything that later calls Read on the same *os.File.
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek binlog: %w", err)
	}

	return b, nil
}

// ParseLineFor decodes one binlog-format record and applies it to idx
// and alloc. Exported so pkg/recovery can replay deduped records
// fetched from a master without duplicating the record grammar.
func ParseLineFor(line string, idx *index.Index, alloc *trunk.Allocator) (uint64, error) {
	return parseLine(line, idx, alloc)
}

// Tail returns every record appended after sinceTS, in file order,
// plus the highest timestamp seen across the whole log, so a slave's
// recovery fetch can resume exactly where its last fetch left off. b's
// buffered writer is flushed first so a tail taken immediately after a
// local write sees it.
func (b *Binlog) Tail(sinceTS uint64) ([]string, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.w.Flush(); err != nil {
		return nil, 0, fmt.Errorf("flush binlog: %w", err)
	}

	f, err := os.Open(b.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open binlog for tail: %w", err)
	}
	defer f.Close()

	var lines []string
	maxTS := sinceTS
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		ts, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		if ts > maxTS {
			maxTS = ts
		}
		if ts > sinceTS {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan binlog tail: %w", err)
	}
	return lines, maxTS, nil
}

// parseLine decodes one binlog record and applies it to idx, pulling
// the owning trunk's free_start/used bookkeeping in alloc forward to
// match (alloc may be nil, e.g. in tests that only care about index
// state). Returns the record's timestamp so the caller can track the
// log's high-water mark.
func parseLine(line string, idx *index.Index, alloc *trunk.Allocator) (uint64, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("binlog: short record %q", line)
	}

	ts, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("binlog: bad timestamp %q: %w", fields[0], err)
	}

	switch fields[1] {
	case opAdd:
		if len(fields) != 11 {
			return 0, fmt.Errorf("binlog: malformed add record %q", line)
		}
		oid, err1 := strconv.ParseUint(fields[2], 10, 64)
		boff, err2 := strconv.ParseUint(fields[3], 10, 64)
		soff, err3 := strconv.ParseUint(fields[4], 10, 32)
		slen, err4 := strconv.ParseUint(fields[5], 10, 32)
		kind, err5 := strconv.ParseInt(fields[6], 10, 32)
		storePathIdx, err6 := strconv.ParseInt(fields[7], 10, 32)
		trunkID, err7 := strconv.ParseUint(fields[8], 10, 64)
		spaceOff, err8 := strconv.ParseUint(fields[9], 10, 64)
		spaceSize, err9 := strconv.ParseUint(fields[10], 10, 64)
		if err := firstErr(err1, err2, err3, err4, err5, err6, err7, err8, err9); err != nil {
			return 0, fmt.Errorf("binlog: bad add record %q: %w", line, err)
		}

		key := cmn.SliceKey{
			Block: cmn.BlockKey{OID: oid, Offset: boff},
			Range: cmn.SliceRange{Offset: uint32(soff), Length: uint32(slen)},
		}
		space := cmn.TrunkSpaceInfo{
			StorePathIndex: int(storePathIdx),
			ID:             cmn.TrunkIDInfo{ID: trunkID},
			Offset:         spaceOff,
			Size:           spaceSize,
		}
		if err := idx.AddSliceByBinlog(key, index.SliceKind(kind), space); err != nil {
			return 0, err
		}
		if alloc != nil {
			if err := alloc.ReplayAdd(space); err != nil {
				return 0, err
			}
		}

	case opDeleteRange:
		if len(fields) != 6 {
			return 0, fmt.Errorf("binlog: malformed delete record %q", line)
		}
		oid, err1 := strconv.ParseUint(fields[2], 10, 64)
		boff, err2 := strconv.ParseUint(fields[3], 10, 64)
		soff, err3 := strconv.ParseUint(fields[4], 10, 32)
		slen, err4 := strconv.ParseUint(fields[5], 10, 32)
		if err := firstErr(err1, err2, err3, err4); err != nil {
			return 0, fmt.Errorf("binlog: bad delete record %q: %w", line, err)
		}
		key := cmn.SliceKey{
			Block: cmn.BlockKey{OID: oid, Offset: boff},
			Range: cmn.SliceRange{Offset: uint32(soff), Length: uint32(slen)},
		}
		result, err := idx.DeleteSlices(key)
		if err != nil {
			if cmn.KindOf(err) != cmn.KindNotFound {
				return 0, err
			}
		} else if alloc != nil {
			for _, released := range result.Released {
				alloc.Free(key.Block, released, false)
			}
		}

	case opDeleteBlock:
		if len(fields) != 4 {
			return 0, fmt.Errorf("binlog: malformed delete-block record %q", line)
		}
		oid, err1 := strconv.ParseUint(fields[2], 10, 64)
		boff, err2 := strconv.ParseUint(fields[3], 10, 64)
		if err := firstErr(err1, err2); err != nil {
			return 0, fmt.Errorf("binlog: bad delete-block record %q: %w", line, err)
		}
		key := cmn.BlockKey{OID: oid, Offset: boff}
		result, err := idx.DeleteBlock(key)
		if err != nil {
			if cmn.KindOf(err) != cmn.KindNotFound {
				return 0, err
			}
		} else if alloc != nil {
			for _, released := range result.Released {
				alloc.Free(key, released, false)
			}
		}

	case opNoop:
		// Padding record: no index or trunk state to apply, only the
		// timestamp high-water mark above matters.

	default:
		return 0, fmt.Errorf("binlog: unknown op %q", fields[1])
	}

	return ts, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
