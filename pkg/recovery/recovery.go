// Package recovery implements Data Recovery: the staged process a
// server goes through to rejoin a data group after being offline,
// fetching the master's binlog tail, collapsing it to the last record
// per key, replaying it into the local index/trunk, and finally
// announcing itself active.
//
// Grounded on pkg/transfer/recovery.go's scan-with-stats shape
// (RecoveryStats, bounded-parallelism worker loop) and
// pkg/payload/offloader/wal_replay.go's replay-record-by-record idiom.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/marmos91/blockgrid/internal/logger"
	"github.com/marmos91/blockgrid/pkg/binlog"
	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/index"
	"github.com/marmos91/blockgrid/pkg/trunk"
)

// Stage is a step of the recovery state machine.
type Stage int

const (
	StageNone Stage = iota
	StageFetch
	StageDedup
	StageReplay
	StageActive
)

func (s Stage) String() string {
	switch s {
	case StageFetch:
		return "fetch"
	case StageDedup:
		return "dedup"
	case StageReplay:
		return "replay"
	case StageActive:
		return "active"
	default:
		return "none"
	}
}

// Stats mirrors the teacher's RecoveryStats shape, generalized from
// file/slice upload counts to binlog record counts.
type Stats struct {
	RecordsFetched  int
	RecordsDeduped  int
	RecordsReplayed int
	RecordsFailed   int
	DataVersion     uint64
}

// Record is one fetched binlog line paired with the key it mutates, so
// Dedup can apply last-writer-wins without re-parsing the line.
type Record struct {
	Line string
	Key  string // "oid:boff:soff" for add/delete-range, "oid:boff" for delete-block
	IsDelete bool
}

// MasterFeed is the narrow collaborator Recovery needs from the
// master connection: the ability to stream binlog records starting
// after a given data version. Production wiring wraps a grpc stream;
// tests supply a fake.
type MasterFeed interface {
	FetchSince(ctx context.Context, dataVersion uint64) ([]Record, uint64, error)
}

// Recovery drives one server's rejoin of its data group.
type Recovery struct {
	stageFile       string
	dataVersionFile string
	dedupDB         *badger.DB

	mu          sync.Mutex
	stage       Stage
	dataVersion uint64
}

// Open opens (or creates) the recovery state at dir: a stage file for
// resumability across restarts, the last data_version a completed
// recovery advanced to, and a badger-backed KV store that stages the
// fetched and the deduplicated record lists between stages.
func Open(dir string) (*Recovery, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir recovery dir: %w", err)
	}

	r := &Recovery{
		stageFile:       filepath.Join(dir, "stage"),
		dataVersionFile: filepath.Join(dir, "data_version"),
	}

	stage, err := r.loadStage()
	if err != nil {
		return nil, err
	}
	r.stage = stage

	dataVersion, err := r.loadDataVersion()
	if err != nil {
		return nil, err
	}
	r.dataVersion = dataVersion

	opts := badger.DefaultOptions(filepath.Join(dir, "dedup"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dedup store: %w", err)
	}
	r.dedupDB = db

	return r, nil
}

func (r *Recovery) Close() error {
	return r.dedupDB.Close()
}

func (r *Recovery) loadStage() (Stage, error) {
	data, err := os.ReadFile(r.stageFile)
	if os.IsNotExist(err) {
		return StageNone, nil
	}
	if err != nil {
		return StageNone, fmt.Errorf("read stage file: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return StageNone, fmt.Errorf("parse stage file: %w", err)
	}
	return Stage(n), nil
}

func (r *Recovery) saveStage(s Stage) error {
	return os.WriteFile(r.stageFile, []byte(strconv.Itoa(int(s))), 0o644)
}

func (r *Recovery) setStage(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.saveStage(s); err != nil {
		return err
	}
	r.stage = s
	logger.Info("recovery: stage advanced", logger.Stage(s.String()))
	return nil
}

// CurrentStage reports the stage recovery resumed from, so a caller
// can skip already-completed steps after a restart mid-recovery.
func (r *Recovery) CurrentStage() Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// CurrentDataVersion reports the data_version the last completed
// recovery run advanced to, so a caller can resume FetchSince from
// there instead of re-fetching the whole binlog after a restart.
func (r *Recovery) CurrentDataVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataVersion
}

func (r *Recovery) loadDataVersion() (uint64, error) {
	data, err := os.ReadFile(r.dataVersionFile)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read data_version file: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse data_version file: %w", err)
	}
	return v, nil
}

func (r *Recovery) saveDataVersion(v uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.WriteFile(r.dataVersionFile, []byte(strconv.FormatUint(v, 10)), 0o644); err != nil {
		return fmt.Errorf("write data_version file: %w", err)
	}
	r.dataVersion = v
	return nil
}

// Run drives the full FETCH -> DEDUP -> REPLAY -> ACTIVE pipeline,
// resuming from whatever stage CurrentStage reports. activeConfirm is
// called once REPLAY completes, before the stage is advanced to
// ACTIVE, so the caller can perform the active_confirm RPC to the
// master as part of the same transition.
func (r *Recovery) Run(ctx context.Context, feed MasterFeed, dataVersion uint64, idx *index.Index, alloc *trunk.Allocator, log *binlog.Binlog, activeConfirm func(newDataVersion uint64) error) (*Stats, error) {
	stats := &Stats{DataVersion: dataVersion}

	if r.CurrentStage() <= StageFetch {
		records, newVersion, err := feed.FetchSince(ctx, dataVersion)
		if err != nil {
			return stats, cmn.Wrap("recovery.fetch", cmn.KindRetriable, err)
		}
		stats.RecordsFetched = len(records)
		stats.DataVersion = newVersion

		if err := r.stashFetched(records); err != nil {
			return stats, err
		}
		if err := r.setStage(StageDedup); err != nil {
			return stats, err
		}
	}

	var deduped []Record
	if r.CurrentStage() <= StageDedup {
		fetched, err := r.loadFetched()
		if err != nil {
			return stats, err
		}
		deduped, err = r.dedup(fetched)
		if err != nil {
			return stats, err
		}
		stats.RecordsDeduped = len(deduped)
		if err := r.setStage(StageReplay); err != nil {
			return stats, err
		}
	}

	if r.CurrentStage() <= StageReplay {
		if deduped == nil {
			var err error
			deduped, err = r.loadDeduped()
			if err != nil {
				return stats, err
			}
		}

		for _, rec := range deduped {
			if ctx.Err() != nil {
				return stats, cmn.Wrap("recovery.replay", cmn.KindCancelled, ctx.Err())
			}
			// Apply to the local index + trunk allocator first, then
			// the local binlog: a crash between the two only costs a
			// replay of an already-dedupable record next time, never a
			// binlog entry for a mutation the index never saw.
			if _, err := binlog.ParseLineFor(rec.Line, idx, alloc); err != nil {
				stats.RecordsFailed++
				logger.Warn("recovery: replay record failed", logger.Err(err))
				continue
			}
			if err := log.AppendRaw(rec.Line); err != nil {
				return stats, cmn.Wrap("recovery.replay", cmn.KindIO, err)
			}
			stats.RecordsReplayed++
		}

		// A zero-op padding record marks the fetch's last data_version
		// even when it had no mutation of its own, so the next Tail
		// resumes from exactly where this recovery left off.
		if err := log.AppendNoop(stats.DataVersion); err != nil {
			return stats, cmn.Wrap("recovery.replay", cmn.KindIO, err)
		}
		if err := r.saveDataVersion(stats.DataVersion); err != nil {
			return stats, err
		}

		if err := log.Sync(); err != nil {
			return stats, cmn.Wrap("recovery.replay", cmn.KindIO, err)
		}
		if err := alloc.Sync(); err != nil {
			return stats, cmn.Wrap("recovery.replay", cmn.KindIO, err)
		}

		if activeConfirm != nil {
			if err := activeConfirm(stats.DataVersion); err != nil {
				return stats, cmn.Wrap("recovery.active_confirm", cmn.KindRetriable, err)
			}
		}

		if err := r.setStage(StageActive); err != nil {
			return stats, err
		}
	}

	logger.Info("recovery: complete",
		logger.DataVersion(stats.DataVersion),
		logger.Attempt(stats.RecordsReplayed))

	return stats, nil
}

// dedup applies last-writer-wins per (oid,boff,soff): later records in
// fetch order win, and a delete erases any prior add for the same key.
// Survivors keep the fetch order of their last occurrence, so a
// delete_block replays after every earlier record under that block and
// removes whatever those records installed.
func (r *Recovery) dedup(records []Record) ([]Record, error) {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		last[rec.Key] = i
	}

	out := make([]Record, 0, len(last))
	for i, rec := range records {
		if last[rec.Key] == i {
			out = append(out, rec)
		}
	}

	if err := r.saveDeduped(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Recovery) stashFetched(records []Record) error {
	return r.dedupDB.Update(func(txn *badger.Txn) error {
		for i, rec := range records {
			k := fmt.Sprintf("fetched:%08d", i)
			if err := txn.Set([]byte(k), []byte(rec.Line+"\x00"+rec.Key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Recovery) loadFetched() ([]Record, error) {
	var out []Record
	err := r.dedupDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("fetched:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				parts := strings.SplitN(string(val), "\x00", 2)
				if len(parts) != 2 {
					return fmt.Errorf("corrupt fetched record")
				}
				out = append(out, Record{Line: parts[0], Key: parts[1]})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (r *Recovery) saveDeduped(records []Record) error {
	return r.dedupDB.Update(func(txn *badger.Txn) error {
		for i, rec := range records {
			k := fmt.Sprintf("deduped:%08d", i)
			if err := txn.Set([]byte(k), []byte(rec.Line)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Recovery) loadDeduped() ([]Record, error) {
	var out []Record
	err := r.dedupDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("deduped:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				out = append(out, Record{Line: string(val)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
