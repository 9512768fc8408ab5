// Package trunk implements the Trunk Allocator: fixed-size backing files
// ("trunks") on a set of storage paths, carved into byte ranges handed
// out to the Object/Block Index as TrunkSpaceInfo.
//
// Grounded on pkg/wal/mmap.go's file-growth/header idiom (os.File +
// golang.org/x/sys/unix for durable preallocation) and on
// pkg/payload/gc/gc.go's scan-then-reclaim shape for the cold-reclaim
// scan.
package trunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/marmos91/blockgrid/internal/logger"
	"github.com/marmos91/blockgrid/pkg/cmn"
)

// TrunkFileSize is the fixed size of every trunk file, chosen so a
// single Fallocate call pre-commits the whole extent up front.
const TrunkFileSize = 1 << 30 // 1GiB

// trunkFile tracks one on-disk trunk and its in-memory usage counters.
// freeStart is the high-water mark of bytes ever carved out of the
// trunk (monotonically non-decreasing; AVAIL = TrunkFileSize -
// freeStart); used is the live total — the sum of the sizes of slices
// currently backed by this trunk, which can fall well behind
// freeStart once fragments are freed and not yet reused.
type trunkFile struct {
	id        cmn.TrunkIDInfo
	path      string
	file      *os.File
	freeStart atomic.Uint64
	used      atomic.Uint64
	status    atomic.Int32 // cmn.TrunkStatus
}

// FSTrunkFileInfo is the descriptor Snapshot reports for one trunk.
// Nothing in this module writes it to disk; a restart rebuilds the
// trunk table by replaying the binlog through ReplayAdd.
type FSTrunkFileInfo struct {
	ID        cmn.TrunkIDInfo
	Path      string
	Size      uint64
	FreeStart uint64
	Used      uint64
	Status    cmn.TrunkStatus
}

// Allocator owns every trunk across every configured storage path and
// hands out space via per-lane freelists, falling back to carving
// fresh space from a per-lane head trunk when no freed extent fits.
type Allocator struct {
	storePaths []string

	mu     sync.RWMutex
	trunks map[cmn.TrunkIDInfo]*trunkFile
	heads  []*trunkFile // current carve target per lane
	nextID atomic.Uint64

	lanes []*laneFreelist
}

// New creates an Allocator over the given storage paths with `lanes`
// independent writer lanes, each with its own normal/reclaim freelist
// and head trunk, so concurrent writers never contend on one trunk's
// carve cursor.
func New(storePaths []string, lanes int) *Allocator {
	if lanes < 1 {
		lanes = 1
	}
	a := &Allocator{
		storePaths: storePaths,
		trunks:     make(map[cmn.TrunkIDInfo]*trunkFile),
		heads:      make([]*trunkFile, lanes),
		lanes:      make([]*laneFreelist, lanes),
	}
	for i := range a.lanes {
		a.lanes[i] = newLaneFreelist(256)
	}
	return a
}

func (a *Allocator) laneIndex(key cmn.BlockKey) int {
	return int(key.HashCode() % uint64(len(a.lanes)))
}

func (a *Allocator) lane(key cmn.BlockKey) *laneFreelist {
	return a.lanes[a.laneIndex(key)]
}

// Alloc reserves `size` bytes (rounded up to cmn.MemAlignSize) for the
// given block, first trying the owning lane's freelist before falling
// back to carving fresh space from the lane's head trunk. A request
// that would cross a trunk boundary returns up to two spaces: the
// remainder of the exhausted head trunk, then the rest carved from a
// freshly allocated trunk.
func (a *Allocator) Alloc(key cmn.BlockKey, size uint64) ([]cmn.TrunkSpaceInfo, error) {
	size = cmn.MemAlign(size)
	laneIdx := a.laneIndex(key)
	lane := a.lanes[laneIdx]

	if space, ok := lane.take(size); ok {
		a.markUsed(space.ID, space.Size)
		return []cmn.TrunkSpaceInfo{space}, nil
	}

	return a.extend(laneIdx, size)
}

// Free returns space to its owning lane's freelist for reuse. The
// reclaim flag routes the space to the lane's reclaim sub-list, which
// take() consults only after the normal sub-list.
func (a *Allocator) Free(key cmn.BlockKey, space cmn.TrunkSpaceInfo, reclaim bool) {
	lane := a.lane(key)
	lane.give(space, reclaim)

	a.mu.RLock()
	t, ok := a.trunks[space.ID]
	a.mu.RUnlock()
	if ok {
		t.used.Add(^uint64(space.Size - 1)) // used -= space.Size
	}
}

func (a *Allocator) markUsed(id cmn.TrunkIDInfo, size uint64) {
	a.mu.RLock()
	t, ok := a.trunks[id]
	a.mu.RUnlock()
	if ok {
		t.used.Add(size)
	}
}

// extend carves `size` never-before-used bytes from the lane's head
// trunk. If the head trunk's remaining capacity runs out mid-request,
// it rolls over to a freshly allocated trunk for the rest, returning
// both carved spaces (for example, a head trunk with 1024 bytes left
// handed a 2000-byte request, which Alloc aligns up to 2048, returns
// `(t_k,TrunkFileSize-1024,1024)` then `(t_{k+1},0,1024)`).
func (a *Allocator) extend(laneIdx int, size uint64) ([]cmn.TrunkSpaceInfo, error) {
	var spaces []cmn.TrunkSpaceInfo
	remaining := size

	for remaining > 0 {
		a.mu.RLock()
		t := a.heads[laneIdx]
		a.mu.RUnlock()

		if t == nil || TrunkFileSize-t.freeStart.Load() == 0 {
			next, err := a.allocTrunk()
			if err != nil {
				return nil, cmn.Wrap("trunk.alloc", cmn.KindNoSpace, err)
			}
			a.mu.Lock()
			a.heads[laneIdx] = next
			a.mu.Unlock()
			t = next
		}

		avail := TrunkFileSize - t.freeStart.Load()
		take := remaining
		if take > avail {
			take = avail
		}

		start := t.freeStart.Add(take) - take
		t.used.Add(take)
		spaces = append(spaces, cmn.TrunkSpaceInfo{
			StorePathIndex: 0,
			ID:             t.id,
			Offset:         start,
			Size:           take,
		})
		remaining -= take
	}

	return spaces, nil
}

// allocTrunk creates a new, pre-fallocated trunk file on the storage
// path picked by trunk ID (ID modulo the number of paths); how full
// each path is does not factor in.
func (a *Allocator) allocTrunk() (*trunkFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.storePaths) == 0 {
		return nil, fmt.Errorf("no storage paths configured")
	}

	id := cmn.TrunkIDInfo{ID: a.nextID.Add(1), Subdir: uint32(len(a.trunks) % 256)}
	t, err := a.createTrunkLocked(id)
	if err != nil {
		return nil, err
	}

	logger.Info("trunk: allocated new trunk", logger.TrunkID(id.ID), logger.StorePath(a.storePaths[int(id.ID)%len(a.storePaths)]))

	return t, nil
}

// createTrunkLocked opens (creating and fallocating if needed) the
// trunk file for id and registers it. Callers must hold a.mu.
func (a *Allocator) createTrunkLocked(id cmn.TrunkIDInfo) (*trunkFile, error) {
	storePath := a.storePaths[int(id.ID)%len(a.storePaths)]
	dir := filepath.Join(storePath, fmt.Sprintf("%03d", id.Subdir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir trunk dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("trunk-%d", id.ID))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create trunk file: %w", err)
	}

	if err := unix.Fallocate(int(f.Fd()), 0, 0, TrunkFileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("fallocate trunk file: %w", err)
	}

	t := &trunkFile{id: id, path: path, file: f}
	t.status.Store(int32(cmn.TrunkStatusAllocating))
	a.trunks[id] = t

	return t, nil
}

// trunkForID returns the trunkFile backing id, reopening it from its
// deterministic path (derived from id alone, the same way allocTrunk
// lays it out) if this Allocator has not seen it yet in this process.
// Used while replaying a binlog whose records reference trunks
// created by an earlier process instance.
func (a *Allocator) trunkForID(id cmn.TrunkIDInfo) (*trunkFile, error) {
	a.mu.RLock()
	t, ok := a.trunks[id]
	a.mu.RUnlock()
	if ok {
		return t, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.trunks[id]; ok {
		return t, nil
	}
	if len(a.storePaths) == 0 {
		return nil, fmt.Errorf("no storage paths configured")
	}

	t, err := a.createTrunkLocked(id)
	if err != nil {
		return nil, err
	}
	for {
		cur := a.nextID.Load()
		if id.ID <= cur || a.nextID.CompareAndSwap(cur, id.ID) {
			break
		}
	}
	return t, nil
}

// ReplayAdd reconstructs one trunk's allocation bookkeeping for a
// slice being replayed from the binlog: free_start is pulled forward
// to cover the slice's space if the slice ends further than the
// cursor has reached, and used is advanced so the trunk's live-byte
// accounting matches the index once replay completes.
func (a *Allocator) ReplayAdd(space cmn.TrunkSpaceInfo) error {
	t, err := a.trunkForID(space.ID)
	if err != nil {
		return err
	}

	end := space.Offset + space.Size
	for {
		cur := t.freeStart.Load()
		if end <= cur || t.freeStart.CompareAndSwap(cur, end) {
			break
		}
	}
	t.used.Add(space.Size)
	return nil
}

// Sync durably flushes every open trunk file's pending writes.
func (a *Allocator) Sync() error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, t := range a.trunks {
		if err := unix.Fdatasync(int(t.file.Fd())); err != nil {
			return fmt.Errorf("fdatasync trunk %d: %w", t.id.ID, err)
		}
	}
	return nil
}

// WriteAt writes data into the trunk backing the given space.
func (a *Allocator) WriteAt(space cmn.TrunkSpaceInfo, data []byte) error {
	a.mu.RLock()
	t, ok := a.trunks[space.ID]
	a.mu.RUnlock()
	if !ok {
		return cmn.New("trunk.write", cmn.KindNotFound)
	}
	_, err := t.file.WriteAt(data, int64(space.Offset))
	return err
}

// ReadAt reads data from the trunk backing the given space.
func (a *Allocator) ReadAt(space cmn.TrunkSpaceInfo, buf []byte) (int, error) {
	a.mu.RLock()
	t, ok := a.trunks[space.ID]
	a.mu.RUnlock()
	if !ok {
		return 0, cmn.New("trunk.read", cmn.KindNotFound)
	}
	return t.file.ReadAt(buf, int64(space.Offset))
}

// Snapshot returns the descriptor list for every known trunk.
func (a *Allocator) Snapshot() []FSTrunkFileInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]FSTrunkFileInfo, 0, len(a.trunks))
	for _, t := range a.trunks {
		out = append(out, FSTrunkFileInfo{
			ID:        t.id,
			Path:      t.path,
			Size:      TrunkFileSize,
			FreeStart: t.freeStart.Load(),
			Used:      t.used.Load(),
			Status:    cmn.TrunkStatus(t.status.Load()),
		})
	}
	return out
}

// Close releases every open trunk file handle.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for _, t := range a.trunks {
		if err := t.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
