// Package index implements the Object/Block Index: the in-memory map
// from (object-id, block-offset) to an ordered, non-overlapping set of
// stored slices, mutated under per-bucket locks.
//
// Grounded on pkg/cache's bucket-of-entries shape (one mutex per bucket
// guarding its entry map and every slice list in it) and on
// pkg/bufpool's sync.Pool-backed allocation discipline for the
// high-churn OBSliceEntry/OBEntry structs.
package index

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/blockgrid/internal/logger"
	"github.com/marmos91/blockgrid/pkg/cmn"
)

// bucket holds every OBEntry whose key hashes to this slot, plus the
// lock that serializes mutation of any one of them. No bucket ever
// acquires another bucket's lock.
type bucket struct {
	mu      sync.Mutex
	entries map[cmn.BlockKey]*OBEntry
}

// Index is the fixed-capacity bucket table. Capacity is chosen at
// construction and never resized.
type Index struct {
	buckets []*bucket
	sn      atomic.Uint64

	entryPool sync.Pool
	slicePool sync.Pool
}

// New creates an Index with at least `capacity` buckets (rounded up to
// the next prime, to spread hash collisions evenly).
func New(capacity int) *Index {
	n := nextPrime(capacity)
	idx := &Index{
		buckets: make([]*bucket, n),
	}
	for i := range idx.buckets {
		idx.buckets[i] = &bucket{entries: make(map[cmn.BlockKey]*OBEntry)}
	}
	idx.entryPool.New = func() any { return &OBEntry{} }
	idx.slicePool.New = func() any { return &OBSliceEntry{} }
	return idx
}

func (idx *Index) bucketFor(k cmn.BlockKey) *bucket {
	h := hashBlockKey(k)
	return idx.buckets[h%uint64(len(idx.buckets))]
}

func hashBlockKey(k cmn.BlockKey) uint64 {
	// FNV-1a over the two fields; the index only needs a well-spread
	// hash, not a cryptographic one.
	h := uint64(1469598103934665603)
	for _, b := range []uint64{k.OID, k.Offset} {
		for i := 0; i < 8; i++ {
			h ^= (b >> (8 * i)) & 0xff
			h *= 1099511628211
		}
	}
	return h
}

func (idx *Index) nextSN() uint64 {
	return idx.sn.Add(1)
}

func (idx *Index) newSliceEntry() *OBSliceEntry {
	s := idx.slicePool.Get().(*OBSliceEntry)
	*s = OBSliceEntry{}
	return s
}

func (idx *Index) releaseSliceEntry(s *OBSliceEntry) {
	idx.slicePool.Put(s)
}

// AddSliceResult reports the outcome of add_slice.
type AddSliceResult struct {
	SN       uint64
	IncAlloc int64 // bytes newly allocated minus bytes released by overlap eviction
	Released []cmn.TrunkSpaceInfo
}

// AddSlice implements add_slice: it installs a new slice at the given
// key, splitting or evicting any existing slices it overlaps so the
// OBEntry's non-overlap invariant holds.
func (idx *Index) AddSlice(key cmn.SliceKey, kind SliceKind, space cmn.TrunkSpaceInfo) (AddSliceResult, error) {
	return idx.addSlice(key, kind, space, true)
}

// AddSliceByBinlog is the replay-only variant used while loading the
// binlog: it does not assign an sn and does not report released bytes.
// During a load, pkg/binlog advances trunk bookkeeping separately via
// trunk.Allocator.ReplayAdd; ranges this call replaces are not
// subtracted from any trunk's used count.
func (idx *Index) AddSliceByBinlog(key cmn.SliceKey, kind SliceKind, space cmn.TrunkSpaceInfo) error {
	_, err := idx.addSlice(key, kind, space, false)
	return err
}

func (idx *Index) addSlice(key cmn.SliceKey, kind SliceKind, space cmn.TrunkSpaceInfo, assignSN bool) (AddSliceResult, error) {
	b := idx.bucketFor(key.Block)
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key.Block]
	if !ok {
		entry = idx.entryPool.Get().(*OBEntry)
		*entry = OBEntry{Key: key.Block}
		b.entries[key.Block] = entry
	}

	released := entry.insertOverlapping(key.Range)

	s := idx.newSliceEntry()
	s.ob = entry
	s.Kind = kind
	s.Range = key.Range
	s.Space = space
	s.refcount.Store(1)
	entry.insertSorted(s)

	var result AddSliceResult
	if assignSN {
		result.SN = idx.nextSN()
		var releasedBytes int64
		for _, r := range released {
			releasedBytes += int64(r.Space.Size)
		}
		result.IncAlloc = int64(space.Size) - releasedBytes
		result.Released = make([]cmn.TrunkSpaceInfo, len(released))
		for i, r := range released {
			result.Released[i] = r.Space
		}
	}

	logger.Debug("index: add_slice",
		logger.OID(key.Block.OID), logger.BlockOffset(key.Block.Offset),
		logger.SliceOffset(key.Range.Offset), logger.SliceLength(key.Range.Length))

	return result, nil
}

// DeleteSlicesResult reports the outcome of delete_slices.
type DeleteSlicesResult struct {
	SN       uint64
	DecAlloc int64
	Released []cmn.TrunkSpaceInfo
}

// DeleteSlices implements delete_slices: every slice overlapping the
// requested range is removed wholly, or split so only the requested
// sub-range is removed. Returns cmn.KindNotFound if nothing overlapped.
func (idx *Index) DeleteSlices(key cmn.SliceKey) (DeleteSlicesResult, error) {
	b := idx.bucketFor(key.Block)
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key.Block]
	if !ok {
		return DeleteSlicesResult{}, cmn.New("index.delete_slices", cmn.KindNotFound)
	}

	removed := entry.removeOverlapping(key.Range)
	if len(removed) == 0 {
		return DeleteSlicesResult{}, cmn.New("index.delete_slices", cmn.KindNotFound)
	}

	var decAlloc int64
	released := make([]cmn.TrunkSpaceInfo, 0, len(removed))
	for _, r := range removed {
		decAlloc += int64(r.Space.Size)
		released = append(released, r.Space)
		idx.releaseSliceEntry(r)
	}

	if entry.empty() {
		delete(b.entries, key.Block)
		idx.entryPool.Put(entry)
	}

	logger.Debug("index: delete_slices",
		logger.OID(key.Block.OID), logger.BlockOffset(key.Block.Offset),
		logger.SliceOffset(key.Range.Offset), logger.SliceLength(key.Range.Length))

	return DeleteSlicesResult{SN: idx.nextSN(), DecAlloc: decAlloc, Released: released}, nil
}

// DeleteBlockResult reports the outcome of delete_block.
type DeleteBlockResult struct {
	SN       uint64
	DecAlloc int64
	Released []cmn.TrunkSpaceInfo
}

// DeleteBlock implements delete_block: removes the OBEntry and every
// slice it owns.
func (idx *Index) DeleteBlock(key cmn.BlockKey) (DeleteBlockResult, error) {
	b := idx.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return DeleteBlockResult{}, cmn.New("index.delete_block", cmn.KindNotFound)
	}

	var decAlloc int64
	released := make([]cmn.TrunkSpaceInfo, 0, len(entry.slices))
	for _, s := range entry.slices {
		decAlloc += int64(s.Space.Size)
		released = append(released, s.Space)
		idx.releaseSliceEntry(s)
	}
	delete(b.entries, key)
	idx.entryPool.Put(entry)

	logger.Debug("index: delete_block", logger.OID(key.OID), logger.BlockOffset(key.Offset))

	return DeleteBlockResult{SN: idx.nextSN(), DecAlloc: decAlloc, Released: released}, nil
}

// GetSlices implements get_slices: returns every slice overlapping the
// query range, clipped to it, in offset order.
func (idx *Index) GetSlices(key cmn.SliceKey) ([]SliceView, error) {
	b := idx.bucketFor(key.Block)
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key.Block]
	if !ok {
		return nil, nil
	}

	return entry.clippedOverlapping(key.Range), nil
}
