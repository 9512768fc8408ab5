package trunk

import (
	"container/heap"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

// freeByteEntry is one trunk's free-space ranking for free_size_top_n.
type freeByteEntry struct {
	TrunkID uint64
	Free    uint64
}

// topNHeap is a bounded min-heap on Free bytes: pushing past capacity
// evicts the current smallest entry, leaving the N largest at the end.
type topNHeap struct {
	entries  []freeByteEntry
	capacity int
}

func newTopNHeap(capacity int) *topNHeap {
	h := &topNHeap{capacity: capacity}
	heap.Init(h)
	return h
}

func (h *topNHeap) Len() int { return len(h.entries) }
func (h *topNHeap) Less(i, j int) bool {
	return h.entries[i].Free < h.entries[j].Free
}
func (h *topNHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }

func (h *topNHeap) Push(x any) { h.entries = append(h.entries, x.(freeByteEntry)) }
func (h *topNHeap) Pop() any {
	old := h.entries
	n := len(old)
	item := old[n-1]
	h.entries = old[:n-1]
	return item
}

// offer considers one candidate for inclusion in the top-N set.
func (h *topNHeap) offer(e freeByteEntry) {
	if h.Len() < h.capacity {
		heap.Push(h, e)
		return
	}
	if h.Len() > 0 && h.entries[0].Free < e.Free {
		heap.Pop(h)
		heap.Push(h, e)
	}
}

// sorted returns the retained entries ordered from most to least free.
func (h *topNHeap) sorted() []freeByteEntry {
	out := make([]freeByteEntry, len(h.entries))
	copy(out, h.entries)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Free > out[j-1].Free; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// reclaimUtilizationThreshold is the used/free_start ratio at or below
// which a trunk is a cold-reclaim candidate rather than an allocation
// target: free_size_top_n excludes it so compaction, not more writes,
// is what claims its free space.
const reclaimUtilizationThreshold = 0.80

// FreeSizeTopN returns the N trunks with the most free space
// (TrunkFileSize - free_start), skipping trunks whose uncarved
// remainder is below a file block's worth of space and trunks that
// are cold-reclaim candidates (used/free_start at or below
// reclaimUtilizationThreshold) rather than allocation targets.
func (a *Allocator) FreeSizeTopN(n int) []freeByteEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := newTopNHeap(n)
	for id, t := range a.trunks {
		freeStart := t.freeStart.Load()
		avail := TrunkFileSize - freeStart
		if avail < cmn.FileBlockSize {
			continue
		}
		if freeStart > 0 && float64(t.used.Load())/float64(freeStart) <= reclaimUtilizationThreshold {
			continue
		}
		h.offer(freeByteEntry{TrunkID: id.ID, Free: avail})
	}
	return h.sorted()
}
