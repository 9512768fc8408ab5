package trunk

import (
	"sync"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

// laneFreelist is one writer lane's view of free trunk space: a
// mutex-guarded stack of free extents per list (normal + reclaim).
// take() prefers an exact-size match over splitting a larger extent,
// so a freed extent is handed straight back to the next allocation of
// the same size rather than being fragmented by an unrelated split.
type laneFreelist struct {
	mu      sync.Mutex
	normal  []cmn.TrunkSpaceInfo
	reclaim []cmn.TrunkSpaceInfo
}

func newLaneFreelist(capacity int) *laneFreelist {
	return &laneFreelist{
		normal:  make([]cmn.TrunkSpaceInfo, 0, capacity),
		reclaim: make([]cmn.TrunkSpaceInfo, 0, capacity),
	}
}

// take tries to satisfy `size` from a previously freed extent: first
// an exact-size match (normal list, then reclaim list), and only then
// a split of the most recently freed larger extent (normal list, then
// reclaim list).
func (l *laneFreelist) take(size uint64) (cmn.TrunkSpaceInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if space, ok := takeExact(&l.normal, size); ok {
		return space, true
	}
	if space, ok := takeExact(&l.reclaim, size); ok {
		return space, true
	}
	if space, ok := takeSplit(&l.normal, size); ok {
		return space, true
	}
	return takeSplit(&l.reclaim, size)
}

func takeExact(list *[]cmn.TrunkSpaceInfo, size uint64) (cmn.TrunkSpaceInfo, bool) {
	s := *list
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Size == size {
			space := s[i]
			*list = append(s[:i], s[i+1:]...)
			return space, true
		}
	}
	return cmn.TrunkSpaceInfo{}, false
}

func takeSplit(list *[]cmn.TrunkSpaceInfo, size uint64) (cmn.TrunkSpaceInfo, bool) {
	s := *list
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].Size > size {
			space := s[i]
			*list = append(s[:i], s[i+1:]...)
			taken := cmn.TrunkSpaceInfo{
				StorePathIndex: space.StorePathIndex,
				ID:             space.ID,
				Offset:         space.Offset,
				Size:           size,
			}
			residual := cmn.TrunkSpaceInfo{
				StorePathIndex: space.StorePathIndex,
				ID:             space.ID,
				Offset:         space.Offset + size,
				Size:           space.Size - size,
			}
			*list = append(*list, residual)
			return taken, true
		}
	}
	return cmn.TrunkSpaceInfo{}, false
}

// give returns a free extent to the lane, preferring the normal list
// unless reclaim is set.
func (l *laneFreelist) give(space cmn.TrunkSpaceInfo, reclaim bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reclaim {
		l.reclaim = append(l.reclaim, space)
		return
	}
	l.normal = append(l.normal, space)
}

// drainReclaim removes and returns up to n extents from the front of
// the reclaim list.
func (l *laneFreelist) drainReclaim(n int) []cmn.TrunkSpaceInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.reclaim) {
		n = len(l.reclaim)
	}
	out := make([]cmn.TrunkSpaceInfo, n)
	copy(out, l.reclaim[:n])
	l.reclaim = l.reclaim[n:]
	return out
}
