package index

import (
	"sort"
	"sync/atomic"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

// SliceKind distinguishes where the bytes behind a slice currently live.
type SliceKind int

const (
	SliceKindFile SliceKind = iota
	SliceKindCache
)

// OBEntry is the existence record for one BlockKey: an ordered,
// non-overlapping sequence of OBSliceEntry values sorted by
// slice.offset. For any two slices a < b, a.offset+a.length <= b.offset.
//
// The slice list is a plain sorted slice rather than a skip list or
// balanced tree: blocks rarely carry more than a handful of live slices
// (overwrites coalesce through insertOverlapping), so a linear
// binary-searched slice keeps the common case allocation-free and the
// code simple, at the cost of O(n) insert/delete instead of O(log n) —
// acceptable for the small n this structure actually sees.
type OBEntry struct {
	Key    cmn.BlockKey
	slices []*OBSliceEntry
}

// OBSliceEntry is one physically-stored slice of a block.
type OBSliceEntry struct {
	ob       *OBEntry
	Kind     SliceKind
	Range    cmn.SliceRange
	Space    cmn.TrunkSpaceInfo
	refcount atomic.Int32
}

// SliceView is a read-only, query-clipped view of a stored slice,
// returned by GetSlices.
type SliceView struct {
	Range cmn.SliceRange
	Space cmn.TrunkSpaceInfo
	Kind  SliceKind
}

// Retain increments the slice's refcount.
func (s *OBSliceEntry) Retain() { s.refcount.Add(1) }

// Release decrements the slice's refcount and reports whether it just
// reached zero (the caller that observes true is responsible for
// releasing the slice's trunk space exactly once).
func (s *OBSliceEntry) Release() bool {
	return s.refcount.Add(-1) == 0
}

func (e *OBEntry) empty() bool { return len(e.slices) == 0 }

// insertSorted inserts s into the slice list preserving offset order.
// Caller must already have removed anything s overlaps.
func (e *OBEntry) insertSorted(s *OBSliceEntry) {
	i := sort.Search(len(e.slices), func(i int) bool {
		return e.slices[i].Range.Offset >= s.Range.Offset
	})
	e.slices = append(e.slices, nil)
	copy(e.slices[i+1:], e.slices[i:])
	e.slices[i] = s
}

// insertOverlapping removes or splits every slice overlapping r so the
// range is free for a new insert, returning every fully- or
// partially-evicted slice (split residuals are NOT returned: only the
// portion that was actually displaced is, via a synthetic OBSliceEntry
// covering just the overlapped fragment's trunk space).
func (e *OBEntry) insertOverlapping(r cmn.SliceRange) []*OBSliceEntry {
	var released []*OBSliceEntry
	kept := e.slices[:0:0]

	for _, s := range e.slices {
		if !s.Range.Overlaps(r) {
			kept = append(kept, s)
			continue
		}

		// The overlapped slice is entirely replaced; residual bytes
		// outside [r.Offset, r.End()) survive as new, non-overlapping
		// slice entries pointing at the same trunk space offset by the
		// residual's own start.
		if s.Range.Offset < r.Offset {
			left := &OBSliceEntry{
				ob:    e,
				Kind:  s.Kind,
				Range: cmn.SliceRange{Offset: s.Range.Offset, Length: r.Offset - s.Range.Offset},
				Space: cmn.TrunkSpaceInfo{
					StorePathIndex: s.Space.StorePathIndex,
					ID:             s.Space.ID,
					Offset:         s.Space.Offset,
					Size:           uint64(r.Offset - s.Range.Offset),
				},
			}
			left.refcount.Store(1)
			kept = append(kept, left)
		}
		if s.Range.End() > r.End() {
			trimmed := r.End() - s.Range.Offset
			right := &OBSliceEntry{
				ob:    e,
				Kind:  s.Kind,
				Range: cmn.SliceRange{Offset: r.End(), Length: s.Range.End() - r.End()},
				Space: cmn.TrunkSpaceInfo{
					StorePathIndex: s.Space.StorePathIndex,
					ID:             s.Space.ID,
					Offset:         s.Space.Offset + uint64(trimmed),
					Size:           uint64(s.Range.End() - r.End()),
				},
			}
			right.refcount.Store(1)
			kept = append(kept, right)
		}

		// Only the byte range actually inside [r.Offset, r.End()) is
		// released back to the trunk allocator.
		evictOffset := s.Range.Offset
		if evictOffset < r.Offset {
			evictOffset = r.Offset
		}
		evictEnd := s.Range.End()
		if evictEnd > r.End() {
			evictEnd = r.End()
		}
		evicted := &OBSliceEntry{
			ob:   e,
			Kind: s.Kind,
			Range: cmn.SliceRange{
				Offset: evictOffset,
				Length: evictEnd - evictOffset,
			},
			Space: cmn.TrunkSpaceInfo{
				StorePathIndex: s.Space.StorePathIndex,
				ID:             s.Space.ID,
				Offset:         s.Space.Offset + uint64(evictOffset-s.Range.Offset),
				Size:           uint64(evictEnd - evictOffset),
			},
		}
		released = append(released, evicted)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Range.Offset < kept[j].Range.Offset })
	e.slices = kept
	return released
}

// removeOverlapping deletes every slice overlapping r (splitting where
// only part of a slice falls inside r) and returns one OBSliceEntry per
// released fragment (only the bytes inside r), whose trunk space must
// be freed by the caller.
func (e *OBEntry) removeOverlapping(r cmn.SliceRange) []*OBSliceEntry {
	var removed []*OBSliceEntry
	kept := e.slices[:0:0]

	for _, s := range e.slices {
		if !s.Range.Overlaps(r) {
			kept = append(kept, s)
			continue
		}

		if s.Range.Offset < r.Offset {
			left := &OBSliceEntry{
				ob:    e,
				Kind:  s.Kind,
				Range: cmn.SliceRange{Offset: s.Range.Offset, Length: r.Offset - s.Range.Offset},
				Space: cmn.TrunkSpaceInfo{
					StorePathIndex: s.Space.StorePathIndex,
					ID:             s.Space.ID,
					Offset:         s.Space.Offset,
					Size:           uint64(r.Offset - s.Range.Offset),
				},
			}
			left.refcount.Store(1)
			kept = append(kept, left)
		}
		if s.Range.End() > r.End() {
			trimmed := r.End() - s.Range.Offset
			right := &OBSliceEntry{
				ob:    e,
				Kind:  s.Kind,
				Range: cmn.SliceRange{Offset: r.End(), Length: s.Range.End() - r.End()},
				Space: cmn.TrunkSpaceInfo{
					StorePathIndex: s.Space.StorePathIndex,
					ID:             s.Space.ID,
					Offset:         s.Space.Offset + uint64(trimmed),
					Size:           uint64(s.Range.End() - r.End()),
				},
			}
			right.refcount.Store(1)
			kept = append(kept, right)
		}

		// Only the byte range actually inside [r.Offset, r.End()) is
		// released back to the trunk allocator; left/right residuals
		// above keep the rest alive.
		evictOffset := s.Range.Offset
		if evictOffset < r.Offset {
			evictOffset = r.Offset
		}
		evictEnd := s.Range.End()
		if evictEnd > r.End() {
			evictEnd = r.End()
		}
		evicted := &OBSliceEntry{
			ob:   e,
			Kind: s.Kind,
			Range: cmn.SliceRange{
				Offset: evictOffset,
				Length: evictEnd - evictOffset,
			},
			Space: cmn.TrunkSpaceInfo{
				StorePathIndex: s.Space.StorePathIndex,
				ID:             s.Space.ID,
				Offset:         s.Space.Offset + uint64(evictOffset-s.Range.Offset),
				Size:           uint64(evictEnd - evictOffset),
			},
		}
		removed = append(removed, evicted)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Range.Offset < kept[j].Range.Offset })
	e.slices = kept
	return removed
}

// clippedOverlapping returns a read-only, query-clipped view of every
// slice overlapping r, in offset order.
func (e *OBEntry) clippedOverlapping(r cmn.SliceRange) []SliceView {
	var out []SliceView
	for _, s := range e.slices {
		if !s.Range.Overlaps(r) {
			continue
		}
		start := s.Range.Offset
		if start < r.Offset {
			start = r.Offset
		}
		end := s.Range.End()
		if end > r.End() {
			end = r.End()
		}
		trimmed := start - s.Range.Offset
		out = append(out, SliceView{
			Range: cmn.SliceRange{Offset: start, Length: end - start},
			Space: cmn.TrunkSpaceInfo{
				StorePathIndex: s.Space.StorePathIndex,
				ID:             s.Space.ID,
				Offset:         s.Space.Offset + uint64(trimmed),
				Size:           uint64(end - start),
			},
			Kind: s.Kind,
		})
	}
	return out
}
