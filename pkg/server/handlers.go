package server

import (
	"context"
	"strconv"

	"github.com/marmos91/blockgrid/internal/protocol"
	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/index"
)

// handleSliceWrite implements add_slice for a client-facing
// SliceWrite: allocate trunk space for the payload, write it, install
// the slice in the index, record the mutation in the binlog, then (on
// a master with slaves) fan it out and wait for every replica to ack
// before returning success to the caller. A payload that straddles a
// trunk boundary allocates as more than one space; each is installed
// and replicated as its own sub-slice of the request, in order, since
// no OBSliceEntry may span two trunks.
func (n *Node) handleSliceWrite(ctx context.Context, body []byte) (int32, []byte) {
	var req protocol.SliceWriteBody
	if err := protocol.DecodeBody(body, &req); err != nil {
		return int32(cmn.KindProtocol), nil
	}
	key := protocol.SliceKeyFromWrite(req)

	spaces, err := n.alloc.Alloc(key.Block, uint64(len(req.Data)))
	if err != nil {
		return int32(cmn.KindOf(err)), nil
	}

	offset := 0
	for _, space := range spaces {
		size := int(space.Size)
		sub := key
		sub.Range = cmn.SliceRange{Offset: key.Range.Offset + uint32(offset), Length: uint32(size)}
		data := req.Data[offset : offset+size]
		offset += size

		if err := n.alloc.WriteAt(space, data); err != nil {
			n.alloc.Free(sub.Block, space, false)
			return int32(cmn.KindOf(err)), nil
		}

		result, err := n.idx.AddSlice(sub, index.SliceKindFile, space)
		if err != nil {
			n.alloc.Free(sub.Block, space, false)
			return int32(cmn.KindOf(err)), nil
		}
		for _, released := range result.Released {
			n.alloc.Free(sub.Block, released, true)
		}

		if err := n.log.AppendAdd(sub, index.SliceKindFile, space); err != nil {
			return int32(cmn.KindOf(err)), nil
		}

		n.metrics.ObserveTrunkAlloc(strconv.Itoa(space.StorePathIndex), space.Size)
		n.metrics.ObserveIndexSize(n.dataGroup, 1)

		if lane := n.currentLane(); lane != nil {
			entry, err := lane.PushAdd(ctx, result.SN, sub, int32(index.SliceKindFile), space, nil)
			if err != nil {
				return int32(cmn.KindRetriable), nil
			}
			n.metrics.SetReplicationQueueDepth(n.dataGroup, lane.PendingCount())
			if err := entry.Wait(ctx); err != nil {
				return int32(cmn.KindOf(err)), nil
			}
		}
	}

	return int32(cmn.KindNone), nil
}

// handleSliceRead implements get_slices for a client-facing SliceRead:
// look up every slice overlapping the requested range and concatenate
// their bytes into one contiguous response, zero-filling any gap (a
// hole the caller never wrote).
func (n *Node) handleSliceRead(body []byte) (int32, []byte) {
	var req protocol.SliceReadBody
	if err := protocol.DecodeBody(body, &req); err != nil {
		return int32(cmn.KindProtocol), nil
	}
	key := protocol.SliceKeyFromRead(req)

	views, err := n.idx.GetSlices(key)
	if err != nil {
		return int32(cmn.KindOf(err)), nil
	}

	out := make([]byte, req.SLen)
	for _, v := range views {
		relStart := v.Range.Offset - req.SOff
		buf := make([]byte, v.Range.Length)
		if _, err := n.alloc.ReadAt(v.Space, buf); err != nil {
			return int32(cmn.KindOf(err)), nil
		}
		copy(out[relStart:relStart+v.Range.Length], buf)
	}

	return int32(cmn.KindNone), out
}

// handleStat implements a lightweight block presence check: whether
// any slice is currently stored for the block, without transferring
// data.
func (n *Node) handleStat(body []byte) (int32, []byte) {
	var req protocol.StatBody
	if err := protocol.DecodeBody(body, &req); err != nil {
		return int32(cmn.KindProtocol), nil
	}
	key := cmn.BlockKey{OID: req.OID, Offset: req.BOff}

	views, err := n.idx.GetSlices(cmn.SliceKey{Block: key, Range: cmn.SliceRange{Offset: 0, Length: ^uint32(0)}})
	if err != nil {
		return int32(cmn.KindOf(err)), nil
	}

	resp, err := protocol.EncodeBody(statResponse{SliceCount: len(views)})
	if err != nil {
		return int32(cmn.KindProtocol), nil
	}
	return int32(cmn.KindNone), resp
}

type statResponse struct {
	SliceCount int
}

// ApplyAdd implements replication.Applier for a slave: install the
// mutation a master has already committed, without re-deriving a local
// sequence number the caller cares about or fanning it out further.
func (n *Node) ApplyAdd(key cmn.SliceKey, kind int32, space cmn.TrunkSpaceInfo) error {
	if _, err := n.idx.AddSlice(key, index.SliceKind(kind), space); err != nil {
		return err
	}
	if err := n.log.AppendAdd(key, index.SliceKind(kind), space); err != nil {
		return err
	}
	n.metrics.ObserveTrunkAlloc(strconv.Itoa(space.StorePathIndex), space.Size)
	return nil
}

// ApplyDeleteRange implements replication.Applier.
func (n *Node) ApplyDeleteRange(key cmn.SliceKey) error {
	result, err := n.idx.DeleteSlices(key)
	if err != nil {
		return err
	}
	for _, released := range result.Released {
		n.alloc.Free(key.Block, released, true)
	}
	return n.log.AppendDeleteRange(key)
}

// ApplyDeleteBlock implements replication.Applier.
func (n *Node) ApplyDeleteBlock(key cmn.BlockKey) error {
	result, err := n.idx.DeleteBlock(key)
	if err != nil {
		return err
	}
	for _, released := range result.Released {
		n.alloc.Free(key, released, true)
	}
	return n.log.AppendDeleteBlock(key)
}
