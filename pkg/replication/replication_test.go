package replication

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

type fakeSlave struct {
	calls atomic.Int32
	fail  bool
}

func (f *fakeSlave) ReplicateAdd(ctx context.Context, key cmn.SliceKey, kind int32, space cmn.TrunkSpaceInfo) error {
	f.calls.Add(1)
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func (f *fakeSlave) ReplicateDeleteRange(ctx context.Context, key cmn.SliceKey) error {
	f.calls.Add(1)
	return nil
}

func (f *fakeSlave) ReplicateDeleteBlock(ctx context.Context, key cmn.BlockKey) error {
	f.calls.Add(1)
	return nil
}

func TestPushAddCompletesAfterAllSlavesAck(t *testing.T) {
	slaves := []SlaveClient{&fakeSlave{}, &fakeSlave{}, &fakeSlave{}}
	lane := NewLane("dg-1", slaves)

	var released int32
	key := cmn.SliceKey{Block: cmn.BlockKey{OID: 1, Offset: 0}, Range: cmn.SliceRange{Offset: 0, Length: 4096}}
	entry, err := lane.PushAdd(context.Background(), 1, key, 0, cmn.TrunkSpaceInfo{}, func() {
		atomic.AddInt32(&released, 1)
	})
	if err != nil {
		t.Fatalf("PushAdd: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := entry.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if atomic.LoadInt32(&released) != 1 {
		t.Fatalf("release callback fired %d times, want exactly 1", released)
	}
	if lane.PendingCount() != 0 {
		t.Fatalf("PendingCount = %d, want 0", lane.PendingCount())
	}
}

func TestPushAddNoSlavesCompletesImmediately(t *testing.T) {
	lane := NewLane("dg-1", nil)
	key := cmn.SliceKey{Block: cmn.BlockKey{OID: 1, Offset: 0}, Range: cmn.SliceRange{Offset: 0, Length: 4096}}

	entry, err := lane.PushAdd(context.Background(), 1, key, 0, cmn.TrunkSpaceInfo{}, nil)
	if err != nil {
		t.Fatalf("PushAdd: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := entry.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestPushAddPropagatesSlaveError(t *testing.T) {
	slaves := []SlaveClient{&fakeSlave{}, &fakeSlave{fail: true}}
	lane := NewLane("dg-1", slaves)
	key := cmn.SliceKey{Block: cmn.BlockKey{OID: 1, Offset: 0}, Range: cmn.SliceRange{Offset: 0, Length: 4096}}

	_, err := lane.PushAdd(context.Background(), 1, key, 0, cmn.TrunkSpaceInfo{}, nil)
	if err == nil {
		t.Fatalf("expected error from failing slave")
	}
	if cmn.KindOf(err) != cmn.KindRetriable {
		t.Fatalf("KindOf(err) = %v, want KindRetriable", cmn.KindOf(err))
	}
}
