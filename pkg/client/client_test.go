package client

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/blockgrid/pkg/cmn"
)

type fakeLocator struct {
	addr string
}

func (f *fakeLocator) MasterAddr(dataGroup string) (string, error) {
	return f.addr, nil
}

type fakeTransport struct {
	addr       string
	failTimes  int
	failStatus int32
	closed     bool
}

func (f *fakeTransport) SendCommand(ctx context.Context, cmd Command, reqID uuid.UUID, body []byte) (int32, []byte, error) {
	if f.failTimes > 0 {
		f.failTimes--
		return f.failStatus, nil, nil
	}
	return 0, []byte("ok"), nil
}

func (f *fakeTransport) Close() error { f.closed = true; return nil }

func testConfig() Config {
	return Config{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestWriteSliceSucceedsFirstTry(t *testing.T) {
	locator := &fakeLocator{addr: "10.0.0.1:9000"}
	var created *fakeTransport
	dial := func(ctx context.Context, addr string) (Transport, error) {
		created = &fakeTransport{addr: addr}
		return created, nil
	}

	c := New("dg-1", locator, dial, testConfig())
	if err := c.WriteSlice(context.Background(), cmn.SliceKey{}, []byte("data")); err != nil {
		t.Fatalf("WriteSlice: %v", err)
	}
}

func TestRetriesOnRetriableStatusThenSucceeds(t *testing.T) {
	locator := &fakeLocator{addr: "10.0.0.1:9000"}
	dial := func(ctx context.Context, addr string) (Transport, error) {
		return &fakeTransport{addr: addr, failTimes: 2, failStatus: int32(cmn.KindRetriable)}, nil
	}

	c := New("dg-1", locator, dial, testConfig())
	_, err := c.ReadSlice(context.Background(), cmn.SliceKey{})
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
}

func TestGivesUpOnNonRetriableStatus(t *testing.T) {
	locator := &fakeLocator{addr: "10.0.0.1:9000"}
	dial := func(ctx context.Context, addr string) (Transport, error) {
		return &fakeTransport{addr: addr, failTimes: 100, failStatus: int32(cmn.KindInvalid)}, nil
	}

	c := New("dg-1", locator, dial, testConfig())
	_, err := c.ReadSlice(context.Background(), cmn.SliceKey{})
	if err == nil {
		t.Fatalf("expected error for non-retriable status")
	}
}

func TestRebindsOnChannelInvalid(t *testing.T) {
	dialCount := 0
	locator := &fakeLocator{addr: "10.0.0.1:9000"}
	var transports []*fakeTransport
	dial := func(ctx context.Context, addr string) (Transport, error) {
		dialCount++
		ft := &fakeTransport{addr: addr}
		if dialCount == 1 {
			ft.failTimes = 1
			ft.failStatus = int32(cmn.KindChannelInvalid)
		}
		transports = append(transports, ft)
		return ft, nil
	}

	c := New("dg-1", locator, dial, testConfig())
	if _, err := c.ReadSlice(context.Background(), cmn.SliceKey{}); err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	if dialCount != 2 {
		t.Fatalf("dialCount = %d, want 2 (rebind after channel-invalid)", dialCount)
	}
	if !transports[0].closed {
		t.Fatalf("first transport should have been closed on rebind")
	}
}
