package metrics

import "testing"

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	enabled.Store(false)
	registry = nil

	if m := New(); m != nil {
		t.Fatalf("expected nil Metrics when collection is disabled")
	}
}

func TestNewReturnsUsableMetricsWhenEnabled(t *testing.T) {
	registry = nil
	enabled.Store(false)
	InitRegistry()
	t.Cleanup(func() { enabled.Store(false); registry = nil })

	m := New()
	if m == nil {
		t.Fatal("expected non-nil Metrics when collection is enabled")
	}

	// Observing through a live Metrics must not panic.
	m.ObserveIndexSize("dg-0", 3)
	m.ObserveTrunkAlloc("/data/store0", 4096)
	m.ObserveTrunkReclaim()
	m.SetReplicationQueueDepth("dg-0", 2)
	m.SetRecoveryStage("dg-0", 3)
	m.ObserveClientRetry("write_slice", "retriable")
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	m.ObserveIndexSize("dg-0", 1)
	m.ObserveTrunkAlloc("p", 1)
	m.ObserveTrunkFree("p", 1)
	m.ObserveTrunkReclaim()
	m.SetReplicationQueueDepth("dg-0", 1)
	m.SetRecoveryStage("dg-0", 1)
	m.ObserveClientRetry("stat", "ok")
}
