package clustercfg

import (
	"context"
	"testing"

	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/config"
)

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Cluster.DataGroupID = "dg-0"
	cfg.Cluster.Role = "master"
	cfg.Cluster.ListenAddr = "10.0.0.1:7000"
	cfg.Cluster.Slaves = []string{"10.0.0.2:7000", "10.0.0.3:7000"}
	cfg.Cluster.DataGroupCount = 4
	return cfg
}

func TestStaticSourceAnswersOwnDataGroup(t *testing.T) {
	s := NewStaticSource(testConfig())
	ctx := context.Background()

	addr, err := s.MasterAddr(ctx, "dg-0")
	if err != nil {
		t.Fatalf("MasterAddr: %v", err)
	}
	if addr != "10.0.0.1:7000" {
		t.Fatalf("MasterAddr = %q, want 10.0.0.1:7000", addr)
	}

	slaves, err := s.Slaves(ctx, "dg-0")
	if err != nil {
		t.Fatalf("Slaves: %v", err)
	}
	if len(slaves) != 2 {
		t.Fatalf("len(Slaves) = %d, want 2", len(slaves))
	}

	count, err := s.DataGroupCount(ctx)
	if err != nil || count != 4 {
		t.Fatalf("DataGroupCount = %d, %v; want 4, nil", count, err)
	}
}

func TestStaticSourceRejectsOtherDataGroup(t *testing.T) {
	s := NewStaticSource(testConfig())

	if _, err := s.MasterAddr(context.Background(), "dg-9"); cmn.KindOf(err) != cmn.KindNotFound {
		t.Fatalf("expected KindNotFound for unknown data group, got %v", err)
	}
}

func TestSetMasterUpdatesAfterFailover(t *testing.T) {
	s := NewStaticSource(testConfig())
	s.SetMaster("10.0.0.9:7000")

	addr, err := s.MasterAddr(context.Background(), "dg-0")
	if err != nil {
		t.Fatalf("MasterAddr: %v", err)
	}
	if addr != "10.0.0.9:7000" {
		t.Fatalf("MasterAddr = %q, want updated address", addr)
	}
}

func TestLocatorAdaptsSourceForClient(t *testing.T) {
	s := NewStaticSource(testConfig())
	locator := NewLocator(s, "dg-0")

	addr, err := locator.MasterAddr("dg-0")
	if err != nil {
		t.Fatalf("MasterAddr: %v", err)
	}
	if addr != "10.0.0.1:7000" {
		t.Fatalf("MasterAddr = %q, want 10.0.0.1:7000", addr)
	}

	if _, err := locator.MasterAddr("dg-1"); err == nil {
		t.Fatal("expected error for data group mismatch")
	}
}
