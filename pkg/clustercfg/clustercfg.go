// Package clustercfg is the narrow boundary this server calls into the
// cluster's directory/metadata service through: master election,
// data-group membership, and slave-set changes. The directory service
// itself — consensus, failover, membership gossip — is out of scope
// (see SPEC_FULL.md's Non-goals); this package only declares the
// interface a real implementation would satisfy, plus a Static
// implementation for single-process and test use backed directly by
// pkg/config.
package clustercfg

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/blockgrid/pkg/cmn"
	"github.com/marmos91/blockgrid/pkg/config"
)

// Source answers cluster-topology questions this server needs but does
// not own the source of truth for.
type Source interface {
	// MasterAddr returns the current master's listen address for a
	// data group.
	MasterAddr(ctx context.Context, dataGroup string) (string, error)

	// Slaves returns the current slave addresses for a data group.
	Slaves(ctx context.Context, dataGroup string) ([]string, error)

	// DataGroupCount returns the total number of data groups in the
	// cluster, used for hash-based routing.
	DataGroupCount(ctx context.Context) (int, error)
}

// StaticSource is a Source backed by a single node's static config.
// It answers correctly only for the data group this process itself
// belongs to; any other group's master/slave lookup fails. Suitable
// for single-data-group deployments and tests; a real cluster needs a
// Source backed by the directory service.
type StaticSource struct {
	mu        sync.RWMutex
	dataGroup string
	master    string
	slaves    []string
	groups    int
}

// NewStaticSource builds a StaticSource from a loaded config.
func NewStaticSource(cfg *config.Config) *StaticSource {
	master := cfg.Cluster.ListenAddr
	if cfg.Cluster.Role != "master" {
		master = ""
	}

	return &StaticSource{
		dataGroup: cfg.Cluster.DataGroupID,
		master:    master,
		slaves:    append([]string(nil), cfg.Cluster.Slaves...),
		groups:    cfg.Cluster.DataGroupCount,
	}
}

func (s *StaticSource) MasterAddr(_ context.Context, dataGroup string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dataGroup != s.dataGroup || s.master == "" {
		return "", cmn.New("clustercfg.master_addr", cmn.KindNotFound)
	}
	return s.master, nil
}

func (s *StaticSource) Slaves(_ context.Context, dataGroup string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dataGroup != s.dataGroup {
		return nil, cmn.New("clustercfg.slaves", cmn.KindNotFound)
	}
	return append([]string(nil), s.slaves...), nil
}

func (s *StaticSource) DataGroupCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups, nil
}

// SetMaster updates the master address this StaticSource reports for
// its data group, e.g. after a failover the directory service notified
// this node of out of band.
func (s *StaticSource) SetMaster(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.master = addr
}

// Locator adapts a Source into the single-data-group, context-free
// shape pkg/client.MasterLocator expects.
type Locator struct {
	source    Source
	dataGroup string
}

// NewLocator builds a client.MasterLocator-compatible adapter over
// source for a fixed data group.
func NewLocator(source Source, dataGroup string) *Locator {
	return &Locator{source: source, dataGroup: dataGroup}
}

func (l *Locator) MasterAddr(dataGroup string) (string, error) {
	if dataGroup != l.dataGroup {
		return "", fmt.Errorf("clustercfg: locator bound to %q, got %q", l.dataGroup, dataGroup)
	}
	return l.source.MasterAddr(context.Background(), dataGroup)
}
