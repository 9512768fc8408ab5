package trunk

import (
	"context"

	"github.com/marmos91/blockgrid/internal/logger"
	"github.com/marmos91/blockgrid/pkg/cmn"
)

// Archiver uploads a trunk's carved byte range to an off-box target
// during cold reclaim. ReclaimCold marks an archived trunk reclaiming;
// it does not truncate or remove the local file. Implemented by
// pkg/trunk/archive/s3 for production use; nil in deployments with no
// archival target configured.
type Archiver interface {
	Archive(ctx context.Context, trunkID uint64, data []byte) error
}

// ReclaimStats summarizes one ReclaimCold pass.
type ReclaimStats struct {
	Scanned  int
	Archived int
	Errors   int
}

// ReclaimCold scans every trunk whose utilization (used bytes /
// free_start — the same ratio free_size_top_n uses to separate
// allocation targets from reclamation candidates) is at or below
// maxUtilization and not already reclaiming, archives its carved
// extent through archiver, and marks it reclaiming so a second pass
// skips it. Mirrors pkg/payload/gc/gc.go's scan-then-reclaim shape:
// list candidates first, then act on each independently so one
// failure doesn't abort the pass. A nil archiver makes this a no-op —
// cold reclaim is only meaningful once an off-box target is
// configured.
func (a *Allocator) ReclaimCold(ctx context.Context, archiver Archiver, maxUtilization float64) ReclaimStats {
	var stats ReclaimStats
	if archiver == nil {
		return stats
	}

	a.mu.RLock()
	candidates := make([]*trunkFile, 0, len(a.trunks))
	for _, t := range a.trunks {
		if cmn.TrunkStatus(t.status.Load()) == cmn.TrunkStatusReclaiming {
			continue
		}
		freeStart := t.freeStart.Load()
		if freeStart == 0 {
			continue
		}
		if float64(t.used.Load())/float64(freeStart) <= maxUtilization {
			candidates = append(candidates, t)
		}
	}
	a.mu.RUnlock()

	stats.Scanned = len(candidates)
	for _, t := range candidates {
		if ctx.Err() != nil {
			return stats
		}

		buf := make([]byte, t.freeStart.Load())
		if _, err := t.file.ReadAt(buf, 0); err != nil {
			logger.Error("trunk: failed to read cold trunk for archival",
				logger.TrunkID(t.id.ID), logger.Err(err))
			stats.Errors++
			continue
		}

		if err := archiver.Archive(ctx, t.id.ID, buf); err != nil {
			logger.Error("trunk: failed to archive cold trunk",
				logger.TrunkID(t.id.ID), logger.Err(err))
			stats.Errors++
			continue
		}

		t.status.Store(int32(cmn.TrunkStatusReclaiming))
		stats.Archived++
		logger.Info("trunk: archived cold trunk off-box", logger.TrunkID(t.id.ID))
	}

	return stats
}
