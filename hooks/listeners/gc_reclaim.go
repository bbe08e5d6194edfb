package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/nexusdb/tabletwal/hooks"
)

var (
	// gcMetricsOnce makes NewGCReclaimListener idempotent: expvar.Publish
	// panics if called twice for the same name, and one process may want
	// more than one Log/Driver pair, each registering its own listener.
	gcMetricsOnce     sync.Once
	bytesReclaimedVar *expvar.Int
	segmentsBeforeVar *expvar.Int
	segmentsAfterVar  *expvar.Int
)

func initGCMetrics() {
	gcMetricsOnce.Do(func() {
		bytesReclaimedVar = expvar.NewInt("wal_gc_bytes_reclaimed_total")
		segmentsBeforeVar = expvar.NewInt("wal_gc_segments_before_total")
		segmentsAfterVar = expvar.NewInt("wal_gc_segments_after_total")
	})
}

// GCReclaimListener logs and tracks how much segment data GC reclaims per
// pass, the WAL-GC analog of a compaction write-amplification tracker.
type GCReclaimListener struct {
	logger *slog.Logger

	bytesReclaimed *expvar.Int
	segmentsBefore *expvar.Int
	segmentsAfter  *expvar.Int
}

// NewGCReclaimListener creates a listener for hooks.EventPostGC.
func NewGCReclaimListener(logger *slog.Logger) *GCReclaimListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initGCMetrics()
	return &GCReclaimListener{
		logger:         logger.With("component", "GCReclaimListener"),
		bytesReclaimed: bytesReclaimedVar,
		segmentsBefore: segmentsBeforeVar,
		segmentsAfter:  segmentsAfterVar,
	}
}

func (l *GCReclaimListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.GCPayload)
	if !ok {
		return nil
	}

	l.bytesReclaimed.Add(payload.BytesReclaimed)
	l.segmentsBefore.Add(int64(payload.SegmentsBefore))
	l.segmentsAfter.Add(int64(payload.SegmentsAfter))

	l.logger.Info("WAL GC pass reclaimed segments",
		"segments_before", payload.SegmentsBefore,
		"segments_after", payload.SegmentsAfter,
		"bytes_reclaimed", payload.BytesReclaimed,
		"for_durability", payload.Retention.ForDurability,
		"for_peers", payload.Retention.ForPeers,
	)
	return nil
}

func (l *GCReclaimListener) Priority() int { return 100 }
func (l *GCReclaimListener) IsAsync() bool { return true }
