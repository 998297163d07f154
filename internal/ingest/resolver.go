package ingest

import (
	"context"
	"math"
	"sync"

	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"github.com/roadpulse/fleet-ingester/internal/store"
	"go.uber.org/zap"
)

// SegmentResolver snaps coordinates to the nearest road segment within the
// configured proximity. Results (including "no segment") are cached under
// coordinates rounded to 4 decimal degrees — roughly 11 m cells, finer than
// the proximity radius — with FIFO eviction. A failing spatial backend
// degrades to "no segment"; it never fails ingestion.
type SegmentResolver struct {
	spatial   store.SpatialIndex
	proximity float64
	max       int
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[cellKey]*int64
	fifo  []cellKey
}

type cellKey struct {
	latE4 int32
	lonE4 int32
}

func NewSegmentResolver(spatial store.SpatialIndex, proximityMeters float64, max int, logger *zap.Logger) *SegmentResolver {
	return &SegmentResolver{
		spatial:   spatial,
		proximity: proximityMeters,
		max:       max,
		logger:    logger,
		cache:     make(map[cellKey]*int64),
	}
}

// Resolve returns the nearest segment id or nil.
func (r *SegmentResolver) Resolve(ctx context.Context, lat, lon float64) *int64 {
	key := cellKey{
		latE4: int32(math.Round(lat * 1e4)),
		lonE4: int32(math.Round(lon * 1e4)),
	}

	r.mu.Lock()
	if id, ok := r.cache[key]; ok {
		r.mu.Unlock()
		metrics.CacheRequestsTotal.WithLabelValues("segment", "hit").Inc()
		return id
	}
	r.mu.Unlock()
	metrics.CacheRequestsTotal.WithLabelValues("segment", "miss").Inc()

	id, err := r.spatial.NearestSegmentWithin(ctx, lat, lon, r.proximity)
	if err != nil {
		metrics.SpatialErrorsTotal.Inc()
		r.logger.Warn("nearest-segment lookup failed, persisting without segment",
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
			zap.Error(err),
		)
		return nil
	}

	r.mu.Lock()
	if _, ok := r.cache[key]; !ok {
		r.cache[key] = id
		r.fifo = append(r.fifo, key)
		if len(r.fifo) > r.max {
			delete(r.cache, r.fifo[0])
			r.fifo = r.fifo[1:]
		}
	}
	r.mu.Unlock()

	return id
}
