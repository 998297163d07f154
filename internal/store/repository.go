package store

import (
	"context"
	"time"
)

// Repository is the persistence surface the pipeline consumes. The ingestion
// service only ever creates telemetry rows; the derivation tasks create
// events and stats. Trucks and road segments are owned externally.
type Repository interface {
	// FindTruckByIdentifier returns the truck announcing the given device
	// identifier, or nil when no such truck is registered.
	FindTruckByIdentifier(ctx context.Context, identifier string) (*Truck, error)

	// InsertTelemetryBatch inserts rows in one transaction. With
	// skipDuplicates, rows violating the (truck_id, recorded_at) unique key
	// are counted as skipped rather than failing the batch.
	InsertTelemetryBatch(ctx context.Context, rows []*TelemetryRow, skipDuplicates bool) (BatchResult, error)

	// ListUnprocessedTelemetry returns up to limit unprocessed rows ordered
	// by (truck_id, recorded_at) ascending.
	ListUnprocessedTelemetry(ctx context.Context, limit int) ([]*TelemetryRow, error)

	// MarkTelemetryProcessed flips processed=false rows to true by id.
	MarkTelemetryProcessed(ctx context.Context, ids []int64) error

	InsertRoughnessEvents(ctx context.Context, events []*RoughnessEvent) error

	ListRoadSegmentIDs(ctx context.Context) ([]int64, error)

	// ListTelemetryForSegmentOnDay returns the samples recorded on the
	// segment within the UTC calendar day starting at day.
	ListTelemetryForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time) ([]SegmentSample, error)

	// CountEventsForSegmentOnDay counts events in the same window; a non-nil
	// severity restricts the count to that severity.
	CountEventsForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time, severity *Severity) (int64, error)

	// UpsertSegmentStats writes the rollup row keyed by (segment_id, date);
	// last write wins.
	UpsertSegmentStats(ctx context.Context, stats *SegmentStats) error

	// AcquireAdvisoryLock takes a named, non-blocking advisory lock. When
	// acquired is true the caller must invoke release exactly once.
	AcquireAdvisoryLock(ctx context.Context, name string) (release func(), acquired bool, err error)
}

// SpatialIndex is the nearest-road-segment query, backed externally.
type SpatialIndex interface {
	// NearestSegmentWithin returns the id of the single nearest segment
	// whose geometry lies within meters of (lat, lon) by geodesic distance,
	// or nil when none qualifies.
	NearestSegmentWithin(ctx context.Context, lat, lon, meters float64) (*int64, error)
}
