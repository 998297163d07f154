// Package aggregate builds the daily per-segment statistics rollup.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"github.com/roadpulse/fleet-ingester/internal/roughness"
	"github.com/roadpulse/fleet-ingester/internal/store"
	"go.uber.org/zap"
)

const lockName = "segment_stats_aggregator"

// Aggregator computes RoadSegmentStats for the prior UTC calendar day, once
// per day at the configured local hour.
type Aggregator struct {
	repo     store.Repository
	params   roughness.IRIParams
	hour     int
	timezone string
	logger   *zap.Logger
}

func New(repo store.Repository, params roughness.IRIParams, hour int, timezone string, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		repo:     repo,
		params:   params,
		hour:     hour,
		timezone: timezone,
		logger:   logger,
	}
}

// Run sleeps until the next scheduled hour, aggregates yesterday, repeats.
func (a *Aggregator) Run(ctx context.Context) error {
	loc, err := time.LoadLocation(a.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", a.timezone, err)
	}

	for {
		next := nextRun(time.Now().In(loc), a.hour)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		yesterday := utcDay(time.Now().UTC().AddDate(0, 0, -1))
		if err := a.RunOnce(ctx, yesterday); err != nil {
			a.logger.Error("aggregation run failed",
				zap.Time("day", yesterday),
				zap.Error(err),
			)
		}
	}
}

// nextRun returns the next occurrence of hour after now in now's location.
func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RunOnce aggregates every road segment for the UTC day starting at day.
// Segments without telemetry that day are skipped; re-running upserts the
// same keys, so the operation is idempotent.
func (a *Aggregator) RunOnce(ctx context.Context, day time.Time) error {
	day = utcDay(day)

	release, acquired, err := a.repo.AcquireAdvisoryLock(ctx, lockName)
	if err != nil {
		return fmt.Errorf("acquire aggregator lock: %w", err)
	}
	if !acquired {
		a.logger.Info("aggregator lock held elsewhere, skipping run", zap.Time("day", day))
		return nil
	}
	defer release()

	segments, err := a.repo.ListRoadSegmentIDs(ctx)
	if err != nil {
		return fmt.Errorf("list road segments: %w", err)
	}

	var aggregated int
	for _, segmentID := range segments {
		n, err := a.aggregateSegment(ctx, segmentID, day)
		if err != nil {
			return fmt.Errorf("segment %d: %w", segmentID, err)
		}
		if n > 0 {
			aggregated++
		}
	}

	a.logger.Info("aggregation complete",
		zap.Time("day", day),
		zap.Int("segments_total", len(segments)),
		zap.Int("segments_with_traffic", aggregated),
	)
	return nil
}

// aggregateSegment writes one stats row and returns the sample count used.
func (a *Aggregator) aggregateSegment(ctx context.Context, segmentID int64, day time.Time) (int, error) {
	samples, err := a.repo.ListTelemetryForSegmentOnDay(ctx, segmentID, day)
	if err != nil {
		return 0, fmt.Errorf("list telemetry: %w", err)
	}
	if len(samples) == 0 {
		return 0, nil
	}

	zs := make([]float64, len(samples))
	speeds := make([]float64, len(samples))
	var loaded int
	for i, s := range samples {
		zs[i] = s.AxisZ
		speeds[i] = s.Speed
		if s.IsLoaded != nil && *s.IsLoaded {
			loaded++
		}
	}

	avgSpeed := roughness.Mean(speeds)
	iri, category := roughness.EstimateIRI(zs, avgSpeed, a.params)

	eventCount, err := a.repo.CountEventsForSegmentOnDay(ctx, segmentID, day, nil)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	critical := store.SeverityCritical
	criticalCount, err := a.repo.CountEventsForSegmentOnDay(ctx, segmentID, day, &critical)
	if err != nil {
		return 0, fmt.Errorf("count critical events: %w", err)
	}

	stats := &store.SegmentStats{
		SegmentID:      segmentID,
		Date:           day,
		TotalPasses:    len(samples),
		LoadedPasses:   loaded,
		AvgSpeed:       avgSpeed,
		StdDevZ:        roughness.StdDev(zs),
		IRI:            iri,
		IRICategory:    string(category),
		EventCount:     eventCount,
		CriticalEvents: criticalCount,
	}
	if err := a.repo.UpsertSegmentStats(ctx, stats); err != nil {
		return 0, fmt.Errorf("upsert stats: %w", err)
	}

	metrics.SegmentsAggregatedTotal.Inc()
	return len(samples), nil
}
