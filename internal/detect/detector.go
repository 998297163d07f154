package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"github.com/roadpulse/fleet-ingester/internal/store"
	"go.uber.org/zap"
)

const lockName = "roughness_event_detector"

// EventPublisher forwards detected events to downstream consumers.
// Publishing is best effort; the database remains the source of truth.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []*store.RoughnessEvent) error
}

// Detector periodically claims unprocessed telemetry and turns it into
// roughness events. A Postgres advisory lock keeps concurrent instances
// from double-processing the same rows.
type Detector struct {
	repo       store.Repository
	thresholds Thresholds
	batch      int
	interval   time.Duration
	publisher  EventPublisher // nil disables publishing
	logger     *zap.Logger
}

func New(repo store.Repository, thresholds Thresholds, batch int, interval time.Duration, publisher EventPublisher, logger *zap.Logger) *Detector {
	return &Detector{
		repo:       repo,
		thresholds: thresholds,
		batch:      batch,
		interval:   interval,
		publisher:  publisher,
		logger:     logger,
	}
}

// Run executes one pass immediately, then on every tick until ctx is
// cancelled. Pass failures are logged and retried on the next tick.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil {
			d.logger.Error("detector pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch under the advisory lock and returns the number
// of events emitted. A held lock elsewhere skips the pass without error.
func (d *Detector) RunOnce(ctx context.Context) (int, error) {
	release, acquired, err := d.repo.AcquireAdvisoryLock(ctx, lockName)
	if err != nil {
		return 0, fmt.Errorf("acquire detector lock: %w", err)
	}
	if !acquired {
		d.logger.Debug("detector lock held elsewhere, skipping pass")
		return 0, nil
	}
	defer release()

	rows, err := d.repo.ListUnprocessedTelemetry(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed telemetry: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	events := Scan(rows, d.thresholds)
	if len(events) > 0 {
		if err := d.repo.InsertRoughnessEvents(ctx, events); err != nil {
			return 0, fmt.Errorf("insert %d events: %w", len(events), err)
		}
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	if err := d.repo.MarkTelemetryProcessed(ctx, ids); err != nil {
		return 0, fmt.Errorf("mark %d rows processed: %w", len(ids), err)
	}

	metrics.DetectorBatchesTotal.Inc()
	for _, ev := range events {
		metrics.DetectorEventsTotal.WithLabelValues(ev.Severity.String()).Inc()
	}
	d.logger.Info("detector pass complete",
		zap.Int("rows", len(rows)),
		zap.Int("events", len(events)),
	)

	if d.publisher != nil && len(events) > 0 {
		if err := d.publisher.PublishEvents(ctx, events); err != nil {
			d.logger.Warn("event publish failed", zap.Error(err))
		}
	}

	return len(events), nil
}
