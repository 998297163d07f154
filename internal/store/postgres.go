package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"go.uber.org/zap"
)

// Postgres implements Repository and SpatialIndex over a pgx pool. The
// spatial query delegates to PostGIS geography operators.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, logger: logger}
}

func (p *Postgres) FindTruckByIdentifier(ctx context.Context, identifier string) (*Truck, error) {
	var t Truck
	err := p.pool.QueryRow(ctx,
		`SELECT id, identifier, status FROM trucks WHERE identifier = $1`,
		identifier,
	).Scan(&t.ID, &t.Identifier, &t.Status)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find truck: %w", err)
	}
	return &t, nil
}

const insertTelemetrySQL = `
	INSERT INTO truck_telemetry (truck_id, recorded_at, latitude, longitude,
		altitude, speed, heading, satellites, axis_x, axis_y, axis_z,
		ignition, movement, external_voltage, battery_voltage,
		din1, din2, ain1, total_odometer, gsm_signal,
		segment_id, is_loaded, raw, processed)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		$15, $16, $17, $18, $19, $20, $21, $22, $23, false)`

// InsertTelemetryBatch writes rows in one transaction, per-row so the
// ON CONFLICT outcome of each row is observable through RowsAffected.
func (p *Postgres) InsertTelemetryBatch(ctx context.Context, rows []*TelemetryRow, skipDuplicates bool) (BatchResult, error) {
	var res BatchResult
	if len(rows) == 0 {
		return res, nil
	}

	start := time.Now()

	sql := insertTelemetrySQL
	if skipDuplicates {
		sql += ` ON CONFLICT (truck_id, recorded_at) DO NOTHING`
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range rows {
		tag, err := tx.Exec(ctx, sql,
			r.TruckID, r.RecordedAt, r.Latitude, r.Longitude,
			r.Altitude, int32(r.Speed), int32(r.Heading), int16(r.Satellites),
			r.AxisX, r.AxisY, r.AxisZ,
			r.Ignition, r.Movement, r.ExternalVoltage, r.BatteryVoltage,
			r.Din1, r.Din2, r.Ain1, r.TotalOdometer, r.GSMSignal,
			r.SegmentID, r.IsLoaded, r.Raw,
		)
		if err != nil {
			return BatchResult{}, fmt.Errorf("insert telemetry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			res.Skipped++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("telemetry_batch").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("truck_telemetry", "insert").Add(float64(res.Inserted))
	metrics.BatchSize.WithLabelValues("ingest").Observe(float64(len(rows)))

	return res, nil
}

func (p *Postgres) ListUnprocessedTelemetry(ctx context.Context, limit int) ([]*TelemetryRow, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, truck_id, recorded_at, latitude, longitude, speed,
			axis_x, axis_y, axis_z, segment_id, is_loaded
		FROM truck_telemetry
		WHERE processed = false
		ORDER BY truck_id, recorded_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()

	var out []*TelemetryRow
	for rows.Next() {
		var r TelemetryRow
		var speed int32
		if err := rows.Scan(&r.ID, &r.TruckID, &r.RecordedAt, &r.Latitude, &r.Longitude,
			&speed, &r.AxisX, &r.AxisY, &r.AxisZ, &r.SegmentID, &r.IsLoaded); err != nil {
			return nil, fmt.Errorf("scan unprocessed row: %w", err)
		}
		r.Speed = uint16(speed)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unprocessed rows: %w", err)
	}
	return out, nil
}

func (p *Postgres) MarkTelemetryProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx,
		`UPDATE truck_telemetry SET processed = true WHERE id = ANY($1) AND processed = false`, ids)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("mark_processed").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("truck_telemetry", "update").Add(float64(tag.RowsAffected()))
	return nil
}

func (p *Postgres) InsertRoughnessEvents(ctx context.Context, events []*RoughnessEvent) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		_, err := tx.Exec(ctx, `
			INSERT INTO roughness_events (occurred_at, duration_ms, truck_id,
				latitude, longitude, segment_id, event_type, severity,
				peak_x, peak_y, peak_z, speed, is_loaded)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			e.OccurredAt, e.DurationMs, e.TruckID,
			e.Latitude, e.Longitude, e.SegmentID, e.EventType, e.Severity.String(),
			e.PeakX, e.PeakY, e.PeakZ, int32(e.Speed), e.IsLoaded,
		)
		if err != nil {
			return fmt.Errorf("insert roughness event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("events_insert").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("roughness_events", "insert").Add(float64(len(events)))
	metrics.BatchSize.WithLabelValues("detect").Observe(float64(len(events)))

	return nil
}

func (p *Postgres) ListRoadSegmentIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM road_segments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan segment id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment ids: %w", err)
	}
	return ids, nil
}

func (p *Postgres) ListTelemetryForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time) ([]SegmentSample, error) {
	from, to := dayBounds(day)
	rows, err := p.pool.Query(ctx, `
		SELECT COALESCE(axis_z, 0), speed, is_loaded
		FROM truck_telemetry
		WHERE segment_id = $1 AND recorded_at >= $2 AND recorded_at < $3`,
		segmentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list segment telemetry: %w", err)
	}
	defer rows.Close()

	var out []SegmentSample
	for rows.Next() {
		var s SegmentSample
		var axisZ int32
		var speed int32
		if err := rows.Scan(&axisZ, &speed, &s.IsLoaded); err != nil {
			return nil, fmt.Errorf("scan segment sample: %w", err)
		}
		s.AxisZ = float64(axisZ)
		s.Speed = float64(speed)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment samples: %w", err)
	}
	return out, nil
}

func (p *Postgres) CountEventsForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time, severity *Severity) (int64, error) {
	from, to := dayBounds(day)

	var n int64
	var err error
	if severity != nil {
		err = p.pool.QueryRow(ctx, `
			SELECT count(*) FROM roughness_events
			WHERE segment_id = $1 AND occurred_at >= $2 AND occurred_at < $3 AND severity = $4`,
			segmentID, from, to, severity.String(),
		).Scan(&n)
	} else {
		err = p.pool.QueryRow(ctx, `
			SELECT count(*) FROM roughness_events
			WHERE segment_id = $1 AND occurred_at >= $2 AND occurred_at < $3`,
			segmentID, from, to,
		).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (p *Postgres) UpsertSegmentStats(ctx context.Context, s *SegmentStats) error {
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO road_segment_stats (segment_id, stat_date, total_passes,
			loaded_passes, avg_speed, std_dev_z, iri, iri_category,
			event_count, critical_events, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (segment_id, stat_date) DO UPDATE SET
			total_passes = EXCLUDED.total_passes,
			loaded_passes = EXCLUDED.loaded_passes,
			avg_speed = EXCLUDED.avg_speed,
			std_dev_z = EXCLUDED.std_dev_z,
			iri = EXCLUDED.iri,
			iri_category = EXCLUDED.iri_category,
			event_count = EXCLUDED.event_count,
			critical_events = EXCLUDED.critical_events,
			updated_at = now()`,
		s.SegmentID, s.Date, s.TotalPasses, s.LoadedPasses, s.AvgSpeed,
		s.StdDevZ, s.IRI, s.IRICategory, s.EventCount, s.CriticalEvents,
	)
	if err != nil {
		return fmt.Errorf("upsert segment stats: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("stats_upsert").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("road_segment_stats", "upsert").Inc()
	return nil
}

// AcquireAdvisoryLock takes a session-scoped pg_try_advisory_lock on a
// dedicated pooled connection so the lock survives for exactly as long as
// the caller holds the release func.
func (p *Postgres) AcquireAdvisoryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection for lock: %w", err)
	}

	key := advisoryLockKey(name)
	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock %q: %w", name, err)
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Unlock on the same connection the lock was taken on; background
		// context so release still works after the caller's ctx is done.
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
			p.logger.Warn("advisory unlock failed", zap.String("lock", name), zap.Error(err))
		}
		conn.Release()
	}
	return release, true, nil
}

// NearestSegmentWithin implements SpatialIndex through PostGIS geography
// distance (geodesic on the spheroid).
func (p *Postgres) NearestSegmentWithin(ctx context.Context, lat, lon, meters float64) (*int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		SELECT id FROM road_segments
		WHERE ST_DWithin(geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)
		ORDER BY ST_Distance(geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography)
		LIMIT 1`,
		lat, lon, meters,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("nearest segment: %w", err)
	}
	return &id, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func advisoryLockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}
