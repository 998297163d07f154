// Package ingest orchestrates the per-packet pipeline: resolve the device,
// map IO elements, snap to a road segment and persist telemetry rows.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/roadpulse/fleet-ingester/internal/avl"
	"github.com/roadpulse/fleet-ingester/internal/codec8"
	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"github.com/roadpulse/fleet-ingester/internal/store"
	"go.uber.org/zap"
)

// ErrUnauthorizedDevice marks packets from identifiers with no registered
// truck. The session stays open — retransmits are harmless — but nothing is
// persisted.
var ErrUnauthorizedDevice = errors.New("ingest: unauthorized device")

var zstdEncoder, _ = zstd.NewWriter(nil)

// Result reports per-packet ingestion outcome.
type Result struct {
	RecordsProcessed int
	RecordsSkipped   int
}

// Options tune per-record policy.
type Options struct {
	// LoadInputID is the IO element whose truthiness sets isLoaded
	// (digital input 1 wired to the tipper body sensor by default).
	LoadInputID uint16
	// MaxClockSkew drops records timestamped further in the future.
	MaxClockSkew time.Duration
	// StoreRaw keeps the decoded record as a JSON blob; CompressRaw
	// additionally zstd-compresses it.
	StoreRaw    bool
	CompressRaw bool
}

type Service struct {
	repo     store.Repository
	devices  *DeviceValidator
	segments *SegmentResolver
	opts     Options
	logger   *zap.Logger
}

func NewService(repo store.Repository, devices *DeviceValidator, segments *SegmentResolver, opts Options, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		devices:  devices,
		segments: segments,
		opts:     opts,
		logger:   logger,
	}
}

// Ingest persists one decoded packet for the device announcing identifier.
// Duplicate (truck, timestamp) rows are skipped, which makes device
// retransmits idempotent.
func (s *Service) Ingest(ctx context.Context, pkt *codec8.Packet, identifier string) (Result, error) {
	truck, err := s.devices.Resolve(ctx, identifier)
	if err != nil {
		return Result{}, fmt.Errorf("resolve device %q: %w", identifier, err)
	}
	if truck == nil {
		metrics.UnauthorizedPacketsTotal.Inc()
		return Result{}, fmt.Errorf("%w: %s", ErrUnauthorizedDevice, identifier)
	}

	now := time.Now().UTC()
	rows := make([]*store.TelemetryRow, 0, len(pkt.Records))
	var skewed int
	for i := range pkt.Records {
		rec := &pkt.Records[i]
		if rec.Timestamp.After(now.Add(s.opts.MaxClockSkew)) {
			skewed++
			s.logger.Warn("dropping record with future timestamp",
				zap.String("identifier", identifier),
				zap.Time("timestamp", rec.Timestamp),
			)
			continue
		}
		rows = append(rows, s.buildRow(ctx, truck, rec))
	}

	res, err := s.repo.InsertTelemetryBatch(ctx, rows, true)
	if err != nil {
		return Result{}, fmt.Errorf("insert batch: %w", err)
	}

	metrics.RecordsIngestedTotal.Add(float64(res.Inserted))
	metrics.RecordsSkippedTotal.Add(float64(res.Skipped + skewed))

	return Result{
		RecordsProcessed: res.Inserted,
		RecordsSkipped:   res.Skipped + skewed,
	}, nil
}

func (s *Service) buildRow(ctx context.Context, truck *store.Truck, rec *codec8.Record) *store.TelemetryRow {
	fields := avl.Map(rec.Elements)
	lat := rec.GPS.LatitudeDeg()
	lon := rec.GPS.LongitudeDeg()

	row := &store.TelemetryRow{
		TruckID:         truck.ID,
		RecordedAt:      rec.Timestamp,
		Latitude:        lat,
		Longitude:       lon,
		Altitude:        rec.GPS.Altitude,
		Speed:           rec.GPS.Speed,
		Heading:         rec.GPS.Heading,
		Satellites:      rec.GPS.Satellites,
		AxisX:           fields.AxisX,
		AxisY:           fields.AxisY,
		AxisZ:           fields.AxisZ,
		Ignition:        fields.Ignition,
		Movement:        fields.Movement,
		ExternalVoltage: fields.ExternalVoltage,
		BatteryVoltage:  fields.BatteryVoltage,
		Din1:            fields.Din1,
		Din2:            fields.Din2,
		Ain1:            fields.Ain1,
		TotalOdometer:   fields.TotalOdometer,
		GSMSignal:       fields.GSMSignal,
		SegmentID:       s.segments.Resolve(ctx, lat, lon),
		IsLoaded:        s.loadState(rec),
	}
	if s.opts.StoreRaw {
		row.Raw = s.rawBlob(rec)
	}
	return row
}

// loadState derives the load flag from the configured digital input.
// Absent input leaves the state unknown.
func (s *Service) loadState(rec *codec8.Record) *bool {
	for _, e := range rec.Elements {
		if e.ID == s.opts.LoadInputID && e.Width > 0 {
			loaded := e.Value != 0
			return &loaded
		}
	}
	return nil
}

// rawBlob keeps the structurally decoded record for diagnostics as JSON,
// optionally zstd-compressed.
func (s *Service) rawBlob(rec *codec8.Record) []byte {
	io := make(map[string]uint64, len(rec.Elements))
	var ioVar map[string][]byte
	for _, e := range rec.Elements {
		if e.Width == 0 {
			if ioVar == nil {
				ioVar = make(map[string][]byte)
			}
			ioVar[fmt.Sprintf("%d", e.ID)] = e.Data
			continue
		}
		io[fmt.Sprintf("%d", e.ID)] = e.Value
	}

	blob, err := json.Marshal(map[string]any{
		"timestamp": rec.Timestamp.UnixMilli(),
		"priority":  rec.Priority,
		"eventId":   rec.EventID,
		"gps": map[string]any{
			"lon":        rec.GPS.Longitude,
			"lat":        rec.GPS.Latitude,
			"alt":        rec.GPS.Altitude,
			"heading":    rec.GPS.Heading,
			"satellites": rec.GPS.Satellites,
			"speed":      rec.GPS.Speed,
		},
		"io":    io,
		"ioVar": ioVar,
	})
	if err != nil {
		return nil
	}
	if s.opts.CompressRaw {
		return zstdEncoder.EncodeAll(blob, nil)
	}
	return blob
}
