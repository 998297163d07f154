package detect

import (
	"testing"
	"time"

	"github.com/roadpulse/fleet-ingester/internal/store"
)

var testThresholds = Thresholds{MediumMg: 2000, HighMg: 2500, CriticalMg: 3500}

func zRow(truckID int64, ts time.Time, axisZ int16) *store.TelemetryRow {
	z := axisZ
	return &store.TelemetryRow{
		TruckID:    truckID,
		RecordedAt: ts,
		AxisZ:      &z,
		Speed:      30,
		Latitude:   44.78,
		Longitude:  20.60,
	}
}

func rowSeries(truckID int64, start time.Time, step time.Duration, zs ...int16) []*store.TelemetryRow {
	rows := make([]*store.TelemetryRow, len(zs))
	for i, z := range zs {
		rows[i] = zRow(truckID, start.Add(time.Duration(i)*step), z)
	}
	return rows
}

func TestScan_SingleCriticalEvent(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := rowSeries(1, start, time.Second, 100, 2100, 2600, 3600, 2100, 0)

	events := Scan(rows, testThresholds)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Severity != store.SeverityCritical {
		t.Errorf("expected CRITICAL, got %s", ev.Severity)
	}
	if ev.PeakZ != 3600 {
		t.Errorf("expected peakZ 3600, got %d", ev.PeakZ)
	}
	if !ev.OccurredAt.Equal(start.Add(time.Second)) {
		t.Errorf("event must start at the first exceedance, got %v", ev.OccurredAt)
	}
	// Duration accrues between consecutive above-threshold samples only:
	// the closing sample at t5 contributes nothing.
	if want := rows[4].RecordedAt.UnixMilli() - rows[1].RecordedAt.UnixMilli(); ev.DurationMs != want {
		t.Errorf("expected duration %d ms, got %d", want, ev.DurationMs)
	}
	if ev.EventType != EventTypeRoughRoad {
		t.Errorf("unexpected event type %q", ev.EventType)
	}
}

func TestScan_NoExceedanceNoEvents(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := rowSeries(1, start, time.Second, 900, 1100, 1000, 1950, 2000)

	if events := Scan(rows, testThresholds); len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestScan_ThresholdIsExclusive(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	// Exactly 2000 stays below MEDIUM; 2001 crosses.
	rows := rowSeries(1, start, time.Second, 2000, 2001, 0)

	events := Scan(rows, testThresholds)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Severity != store.SeverityMedium {
		t.Errorf("expected MEDIUM, got %s", events[0].Severity)
	}
}

func TestScan_NegativeAccelerationUsesMagnitude(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := rowSeries(1, start, time.Second, -2600, 0)

	events := Scan(rows, testThresholds)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Severity != store.SeverityHigh {
		t.Errorf("expected HIGH from |−2600|, got %s", events[0].Severity)
	}
	if events[0].PeakZ != 2600 {
		t.Errorf("peak must be the absolute value, got %d", events[0].PeakZ)
	}
}

func TestScan_EventOpenAtBatchBoundaryIsEmitted(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := rowSeries(1, start, time.Second, 2100, 2200)

	events := Scan(rows, testThresholds)
	if len(events) != 1 {
		t.Fatalf("expected the open event to be emitted, got %d", len(events))
	}
	if events[0].DurationMs != 1000 {
		t.Errorf("expected 1000 ms, got %d", events[0].DurationMs)
	}
}

func TestScan_SeparateEventsPerGap(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := rowSeries(1, start, time.Second, 2100, 0, 2600, 0)

	events := Scan(rows, testThresholds)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Severity != store.SeverityMedium || events[1].Severity != store.SeverityHigh {
		t.Errorf("unexpected severities: %s, %s", events[0].Severity, events[1].Severity)
	}
}

func TestScan_PartitionsPerTruck(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	// Interleaved exceedances on two trucks must never merge into one event.
	rows := []*store.TelemetryRow{
		zRow(1, start, 2100),
		zRow(2, start.Add(500*time.Millisecond), 3600),
		zRow(1, start.Add(time.Second), 2200),
		zRow(2, start.Add(1500*time.Millisecond), 0),
		zRow(1, start.Add(2*time.Second), 0),
	}

	events := Scan(rows, testThresholds)
	if len(events) != 2 {
		t.Fatalf("expected one event per truck, got %d", len(events))
	}
	if events[0].TruckID != 1 || events[0].Severity != store.SeverityMedium {
		t.Errorf("unexpected truck 1 event: %+v", events[0])
	}
	if events[1].TruckID != 2 || events[1].Severity != store.SeverityCritical {
		t.Errorf("unexpected truck 2 event: %+v", events[1])
	}
}

func TestScan_MissingAxisZClosesEvent(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := rowSeries(1, start, time.Second, 2100)
	rows = append(rows, &store.TelemetryRow{TruckID: 1, RecordedAt: start.Add(time.Second)}) // no accelerometer data
	rows = append(rows, zRow(1, start.Add(2*time.Second), 2600))

	events := Scan(rows, testThresholds)
	if len(events) != 2 {
		t.Fatalf("expected the nil sample to split events, got %d", len(events))
	}
}

func TestScan_PeaksTrackAllAxes(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	x1, y1 := int16(-900), int16(300)
	x2, y2 := int16(500), int16(-1200)
	rows := rowSeries(1, start, time.Second, 2100, 2600, 0)
	rows[0].AxisX, rows[0].AxisY = &x1, &y1
	rows[1].AxisX, rows[1].AxisY = &x2, &y2

	events := Scan(rows, testThresholds)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].PeakX != 900 || events[0].PeakY != 1200 || events[0].PeakZ != 2600 {
		t.Errorf("unexpected peaks: X=%d Y=%d Z=%d", events[0].PeakX, events[0].PeakY, events[0].PeakZ)
	}
}
