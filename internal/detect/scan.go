// Package detect derives roughness events from unprocessed telemetry.
package detect

import (
	"sort"

	"github.com/roadpulse/fleet-ingester/internal/store"
)

// EventTypeRoughRoad is the single event type the vertical-shock scan emits.
const EventTypeRoughRoad = "ROUGH_ROAD"

// Thresholds classify a vertical acceleration magnitude in milli-g.
type Thresholds struct {
	MediumMg   float64
	HighMg     float64
	CriticalMg float64
}

func (t Thresholds) classify(a float64) store.Severity {
	switch {
	case a > t.CriticalMg:
		return store.SeverityCritical
	case a > t.HighMg:
		return store.SeverityHigh
	case a > t.MediumMg:
		return store.SeverityMedium
	default:
		return 0
	}
}

// Scan walks telemetry samples and emits roughness events. Samples are
// partitioned per truck so an event can never span two vehicles, then
// scanned in timestamp order: consecutive above-threshold samples extend
// one event, the first below-threshold sample closes it. An event still
// open when a truck's samples run out is closed and emitted.
func Scan(rows []*store.TelemetryRow, thresholds Thresholds) []*store.RoughnessEvent {
	byTruck := make(map[int64][]*store.TelemetryRow)
	var truckIDs []int64
	for _, row := range rows {
		if _, ok := byTruck[row.TruckID]; !ok {
			truckIDs = append(truckIDs, row.TruckID)
		}
		byTruck[row.TruckID] = append(byTruck[row.TruckID], row)
	}
	sort.Slice(truckIDs, func(i, j int) bool { return truckIDs[i] < truckIDs[j] })

	var events []*store.RoughnessEvent
	for _, id := range truckIDs {
		events = append(events, scanTruck(byTruck[id], thresholds)...)
	}
	return events
}

func scanTruck(rows []*store.TelemetryRow, thresholds Thresholds) []*store.RoughnessEvent {
	var events []*store.RoughnessEvent
	var current *store.RoughnessEvent
	var lastTimestamp int64

	for _, row := range rows {
		sev := store.Severity(0)
		if row.AxisZ != nil {
			sev = thresholds.classify(abs(*row.AxisZ))
		}

		switch {
		case sev == 0 && current != nil:
			events = append(events, current)
			current = nil

		case sev != 0 && current == nil:
			current = openEvent(row, sev)
			lastTimestamp = row.RecordedAt.UnixMilli()

		case sev != 0 && current != nil:
			ts := row.RecordedAt.UnixMilli()
			current.DurationMs += ts - lastTimestamp
			lastTimestamp = ts
			current.PeakX = maxPeak(current.PeakX, row.AxisX)
			current.PeakY = maxPeak(current.PeakY, row.AxisY)
			current.PeakZ = maxPeak(current.PeakZ, row.AxisZ)
			if sev > current.Severity {
				current.Severity = sev
			}
		}
	}
	if current != nil {
		events = append(events, current)
	}
	return events
}

// openEvent seeds an event from its first exceedance sample.
func openEvent(row *store.TelemetryRow, sev store.Severity) *store.RoughnessEvent {
	return &store.RoughnessEvent{
		OccurredAt: row.RecordedAt,
		DurationMs: 0,
		TruckID:    row.TruckID,
		Latitude:   row.Latitude,
		Longitude:  row.Longitude,
		SegmentID:  row.SegmentID,
		EventType:  EventTypeRoughRoad,
		Severity:   sev,
		PeakX:      maxPeak(0, row.AxisX),
		PeakY:      maxPeak(0, row.AxisY),
		PeakZ:      maxPeak(0, row.AxisZ),
		Speed:      row.Speed,
		IsLoaded:   row.IsLoaded,
	}
}

func abs(v int16) float64 {
	if v < 0 {
		return float64(-int32(v))
	}
	return float64(v)
}

func maxPeak(cur int32, v *int16) int32 {
	if v == nil {
		return cur
	}
	a := int32(*v)
	if a < 0 {
		a = -a
	}
	if a > cur {
		return a
	}
	return cur
}
