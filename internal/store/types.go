package store

import "time"

// Truck lifecycle states. Trucks are owned by the administrative store and
// read-only to the ingestion pipeline.
const (
	TruckStatusActive      = "ACTIVE"
	TruckStatusMaintenance = "MAINTENANCE"
	TruckStatusRetired     = "RETIRED"
)

// Truck is one fleet vehicle, keyed by the identifier its tracker announces
// on connect (an IMEI for the FMB-series devices).
type Truck struct {
	ID         int64
	Identifier string
	Status     string
}

// TelemetryRow is one persisted AVL record. Pointer fields correspond to IO
// elements that may be absent from a record. Latitude and longitude are
// decimal degrees.
type TelemetryRow struct {
	ID              int64
	TruckID         int64
	RecordedAt      time.Time
	Latitude        float64
	Longitude       float64
	Altitude        int16
	Speed           uint16
	Heading         uint16
	Satellites      uint8
	AxisX           *int16
	AxisY           *int16
	AxisZ           *int16
	Ignition        *bool
	Movement        *bool
	ExternalVoltage *uint16
	BatteryVoltage  *uint16
	Din1            *bool
	Din2            *bool
	Ain1            *uint16
	TotalOdometer   *uint32
	GSMSignal       *uint8
	SegmentID       *int64
	IsLoaded        *bool
	Raw             []byte
	Processed       bool
}

// BatchResult reports the outcome of a telemetry batch insert.
type BatchResult struct {
	Inserted int
	Skipped  int
}

// Severity orders roughness events; the comparison operators on the
// underlying int implement the LOW < MEDIUM < HIGH < CRITICAL order.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON emits the label rather than the numeric rank.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// RoughnessEvent is one derived vibration event. OccurredAt is the first
// exceedance sample; severity is the maximum observed across the event.
// 64-bit ids serialize as strings so browser consumers keep precision.
type RoughnessEvent struct {
	ID         int64     `json:"id,string,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	DurationMs int64     `json:"durationMs"`
	TruckID    int64     `json:"truckId,string"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SegmentID  *int64    `json:"segmentId,string,omitempty"`
	EventType  string    `json:"eventType"`
	Severity   Severity  `json:"severity"`
	PeakX      int32     `json:"peakX"`
	PeakY      int32     `json:"peakY"`
	PeakZ      int32     `json:"peakZ"`
	Speed      uint16    `json:"speedKmh"`
	IsLoaded   *bool     `json:"isLoaded,omitempty"`
}

// SegmentSample is the slice of a telemetry row the aggregator needs.
type SegmentSample struct {
	AxisZ    float64
	Speed    float64
	IsLoaded *bool
}

// SegmentStats is the daily rollup row for one road segment, keyed by
// (SegmentID, Date).
type SegmentStats struct {
	SegmentID      int64
	Date           time.Time
	TotalPasses    int
	LoadedPasses   int
	AvgSpeed       float64
	StdDevZ        float64
	IRI            float64
	IRICategory    string
	EventCount     int64
	CriticalEvents int64
}
