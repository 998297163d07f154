package store

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Fatal("severity constants must order LOW < MEDIUM < HIGH < CRITICAL")
	}
}

func TestSeverityString(t *testing.T) {
	cases := map[Severity]string{
		SeverityLow:      "LOW",
		SeverityMedium:   "MEDIUM",
		SeverityHigh:     "HIGH",
		SeverityCritical: "CRITICAL",
		Severity(0):      "UNKNOWN",
	}
	for sev, want := range cases {
		if got := sev.String(); got != want {
			t.Errorf("Severity(%d).String() = %q, want %q", sev, got, want)
		}
	}
}

func TestRoughnessEventJSON(t *testing.T) {
	segID := int64(31)
	loaded := true
	ev := RoughnessEvent{
		ID:         9007199254740993, // beyond float64 integer precision
		OccurredAt: time.Date(2024, 6, 1, 10, 0, 1, 0, time.UTC),
		DurationMs: 3000,
		TruckID:    7,
		SegmentID:  &segID,
		EventType:  "ROUGH_ROAD",
		Severity:   SeverityCritical,
		PeakZ:      3600,
		Speed:      42,
		IsLoaded:   &loaded,
	}

	out, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(out)

	// 64-bit ids must serialize as strings so browser consumers keep precision.
	for _, want := range []string{`"id":"9007199254740993"`, `"truckId":"7"`, `"segmentId":"31"`, `"severity":"CRITICAL"`} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %s in %s", want, s)
		}
	}
}

func TestAdvisoryLockKeyStable(t *testing.T) {
	a := advisoryLockKey("roughness_event_detector")
	b := advisoryLockKey("roughness_event_detector")
	if a != b {
		t.Fatal("lock key must be deterministic")
	}
	if a == advisoryLockKey("segment_stats_aggregator") {
		t.Fatal("distinct lock names must not collide")
	}
}

func TestDayBounds(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	from, to := dayBounds(time.Date(2024, 6, 1, 0, 30, 0, 0, loc)) // 2024-05-31T23:30Z

	if !from.Equal(time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("window must follow the UTC calendar day, got %v", from)
	}
	if !to.Equal(from.AddDate(0, 0, 1)) {
		t.Errorf("window must span exactly one day, got %v..%v", from, to)
	}
}
