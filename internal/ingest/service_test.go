package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roadpulse/fleet-ingester/internal/codec8"
	"github.com/roadpulse/fleet-ingester/internal/store"
	"go.uber.org/zap"
)

// fakeRepo implements the repository surface the ingest package touches.
type fakeRepo struct {
	store.Repository

	trucks      map[string]*store.Truck
	findCalls   int
	findErr     error
	inserted    [][]*store.TelemetryRow
	insertErr   error
	existingKey map[string]bool // "truckID@unixms" rows treated as duplicates
}

func (f *fakeRepo) FindTruckByIdentifier(_ context.Context, identifier string) (*store.Truck, error) {
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.trucks[identifier], nil
}

func (f *fakeRepo) InsertTelemetryBatch(_ context.Context, rows []*store.TelemetryRow, skipDuplicates bool) (store.BatchResult, error) {
	if f.insertErr != nil {
		return store.BatchResult{}, f.insertErr
	}
	if !skipDuplicates {
		return store.BatchResult{}, errors.New("expected skipDuplicates")
	}
	f.inserted = append(f.inserted, rows)
	var res store.BatchResult
	for _, r := range rows {
		key := timeKey(r.TruckID, r.RecordedAt)
		if f.existingKey[key] {
			res.Skipped++
			continue
		}
		if f.existingKey == nil {
			f.existingKey = make(map[string]bool)
		}
		f.existingKey[key] = true
		res.Inserted++
	}
	return res, nil
}

func timeKey(truckID int64, ts time.Time) string {
	return time.UnixMilli(ts.UnixMilli()).Format(time.RFC3339Nano) + "@" + string(rune(truckID))
}

type fakeSpatial struct {
	id    *int64
	err   error
	calls int
}

func (f *fakeSpatial) NearestSegmentWithin(context.Context, float64, float64, float64) (*int64, error) {
	f.calls++
	return f.id, f.err
}

func newTestService(repo *fakeRepo, spatial *fakeSpatial) *Service {
	logger := zap.NewNop()
	return NewService(
		repo,
		NewDeviceValidator(repo, 5*time.Minute, 30*time.Second, 100),
		NewSegmentResolver(spatial, 50, 10, logger),
		Options{LoadInputID: 1, MaxClockSkew: time.Minute, StoreRaw: true},
		logger,
	)
}

func testPacket(ts time.Time, elements ...codec8.IOElement) *codec8.Packet {
	return &codec8.Packet{
		CodecID: codec8.CodecID8,
		Records: []codec8.Record{{
			Timestamp: ts,
			GPS:       codec8.GPS{Latitude: 447865120, Longitude: 206044710, Speed: 42},
			Elements:  elements,
		}},
	}
}

func TestIngest_PersistsMappedRecord(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*store.Truck{"356307042441013": {ID: 7, Identifier: "356307042441013", Status: store.TruckStatusActive}}}
	segID := int64(31)
	svc := newTestService(repo, &fakeSpatial{id: &segID})

	pkt := testPacket(time.Now().UTC().Add(-time.Second),
		codec8.IOElement{ID: 1, Width: 1, Value: 1},
		codec8.IOElement{ID: 19, Width: 2, Value: 2100},
	)
	res, err := svc.Ingest(context.Background(), pkt, "356307042441013")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordsProcessed != 1 || res.RecordsSkipped != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	row := repo.inserted[0][0]
	if row.TruckID != 7 {
		t.Errorf("expected truck id 7, got %d", row.TruckID)
	}
	if row.AxisZ == nil || *row.AxisZ != 2100 {
		t.Errorf("axisZ not mapped: %v", row.AxisZ)
	}
	if row.IsLoaded == nil || !*row.IsLoaded {
		t.Error("din1=1 must set isLoaded=true")
	}
	if row.SegmentID == nil || *row.SegmentID != 31 {
		t.Errorf("segment not resolved: %v", row.SegmentID)
	}
	if row.Processed {
		t.Error("rows must be created unprocessed")
	}
	if len(row.Raw) == 0 {
		t.Error("raw blob must be retained")
	}
}

func TestIngest_UnknownIdentifier(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*store.Truck{}}
	svc := newTestService(repo, &fakeSpatial{})

	_, err := svc.Ingest(context.Background(), testPacket(time.Now().UTC()), "999999999999999")
	if !errors.Is(err, ErrUnauthorizedDevice) {
		t.Fatalf("expected ErrUnauthorizedDevice, got %v", err)
	}
	if len(repo.inserted) != 0 {
		t.Error("unauthorized packets must not persist rows")
	}
}

func TestIngest_SpatialFailureSoftFails(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*store.Truck{"1": {ID: 1, Identifier: "1"}}}
	svc := newTestService(repo, &fakeSpatial{err: errors.New("backend down")})

	res, err := svc.Ingest(context.Background(), testPacket(time.Now().UTC().Add(-time.Second)), "1")
	if err != nil {
		t.Fatalf("spatial failure must not fail ingestion: %v", err)
	}
	if res.RecordsProcessed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if repo.inserted[0][0].SegmentID != nil {
		t.Error("expected nil segment on backend failure")
	}
}

func TestIngest_FutureTimestampDropped(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*store.Truck{"1": {ID: 1, Identifier: "1"}}}
	svc := newTestService(repo, &fakeSpatial{})

	res, err := svc.Ingest(context.Background(), testPacket(time.Now().UTC().Add(time.Hour)), "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordsProcessed != 0 || res.RecordsSkipped != 1 {
		t.Fatalf("expected skewed record to be skipped, got %+v", res)
	}
}

func TestIngest_DuplicateRetransmit(t *testing.T) {
	repo := &fakeRepo{trucks: map[string]*store.Truck{"1": {ID: 1, Identifier: "1"}}}
	svc := newTestService(repo, &fakeSpatial{})

	ts := time.Now().UTC().Add(-time.Second)
	if _, err := svc.Ingest(context.Background(), testPacket(ts), "1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := svc.Ingest(context.Background(), testPacket(ts), "1")
	if err != nil {
		t.Fatalf("retransmit must not error: %v", err)
	}
	if res.RecordsProcessed != 0 || res.RecordsSkipped != 1 {
		t.Fatalf("expected duplicate skip, got %+v", res)
	}
}

func TestIngest_RepositoryErrorSurfaces(t *testing.T) {
	repo := &fakeRepo{
		trucks:    map[string]*store.Truck{"1": {ID: 1, Identifier: "1"}},
		insertErr: errors.New("pool exhausted"),
	}
	svc := newTestService(repo, &fakeSpatial{})

	if _, err := svc.Ingest(context.Background(), testPacket(time.Now().UTC().Add(-time.Second)), "1"); err == nil {
		t.Fatal("expected repository error to surface")
	}
}
