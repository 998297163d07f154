package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/roadpulse/fleet-ingester/internal/store"
	"go.uber.org/zap"
)

type fakeRepo struct {
	store.Repository

	lockHeld  bool
	lockErr   error
	released  int
	rows      []*store.TelemetryRow
	listErr   error
	listCalls int
	events    []*store.RoughnessEvent
	insertErr error
	marked    []int64
	markErr   error
}

func (f *fakeRepo) AcquireAdvisoryLock(context.Context, string) (func(), bool, error) {
	if f.lockErr != nil {
		return nil, false, f.lockErr
	}
	if f.lockHeld {
		return nil, false, nil
	}
	return func() { f.released++ }, true, nil
}

func (f *fakeRepo) ListUnprocessedTelemetry(context.Context, int) ([]*store.TelemetryRow, error) {
	f.listCalls++
	return f.rows, f.listErr
}

func (f *fakeRepo) InsertRoughnessEvents(_ context.Context, events []*store.RoughnessEvent) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeRepo) MarkTelemetryProcessed(_ context.Context, ids []int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, ids...)
	return nil
}

type fakePublisher struct {
	events []*store.RoughnessEvent
	err    error
}

func (f *fakePublisher) PublishEvents(_ context.Context, events []*store.RoughnessEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, events...)
	return nil
}

func detectorRows() []*store.TelemetryRow {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := rowSeries(1, start, time.Second, 100, 3600, 0)
	for i, row := range rows {
		row.ID = int64(i + 1)
	}
	return rows
}

func newDetector(repo *fakeRepo, pub EventPublisher) *Detector {
	return New(repo, testThresholds, 1000, time.Minute, pub, zap.NewNop())
}

func TestRunOnce_EmitsMarksAndPublishes(t *testing.T) {
	repo := &fakeRepo{rows: detectorRows()}
	pub := &fakePublisher{}

	n, err := newDetector(repo, pub).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
	if len(repo.events) != 1 || repo.events[0].Severity != store.SeverityCritical {
		t.Errorf("unexpected inserted events: %+v", repo.events)
	}
	if len(repo.marked) != 3 {
		t.Errorf("all scanned rows must be marked processed, got %v", repo.marked)
	}
	if len(pub.events) != 1 {
		t.Errorf("expected events to be published, got %d", len(pub.events))
	}
	if repo.released != 1 {
		t.Errorf("advisory lock must be released exactly once, got %d", repo.released)
	}
}

func TestRunOnce_SkipsWhenLockHeldElsewhere(t *testing.T) {
	repo := &fakeRepo{lockHeld: true, rows: detectorRows()}

	n, err := newDetector(repo, nil).RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected silent skip, got n=%d err=%v", n, err)
	}
	if repo.listCalls != 0 {
		t.Error("a skipped pass must not touch the repository")
	}
}

func TestRunOnce_EmptyBatch(t *testing.T) {
	repo := &fakeRepo{}

	n, err := newDetector(repo, nil).RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("unexpected result: n=%d err=%v", n, err)
	}
	if len(repo.marked) != 0 {
		t.Error("nothing to mark on an empty batch")
	}
	if repo.released != 1 {
		t.Errorf("lock must still be released, got %d", repo.released)
	}
}

func TestRunOnce_QuietRowsStillMarked(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := rowSeries(1, start, time.Second, 100, 200)
	rows[0].ID, rows[1].ID = 1, 2
	repo := &fakeRepo{rows: rows}

	n, err := newDetector(repo, nil).RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("unexpected result: n=%d err=%v", n, err)
	}
	if len(repo.marked) != 2 {
		t.Errorf("rows without events must still be marked, got %v", repo.marked)
	}
}

func TestRunOnce_InsertFailureLeavesRowsUnprocessed(t *testing.T) {
	repo := &fakeRepo{rows: detectorRows(), insertErr: errors.New("db down")}

	if _, err := newDetector(repo, nil).RunOnce(context.Background()); err == nil {
		t.Fatal("expected insert failure to surface")
	}
	if len(repo.marked) != 0 {
		t.Error("rows must stay unprocessed when the insert fails")
	}
	if repo.released != 1 {
		t.Errorf("lock must be released on failure, got %d", repo.released)
	}
}

func TestRunOnce_PublishFailureIsTolerated(t *testing.T) {
	repo := &fakeRepo{rows: detectorRows()}
	pub := &fakePublisher{err: errors.New("brokers unreachable")}

	n, err := newDetector(repo, pub).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("publish failure must not fail the pass: %v", err)
	}
	if n != 1 || len(repo.marked) != 3 {
		t.Errorf("pass must complete despite publish failure: n=%d marked=%v", n, repo.marked)
	}
}

func TestRunOnce_LockErrorSurfaces(t *testing.T) {
	repo := &fakeRepo{lockErr: errors.New("connection refused")}

	if _, err := newDetector(repo, nil).RunOnce(context.Background()); err == nil {
		t.Fatal("expected lock error to surface")
	}
}
