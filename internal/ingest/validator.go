package ingest

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/roadpulse/fleet-ingester/internal/metrics"
	"github.com/roadpulse/fleet-ingester/internal/store"
)

// DeviceValidator resolves device identifiers to registered trucks through a
// TTL'd, size-bounded cache. Negative lookups are cached on a shorter TTL so
// a rogue identifier cannot hot-loop the database. Coarse locking: the cache
// is small and lookups are cheap relative to a TCP round trip.
type DeviceValidator struct {
	repo        store.Repository
	ttl         time.Duration
	negativeTTL time.Duration
	max         int
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*deviceEntry
	order   *list.List // front = most recently used; values are identifiers
}

type deviceEntry struct {
	truck   *store.Truck // nil caches a negative result
	expires time.Time
	elem    *list.Element
}

func NewDeviceValidator(repo store.Repository, ttl, negativeTTL time.Duration, max int) *DeviceValidator {
	return &DeviceValidator{
		repo:        repo,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		max:         max,
		now:         time.Now,
		entries:     make(map[string]*deviceEntry),
		order:       list.New(),
	}
}

// Resolve returns the truck registered under identifier, or nil when the
// identifier is unknown. Repository errors are returned as-is and nothing
// is cached for them.
func (v *DeviceValidator) Resolve(ctx context.Context, identifier string) (*store.Truck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if e, ok := v.entries[identifier]; ok {
		if now.Before(e.expires) {
			v.order.MoveToFront(e.elem)
			metrics.CacheRequestsTotal.WithLabelValues("device", "hit").Inc()
			return e.truck, nil
		}
		v.remove(identifier, e)
	}
	metrics.CacheRequestsTotal.WithLabelValues("device", "miss").Inc()

	truck, err := v.repo.FindTruckByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}

	ttl := v.ttl
	if truck == nil {
		ttl = v.negativeTTL
	}
	v.entries[identifier] = &deviceEntry{
		truck:   truck,
		expires: now.Add(ttl),
		elem:    v.order.PushFront(identifier),
	}

	for len(v.entries) > v.max {
		oldest := v.order.Back()
		id := oldest.Value.(string)
		v.remove(id, v.entries[id])
	}

	return truck, nil
}

func (v *DeviceValidator) remove(identifier string, e *deviceEntry) {
	v.order.Remove(e.elem)
	delete(v.entries, identifier)
}
