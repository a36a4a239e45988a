// Package memory provides an in-memory reservoir.Store.
//
// Tenant serialization uses one mutex per tenant, so concurrent reservation
// attempts for the same tenant run one at a time while unrelated tenants
// proceed in parallel. Mutations are applied directly (no rollback), which
// is fine for tests and single-process use; durable deployments should use
// the postgres backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/veldt-io/reservoir"
)

// Store is an in-memory reservoir.Store.
type Store struct {
	mu           sync.Mutex
	tenantLocks  map[string]*sync.Mutex
	limits       map[string]map[string]int64
	reservations map[string]reservoir.Reservation
}

var _ reservoir.Store = (*Store)(nil)

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		tenantLocks:  make(map[string]*sync.Mutex),
		limits:       make(map[string]map[string]int64),
		reservations: make(map[string]reservoir.Reservation),
	}
}

func (s *Store) tenantLock(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		s.tenantLocks[tenantID] = l
	}
	return l
}

// WithinTenantLock runs fn while holding the tenant's mutex.
func (s *Store) WithinTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context, tx reservoir.Tx) error) error {
	l := s.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &tx{store: s})
}

// DeleteReservation removes a reservation row by id.
func (s *Store) DeleteReservation(_ context.Context, reservationID string) (reservoir.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return reservoir.Reservation{}, reservoir.ErrReservationNotFound
	}
	delete(s.reservations, reservationID)
	return r, nil
}

// TenantLimits returns a copy of the tenant's override rows.
func (s *Store) TenantLimits(_ context.Context, tenantID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyLimits(s.limits[tenantID]), nil
}

// AllTenantLimits returns override rows for every tenant that has any.
func (s *Store) AllTenantLimits(_ context.Context) (map[string]map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make(map[string]map[string]int64, len(s.limits))
	for tenantID, rows := range s.limits {
		if len(rows) == 0 {
			continue
		}
		all[tenantID] = copyLimits(rows)
	}
	return all, nil
}

// UpsertLimit creates or replaces one override row.
func (s *Store) UpsertLimit(_ context.Context, tenantID, resource string, limit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.limits[tenantID]
	if !ok {
		rows = make(map[string]int64)
		s.limits[tenantID] = rows
	}
	rows[resource] = limit
	return nil
}

// DeleteTenantLimits removes all of a tenant's override rows.
func (s *Store) DeleteTenantLimits(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.limits[tenantID]) == 0 {
		return reservoir.ErrTenantQuotaNotFound
	}
	delete(s.limits, tenantID)
	return nil
}

// tx exposes the row operations under a held tenant lock.
type tx struct {
	store *Store
}

var _ reservoir.Tx = (*tx)(nil)

func (t *tx) TenantLimits(ctx context.Context, tenantID string) (map[string]int64, error) {
	return t.store.TenantLimits(ctx, tenantID)
}

func (t *tx) InsertReservation(_ context.Context, r reservoir.Reservation) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	t.store.reservations[r.ID] = r
	return nil
}

func (t *tx) ReservedDeltas(_ context.Context, tenantID string, resources []string, expiredOnly bool, now time.Time) (map[string]int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	wanted := make(map[string]bool, len(resources))
	for _, name := range resources {
		wanted[name] = true
	}

	deltas := make(map[string]int64)
	for _, r := range t.store.reservations {
		if r.TenantID != tenantID || r.Expired(now) != expiredOnly {
			continue
		}
		for name, delta := range r.Deltas {
			if wanted[name] {
				deltas[name] += delta
			}
		}
	}
	return deltas, nil
}

func (t *tx) PurgeExpired(_ context.Context, tenantID string, now time.Time) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	var removed int64
	for id, r := range t.store.reservations {
		if r.TenantID == tenantID && r.Expired(now) {
			delete(t.store.reservations, id)
			removed++
		}
	}
	return removed, nil
}

func copyLimits(rows map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(rows))
	for resource, limit := range rows {
		out[resource] = limit
	}
	return out
}
