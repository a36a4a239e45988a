package reservoir

import (
	"context"
	"time"
)

// Store is the durable backing for quota limit rows and reservation rows.
//
// WithinTenantLock must run fn inside a single read-write transaction that
// serializes concurrent calls for the same tenant, so that a check-then-insert
// sequence never races with another reservation attempt for that tenant.
// Implementations map their native deadlock/lock-contention failures to
// (wrapped) ErrStoreContention so callers can retry them.
type Store interface {
	// WithinTenantLock runs fn under an exclusive per-tenant scope.
	// An error from fn aborts the transaction and is returned verbatim.
	WithinTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context, tx Tx) error) error

	// DeleteReservation removes a reservation row by id and returns the
	// removed row. Returns ErrReservationNotFound if no such row exists.
	DeleteReservation(ctx context.Context, reservationID string) (Reservation, error)

	// TenantLimits returns the tenant's override rows (resource -> limit).
	// Tenants without overrides yield an empty map.
	TenantLimits(ctx context.Context, tenantID string) (map[string]int64, error)

	// AllTenantLimits returns override rows for every tenant that has at
	// least one.
	AllTenantLimits(ctx context.Context) (map[string]map[string]int64, error)

	// UpsertLimit creates or replaces one override row.
	UpsertLimit(ctx context.Context, tenantID, resource string, limit int64) error

	// DeleteTenantLimits removes all of a tenant's override rows. Returns
	// ErrTenantQuotaNotFound if the tenant had none.
	DeleteTenantLimits(ctx context.Context, tenantID string) error
}

// Tx is the set of row operations available inside a tenant-locked
// transaction.
type Tx interface {
	// TenantLimits returns the tenant's override rows under the lock.
	TenantLimits(ctx context.Context, tenantID string) (map[string]int64, error)

	// InsertReservation stores a new reservation row.
	InsertReservation(ctx context.Context, r Reservation) error

	// ReservedDeltas aggregates reservation deltas per resource for the
	// tenant, restricted to the given resources. With expiredOnly it sums
	// only reservations past expiry at now, otherwise only pending ones.
	ReservedDeltas(ctx context.Context, tenantID string, resources []string, expiredOnly bool, now time.Time) (map[string]int64, error)

	// PurgeExpired removes every expired reservation row for the tenant
	// and reports how many rows were removed.
	PurgeExpired(ctx context.Context, tenantID string, now time.Time) (int64, error)
}
