// Package postgres provides a PostgreSQL-backed reservoir.Store.
//
// Quota limit rows and reservation rows live in PostgreSQL tables. The
// tenant-locked scope maps to a transaction holding a per-tenant advisory
// lock plus FOR UPDATE reads of the tenant's limit rows, so concurrent
// reservation attempts for the same tenant serialize at the database. This
// makes it safe for multi-instance deployments and durable across restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veldt-io/reservoir"
)

// Store is a PostgreSQL-backed reservoir.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ reservoir.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "reservoir_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "reservoir_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) quotasTable() string       { return s.tablePrefix + "quotas" }
func (s *Store) reservationsTable() string { return s.tablePrefix + "reservations" }
func (s *Store) deltasTable() string       { return s.tablePrefix + "reservation_deltas" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			tenant_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			"limit" BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, resource)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id UUID PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_tenant_expiry_idx
			ON %[2]s (tenant_id, expires_at);
		CREATE TABLE IF NOT EXISTS %[3]s (
			reservation_id UUID NOT NULL REFERENCES %[2]s (id) ON DELETE CASCADE,
			resource TEXT NOT NULL,
			delta BIGINT NOT NULL,
			PRIMARY KEY (reservation_id, resource)
		);
	`, s.quotasTable(), s.reservationsTable(), s.deltasTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("reservoir/postgres: ensure schema: %w", err)
	}
	return nil
}

// WithinTenantLock runs fn inside a transaction holding the tenant's
// advisory lock. Serialization, deadlock and lock-timeout failures are
// reported as reservoir.ErrStoreContention.
func (s *Store) WithinTenantLock(ctx context.Context, tenantID string, fn func(ctx context.Context, tx reservoir.Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapErr("begin tx", err)
	}
	defer pgtx.Rollback(ctx)

	// The advisory lock covers tenants that have no limit rows yet,
	// where FOR UPDATE alone would lock nothing.
	if _, err := pgtx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, tenantID,
	); err != nil {
		return wrapErr("lock tenant", err)
	}

	if err := fn(ctx, &tx{store: s, tx: pgtx}); err != nil {
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}

// DeleteReservation removes a reservation row and its deltas by id.
func (s *Store) DeleteReservation(ctx context.Context, reservationID string) (reservoir.Reservation, error) {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return reservoir.Reservation{}, wrapErr("begin tx", err)
	}
	defer pgtx.Rollback(ctx)

	deltas := make(map[string]int64)
	rows, err := pgtx.Query(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE reservation_id = $1 RETURNING resource, delta`, s.deltasTable()),
		reservationID,
	)
	if err != nil {
		return reservoir.Reservation{}, wrapErr("delete deltas", err)
	}
	for rows.Next() {
		var resource string
		var delta int64
		if err := rows.Scan(&resource, &delta); err != nil {
			rows.Close()
			return reservoir.Reservation{}, wrapErr("scan delta", err)
		}
		deltas[resource] = delta
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return reservoir.Reservation{}, wrapErr("delete deltas", err)
	}

	r := reservoir.Reservation{ID: reservationID, Deltas: deltas}
	err = pgtx.QueryRow(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1 RETURNING tenant_id, created_at, expires_at`, s.reservationsTable()),
		reservationID,
	).Scan(&r.TenantID, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return reservoir.Reservation{}, reservoir.ErrReservationNotFound
	}
	if err != nil {
		return reservoir.Reservation{}, wrapErr("delete reservation", err)
	}

	if err := pgtx.Commit(ctx); err != nil {
		return reservoir.Reservation{}, wrapErr("commit", err)
	}
	return r, nil
}

// TenantLimits returns the tenant's override rows.
func (s *Store) TenantLimits(ctx context.Context, tenantID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT resource, "limit" FROM %s WHERE tenant_id = $1`, s.quotasTable()),
		tenantID,
	)
	if err != nil {
		return nil, wrapErr("tenant limits", err)
	}
	return scanLimits(rows)
}

// AllTenantLimits returns override rows for every tenant that has any.
func (s *Store) AllTenantLimits(ctx context.Context) (map[string]map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT tenant_id, resource, "limit" FROM %s`, s.quotasTable()),
	)
	if err != nil {
		return nil, wrapErr("all tenant limits", err)
	}
	defer rows.Close()

	all := make(map[string]map[string]int64)
	for rows.Next() {
		var tenantID, resource string
		var limit int64
		if err := rows.Scan(&tenantID, &resource, &limit); err != nil {
			return nil, wrapErr("scan limit", err)
		}
		tenant, ok := all[tenantID]
		if !ok {
			tenant = make(map[string]int64)
			all[tenantID] = tenant
		}
		tenant[resource] = limit
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("all tenant limits", err)
	}
	return all, nil
}

// UpsertLimit creates or replaces one override row.
func (s *Store) UpsertLimit(ctx context.Context, tenantID, resource string, limit int64) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (tenant_id, resource, "limit") VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, resource) DO UPDATE SET "limit" = EXCLUDED."limit"`,
			s.quotasTable()),
		tenantID, resource, limit,
	)
	if err != nil {
		return wrapErr("upsert limit", err)
	}
	return nil
}

// DeleteTenantLimits removes all of a tenant's override rows.
func (s *Store) DeleteTenantLimits(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1`, s.quotasTable()),
		tenantID,
	)
	if err != nil {
		return wrapErr("delete tenant limits", err)
	}
	if tag.RowsAffected() == 0 {
		return reservoir.ErrTenantQuotaNotFound
	}
	return nil
}

// PurgeExpired removes every expired reservation for a tenant outside any
// engine pass. Useful for operator-driven cleanup of rarely-requested
// resource kinds.
func (s *Store) PurgeExpired(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND expires_at <= $2`, s.reservationsTable()),
		tenantID, now,
	)
	if err != nil {
		return 0, wrapErr("purge expired", err)
	}
	return tag.RowsAffected(), nil
}

// tx exposes the row operations inside a tenant-locked transaction.
type tx struct {
	store *Store
	tx    pgx.Tx
}

var _ reservoir.Tx = (*tx)(nil)

func (t *tx) TenantLimits(ctx context.Context, tenantID string) (map[string]int64, error) {
	rows, err := t.tx.Query(ctx,
		fmt.Sprintf(`SELECT resource, "limit" FROM %s WHERE tenant_id = $1 FOR UPDATE`, t.store.quotasTable()),
		tenantID,
	)
	if err != nil {
		return nil, wrapErr("tenant limits", err)
	}
	return scanLimits(rows)
}

func (t *tx) InsertReservation(ctx context.Context, r reservoir.Reservation) error {
	_, err := t.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, tenant_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
			t.store.reservationsTable()),
		r.ID, r.TenantID, r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		return wrapErr("insert reservation", err)
	}
	for resource, delta := range r.Deltas {
		_, err := t.tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (reservation_id, resource, delta) VALUES ($1, $2, $3)`,
				t.store.deltasTable()),
			r.ID, resource, delta,
		)
		if err != nil {
			return wrapErr("insert delta", err)
		}
	}
	return nil
}

func (t *tx) ReservedDeltas(ctx context.Context, tenantID string, resources []string, expiredOnly bool, now time.Time) (map[string]int64, error) {
	cmp := ">"
	if expiredOnly {
		cmp = "<="
	}
	rows, err := t.tx.Query(ctx,
		fmt.Sprintf(`SELECT d.resource, COALESCE(SUM(d.delta), 0)
			FROM %s r JOIN %s d ON d.reservation_id = r.id
			WHERE r.tenant_id = $1 AND d.resource = ANY($2) AND r.expires_at %s $3
			GROUP BY d.resource`,
			t.store.reservationsTable(), t.store.deltasTable(), cmp),
		tenantID, resources, now,
	)
	if err != nil {
		return nil, wrapErr("reserved deltas", err)
	}
	return scanLimits(rows)
}

func (t *tx) PurgeExpired(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND expires_at <= $2`, t.store.reservationsTable()),
		tenantID, now,
	)
	if err != nil {
		return 0, wrapErr("purge expired", err)
	}
	return tag.RowsAffected(), nil
}

func scanLimits(rows pgx.Rows) (map[string]int64, error) {
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, wrapErr("scan row", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("rows", err)
	}
	return out, nil
}

// SQLSTATE codes surfaced as retryable contention.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("reservoir/postgres: %s: %w: %v", op, reservoir.ErrStoreContention, err)
		}
	}
	return fmt.Errorf("reservoir/postgres: %s: %w", op, err)
}
