//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veldt-io/reservoir"
	storepg "github.com/veldt-io/reservoir/store/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/reservoir_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *storepg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := storepg.New(pool, storepg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf(
			"DROP TABLE IF EXISTS %sreservation_deltas, %sreservations, %squotas",
			prefix, prefix, prefix))
	})
	return s
}

func TestLimitRows(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	if err := s.UpsertLimit(ctx, "t1", "ports", 10); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertLimit(ctx, "t1", "ports", 20); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	limits, err := s.TenantLimits(ctx, "t1")
	if err != nil {
		t.Fatalf("tenant limits: %v", err)
	}
	if limits["ports"] != 20 {
		t.Fatalf("expected ports=20, got %d", limits["ports"])
	}

	if err := s.DeleteTenantLimits(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteTenantLimits(ctx, "t1"); err != reservoir.ErrTenantQuotaNotFound {
		t.Fatalf("expected ErrTenantQuotaNotFound, got %v", err)
	}
}

func TestReservationLifecycle(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()
	now := time.Now().UTC()

	r := reservoir.Reservation{
		ID:        "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		TenantID:  "t1",
		Deltas:    map[string]int64{"ports": 3, "networks": 1},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	err := s.WithinTenantLock(ctx, "t1", func(ctx context.Context, tx reservoir.Tx) error {
		return tx.InsertReservation(ctx, r)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.WithinTenantLock(ctx, "t1", func(ctx context.Context, tx reservoir.Tx) error {
		pending, err := tx.ReservedDeltas(ctx, "t1", []string{"ports", "networks"}, false, now)
		if err != nil {
			return err
		}
		if pending["ports"] != 3 || pending["networks"] != 1 {
			t.Fatalf("unexpected pending deltas: %v", pending)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reserved deltas: %v", err)
	}

	removed, err := s.DeleteReservation(ctx, r.ID)
	if err != nil {
		t.Fatalf("delete reservation: %v", err)
	}
	if removed.TenantID != "t1" || removed.Deltas["ports"] != 3 {
		t.Fatalf("unexpected removed reservation: %+v", removed)
	}

	if _, err := s.DeleteReservation(ctx, r.ID); err != reservoir.ErrReservationNotFound {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()
	now := time.Now().UTC()

	ids := []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
	}
	err := s.WithinTenantLock(ctx, "t1", func(ctx context.Context, tx reservoir.Tx) error {
		for i, id := range ids {
			expiry := now.Add(-time.Minute)
			if i == 1 {
				expiry = now.Add(time.Minute)
			}
			r := reservoir.Reservation{
				ID:        id,
				TenantID:  "t1",
				Deltas:    map[string]int64{"ports": 1},
				CreatedAt: now,
				ExpiresAt: expiry,
			}
			if err := tx.InsertReservation(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed, err := s.PurgeExpired(ctx, "t1", now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
}

// Two concurrent engine reservations against the same tenant must serialize
// at the database: exactly one wins.
func TestConcurrentReservationsNoOverAdmit(t *testing.T) {
	pool := newTestPool(t)
	s := newTestStore(t, pool)
	ctx := context.Background()

	engine, err := reservoir.NewEngine(s)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	resources := map[string]reservoir.Resource{
		"ports": {
			Name:    "ports",
			Default: 5,
			Count: func(ctx context.Context, tenantID string, resync bool) (int64, error) {
				return 0, nil
			},
		},
	}

	var granted, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.MakeReservation(ctx, "t1", resources, map[string]int64{"ports": 3})
			if err == nil {
				granted.Add(1)
			} else if reservoir.IsOverQuota(err) {
				denied.Add(1)
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 1 {
		t.Fatalf("expected exactly 1 grant, got %d (denied %d)", granted.Load(), denied.Load())
	}
	if denied.Load() != 7 {
		t.Fatalf("expected 7 denials, got %d", denied.Load())
	}
}
