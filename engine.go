// Package reservoir implements a multi-tenant resource-quota reservation
// engine. Given a registry of resource kinds with per-tenant limits and
// usage-counting functions, it atomically decides whether requested
// allocation deltas fit within a tenant's remaining headroom, records a
// reservation blocking that headroom until committed or cancelled, and
// lazily reclaims reservations that expire without resolution.
//
// All race protection is delegated to the Store: the check-then-insert
// sequence runs inside one tenant-scoped locking transaction, so two
// concurrent reservation attempts for the same tenant serialize instead of
// both observing stale headroom.
package reservoir

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	defaultExpiry        = 2 * time.Minute
	defaultRetryAttempts = 10
	defaultRetryInterval = 100 * time.Millisecond
)

// UsageInvalidator is an optional hook for usage caches layered over
// CountFuncs: cancelling a reservation invalidates the affected
// tenant/resource pairs so the next count recomputes.
type UsageInvalidator interface {
	Invalidate(ctx context.Context, tenantID string, resources []string) error
}

// Engine grants, commits and cancels quota reservations against a Store.
type Engine struct {
	store         Store
	meter         Meter
	invalidator   UsageInvalidator
	expiry        time.Duration
	retryAttempts int
	retryInterval time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// WithExpiry sets the expiry horizon for new reservations.
func WithExpiry(d time.Duration) Option {
	return func(e *Engine) { e.expiry = d }
}

// WithRetry sets the bounded-backoff retry policy applied to store
// contention during MakeReservation.
func WithRetry(maxAttempts int, baseInterval time.Duration) Option {
	return func(e *Engine) {
		e.retryAttempts = maxAttempts
		e.retryInterval = baseInterval
	}
}

// WithUsageInvalidator sets the usage-cache invalidation hook.
func WithUsageInvalidator(inv UsageInvalidator) Option {
	return func(e *Engine) { e.invalidator = inv }
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("reservoir: a store is required")
	}

	e := &Engine{
		store:         store,
		expiry:        defaultExpiry,
		retryAttempts: defaultRetryAttempts,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	return e, nil
}

// MakeReservation attempts to reserve the requested deltas for a tenant.
//
// The whole check runs under the store's per-tenant lock: effective limits
// are computed from overrides and defaults, unlimited resources skip usage
// counting, pending reservation deltas consume headroom, and expired ones
// are excluded and reclaimed as a side effect. If any resource kind lacks
// headroom the whole request fails with an OverQuotaError naming every
// offending kind; no partial reservation is ever created.
//
// Transient store contention is retried with bounded exponential backoff;
// quota-semantic failures are returned immediately.
func (e *Engine) MakeReservation(ctx context.Context, tenantID string, resources map[string]Resource, deltas map[string]int64) (Reservation, error) {
	for name := range deltas {
		if _, ok := resources[name]; !ok {
			return Reservation{}, fmt.Errorf("%w: %s", ErrUnknownResource, name)
		}
	}

	var (
		reservation Reservation
		decision    DecisionEvent
		reclaim     *ReclaimEvent
		lastErr     error
		attempt     int
	)
	op := func(ctx context.Context) error {
		attempt++
		if lastErr != nil {
			e.meter.OnRetry(RetryEvent{TenantID: tenantID, Attempt: attempt, Err: lastErr})
		}
		reclaim = nil
		lastErr = e.store.WithinTenantLock(ctx, tenantID, func(ctx context.Context, tx Tx) error {
			var err error
			reservation, decision, reclaim, err = e.reserve(ctx, tx, tenantID, resources, deltas)
			return err
		})
		return lastErr
	}

	err := Retry(ctx, e.retryAttempts, e.retryInterval, IsRetryable, op)
	if err != nil && !IsOverQuota(err) {
		return Reservation{}, err
	}

	if reclaim != nil {
		e.meter.OnReclaim(*reclaim)
	}
	e.meter.OnDecision(decision)

	if err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// reserve runs the headroom check and insert under an already-held tenant
// lock.
func (e *Engine) reserve(ctx context.Context, tx Tx, tenantID string, resources map[string]Resource, deltas map[string]int64) (Reservation, DecisionEvent, *ReclaimEvent, error) {
	decision := DecisionEvent{TenantID: tenantID, Deltas: deltas}

	overrides, err := tx.TenantLimits(ctx, tenantID)
	if err != nil {
		return Reservation{}, decision, nil, err
	}

	limits := make(map[string]int64, len(deltas))
	checked := make([]string, 0, len(deltas))
	for name := range deltas {
		limit, ok := overrides[name]
		if !ok {
			limit = resources[name].Default
		}
		limits[name] = limit
		// Unlimited resources need no counting and no headroom check.
		if limit >= 0 {
			checked = append(checked, name)
		}
	}
	sort.Strings(checked)

	usages := make(map[string]int64, len(checked))
	for _, name := range checked {
		// An override can impose a limit on a resource that is
		// unlimited by default; without a counter it cannot be checked.
		if resources[name].Count == nil {
			return Reservation{}, decision, nil, fmt.Errorf("reservoir: resource %s has no usage counter", name)
		}
		usage, err := resources[name].Count(ctx, tenantID, false)
		if err != nil {
			return Reservation{}, decision, nil, fmt.Errorf("reservoir: count %s usage: %w", name, err)
		}
		usages[name] = usage
	}

	now := time.Now().UTC()
	var pending, expired map[string]int64
	if len(checked) > 0 {
		pending, err = tx.ReservedDeltas(ctx, tenantID, checked, false, now)
		if err != nil {
			return Reservation{}, decision, nil, err
		}
		expired, err = tx.ReservedDeltas(ctx, tenantID, checked, true, now)
		if err != nil {
			return Reservation{}, decision, nil, err
		}
	}

	var overs []string
	expiredSeen := false
	for _, name := range checked {
		// Expired reservations no longer hold headroom: only pending
		// deltas are charged on top of committed usage.
		usage := usages[name] + pending[name]
		headroom := limits[name] - usage
		decision.Headrooms = append(decision.Headrooms, HeadroomDetail{
			Resource: name,
			Delta:    deltas[name],
			Usage:    usage,
			Limit:    limits[name],
			Headroom: headroom,
		})
		if headroom < deltas[name] {
			overs = append(overs, name)
		}
		if expired[name] != 0 {
			expiredSeen = true
		}
	}

	var reclaim *ReclaimEvent
	if expiredSeen {
		removed, err := tx.PurgeExpired(ctx, tenantID, now)
		if err != nil {
			return Reservation{}, decision, nil, err
		}
		reclaim = &ReclaimEvent{TenantID: tenantID, Removed: removed}
	}

	if len(overs) > 0 {
		sort.Strings(overs)
		decision.Overs = overs
		return Reservation{}, decision, reclaim, &OverQuotaError{Overs: overs}
	}

	r := Reservation{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Deltas:    copyDeltas(deltas),
		CreatedAt: now,
		ExpiresAt: now.Add(e.expiry),
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		return Reservation{}, decision, reclaim, err
	}

	decision.Granted = true
	decision.ReservationID = r.ID
	return r, decision, reclaim, nil
}

// CommitReservation resolves a reservation whose resources were created.
// Usage is derived live from the counting functions, so no further
// bookkeeping is needed: the created resources are presumed visible to
// subsequent counts.
func (e *Engine) CommitReservation(ctx context.Context, reservationID string) error {
	_, err := e.store.DeleteReservation(ctx, reservationID)
	return err
}

// CancelReservation resolves a reservation whose resources were not
// created. Any usage cache layered over the counting functions is
// invalidated for the affected tenant/resource pairs.
func (e *Engine) CancelReservation(ctx context.Context, reservationID string) error {
	r, err := e.store.DeleteReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if e.invalidator != nil {
		names := make([]string, 0, len(r.Deltas))
		for name := range r.Deltas {
			names = append(names, name)
		}
		sort.Strings(names)
		return e.invalidator.Invalidate(ctx, r.TenantID, names)
	}
	return nil
}

func copyDeltas(deltas map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(deltas))
	for name, delta := range deltas {
		out[name] = delta
	}
	return out
}
