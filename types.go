package reservoir

import (
	"context"
	"time"
)

// CountFunc reports the current committed usage of one resource kind for a
// tenant. When resync is true the implementation must recompute from the
// authoritative source, bypassing any cache layered over it.
type CountFunc func(ctx context.Context, tenantID string, resync bool) (int64, error)

// Resource describes one countable resource kind.
type Resource struct {
	// Name identifies the resource kind (e.g. "ports").
	Name string

	// Default is the per-tenant limit applied when no override exists.
	// A negative value means unlimited.
	Default int64

	// Count reports committed usage for a tenant. Resources without a
	// tracking function (nil Count) can only be validated via LimitCheck.
	Count CountFunc
}

// Unlimited reports whether the resource's default limit is unlimited.
func (r Resource) Unlimited() bool { return r.Default < 0 }

// Reservation is a time-bounded provisional claim on quota headroom.
// It blocks headroom until committed or cancelled; past ExpiresAt it no
// longer counts toward headroom and becomes eligible for reclamation.
type Reservation struct {
	ID        string
	TenantID  string
	Deltas    map[string]int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the reservation has passed its expiry at now.
func (r Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// TenantQuotas holds a tenant's full effective-limit mapping.
type TenantQuotas struct {
	TenantID string
	Limits   map[string]int64
}
