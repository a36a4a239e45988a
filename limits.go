package reservoir

import (
	"context"
	"fmt"
	"sort"
)

// GetTenantQuotas returns the tenant's effective limit for every registered
// resource kind: the override row when one exists, the resource default
// otherwise. The snapshot is recomputed on every call, never cached.
func (e *Engine) GetTenantQuotas(ctx context.Context, tenantID string, resources map[string]Resource) (map[string]int64, error) {
	limits := make(map[string]int64, len(resources))
	for name, r := range resources {
		limits[name] = r.Default
	}

	overrides, err := e.store.TenantLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for name, limit := range overrides {
		limits[name] = limit
	}
	return limits, nil
}

// UpdateQuotaLimit creates or replaces a tenant's override limit for one
// resource kind.
func (e *Engine) UpdateQuotaLimit(ctx context.Context, tenantID, resource string, limit int64) error {
	return e.store.UpsertLimit(ctx, tenantID, resource, limit)
}

// DeleteTenantQuota removes all override rows for a tenant, reverting it to
// defaults. Returns ErrTenantQuotaNotFound if the tenant had no overrides.
func (e *Engine) DeleteTenantQuota(ctx context.Context, tenantID string) error {
	return e.store.DeleteTenantLimits(ctx, tenantID)
}

// GetAllQuotas returns the full effective-limit mapping for every tenant
// that has at least one override row, ordered by tenant id.
func (e *Engine) GetAllQuotas(ctx context.Context, resources map[string]Resource) ([]TenantQuotas, error) {
	all, err := e.store.AllTenantLimits(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]TenantQuotas, 0, len(all))
	for tenantID, overrides := range all {
		limits := make(map[string]int64, len(resources))
		for name, r := range resources {
			limits[name] = r.Default
		}
		for name, limit := range overrides {
			limits[name] = limit
		}
		out = append(out, TenantQuotas{TenantID: tenantID, Limits: limits})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// LimitCheck validates a set of proposed final values against a tenant's
// effective limits without reserving headroom. It is meant for resource
// kinds that have no usage-counting function.
//
// Negative values fail with an InvalidQuotaValueError naming every offending
// key; values strictly above a non-negative limit fail with an
// OverQuotaError naming every offending kind. On success there is no
// observable effect.
func (e *Engine) LimitCheck(ctx context.Context, tenantID string, resources map[string]Resource, values map[string]int64) error {
	var unders []string
	for name, value := range values {
		if value < 0 {
			unders = append(unders, name)
		}
	}
	if len(unders) > 0 {
		sort.Strings(unders)
		return &InvalidQuotaValueError{Unders: unders}
	}

	quotas, err := e.GetTenantQuotas(ctx, tenantID, resources)
	if err != nil {
		return err
	}

	var overs []string
	for name, value := range values {
		limit, ok := quotas[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownResource, name)
		}
		if limit >= 0 && value > limit {
			overs = append(overs, name)
		}
	}
	if len(overs) > 0 {
		sort.Strings(overs)
		return &OverQuotaError{Overs: overs}
	}
	return nil
}
