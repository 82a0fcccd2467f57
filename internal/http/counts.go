package http

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/selfheal/internal/tenant"
)

// CountTenants summarizes the registry at now. Active follows the
// registry's own active window; BackingOff counts active tenants that are
// currently suspended.
func CountTenants(ctx context.Context, registry *tenant.Registry, now time.Time) (TenantCounts, error) {
	all, err := registry.List(ctx)
	if err != nil {
		return TenantCounts{}, err
	}
	active, err := registry.ListActive(ctx)
	if err != nil {
		return TenantCounts{}, err
	}

	counts := TenantCounts{Total: len(all), Active: len(active)}
	for _, cfg := range active {
		if cfg.BackingOff(now) {
			counts.BackingOff++
		}
	}
	return counts, nil
}
