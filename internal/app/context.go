package app

import (
	"context"
	"errors"
	"fmt"

	"regline/internal/config"
	"regline/internal/repo"
)

// ResolveTenantConfig picks the active tenant and ensures a config exists
// in the DB, seeding defaults if missing. It prefers the override, then a
// single-tenant DB.
func ResolveTenantConfig(ctx context.Context, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	tenantID := tenantOverride
	if tenantID == "" {
		id, err := r.SingleTenantID(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("tenant not specified; use --tenant")
			}
			return "", nil, err
		}
		tenantID = id
	}
	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(tenantID)
		if err := r.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed tenant config: %w", err)
		}
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}
