package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/repo"
)

// ResolveOrgAndConfig picks the active organization and ensures it plus an
// engine config exist in the DB, seeding defaults when missing. Overrides
// win; otherwise a single-org DB resolves implicitly.
func ResolveOrgAndConfig(ctx context.Context, orgOverride string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		if o, err := r.SingleOrg(ctx); err == nil {
			orgID = o.ID
		} else {
			return "", nil, fmt.Errorf("organization not specified; use --org")
		}
	}
	seedCfg := config.Default(orgID)

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createOrg(ctx, r, orgID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetEngineConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertEngineConfig(ctx, orgID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed engine config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

// createOrg inserts a minimal organization with the seed config.
func createOrg(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	o := domain.Organization{
		ID:        orgID,
		Name:      orgID,
		CreatedAt: now,
	}
	if err := r.EnsureOrg(ctx, tx, o.ID, o.Name, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	if err := r.UpsertEngineConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert engine config: %w", err)
	}
	return tx.Commit()
}
