package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fellcore/internal/config"
	"fellcore/internal/domain"
	"fellcore/internal/repo"
)

// ResolveConfig returns the active service config: the workspace file when
// present, otherwise the copy stored in the database, seeding defaults on
// first use so a fresh workspace works without any setup.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	raw, err := r.GetServiceConfigJSON(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		cfg = config.Default()
		if err := StoreConfig(ctx, r, cfg); err != nil {
			return nil, fmt.Errorf("seed service config: %w", err)
		}
		return cfg, nil
	}
	cfg = &config.Config{}
	if err := json.Unmarshal([]byte(raw), cfg); err != nil {
		return nil, fmt.Errorf("stored service config invalid: %w", err)
	}
	return cfg, nil
}

// StoreConfig persists the config in the database so servers started
// without a workspace file share the same settings.
func StoreConfig(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return r.UpsertServiceConfigJSON(ctx, string(data))
}

// ResolveApplication looks an application up by id first, then by its
// human-readable reference.
func ResolveApplication(ctx context.Context, r repo.Repo, idOrReference string) (domain.Application, error) {
	a, err := r.GetApplication(ctx, idOrReference)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Application{}, err
	}
	return r.GetApplicationByReference(ctx, idOrReference)
}
