// Package app resolves the working project and its config for CLI and
// server entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shipline/internal/config"
	"shipline/internal/domain"
	"shipline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures project
// and config rows exist, seeding defaults where missing. A file config
// (shipline.yml) overrides the stored one when present.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	projectID := projectOverride
	if projectID == "" && fileCfg != nil {
		projectID = fileCfg.Project.ID
	}
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project or add shipline.yml")
		}
	}

	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	seedCfg.Project.ID = projectID

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createProject(ctx, r, projectID, seedCfg); err != nil {
			return "", nil, err
		}
	}

	if fileCfg != nil {
		// Keep the stored copy in sync with the file.
		if err := r.UpsertProjectConfig(ctx, projectID, fileCfg); err != nil {
			return "", nil, fmt.Errorf("store project config: %w", err)
		}
		return projectID, fileCfg, nil
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertProjectConfig(ctx, projectID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

func createProject(ctx context.Context, r repo.Repo, projectID string, seedCfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Project.Name
	if name == "" {
		name = projectID
	}
	if err := r.InsertProjectTx(ctx, tx, domain.Project{
		ID:        projectID,
		Name:      name,
		Status:    "active",
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, seedCfg); err != nil {
		return fmt.Errorf("insert project config: %w", err)
	}
	return tx.Commit()
}
