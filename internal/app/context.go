// Package app resolves the workspace session shared by the CLI and the
// server: the settings document, seeded into the database on first use.
package app

import (
	"context"
	"errors"
	"fmt"

	"dealline/internal/config"
	"dealline/internal/repo"
)

// Session is the resolved per-workspace context.
type Session struct {
	Workspace string
	ActorID   string
	Config    *config.Config
}

// Resolve loads the workspace settings, preferring the database copy,
// falling back to dealline.yml on disk, and seeding defaults when
// neither exists. The winning settings are persisted so later runs and
// the server see the same configuration.
func Resolve(ctx context.Context, workspace, actorID string, r repo.Repo) (Session, error) {
	if actorID == "" {
		actorID = "local-user"
	}
	s := Session{Workspace: workspace, ActorID: actorID}

	cfg, err := r.GetSettings(ctx)
	if err == nil {
		s.Config = cfg
		return s, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return s, err
	}

	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return s, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := r.UpsertSettings(ctx, cfg); err != nil {
		return s, fmt.Errorf("seed settings: %w", err)
	}
	s.Config = cfg
	return s, nil
}
