package app

import (
	"context"
	"errors"
	"fmt"

	"launchdeck/internal/domain"
	"launchdeck/internal/repo"
)

// ResolveProject picks the active project: an explicit override wins,
// otherwise the single project in the workspace is used.
func ResolveProject(ctx context.Context, projectOverride string, r repo.Repo) (domain.Project, error) {
	if projectOverride != "" {
		p, err := r.GetProject(ctx, projectOverride)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Project{}, domain.NotFoundError{Kind: "project", ID: projectOverride}
			}
			return domain.Project{}, err
		}
		return p, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, fmt.Errorf("no project yet; run ld init first")
		}
		return domain.Project{}, err
	}
	return p, nil
}
