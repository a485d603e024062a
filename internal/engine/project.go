package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/persist"
	"github.com/bgiplan/layerd/internal/registry"
)

// Project is the id of the open project, or "".
func (e *Engine) Project() string {
	if e.persist == nil {
		return ""
	}
	return e.persist.Project()
}

// NewProject opens a fresh, empty project and returns its id.
func (e *Engine) NewProject(ctx context.Context) (string, registry.MapState, error) {
	id := uuid.NewString()
	state, err := e.OpenProject(ctx, id)
	return id, state, err
}

// OpenProject writes what is pending for the current project, then rebuilds
// the map for projectID and restores its layers.
func (e *Engine) OpenProject(ctx context.Context, projectID string) (registry.MapState, error) {
	if e.persist == nil {
		return registry.MapState{}, fmt.Errorf("%w: persistence disabled", catalog.ErrPersistenceFailure)
	}
	if projectID == "" {
		return registry.MapState{}, fmt.Errorf("project id cannot be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.teardownLocked()
	e.persist.SetProject(projectID)
	log.Info("opening project", "project", projectID)
	return e.initLocked(ctx)
}

// DeleteProject removes every stored layer of projectID. Deleting the open
// project also resets the map so no layer of it survives in memory.
func (e *Engine) DeleteProject(ctx context.Context, projectID string) (int, error) {
	if e.persist == nil {
		return 0, fmt.Errorf("%w: persistence disabled", catalog.ErrPersistenceFailure)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	open := e.persist.Project() == projectID
	if open {
		// drop pending saves before they can recreate what is deleted
		e.persist.SetProject("")
	}
	n, err := e.persist.DeleteProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	if open && e.initialized {
		e.teardownLocked()
		if _, err := e.initLocked(ctx); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ProjectLayers lists the stored layer files of the open project.
func (e *Engine) ProjectLayers(ctx context.Context) ([]persist.Blob, error) {
	if e.persist == nil {
		return nil, nil
	}
	return e.persist.Files(ctx)
}
