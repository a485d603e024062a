package registry

import (
	"context"
	"fmt"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/factory"
	"github.com/bgiplan/layerd/internal/scene"
)

// MapState summarises whether the map can be shown.
type MapState struct {
	Ready       bool   `json:"ready"`
	Error       bool   `json:"error"`
	Message     string `json:"message,omitempty"`
	BaseLoaded  int    `json:"baseLoaded"`
	BaseErrored int    `json:"baseErrored"`
	Layers      int    `json:"layers"`
	Failed      int    `json:"failed"`
}

// Init builds every catalog entry through the factory and registers the
// result, replacing whatever the registry held before. A failing entry is
// recorded with its error and a nil handle; it never stops the others.
func (r *Registry) Init(ctx context.Context, cat *catalog.Catalog, f *factory.Factory) (MapState, error) {
	r.Teardown()

	for _, e := range cat.Entries() {
		if err := ctx.Err(); err != nil {
			return r.State(), err
		}
		e.Status = catalog.StatusLoading

		ml := ManagedLayer{
			ID:        e.ID,
			Title:     e.Title,
			Visible:   e.Visible,
			Opacity:   e.Opacity,
			ZIndex:    e.ZIndex(),
			LayerType: e.LayerType,
			Band:      e.Band,
			Folder:    e.Folder,
			Group:     e.Group,
			Service:   e.Service,
		}

		var res factory.Result
		if e.ServiceError != nil {
			res = factory.Result{Status: catalog.StatusError, Err: e.ServiceError}
		} else {
			res = f.Build(e.ID, e.Service,
				scene.WithVisible(e.Visible),
				scene.WithOpacity(e.Opacity),
				scene.WithZIndex(ml.ZIndex),
			)
		}

		ml.Status = res.Status
		ml.Layer = res.Layer
		if res.Err != nil {
			ml.Status = catalog.StatusError
			ml.Layer = nil
			ml.Error = res.Err.Error()
		}
		e.Status = ml.Status

		if err := r.Add(ml); err != nil {
			// The scene refused the handle; keep the record so the failure
			// is visible.
			ml.Status = catalog.StatusError
			ml.Layer = nil
			ml.Error = err.Error()
			e.Status = catalog.StatusError
			if err := r.Add(ml); err != nil {
				return r.State(), fmt.Errorf("registering %s: %w", e.ID, err)
			}
		}
	}

	state := r.State()
	log.Info("registry initialized", "layers", state.Layers, "failed", state.Failed,
		"base_loaded", state.BaseLoaded, "ready", state.Ready)
	return state, nil
}

// State applies the readiness rule: ready when at least one base layer
// loaded, global error when none loaded and at least one failed.
func (r *Registry) State() MapState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s MapState
	s.Layers = len(r.layers)
	for _, ml := range r.layers {
		if ml.Status == catalog.StatusError {
			s.Failed++
		}
		if ml.LayerType != catalog.LayerTypeBase {
			continue
		}
		switch ml.Status {
		case catalog.StatusLoaded:
			s.BaseLoaded++
		case catalog.StatusError:
			s.BaseErrored++
		}
	}
	s.Ready = s.BaseLoaded > 0
	s.Error = s.BaseLoaded == 0 && s.BaseErrored > 0
	if s.Error {
		s.Message = "no base layer could be loaded"
	}
	return s
}
