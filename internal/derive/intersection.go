// Package derive computes layers from other layers: the planning layer
// (boundary intersected with a reference dataset) and predicate-filtered
// subsets. Derived layers own copies of their features and are never
// persisted.
package derive

import (
	"context"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/registry"
)

var log = logger.ForComponent("derive")

// Intersector fills the planning layer with the reference features that
// intersect the project boundary.
type Intersector struct {
	reg        *registry.Registry
	boundaryID string
	planningID string

	mu        sync.RWMutex
	reference []*geojson.Feature
}

func NewIntersector(reg *registry.Registry, boundaryID, planningID string) *Intersector {
	return &Intersector{reg: reg, boundaryID: boundaryID, planningID: planningID}
}

func (x *Intersector) BoundaryID() string { return x.boundaryID }
func (x *Intersector) PlanningID() string { return x.planningID }

// SetReference replaces the reference dataset. Features must already be in
// the scene projection.
func (x *Intersector) SetReference(features []*geojson.Feature) {
	x.mu.Lock()
	x.reference = features
	x.mu.Unlock()
}

func (x *Intersector) ReferenceLen() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.reference)
}

// Run recomputes the planning layer and returns how many features it holds.
// The planning layer is created on first use and cleared on every run; an
// empty boundary leaves it empty.
func (x *Intersector) Run(ctx context.Context) (int, error) {
	boundary, ok := x.reg.VectorSource(x.boundaryID)
	if !ok {
		return 0, fmt.Errorf("%w: boundary layer %q", catalog.ErrSourceMissing, x.boundaryID)
	}

	dest, _, err := x.reg.EnsureVectorLayer(x.planningID, registry.VectorLayerOptions{
		Band:     catalog.BandSubject,
		Visible:  true,
		SourceID: x.boundaryID,
	})
	if err != nil {
		return 0, err
	}
	destSrc, _ := dest.VectorSource()
	destSrc.Clear()

	shapes := boundary.Features()
	if len(shapes) == 0 {
		return 0, nil
	}

	x.mu.RLock()
	reference := x.reference
	x.mu.RUnlock()

	hits, err := Intersect(ctx, shapes, reference)
	if err != nil {
		return 0, err
	}
	destSrc.AddFeatures(hits)
	log.Debug("planning layer recomputed", "boundary", len(shapes), "reference", len(reference), "hits", len(hits))
	return len(hits), nil
}

// Intersect returns copies of the reference features whose geometry
// intersects at least one boundary feature. Extents are compared first; the
// exact test only runs on overlapping pairs. A feature touching several
// boundary features is returned once, keyed by geo.FeatureKey.
func Intersect(ctx context.Context, boundary, reference []*geojson.Feature) ([]*geojson.Feature, error) {
	type shape struct {
		geom  orb.Geometry
		bound orb.Bound
	}
	shapes := make([]shape, 0, len(boundary))
	for _, b := range boundary {
		if b == nil || b.Geometry == nil {
			continue
		}
		shapes = append(shapes, shape{geom: b.Geometry, bound: b.Geometry.Bound()})
	}

	seen := make(map[string]bool)
	var out []*geojson.Feature
	for i, r := range reference {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if r == nil || r.Geometry == nil {
			continue
		}
		rb := r.Geometry.Bound()
		for _, s := range shapes {
			if !rb.Intersects(s.bound) || !geo.Intersects(r.Geometry, s.geom) {
				continue
			}
			key := geo.FeatureKey(r)
			if !seen[key] {
				seen[key] = true
				out = append(out, geo.CloneFeature(r))
			}
			break
		}
	}
	return out, nil
}
