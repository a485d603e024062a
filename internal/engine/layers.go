package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/derive"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/registry"
	"github.com/bgiplan/layerd/internal/scene"
	"github.com/bgiplan/layerd/internal/visibility"
)

func (e *Engine) Layers() []registry.ManagedLayer {
	return e.reg.List()
}

func (e *Engine) SetVisibility(layerID string, visible bool) error {
	return e.reg.SetVisible(layerID, visible)
}

func (e *Engine) SetOpacity(layerID string, opacity float64) error {
	return e.reg.SetOpacity(layerID, opacity)
}

// ApplyConfigLayers shows the layers of questionID. ok is false when the
// question is unknown or the map is not ready.
func (e *Engine) ApplyConfigLayers(questionID string, hideOtherDrawLayers bool) (visibility.Result, bool) {
	res, ok := e.orch.Apply(questionID, hideOtherDrawLayers)
	if ok && e.persist != nil && e.persist.Project() != "" {
		if q, found := e.cat.Question(questionID); found && q.DrawLayerID != "" && !strings.HasSuffix(q.DrawLayerID, catalog.FilteredSuffix) {
			if err := e.persist.Watch(q.DrawLayerID); err != nil {
				log.Debug("draw layer not watched", "layer", q.DrawLayerID, "error", err)
			}
		}
	}
	return res, ok
}

func (e *Engine) ActiveQuestion() (*catalog.QuestionLayerConfig, bool) {
	return e.orch.ActiveQuestion()
}

// AddDrawFeatures adds the features of a GeoJSON document in WGS84 to the
// draw layer layerID, creating the layer when needed.
func (e *Engine) AddDrawFeatures(ctx context.Context, layerID string, data []byte) (int, error) {
	if layerID == "" {
		return 0, fmt.Errorf("draw layer id cannot be empty")
	}
	features, err := decodeUpload(data, e.scene.Projection())
	if err != nil {
		return 0, err
	}

	layer, _, err := e.reg.EnsureVectorLayer(layerID, registry.VectorLayerOptions{
		Band:    catalog.BandDraw,
		Folder:  e.cat.DrawFolder,
		Visible: true,
	})
	if err != nil {
		return 0, err
	}
	if layerID == e.cat.Intersection.BoundaryLayerID {
		e.mu.Lock()
		if e.boundary == nil {
			e.attachBoundary()
		}
		e.mu.Unlock()
	}
	if e.persist != nil && e.persist.Project() != "" {
		if err := e.persist.Watch(layerID); err != nil {
			log.Warn("draw layer not watched", "layer", layerID, "error", err)
		}
	}

	src, _ := layer.VectorSource()
	src.AddFeatures(features)
	return src.Len(), nil
}

// ClearDraw removes every feature of a draw layer. The stored copy is
// deleted by the resulting save.
func (e *Engine) ClearDraw(layerID string) error {
	src, ok := e.reg.VectorSource(layerID)
	if !ok {
		return fmt.Errorf("%w: draw layer %q", catalog.ErrSourceMissing, layerID)
	}
	src.Clear()
	return nil
}

// CreateFilter derives a filtered copy of sourceID that follows later edits
// of the source.
func (e *Engine) CreateFilter(sourceID, expression, destID string) (string, error) {
	pred, err := derive.CompilePredicate(expression)
	if err != nil {
		return "", err
	}
	id, err := e.filters.Create(sourceID, pred, destID)
	if err != nil {
		return "", err
	}
	if err := e.filters.Follow(id); err != nil {
		log.Debug("filtered layer does not follow its source", "layer", id, "error", err)
	}
	return id, nil
}

// UpdateFilter reapplies the filter of destID, with a new expression when
// one is given.
func (e *Engine) UpdateFilter(destID, expression string) (int, error) {
	var pred derive.Predicate
	if expression != "" {
		p, err := derive.CompilePredicate(expression)
		if err != nil {
			return 0, err
		}
		pred = p
	}
	return e.filters.Update(destID, pred)
}

func (e *Engine) RemoveFilter(destID string) bool {
	return e.filters.Remove(destID)
}

// LayerFeatures are the features of one layer hit by a query.
type LayerFeatures struct {
	LayerID  string                     `json:"layerId"`
	Features *geojson.FeatureCollection `json:"features"`
}

// QueryFeatures returns, per queryable layer of questionID, the features at
// point (WGS84 lon/lat). Layers that fail are left out; a failed query
// yields an empty result rather than an error.
func (e *Engine) QueryFeatures(ctx context.Context, questionID string, point orb.Point, tolerance float64) []LayerFeatures {
	q, ok := e.cat.Question(questionID)
	if !ok || len(q.CanQueryFeatures) == 0 {
		return nil
	}

	projection := e.scene.Projection()
	g, err := geo.Reproject(point, geo.WGS84, projection)
	if err != nil {
		log.Warn("query point not reprojectable", "error", err)
		return nil
	}
	at := g.(orb.Point)
	probe := orb.Geometry(at)
	area := orb.Bound{Min: at, Max: at}
	if tolerance > 0 {
		area = area.Pad(tolerance)
		probe = area.ToPolygon()
	}

	var out []LayerFeatures
	for _, id := range q.CanQueryFeatures {
		src, ok := e.reg.VectorSource(id)
		if !ok {
			continue
		}
		if err := src.LoadExtent(ctx, area); err != nil {
			log.Warn("feature query failed", "layer", id, "error", err)
			continue
		}

		var hits []*geojson.Feature
		for _, f := range src.Features() {
			if f.Geometry != nil && geo.Intersects(f.Geometry, probe) {
				hits = append(hits, f)
			}
		}
		if len(hits) == 0 {
			continue
		}
		hits, err = geo.ReprojectFeatures(hits, projection, geo.WGS84)
		if err != nil {
			continue
		}
		fc := geojson.NewFeatureCollection()
		fc.Features = hits
		out = append(out, LayerFeatures{LayerID: id, Features: fc})
	}
	return out
}

// UploadVector imports a GeoJSON document in WGS84 as an uploaded vector
// layer, replacing the content of layerID when it exists. The layer is saved
// right away and on every later edit.
func (e *Engine) UploadVector(ctx context.Context, layerID, name string, data []byte) (string, error) {
	features, err := decodeUpload(data, e.scene.Projection())
	if err != nil {
		return "", err
	}
	if layerID == "" {
		layerID = "upload_" + uuid.NewString()[:8]
	}

	layer, _, err := e.reg.EnsureVectorLayer(layerID, registry.VectorLayerOptions{
		Title:    name,
		Band:     catalog.BandSubject,
		Visible:  true,
		Uploaded: true,
	})
	if err != nil {
		return "", err
	}

	if e.persist != nil {
		e.persist.Unwatch(layerID)
	}
	src, _ := layer.VectorSource()
	src.Clear()
	src.AddFeatures(features)

	if e.persist != nil && e.persist.Project() != "" {
		if name != "" {
			e.persist.SetName(layerID, name)
		}
		if err := e.persist.Save(ctx, layerID); err != nil {
			log.Warn("upload not persisted", "layer", layerID, "error", err)
		}
		if err := e.persist.Watch(layerID); err != nil {
			log.Warn("upload not watched", "layer", layerID, "error", err)
		}
	}
	log.Info("vector layer uploaded", "layer", layerID, "features", len(features))
	return layerID, nil
}

// UploadService adds a service-backed layer from its descriptor and stores
// the descriptor so the layer reconnects when the project is reopened.
func (e *Engine) UploadService(ctx context.Context, layerID, name string, d catalog.Descriptor) (string, error) {
	if d == nil {
		return "", fmt.Errorf("%w: no service descriptor", catalog.ErrConfigMissing)
	}
	if layerID == "" {
		layerID = "upload_" + uuid.NewString()[:8]
	}
	if u := catalog.CapabilitiesURL(d); u != "" {
		e.prefetchCapabilities(ctx, []string{u})
	}

	z := e.reg.NextZIndex(catalog.BandSubject)
	if existing, ok := e.reg.Get(layerID); ok {
		if !existing.Uploaded {
			return "", fmt.Errorf("%w: %s", registry.ErrLayerExists, layerID)
		}
		z = existing.ZIndex
		e.reg.Remove(layerID)
	}

	res := e.factory.Build(layerID, d, scene.WithVisible(true), scene.WithZIndex(z))
	if res.Err != nil {
		return "", res.Err
	}
	if err := e.reg.Add(registry.ManagedLayer{
		ID:        layerID,
		Title:     name,
		Status:    res.Status,
		Visible:   true,
		Opacity:   1,
		ZIndex:    z,
		LayerType: catalog.LayerTypeSubject,
		Band:      catalog.BandSubject,
		Uploaded:  true,
		Service:   d,
		Layer:     res.Layer,
	}); err != nil {
		return "", err
	}

	if e.persist != nil && e.persist.Project() != "" {
		if err := e.persist.SaveDescriptor(ctx, layerID, name, d); err != nil {
			log.Warn("service upload not persisted", "layer", layerID, "error", err)
		}
	}
	log.Info("service layer uploaded", "layer", layerID, "type", d.Kind())
	return layerID, nil
}

// decodeUpload accepts a FeatureCollection, a single Feature or a bare
// geometry in WGS84 and returns features in projection.
func decodeUpload(data []byte, projection string) ([]*geojson.Feature, error) {
	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && fc.Type == "FeatureCollection" {
		return geo.ReprojectFeatures(fc.Features, geo.WGS84, projection)
	}
	if f, err := geojson.UnmarshalFeature(data); err == nil && f.Type == "Feature" {
		return geo.ReprojectFeatures([]*geojson.Feature{f}, geo.WGS84, projection)
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("not a GeoJSON document: %w", err)
	}
	if g.Coordinates == nil {
		return nil, fmt.Errorf("not a GeoJSON document")
	}
	return geo.ReprojectFeatures([]*geojson.Feature{geojson.NewFeature(g.Geometry())}, geo.WGS84, projection)
}
