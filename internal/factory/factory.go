// Package factory turns service descriptors into scene layers.
package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/ows"
	"github.com/bgiplan/layerd/internal/scene"
)

var log = logger.ForComponent("factory")

// CapabilitiesLookup serves capabilities documents fetched earlier. The
// factory never fetches on its own.
type CapabilitiesLookup interface {
	CachedCapabilities(url string) (*ows.Capabilities, bool)
}

type FeatureFetcher interface {
	Features(ctx context.Context, q ows.FeatureQuery) ([]*geojson.Feature, error)
}

type Result struct {
	Layer  *scene.Layer
	Status catalog.Status
	Err    error
}

func failed(err error) Result {
	return Result{Status: catalog.StatusError, Err: err}
}

type Factory struct {
	caps       CapabilitiesLookup
	features   FeatureFetcher
	projection string
}

func New(caps CapabilitiesLookup, features FeatureFetcher, projection string) *Factory {
	return &Factory{caps: caps, features: features, projection: projection}
}

func (f *Factory) Projection() string { return f.projection }

// Build creates the layer for d. It never panics or returns a partial layer:
// any failure comes back as a Result with StatusError and a nil layer.
func (f *Factory) Build(id string, d catalog.Descriptor, opts ...scene.LayerOption) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("layer construction panicked", "layer", id, "panic", r)
			res = failed(fmt.Errorf("building layer %q: %v", id, r))
		}
	}()

	var (
		layer *scene.Layer
		err   error
	)

	switch d := d.(type) {
	case nil:
		err = fmt.Errorf("%w: layer %q has no service descriptor", catalog.ErrConfigMissing, id)
	case catalog.WMTS:
		layer, err = f.wmts(id, d, opts)
	case catalog.WMS:
		layer, err = f.wms(id, d, opts)
	case catalog.WFS:
		layer, err = f.wfs(id, d, opts)
	case catalog.VectorTile:
		layer, err = f.vectorTile(id, d, opts)
	case catalog.GeoJSON:
		layer = scene.NewLayer(id, scene.NewVectorSource(), append(opts, scene.WithStyle(d.Style))...)
	default:
		err = fmt.Errorf("%w: %T", catalog.ErrUnsupportedServiceType, d)
	}

	if err != nil {
		log.Warn("layer failed", "layer", id, "error", err)
		return failed(err)
	}
	return Result{Layer: layer, Status: catalog.StatusLoaded}
}

func (f *Factory) wmts(id string, d catalog.WMTS, opts []scene.LayerOption) (*scene.Layer, error) {
	capsURL := catalog.CapabilitiesURL(d)
	if f.caps == nil {
		return nil, fmt.Errorf("%w: no capabilities cache for %s", catalog.ErrCapabilitiesUnavailable, capsURL)
	}
	caps, ok := f.caps.CachedCapabilities(capsURL)
	if !ok || caps == nil {
		return nil, fmt.Errorf("%w: WMTS layer %q needs the capabilities of %s, which were not fetched",
			catalog.ErrCapabilitiesUnavailable, id, capsURL)
	}

	offered, ok := caps.Layer(d.Layer)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not offer layer %q", catalog.ErrCapabilitiesUnavailable, capsURL, d.Layer)
	}

	matrixSet := d.MatrixSet
	if matrixSet == "" && len(offered.TileMatrixSets) > 0 {
		matrixSet = offered.TileMatrixSets[0]
	}
	if matrixSet == "" {
		return nil, fmt.Errorf("%w: layer %q has no tile matrix set", catalog.ErrCapabilitiesUnavailable, d.Layer)
	}

	format := firstNonEmpty(d.Format, first(offered.Formats), "image/png")
	style := firstNonEmpty(d.Style, first(offered.Styles), "default")
	url := firstNonEmpty(d.URL, capsURL)

	src := &scene.TileSource{
		Service:    string(catalog.KindWMTS),
		URL:        url,
		Layer:      d.Layer,
		MatrixSet:  matrixSet,
		Format:     format,
		Style:      style,
		Projection: f.projection,
	}
	return scene.NewLayer(id, src, opts...), nil
}

func (f *Factory) wms(id string, d catalog.WMS, opts []scene.LayerOption) (*scene.Layer, error) {
	if d.CapabilitiesURL != "" && f.caps != nil {
		if caps, ok := f.caps.CachedCapabilities(d.CapabilitiesURL); ok {
			for _, name := range strings.Split(d.Layers, ",") {
				if _, ok := caps.Layer(strings.TrimSpace(name)); !ok {
					return nil, fmt.Errorf("%w: %s does not offer layer %q", catalog.ErrCapabilitiesUnavailable, d.CapabilitiesURL, name)
				}
			}
		}
	}

	params := map[string]string{
		"LAYERS":      d.Layers,
		"FORMAT":      firstNonEmpty(d.Format, "image/png"),
		"VERSION":     firstNonEmpty(d.Version, "1.3.0"),
		"STYLES":      d.Styles,
		"TRANSPARENT": "true",
	}

	if d.Tiled {
		src := &scene.TileSource{
			Service:    string(catalog.KindWMS),
			URL:        d.URL,
			Params:     params,
			Format:     params["FORMAT"],
			Projection: f.projection,
		}
		return scene.NewLayer(id, src, opts...), nil
	}
	return scene.NewLayer(id, &scene.ImageSource{URL: d.URL, Params: params}, opts...), nil
}

func (f *Factory) wfs(id string, d catalog.WFS, opts []scene.LayerOption) (*scene.Layer, error) {
	if f.features == nil {
		return nil, fmt.Errorf("%w: no feature service for WFS layer %q", catalog.ErrSourceMissing, id)
	}
	sourceCRS := firstNonEmpty(d.SourceCRS, geo.WGS84)
	if _, err := geo.Transformer(sourceCRS, f.projection); err != nil {
		return nil, err
	}

	fetch := f.features
	loader := func(ctx context.Context, extent orb.Bound, projection string) ([]*geojson.Feature, error) {
		bbox, err := geo.ReprojectBound(extent, projection, sourceCRS)
		if err != nil {
			return nil, err
		}
		return fetch.Features(ctx, ows.FeatureQuery{
			ServiceURL: d.URL,
			TypeName:   d.TypeName,
			BBox:       bbox,
			SourceCRS:  sourceCRS,
			DestCRS:    projection,
		})
	}

	src := scene.NewVectorSource(scene.WithLoader(loader, f.projection))
	return scene.NewLayer(id, src, append(opts, scene.WithStyle(d.Style))...), nil
}

var errNoStyle = errors.New("vector tile layer needs at least one named style")

func (f *Factory) vectorTile(id string, d catalog.VectorTile, opts []scene.LayerOption) (*scene.Layer, error) {
	styles := make([]string, 0, len(d.StyleIDs))
	for _, s := range d.StyleIDs {
		if strings.TrimSpace(s) != "" {
			styles = append(styles, s)
		}
	}
	if len(styles) == 0 {
		return nil, fmt.Errorf("%w: %q", errNoStyle, id)
	}
	if d.URL == "" {
		return nil, fmt.Errorf("%w: vector tile layer %q has no url", catalog.ErrConfigMissing, id)
	}
	src := &scene.VectorTileSource{URL: d.URL, StyleIDs: styles}
	return scene.NewLayer(id, src, append(opts, scene.WithStyle(styles[0]))...), nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
