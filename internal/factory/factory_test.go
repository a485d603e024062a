package factory

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/ows"
	"github.com/bgiplan/layerd/internal/scene"
)

type capsMap map[string]*ows.Capabilities

func (m capsMap) CachedCapabilities(url string) (*ows.Capabilities, bool) {
	c, ok := m[url]
	return c, ok
}

type recordingFetcher struct {
	queries []ows.FeatureQuery
}

func (r *recordingFetcher) Features(ctx context.Context, q ows.FeatureQuery) ([]*geojson.Feature, error) {
	r.queries = append(r.queries, q)
	return []*geojson.Feature{geojson.NewFeature(orb.Point{1, 1})}, nil
}

var greyCaps = &ows.Capabilities{
	Service: catalog.KindWMTS,
	Layers: []ows.CapabilityLayer{{
		Name:           "grey",
		Formats:        []string{"image/jpeg"},
		Styles:         []string{"default"},
		TileMatrixSets: []string{"GLOBAL_WEBMERCATOR"},
	}},
}

func TestBuildWMTSRequiresCapabilities(t *testing.T) {
	f := New(capsMap{}, nil, "EPSG:3857")

	res := f.Build("basemap", catalog.WMTS{URL: "https://wmts", Layer: "grey"})
	if res.Status != catalog.StatusError || res.Layer != nil {
		t.Fatalf("expected error result, got %+v", res)
	}
	if !errors.Is(res.Err, catalog.ErrCapabilitiesUnavailable) {
		t.Errorf("expected ErrCapabilitiesUnavailable, got %v", res.Err)
	}
}

func TestBuildWMTS(t *testing.T) {
	f := New(capsMap{"https://wmts/caps": greyCaps}, nil, "EPSG:3857")

	res := f.Build("basemap", catalog.WMTS{URL: "https://wmts", CapabilitiesURL: "https://wmts/caps", Layer: "grey"},
		scene.WithZIndex(0))
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	src, ok := res.Layer.Source().(*scene.TileSource)
	if !ok {
		t.Fatalf("expected tile source, got %T", res.Layer.Source())
	}
	if src.MatrixSet != "GLOBAL_WEBMERCATOR" || src.Format != "image/jpeg" || src.Style != "default" {
		t.Errorf("defaults not taken from capabilities: %+v", src)
	}

	res = f.Build("other", catalog.WMTS{CapabilitiesURL: "https://wmts/caps", Layer: "missing"})
	if res.Err == nil {
		t.Error("expected error for layer not offered")
	}
}

func TestBuildWMS(t *testing.T) {
	f := New(nil, nil, "EPSG:3857")

	res := f.Build("heat", catalog.WMS{URL: "https://wms", Layers: "day"})
	img, ok := res.Layer.Source().(*scene.ImageSource)
	if !ok {
		t.Fatalf("expected single image source, got %T", res.Layer.Source())
	}
	if img.Params["LAYERS"] != "day" || img.Params["VERSION"] != "1.3.0" || img.Params["FORMAT"] != "image/png" {
		t.Errorf("unexpected params %v", img.Params)
	}

	res = f.Build("heat_tiled", catalog.WMS{URL: "https://wms", Layers: "day", Tiled: true, Version: "1.1.1"})
	tile, ok := res.Layer.Source().(*scene.TileSource)
	if !ok || tile.Params["VERSION"] != "1.1.1" {
		t.Errorf("expected tiled WMS source, got %#v", res.Layer.Source())
	}
}

func TestBuildWMSValidatesAgainstCachedCapabilities(t *testing.T) {
	caps := &ows.Capabilities{Service: catalog.KindWMS, Layers: []ows.CapabilityLayer{{Name: "day"}}}
	f := New(capsMap{"https://wms/caps": caps}, nil, "EPSG:3857")

	res := f.Build("heat", catalog.WMS{URL: "https://wms", Layers: "day,night", CapabilitiesURL: "https://wms/caps"})
	if res.Err == nil {
		t.Error("expected unknown layer night to be rejected")
	}
}

func TestBuildWFSLoadsByReprojectedExtent(t *testing.T) {
	fetcher := &recordingFetcher{}
	f := New(nil, fetcher, "EPSG:3857")

	res := f.Build("trees", catalog.WFS{URL: "https://wfs", TypeName: "app:trees", SourceCRS: "EPSG:4326"})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	src, ok := res.Layer.VectorSource()
	if !ok {
		t.Fatal("expected vector source")
	}

	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{111319.49, 111325.14}}
	if err := src.LoadExtent(context.Background(), extent); err != nil {
		t.Fatal(err)
	}
	if len(fetcher.queries) != 1 {
		t.Fatalf("expected 1 query, got %d", len(fetcher.queries))
	}
	q := fetcher.queries[0]
	if q.DestCRS != "EPSG:3857" || q.SourceCRS != "EPSG:4326" {
		t.Errorf("unexpected CRS pair %s -> %s", q.SourceCRS, q.DestCRS)
	}
	if math.Abs(q.BBox.Max[0]-1) > 1e-6 || math.Abs(q.BBox.Max[1]-1) > 1e-4 {
		t.Errorf("bbox not reprojected to source CRS: %v", q.BBox)
	}
	if src.Len() != 1 {
		t.Errorf("expected loaded feature, got %d", src.Len())
	}
}

func TestBuildWFSWithoutFetcher(t *testing.T) {
	res := New(nil, nil, "EPSG:3857").Build("trees", catalog.WFS{URL: "https://wfs", TypeName: "t"})
	if !errors.Is(res.Err, catalog.ErrSourceMissing) {
		t.Errorf("expected ErrSourceMissing, got %v", res.Err)
	}
}

func TestBuildVectorTileNeedsStyle(t *testing.T) {
	f := New(nil, nil, "EPSG:3857")

	res := f.Build("buildings", catalog.VectorTile{URL: "https://vt/{z}/{x}/{y}.pbf", StyleIDs: []string{" "}})
	if res.Status != catalog.StatusError || res.Err == nil {
		t.Errorf("expected failure without styles, got %+v", res)
	}

	res = f.Build("buildings", catalog.VectorTile{URL: "https://vt/{z}/{x}/{y}.pbf", StyleIDs: []string{"light"}})
	if res.Err != nil || res.Layer.Style() != "light" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestBuildGeoJSONAndMissingDescriptor(t *testing.T) {
	f := New(nil, nil, "EPSG:3857")

	res := f.Build("notes", catalog.GeoJSON{Style: "notes"}, scene.WithVisible(false))
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	src, ok := res.Layer.VectorSource()
	if !ok || src.Len() != 0 {
		t.Error("expected empty vector source")
	}
	if res.Layer.Visible() || res.Layer.Style() != "notes" {
		t.Error("options not applied")
	}

	res = f.Build("nothing", nil)
	if !errors.Is(res.Err, catalog.ErrConfigMissing) {
		t.Errorf("expected ErrConfigMissing, got %v", res.Err)
	}
}
