package catalog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadJSON(t *testing.T) {
	cat, err := LoadFile(filepath.Join("testdata", "map.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if len(cat.Base) != 2 {
		t.Fatalf("expected 2 base layers, got %d", len(cat.Base))
	}
	if cat.Base[1].Visible {
		t.Error("ortho should be hidden by default")
	}

	ids := make([]string, 0)
	for _, e := range cat.Entries() {
		ids = append(ids, e.ID)
	}
	want := []string{"basemap", "ortho", "project_boundary", "heat_drawing", "heat_day", "heat_night", "trees", "buildings", "broken"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("entry order mismatch (-want +got):\n%s", diff)
	}

	zs := map[string]int{}
	for _, e := range cat.Entries() {
		zs[e.ID] = e.ZIndex()
	}
	wantZ := map[string]int{
		"basemap": 0, "ortho": 1,
		"project_boundary": 1000, "heat_drawing": 1001,
		"heat_day": 100, "heat_night": 101, "trees": 102, "buildings": 103, "broken": 104,
	}
	if diff := cmp.Diff(wantZ, zs); diff != "" {
		t.Errorf("z-index mismatch (-want +got):\n%s", diff)
	}

	broken, _ := cat.Entry("broken")
	if !errors.Is(broken.ServiceError, ErrUnsupportedServiceType) {
		t.Errorf("expected unsupported service error, got %v", broken.ServiceError)
	}

	heatDay, _ := cat.Entry("heat_day")
	trees, _ := cat.Entry("trees")
	boundary, _ := cat.Entry("project_boundary")
	if !cat.IsThematic(heatDay) || !cat.IsThematic(trees) || cat.IsThematic(boundary) {
		t.Error("thematic classification wrong")
	}

	q, ok := cat.Question("heat_thermal_load_day")
	if !ok || q.DrawLayerID != "heat_drawing" || !q.CanDrawPolygons {
		t.Errorf("unexpected question %+v", q)
	}

	if got := cat.ResolvePath(cat.Intersection.ReferencePath); got != filepath.Join("testdata", "parcels.geojson") {
		t.Errorf("ResolvePath = %s", got)
	}
	if cat.Intersection.BoundaryLayerID != DefaultBoundaryLayer {
		t.Errorf("expected default boundary layer, got %s", cat.Intersection.BoundaryLayerID)
	}
	if diff := cmp.Diff([]string{"project_boundary", "new_development", "notes"}, cat.KeepVisible); diff != "" {
		t.Errorf("keep-visible defaults (-want +got):\n%s", diff)
	}
}

func TestLoadHCL(t *testing.T) {
	cat, err := LoadFile(filepath.Join("testdata", "map.hcl"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	drawing, ok := cat.Entry("heat_drawing")
	if !ok {
		t.Fatal("heat_drawing missing")
	}
	if drawing.Folder != "Draw Layers/Heat" || drawing.Band != BandDraw {
		t.Errorf("nested draw folder not recognised: folder=%q band=%v", drawing.Folder, drawing.Band)
	}
	if _, ok := drawing.Service.(GeoJSON); !ok {
		t.Errorf("expected GeoJSON descriptor, got %T", drawing.Service)
	}

	basemap, _ := cat.Entry("basemap")
	wmts, ok := basemap.Service.(WMTS)
	if !ok || wmts.MatrixSet != "GLOBAL_WEBMERCATOR" {
		t.Errorf("unexpected basemap descriptor %#v", basemap.Service)
	}

	heatDay, _ := cat.Entry("heat_day")
	if heatDay.Visible || !cat.IsThematic(heatDay) {
		t.Errorf("heat_day: visible=%v thematic=%v", heatDay.Visible, cat.IsThematic(heatDay))
	}

	if diff := cmp.Diff([]string{"project_boundary", "notes"}, cat.KeepVisible); diff != "" {
		t.Errorf("keep_visible (-want +got):\n%s", diff)
	}

	q, ok := cat.Question("heat_thermal_load_day")
	if !ok || len(q.VisibleLayerIDs) != 1 || q.VisibleLayerIDs[0] != "heat_day" {
		t.Errorf("unexpected question %+v", q)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrConfigMissing) {
		t.Errorf("expected ErrConfigMissing, got %v", err)
	}
	_, err = LoadFile(filepath.Join(t.TempDir(), "nope.hcl"))
	if !errors.Is(err, ErrConfigMissing) {
		t.Errorf("expected ErrConfigMissing for hcl, got %v", err)
	}
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	_, err := Parse([]byte(`{"baseLayers":[{"id":"a","service":{"type":"GeoJSON"}}],"layers":[{"id":"a","service":{"type":"GeoJSON"}}]}`))
	if err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	descs := []Descriptor{
		WMS{URL: "https://wms", Layers: "a,b", Format: "image/png", Version: "1.3.0", Tiled: true},
		WMTS{URL: "https://wmts", CapabilitiesURL: "https://wmts/caps", Layer: "grey", MatrixSet: "EPSG:3857"},
		WFS{URL: "https://wfs", TypeName: "app:trees", SourceCRS: "EPSG:25832"},
		VectorTile{URL: "https://vt", StyleIDs: []string{"a"}},
		GeoJSON{Style: "notes"},
	}
	for _, d := range descs {
		data, err := EncodeDescriptor(d)
		if err != nil {
			t.Fatalf("encode %T: %v", d, err)
		}
		if !IsDescriptorDocument(data) {
			t.Errorf("%T not recognised as descriptor document", d)
		}
		got, err := DecodeDescriptor(data)
		if err != nil {
			t.Fatalf("decode %T: %v", d, err)
		}
		if diff := cmp.Diff(d, got); diff != "" {
			t.Errorf("%T round trip (-want +got):\n%s", d, diff)
		}
	}

	if IsDescriptorDocument([]byte(`{"type":"FeatureCollection","features":[]}`)) {
		t.Error("feature collection mistaken for descriptor")
	}
	if _, err := DecodeDescriptor([]byte(`{"type":"WMS"}`)); err == nil {
		t.Error("expected WMS without url to be rejected")
	}
}

func TestCapabilitiesURL(t *testing.T) {
	if got := CapabilitiesURL(WMTS{URL: "https://wmts"}); got != "https://wmts" {
		t.Errorf("WMTS falls back to url, got %q", got)
	}
	if got := CapabilitiesURL(WFS{URL: "https://wfs"}); got != "" {
		t.Errorf("WFS needs no capabilities, got %q", got)
	}
}
