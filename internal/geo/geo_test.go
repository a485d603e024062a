package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func square(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Polygon{{{minX, minY}, {minX, maxY}, {maxX, maxY}, {maxX, minY}, {minX, minY}}}
}

func TestIntersects(t *testing.T) {
	boundary := square(0, 0, 10, 10)

	tests := []struct {
		name string
		geom orb.Geometry
		want bool
	}{
		{"inside", square(2, 2, 4, 4), true},
		{"outside", square(20, 20, 30, 30), false},
		{"straddling", square(8, 8, 12, 12), true},
		{"touching edge", square(10, 2, 12, 4), true},
		{"containing", square(-5, -5, 15, 15), true},
		{"point inside", orb.Point{5, 5}, true},
		{"point on edge", orb.Point{0, 5}, true},
		{"point outside", orb.Point{11, 5}, false},
		{"line crossing", orb.LineString{{-1, 5}, {11, 5}}, true},
		{"line outside", orb.LineString{{11, 0}, {11, 10}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Intersects(boundary, tt.geom); got != tt.want {
				t.Errorf("Intersects(boundary, %s) = %v, want %v", tt.name, got, tt.want)
			}
			if got := Intersects(tt.geom, boundary); got != tt.want {
				t.Errorf("Intersects(%s, boundary) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIntersectsBoundOverlapIsNotEnough(t *testing.T) {
	// L-shaped polygon whose bounding box covers the probe but whose area does not.
	l := orb.Polygon{{{0, 0}, {0, 10}, {2, 10}, {2, 2}, {10, 2}, {10, 0}, {0, 0}}}
	probe := square(5, 5, 7, 7)

	if !l.Bound().Intersects(probe.Bound()) {
		t.Fatal("expected bounding boxes to overlap")
	}
	if Intersects(l, probe) {
		t.Error("expected no true intersection")
	}
}

func TestReprojectRoundTrip(t *testing.T) {
	original := orb.Polygon{{{13.40, 52.52}, {13.41, 52.52}, {13.41, 52.53}, {13.40, 52.52}}}

	merc, err := Reproject(original, WGS84, WebMercator)
	if err != nil {
		t.Fatalf("reproject: %v", err)
	}
	if ApproxEqual(original, merc, 1e-6) {
		t.Fatal("expected mercator coordinates to differ")
	}

	back, err := Reproject(merc, "EPSG:900913", "CRS:84")
	if err != nil {
		t.Fatalf("reproject back: %v", err)
	}
	if !ApproxEqual(original, back, 1e-9) {
		t.Errorf("round trip mismatch: %v vs %v", original, back)
	}
	if original[0][0][0] != 13.40 {
		t.Error("source geometry was modified")
	}
}

func TestUnknownCRS(t *testing.T) {
	_, err := Transformer("EPSG:25832", WGS84)
	if !errors.Is(err, ErrUnknownCRS) {
		t.Errorf("expected ErrUnknownCRS, got %v", err)
	}
}

func TestReprojectBound(t *testing.T) {
	b, err := ReprojectBound(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}, WGS84, WebMercator)
	if err != nil {
		t.Fatal(err)
	}
	if b.Min[0] != 0 || math.Abs(b.Max[0]-111319.49) > 1 {
		t.Errorf("unexpected bound %v", b)
	}
}

func TestFeatureKey(t *testing.T) {
	withID := geojson.NewFeature(orb.Point{1, 1})
	withID.ID = 42
	if got := FeatureKey(withID); got != "id:42" {
		t.Errorf("FeatureKey = %q", got)
	}

	a := geojson.NewFeature(orb.Point{1, 1})
	a.Properties["name"] = "park"
	a.Properties["area"] = 12.5
	b := geojson.NewFeature(orb.Point{2, 2})
	b.Properties["area"] = 12.5
	b.Properties["name"] = "park"
	if FeatureKey(a) != FeatureKey(b) {
		t.Error("expected equal attribute sets to hash equally")
	}

	b.Properties["name"] = "pond"
	if FeatureKey(a) == FeatureKey(b) {
		t.Error("expected different attributes to hash differently")
	}
}

func TestCloneFeatureDoesNotAlias(t *testing.T) {
	f := geojson.NewFeature(orb.LineString{{0, 0}, {1, 1}})
	f.Properties["k"] = "v"

	c := CloneFeature(f)
	c.Geometry.(orb.LineString)[0][0] = 99
	c.Properties["k"] = "changed"

	if f.Geometry.(orb.LineString)[0][0] != 0 {
		t.Error("geometry aliased")
	}
	if f.Properties["k"] != "v" {
		t.Error("properties aliased")
	}
}

func TestCloneFeatureCopiesNestedProperties(t *testing.T) {
	f, err := geojson.UnmarshalFeature([]byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},
		"properties":{"usage":{"kind":"roof","tags":["green","flat"]},"levels":[1,2]}}`))
	if err != nil {
		t.Fatal(err)
	}

	c := CloneFeature(f)
	c.Properties["usage"].(map[string]any)["kind"] = "wall"
	c.Properties["usage"].(map[string]any)["tags"].([]any)[0] = "grey"
	c.Properties["levels"].([]any)[1] = 9

	usage := f.Properties["usage"].(map[string]any)
	if usage["kind"] != "roof" {
		t.Error("nested object aliased")
	}
	if usage["tags"].([]any)[0] != "green" {
		t.Error("array inside nested object aliased")
	}
	if f.Properties["levels"].([]any)[1] != float64(2) {
		t.Error("array property aliased")
	}
}

func TestExtent(t *testing.T) {
	if _, ok := Extent(nil); ok {
		t.Error("expected no extent for empty input")
	}
	fs := []*geojson.Feature{
		geojson.NewFeature(orb.Point{1, 2}),
		geojson.NewFeature(orb.Point{-3, 5}),
	}
	b, ok := Extent(fs)
	if !ok || b.Min != (orb.Point{-3, 2}) || b.Max != (orb.Point{1, 5}) {
		t.Errorf("unexpected extent %v", b)
	}
}
