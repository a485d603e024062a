package derive

import (
	"context"
	"sort"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/registry"
	"github.com/bgiplan/layerd/internal/scene"
)

var square = orb.Polygon{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}}

func feature(id string, g orb.Geometry, props map[string]any) *geojson.Feature {
	f := geojson.NewFeature(g)
	if id != "" {
		f.ID = id
	}
	for k, v := range props {
		f.Properties[k] = v
	}
	return f
}

func box(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}.ToPolygon()
}

func ids(features []*geojson.Feature) []string {
	out := make([]string, 0, len(features))
	for _, f := range features {
		out = append(out, f.ID.(string))
	}
	sort.Strings(out)
	return out
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(scene.NewMap("EPSG:3857"))
	_, _, err := reg.EnsureVectorLayer("project_boundary", registry.VectorLayerOptions{Band: catalog.BandDraw, Visible: true})
	require.NoError(t, err)
	return reg
}

func TestIntersectSquareScenario(t *testing.T) {
	boundary := []*geojson.Feature{feature("b", square, nil)}
	reference := []*geojson.Feature{
		feature("A", box(2, 2, 4, 4), nil),
		feature("B", box(20, 20, 30, 30), nil),
		feature("C", box(8, 8, 12, 12), nil),
	}

	hits, err := Intersect(context.Background(), boundary, reference)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, ids(hits))
}

func TestIntersectDeduplicates(t *testing.T) {
	boundary := []*geojson.Feature{
		feature("left", box(0, 0, 5, 5), nil),
		feature("right", box(5, 0, 10, 5), nil),
	}
	anon := func() *geojson.Feature {
		return feature("", box(4, 1, 6, 2), map[string]any{"name": "shared"})
	}
	reference := []*geojson.Feature{
		feature("spanning", box(4, 1, 6, 2), nil),
		anon(),
		anon(),
	}

	hits, err := Intersect(context.Background(), boundary, reference)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestIntersectRejectsBoundingBoxOnlyOverlap(t *testing.T) {
	triangle := orb.Polygon{{{0, 0}, {10, 0}, {0, 10}, {0, 0}}}
	boundary := []*geojson.Feature{feature("t", triangle, nil)}
	reference := []*geojson.Feature{feature("corner", box(8, 8, 9, 9), nil)}

	hits, err := Intersect(context.Background(), boundary, reference)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIntersectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Intersect(ctx, []*geojson.Feature{feature("b", square, nil)}, []*geojson.Feature{feature("A", box(1, 1, 2, 2), nil)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIntersectorRun(t *testing.T) {
	reg := newRegistry(t)
	x := NewIntersector(reg, "project_boundary", "planning_area")
	a := feature("A", box(2, 2, 4, 4), map[string]any{"use": "park"})
	x.SetReference([]*geojson.Feature{a, feature("B", box(20, 20, 30, 30), nil)})

	n, err := x.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, reg.Has("planning_area"), "planning layer is created lazily")

	boundary, _ := reg.VectorSource("project_boundary")
	boundary.AddFeature(feature("b", square, nil))

	n, err = x.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	planning, _ := reg.VectorSource("planning_area")
	got := planning.Features()
	require.Len(t, got, 1)

	// the copy does not alias the reference feature
	got[0].Geometry.(orb.Polygon)[0][0][0] = 99
	got[0].Properties["use"] = "changed"
	assert.Equal(t, 2.0, a.Geometry.(orb.Polygon)[0][0][0])
	assert.Equal(t, "park", a.Properties["use"])

	boundary.Clear()
	n, err = x.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, planning.Len())

	ml, _ := reg.Get("planning_area")
	assert.True(t, ml.Derived())
}

func TestIntersectorMissingBoundary(t *testing.T) {
	reg := registry.New(scene.NewMap("EPSG:3857"))
	_, err := NewIntersector(reg, "project_boundary", "planning_area").Run(context.Background())
	assert.ErrorIs(t, err, catalog.ErrSourceMissing)
	assert.False(t, reg.Has("planning_area"))
}

func TestCompilePredicate(t *testing.T) {
	pred, err := CompilePredicate(`area > 100 && usage == "residential"`)
	require.NoError(t, err)

	assert.True(t, pred(feature("1", orb.Point{}, map[string]any{"area": 150.0, "usage": "residential"})))
	assert.False(t, pred(feature("2", orb.Point{}, map[string]any{"area": 50.0, "usage": "residential"})))
	assert.False(t, pred(feature("3", orb.Point{}, map[string]any{"usage": "residential"})))

	byType, err := CompilePredicate(`geometryType == "Polygon"`)
	require.NoError(t, err)
	assert.True(t, byType(feature("4", square, nil)))

	notBool, err := CompilePredicate(`area`)
	require.NoError(t, err)
	assert.False(t, notBool(feature("5", orb.Point{}, map[string]any{"area": 1.0})))

	_, err = CompilePredicate(`area >`)
	assert.Error(t, err)
	_, err = CompilePredicate("")
	assert.Error(t, err)
}

func TestFilters(t *testing.T) {
	reg := registry.New(scene.NewMap("EPSG:3857"))
	source, _, err := reg.EnsureVectorLayer("trees", registry.VectorLayerOptions{Band: catalog.BandSubject, Style: "trees", Visible: true})
	require.NoError(t, err)
	src, _ := source.VectorSource()
	src.AddFeatures([]*geojson.Feature{
		feature("oak", orb.Point{1, 1}, map[string]any{"kind": "oak"}),
		feature("elm", orb.Point{2, 2}, map[string]any{"kind": "elm"}),
	})

	d := NewFilters(reg)
	id, err := d.Create("trees", PropertyEquals("kind", "oak"), "")
	require.NoError(t, err)
	assert.Equal(t, "trees_filtered", id)

	ml, ok := reg.Get(id)
	require.True(t, ok)
	assert.Equal(t, "trees", ml.SourceID)
	assert.Equal(t, source.ZIndex(), ml.ZIndex)
	assert.Equal(t, "trees", ml.Layer.Style())

	again, err := d.Create("trees", PropertyEquals("kind", "elm"), "")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	dest, _ := reg.VectorSource(id)
	assert.Equal(t, []string{"oak"}, ids(dest.Features()))

	// update swaps features in place and keeps listeners and visibility
	events := 0
	dest.On(func(scene.Event) { events++ })
	require.NoError(t, reg.SetVisible(id, false))
	handle, _ := reg.Layer(id)

	n, err := d.Update(id, PropertyEquals("kind", "elm"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	after, _ := reg.Layer(id)
	assert.Same(t, handle, after)
	assert.False(t, after.Visible())
	assert.Equal(t, []string{"elm"}, ids(dest.Features()))
	assert.Positive(t, events)

	require.NoError(t, d.Follow(id))
	src.AddFeature(feature("elm2", orb.Point{3, 3}, map[string]any{"kind": "elm"}))
	assert.Equal(t, []string{"elm", "elm2"}, ids(dest.Features()))

	assert.True(t, d.Remove(id))
	assert.False(t, reg.Has(id))
	assert.Equal(t, 0, src.ListenerCount())

	_, err = d.Create("missing", PropertyEquals("kind", "oak"), "")
	assert.ErrorIs(t, err, catalog.ErrSourceMissing)
}
