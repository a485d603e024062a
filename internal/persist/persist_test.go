package persist

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/factory"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/registry"
	"github.com/bgiplan/layerd/internal/scene"
)

type manualTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

// Fire runs every live timer as if its window elapsed.
func (c *manualClock) Fire() int {
	c.mu.Lock()
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.timers = nil
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
	return len(due)
}

type countingStore struct {
	*MemoryStore
	mu   sync.Mutex
	puts int
}

func (s *countingStore) Put(ctx context.Context, b Blob) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.MemoryStore.Put(ctx, b)
}

func (s *countingStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func newStore() *countingStore {
	return &countingStore{MemoryStore: NewMemoryStore()}
}

func newCoordinator(t *testing.T, store Store, clock *manualClock) (*Coordinator, *registry.Registry) {
	t.Helper()
	sc := scene.NewMap(geo.WebMercator)
	reg := registry.New(sc)
	f := factory.New(nil, nil, sc.Projection())

	var opts []Option
	if clock != nil {
		opts = append(opts, WithAfterFunc(clock.AfterFunc))
	}
	opts = append(opts, WithBandResolver(func(id string) catalog.Band {
		if id == "heat_drawing" {
			return catalog.BandDraw
		}
		return catalog.BandSubject
	}))
	c := NewCoordinator(store, reg, f, opts...)
	c.SetProject("p1")
	return c, reg
}

func drawLayer(t *testing.T, reg *registry.Registry, id string) *scene.VectorSource {
	t.Helper()
	layer, _, err := reg.EnsureVectorLayer(id, registry.VectorLayerOptions{Band: catalog.BandDraw, Visible: true})
	require.NoError(t, err)
	src, _ := layer.VectorSource()
	return src
}

func mercatorFeature(lon, lat float64, name string) *geojson.Feature {
	ring := orb.Ring{{lon, lat}, {lon + 0.01, lat}, {lon + 0.01, lat + 0.01}, {lon, lat + 0.01}, {lon, lat}}
	g, _ := geo.Reproject(orb.Polygon{ring}, geo.WGS84, geo.WebMercator)
	f := geojson.NewFeature(g)
	f.Properties["name"] = name
	return f
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	clock := &manualClock{}
	d := NewDebouncer(time.Second, clock.AfterFunc)

	runs := 0
	for i := 0; i < 10; i++ {
		d.Trigger("p1:notes", func() { runs++ })
	}
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, 1, clock.Fire())
	assert.Equal(t, 1, runs)
	assert.False(t, d.Pending("p1:notes"))
}

func TestDebouncerFlushCancelsThenRuns(t *testing.T) {
	clock := &manualClock{}
	d := NewDebouncer(time.Second, clock.AfterFunc)

	runs := 0
	d.Trigger("p1:notes", func() { runs++ })
	assert.Equal(t, 1, d.FlushAll())
	assert.Equal(t, 0, clock.Fire())
	assert.Equal(t, 1, runs)

	assert.Equal(t, 0, d.FlushAll())
	assert.Equal(t, 1, runs)
}

func TestDebouncerCancelPrefix(t *testing.T) {
	clock := &manualClock{}
	d := NewDebouncer(time.Second, clock.AfterFunc)

	runs := 0
	d.Trigger("p1:a", func() { runs++ })
	d.Trigger("p1:b", func() { runs++ })
	d.Trigger("p2:a", func() { runs++ })

	assert.Equal(t, 2, d.CancelPrefix("p1:"))
	clock.Fire()
	assert.Equal(t, 1, runs)
}

func TestDebouncerRealTimer(t *testing.T) {
	d := NewDebouncer(10*time.Millisecond, nil)
	done := make(chan struct{})
	d.Trigger("k", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced task never ran")
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	store := newStore()
	c, reg := newCoordinator(t, store, nil)
	ctx := context.Background()

	src := drawLayer(t, reg, "heat_drawing")
	original := []*geojson.Feature{mercatorFeature(9.99, 53.55, "a"), mercatorFeature(10.01, 53.56, "b")}
	src.AddFeatures(original)
	require.NoError(t, c.Save(ctx, "heat_drawing"))

	blob, err := store.Get(ctx, "p1:heat_drawing")
	require.NoError(t, err)
	require.NotNil(t, blob)
	stored, err := geojson.UnmarshalFeatureCollection(blob.Data)
	require.NoError(t, err)
	first := stored.Features[0].Geometry.(orb.Polygon)[0][0]
	assert.InDelta(t, 9.99, first[0], 1e-9, "stored in geographic coordinates")

	fresh, freshReg := newCoordinator(t, store, nil)
	report, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"heat_drawing"}, report.Restored)

	ml, ok := freshReg.Get("heat_drawing")
	require.True(t, ok)
	assert.Equal(t, catalog.BandDraw, ml.Band)
	restored, _ := freshReg.VectorSource("heat_drawing")
	got := restored.Features()
	require.Len(t, got, len(original))
	for i := range original {
		assert.True(t, geo.ApproxEqual(original[i].Geometry, got[i].Geometry, 1e-6), "feature %d", i)
		assert.Equal(t, original[i].Properties["name"], got[i].Properties["name"])
	}
	assert.Contains(t, fresh.Watched(), "heat_drawing")

	again, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Restored)
	assert.Equal(t, []string{"heat_drawing"}, again.Skipped)
	assert.Len(t, restored.Features(), len(original))
}

func TestRestoreFillsEmptyExistingLayer(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	c, reg := newCoordinator(t, store, nil)
	drawLayer(t, reg, "notes").AddFeature(mercatorFeature(10, 53.5, "n"))
	require.NoError(t, c.Save(ctx, "notes"))

	fresh, freshReg := newCoordinator(t, store, nil)
	empty := drawLayer(t, freshReg, "notes")
	_, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, empty.Len())
	assert.Equal(t, 1, store.Puts(), "restoring does not trigger a save")
}

func TestDebouncedSaveCoalescesAndUnloadFlush(t *testing.T) {
	store := newStore()
	clock := &manualClock{}
	c, reg := newCoordinator(t, store, clock)

	src := drawLayer(t, reg, "heat_drawing")
	require.NoError(t, c.Watch("heat_drawing"))
	require.NoError(t, c.Watch("heat_drawing"))

	for i := 0; i < 5; i++ {
		src.AddFeature(mercatorFeature(10, 53.5+float64(i)/100, "x"))
	}
	assert.Equal(t, 0, store.Puts())
	assert.True(t, c.Pending("heat_drawing"))

	clock.Fire()
	assert.Equal(t, 1, store.Puts())

	// unload with a pending timer writes exactly once more
	src.AddFeature(mercatorFeature(10.1, 53.5, "y"))
	assert.Equal(t, 1, c.Flush())
	assert.Equal(t, 2, store.Puts())
	clock.Fire()
	assert.Equal(t, 2, store.Puts())

	// unload with nothing pending writes nothing
	assert.Equal(t, 0, c.Flush())
	assert.Equal(t, 2, store.Puts())
}

// gatedStore holds every Put until release is closed and records how many
// writes overlap.
type gatedStore struct {
	*MemoryStore
	started chan struct{}
	release chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
	puts      int
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		started:     make(chan struct{}, 8),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) Put(ctx context.Context, b Blob) error {
	s.mu.Lock()
	s.active++
	s.puts++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()

	s.started <- struct{}{}
	<-s.release
	err := s.MemoryStore.Put(ctx, b)

	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return err
}

func (s *gatedStore) stats() (puts, maxActive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts, s.maxActive
}

func TestWritesOfOneLayerNeverOverlap(t *testing.T) {
	store := newGatedStore()
	clock := &manualClock{}
	c, reg := newCoordinator(t, store, clock)

	src := drawLayer(t, reg, "heat_drawing")
	require.NoError(t, c.Watch("heat_drawing"))
	src.AddFeature(mercatorFeature(10, 53.5, "first"))

	fired := make(chan struct{})
	go func() {
		clock.Fire()
		close(fired)
	}()
	<-store.started

	// edit and unload while the debounced write is still running
	src.AddFeature(mercatorFeature(10.1, 53.5, "second"))
	flushed := make(chan int, 1)
	go func() { flushed <- c.Flush() }()

	select {
	case <-store.started:
		t.Fatal("second write started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	<-fired
	select {
	case n := <-flushed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finish")
	}

	puts, maxActive := store.stats()
	assert.Equal(t, 2, puts)
	assert.Equal(t, 1, maxActive)

	blob, err := store.Get(context.Background(), Key("p1", "heat_drawing"))
	require.NoError(t, err)
	require.NotNil(t, blob)
	features, err := DecodeFeatures(blob.Data, geo.WebMercator)
	require.NoError(t, err)
	assert.Len(t, features, 2, "the newest content is written last")
}

func TestSaveWaitsForDebouncedWrite(t *testing.T) {
	store := newGatedStore()
	clock := &manualClock{}
	c, reg := newCoordinator(t, store, clock)

	src := drawLayer(t, reg, "heat_drawing")
	require.NoError(t, c.Watch("heat_drawing"))
	src.AddFeature(mercatorFeature(10, 53.5, "first"))

	go clock.Fire()
	<-store.started

	saved := make(chan error, 1)
	go func() { saved <- c.Save(context.Background(), "heat_drawing") }()

	select {
	case <-store.started:
		t.Fatal("explicit save overlapped the debounced write")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	select {
	case err := <-saved:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("save did not finish")
	}
	_, maxActive := store.stats()
	assert.Equal(t, 1, maxActive)
}

func TestEmptyLayerDeletesBlob(t *testing.T) {
	store := newStore()
	clock := &manualClock{}
	c, reg := newCoordinator(t, store, clock)
	ctx := context.Background()

	src := drawLayer(t, reg, "notes")
	require.NoError(t, c.Watch("notes"))
	src.AddFeature(mercatorFeature(10, 53.5, "n"))
	clock.Fire()

	blob, _ := store.Get(ctx, "p1:notes")
	require.NotNil(t, blob)

	src.Clear()
	clock.Fire()
	blob, _ = store.Get(ctx, "p1:notes")
	assert.Nil(t, blob)
}

func TestServiceDescriptorRoundTrip(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	c, reg := newCoordinator(t, store, nil)

	d := catalog.WMS{URL: "https://wms.example.org/green", Layers: "roofs", Version: "1.1.1"}
	require.NoError(t, reg.Add(registry.ManagedLayer{
		ID:       "upload_roofs",
		Status:   catalog.StatusLoaded,
		Visible:  false,
		Uploaded: true,
		Service:  d,
	}))
	require.NoError(t, c.SaveDescriptor(ctx, "upload_roofs", "Green roofs", d))

	fresh, freshReg := newCoordinator(t, store, nil)
	report, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"upload_roofs"}, report.Restored)

	ml, ok := freshReg.Get("upload_roofs")
	require.True(t, ok)
	assert.Equal(t, d, ml.Service)
	assert.True(t, ml.Visible)
	assert.True(t, ml.Uploaded)
	assert.Equal(t, "Green roofs", ml.Title)
	require.NotNil(t, ml.Layer)
	img, ok := ml.Layer.Source().(*scene.ImageSource)
	require.True(t, ok)
	assert.Equal(t, "roofs", img.Params["LAYERS"])
}

func TestSetProjectDropsPendingSaves(t *testing.T) {
	store := newStore()
	clock := &manualClock{}
	c, reg := newCoordinator(t, store, clock)

	src := drawLayer(t, reg, "notes")
	require.NoError(t, c.Watch("notes"))
	src.AddFeature(mercatorFeature(10, 53.5, "n"))

	c.SetProject("p2")
	clock.Fire()
	assert.Equal(t, 0, store.Puts())
	assert.Empty(t, c.Watched())
}

func TestDeleteProjectCascades(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	c, _ := newCoordinator(t, store, nil)

	for _, key := range []string{"p1:a", "p1:b", "p2:a"} {
		require.NoError(t, store.Put(ctx, Blob{Key: key, Data: []byte(`{}`)}))
	}
	n, err := c.DeleteProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.List(ctx, "p2")
	require.NoError(t, err)
	assert.Len(t, left, 1)

	_, err = c.DeleteProject(ctx, "")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "layers.db"))
	require.NoError(t, err)
	defer store.Close()

	missing, err := store.Get(ctx, "p1:none")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Put(ctx, Blob{Key: "p1:notes", Name: "Notes", Data: []byte("one")}))
	require.NoError(t, store.Put(ctx, Blob{Key: "p1:notes", Name: "Notes", Data: []byte("two")}))
	require.NoError(t, store.Put(ctx, Blob{Key: "p1:trees:v2", Data: []byte("three")}))
	require.NoError(t, store.Put(ctx, Blob{Key: "p10:notes", Data: []byte("other")}))

	b, err := store.Get(ctx, "p1:notes")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "two", string(b.Data))
	assert.Equal(t, "Notes", b.Name)
	assert.False(t, b.UploadedAt.IsZero())

	list, err := store.List(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p1:notes", list[0].Key)
	assert.Equal(t, 3, list[0].Size)

	n, err := store.DeleteProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	other, err := store.Get(ctx, "p10:notes")
	require.NoError(t, err)
	assert.NotNil(t, other)

	assert.Error(t, store.Put(ctx, Blob{Key: "nokey", Data: []byte("x")}))
}
