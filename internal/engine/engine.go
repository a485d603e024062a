// Package engine is the layer composition service: it owns the scene, the
// registry and every component that reads or writes them, and ties their
// setup and teardown to the map and project lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/derive"
	"github.com/bgiplan/layerd/internal/factory"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/ows"
	"github.com/bgiplan/layerd/internal/persist"
	"github.com/bgiplan/layerd/internal/registry"
	"github.com/bgiplan/layerd/internal/scene"
	"github.com/bgiplan/layerd/internal/visibility"
)

var log = logger.ForComponent("engine")

// ErrNotReady is returned by operations that need an initialized map.
var ErrNotReady = errors.New("map not initialized")

// Services is the capabilities and feature access the engine needs;
// *ows.Client implements it.
type Services interface {
	CachedCapabilities(url string) (*ows.Capabilities, bool)
	Capabilities(ctx context.Context, url string) (*ows.Capabilities, error)
	Features(ctx context.Context, q ows.FeatureQuery) ([]*geojson.Feature, error)
}

type Options struct {
	Catalog *catalog.Catalog
	// Scene defaults to an in-memory map in the catalog's projection.
	Scene    scene.Scene
	Services Services
	// Store enables persistence. Without one the session is in-memory only.
	Store          persist.Store
	PersistOptions []persist.Option
	// PrefetchLimit bounds concurrent capabilities requests at init.
	PrefetchLimit int
}

type Engine struct {
	cat       *catalog.Catalog
	scene     scene.Scene
	services  Services
	factory   *factory.Factory
	reg       *registry.Registry
	orch      *visibility.Orchestrator
	intersect *derive.Intersector
	filters   *derive.Filters
	persist   *persist.Coordinator
	prefetch  int

	mu          sync.Mutex
	initialized bool
	state       registry.MapState
	boundary    *scene.VectorSource
	boundaryKey scene.ListenerKey
	reference   []*geojson.Feature
	refLoaded   bool
}

func New(opts Options) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("%w: no map catalog", catalog.ErrConfigMissing)
	}
	sc := opts.Scene
	if sc == nil {
		sc = scene.NewMap(opts.Catalog.View.Projection)
	}
	if _, err := geo.Normalize(sc.Projection()); err != nil {
		return nil, err
	}

	e := &Engine{
		cat:      opts.Catalog,
		scene:    sc,
		services: opts.Services,
		reg:      registry.New(sc),
		prefetch: opts.PrefetchLimit,
	}
	if e.prefetch <= 0 {
		e.prefetch = 4
	}

	if opts.Services != nil {
		e.factory = factory.New(opts.Services, opts.Services, sc.Projection())
	} else {
		e.factory = factory.New(nil, nil, sc.Projection())
	}

	e.orch = visibility.New(e.cat, e.reg)
	e.intersect = derive.NewIntersector(e.reg, e.cat.Intersection.BoundaryLayerID, e.cat.Intersection.PlanningLayerID)
	e.filters = derive.NewFilters(e.reg)

	if opts.Store != nil {
		popts := append([]persist.Option{persist.WithBandResolver(e.bandFor)}, opts.PersistOptions...)
		e.persist = persist.NewCoordinator(opts.Store, e.reg, e.factory, popts...)
	}
	return e, nil
}

func (e *Engine) Catalog() *catalog.Catalog   { return e.cat }
func (e *Engine) Registry() *registry.Registry { return e.reg }
func (e *Engine) Scene() scene.Scene           { return e.scene }

// Persistence returns the coordinator, or nil when persistence is off.
func (e *Engine) Persistence() *persist.Coordinator { return e.persist }

// Init prefetches capabilities, builds the registry from the catalog, wires
// the boundary and draw layers, and restores the open project.
func (e *Engine) Init(ctx context.Context) (registry.MapState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initLocked(ctx)
}

func (e *Engine) initLocked(ctx context.Context) (registry.MapState, error) {
	if e.initialized {
		e.teardownLocked()
	}

	e.prefetchCapabilities(ctx, e.catalogCapabilityURLs())

	state, err := e.reg.Init(ctx, e.cat, e.factory)
	e.state = state
	if err != nil {
		return state, err
	}
	e.initialized = true

	e.loadReference()
	e.attachBoundary()

	if e.persist != nil && e.persist.Project() != "" {
		e.watchDrawLayers()
		if state.Ready {
			e.restoreLocked(ctx)
		}
	}
	// a boundary that is not in the catalog only exists once restored
	if e.boundary == nil && e.attachBoundary() {
		e.runIntersection()
	}

	e.state = e.reg.State()
	if e.state.Error {
		log.Error("map failed to load", "base_errored", e.state.BaseErrored)
	}
	return e.state, nil
}

// Teardown detaches every listener and layer. Pending saves are written
// first. Calling it twice is harmless.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
}

func (e *Engine) teardownLocked() {
	if e.persist != nil {
		e.persist.Flush()
		e.persist.UnwatchAll()
	}
	if e.boundary != nil {
		e.boundary.Off(e.boundaryKey)
		e.boundary = nil
	}
	e.filters.Reset()
	e.orch.Reset()
	e.reg.Teardown()
	e.initialized = false
	e.state = registry.MapState{}
}

// Retry reruns teardown and init, e.g. after the global map error.
func (e *Engine) Retry(ctx context.Context) (registry.MapState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	return e.initLocked(ctx)
}

func (e *Engine) State() registry.MapState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return e.state
	}
	return e.reg.State()
}

// Unload is called when the session ends: every pending save is written
// once. It returns the number of saves that ran.
func (e *Engine) Unload() int {
	if e.persist == nil {
		return 0
	}
	return e.persist.Flush()
}

// Close flushes pending saves and releases listeners. The store stays open;
// its owner closes it.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
}

func (e *Engine) catalogCapabilityURLs() []string {
	var urls []string
	for _, entry := range e.cat.Entries() {
		if entry.Service == nil {
			continue
		}
		if u := catalog.CapabilitiesURL(entry.Service); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// prefetchCapabilities fetches the documents in parallel. Failures are only
// logged: the affected layers fail in the factory on their own.
func (e *Engine) prefetchCapabilities(ctx context.Context, urls []string) {
	if e.services == nil || len(urls) == 0 {
		return
	}

	seen := make(map[string]bool, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.prefetch)
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		if _, ok := e.services.CachedCapabilities(u); ok {
			continue
		}
		g.Go(func() error {
			if _, err := e.services.Capabilities(gctx, u); err != nil {
				log.Warn("capabilities prefetch failed", "url", u, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// loadReference reads the intersection reference dataset once per engine.
func (e *Engine) loadReference() {
	if e.refLoaded {
		e.intersect.SetReference(e.reference)
		return
	}
	e.refLoaded = true

	path := e.cat.ResolvePath(e.cat.Intersection.ReferencePath)
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("reference dataset unavailable", "path", path, "error", err)
		return
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		log.Warn("reference dataset unreadable", "path", path, "error", err)
		return
	}
	features, err := geo.ReprojectFeatures(fc.Features, e.cat.Intersection.ReferenceCRS, e.scene.Projection())
	if err != nil {
		log.Warn("reference dataset not reprojectable", "path", path, "error", err)
		return
	}
	e.reference = features
	e.intersect.SetReference(features)
	log.Info("reference dataset loaded", "path", path, "features", len(features))
}

// attachBoundary recomputes the planning layer on every boundary edit. It
// reports whether a listener was attached.
func (e *Engine) attachBoundary() bool {
	src, ok := e.reg.VectorSource(e.intersect.BoundaryID())
	if !ok {
		log.Debug("no boundary layer yet", "layer", e.intersect.BoundaryID())
		return false
	}
	e.boundary = src
	e.boundaryKey = src.On(func(scene.Event) { e.runIntersection() })
	return true
}

func (e *Engine) runIntersection() {
	n, err := e.intersect.Run(context.Background())
	if err != nil {
		log.Warn("intersection failed", "error", err)
		return
	}
	log.Debug("planning layer updated", "features", n)
}

// watchDrawLayers saves every authored vector layer when it changes.
func (e *Engine) watchDrawLayers() {
	for _, ml := range e.reg.List() {
		if ml.Derived() || ml.Layer == nil {
			continue
		}
		if ml.Band != catalog.BandDraw && !ml.Uploaded {
			continue
		}
		if _, ok := ml.Layer.VectorSource(); !ok {
			continue
		}
		if err := e.persist.Watch(ml.ID); err != nil {
			log.Warn("cannot watch layer", "layer", ml.ID, "error", err)
		}
	}
}

func (e *Engine) restoreLocked(ctx context.Context) {
	if blobs, err := e.persist.Files(ctx); err == nil {
		var urls []string
		for _, b := range blobs {
			if blob, err := e.persist.Store().Get(ctx, b.Key); err == nil && blob != nil && catalog.IsDescriptorDocument(blob.Data) {
				if d, err := catalog.DecodeDescriptor(blob.Data); err == nil {
					if u := catalog.CapabilitiesURL(d); u != "" {
						urls = append(urls, u)
					}
				}
			}
		}
		e.prefetchCapabilities(ctx, urls)
	}

	report, err := e.persist.Restore(ctx)
	if err != nil {
		log.Warn("restore failed", "project", e.persist.Project(), "error", err)
		return
	}
	if len(report.Failed) > 0 {
		log.Warn("some layers were not restored", "layers", report.Failed)
	}
}

// bandFor places restored vector layers: question draw layers and catalog
// draw entries go into the draw band, everything else is an upload.
func (e *Engine) bandFor(layerID string) catalog.Band {
	if entry, ok := e.cat.Entry(layerID); ok {
		return entry.Band
	}
	if layerID == e.cat.Intersection.BoundaryLayerID {
		return catalog.BandDraw
	}
	for _, q := range e.cat.Questions() {
		if q.DrawLayerID == layerID {
			return catalog.BandDraw
		}
	}
	return catalog.BandSubject
}
