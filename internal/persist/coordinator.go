package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb/geojson"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/factory"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/registry"
	"github.com/bgiplan/layerd/internal/scene"
)

var log = logger.ForComponent("persist")

const DefaultDebounceWindow = 500 * time.Millisecond

type Option func(*Coordinator)

func WithDebounceWindow(window time.Duration) Option {
	return func(c *Coordinator) { c.window = window }
}

func WithAfterFunc(after AfterFunc) Option {
	return func(c *Coordinator) { c.after = after }
}

// WithBandResolver decides the band of vector layers that restore has to
// create. Without it they go into the subject band.
func WithBandResolver(fn func(layerID string) catalog.Band) Option {
	return func(c *Coordinator) { c.bandFor = fn }
}

type watch struct {
	src *scene.VectorSource
	key scene.ListenerKey
}

// Coordinator saves vector layers and uploaded service descriptors of the
// open project and restores them. Failures are logged and returned, never
// fatal to the session.
type Coordinator struct {
	store   Store
	reg     *registry.Registry
	factory *factory.Factory

	window    time.Duration
	after     AfterFunc
	bandFor   func(string) catalog.Band
	debouncer *Debouncer

	mu        sync.Mutex
	project   string
	watches   map[string]watch
	names     map[string]string
	restoring int
}

func NewCoordinator(store Store, reg *registry.Registry, f *factory.Factory, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:   store,
		reg:     reg,
		factory: f,
		window:  DefaultDebounceWindow,
		watches: make(map[string]watch),
		names:   make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.bandFor == nil {
		c.bandFor = func(string) catalog.Band { return catalog.BandSubject }
	}
	c.debouncer = NewDebouncer(c.window, c.after)
	return c
}

func (c *Coordinator) Store() Store { return c.store }

func (c *Coordinator) Project() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project
}

// SetProject switches the open project. Pending saves of the previous
// project are dropped and every watch is detached; flush first to keep them.
func (c *Coordinator) SetProject(projectID string) {
	c.mu.Lock()
	prev := c.project
	c.project = projectID
	c.names = make(map[string]string)
	c.mu.Unlock()

	if prev != "" && prev != projectID {
		if n := c.debouncer.CancelPrefix(Key(prev, "")); n > 0 {
			log.Debug("dropped pending saves", "project", prev, "count", n)
		}
	}
	c.UnwatchAll()
}

// SetName records the display name stored with the layer's next save.
func (c *Coordinator) SetName(layerID, name string) {
	c.mu.Lock()
	c.names[layerID] = name
	c.mu.Unlock()
}

// Watch schedules a debounced save of layerID on every feature event of its
// source. Watching a layer twice is a no-op.
func (c *Coordinator) Watch(layerID string) error {
	src, ok := c.reg.VectorSource(layerID)
	if !ok {
		return fmt.Errorf("%w: no vector layer %q to watch", catalog.ErrSourceMissing, layerID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.watches[layerID]; ok {
		if w.src == src {
			return nil
		}
		w.src.Off(w.key)
	}
	key := src.On(func(scene.Event) { c.schedule(layerID) })
	c.watches[layerID] = watch{src: src, key: key}
	return nil
}

func (c *Coordinator) Unwatch(layerID string) bool {
	c.mu.Lock()
	w, ok := c.watches[layerID]
	delete(c.watches, layerID)
	project := c.project
	c.mu.Unlock()

	if ok {
		w.src.Off(w.key)
		c.debouncer.Cancel(Key(project, layerID))
	}
	return ok
}

func (c *Coordinator) UnwatchAll() {
	c.mu.Lock()
	watches := c.watches
	c.watches = make(map[string]watch)
	c.mu.Unlock()

	for _, w := range watches {
		w.src.Off(w.key)
	}
}

func (c *Coordinator) Watched() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.watches))
	for id := range c.watches {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (c *Coordinator) schedule(layerID string) {
	c.mu.Lock()
	project, restoring := c.project, c.restoring > 0
	c.mu.Unlock()

	if project == "" || restoring {
		return
	}
	c.debouncer.Trigger(Key(project, layerID), func() {
		if err := c.saveTo(context.Background(), project, layerID); err != nil {
			log.Warn("debounced save failed", "project", project, "layer", layerID, "error", err)
		}
	})
}

// Pending reports whether a debounced save of layerID is waiting.
func (c *Coordinator) Pending(layerID string) bool {
	return c.debouncer.Pending(Key(c.Project(), layerID))
}

// Flush cancels every pending timer and runs its save once. It returns how
// many saves ran.
func (c *Coordinator) Flush() int {
	n := c.debouncer.FlushAll()
	if n > 0 {
		log.Info("flushed pending saves", "count", n)
	}
	return n
}

// Save writes layerID now, replacing any pending debounced save. A save of
// the same layer already in flight finishes first.
func (c *Coordinator) Save(ctx context.Context, layerID string) error {
	project := c.Project()
	key := Key(project, layerID)
	c.debouncer.Cancel(key)

	var err error
	c.debouncer.Run(key, func() { err = c.saveTo(ctx, project, layerID) })
	return err
}

func (c *Coordinator) saveTo(ctx context.Context, project, layerID string) error {
	if project == "" {
		return fmt.Errorf("%w: no project open", catalog.ErrPersistenceFailure)
	}

	ml, ok := c.reg.Get(layerID)
	if !ok {
		return fmt.Errorf("%w: layer %q", catalog.ErrSourceMissing, layerID)
	}
	src, isVector := c.reg.VectorSource(layerID)
	if !isVector {
		if ml.Uploaded && ml.Service != nil {
			return c.putDescriptor(ctx, project, layerID, ml.Service)
		}
		return fmt.Errorf("%w: layer %q has no vector content", catalog.ErrSourceMissing, layerID)
	}

	key := Key(project, layerID)
	features := src.Features()
	if len(features) == 0 {
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: %v", catalog.ErrPersistenceFailure, err)
		}
		log.Debug("empty layer, blob removed", "key", key)
		return nil
	}

	data, err := EncodeFeatures(features, c.reg.Scene().Projection())
	if err != nil {
		return fmt.Errorf("%w: %v", catalog.ErrPersistenceFailure, err)
	}
	return c.put(ctx, key, layerID, data)
}

// SaveDescriptor stores the reconnection descriptor of a service-backed
// upload under layerID.
func (c *Coordinator) SaveDescriptor(ctx context.Context, layerID, name string, d catalog.Descriptor) error {
	project := c.Project()
	if project == "" {
		return fmt.Errorf("%w: no project open", catalog.ErrPersistenceFailure)
	}
	if name != "" {
		c.SetName(layerID, name)
	}
	key := Key(project, layerID)
	c.debouncer.Cancel(key)

	var err error
	c.debouncer.Run(key, func() { err = c.putDescriptor(ctx, project, layerID, d) })
	return err
}

func (c *Coordinator) putDescriptor(ctx context.Context, project, layerID string, d catalog.Descriptor) error {
	data, err := catalog.EncodeDescriptor(d)
	if err != nil {
		return fmt.Errorf("%w: %v", catalog.ErrPersistenceFailure, err)
	}
	return c.put(ctx, Key(project, layerID), layerID, data)
}

func (c *Coordinator) put(ctx context.Context, key, layerID string, data []byte) error {
	c.mu.Lock()
	name := c.names[layerID]
	c.mu.Unlock()

	if err := c.store.Put(ctx, Blob{Key: key, Name: name, Data: data}); err != nil {
		return fmt.Errorf("%w: %v", catalog.ErrPersistenceFailure, err)
	}
	log.Debug("layer saved", "key", key, "size", humanize.Bytes(uint64(len(data))))
	return nil
}

// RestoreReport lists what Restore did per layer id.
type RestoreReport struct {
	Restored []string `json:"restored"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed"`
}

// Restore recreates the layers stored for the open project. Descriptor blobs
// go back through the factory; vector blobs fill a vector layer, created when
// missing. A layer that is already present with content is left alone, so
// Restore can run any number of times. Restored vector layers are watched.
func (c *Coordinator) Restore(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport
	project := c.Project()
	if project == "" {
		return report, fmt.Errorf("%w: no project open", catalog.ErrPersistenceFailure)
	}

	blobs, err := c.store.List(ctx, project)
	if err != nil {
		return report, fmt.Errorf("%w: %v", catalog.ErrPersistenceFailure, err)
	}

	c.mu.Lock()
	c.restoring++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.restoring--
		c.mu.Unlock()
	}()

	var total uint64
	for _, meta := range blobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		_, layerID, _ := SplitKey(meta.Key)

		blob, err := c.store.Get(ctx, meta.Key)
		if err != nil || blob == nil {
			log.Warn("blob unreadable", "key", meta.Key, "error", err)
			report.Failed = append(report.Failed, layerID)
			continue
		}
		total += uint64(len(blob.Data))
		if blob.Name != "" {
			c.SetName(layerID, blob.Name)
		}

		var restored bool
		if catalog.IsDescriptorDocument(blob.Data) {
			restored, err = c.restoreDescriptor(layerID, blob)
		} else {
			restored, err = c.restoreVector(layerID, blob)
		}
		switch {
		case err != nil:
			log.Warn("restore failed", "layer", layerID, "error", err)
			report.Failed = append(report.Failed, layerID)
		case restored:
			report.Restored = append(report.Restored, layerID)
		default:
			report.Skipped = append(report.Skipped, layerID)
		}
	}

	log.Info("project restored", "project", project, "restored", len(report.Restored),
		"skipped", len(report.Skipped), "failed", len(report.Failed), "read", humanize.Bytes(total))
	return report, nil
}

func (c *Coordinator) restoreDescriptor(layerID string, blob *Blob) (bool, error) {
	if c.reg.Has(layerID) {
		return false, nil
	}
	d, err := catalog.DecodeDescriptor(blob.Data)
	if err != nil {
		return false, err
	}
	if c.factory == nil {
		return false, fmt.Errorf("%w: no layer factory", catalog.ErrConfigMissing)
	}

	z := c.reg.NextZIndex(catalog.BandSubject)
	res := c.factory.Build(layerID, d, scene.WithVisible(true), scene.WithZIndex(z))
	ml := registry.ManagedLayer{
		ID:        layerID,
		Title:     blob.Name,
		Status:    res.Status,
		Visible:   true,
		Opacity:   1,
		ZIndex:    z,
		LayerType: catalog.LayerTypeSubject,
		Band:      catalog.BandSubject,
		Uploaded:  true,
		Service:   d,
		Layer:     res.Layer,
	}
	if res.Err != nil {
		ml.Error = res.Err.Error()
	}
	if err := c.reg.Add(ml); err != nil {
		return false, err
	}
	return res.Err == nil, res.Err
}

func (c *Coordinator) restoreVector(layerID string, blob *Blob) (bool, error) {
	features, err := DecodeFeatures(blob.Data, c.reg.Scene().Projection())
	if err != nil {
		return false, err
	}

	existing, known := c.reg.Get(layerID)
	if known && existing.Layer != nil {
		src, ok := existing.Layer.VectorSource()
		if !ok {
			return false, fmt.Errorf("%w: %s", registry.ErrNotVector, layerID)
		}
		if src.Len() > 0 {
			return false, nil
		}
		src.AddFeatures(features)
		return true, c.Watch(layerID)
	}
	if known {
		return false, fmt.Errorf("%w: layer %q failed to load: %s", catalog.ErrSourceMissing, layerID, existing.Error)
	}

	band := c.bandFor(layerID)
	layer, _, err := c.reg.EnsureVectorLayer(layerID, registry.VectorLayerOptions{
		Title:    blob.Name,
		Band:     band,
		Visible:  true,
		Uploaded: band != catalog.BandDraw,
	})
	if err != nil {
		return false, err
	}
	src, _ := layer.VectorSource()
	src.AddFeatures(features)
	return true, c.Watch(layerID)
}

// Files lists the blobs of the open project.
func (c *Coordinator) Files(ctx context.Context) ([]Blob, error) {
	project := c.Project()
	if project == "" {
		return nil, nil
	}
	return c.store.List(ctx, project)
}

// DeleteProject drops pending saves of projectID and deletes every blob
// stored under it.
func (c *Coordinator) DeleteProject(ctx context.Context, projectID string) (int, error) {
	if projectID == "" || strings.Contains(projectID, ":") {
		return 0, fmt.Errorf("invalid project id %q", projectID)
	}
	c.debouncer.CancelPrefix(Key(projectID, ""))

	n, err := c.store.DeleteProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", catalog.ErrPersistenceFailure, err)
	}
	log.Info("project deleted", "project", projectID, "blobs", n)
	return n, nil
}

// Close flushes pending saves and detaches every watch.
func (c *Coordinator) Close() {
	c.Flush()
	c.UnwatchAll()
}

// EncodeFeatures writes features as a GeoJSON FeatureCollection in WGS84.
func EncodeFeatures(features []*geojson.Feature, projection string) ([]byte, error) {
	out, err := geo.ReprojectFeatures(features, projection, geo.WGS84)
	if err != nil {
		return nil, err
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = out
	return json.Marshal(fc)
}

// DecodeFeatures reads a FeatureCollection in WGS84 into projection.
func DecodeFeatures(data []byte, projection string) ([]*geojson.Feature, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	return geo.ReprojectFeatures(fc.Features, geo.WGS84, projection)
}
