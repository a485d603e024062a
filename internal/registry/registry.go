// Package registry keeps the authoritative map from layer id to presentation
// state and to the renderable handle placed in the scene.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/scene"
)

var log = logger.ForComponent("registry")

var (
	ErrLayerExists   = errors.New("layer already registered")
	ErrLayerNotFound = errors.New("layer not found")
	ErrNotVector     = errors.New("layer has no vector source")
)

// ManagedLayer is a registry record. Layer is nil when the layer failed to
// build; Error then says why.
type ManagedLayer struct {
	ID        string             `json:"id"`
	Title     string             `json:"title,omitempty"`
	Status    catalog.Status     `json:"status"`
	Visible   bool               `json:"visible"`
	Opacity   float64            `json:"opacity"`
	ZIndex    int                `json:"zIndex"`
	LayerType catalog.LayerType  `json:"layerType"`
	Band      catalog.Band       `json:"band"`
	Folder    string             `json:"folder,omitempty"`
	Group     string             `json:"group,omitempty"`
	SourceID  string             `json:"sourceId,omitempty"`
	Uploaded  bool               `json:"uploaded,omitempty"`
	Error     string             `json:"error,omitempty"`
	Service   catalog.Descriptor `json:"-"`

	Layer *scene.Layer `json:"-"`
}

// Derived reports whether the layer is computed from another layer.
func (m ManagedLayer) Derived() bool { return m.SourceID != "" }

type Registry struct {
	scene scene.Scene

	mu     sync.RWMutex
	layers map[string]*ManagedLayer
	next   map[catalog.Band]int
}

func New(sc scene.Scene) *Registry {
	return &Registry{
		scene:  sc,
		layers: make(map[string]*ManagedLayer),
		next:   make(map[catalog.Band]int),
	}
}

func (r *Registry) Scene() scene.Scene { return r.scene }

// Add registers ml and attaches its handle, if any, to the scene. The handle
// takes the record's visibility, opacity and z-index.
func (r *Registry) Add(ml ManagedLayer) error {
	if ml.ID == "" {
		return fmt.Errorf("layer id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.layers[ml.ID]; exists {
		return fmt.Errorf("%w: %s", ErrLayerExists, ml.ID)
	}
	if ml.Layer != nil {
		ml.Layer.SetVisible(ml.Visible)
		ml.Layer.SetOpacity(ml.Opacity)
		ml.Layer.SetZIndex(ml.ZIndex)
		if err := r.scene.AddLayer(ml.Layer); err != nil {
			return err
		}
	}
	rec := ml
	r.layers[ml.ID] = &rec
	r.reserve(ml.Band, ml.ZIndex)
	return nil
}

// reserve bumps the band counter past z so later lazily created layers stack
// above it.
func (r *Registry) reserve(band catalog.Band, z int) {
	idx := z - catalog.ZIndexFor(band, 0)
	if idx+1 > r.next[band] {
		r.next[band] = idx + 1
	}
}

// NextZIndex is the z-index the next layer added to band would get.
func (r *Registry) NextZIndex(band catalog.Band) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return catalog.ZIndexFor(band, r.next[band])
}

// Remove detaches the layer from the scene and deletes its record.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ml, ok := r.layers[id]
	if !ok {
		return false
	}
	if ml.Layer != nil {
		r.scene.RemoveLayer(id)
	}
	delete(r.layers, id)
	return true
}

func (r *Registry) Get(id string) (ManagedLayer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ml, ok := r.layers[id]
	if !ok {
		return ManagedLayer{}, false
	}
	return *ml, true
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.layers[id]
	return ok
}

// Layer returns the live handle for id. Callers must not keep it across
// registry mutations; look it up again instead.
func (r *Registry) Layer(id string) (*scene.Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ml, ok := r.layers[id]
	if !ok || ml.Layer == nil {
		return nil, false
	}
	return ml.Layer, true
}

func (r *Registry) VectorSource(id string) (*scene.VectorSource, bool) {
	l, ok := r.Layer(id)
	if !ok {
		return nil, false
	}
	return l.VectorSource()
}

// List returns every record ordered by z-index, then id.
func (r *Registry) List() []ManagedLayer {
	r.mu.RLock()
	out := make([]ManagedLayer, 0, len(r.layers))
	for _, ml := range r.layers {
		out = append(out, *ml)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex != out[j].ZIndex {
			return out[i].ZIndex < out[j].ZIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layers)
}

// VisibleIDs returns the sorted ids of all visible layers.
func (r *Registry) VisibleIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.layers))
	for id, ml := range r.layers {
		if ml.Visible {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// ApplyVisibility sets the visibility of many layers as one update: the
// record map is replaced wholesale under the lock, so readers see either the
// old or the new state. Unknown ids are skipped. It returns how many records
// changed.
func (r *Registry) ApplyVisibility(changes map[string]bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*ManagedLayer, len(r.layers))
	changed := 0
	for id, ml := range r.layers {
		visible, ok := changes[id]
		if !ok || visible == ml.Visible {
			next[id] = ml
			continue
		}
		rec := *ml
		rec.Visible = visible
		next[id] = &rec
		changed++
	}
	for id, visible := range changes {
		if _, ok := r.layers[id]; !ok {
			log.Debug("visibility change for unknown layer", "layer", id, "visible", visible)
		}
	}
	r.layers = next

	for id := range changes {
		if ml, ok := next[id]; ok && ml.Layer != nil {
			ml.Layer.SetVisible(ml.Visible)
		}
	}
	return changed
}

func (r *Registry) SetVisible(id string, visible bool) error {
	if !r.Has(id) {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	r.ApplyVisibility(map[string]bool{id: visible})
	return nil
}

func (r *Registry) SetOpacity(id string, opacity float64) error {
	return r.update(id, func(ml *ManagedLayer) {
		if ml.Layer != nil {
			ml.Layer.SetOpacity(opacity)
			ml.Opacity = ml.Layer.Opacity()
			return
		}
		ml.Opacity = opacity
	})
}

func (r *Registry) SetZIndex(id string, z int) error {
	return r.update(id, func(ml *ManagedLayer) {
		ml.ZIndex = z
		if ml.Layer != nil {
			ml.Layer.SetZIndex(z)
		}
	})
}

func (r *Registry) update(id string, fn func(*ManagedLayer)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ml, ok := r.layers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	rec := *ml
	fn(&rec)
	r.layers[id] = &rec
	return nil
}

// VectorLayerOptions describe a vector layer created on demand.
type VectorLayerOptions struct {
	Title    string
	Style    string
	Band     catalog.Band
	Folder   string
	Visible  bool
	SourceID string
	Uploaded bool
}

// EnsureVectorLayer returns the vector layer registered under id, creating an
// empty one on top of opts.Band when there is none. created reports whether a
// new layer was made.
func (r *Registry) EnsureVectorLayer(id string, opts VectorLayerOptions) (layer *scene.Layer, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ml, ok := r.layers[id]; ok {
		if ml.Layer == nil {
			return nil, false, fmt.Errorf("%w: %s failed to load: %s", ErrNotVector, id, ml.Error)
		}
		if _, ok := ml.Layer.VectorSource(); !ok {
			return nil, false, fmt.Errorf("%w: %s", ErrNotVector, id)
		}
		return ml.Layer, false, nil
	}

	z := catalog.ZIndexFor(opts.Band, r.next[opts.Band])
	layer = scene.NewLayer(id, scene.NewVectorSource(),
		scene.WithStyle(opts.Style),
		scene.WithVisible(opts.Visible),
		scene.WithZIndex(z),
	)
	if err := r.scene.AddLayer(layer); err != nil {
		return nil, false, err
	}

	layerType := catalog.LayerTypeSubject
	if opts.Band == catalog.BandBase {
		layerType = catalog.LayerTypeBase
	}
	r.layers[id] = &ManagedLayer{
		ID:        id,
		Title:     opts.Title,
		Status:    catalog.StatusLoaded,
		Visible:   opts.Visible,
		Opacity:   1,
		ZIndex:    z,
		LayerType: layerType,
		Band:      opts.Band,
		Folder:    opts.Folder,
		SourceID:  opts.SourceID,
		Uploaded:  opts.Uploaded,
		Layer:     layer,
	}
	r.reserve(opts.Band, z)
	log.Debug("created vector layer", "layer", id, "zIndex", z)
	return layer, true, nil
}

// Teardown detaches every handle from the scene and empties the registry.
// Calling it on an empty registry does nothing.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.layers) == 0 {
		return
	}
	detached := 0
	for id, ml := range r.layers {
		if ml.Layer != nil {
			r.scene.RemoveLayer(id)
			detached++
		}
	}
	log.Info("registry torn down", "layers", len(r.layers), "detached", detached)
	r.layers = make(map[string]*ManagedLayer)
	r.next = make(map[catalog.Band]int)
}
