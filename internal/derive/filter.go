package derive

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb/geojson"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/geo"
	"github.com/bgiplan/layerd/internal/registry"
	"github.com/bgiplan/layerd/internal/scene"
)

type filtered struct {
	sourceID  string
	predicate Predicate
	listener  scene.ListenerKey
	following bool
}

// Filters derives predicate-filtered copies of source layers.
type Filters struct {
	reg *registry.Registry

	mu    sync.Mutex
	byDst map[string]*filtered
}

func NewFilters(reg *registry.Registry) *Filters {
	return &Filters{reg: reg, byDst: make(map[string]*filtered)}
}

// FilteredID is the default id of the filtered layer derived from sourceID.
func FilteredID(sourceID string) string {
	return sourceID + catalog.FilteredSuffix
}

// Create builds destID from the features of sourceID that match predicate.
// When destID is already registered, Create returns it unchanged. An empty
// destID defaults to FilteredID(sourceID). The new layer takes the source's
// style and z-index.
func (d *Filters) Create(sourceID string, predicate Predicate, destID string) (string, error) {
	if destID == "" {
		destID = FilteredID(sourceID)
	}
	if d.reg.Has(destID) {
		return destID, nil
	}
	if predicate == nil {
		return "", fmt.Errorf("filter for %q has no predicate", sourceID)
	}

	src, ok := d.reg.Get(sourceID)
	if !ok || src.Layer == nil {
		return "", fmt.Errorf("%w: filter source %q", catalog.ErrSourceMissing, sourceID)
	}
	srcFeatures, ok := src.Layer.VectorSource()
	if !ok {
		return "", fmt.Errorf("%w: %s", registry.ErrNotVector, sourceID)
	}

	layer, _, err := d.reg.EnsureVectorLayer(destID, registry.VectorLayerOptions{
		Title:    src.Title,
		Style:    src.Layer.Style(),
		Band:     src.Band,
		Folder:   src.Folder,
		Visible:  true,
		SourceID: sourceID,
	})
	if err != nil {
		return "", err
	}
	if err := d.reg.SetZIndex(destID, src.ZIndex); err != nil {
		return "", err
	}

	dest, _ := layer.VectorSource()
	dest.AddFeatures(apply(predicate, srcFeatures.Features()))

	d.mu.Lock()
	d.byDst[destID] = &filtered{sourceID: sourceID, predicate: predicate}
	d.mu.Unlock()

	log.Debug("filtered layer created", "source", sourceID, "layer", destID, "features", dest.Len())
	return destID, nil
}

// Update re-runs the filter of destID and swaps its features in place. A nil
// predicate reuses the last one. The layer object, its listeners and its
// visibility stay as they are.
func (d *Filters) Update(destID string, predicate Predicate) (int, error) {
	d.mu.Lock()
	fl, ok := d.byDst[destID]
	if ok && predicate != nil {
		fl.predicate = predicate
	}
	var (
		sourceID string
		pred     Predicate
	)
	if ok {
		sourceID, pred = fl.sourceID, fl.predicate
	}
	d.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: no filtered layer %q", catalog.ErrSourceMissing, destID)
	}

	src, ok := d.reg.VectorSource(sourceID)
	if !ok {
		return 0, fmt.Errorf("%w: filter source %q", catalog.ErrSourceMissing, sourceID)
	}
	dest, ok := d.reg.VectorSource(destID)
	if !ok {
		return 0, fmt.Errorf("%w: filtered layer %q", catalog.ErrSourceMissing, destID)
	}

	features := apply(pred, src.Features())
	dest.Clear()
	dest.AddFeatures(features)
	return len(features), nil
}

// Follow keeps destID in sync with its source: every change to the source
// reruns Update.
func (d *Filters) Follow(destID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fl, ok := d.byDst[destID]
	if !ok {
		return fmt.Errorf("%w: no filtered layer %q", catalog.ErrSourceMissing, destID)
	}
	if fl.following {
		return nil
	}
	src, ok := d.reg.VectorSource(fl.sourceID)
	if !ok {
		return fmt.Errorf("%w: filter source %q", catalog.ErrSourceMissing, fl.sourceID)
	}
	fl.listener = src.On(func(scene.Event) {
		if _, err := d.Update(destID, nil); err != nil {
			log.Warn("filtered layer update failed", "layer", destID, "error", err)
		}
	})
	fl.following = true
	return nil
}

// Remove detaches destID from the scene, stops following its source and
// deletes it from the registry.
func (d *Filters) Remove(destID string) bool {
	d.mu.Lock()
	fl, ok := d.byDst[destID]
	delete(d.byDst, destID)
	d.mu.Unlock()

	if ok && fl.following {
		if src, found := d.reg.VectorSource(fl.sourceID); found {
			src.Off(fl.listener)
		}
	}
	return d.reg.Remove(destID) || ok
}

// Reset stops following every source and forgets all filters. The filtered
// layers stay in the registry; tearing the registry down removes them.
func (d *Filters) Reset() {
	d.mu.Lock()
	all := d.byDst
	d.byDst = make(map[string]*filtered)
	d.mu.Unlock()

	for _, fl := range all {
		if !fl.following {
			continue
		}
		if src, ok := d.reg.VectorSource(fl.sourceID); ok {
			src.Off(fl.listener)
		}
	}
}

// IDs lists the filtered layers currently tracked.
func (d *Filters) IDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.byDst))
	for id := range d.byDst {
		ids = append(ids, id)
	}
	return ids
}

func apply(predicate Predicate, features []*geojson.Feature) []*geojson.Feature {
	out := make([]*geojson.Feature, 0, len(features))
	for _, f := range features {
		if predicate(f) {
			out = append(out, geo.CloneFeature(f))
		}
	}
	return out
}
