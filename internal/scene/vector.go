package scene

import (
	"context"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/bgiplan/layerd/internal/geo"
)

type EventType int

const (
	EventAdd EventType = iota
	EventRemove
	EventChange
	EventClear
)

func (e EventType) String() string {
	switch e {
	case EventAdd:
		return "add"
	case EventRemove:
		return "remove"
	case EventChange:
		return "change"
	case EventClear:
		return "clear"
	default:
		return "unknown"
	}
}

type Event struct {
	Type     EventType
	Features []*geojson.Feature
}

type ListenerKey uint64

// Loader fetches the features covering extent, expressed in projection.
type Loader func(ctx context.Context, extent orb.Bound, projection string) ([]*geojson.Feature, error)

type VectorSource struct {
	mu        sync.RWMutex
	features  []*geojson.Feature
	listeners map[ListenerKey]func(Event)
	nextKey   ListenerKey

	loader     Loader
	projection string
	loaded     []orb.Bound
	loadedKeys map[string]struct{}
	loadMu     sync.Mutex
}

type VectorOption func(*VectorSource)

// WithLoader attaches a bbox loading strategy; extents already covered by a
// previous load are not fetched again.
func WithLoader(loader Loader, projection string) VectorOption {
	return func(s *VectorSource) {
		s.loader = loader
		s.projection = projection
	}
}

func NewVectorSource(opts ...VectorOption) *VectorSource {
	s := &VectorSource{
		listeners: make(map[ListenerKey]func(Event)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (*VectorSource) Kind() Kind { return KindVector }

// Features returns a snapshot of the feature slice. The features themselves
// are shared; callers that keep them across mutations must clone.
func (s *VectorSource) Features() []*geojson.Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*geojson.Feature, len(s.features))
	copy(out, s.features)
	return out
}

func (s *VectorSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.features)
}

func (s *VectorSource) AddFeature(f *geojson.Feature) {
	if f == nil {
		return
	}
	s.AddFeatures([]*geojson.Feature{f})
}

func (s *VectorSource) AddFeatures(features []*geojson.Feature) {
	added := make([]*geojson.Feature, 0, len(features))
	for _, f := range features {
		if f != nil {
			added = append(added, f)
		}
	}
	if len(added) == 0 {
		return
	}

	s.mu.Lock()
	s.features = append(s.features, added...)
	s.mu.Unlock()

	s.emit(Event{Type: EventAdd, Features: added})
}

// RemoveFeature removes f by identity.
func (s *VectorSource) RemoveFeature(f *geojson.Feature) bool {
	s.mu.Lock()
	idx := -1
	for i, existing := range s.features {
		if existing == f {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.features = append(s.features[:idx], s.features[idx+1:]...)
	s.mu.Unlock()

	s.emit(Event{Type: EventRemove, Features: []*geojson.Feature{f}})
	return true
}

// Changed signals that f was modified in place.
func (s *VectorSource) Changed(f *geojson.Feature) {
	s.emit(Event{Type: EventChange, Features: []*geojson.Feature{f}})
}

func (s *VectorSource) Clear() {
	s.mu.Lock()
	removed := s.features
	s.features = nil
	s.mu.Unlock()

	s.loadMu.Lock()
	s.loaded = nil
	s.loadedKeys = nil
	s.loadMu.Unlock()

	s.emit(Event{Type: EventClear, Features: removed})
}

// On registers fn for every feature event and returns the key to remove it.
func (s *VectorSource) On(fn func(Event)) ListenerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKey++
	s.listeners[s.nextKey] = fn
	return s.nextKey
}

func (s *VectorSource) Off(key ListenerKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[key]; !ok {
		return false
	}
	delete(s.listeners, key)
	return true
}

func (s *VectorSource) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// emit runs listeners outside the source lock so they may read the source.
func (s *VectorSource) emit(ev Event) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// LoadExtent runs the loader for extent unless a previous load covered it.
// Features already loaded for an overlapping extent are not added twice.
func (s *VectorSource) LoadExtent(ctx context.Context, extent orb.Bound) error {
	if s.loader == nil {
		return nil
	}

	s.loadMu.Lock()
	for _, b := range s.loaded {
		if containsBound(b, extent) {
			s.loadMu.Unlock()
			return nil
		}
	}
	s.loadMu.Unlock()

	features, err := s.loader(ctx, extent, s.projection)
	if err != nil {
		return err
	}

	s.loadMu.Lock()
	s.loaded = append(s.loaded, extent)
	if s.loadedKeys == nil {
		s.loadedKeys = make(map[string]struct{})
	}
	fresh := make([]*geojson.Feature, 0, len(features))
	for _, f := range features {
		if f == nil {
			continue
		}
		key := loadKey(f)
		if _, seen := s.loadedKeys[key]; seen {
			continue
		}
		s.loadedKeys[key] = struct{}{}
		fresh = append(fresh, f)
	}
	s.loadMu.Unlock()

	s.AddFeatures(fresh)
	return nil
}

// loadKey identifies a loaded feature across overlapping extents: by id when
// it has one, otherwise by its attributes and geometry.
func loadKey(f *geojson.Feature) string {
	if id := geo.FeatureID(f); id != "" {
		return "id:" + id
	}
	key := geo.FeatureKey(f)
	if f.Geometry != nil {
		if data, err := geojson.NewGeometry(f.Geometry).MarshalJSON(); err == nil {
			key += ":" + string(data)
		}
	}
	return key
}

func containsBound(outer, inner orb.Bound) bool {
	return outer.Min[0] <= inner.Min[0] && outer.Min[1] <= inner.Min[1] &&
		outer.Max[0] >= inner.Max[0] && outer.Max[1] >= inner.Max[1]
}
