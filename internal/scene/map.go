package scene

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrLayerExists = errors.New("layer already in scene")

// Scene is the part of the rendering engine the core talks to.
type Scene interface {
	Projection() string
	AddLayer(layer *Layer) error
	RemoveLayer(id string) bool
	Layer(id string) (*Layer, bool)
	Layers() []*Layer
}

// Map is an in-memory Scene.
type Map struct {
	projection string

	mu     sync.RWMutex
	layers map[string]*Layer
}

func NewMap(projection string) *Map {
	return &Map{
		projection: projection,
		layers:     make(map[string]*Layer),
	}
}

func (m *Map) Projection() string { return m.projection }

func (m *Map) AddLayer(layer *Layer) error {
	if layer == nil {
		return errors.New("nil layer")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.layers[layer.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrLayerExists, layer.ID())
	}
	m.layers[layer.ID()] = layer
	return nil
}

func (m *Map) RemoveLayer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.layers[id]; !exists {
		return false
	}
	delete(m.layers, id)
	return true
}

func (m *Map) Layer(id string) (*Layer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.layers[id]
	return l, ok
}

// Layers returns the layer stack bottom to top.
func (m *Map) Layers() []*Layer {
	m.mu.RLock()
	out := make([]*Layer, 0, len(m.layers))
	for _, l := range m.layers {
		out = append(out, l)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		zi, zj := out[i].ZIndex(), out[j].ZIndex()
		if zi != zj {
			return zi < zj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.layers)
}
