// Package scene is a headless stand-in for the map rendering engine: it keeps
// the layer stack, layer presentation state and vector feature sources, and
// notifies listeners when features change. Rendering and tiling happen
// elsewhere.
package scene

import "sync"

type Kind string

const (
	KindTile       Kind = "tile"
	KindImage      Kind = "image"
	KindVector     Kind = "vector"
	KindVectorTile Kind = "vectortile"
)

type Source interface {
	Kind() Kind
}

// TileSource is a tiled raster source (WMS tiles or WMTS).
type TileSource struct {
	Service    string            `json:"service"`
	URL        string            `json:"url"`
	Params     map[string]string `json:"params,omitempty"`
	Layer      string            `json:"layer,omitempty"`
	MatrixSet  string            `json:"matrixSet,omitempty"`
	Format     string            `json:"format,omitempty"`
	Style      string            `json:"style,omitempty"`
	Projection string            `json:"projection,omitempty"`
}

func (*TileSource) Kind() Kind { return KindTile }

// ImageSource is a single-image WMS source.
type ImageSource struct {
	URL    string            `json:"url"`
	Params map[string]string `json:"params,omitempty"`
}

func (*ImageSource) Kind() Kind { return KindImage }

type VectorTileSource struct {
	URL      string   `json:"url"`
	StyleIDs []string `json:"styleIds"`
}

func (*VectorTileSource) Kind() Kind { return KindVectorTile }

type Layer struct {
	id     string
	source Source
	style  string

	mu      sync.RWMutex
	visible bool
	opacity float64
	zIndex  int
}

type LayerOption func(*Layer)

func WithStyle(style string) LayerOption {
	return func(l *Layer) { l.style = style }
}

func WithVisible(visible bool) LayerOption {
	return func(l *Layer) { l.visible = visible }
}

func WithOpacity(opacity float64) LayerOption {
	return func(l *Layer) { l.opacity = clampOpacity(opacity) }
}

func WithZIndex(z int) LayerOption {
	return func(l *Layer) { l.zIndex = z }
}

func NewLayer(id string, source Source, opts ...LayerOption) *Layer {
	l := &Layer{
		id:      id,
		source:  source,
		visible: true,
		opacity: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Layer) ID() string     { return l.id }
func (l *Layer) Source() Source { return l.source }
func (l *Layer) Style() string  { return l.style }

// VectorSource returns the layer's feature source when it has one.
func (l *Layer) VectorSource() (*VectorSource, bool) {
	vs, ok := l.source.(*VectorSource)
	return vs, ok && vs != nil
}

func (l *Layer) Visible() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.visible
}

func (l *Layer) SetVisible(visible bool) {
	l.mu.Lock()
	l.visible = visible
	l.mu.Unlock()
}

func (l *Layer) Opacity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opacity
}

func (l *Layer) SetOpacity(opacity float64) {
	l.mu.Lock()
	l.opacity = clampOpacity(opacity)
	l.mu.Unlock()
}

func (l *Layer) ZIndex() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zIndex
}

func (l *Layer) SetZIndex(z int) {
	l.mu.Lock()
	l.zIndex = z
	l.mu.Unlock()
}

func clampOpacity(o float64) float64 {
	switch {
	case o < 0:
		return 0
	case o > 1:
		return 1
	}
	return o
}
