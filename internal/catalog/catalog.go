package catalog

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

type LayerType string

const (
	LayerTypeBase    LayerType = "base"
	LayerTypeSubject LayerType = "subject"
)

type Status string

const (
	StatusInitial Status = "initial"
	StatusLoading Status = "loading"
	StatusLoaded  Status = "loaded"
	StatusError   Status = "error"
)

// Band is the z-index band an entry is drawn in.
type Band int

const (
	BandBase Band = iota
	BandSubject
	BandDraw
)

const (
	SubjectZBase = 100
	DrawZBase    = 1000
)

// ZIndexFor places index inside a band: base layers keep their index, subject
// layers start at 100 and draw layers at 1000.
func ZIndexFor(band Band, index int) int {
	switch band {
	case BandDraw:
		return DrawZBase + index
	case BandSubject:
		return SubjectZBase + index
	default:
		return index
	}
}

const (
	DefaultDrawFolder    = "Draw Layers"
	DefaultThematicGroup = "Thememaps"
	DefaultBoundaryLayer = "project_boundary"
	DefaultPlanningLayer = "planning_area"
	DefaultNewDevLayer   = "new_development"
	DefaultNotesLayer    = "notes"
	FilteredSuffix       = "_filtered"
)

type Entry struct {
	ID        string
	Title     string
	Visible   bool
	Opacity   float64
	LayerType LayerType
	Band      Band
	Index     int
	Folder    string
	Group     string
	Status    Status

	Service Descriptor
	// ServiceError is set when the descriptor could not be decoded; the
	// factory reports it as the layer's error instead of building it.
	ServiceError error
}

func (e *Entry) ZIndex() int {
	return ZIndexFor(e.Band, e.Index)
}

// Node is a folder (Entry == nil) or a leaf of the layer tree.
type Node struct {
	Title    string
	Entry    *Entry
	Children []*Node
}

func (n *Node) IsFolder() bool { return n.Entry == nil }

type MapView struct {
	Projection string    `json:"projection"`
	Extent     []float64 `json:"extent,omitempty"`
	Center     []float64 `json:"center,omitempty"`
	Zoom       float64   `json:"zoom,omitempty"`
	MinZoom    float64   `json:"minZoom,omitempty"`
	MaxZoom    float64   `json:"maxZoom,omitempty"`
}

type QuestionLayerConfig struct {
	ID               string   `json:"id"`
	DrawLayerID      string   `json:"drawLayerId,omitempty"`
	VisibleLayerIDs  []string `json:"visibleLayerIds"`
	CanDrawPolygons  bool     `json:"canDrawPolygons,omitempty"`
	CanDrawBTF       bool     `json:"canDrawBTF,omitempty"`
	CanDrawNotes     bool     `json:"canDrawNotes,omitempty"`
	CanQueryFeatures []string `json:"canQueryFeatures,omitempty"`
	FeatureDisplay   string   `json:"featureDisplay,omitempty"`
}

type IntersectionConfig struct {
	BoundaryLayerID string `json:"boundaryLayerId"`
	PlanningLayerID string `json:"planningLayerId"`
	ReferencePath   string `json:"reference,omitempty"`
	ReferenceCRS    string `json:"referenceCrs,omitempty"`
}

type Catalog struct {
	View          MapView
	Base          []*Entry
	Tree          []*Node
	KeepVisible   []string
	DrawFolder    string
	ThematicGroup string
	Intersection  IntersectionConfig

	questions []*QuestionLayerConfig
	byID      map[string]*Entry
	byQ       map[string]*QuestionLayerConfig
	dir       string
}

// Entries lists base entries followed by the subject tree in depth-first order.
func (c *Catalog) Entries() []*Entry {
	out := make([]*Entry, 0, len(c.byID))
	out = append(out, c.Base...)
	out = append(out, c.SubjectEntries()...)
	return out
}

func (c *Catalog) SubjectEntries() []*Entry {
	var out []*Entry
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			if n.IsFolder() {
				walk(n.Children)
				continue
			}
			out = append(out, n.Entry)
		}
	}
	walk(c.Tree)
	return out
}

func (c *Catalog) Entry(id string) (*Entry, bool) {
	e, ok := c.byID[id]
	return e, ok
}

func (c *Catalog) Question(id string) (*QuestionLayerConfig, bool) {
	q, ok := c.byQ[id]
	return q, ok
}

func (c *Catalog) Questions() []*QuestionLayerConfig {
	return append([]*QuestionLayerConfig(nil), c.questions...)
}

// IsDrawFolder reports whether a folder path lies inside the draw folder.
func (c *Catalog) IsDrawFolder(folder string) bool {
	return matchFolder(c.DrawFolder, folder)
}

// IsThematic reports whether an entry belongs to the thematic overlay group,
// either by tag or by living in the thematic folder.
func (c *Catalog) IsThematic(e *Entry) bool {
	if e == nil {
		return false
	}
	if e.Group != "" && e.Group == c.ThematicGroup {
		return true
	}
	return matchFolder(c.ThematicGroup, e.Folder)
}

// ResolvePath resolves p against the directory the config was loaded from.
func (c *Catalog) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

func matchFolder(root, folder string) bool {
	if root == "" || folder == "" {
		return false
	}
	if folder == root {
		return true
	}
	ok, err := doublestar.Match(root+"/**", folder)
	return err == nil && ok
}
