package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bgiplan/layerd/internal/logger"
)

var log = logger.ForComponent("catalog")

type rawConfig struct {
	View          MapView                `json:"view"`
	DrawFolder    string                 `json:"drawFolder,omitempty"`
	ThematicGroup string                 `json:"thematicGroup,omitempty"`
	KeepVisible   []string               `json:"keepVisible,omitempty"`
	BaseLayers    []rawNode              `json:"baseLayers"`
	Layers        []rawNode              `json:"layers"`
	Questions     []*QuestionLayerConfig `json:"questions"`
	Intersection  *IntersectionConfig    `json:"intersection,omitempty"`
}

type rawNode struct {
	ID      string          `json:"id,omitempty"`
	Title   string          `json:"title,omitempty"`
	Visible *bool           `json:"visible,omitempty"`
	Opacity *float64        `json:"opacity,omitempty"`
	Group   string          `json:"group,omitempty"`
	Service json.RawMessage `json:"service,omitempty"`
	Layers  []rawNode       `json:"layers,omitempty"`

	// set by the HCL loader, which decodes services itself
	service    Descriptor
	serviceErr error
}

func (n rawNode) isFolder() bool {
	return n.ID == "" && n.Layers != nil
}

// LoadFile reads a map config; .hcl files are decoded as HCL, anything else as JSON.
func LoadFile(filename string) (*Catalog, error) {
	var (
		raw *rawConfig
		err error
	)

	if strings.EqualFold(filepath.Ext(filename), ".hcl") {
		raw, err = decodeHCLFile(filename)
	} else {
		var data []byte
		data, err = os.ReadFile(filename)
		if err == nil {
			raw, err = decodeJSON(data)
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigMissing, filename)
		}
		return nil, fmt.Errorf("load map config %s: %w", filename, err)
	}

	cat, err := build(raw)
	if err != nil {
		return nil, fmt.Errorf("load map config %s: %w", filename, err)
	}
	cat.dir = filepath.Dir(filename)
	return cat, nil
}

// Parse builds a catalog from the JSON form of a map config.
func Parse(data []byte) (*Catalog, error) {
	raw, err := decodeJSON(data)
	if err != nil {
		return nil, err
	}
	return build(raw)
}

func decodeJSON(data []byte) (*rawConfig, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode map config: %w", err)
	}
	return &raw, nil
}

type builder struct {
	cat          *Catalog
	drawIndex    int
	subjectIndex int
}

func build(raw *rawConfig) (*Catalog, error) {
	cat := &Catalog{
		View:          raw.View,
		DrawFolder:    raw.DrawFolder,
		ThematicGroup: raw.ThematicGroup,
		KeepVisible:   raw.KeepVisible,
		byID:          make(map[string]*Entry),
		byQ:           make(map[string]*QuestionLayerConfig),
	}
	if cat.DrawFolder == "" {
		cat.DrawFolder = DefaultDrawFolder
	}
	if cat.ThematicGroup == "" {
		cat.ThematicGroup = DefaultThematicGroup
	}
	if cat.View.Projection == "" {
		cat.View.Projection = "EPSG:3857"
	}
	if raw.Intersection != nil {
		cat.Intersection = *raw.Intersection
	}
	if cat.Intersection.BoundaryLayerID == "" {
		cat.Intersection.BoundaryLayerID = DefaultBoundaryLayer
	}
	if cat.Intersection.PlanningLayerID == "" {
		cat.Intersection.PlanningLayerID = DefaultPlanningLayer
	}
	if cat.Intersection.ReferenceCRS == "" {
		cat.Intersection.ReferenceCRS = "EPSG:4326"
	}
	if cat.KeepVisible == nil {
		cat.KeepVisible = []string{cat.Intersection.BoundaryLayerID, DefaultNewDevLayer, DefaultNotesLayer}
	}

	b := &builder{cat: cat}

	for i, n := range raw.BaseLayers {
		e, err := b.entry(n, "", LayerTypeBase, BandBase, i)
		if err != nil {
			return nil, err
		}
		cat.Base = append(cat.Base, e)
	}

	nodes, err := b.nodes(raw.Layers, "")
	if err != nil {
		return nil, err
	}
	cat.Tree = nodes

	for _, q := range raw.Questions {
		if q == nil || q.ID == "" {
			return nil, fmt.Errorf("question without id")
		}
		if _, dup := cat.byQ[q.ID]; dup {
			return nil, fmt.Errorf("duplicate question id %q", q.ID)
		}
		cat.byQ[q.ID] = q
		cat.questions = append(cat.questions, q)
	}

	return cat, nil
}

func (b *builder) nodes(raw []rawNode, folder string) ([]*Node, error) {
	out := make([]*Node, 0, len(raw))
	for _, n := range raw {
		if n.isFolder() {
			childFolder := n.Title
			if folder != "" {
				childFolder = path.Join(folder, n.Title)
			}
			children, err := b.nodes(n.Layers, childFolder)
			if err != nil {
				return nil, err
			}
			out = append(out, &Node{Title: n.Title, Children: children})
			continue
		}

		band, index := BandSubject, b.subjectIndex
		if b.cat.IsDrawFolder(folder) {
			band, index = BandDraw, b.drawIndex
			b.drawIndex++
		} else {
			b.subjectIndex++
		}

		e, err := b.entry(n, folder, LayerTypeSubject, band, index)
		if err != nil {
			return nil, err
		}
		out = append(out, &Node{Title: e.Title, Entry: e})
	}
	return out, nil
}

func (b *builder) entry(n rawNode, folder string, lt LayerType, band Band, index int) (*Entry, error) {
	if n.ID == "" {
		return nil, fmt.Errorf("layer without id in folder %q", folder)
	}
	if _, dup := b.cat.byID[n.ID]; dup {
		return nil, fmt.Errorf("duplicate layer id %q", n.ID)
	}

	e := &Entry{
		ID:        n.ID,
		Title:     n.Title,
		Visible:   true,
		Opacity:   1,
		LayerType: lt,
		Band:      band,
		Index:     index,
		Folder:    folder,
		Group:     n.Group,
		Status:    StatusInitial,
	}
	if e.Title == "" {
		e.Title = n.ID
	}
	if n.Visible != nil {
		e.Visible = *n.Visible
	}
	if n.Opacity != nil {
		e.Opacity = *n.Opacity
	}

	switch {
	case n.service != nil || n.serviceErr != nil:
		e.Service, e.ServiceError = n.service, n.serviceErr
	case len(n.Service) > 0:
		e.Service, e.ServiceError = DecodeDescriptor(n.Service)
	default:
		e.ServiceError = fmt.Errorf("%w: layer %q has no service", ErrConfigMissing, n.ID)
	}
	if e.ServiceError != nil {
		log.Warn("layer descriptor rejected", "layer", n.ID, "error", e.ServiceError)
	}

	b.cat.byID[e.ID] = e
	return e, nil
}
