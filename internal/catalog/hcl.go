package catalog

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

type hclRoot struct {
	View          *hclView         `hcl:"view,block"`
	DrawFolder    *string          `hcl:"draw_folder,optional"`
	ThematicGroup *string          `hcl:"thematic_group,optional"`
	KeepVisible   []string         `hcl:"keep_visible,optional"`
	BaseLayers    []*hclLayer      `hcl:"base_layer,block"`
	Folders       []*hclFolder     `hcl:"folder,block"`
	Layers        []*hclLayer      `hcl:"layer,block"`
	Questions     []*hclQuestion   `hcl:"question,block"`
	Intersection  *hclIntersection `hcl:"intersection,block"`
	Remain        hcl.Body         `hcl:",remain"`
}

type hclView struct {
	Projection *string   `hcl:"projection,optional"`
	Extent     []float64 `hcl:"extent,optional"`
	Center     []float64 `hcl:"center,optional"`
	Zoom       *float64  `hcl:"zoom,optional"`
	MinZoom    *float64  `hcl:"min_zoom,optional"`
	MaxZoom    *float64  `hcl:"max_zoom,optional"`
}

type hclFolder struct {
	Title   string       `hcl:"title,label"`
	Layers  []*hclLayer  `hcl:"layer,block"`
	Folders []*hclFolder `hcl:"folder,block"`
}

type hclLayer struct {
	ID      string      `hcl:"id,label"`
	Title   *string     `hcl:"title,optional"`
	Visible *bool       `hcl:"visible,optional"`
	Opacity *float64    `hcl:"opacity,optional"`
	Group   *string     `hcl:"group,optional"`
	Service *hclService `hcl:"service,block"`
}

type hclService struct {
	Type            string   `hcl:"type,label"`
	URL             *string  `hcl:"url,optional"`
	CapabilitiesURL *string  `hcl:"capabilities_url,optional"`
	Layers          *string  `hcl:"layers,optional"`
	Layer           *string  `hcl:"layer,optional"`
	MatrixSet       *string  `hcl:"matrix_set,optional"`
	Format          *string  `hcl:"format,optional"`
	Version         *string  `hcl:"version,optional"`
	Styles          *string  `hcl:"styles,optional"`
	Style           *string  `hcl:"style,optional"`
	Tiled           *bool    `hcl:"tiled,optional"`
	TypeName        *string  `hcl:"type_name,optional"`
	SourceCRS       *string  `hcl:"source_crs,optional"`
	StyleIDs        []string `hcl:"style_ids,optional"`
}

type hclQuestion struct {
	ID               string   `hcl:"id,label"`
	DrawLayerID      *string  `hcl:"draw_layer_id,optional"`
	VisibleLayerIDs  []string `hcl:"visible_layer_ids,optional"`
	CanDrawPolygons  *bool    `hcl:"can_draw_polygons,optional"`
	CanDrawBTF       *bool    `hcl:"can_draw_btf,optional"`
	CanDrawNotes     *bool    `hcl:"can_draw_notes,optional"`
	CanQueryFeatures []string `hcl:"can_query_features,optional"`
	FeatureDisplay   *string  `hcl:"feature_display,optional"`
}

type hclIntersection struct {
	BoundaryLayerID *string `hcl:"boundary_layer,optional"`
	PlanningLayerID *string `hcl:"planning_layer,optional"`
	ReferencePath   *string `hcl:"reference,optional"`
	ReferenceCRS    *string `hcl:"reference_crs,optional"`
}

func decodeHCLFile(filename string) (*rawConfig, error) {
	if _, err := os.Stat(filename); err != nil {
		return nil, err
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root hclRoot
	diags = gohcl.DecodeBody(file.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	return root.translate(), nil
}

// translate maps the HCL blocks onto the JSON config shape. Within a folder,
// nested folders come before the folder's own layers.
func (r *hclRoot) translate() *rawConfig {
	raw := &rawConfig{
		DrawFolder:    str(r.DrawFolder),
		ThematicGroup: str(r.ThematicGroup),
		KeepVisible:   r.KeepVisible,
	}

	if r.View != nil {
		raw.View = MapView{
			Projection: str(r.View.Projection),
			Extent:     r.View.Extent,
			Center:     r.View.Center,
			Zoom:       num(r.View.Zoom),
			MinZoom:    num(r.View.MinZoom),
			MaxZoom:    num(r.View.MaxZoom),
		}
	}

	for _, l := range r.BaseLayers {
		raw.BaseLayers = append(raw.BaseLayers, l.translate())
	}
	raw.Layers = translateTree(r.Folders, r.Layers)

	for _, q := range r.Questions {
		raw.Questions = append(raw.Questions, &QuestionLayerConfig{
			ID:               q.ID,
			DrawLayerID:      str(q.DrawLayerID),
			VisibleLayerIDs:  q.VisibleLayerIDs,
			CanDrawPolygons:  flag(q.CanDrawPolygons),
			CanDrawBTF:       flag(q.CanDrawBTF),
			CanDrawNotes:     flag(q.CanDrawNotes),
			CanQueryFeatures: q.CanQueryFeatures,
			FeatureDisplay:   str(q.FeatureDisplay),
		})
	}

	if r.Intersection != nil {
		raw.Intersection = &IntersectionConfig{
			BoundaryLayerID: str(r.Intersection.BoundaryLayerID),
			PlanningLayerID: str(r.Intersection.PlanningLayerID),
			ReferencePath:   str(r.Intersection.ReferencePath),
			ReferenceCRS:    str(r.Intersection.ReferenceCRS),
		}
	}
	return raw
}

func translateTree(folders []*hclFolder, layers []*hclLayer) []rawNode {
	out := make([]rawNode, 0, len(folders)+len(layers))
	for _, f := range folders {
		children := translateTree(f.Folders, f.Layers)
		out = append(out, rawNode{Title: f.Title, Layers: children})
	}
	for _, l := range layers {
		out = append(out, l.translate())
	}
	return out
}

func (l *hclLayer) translate() rawNode {
	n := rawNode{
		ID:      l.ID,
		Title:   str(l.Title),
		Visible: l.Visible,
		Opacity: l.Opacity,
		Group:   str(l.Group),
	}
	if l.Service == nil {
		return n
	}
	s := l.Service
	n.service, n.serviceErr = rawDescriptor{
		Type:            s.Type,
		URL:             str(s.URL),
		CapabilitiesURL: str(s.CapabilitiesURL),
		Layers:          str(s.Layers),
		Layer:           str(s.Layer),
		MatrixSet:       str(s.MatrixSet),
		Format:          str(s.Format),
		Version:         str(s.Version),
		Styles:          str(s.Styles),
		Style:           str(s.Style),
		Tiled:           flag(s.Tiled),
		TypeName:        str(s.TypeName),
		SourceCRS:       str(s.SourceCRS),
		StyleIDs:        s.StyleIDs,
	}.descriptor()
	return n
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func num(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func flag(b *bool) bool {
	return b != nil && *b
}
