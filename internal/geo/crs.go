// Package geo holds the coordinate reference systems the engine understands
// and the geometric predicates the derivation engines rely on.
package geo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

const (
	WGS84       = "EPSG:4326"
	WebMercator = "EPSG:3857"
)

var ErrUnknownCRS = errors.New("unknown coordinate reference system")

var aliases = map[string]string{
	"EPSG:4326":                     WGS84,
	"CRS:84":                        WGS84,
	"OGC:CRS84":                     WGS84,
	"URN:OGC:DEF:CRS:EPSG::4326":    WGS84,
	"URN:OGC:DEF:CRS:OGC:1.3:CRS84": WGS84,
	"EPSG:3857":                     WebMercator,
	"EPSG:900913":                   WebMercator,
	"EPSG:102100":                   WebMercator,
	"EPSG:102113":                   WebMercator,
	"URN:OGC:DEF:CRS:EPSG::3857":    WebMercator,
}

// Normalize maps a CRS identifier onto its canonical code. Axis order of the
// URN forms is treated as lon/lat.
func Normalize(code string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(code))
	if canonical, ok := aliases[key]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCRS, code)
}

func identity(p orb.Point) orb.Point { return p }

// Transformer returns the point projection from one CRS to another.
func Transformer(from, to string) (orb.Projection, error) {
	src, err := Normalize(from)
	if err != nil {
		return nil, err
	}
	dst, err := Normalize(to)
	if err != nil {
		return nil, err
	}

	switch {
	case src == dst:
		return identity, nil
	case src == WGS84 && dst == WebMercator:
		return project.WGS84.ToMercator, nil
	case src == WebMercator && dst == WGS84:
		return project.Mercator.ToWGS84, nil
	}
	return nil, fmt.Errorf("%w: no transform %s -> %s", ErrUnknownCRS, src, dst)
}

// Reproject returns a transformed copy of g; g itself is left untouched.
func Reproject(g orb.Geometry, from, to string) (orb.Geometry, error) {
	if g == nil {
		return nil, nil
	}
	proj, err := Transformer(from, to)
	if err != nil {
		return nil, err
	}
	return project.Geometry(orb.Clone(g), proj), nil
}

// ReprojectFeatures deep-copies the features and transforms their geometry.
func ReprojectFeatures(features []*geojson.Feature, from, to string) ([]*geojson.Feature, error) {
	proj, err := Transformer(from, to)
	if err != nil {
		return nil, err
	}

	out := make([]*geojson.Feature, 0, len(features))
	for _, f := range features {
		c := CloneFeature(f)
		if c.Geometry != nil {
			c.Geometry = project.Geometry(c.Geometry, proj)
		}
		c.BBox = nil
		out = append(out, c)
	}
	return out, nil
}

// ReprojectBound transforms the corners of b and returns their envelope.
func ReprojectBound(b orb.Bound, from, to string) (orb.Bound, error) {
	proj, err := Transformer(from, to)
	if err != nil {
		return orb.Bound{}, err
	}
	min := proj(b.Min)
	max := proj(b.Max)
	return orb.Bound{Min: min, Max: min}.Extend(max), nil
}

// CloneFeature copies geometry and properties so the result never aliases f.
func CloneFeature(f *geojson.Feature) *geojson.Feature {
	if f == nil {
		return nil
	}
	c := &geojson.Feature{
		ID:         f.ID,
		Type:       f.Type,
		Properties: cloneProperties(f.Properties),
	}
	if f.Geometry != nil {
		c.Geometry = orb.Clone(f.Geometry)
	}
	if c.Type == "" {
		c.Type = "Feature"
	}
	return c
}

// cloneProperties copies nested objects and arrays too, as decoded GeoJSON
// holds them as map[string]any and []any.
func cloneProperties(p geojson.Properties) geojson.Properties {
	if p == nil {
		return nil
	}
	out := make(geojson.Properties, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case geojson.Properties:
		return cloneProperties(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Extent is the envelope of all feature geometries; ok is false when none has one.
func Extent(features []*geojson.Feature) (orb.Bound, bool) {
	var (
		b  orb.Bound
		ok bool
	)
	for _, f := range features {
		if f == nil || f.Geometry == nil {
			continue
		}
		if !ok {
			b = f.Geometry.Bound()
			ok = true
			continue
		}
		b = b.Union(f.Geometry.Bound())
	}
	return b, ok
}
