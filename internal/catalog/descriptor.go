package catalog

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ServiceKind string

const (
	KindWMS        ServiceKind = "WMS"
	KindWMTS       ServiceKind = "WMTS"
	KindWFS        ServiceKind = "WFS"
	KindVectorTile ServiceKind = "VectorTile"
	KindGeoJSON    ServiceKind = "GeoJSON"
)

// Descriptor describes how to reach a layer's data. The set of variants is
// closed: WMS, WMTS, WFS, VectorTile and GeoJSON.
type Descriptor interface {
	Kind() ServiceKind
	isDescriptor()
}

type WMS struct {
	URL             string `json:"url"`
	Layers          string `json:"layers"`
	Format          string `json:"format,omitempty"`
	Version         string `json:"version,omitempty"`
	Styles          string `json:"styles,omitempty"`
	Tiled           bool   `json:"tiled,omitempty"`
	CapabilitiesURL string `json:"capabilitiesUrl,omitempty"`
}

type WMTS struct {
	URL             string `json:"url"`
	CapabilitiesURL string `json:"capabilitiesUrl"`
	Layer           string `json:"layer"`
	MatrixSet       string `json:"matrixSet,omitempty"`
	Format          string `json:"format,omitempty"`
	Style           string `json:"style,omitempty"`
}

type WFS struct {
	URL       string `json:"url"`
	TypeName  string `json:"typeName"`
	SourceCRS string `json:"sourceCrs,omitempty"`
	Style     string `json:"style,omitempty"`
}

type VectorTile struct {
	URL      string   `json:"url"`
	StyleIDs []string `json:"styleIds"`
}

type GeoJSON struct {
	Style string `json:"style,omitempty"`
}

func (WMS) Kind() ServiceKind        { return KindWMS }
func (WMTS) Kind() ServiceKind       { return KindWMTS }
func (WFS) Kind() ServiceKind        { return KindWFS }
func (VectorTile) Kind() ServiceKind { return KindVectorTile }
func (GeoJSON) Kind() ServiceKind    { return KindGeoJSON }

func (WMS) isDescriptor()        {}
func (WMTS) isDescriptor()       {}
func (WFS) isDescriptor()        {}
func (VectorTile) isDescriptor() {}
func (GeoJSON) isDescriptor()    {}

// CapabilitiesURL returns the capabilities document a descriptor depends on, if any.
func CapabilitiesURL(d Descriptor) string {
	switch d := d.(type) {
	case WMTS:
		if d.CapabilitiesURL != "" {
			return d.CapabilitiesURL
		}
		return d.URL
	case WMS:
		return d.CapabilitiesURL
	}
	return ""
}

// rawDescriptor is the wire form: a "type" tag plus the union of all fields.
type rawDescriptor struct {
	Type            string   `json:"type"`
	URL             string   `json:"url,omitempty"`
	CapabilitiesURL string   `json:"capabilitiesUrl,omitempty"`
	Layers          string   `json:"layers,omitempty"`
	Layer           string   `json:"layer,omitempty"`
	MatrixSet       string   `json:"matrixSet,omitempty"`
	Format          string   `json:"format,omitempty"`
	Version         string   `json:"version,omitempty"`
	Styles          string   `json:"styles,omitempty"`
	Style           string   `json:"style,omitempty"`
	Tiled           bool     `json:"tiled,omitempty"`
	TypeName        string   `json:"typeName,omitempty"`
	SourceCRS       string   `json:"sourceCrs,omitempty"`
	StyleIDs        []string `json:"styleIds,omitempty"`
}

func (r rawDescriptor) descriptor() (Descriptor, error) {
	kind, err := ParseKind(r.Type)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindWMS:
		if r.URL == "" || r.Layers == "" {
			return nil, fmt.Errorf("WMS descriptor needs url and layers")
		}
		return WMS{
			URL:             r.URL,
			Layers:          r.Layers,
			Format:          r.Format,
			Version:         r.Version,
			Styles:          r.Styles,
			Tiled:           r.Tiled,
			CapabilitiesURL: r.CapabilitiesURL,
		}, nil
	case KindWMTS:
		if r.Layer == "" || (r.URL == "" && r.CapabilitiesURL == "") {
			return nil, fmt.Errorf("WMTS descriptor needs layer and url or capabilitiesUrl")
		}
		return WMTS{
			URL:             r.URL,
			CapabilitiesURL: r.CapabilitiesURL,
			Layer:           r.Layer,
			MatrixSet:       r.MatrixSet,
			Format:          r.Format,
			Style:           r.Style,
		}, nil
	case KindWFS:
		if r.URL == "" || r.TypeName == "" {
			return nil, fmt.Errorf("WFS descriptor needs url and typeName")
		}
		return WFS{URL: r.URL, TypeName: r.TypeName, SourceCRS: r.SourceCRS, Style: r.Style}, nil
	case KindVectorTile:
		return VectorTile{URL: r.URL, StyleIDs: r.StyleIDs}, nil
	case KindGeoJSON:
		return GeoJSON{Style: r.Style}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedServiceType, r.Type)
}

func toRaw(d Descriptor) (rawDescriptor, error) {
	switch d := d.(type) {
	case WMS:
		return rawDescriptor{
			Type:            string(KindWMS),
			URL:             d.URL,
			Layers:          d.Layers,
			Format:          d.Format,
			Version:         d.Version,
			Styles:          d.Styles,
			Tiled:           d.Tiled,
			CapabilitiesURL: d.CapabilitiesURL,
		}, nil
	case WMTS:
		return rawDescriptor{
			Type:            string(KindWMTS),
			URL:             d.URL,
			CapabilitiesURL: d.CapabilitiesURL,
			Layer:           d.Layer,
			MatrixSet:       d.MatrixSet,
			Format:          d.Format,
			Style:           d.Style,
		}, nil
	case WFS:
		return rawDescriptor{Type: string(KindWFS), URL: d.URL, TypeName: d.TypeName, SourceCRS: d.SourceCRS, Style: d.Style}, nil
	case VectorTile:
		return rawDescriptor{Type: string(KindVectorTile), URL: d.URL, StyleIDs: d.StyleIDs}, nil
	case GeoJSON:
		return rawDescriptor{Type: string(KindGeoJSON), Style: d.Style}, nil
	}
	return rawDescriptor{}, fmt.Errorf("%w: %T", ErrUnsupportedServiceType, d)
}

// DecodeDescriptor parses the JSON form of a descriptor.
func DecodeDescriptor(data []byte) (Descriptor, error) {
	var raw rawDescriptor
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return raw.descriptor()
}

// EncodeDescriptor renders d in the JSON form DecodeDescriptor reads.
func EncodeDescriptor(d Descriptor) ([]byte, error) {
	raw, err := toRaw(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

// IsDescriptorDocument reports whether data looks like an encoded descriptor
// rather than a feature collection.
func IsDescriptorDocument(data []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	switch ServiceKind(probe.Type) {
	case KindWMS, KindWMTS, KindWFS, KindVectorTile, KindGeoJSON:
		return true
	}
	return false
}

// ParseKind maps a case-insensitive service name onto a ServiceKind.
func ParseKind(s string) (ServiceKind, error) {
	for _, k := range []ServiceKind{KindWMS, KindWMTS, KindWFS, KindVectorTile, KindGeoJSON} {
		if strings.EqualFold(string(k), s) {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedServiceType, s)
}
