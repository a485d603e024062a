package ows

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/bgiplan/layerd/internal/catalog"
)

// Capabilities is the part of a WMS or WMTS capabilities document the
// factory needs.
type Capabilities struct {
	URL            string
	Service        catalog.ServiceKind
	Version        string
	Formats        []string
	Layers         []CapabilityLayer
	TileMatrixSets []string
}

type CapabilityLayer struct {
	Name           string
	Title          string
	Formats        []string
	Styles         []string
	TileMatrixSets []string
	CRS            []string
}

func (c *Capabilities) Layer(name string) (CapabilityLayer, bool) {
	for _, l := range c.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return CapabilityLayer{}, false
}

type capsDoc struct {
	XMLName  xml.Name
	Version  string `xml:"version,attr"`
	Contents struct {
		Layers     []wmtsLayer `xml:"Layer"`
		MatrixSets []struct {
			Identifier string `xml:"Identifier"`
		} `xml:"TileMatrixSet"`
	} `xml:"Contents"`
	Capability struct {
		Request struct {
			GetMap struct {
				Formats []string `xml:"Format"`
			} `xml:"GetMap"`
		} `xml:"Request"`
		Layer *wmsLayer `xml:"Layer"`
	} `xml:"Capability"`
}

type wmtsLayer struct {
	Identifier string   `xml:"Identifier"`
	Title      string   `xml:"Title"`
	Formats    []string `xml:"Format"`
	Styles     []struct {
		Identifier string `xml:"Identifier"`
	} `xml:"Style"`
	MatrixSetLinks []struct {
		TileMatrixSet string `xml:"TileMatrixSet"`
	} `xml:"TileMatrixSetLink"`
}

type wmsLayer struct {
	Name   string   `xml:"Name"`
	Title  string   `xml:"Title"`
	CRS    []string `xml:"CRS"`
	SRS    []string `xml:"SRS"`
	Styles []struct {
		Name string `xml:"Name"`
	} `xml:"Style"`
	Layers []wmsLayer `xml:"Layer"`
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", label, err)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

// ParseCapabilities reads a WMS (1.1.1/1.3.0) or WMTS 1.0.0 capabilities document.
func ParseCapabilities(data []byte) (*Capabilities, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader

	var doc capsDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", catalog.ErrCapabilitiesUnavailable, err)
	}

	caps := &Capabilities{Version: doc.Version}

	switch doc.XMLName.Local {
	case "Capabilities":
		caps.Service = catalog.KindWMTS
		for _, l := range doc.Contents.Layers {
			layer := CapabilityLayer{
				Name:    l.Identifier,
				Title:   l.Title,
				Formats: l.Formats,
			}
			for _, s := range l.Styles {
				layer.Styles = append(layer.Styles, s.Identifier)
			}
			for _, link := range l.MatrixSetLinks {
				layer.TileMatrixSets = append(layer.TileMatrixSets, link.TileMatrixSet)
			}
			caps.Layers = append(caps.Layers, layer)
		}
		for _, ms := range doc.Contents.MatrixSets {
			caps.TileMatrixSets = append(caps.TileMatrixSets, ms.Identifier)
		}
	case "WMS_Capabilities", "WMT_MS_Capabilities":
		caps.Service = catalog.KindWMS
		caps.Formats = doc.Capability.Request.GetMap.Formats
		if doc.Capability.Layer != nil {
			flattenWMS(*doc.Capability.Layer, nil, caps)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected root element %q", catalog.ErrCapabilitiesUnavailable, doc.XMLName.Local)
	}

	return caps, nil
}

// flattenWMS walks the nested WMS layer tree; CRS lists are inherited.
func flattenWMS(l wmsLayer, inherited []string, caps *Capabilities) {
	crs := append(append([]string(nil), inherited...), l.CRS...)
	crs = append(crs, l.SRS...)

	if name := strings.TrimSpace(l.Name); name != "" {
		layer := CapabilityLayer{
			Name:    name,
			Title:   l.Title,
			Formats: caps.Formats,
			CRS:     crs,
		}
		for _, s := range l.Styles {
			layer.Styles = append(layer.Styles, s.Name)
		}
		caps.Layers = append(caps.Layers, layer)
	}

	for _, child := range l.Layers {
		flattenWMS(child, crs, caps)
	}
}
