package rpc

import (
	"encoding/json"

	"github.com/bgiplan/layerd/internal/registry"
	"github.com/bgiplan/layerd/internal/visibility"
)

const (
	MethodMapState         = "map.state"
	MethodMapRetry         = "map.retry"
	MethodLayersList       = "layers.list"
	MethodLayersSetVisible = "layers.setVisibility"
	MethodLayersSetOpacity = "layers.setOpacity"
	MethodQuestionsApply   = "questions.apply"
	MethodQuestionsActive  = "questions.active"
	MethodDrawAdd          = "draw.add"
	MethodDrawClear        = "draw.clear"
	MethodFeaturesQuery    = "features.query"
	MethodFilterCreate     = "filter.create"
	MethodFilterUpdate     = "filter.update"
	MethodFilterRemove     = "filter.remove"
	MethodUploadVector     = "upload.vector"
	MethodUploadService    = "upload.service"
	MethodProjectNew       = "project.new"
	MethodProjectOpen      = "project.open"
	MethodProjectDelete    = "project.delete"
	MethodProjectLayers    = "project.layers"
	MethodSessionUnload    = "session.unload"
)

type SetVisibilityParams struct {
	LayerID string `json:"layerId"`
	Visible bool   `json:"visible"`
}

type SetOpacityParams struct {
	LayerID string  `json:"layerId"`
	Opacity float64 `json:"opacity"`
}

type ApplyQuestionParams struct {
	QuestionID          string `json:"questionId"`
	HideOtherDrawLayers bool   `json:"hideOtherDrawLayers"`
}

type ApplyQuestionResult struct {
	Applied bool `json:"applied"`
	visibility.Result
}

type DrawParams struct {
	LayerID string          `json:"layerId"`
	GeoJSON json.RawMessage `json:"geojson,omitempty"`
}

type CountResult struct {
	Count int `json:"count"`
}

// QueryParams locates a WGS84 point. Tolerance pads it, in working CRS units.
type QueryParams struct {
	QuestionID string  `json:"questionId"`
	Lon        float64 `json:"lon"`
	Lat        float64 `json:"lat"`
	Tolerance  float64 `json:"tolerance,omitempty"`
}

type FilterParams struct {
	SourceID   string `json:"sourceId,omitempty"`
	LayerID    string `json:"layerId,omitempty"`
	Expression string `json:"expression,omitempty"`
}

type LayerResult struct {
	LayerID string `json:"layerId"`
}

type RemovedResult struct {
	Removed bool `json:"removed"`
}

type UploadVectorParams struct {
	LayerID string          `json:"layerId,omitempty"`
	Name    string          `json:"name,omitempty"`
	GeoJSON json.RawMessage `json:"geojson"`
}

type UploadServiceParams struct {
	LayerID    string          `json:"layerId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Descriptor json.RawMessage `json:"descriptor"`
}

type ProjectParams struct {
	ProjectID string `json:"projectId"`
}

type ProjectResult struct {
	ProjectID string            `json:"projectId"`
	State     registry.MapState `json:"state"`
}
