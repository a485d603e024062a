// Package rpc exposes the engine over JSON-RPC 2.0. Requests on one
// connection are handled in order, so UI events reach the engine one at a time.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/engine"
	"github.com/bgiplan/layerd/internal/logger"
)

var log = logger.ForComponent("rpc")

type methodFunc func(ctx context.Context, params json.RawMessage) (any, error)

type Handler struct {
	engine  *engine.Engine
	methods map[string]methodFunc
	inner   jsonrpc2.Handler
}

func NewHandler(e *engine.Engine) *Handler {
	h := &Handler{engine: e}
	h.methods = map[string]methodFunc{
		MethodMapState:         h.mapState,
		MethodMapRetry:         h.mapRetry,
		MethodLayersList:       h.layersList,
		MethodLayersSetVisible: h.setVisibility,
		MethodLayersSetOpacity: h.setOpacity,
		MethodQuestionsApply:   h.applyQuestion,
		MethodQuestionsActive:  h.activeQuestion,
		MethodDrawAdd:          h.drawAdd,
		MethodDrawClear:        h.drawClear,
		MethodFeaturesQuery:    h.queryFeatures,
		MethodFilterCreate:     h.filterCreate,
		MethodFilterUpdate:     h.filterUpdate,
		MethodFilterRemove:     h.filterRemove,
		MethodUploadVector:     h.uploadVector,
		MethodUploadService:    h.uploadService,
		MethodProjectNew:       h.projectNew,
		MethodProjectOpen:      h.projectOpen,
		MethodProjectDelete:    h.projectDelete,
		MethodProjectLayers:    h.projectLayers,
		MethodSessionUnload:    h.sessionUnload,
	}
	h.inner = jsonrpc2.HandlerWithError(h.dispatch)
	return h
}

// Methods lists the registered method names.
func (h *Handler) Methods() []string {
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	return names
}

func (h *Handler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.inner.Handle(ctx, conn, req)
}

func (h *Handler) dispatch(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	fn, ok := h.methods[req.Method]
	if !ok {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	result, err := fn(ctx, params)
	if err != nil {
		log.Debug("request failed", "method", req.Method, "error", err)
		return nil, toError(err)
	}
	return result, nil
}

func decode(params json.RawMessage, v any) error {
	if len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func (h *Handler) mapState(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.engine.State(), nil
}

func (h *Handler) mapRetry(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.engine.Retry(ctx)
}

func (h *Handler) layersList(ctx context.Context, _ json.RawMessage) (any, error) {
	return h.engine.Layers(), nil
}

func (h *Handler) setVisibility(ctx context.Context, raw json.RawMessage) (any, error) {
	var p SetVisibilityParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := h.engine.SetVisibility(p.LayerID, p.Visible); err != nil {
		return nil, err
	}
	return LayerResult{LayerID: p.LayerID}, nil
}

func (h *Handler) setOpacity(ctx context.Context, raw json.RawMessage) (any, error) {
	var p SetOpacityParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := h.engine.SetOpacity(p.LayerID, p.Opacity); err != nil {
		return nil, err
	}
	return LayerResult{LayerID: p.LayerID}, nil
}

func (h *Handler) applyQuestion(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ApplyQuestionParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	res, ok := h.engine.ApplyConfigLayers(p.QuestionID, p.HideOtherDrawLayers)
	if !ok {
		res.QuestionID = p.QuestionID
	}
	return ApplyQuestionResult{Applied: ok, Result: res}, nil
}

func (h *Handler) activeQuestion(ctx context.Context, _ json.RawMessage) (any, error) {
	q, ok := h.engine.ActiveQuestion()
	if !ok {
		return nil, nil
	}
	return q, nil
}

func (h *Handler) drawAdd(ctx context.Context, raw json.RawMessage) (any, error) {
	var p DrawParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if len(p.GeoJSON) == 0 {
		return nil, invalid("geojson is required")
	}
	n, err := h.engine.AddDrawFeatures(ctx, p.LayerID, p.GeoJSON)
	if err != nil {
		return nil, err
	}
	return CountResult{Count: n}, nil
}

func (h *Handler) drawClear(ctx context.Context, raw json.RawMessage) (any, error) {
	var p DrawParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if err := h.engine.ClearDraw(p.LayerID); err != nil {
		return nil, err
	}
	return LayerResult{LayerID: p.LayerID}, nil
}

func (h *Handler) queryFeatures(ctx context.Context, raw json.RawMessage) (any, error) {
	var p QueryParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	res := h.engine.QueryFeatures(ctx, p.QuestionID, orb.Point{p.Lon, p.Lat}, p.Tolerance)
	if res == nil {
		res = []engine.LayerFeatures{}
	}
	return res, nil
}

func (h *Handler) filterCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p FilterParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.SourceID == "" {
		return nil, invalid("sourceId is required")
	}
	id, err := h.engine.CreateFilter(p.SourceID, p.Expression, p.LayerID)
	if err != nil {
		return nil, err
	}
	return LayerResult{LayerID: id}, nil
}

func (h *Handler) filterUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p FilterParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	n, err := h.engine.UpdateFilter(p.LayerID, p.Expression)
	if err != nil {
		return nil, err
	}
	return CountResult{Count: n}, nil
}

func (h *Handler) filterRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	var p FilterParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return RemovedResult{Removed: h.engine.RemoveFilter(p.LayerID)}, nil
}

func (h *Handler) uploadVector(ctx context.Context, raw json.RawMessage) (any, error) {
	var p UploadVectorParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if len(p.GeoJSON) == 0 {
		return nil, invalid("geojson is required")
	}
	id, err := h.engine.UploadVector(ctx, p.LayerID, p.Name, p.GeoJSON)
	if err != nil {
		return nil, err
	}
	return LayerResult{LayerID: id}, nil
}

func (h *Handler) uploadService(ctx context.Context, raw json.RawMessage) (any, error) {
	var p UploadServiceParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Descriptor) == 0 {
		return nil, invalid("descriptor is required")
	}
	d, err := catalog.DecodeDescriptor(p.Descriptor)
	if err != nil {
		return nil, err
	}
	id, err := h.engine.UploadService(ctx, p.LayerID, p.Name, d)
	if err != nil {
		return nil, err
	}
	return LayerResult{LayerID: id}, nil
}

func (h *Handler) projectNew(ctx context.Context, _ json.RawMessage) (any, error) {
	id, state, err := h.engine.NewProject(ctx)
	if err != nil {
		return nil, err
	}
	return ProjectResult{ProjectID: id, State: state}, nil
}

func (h *Handler) projectOpen(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ProjectParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" {
		return nil, invalid("projectId is required")
	}
	state, err := h.engine.OpenProject(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	return ProjectResult{ProjectID: p.ProjectID, State: state}, nil
}

func (h *Handler) projectDelete(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ProjectParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" {
		return nil, invalid("projectId is required")
	}
	n, err := h.engine.DeleteProject(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	return CountResult{Count: n}, nil
}

func (h *Handler) projectLayers(ctx context.Context, _ json.RawMessage) (any, error) {
	blobs, err := h.engine.ProjectLayers(ctx)
	if err != nil {
		return nil, err
	}
	return blobs, nil
}

func (h *Handler) sessionUnload(ctx context.Context, _ json.RawMessage) (any, error) {
	return CountResult{Count: h.engine.Unload()}, nil
}
