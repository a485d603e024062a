// Package visibility decides which layers are shown for the active question.
package visibility

import (
	"strings"
	"sync"

	"github.com/bgiplan/layerd/internal/catalog"
	"github.com/bgiplan/layerd/internal/logger"
	"github.com/bgiplan/layerd/internal/registry"
)

var log = logger.ForComponent("visibility")

type Result struct {
	QuestionID string   `json:"questionId"`
	Changed    int      `json:"changed"`
	Visible    []string `json:"visible"`
}

type Orchestrator struct {
	cat *catalog.Catalog
	reg *registry.Registry

	mu     sync.Mutex
	active string
}

func New(cat *catalog.Catalog, reg *registry.Registry) *Orchestrator {
	return &Orchestrator{cat: cat, reg: reg}
}

// ActiveConfigID is the question id last applied, or "".
func (o *Orchestrator) ActiveConfigID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func (o *Orchestrator) ActiveQuestion() (*catalog.QuestionLayerConfig, bool) {
	id := o.ActiveConfigID()
	if id == "" {
		return nil, false
	}
	return o.cat.Question(id)
}

// Reset forgets the active question, e.g. after a project switch.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.active = ""
	o.mu.Unlock()
}

// Apply shows the layers configured for questionID. The steps run in a fixed
// order and later steps override hides made by earlier ones:
//
//  1. hide every thematic overlay
//  2. with hideOtherDrawLayers, hide draw layers outside the keep set along
//     with their filtered companions
//  3. show the question's visible layers
//  4. show the question's own draw layer unless it is derived
//
// The changes reach the registry as a single batch. A missing question or a
// map that is not ready makes Apply a no-op that returns false.
func (o *Orchestrator) Apply(questionID string, hideOtherDrawLayers bool) (Result, bool) {
	q, ok := o.cat.Question(questionID)
	if !ok {
		log.Warn("no layer config for question", "question", questionID)
		return Result{}, false
	}
	if !o.reg.State().Ready {
		log.Warn("map not ready, visibility not applied", "question", questionID)
		return Result{}, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = questionID

	draw := q.DrawLayerID
	if draw != "" && !isDerivedID(draw) && !o.reg.Has(draw) {
		if _, _, err := o.reg.EnsureVectorLayer(draw, registry.VectorLayerOptions{
			Band:    catalog.BandDraw,
			Folder:  o.cat.DrawFolder,
			Visible: true,
		}); err != nil {
			log.Warn("could not create draw layer", "question", questionID, "layer", draw, "error", err)
		}
	}

	layers := o.reg.List()
	changes := make(map[string]bool, len(layers))

	for _, ml := range layers {
		if o.cat.IsThematic(&catalog.Entry{Group: ml.Group, Folder: ml.Folder}) {
			changes[ml.ID] = false
		}
	}

	keep := make(map[string]bool, len(o.cat.KeepVisible)+1)
	for _, id := range o.cat.KeepVisible {
		keep[id] = true
	}
	if draw != "" {
		keep[draw] = true
	}

	if hideOtherDrawLayers {
		for _, ml := range layers {
			if !o.isDrawLayer(ml) || keep[ml.ID] || ml.Derived() {
				continue
			}
			changes[ml.ID] = false
			if o.reg.Has(ml.ID + catalog.FilteredSuffix) {
				changes[ml.ID+catalog.FilteredSuffix] = false
			}
		}
	}

	for _, id := range q.VisibleLayerIDs {
		changes[id] = true
	}

	if draw != "" && !o.isDerived(draw) {
		changes[draw] = true
	}

	changed := o.reg.ApplyVisibility(changes)
	log.Debug("question applied", "question", questionID, "changed", changed)
	return Result{QuestionID: questionID, Changed: changed, Visible: o.reg.VisibleIDs()}, true
}

func (o *Orchestrator) isDrawLayer(ml registry.ManagedLayer) bool {
	return ml.Band == catalog.BandDraw || o.cat.IsDrawFolder(ml.Folder)
}

func (o *Orchestrator) isDerived(id string) bool {
	if isDerivedID(id) {
		return true
	}
	ml, ok := o.reg.Get(id)
	return ok && ml.Derived()
}

func isDerivedID(id string) bool {
	return strings.HasSuffix(id, catalog.FilteredSuffix)
}
