package model

import (
	"time"

	"github.com/zeusync/decksync/internal/core/record"
)

// Presenter is the record-backed state of a presenter on a slide. The local
// presenter has no PresenterID; remote presenters are keyed by it.
type Presenter struct {
	ID          string
	PresenterID string
	SlideID     string
	ZIndex      int
	Properties  map[string]any
	UpdatedAt   time.Time

	NeedsPersistence bool
}

func (p *Presenter) ObjectID() string { return p.ID }

func (p *Presenter) IsLocal() bool { return p.PresenterID == "" }

func (p *Presenter) NewRecord(documentID string) *record.Record {
	r := record.New(record.CollectionMedia, p.ID)
	r.ParentID = p.SlideID
	r.DocumentID = documentID
	return r
}

func (p *Presenter) EncodeToRecord(r *record.Record, at time.Time) error {
	props := []property{
		{"type", presenterType},
		{"zIndex", p.ZIndex},
	}
	if p.PresenterID != "" {
		props = append(props, property{"presenterId", p.PresenterID})
	}
	for _, key := range sortedKeys(p.Properties) {
		if reservedMediaKey(key) {
			continue
		}
		props = append(props, property{key, p.Properties[key]})
	}
	return encodeAll(r, props, at)
}

func (p *Presenter) DecodeFromRecord(r *record.Record) {
	p.ID = r.ID
	p.SlideID = r.ParentID
	p.PresenterID = r.DecodeString("presenterId", "")
	p.ZIndex = r.DecodeInt("zIndex", ZIndexForeground)
	p.UpdatedAt = r.Updated()
	props := make(map[string]any)
	for key := range r.Properties {
		if reservedMediaKey(key) {
			continue
		}
		var v any
		if r.DecodeInto(key, &v) {
			props[key] = v
		}
	}
	p.Properties = props
}

// NewPresenterFromRecord decodes a presenter media record.
func NewPresenterFromRecord(r *record.Record) *Presenter {
	p := &Presenter{}
	p.DecodeFromRecord(r)
	return p
}
