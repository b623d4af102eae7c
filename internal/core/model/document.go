// Package model holds the in-memory object graph: documents, slides, presenters
// and media objects, together with their record encodings.
package model

import (
	"time"

	"github.com/zeusync/decksync/internal/core/record"
)

// DocumentType discriminates ordinary documents from system kinds.
type DocumentType string

const (
	DocumentGeneric    DocumentType = ""
	DocumentScratchpad DocumentType = "scratchpad"
	// DocumentShadow is the local-only scratchpad used while signed out.
	DocumentShadow DocumentType = "shadow"
)

// IsScratchpad reports whether t marks a scratchpad-kind record.
func (t DocumentType) IsScratchpad() bool {
	return t == DocumentScratchpad || t == DocumentShadow
}

// IsTyped reports a system-typed document, which is never remembered as the
// user's explicit selection.
func (t DocumentType) IsTyped() bool {
	return t != DocumentGeneric && !t.IsScratchpad()
}

const documentSchemaVersion = 1

// Document is a presentation owned by the collection store.
type Document struct {
	ID               string
	Type             DocumentType
	Title            string
	OwnerAccountID   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastViewed       time.Time
	Trashed          bool
	Hidden           bool
	SortIndex        record.SortKey
	SlideIDs         []string
	ThumbnailSlideID string

	// LocalOnly documents never reach the record service.
	LocalOnly bool
}

// NewDocumentFromRecord decodes a presentation record.
func NewDocumentFromRecord(r *record.Record) *Document {
	d := &Document{ID: r.ID}
	d.DecodeFromRecord(r)
	return d
}

func (d *Document) ObjectID() string { return d.ID }

// ServiceLocator addresses the document on the record service.
func (d *Document) ServiceLocator() string {
	return DocumentLocator(d.ID)
}

// DocumentLocator addresses the document with the given id.
func DocumentLocator(id string) string {
	return "pagePresentations/" + id
}

// DocumentTreeLocator addresses the document together with every slide and
// media record below it.
func DocumentTreeLocator(id string) string {
	return DocumentLocator(id) + "/full"
}

// SlideLocator addresses a slide and its children.
func SlideLocator(documentID, slideID string) string {
	return DocumentLocator(documentID) + "/pages/" + slideID + "/full"
}

func (d *Document) DecodeFromRecord(r *record.Record) {
	d.Type = DocumentType(r.Type())
	d.Title = r.DecodeString("name", "")
	d.OwnerAccountID = r.OwnerUserID
	d.CreatedAt = r.Created()
	d.UpdatedAt = r.Updated()
	d.LastViewed = r.DecodeTime("lastViewed")
	d.Trashed = r.Trashed()
	d.Hidden = r.Hidden()
	d.SortIndex = r.DecodeSortKey("sortIndex")
	d.ThumbnailSlideID = r.DecodeString("thumbnailSlideID", "")
}

// NewRecord returns the record skeleton for this document.
func (d *Document) NewRecord() *record.Record {
	r := record.New(record.CollectionPresentation, d.ID)
	r.ParentID = d.ID
	r.DocumentID = d.ID
	r.OwnerUserID = d.OwnerAccountID
	return r
}

func (d *Document) EncodeToRecord(r *record.Record, at time.Time) error {
	r.SchemaVersion = documentSchemaVersion
	props := []property{
		{"name", d.Title},
		{"lastViewed", d.LastViewed},
		{"trashed", d.Trashed},
		{"hidden", d.Hidden},
	}
	if d.Type != DocumentGeneric {
		props = append(props, property{"type", string(d.Type)})
	}
	if d.SortIndex != nil {
		props = append(props, property{"sortIndex", d.SortIndex})
	}
	if err := encodeAll(r, props, at); err != nil {
		return err
	}

	// Settings are no longer used; null purges legacy values.
	if _, err := r.EncodeForced("settings", nil, at); err != nil {
		return err
	}
	var thumb any
	if d.ThumbnailSlideID != "" {
		thumb = d.ThumbnailSlideID
	}
	_, err := r.EncodeForced("thumbnailSlideID", thumb, at)
	return err
}

// Clone copies the document's scalar state, used to roll back optimistic edits.
func (d *Document) Clone() *Document {
	cp := *d
	cp.SlideIDs = append([]string(nil), d.SlideIDs...)
	cp.SortIndex = append(record.SortKey(nil), d.SortIndex...)
	return &cp
}
