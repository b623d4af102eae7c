package model

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/decksync/internal/core/record"
)

// Slide is an ordered unit inside a document. It refers to its document by id.
type Slide struct {
	ID             string
	DocumentID     string
	OwnerAccountID string
	Title          string
	SpeakerNotes   string
	SortIndex      record.SortKey
	RoomState      map[string]any
	Metadata       map[string]any
	Trashed        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Presenter        *Presenter
	RemotePresenters map[string]*Presenter
	Objects          []*MediaObject

	// Dirty holds objects whose latest state awaits the next persist cycle.
	Dirty DirtySet
	// PersistencePaused suspends network writes for speculative edits.
	PersistencePaused bool
	// RemovedObjects accumulates removals made while paused.
	RemovedObjects []*MediaObject

	NeedsPersistence bool
	HasBeenPersisted bool
}

func NewSlide(id, documentID string) *Slide {
	return &Slide{
		ID:               id,
		DocumentID:       documentID,
		SortIndex:        record.NewSortKey(),
		RemotePresenters: make(map[string]*Presenter),
	}
}

func (s *Slide) ObjectID() string { return s.ID }

// NewSlideFromRecord decodes a page record without children.
func NewSlideFromRecord(r *record.Record) *Slide {
	s := NewSlide(r.ID, r.DocumentID)
	s.DecodeFromRecord(r)
	s.HasBeenPersisted = true
	return s
}

func (s *Slide) NewRecord() *record.Record {
	r := record.New(record.CollectionSlide, s.ID)
	r.ParentID = s.DocumentID
	r.DocumentID = s.DocumentID
	r.PresentationID = s.DocumentID
	r.OwnerUserID = s.OwnerAccountID
	return r
}

func (s *Slide) DecodeFromRecord(r *record.Record) {
	if r.DocumentID != "" {
		s.DocumentID = r.DocumentID
	}
	if r.OwnerUserID != "" {
		s.OwnerAccountID = r.OwnerUserID
	}
	s.Title = r.DecodeString("name", "")
	s.SpeakerNotes = r.DecodeString("speakerNotes", "")
	if k := r.DecodeSortKey("sortIndex"); k != nil {
		s.SortIndex = k
	}
	s.RoomState = r.DecodeMap("room")
	s.Metadata = r.DecodeMap("metadata")
	s.Trashed = r.Trashed()
	s.CreatedAt = r.Created()
	s.UpdatedAt = r.Updated()
}

func (s *Slide) EncodeToRecord(r *record.Record, at time.Time) error {
	props := []property{
		{"name", s.Title},
		{"sortIndex", s.SortIndex},
		{"speakerNotes", s.SpeakerNotes},
		{"trashed", s.Trashed},
	}
	if s.RoomState != nil {
		props = append(props, property{"room", s.RoomState})
	}
	if s.Metadata != nil {
		props = append(props, property{"metadata", s.Metadata})
	}
	if err := encodeAll(r, props, at); err != nil {
		return err
	}
	// Legacy fields are cleared explicitly so older clients stop applying them.
	for _, legacy := range []string{"annotationStyle", "mediaOverPresenters", "backgroundHidden"} {
		if _, err := r.EncodeForced(legacy, nil, at); err != nil {
			return err
		}
	}
	return nil
}

// ObjectWithID finds a media child.
func (s *Slide) ObjectWithID(id string) *MediaObject {
	for _, obj := range s.Objects {
		if obj.ID == id {
			return obj
		}
	}
	return nil
}

// AddObject appends obj, replacing any object with the same id.
func (s *Slide) AddObject(obj *MediaObject) {
	obj.SlideID = s.ID
	for i, existing := range s.Objects {
		if existing.ID == obj.ID {
			s.Objects[i] = obj
			return
		}
	}
	s.Objects = append(s.Objects, obj)
}

// RemoveObject detaches the object with id and returns it, or nil.
func (s *Slide) RemoveObject(id string) *MediaObject {
	for i, obj := range s.Objects {
		if obj.ID == id {
			s.Objects = append(s.Objects[:i:i], s.Objects[i+1:]...)
			return obj
		}
	}
	return nil
}

// ObjectIDs lists child ids in paint-list order.
func (s *Slide) ObjectIDs() []string {
	ids := make([]string, len(s.Objects))
	for i, obj := range s.Objects {
		ids[i] = obj.ID
	}
	return ids
}

// SetSpeakerNotes normalizes nil notes to the empty string.
func (s *Slide) SetSpeakerNotes(notes *string) {
	if notes == nil {
		s.SpeakerNotes = ""
		return
	}
	s.SpeakerNotes = *notes
}

// Hash summarizes the slide's visible content. A change means any cached
// thumbnail is stale.
func (s *Slide) Hash() uint64 {
	var epoch time.Time
	digest := xxhash.New()
	write := func(v uint64) {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = digest.Write(buf[:])
	}

	r := s.NewRecord()
	_ = s.EncodeToRecord(r, epoch)
	write(r.ContentHash())
	if s.Presenter != nil {
		pr := s.Presenter.NewRecord(s.DocumentID)
		_ = s.Presenter.EncodeToRecord(pr, epoch)
		write(pr.ContentHash())
	}
	for _, obj := range s.Objects {
		or := obj.NewRecord(s.DocumentID)
		_ = obj.EncodeToRecord(or, epoch)
		_, _ = digest.WriteString(obj.ID)
		write(or.ContentHash())
	}
	return digest.Sum64()
}
