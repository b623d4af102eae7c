package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/decksync/internal/core/cache"
	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/record"
	"github.com/zeusync/decksync/internal/core/tracker"
)

// OpenDocument returns the tracker of document id, creating it and loading
// the slides from the service on first use.
func (s *Store) OpenDocument(ctx context.Context, id string) (*tracker.Tracker, error) {
	s.mu.Lock()
	doc := s.documentLocked(id)
	if doc == nil {
		s.mu.Unlock()
		return nil, ErrUnknownDocument
	}
	if t := s.trackers[id]; t != nil {
		s.mu.Unlock()
		return t, nil
	}
	ep := s.ep
	opts := append([]tracker.Option{
		tracker.WithDocument(doc),
		tracker.WithBus(s.bus),
		tracker.WithLogger(s.base),
		tracker.WithMetrics(s.metrics),
		tracker.WithClock(s.now),
		tracker.WithIDGenerator(s.newID),
	}, s.trackerOpts...)
	t := tracker.New(id, ep, opts...)
	s.trackers[id] = t
	remote := !doc.LocalOnly && ep.IsAuthenticated() && (doc != s.scratchpad || s.scratchpadStored)
	s.mu.Unlock()

	if !remote {
		return t, nil
	}
	if err := t.Load(ctx); err != nil {
		s.mu.Lock()
		if s.trackers[id] == t {
			delete(s.trackers, id)
		}
		s.mu.Unlock()
		s.logger.Error("Loading document failed", log.String("document", id), log.Error(err))
		return nil, errors.Wrapf(err, "load document %s", id)
	}
	return t, nil
}

// CreateDocument creates a document on the service and lists it. A realtime
// delta may already have listed it, in which case that document is returned.
func (s *Store) CreateDocument(ctx context.Context, name string, typ model.DocumentType) (*model.Document, error) {
	ep := s.Endpoint()
	if !ep.IsAuthenticated() {
		s.logger.Error("Cannot create a document while signed out")
		return nil, ErrNotAuthenticated
	}
	r, err := ep.CreateNewPresentation(ctx, endpoint.CreateRequest{
		ID:         s.newID(),
		Name:       name,
		Type:       typ,
		LastViewed: s.now(),
	})
	if err != nil {
		s.logger.Error("Creating document failed", log.Error(err))
		return nil, errors.Wrap(err, "create document")
	}

	s.mu.Lock()
	doc := s.listedLocked(r.ID)
	var retired []*tracker.Tracker
	if doc == nil {
		doc = model.NewDocumentFromRecord(r)
		list := append([]*model.Document(nil), s.documents...)
		retired = s.setDocumentsLocked(append(list, doc))
	}
	s.mu.Unlock()
	s.flush()
	s.closeTrackers(ctx, retired)

	if _, err := s.cache.MergeRecords(ctx, cache.KeyPresentations, []*record.Record{r}); err != nil {
		s.logger.Warn("Caching created document failed", log.Error(err))
	}
	return doc, nil
}

// DeleteDocument removes the document right away and deletes it on the
// service. If the service refuses, the document is listed again and the error
// returned.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	doc := s.documentLocked(id)
	if doc == nil {
		s.mu.Unlock()
		return ErrUnknownDocument
	}
	if doc == s.scratchpad {
		s.mu.Unlock()
		s.logger.Error("Cannot delete the scratchpad", log.String("document", id))
		return ErrCannotDelete
	}
	forget := s.lastSelected == doc || s.selectedID == id
	if forget {
		s.lastSelected = nil
		s.selectedID = ""
	}
	idx := s.indexLocked(id)
	list := append(s.documents[:idx:idx], s.documents[idx+1:]...)
	retired := s.setDocumentsLocked(list)
	ep := s.ep
	s.mu.Unlock()
	s.flush()

	if forget {
		if err := s.prefs.Set(ctx, PrefActiveDocument, nil); err != nil {
			s.logger.Warn("Clearing active document preference failed", log.Error(err))
		}
	}
	if !ep.IsAuthenticated() || doc.LocalOnly {
		s.closeTrackers(ctx, retired)
		return nil
	}

	results, err := ep.DeleteRecordAtLocation(ctx, doc.ServiceLocator())
	if err == nil && !singleSuccess(results) {
		err = ErrRequestFailed
	}
	if err != nil {
		s.mu.Lock()
		if s.indexLocked(id) < 0 {
			list := append([]*model.Document(nil), s.documents...)
			s.setDocumentsLocked(append(list, doc))
		}
		for _, t := range retired {
			s.trackers[t.DocumentID()] = t
		}
		s.mu.Unlock()
		s.flush()
		s.logger.Error("Deleting document failed", log.String("document", id), log.Error(err))
		return errors.Wrapf(err, "delete document %s", id)
	}

	s.closeTrackers(ctx, retired)
	if _, err := s.cache.MergeRecords(ctx, cache.KeyPresentations, []*record.Record{deletedRecord(doc)}); err != nil {
		s.logger.Warn("Removing deleted document from cache failed", log.Error(err))
	}
	return nil
}

// UndeleteDocument lists doc again and restores it on the service. If the
// service refuses, doc is removed again and the error returned.
func (s *Store) UndeleteDocument(ctx context.Context, doc *model.Document) error {
	s.mu.Lock()
	added := s.indexLocked(doc.ID) < 0
	if added {
		list := append([]*model.Document(nil), s.documents...)
		s.setDocumentsLocked(append(list, doc))
	}
	ep := s.ep
	s.mu.Unlock()
	s.flush()

	if !ep.IsAuthenticated() || doc.LocalOnly {
		return nil
	}
	results, err := ep.UndeleteRecordAtLocation(ctx, doc.ServiceLocator())
	if err == nil && !singleSuccess(results) {
		err = ErrRequestFailed
	}
	if err != nil {
		var retired []*tracker.Tracker
		s.mu.Lock()
		if idx := s.indexLocked(doc.ID); added && idx >= 0 {
			list := append(s.documents[:idx:idx], s.documents[idx+1:]...)
			retired = s.setDocumentsLocked(list)
		}
		s.mu.Unlock()
		s.flush()
		s.closeTrackers(ctx, retired)
		s.logger.Error("Undeleting document failed", log.String("document", doc.ID), log.Error(err))
		return errors.Wrapf(err, "undelete document %s", doc.ID)
	}

	s.mu.Lock()
	doc.Trashed = false
	s.ensureActiveLocked()
	s.mu.Unlock()
	s.flush()
	return nil
}

// RenameDocument sets the title and re-sorts when sorting by name.
func (s *Store) RenameDocument(ctx context.Context, id, name string) error {
	return s.updateProperty(ctx, id, "name", name, SortName, func(doc *model.Document) func() {
		previous := doc.Title
		doc.Title = name
		return func() { doc.Title = previous }
	})
}

// MarkViewed records when the document was last opened and re-sorts when
// sorting by last viewed.
func (s *Store) MarkViewed(ctx context.Context, id string, at time.Time) error {
	return s.updateProperty(ctx, id, "lastViewed", at, SortLastViewed, func(doc *model.Document) func() {
		previous := doc.LastViewed
		doc.LastViewed = at
		return func() { doc.LastViewed = previous }
	})
}

// updateProperty applies a single property locally, re-sorts if the list is
// ordered by it, and posts it. A refused post rolls the value back.
func (s *Store) updateProperty(ctx context.Context, id, key string, value any, sortWhen SortType, apply func(*model.Document) func()) error {
	s.mu.Lock()
	doc := s.documentLocked(id)
	if doc == nil {
		s.mu.Unlock()
		s.logger.Warn("Updating unknown document", log.String("document", id), log.String("property", key))
		return ErrUnknownDocument
	}
	restore := apply(doc)
	if s.sortType == sortWhen {
		s.resortLocked()
	}
	ep := s.ep
	// The scratchpad cannot be updated before the service knows it.
	persist := ep.IsAuthenticated() && !doc.LocalOnly && (doc != s.scratchpad || s.scratchpadStored)
	r := doc.NewRecord()
	_, encodeErr := r.Encode(key, value, s.now())
	s.mu.Unlock()
	s.flush()

	if !persist {
		return nil
	}
	err := encodeErr
	if err == nil {
		_, err = endpoint.PostRecords(ctx, ep, []*record.Record{r})
	}
	if err == nil {
		return nil
	}

	s.mu.Lock()
	restore()
	if s.sortType == sortWhen {
		s.resortLocked()
	}
	s.mu.Unlock()
	s.flush()
	s.logger.Error("Updating document failed", log.String("document", id), log.String("property", key), log.Error(err))
	return errors.Wrapf(err, "update %s of document %s", key, id)
}

// ImportDocument copies an exported document into the account and makes it
// active. Custom rooms that came with it are merged into the room cache.
// Cancelling ctx before the import returns leaves the active document alone.
func (s *Store) ImportDocument(ctx context.Context, exportID string) (*model.Document, error) {
	ep := s.Endpoint()
	if !ep.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	records, err := ep.ImportExportedObject(ctx, exportID, "")
	if err != nil {
		s.logger.Error("Importing document failed", log.String("export", exportID), log.Error(err))
		return nil, errors.Wrapf(err, "import %s", exportID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var docRecord *record.Record
	var rooms []*record.Record
	for _, r := range records {
		switch {
		case r.Collection == record.CollectionPresentation && docRecord == nil:
			docRecord = r
		case r.Collection == record.CollectionRoom:
			rooms = append(rooms, r)
		}
	}
	if docRecord == nil {
		s.logger.Error("No document record after import", log.String("export", exportID), log.Int("records", len(records)))
		return nil, ErrImportEmpty
	}
	if len(rooms) > 0 {
		if _, err := s.cache.MergeRecords(ctx, cache.KeyCustomRooms, rooms); err != nil {
			s.logger.Warn("Caching imported rooms failed", log.Error(err))
		}
	}

	s.mu.Lock()
	doc := s.documentLocked(docRecord.ID)
	var retired []*tracker.Tracker
	if doc == nil {
		doc = model.NewDocumentFromRecord(docRecord)
		list := append([]*model.Document(nil), s.documents...)
		retired = s.setDocumentsLocked(append(list, doc))
	}
	s.setActiveLocked(doc)
	s.mu.Unlock()
	s.flush()
	s.closeTrackers(ctx, retired)
	return doc, nil
}

func singleSuccess(results []record.Result) bool {
	return len(results) == 1 && results[0].Status.Success
}

func deletedRecord(doc *model.Document) *record.Record {
	r := doc.NewRecord()
	r.Deleted = true
	return r
}
