package store

import (
	"context"

	"github.com/zeusync/decksync/internal/core/cache"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/record"
	"github.com/zeusync/decksync/internal/core/tracker"
)

// HandleRealtimeRecord routes a realtime delta by collection: documents are
// applied here, slides and media go to the owning document's tracker and
// rooms are merged into the custom-room cache.
func (s *Store) HandleRealtimeRecord(r *record.Record) {
	ctx := context.Background()
	switch {
	case r.Collection == record.CollectionPresentation:
		s.ApplyDelta(ctx, r)
	case r.Collection.IsSlide(), r.Collection == record.CollectionMedia:
		s.routeToTracker(r)
	case r.Collection == record.CollectionRoom:
		if _, err := s.cache.MergeRecords(ctx, cache.KeyCustomRooms, []*record.Record{r}); err != nil {
			s.logger.Warn("Merging room delta failed", log.String("id", r.ID), log.Error(err))
		}
	default:
		s.logger.Debug("Ignoring delta", log.String("collection", string(r.Collection)), log.String("id", r.ID))
	}
}

// ApplyDelta applies a document delta: known documents are updated in place
// and re-sorted, unknown ones inserted, deleted, trashed or hidden ones
// removed.
func (s *Store) ApplyDelta(ctx context.Context, r *record.Record) {
	removed := r.IsDeleted() || r.Hidden()
	typ := model.DocumentType(r.Type())

	s.mu.Lock()
	var retired []*tracker.Tracker
	idx := s.indexLocked(r.ID)
	switch {
	case r.ID == s.scratchpad.ID:
		if !removed {
			s.scratchpad.DecodeFromRecord(r)
			s.scratchpadStored = true
		}
	case typ.IsScratchpad():
		if !removed && !s.scratchpadStored {
			retired = append(retired, s.adoptScratchpadLocked(r))
		}
	case removed:
		if idx >= 0 {
			list := append(s.documents[:idx:idx], s.documents[idx+1:]...)
			retired = s.setDocumentsLocked(list)
		}
	case idx >= 0 && s.documents[idx].Type == typ:
		s.documents[idx].DecodeFromRecord(r)
		s.resortLocked()
	case idx >= 0:
		list := append([]*model.Document(nil), s.documents...)
		list[idx] = model.NewDocumentFromRecord(r)
		retired = s.setDocumentsLocked(list)
	default:
		list := append([]*model.Document(nil), s.documents...)
		list = append(list, model.NewDocumentFromRecord(r))
		retired = s.setDocumentsLocked(list)
	}
	s.mu.Unlock()
	s.flush()
	s.closeTrackers(ctx, retired)

	if _, err := s.cache.MergeRecords(ctx, cache.KeyPresentations, []*record.Record{r}); err != nil {
		s.logger.Warn("Merging document delta into cache failed", log.String("id", r.ID), log.Error(err))
	}
}

func (s *Store) routeToTracker(r *record.Record) {
	documentID := ownerDocument(r)
	s.mu.Lock()
	t := s.trackers[documentID]
	s.mu.Unlock()
	if t == nil {
		s.logger.Debug("No open tracker for delta", log.String("document", documentID), log.String("id", r.ID))
		return
	}
	t.ApplySlideDelta(r)
}

func ownerDocument(r *record.Record) string {
	switch {
	case r.DocumentID != "":
		return r.DocumentID
	case r.PresentationID != "":
		return r.PresentationID
	case r.Collection.IsSlide():
		return r.ParentID
	}
	return ""
}
