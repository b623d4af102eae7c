package tracker

import (
	"context"
	"sort"

	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/record"
)

// Load fetches the document's slides and media. Slides with unsent local
// edits, or whose persistence is paused, keep their local state.
func (t *Tracker) Load(ctx context.Context) error {
	ep := t.endpoint()
	records, err := ep.GetSyncRecordsFrom(ctx, model.DocumentTreeLocator(t.documentID), false)
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.slideIDsLocked()
	children := make(map[string][]*record.Record)
	for _, r := range records {
		switch {
		case r.Collection.IsPresentation():
			if r.ID == t.documentID && t.document != nil && !t.dirty.Contains(t.document) {
				t.document.DecodeFromRecord(r)
			}
			t.records[r.ID] = r
		case r.Collection.IsSlide():
			t.loadSlideLocked(r)
		case r.Collection == record.CollectionMedia:
			children[r.ParentID] = append(children[r.ParentID], r)
		default:
			t.logger.Debug("Ignoring record while loading", log.String("collection", string(r.Collection)), log.String("id", r.ID))
		}
	}
	for slideID, list := range children {
		slide := t.slides[slideID]
		if slide == nil || slide.PersistencePaused || slide.Dirty.Len() > 0 {
			continue
		}
		for _, r := range list {
			t.decodeChildLocked(slide, r)
		}
	}
	t.sortLocked()
	current := t.slideIDsLocked()
	t.mu.Unlock()

	t.pipeline.Observe(records...)
	t.notifySlides(old, current)
	t.logger.Debug("Loaded document", log.Int("records", len(records)), log.Int("slides", len(current)))
	return nil
}

func (t *Tracker) loadSlideLocked(r *record.Record) {
	if r.IsDeleted() {
		if slide := t.slides[r.ID]; slide != nil && !slide.PersistencePaused {
			t.removeSlideLocked(r.ID)
		}
		return
	}
	slide := t.slides[r.ID]
	if slide == nil {
		slide = model.NewSlideFromRecord(r)
		t.slides[r.ID] = slide
		t.order = append(t.order, r.ID)
	} else if slide.PersistencePaused || slide.Dirty.Len() > 0 {
		return
	} else {
		slide.DecodeFromRecord(r)
		slide.HasBeenPersisted = true
	}
	t.records[r.ID] = r
}

// ApplySlideDelta applies a realtime page or media record. The slide's
// thumbnail is invalidated only when its content actually changed.
func (t *Tracker) ApplySlideDelta(r *record.Record) {
	t.mu.Lock()
	old := t.slideIDsLocked()
	slidesChanged := false

	switch {
	case r.Collection.IsSlide():
		slide := t.slides[r.ID]
		switch {
		case r.IsDeleted():
			if slide != nil {
				t.removeSlideLocked(r.ID)
				slidesChanged = true
			}
		case slide == nil:
			slide = model.NewSlideFromRecord(r)
			t.records[r.ID] = r
			t.insertSlideLocked(slide)
			slidesChanged = true
		case slide.Dirty.Contains(slide):
			// The pending local edit wins; it is sent with the next batch.
		default:
			before := slide.Hash()
			oldKey := slide.SortIndex
			slide.DecodeFromRecord(r)
			t.records[r.ID] = r
			if !oldKey.Equal(slide.SortIndex) {
				t.sortLocked()
				slidesChanged = true
			}
			if slide.Hash() != before {
				t.invalidateThumbnailLocked(slide.ID)
			}
		}
	case r.Collection == record.CollectionMedia:
		slide := t.slides[r.ParentID]
		if slide == nil {
			t.mu.Unlock()
			t.logger.Debug("Ignoring media delta for unknown slide", log.String("slide", r.ParentID))
			return
		}
		before := slide.Hash()
		t.decodeChildLocked(slide, r)
		if slide.Hash() != before {
			t.invalidateThumbnailLocked(slide.ID)
		}
	default:
		t.mu.Unlock()
		t.logger.Debug("Ignoring delta", log.String("collection", string(r.Collection)))
		return
	}
	current := t.slideIDsLocked()
	t.mu.Unlock()

	t.pipeline.Observe(r)
	if slidesChanged {
		t.notifySlides(old, current)
	}
}

// decodeChildLocked merges a media record into slide. Objects with pending
// local edits and objects removed locally are left alone.
func (t *Tracker) decodeChildLocked(slide *model.Slide, r *record.Record) {
	if _, gone := t.removed[r.ID]; gone {
		return
	}
	if model.IsPresenterRecord(r) {
		t.decodePresenterLocked(slide, r)
		return
	}

	obj := slide.ObjectWithID(r.ID)
	if r.IsDeleted() {
		if obj != nil {
			slide.RemoveObject(r.ID)
			slide.Dirty.Remove(obj)
		}
		delete(t.records, r.ID)
		return
	}
	if obj != nil && slide.Dirty.Contains(obj) {
		return
	}
	t.records[r.ID] = r
	if obj == nil {
		created, err := model.NewMediaObjectFromRecord(r)
		if err != nil {
			t.logger.Warn("Skipping undecodable media record", log.String("id", r.ID), log.Error(err))
			return
		}
		slide.AddObject(created)
	} else if err := obj.DecodeFromRecord(r); err != nil {
		t.logger.Warn("Skipping undecodable media record", log.String("id", r.ID), log.Error(err))
		return
	}
	sort.SliceStable(slide.Objects, func(i, j int) bool {
		return slide.Objects[i].ZIndex < slide.Objects[j].ZIndex
	})
}

func (t *Tracker) decodePresenterLocked(slide *model.Slide, r *record.Record) {
	presenterID := r.DecodeString("presenterId", "")
	if presenterID != "" {
		if r.IsDeleted() {
			delete(slide.RemotePresenters, presenterID)
			return
		}
		if slide.RemotePresenters == nil {
			slide.RemotePresenters = make(map[string]*model.Presenter)
		}
		slide.RemotePresenters[presenterID] = model.NewPresenterFromRecord(r)
		return
	}

	local := slide.Presenter
	switch {
	case r.IsDeleted():
		if local != nil && local.ID == r.ID {
			slide.Presenter = nil
			slide.Dirty.Remove(local)
		}
		delete(t.records, r.ID)
	case local == nil:
		slide.Presenter = model.NewPresenterFromRecord(r)
		t.records[r.ID] = r
	case slide.Dirty.Contains(local):
	default:
		local.DecodeFromRecord(r)
		t.records[r.ID] = r
	}
}
