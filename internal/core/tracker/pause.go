package tracker

import (
	"context"
	"errors"

	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/record"
)

// Pause holds back network writes for slideID. Edits keep accumulating
// locally until Resume sends them or Rollback discards them.
func (t *Tracker) Pause(slideID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	slide := t.slides[slideID]
	if slide == nil {
		return ErrUnknownSlide
	}
	if slide.PersistencePaused {
		t.logger.Warn("Persistence already paused", log.String("slide", slideID))
		return ErrAlreadyPaused
	}
	slide.PersistencePaused = true
	t.logger.Debug("Paused persistence", log.String("slide", slideID))
	return nil
}

// Resume sends everything edited while slideID was paused: the slide, its
// presenter and changed media, payloads of media added meanwhile, and
// trashes media removed meanwhile.
func (t *Tracker) Resume(ctx context.Context, slideID string) error {
	t.mu.Lock()
	slide := t.slides[slideID]
	if slide == nil {
		t.mu.Unlock()
		return ErrUnknownSlide
	}
	if !slide.PersistencePaused {
		t.mu.Unlock()
		t.logger.Warn("Persistence is not paused", log.String("slide", slideID))
		return ErrNotPaused
	}
	slide.PersistencePaused = false
	if !slide.HasBeenPersisted {
		slide.Dirty.Add(slide)
	}

	// Media never stored on the service go through the asset pipeline; the
	// rest stay dirty for the regular batch.
	var added []*model.MediaObject
	for _, item := range slide.Dirty.Items() {
		obj, ok := item.(*model.MediaObject)
		if !ok || t.records[obj.ID] != nil {
			continue
		}
		slide.Dirty.Remove(obj)
		added = append(added, obj)
	}
	removed := slide.RemovedObjects
	slide.RemovedObjects = nil
	t.mu.Unlock()

	t.logger.Debug("Resuming persistence", log.String("slide", slideID), log.Int("added", len(added)), log.Int("removed", len(removed)))

	var errs []error
	if err := t.Persist(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(added) > 0 {
		if _, err := t.commitObjects(ctx, slideID, added, nil); err != nil {
			t.mu.Lock()
			for _, obj := range added {
				t.redirtyLocked(obj)
			}
			t.mu.Unlock()
			t.logger.Error("Persisting media added while paused failed", log.Error(err))
			errs = append(errs, err)
		}
	}
	if err := t.setTrashed(ctx, removed, true); err != nil {
		t.mu.Lock()
		if current := t.slides[slideID]; current != nil {
			current.RemovedObjects = append(current.RemovedObjects, removed...)
		}
		t.mu.Unlock()
		t.logger.Error("Trashing media removed while paused failed", log.Error(err))
		errs = append(errs, err)
	}

	t.mu.Lock()
	pendingChanges := false
	if current := t.slides[slideID]; current != nil {
		pendingChanges = hasLocalChanges(current)
		t.invalidateThumbnailLocked(slideID)
	}
	t.mu.Unlock()
	if !pendingChanges {
		t.notifyLocalChanges(slideID, false)
	}
	return errors.Join(errs...)
}

// Rollback discards everything edited while slideID was paused and reloads
// the slide from the service. The local presenter and the name badge stay
// in place. If the reload fails the slide is left paused and untouched, so
// Rollback or Resume can be tried again.
func (t *Tracker) Rollback(ctx context.Context, slideID string) error {
	t.mu.Lock()
	slide := t.slides[slideID]
	if slide == nil {
		t.mu.Unlock()
		return ErrUnknownSlide
	}
	if !slide.PersistencePaused {
		t.mu.Unlock()
		t.logger.Warn("Persistence is not paused", log.String("slide", slideID))
		return ErrNotPaused
	}
	if !hasLocalChanges(slide) {
		t.discardPausedLocked(slide)
		t.mu.Unlock()
		return nil
	}
	ep := t.ep
	t.mu.Unlock()

	t.logger.Info("Rolling back unsaved changes", log.String("slide", slideID))
	records, err := ep.GetSyncRecordsFrom(ctx, model.SlideLocator(t.documentID, slideID), false)
	if err != nil {
		t.logger.Error("Reloading slide failed", log.String("slide", slideID), log.Error(err))
		return err
	}
	var slideRecord *record.Record
	for _, r := range records {
		if r.ID == slideID && r.Collection.IsSlide() {
			slideRecord = r
		}
	}
	if slideRecord == nil {
		t.logger.Error("Reloaded slide has no slide record", log.String("slide", slideID))
		return ErrSlideRecordMissing
	}

	t.mu.Lock()
	if t.slides[slideID] != slide || !slide.PersistencePaused {
		t.mu.Unlock()
		return ErrNotPaused
	}
	t.discardPausedLocked(slide)
	kept := slide.Objects[:0:0]
	for _, obj := range slide.Objects {
		if !obj.Removable() {
			kept = append(kept, obj)
		}
	}
	slide.Objects = kept

	t.records[slideID] = slideRecord
	slide.DecodeFromRecord(slideRecord)
	slide.HasBeenPersisted = true
	for _, r := range records {
		if r != slideRecord {
			t.decodeChildLocked(slide, r)
		}
	}
	t.sortLocked()
	t.pipeline.Observe(records...)
	t.invalidateThumbnailLocked(slideID)
	t.mu.Unlock()

	t.notifyLocalChanges(slideID, false)
	return nil
}

// discardPausedLocked unpauses slide and forgets its pending edits.
func (t *Tracker) discardPausedLocked(slide *model.Slide) {
	slide.PersistencePaused = false
	for _, obj := range slide.RemovedObjects {
		delete(t.removed, obj.ID)
	}
	slide.RemovedObjects = nil
	slide.Dirty.Swap()
}
