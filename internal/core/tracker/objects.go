package tracker

import (
	"context"
	"errors"

	"github.com/zeusync/decksync/internal/core/assets"
	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/record"
)

// AddObjects places objects on the slide right away and then creates them on
// the service, uploading any local payloads first. Cancelling ctx aborts the
// upload; on abort or failure the objects are taken off the slide again and
// records that were already created are trashed.
func (t *Tracker) AddObjects(ctx context.Context, slideID string, objects []*model.MediaObject, progress assets.Progress) error {
	return t.addObjects(ctx, slideID, objects, progress, true)
}

func (t *Tracker) addObjects(ctx context.Context, slideID string, objects []*model.MediaObject, progress assets.Progress, assignZIndex bool) error {
	if len(objects) == 0 {
		return nil
	}
	t.mu.Lock()
	slide := t.slides[slideID]
	if slide == nil {
		t.mu.Unlock()
		t.logger.Warn("Adding objects to unknown slide", log.String("slide", slideID))
		return ErrUnknownSlide
	}
	for _, obj := range objects {
		delete(t.removed, obj.ID)
		if assignZIndex {
			obj.ZIndex = slide.ZIndexForNewObject(false)
		}
		slide.AddObject(obj)
	}

	if slide.PersistencePaused {
		for _, obj := range objects {
			slide.Dirty.Add(obj)
		}
		t.mu.Unlock()
		t.notifyLocalChanges(slideID, true)
		return nil
	}
	t.mu.Unlock()

	stored, err := t.commitObjects(ctx, slideID, objects, progress)
	if err == nil {
		return nil
	}

	t.mu.Lock()
	for _, obj := range objects {
		if current := t.slides[slideID]; current != nil && current.ObjectWithID(obj.ID) == obj {
			current.RemoveObject(obj.ID)
			current.Dirty.Remove(obj)
		}
	}
	t.mu.Unlock()

	var rejected *record.BatchError
	if stored != nil || errors.As(err, &rejected) {
		t.trashCreated(context.WithoutCancel(ctx), objects)
	}
	if !errors.Is(err, assets.ErrAborted) {
		t.logger.Error("Adding objects failed", log.String("slide", slideID), log.Int("objects", len(objects)), log.Error(err))
	}
	return err
}

// commitObjects encodes objects already on the slide, posts them through the
// asset pipeline and applies the stored records.
func (t *Tracker) commitObjects(ctx context.Context, slideID string, objects []*model.MediaObject, progress assets.Progress) ([]*record.Record, error) {
	t.mu.Lock()
	blobs := t.pipeline.Prepare(objects...)
	now := t.now()
	records := make([]*record.Record, 0, len(objects))
	for _, obj := range objects {
		r := obj.NewRecord(t.documentID)
		if err := obj.EncodeToRecord(r, now); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		if _, err := r.Encode("trashed", false, now); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		records = append(records, r)
	}
	ep := t.ep
	t.mu.Unlock()

	stored, err := t.pipeline.Commit(ctx, records, blobs, endpoint.Poster(ep), progress)
	if err != nil {
		return stored, err
	}

	t.mu.Lock()
	slide := t.slides[slideID]
	for _, r := range stored {
		if _, gone := t.removed[r.ID]; gone || slide == nil {
			continue
		}
		t.records[r.ID] = r
		obj := slide.ObjectWithID(r.ID)
		if obj == nil {
			continue
		}
		if r.IsDeleted() {
			slide.RemoveObject(r.ID)
			slide.Dirty.Remove(obj)
			continue
		}
		applyAssetReferences(obj, r)
		if updated := r.Updated(); !updated.IsZero() {
			obj.UpdatedAt = updated
		}
	}
	t.invalidateThumbnailLocked(slideID)
	t.mu.Unlock()
	return stored, nil
}

// trashCreated marks records of objects whose creation was abandoned as
// trashed. Failures are only logged.
func (t *Tracker) trashCreated(ctx context.Context, objects []*model.MediaObject) {
	t.mu.Lock()
	now := t.now()
	records := make([]*record.Record, 0, len(objects))
	for _, obj := range objects {
		r := obj.NewRecord(t.documentID)
		if err := obj.EncodeToRecord(r, now); err != nil {
			continue
		}
		if _, err := r.Encode("trashed", true, now); err != nil {
			continue
		}
		records = append(records, r)
		delete(t.records, obj.ID)
	}
	ep := t.ep
	t.mu.Unlock()

	if _, err := endpoint.PostRecords(ctx, ep, records); err != nil {
		t.logger.Warn("Trashing abandoned objects failed", log.Int("records", len(records)), log.Error(err))
	}
}

// RemoveObjects takes objects off the slide and trashes them on the service.
// If the service refuses, the objects are put back.
func (t *Tracker) RemoveObjects(ctx context.Context, slideID string, ids []string) error {
	t.mu.Lock()
	slide := t.slides[slideID]
	if slide == nil {
		t.mu.Unlock()
		t.logger.Warn("Removing objects from unknown slide", log.String("slide", slideID))
		return ErrUnknownSlide
	}
	objects := make([]*model.MediaObject, 0, len(ids))
	for _, id := range ids {
		obj := slide.ObjectWithID(id)
		if obj == nil {
			t.mu.Unlock()
			t.logger.Warn("Removing unknown object", log.String("slide", slideID), log.String("object", id))
			return ErrUnknownObject
		}
		if !obj.Removable() {
			t.mu.Unlock()
			return ErrNotRemovable
		}
		objects = append(objects, obj)
	}
	for _, obj := range objects {
		slide.RemoveObject(obj.ID)
		slide.Dirty.Remove(obj)
		t.removed[obj.ID] = struct{}{}
	}

	if slide.PersistencePaused {
		// Media added during the pause were never stored, so there is
		// nothing to trash for them.
		for _, obj := range objects {
			if t.records[obj.ID] != nil {
				slide.RemovedObjects = append(slide.RemovedObjects, obj)
			}
		}
		t.mu.Unlock()
		t.notifyLocalChanges(slideID, true)
		return nil
	}
	t.invalidateThumbnailLocked(slideID)
	t.mu.Unlock()

	if err := t.setTrashed(ctx, objects, true); err != nil {
		t.mu.Lock()
		if current := t.slides[slideID]; current != nil {
			for _, obj := range objects {
				delete(t.removed, obj.ID)
				if current.ObjectWithID(obj.ID) == nil {
					current.AddObject(obj)
				}
			}
			t.invalidateThumbnailLocked(slideID)
		}
		t.mu.Unlock()
		t.logger.Error("Removing objects failed", log.String("slide", slideID), log.Error(err))
		return err
	}
	return nil
}

// setTrashed posts objects with the trashed property set.
func (t *Tracker) setTrashed(ctx context.Context, objects []*model.MediaObject, trashed bool) error {
	if len(objects) == 0 {
		return nil
	}
	t.mu.Lock()
	now := t.now()
	records := make([]*record.Record, 0, len(objects))
	for _, obj := range objects {
		r := obj.NewRecord(t.documentID)
		if base := t.records[obj.ID]; base != nil {
			r = base.Clone()
		}
		if err := obj.EncodeToRecord(r, now); err != nil {
			t.mu.Unlock()
			return err
		}
		if _, err := r.Encode("trashed", trashed, now); err != nil {
			t.mu.Unlock()
			return err
		}
		records = append(records, r)
	}
	ep := t.ep
	t.mu.Unlock()

	stored, err := endpoint.PostRecords(ctx, ep, records)
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, r := range stored {
		t.records[r.ID] = r
	}
	t.mu.Unlock()
	return nil
}

// ReplaceObject swaps oldID for replacement at the same paint position. When
// adding the replacement fails or is aborted the original comes back.
func (t *Tracker) ReplaceObject(ctx context.Context, slideID, oldID string, replacement *model.MediaObject, progress assets.Progress) error {
	t.mu.Lock()
	slide := t.slides[slideID]
	if slide == nil {
		t.mu.Unlock()
		return ErrUnknownSlide
	}
	original := slide.ObjectWithID(oldID)
	if original == nil {
		t.mu.Unlock()
		return ErrUnknownObject
	}
	replacement.ZIndex = original.ZIndex
	t.mu.Unlock()

	if err := t.RemoveObjects(ctx, slideID, []string{oldID}); err != nil {
		return err
	}
	err := t.addObjects(ctx, slideID, []*model.MediaObject{replacement}, progress, false)
	if err == nil {
		return nil
	}
	if restoreErr := t.addObjects(context.WithoutCancel(ctx), slideID, []*model.MediaObject{original}, nil, false); restoreErr != nil {
		t.logger.Error("Restoring replaced object failed", log.String("object", oldID), log.Error(restoreErr))
		return errors.Join(err, restoreErr)
	}
	return err
}

// CreateSlide appends a new slide to the document.
func (t *Tracker) CreateSlide(ctx context.Context, title string) (*model.Slide, error) {
	t.mu.Lock()
	keys := make([]record.SortKey, 0, len(t.order))
	for _, id := range t.order {
		keys = append(keys, t.slides[id].SortIndex)
	}
	slide := model.NewSlide(t.newID(), t.documentID)
	slide.Title = title
	slide.SortIndex = record.After(keys)
	slide.OwnerAccountID = t.ep.AccountID()
	old := t.slideIDsLocked()
	t.insertSlideLocked(slide)
	current := t.slideIDsLocked()

	r := slide.NewRecord()
	if err := slide.EncodeToRecord(r, t.now()); err != nil {
		t.removeSlideLocked(slide.ID)
		t.mu.Unlock()
		return nil, err
	}
	ep := t.ep
	t.mu.Unlock()
	t.notifySlides(old, current)

	stored, err := endpoint.PostRecords(ctx, ep, []*record.Record{r})
	if err != nil {
		t.mu.Lock()
		t.removeSlideLocked(slide.ID)
		after := t.slideIDsLocked()
		t.mu.Unlock()
		t.notifySlides(current, after)
		t.logger.Error("Creating slide failed", log.String("slide", slide.ID), log.Error(err))
		return nil, err
	}

	t.mu.Lock()
	t.records[slide.ID] = stored[0]
	t.applyStoredLocked(slide, stored[0])
	t.mu.Unlock()
	return slide, nil
}

// DeleteSlide trashes a slide. The slide is restored if the service refuses.
func (t *Tracker) DeleteSlide(ctx context.Context, slideID string) error {
	t.mu.Lock()
	slide := t.slides[slideID]
	if slide == nil {
		t.mu.Unlock()
		return ErrUnknownSlide
	}
	old := t.slideIDsLocked()
	t.removeSlideLocked(slideID)
	current := t.slideIDsLocked()

	r := slide.NewRecord()
	if base := t.records[slideID]; base != nil {
		r = base.Clone()
	}
	now := t.now()
	if err := slide.EncodeToRecord(r, now); err != nil {
		t.insertSlideLocked(slide)
		t.mu.Unlock()
		return err
	}
	if _, err := r.Encode("trashed", true, now); err != nil {
		t.insertSlideLocked(slide)
		t.mu.Unlock()
		return err
	}
	ep := t.ep
	t.mu.Unlock()
	t.notifySlides(old, current)

	stored, err := endpoint.PostRecords(ctx, ep, []*record.Record{r})
	if err != nil {
		t.mu.Lock()
		t.insertSlideLocked(slide)
		restored := t.slideIDsLocked()
		t.mu.Unlock()
		t.notifySlides(current, restored)
		t.logger.Error("Deleting slide failed", log.String("slide", slideID), log.Error(err))
		return err
	}
	t.mu.Lock()
	t.records[slideID] = stored[0]
	slide.Trashed = true
	t.mu.Unlock()
	return nil
}
