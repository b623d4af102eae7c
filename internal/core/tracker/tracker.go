// Package tracker coalesces local edits to one document into debounced
// persistence batches and reconciles the service's answers with the local
// object graph.
package tracker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/decksync/internal/core/assets"
	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/events/bus"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/observability/metrics"
	"github.com/zeusync/decksync/internal/core/record"
)

type Config struct {
	// QuietPeriod is how long the tracker waits after the last edit before
	// sending a batch.
	QuietPeriod time.Duration
	// ThumbnailDelay coalesces thumbnail invalidations of one slide.
	ThumbnailDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		QuietPeriod:    3 * time.Second,
		ThumbnailDelay: 250 * time.Millisecond,
	}
}

// ThumbnailInvalidator is told when a slide's rendered thumbnail is stale.
type ThumbnailInvalidator func(documentID, slideID string)

// ErrorReporter receives failures of background persistence.
type ErrorReporter func(err error)

// Tracker owns the slides of one document and every pending local edit to
// them. Its mutex is never held across a network call.
type Tracker struct {
	documentID string
	config     Config
	pipeline   *assets.Pipeline
	ownsPipe   bool
	bus        bus.EventBus
	logger     log.Log
	metrics    *metrics.Metrics
	scheduler  Scheduler
	now        func() time.Time
	newID      func() string
	thumbnails ThumbnailInvalidator
	reporter   ErrorReporter

	mu       sync.Mutex
	ep       endpoint.Endpoint
	document *model.Document
	slides   map[string]*model.Slide
	order    []string
	// dirty holds document-level edits; slide-level edits live on the slide.
	dirty model.DirtySet
	// records are the last known service records by object id. Edits are
	// encoded on top of them so unchanged properties keep their timestamps.
	records map[string]*record.Record
	// removed remembers objects deleted locally so late answers do not
	// resurrect them.
	removed     map[string]struct{}
	timer       Timer
	thumbTimers map[string]Timer
	inFlight    bool
	deferred    bool
	closed      bool
}

type Option func(*Tracker)

func WithLogger(logger log.Log) Option {
	return func(t *Tracker) { t.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

func WithConfig(cfg Config) Option {
	return func(t *Tracker) { t.config = cfg }
}

// WithBus publishes hasLocalChanges and slides changes on the document's topic.
func WithBus(b bus.EventBus) Option {
	return func(t *Tracker) { t.bus = b }
}

func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) { t.scheduler = s }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

// WithPipeline shares an asset pipeline between trackers.
func WithPipeline(p *assets.Pipeline) Option {
	return func(t *Tracker) { t.pipeline = p }
}

func WithThumbnailInvalidator(f ThumbnailInvalidator) Option {
	return func(t *Tracker) { t.thumbnails = f }
}

func WithErrorReporter(f ErrorReporter) Option {
	return func(t *Tracker) { t.reporter = f }
}

// WithDocument lets the tracker persist the document record itself.
func WithDocument(doc *model.Document) Option {
	return func(t *Tracker) { t.document = doc }
}

func New(documentID string, ep endpoint.Endpoint, opts ...Option) *Tracker {
	t := &Tracker{
		documentID:  documentID,
		config:      DefaultConfig(),
		logger:      log.NewNop(),
		scheduler:   SystemScheduler(),
		now:         time.Now,
		newID:       uuid.NewString,
		ep:          ep,
		slides:      make(map[string]*model.Slide),
		records:     make(map[string]*record.Record),
		removed:     make(map[string]struct{}),
		thumbTimers: make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.pipeline == nil {
		t.pipeline = assets.New(ep, assets.WithLogger(t.logger), assets.WithMetrics(t.metrics))
		t.ownsPipe = true
	}
	t.logger = t.logger.With(log.String("component", "tracker"), log.String("document", documentID))
	return t
}

func (t *Tracker) DocumentID() string {
	return t.documentID
}

// SetEndpoint rebinds the tracker after the account changed.
func (t *Tracker) SetEndpoint(ep endpoint.Endpoint) {
	t.mu.Lock()
	t.ep = ep
	t.mu.Unlock()
	if t.ownsPipe {
		t.pipeline.SetUploader(ep)
	}
}

func (t *Tracker) endpoint() endpoint.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ep
}

// Slides returns the live slides in document order.
func (t *Tracker) Slides() []*model.Slide {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*model.Slide, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.slides[id])
	}
	return out
}

// Slide returns the slide with id, or nil.
func (t *Tracker) Slide(id string) *model.Slide {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slides[id]
}

// MarkDirty schedules obj for the next batch. The object's state is encoded
// when the batch is sent, so later edits to it are included. Edits to a slide
// whose persistence is paused are only announced.
func (t *Tracker) MarkDirty(obj model.Persistable) error {
	t.mu.Lock()
	var (
		slide *model.Slide
		err   error
	)
	switch o := obj.(type) {
	case *model.Document:
		if o.ID != t.documentID {
			err = ErrUnknownObject
			break
		}
		t.dirty.Add(o)
		t.armTimerLocked()
		t.mu.Unlock()
		return nil
	case *model.Slide:
		slide = t.slides[o.ID]
		if slide != o {
			err = ErrUnknownSlide
		}
	case *model.Presenter:
		slide = t.slides[o.SlideID]
		switch {
		case slide == nil:
			err = ErrUnknownSlide
		case slide.Presenter != o:
			err = ErrUnknownObject
		}
	case *model.MediaObject:
		slide = t.slides[o.SlideID]
		switch {
		case slide == nil:
			err = ErrUnknownSlide
		case slide.ObjectWithID(o.ID) != o:
			err = ErrUnknownObject
		}
	default:
		err = ErrUnsupportedObject
	}
	if err != nil {
		t.mu.Unlock()
		t.logger.Warn("Ignoring edit to unknown object", log.String("object", obj.ObjectID()), log.Error(err))
		return err
	}

	slide.Dirty.Add(obj)
	if slide.PersistencePaused {
		t.mu.Unlock()
		t.notifyLocalChanges(slide.ID, true)
		return nil
	}
	t.armTimerLocked()
	t.mu.Unlock()
	return nil
}

// HasLocalChanges reports edits to slideID that have not reached the service.
func (t *Tracker) HasLocalChanges(slideID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slide := t.slides[slideID]
	if slide == nil {
		return false
	}
	return hasLocalChanges(slide)
}

func hasLocalChanges(slide *model.Slide) bool {
	return !slide.HasBeenPersisted || slide.Dirty.Len() > 0 || len(slide.RemovedObjects) > 0
}

func (t *Tracker) armTimerLocked() {
	if t.closed {
		return
	}
	t.stopTimerLocked()
	t.timer = t.scheduler.AfterFunc(t.config.QuietPeriod, t.timerFired)
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) timerFired() {
	if err := t.Persist(context.Background()); err != nil {
		t.report(err)
	}
}

func (t *Tracker) report(err error) {
	if t.reporter != nil {
		t.reporter(err)
	}
}

// pending is one encoded member of a batch.
type pending struct {
	object model.Persistable
	record *record.Record
}

// Persist sends every pending edit in one batch. Only one batch per document
// is in flight; a call made meanwhile is folded into a follow-up batch that
// is sent when the current one resolves.
func (t *Tracker) Persist(ctx context.Context) error {
	var errs []error
	for {
		again, err := t.persistOnce(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if !again {
			return errors.Join(errs...)
		}
	}
}

func (t *Tracker) persistOnce(ctx context.Context) (bool, error) {
	t.mu.Lock()
	t.stopTimerLocked()
	if t.inFlight {
		t.deferred = true
		t.mu.Unlock()
		return false, nil
	}
	batch := t.takeDirtyLocked()
	if len(batch) == 0 {
		t.mu.Unlock()
		return false, nil
	}

	var media []*model.MediaObject
	for _, obj := range batch {
		if m, ok := obj.(*model.MediaObject); ok {
			media = append(media, m)
		}
	}
	blobs := t.pipeline.Prepare(media...)
	items := t.encodeLocked(batch)
	t.inFlight = true
	ep := t.ep
	t.mu.Unlock()

	started := time.Now()
	records := make([]*record.Record, len(items))
	for i, item := range items {
		records[i] = item.record
	}
	results, postErr := t.post(ctx, ep, records)
	if postErr == nil && len(blobs) > 0 {
		stored := storedRecords(records, results)
		if err := t.pipeline.Resolve(ctx, stored, blobs, nil); err != nil {
			t.logger.Warn("Uploading assets for persisted media failed", log.Error(err))
		}
	}

	t.mu.Lock()
	err := t.reconcileLocked(items, results, postErr)
	t.inFlight = false
	again := t.deferred
	t.deferred = false
	t.mu.Unlock()

	t.metrics.ObservePersist(err == nil, len(records), time.Since(started))
	if err != nil {
		t.logger.Error("Persisting local changes failed", log.Int("records", len(records)), log.Error(err))
	}
	return again, err
}

func (t *Tracker) post(ctx context.Context, ep endpoint.Endpoint, records []*record.Record) ([]record.Result, error) {
	if len(records) == 0 {
		return nil, nil
	}
	results, err := ep.PostSyncRecords(ctx, records)
	if err != nil {
		return nil, err
	}
	if len(results) != len(records) {
		return nil, record.CheckResults(records, results)
	}
	return results, nil
}

// takeDirtyLocked empties the document's dirty set and the dirty sets of
// every slide that is not paused.
func (t *Tracker) takeDirtyLocked() []model.Persistable {
	batch := t.dirty.Swap()
	for _, id := range t.order {
		slide := t.slides[id]
		if slide.PersistencePaused {
			continue
		}
		batch = append(batch, slide.Dirty.Swap()...)
	}
	return batch
}

type encoder interface {
	EncodeToRecord(r *record.Record, at time.Time) error
}

func (t *Tracker) encodeLocked(batch []model.Persistable) []pending {
	now := t.now()
	items := make([]pending, 0, len(batch))
	invalidated := make(map[string]struct{})
	for _, obj := range batch {
		var (
			fresh *record.Record
			enc   encoder
		)
		switch o := obj.(type) {
		case *model.Document:
			fresh, enc = o.NewRecord(), o
		case *model.Slide:
			fresh, enc = o.NewRecord(), o
			if o.OwnerAccountID == "" {
				fresh.OwnerUserID = t.ep.AccountID()
			}
		case *model.Presenter:
			fresh, enc = o.NewRecord(t.documentID), o
			invalidated[o.SlideID] = struct{}{}
		case *model.MediaObject:
			fresh, enc = o.NewRecord(t.documentID), o
			invalidated[o.SlideID] = struct{}{}
		default:
			t.logger.Error("Dropping unsupported dirty object", log.String("object", obj.ObjectID()))
			continue
		}

		r := fresh
		if base := t.records[obj.ObjectID()]; base != nil {
			r = base.Clone()
		}
		if err := enc.EncodeToRecord(r, now); err != nil {
			t.logger.Error("Dropping dirty object that cannot be encoded", log.String("object", obj.ObjectID()), log.Error(err))
			continue
		}
		if _, ok := obj.(*model.MediaObject); ok {
			_, _ = r.Encode("trashed", false, now)
		}
		items = append(items, pending{object: obj, record: r})
	}
	for slideID := range invalidated {
		t.invalidateThumbnailLocked(slideID)
	}
	return items
}

// reconcileLocked applies the answers of a batch. Accepted records update
// server-derived fields; rejected objects go back to their dirty sets
// without re-arming the timer, so the next edit carries them again.
func (t *Tracker) reconcileLocked(items []pending, results []record.Result, postErr error) error {
	if postErr != nil {
		for _, item := range items {
			t.redirtyLocked(item.object)
		}
		return postErr
	}

	sent := make([]*record.Record, len(items))
	for i, item := range items {
		sent[i] = item.record
		res := results[i]
		if !res.Status.Success {
			t.redirtyLocked(item.object)
			continue
		}
		stored := res.Record
		if stored == nil {
			stored = item.record
		}
		t.records[item.object.ObjectID()] = stored
		t.pipeline.Observe(stored)
		t.applyStoredLocked(item.object, stored)
	}
	return record.CheckResults(sent, results)
}

func (t *Tracker) applyStoredLocked(obj model.Persistable, stored *record.Record) {
	updated := stored.Updated()
	switch o := obj.(type) {
	case *model.Document:
		if !updated.IsZero() {
			o.UpdatedAt = updated
		}
	case *model.Slide:
		if !updated.IsZero() {
			o.UpdatedAt = updated
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = stored.Created()
		}
		o.HasBeenPersisted = true
	case *model.Presenter:
		if !updated.IsZero() {
			o.UpdatedAt = updated
		}
	case *model.MediaObject:
		if !updated.IsZero() {
			o.UpdatedAt = updated
		}
		applyAssetReferences(o, stored)
	}
}

// applyAssetReferences adopts upload state and presigned URLs from stored
// without touching the object's other properties.
func applyAssetReferences(m *model.MediaObject, stored *record.Record) {
	for role, asset := range m.Assets {
		if asset == nil || asset.Ref == nil {
			continue
		}
		ref := stored.DecodeAssetReference(string(role))
		if ref == nil || ref.Fingerprint != asset.Ref.Fingerprint {
			continue
		}
		if ref.Uploaded {
			asset.Ref.Uploaded = true
		}
		if ref.PresignedDownloadURL != "" {
			asset.Ref.PresignedDownloadURL = ref.PresignedDownloadURL
		}
	}
}

func (t *Tracker) redirtyLocked(obj model.Persistable) {
	switch o := obj.(type) {
	case *model.Document:
		t.dirty.Add(o)
	case *model.Slide:
		if t.slides[o.ID] == o {
			o.Dirty.Add(o)
		}
	case *model.Presenter:
		if slide := t.slides[o.SlideID]; slide != nil && slide.Presenter == o {
			slide.Dirty.Add(o)
		}
	case *model.MediaObject:
		if slide := t.slides[o.SlideID]; slide != nil && slide.ObjectWithID(o.ID) == o {
			slide.Dirty.Add(o)
		}
	}
}

func storedRecords(sent []*record.Record, results []record.Result) []*record.Record {
	out := make([]*record.Record, 0, len(sent))
	for i, res := range results {
		if !res.Status.Success {
			continue
		}
		if res.Record != nil {
			out = append(out, res.Record)
		} else {
			out = append(out, sent[i])
		}
	}
	return out
}

func (t *Tracker) invalidateThumbnailLocked(slideID string) {
	if t.thumbnails == nil || t.closed {
		return
	}
	if slide := t.slides[slideID]; slide == nil || slide.PersistencePaused {
		return
	}
	if timer := t.thumbTimers[slideID]; timer != nil {
		timer.Stop()
	}
	t.thumbTimers[slideID] = t.scheduler.AfterFunc(t.config.ThumbnailDelay, func() {
		t.mu.Lock()
		delete(t.thumbTimers, slideID)
		t.mu.Unlock()
		t.thumbnails(t.documentID, slideID)
	})
}

func (t *Tracker) sortLocked() {
	sort.SliceStable(t.order, func(i, j int) bool {
		a, b := t.slides[t.order[i]], t.slides[t.order[j]]
		if c := a.SortIndex.Compare(b.SortIndex); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
	if t.document != nil {
		t.document.SlideIDs = append(t.document.SlideIDs[:0], t.order...)
	}
}

func (t *Tracker) insertSlideLocked(slide *model.Slide) {
	if _, ok := t.slides[slide.ID]; !ok {
		t.order = append(t.order, slide.ID)
	}
	t.slides[slide.ID] = slide
	t.sortLocked()
}

func (t *Tracker) removeSlideLocked(id string) *model.Slide {
	slide := t.slides[id]
	if slide == nil {
		return nil
	}
	delete(t.slides, id)
	for i, sid := range t.order {
		if sid == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	if timer := t.thumbTimers[id]; timer != nil {
		timer.Stop()
		delete(t.thumbTimers, id)
	}
	if t.document != nil {
		t.document.SlideIDs = append(t.document.SlideIDs[:0], t.order...)
	}
	return slide
}

func (t *Tracker) slideIDsLocked() []string {
	return append([]string(nil), t.order...)
}

func (t *Tracker) notifyLocalChanges(slideID string, changed bool) {
	t.publish(bus.PropertyChange{
		Property: bus.PropertyHasLocalChanges,
		Subject:  slideID,
		Old:      !changed,
		New:      changed,
	})
}

func (t *Tracker) notifySlides(old, current []string) {
	t.publish(bus.PropertyChange{Property: bus.PropertySlides, Old: old, New: current})
}

func (t *Tracker) publish(change bus.PropertyChange) {
	if t.bus == nil {
		return
	}
	if err := bus.PublishChange(t.bus, t.documentID, "tracker", change); err != nil {
		t.logger.Warn("Property observer failed", log.String("property", string(change.Property)), log.Error(err))
	}
}

// Close sends any pending edits and stops all timers.
func (t *Tracker) Close(ctx context.Context) error {
	err := t.Persist(ctx)
	t.mu.Lock()
	t.closed = true
	t.stopTimerLocked()
	for id, timer := range t.thumbTimers {
		timer.Stop()
		delete(t.thumbTimers, id)
	}
	t.mu.Unlock()
	return err
}
