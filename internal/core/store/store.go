// Package store owns the account's document collection: the cached and
// authoritative document lists, the scratchpad, sort and selection policy,
// realtime deltas, and one mutation tracker per opened document.
package store

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/zeusync/decksync/internal/core/auth"
	"github.com/zeusync/decksync/internal/core/cache"
	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/events/bus"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/observability/metrics"
	"github.com/zeusync/decksync/internal/core/realtime"
	"github.com/zeusync/decksync/internal/core/tracker"
	"github.com/zeusync/decksync/pkg/sequence"
)

// Preference keys.
const (
	PrefSortType       = "presentationSort"
	PrefActiveDocument = "activePresentation"
)

// Realtime is the part of the realtime channel the store drives.
type Realtime interface {
	Start(ctx context.Context) error
	Stop()
	SetSource(source realtime.SubscriptionSource)
}

// Store is the document collection of one account at a time.
type Store struct {
	cache       *cache.Store
	prefs       *cache.Preferences
	bus         bus.EventBus
	base        log.Log
	logger      log.Log
	metrics     *metrics.Metrics
	now         func() time.Time
	newID       func() string
	locale      language.Tag
	trackerOpts []tracker.Option

	mu sync.Mutex
	ep endpoint.Endpoint
	// generation counts account changes; list results fetched under an older
	// generation are dropped.
	generation uint64
	refreshing bool
	// forceQueued asks the running refresh to run again, forced, once done.
	forceQueued bool

	realtime      Realtime
	lastAccountID string
	documents     []*model.Document
	trackers      map[string]*tracker.Tracker
	pending       []bus.PropertyChange

	scratchpad       *model.Document
	scratchpadStored bool
	// creating is the scratchpad whose server record is being created.
	creating *model.Document

	active       *model.Document
	lastSelected *model.Document
	selectedID   string

	sortType SortType
	collator *collate.Collator
}

type Option func(*Store)

func WithLogger(logger log.Log) Option {
	return func(s *Store) { s.base = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithBus(b bus.EventBus) Option {
	return func(s *Store) { s.bus = b }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

// WithLocale selects the collation used by SortName.
func WithLocale(tag language.Tag) Option {
	return func(s *Store) { s.locale = tag }
}

// WithTrackerOptions are applied to every tracker the store opens.
func WithTrackerOptions(opts ...tracker.Option) Option {
	return func(s *Store) { s.trackerOpts = append(s.trackerOpts, opts...) }
}

// New returns a store bound to ep, signed out when ep is nil.
func New(ep endpoint.Endpoint, c *cache.Store, opts ...Option) *Store {
	if ep == nil {
		ep = endpoint.NewLocalOnly()
	}
	if c == nil {
		c = cache.New(cache.NewMemoryBackend())
	}
	s := &Store{
		cache:    c,
		prefs:    c.Preferences(),
		base:     log.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
		locale:   language.Und,
		ep:       ep,
		trackers: make(map[string]*tracker.Tracker),
		sortType: SortLastViewed,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = bus.New()
	}
	s.logger = s.base.With(log.String("component", "store"))
	s.collator = newCollator(s.locale)
	s.lastAccountID = accountOf(ep)
	s.scratchpad = s.newScratchpadLocked(ep)
	return s
}

// AttachRealtime hands the store the channel that feeds it deltas. The
// channel is started by Initialize and restarted on account changes.
func (s *Store) AttachRealtime(rt Realtime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realtime = rt
}

// Watch follows account changes announced by n.
func (s *Store) Watch(n *auth.Notifier) (bus.Subscription, error) {
	return n.OnChange(func(ep endpoint.Endpoint) {
		if err := s.HandleAuthenticationChanged(context.Background(), ep); err != nil {
			s.logger.Warn("Refresh after account change failed", log.Error(err))
		}
	})
}

// OnPropertyChanged subscribes to collection-wide changes: documents,
// activeDocument, sortType and scratchpad.
func (s *Store) OnPropertyChanged(p bus.Property, handler func(bus.PropertyChange)) (bus.Subscription, error) {
	return bus.OnPropertyChanged(s.bus, "", p, handler)
}

func (s *Store) Endpoint() endpoint.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ep
}

// Documents returns the listed documents in sort order. The scratchpad is
// not part of the list.
func (s *Store) Documents() []*model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Document(nil), s.documents...)
}

func (s *Store) Scratchpad() *model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scratchpad
}

// ActiveDocument is never nil. Until a list has been applied it is the
// scratchpad.
func (s *Store) ActiveDocument() *model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return s.scratchpad
	}
	return s.active
}

// Document looks up a listed document or the scratchpad.
func (s *Store) Document(id string) *model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentLocked(id)
}

// CanDelete is false for the scratchpad.
func (s *Store) CanDelete(doc *model.Document) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return doc != nil && doc != s.scratchpad
}

// SelectDocument makes id the active document and remembers it as the
// user's explicit choice. System-typed documents become active without
// being remembered.
func (s *Store) SelectDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	doc := s.documentLocked(id)
	if doc == nil {
		s.mu.Unlock()
		s.logger.Warn("Selecting unknown document", log.String("document", id))
		return ErrUnknownDocument
	}
	s.setActiveLocked(doc)
	remember := !doc.Type.IsTyped() && s.selectedID != id
	if !doc.Type.IsTyped() {
		s.lastSelected = doc
		s.selectedID = id
	}
	s.mu.Unlock()
	s.flush()

	if !remember {
		return nil
	}
	return s.prefs.Set(ctx, PrefActiveDocument, id)
}

// Close stops the realtime channel and flushes every open tracker.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	rt := s.realtime
	open := s.retireAllTrackersLocked()
	s.mu.Unlock()

	if rt != nil {
		rt.Stop()
	}
	var errs []error
	for _, t := range open {
		if err := t.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func accountOf(ep endpoint.Endpoint) string {
	if ep == nil || !ep.IsAuthenticated() {
		return ""
	}
	return ep.AccountID()
}

func (s *Store) newScratchpadLocked(ep endpoint.Endpoint) *model.Document {
	if ep.IsAuthenticated() {
		return &model.Document{
			ID:             s.newID(),
			Type:           model.DocumentScratchpad,
			OwnerAccountID: ep.AccountID(),
		}
	}
	return &model.Document{
		ID:        s.newID(),
		Type:      model.DocumentShadow,
		LocalOnly: true,
	}
}

func (s *Store) documentLocked(id string) *model.Document {
	if s.scratchpad != nil && s.scratchpad.ID == id {
		return s.scratchpad
	}
	if idx := s.indexLocked(id); idx >= 0 && !s.documents[idx].Hidden {
		return s.documents[idx]
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	for i, doc := range s.documents {
		if doc.ID == id {
			return i
		}
	}
	return -1
}

// setDocumentsLocked installs list in sort order, retires the trackers of
// documents that left the list and restores the active-document invariant.
func (s *Store) setDocumentsLocked(list []*model.Document) []*tracker.Tracker {
	previous := s.documents
	var retired []*tracker.Tracker
	for _, doc := range previous {
		if !slices.Contains(list, doc) {
			if t := s.retireTrackerLocked(doc.ID); t != nil {
				retired = append(retired, t)
			}
		}
	}

	sorted := append([]*model.Document(nil), list...)
	s.sortLocked(sorted)
	s.documents = sorted
	if !slices.Equal(documentIDs(previous), documentIDs(sorted)) {
		s.queueLocked(bus.PropertyChange{
			Property: bus.PropertyDocuments,
			Old:      documentIDs(previous),
			New:      documentIDs(sorted),
		})
	}
	s.ensureActiveLocked()
	return retired
}

// ensureActiveLocked falls back from a vanished active document to the last
// explicit selection, then to the scratchpad.
func (s *Store) ensureActiveLocked() {
	if s.active != nil && s.documentLocked(s.active.ID) == s.active {
		return
	}
	if s.selectedID != "" {
		if doc := s.documentLocked(s.selectedID); doc != nil {
			s.lastSelected = doc
			s.setActiveLocked(doc)
			return
		}
	}
	if s.scratchpad == nil && !s.ep.IsAuthenticated() {
		s.replaceScratchpadLocked(s.newScratchpadLocked(s.ep))
	}
	if s.scratchpad != nil {
		s.setActiveLocked(s.scratchpad)
		return
	}
	s.logger.Error("No scratchpad to fall back to")
}

func (s *Store) setActiveLocked(doc *model.Document) {
	if doc == s.active {
		return
	}
	old := ""
	if s.active != nil {
		old = s.active.ID
	}
	s.active = doc
	s.queueLocked(bus.PropertyChange{Property: bus.PropertyActiveDocument, Old: old, New: doc.ID})
}

func (s *Store) replaceScratchpadLocked(doc *model.Document) *tracker.Tracker {
	var retired *tracker.Tracker
	old := ""
	if s.scratchpad != nil {
		old = s.scratchpad.ID
		retired = s.retireTrackerLocked(old)
	}
	s.scratchpad = doc
	s.scratchpadStored = false
	s.queueScratchpadLocked(old, doc.ID)
	return retired
}

func (s *Store) queueScratchpadLocked(old, current string) {
	s.queueLocked(bus.PropertyChange{Property: bus.PropertyScratchpad, Old: old, New: current})
}

func (s *Store) retireTrackerLocked(id string) *tracker.Tracker {
	t := s.trackers[id]
	delete(s.trackers, id)
	return t
}

func (s *Store) retireAllTrackersLocked() []*tracker.Tracker {
	out := make([]*tracker.Tracker, 0, len(s.trackers))
	for id, t := range s.trackers {
		out = append(out, t)
		delete(s.trackers, id)
	}
	return out
}

// closeTrackers flushes trackers whose documents left the collection.
func (s *Store) closeTrackers(ctx context.Context, retired []*tracker.Tracker) {
	for _, t := range retired {
		if t == nil {
			continue
		}
		if err := t.Close(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Closing tracker failed", log.String("document", t.DocumentID()), log.Error(err))
		}
	}
}

func (s *Store) queueLocked(change bus.PropertyChange) {
	s.pending = append(s.pending, change)
}

// flush publishes queued property changes outside the lock.
func (s *Store) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, change := range pending {
		if err := bus.PublishChange(s.bus, "", "store", change); err != nil {
			s.logger.Warn("Property observer failed", log.String("property", string(change.Property)), log.Error(err))
		}
	}
}

func documentIDs(list []*model.Document) []string {
	return sequence.Map(list, func(doc *model.Document) string { return doc.ID })
}
