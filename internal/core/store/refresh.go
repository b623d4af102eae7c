package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/record"
	"github.com/zeusync/decksync/internal/core/tracker"
	"github.com/zeusync/decksync/pkg/sequence"
)

// Initialize applies the cached list of the signed-in account, refreshes it
// from the service and starts the realtime channel. An unreadable cache is
// ignored. The returned error is the refresh failure, if any; local state is
// usable either way.
func (s *Store) Initialize(ctx context.Context) error {
	s.loadPreferences(ctx)

	s.mu.Lock()
	ep, accountID, rt := s.ep, s.lastAccountID, s.realtime
	s.mu.Unlock()

	if accountID == "" {
		if err := s.cache.SetPresentations(ctx, nil); err != nil {
			s.logger.Warn("Clearing document cache failed", log.Error(err))
		}
	} else {
		cached, err := s.cache.Presentations(ctx)
		if err != nil {
			s.logger.Warn("Ignoring unreadable document cache", log.Error(err))
		}
		if cached != nil {
			owned := sequence.Filter(cached, func(r *record.Record) bool {
				return r.OwnerUserID == accountID
			})
			if err := s.ProcessListUpdate(ctx, owned, true); err != nil {
				s.logger.Warn("Applying cached documents failed", log.Error(err))
			}
		}
	}

	refreshErr := s.Refresh(ctx, false)
	if rt != nil && accountID != "" {
		s.startRealtime(ctx, rt, ep)
	}
	return refreshErr
}

// Refresh fetches the authoritative list. Only one refresh runs at a time.
// A call made while one is in flight returns nil without doing anything; a
// forced call is queued and run, forced, when the current one finishes.
//
// When the fetch fails the existing list is kept, unless clearExisting was
// set: then the store still converges to an empty list with a scratchpad.
func (s *Store) Refresh(ctx context.Context, clearExisting bool) error {
	s.mu.Lock()
	if s.refreshing {
		s.forceQueued = s.forceQueued || clearExisting
		s.mu.Unlock()
		s.logger.Debug("Refresh already in flight", log.Bool("forced", clearExisting))
		return nil
	}
	s.refreshing = true
	s.mu.Unlock()

	for {
		err := s.refresh(ctx, clearExisting)

		s.mu.Lock()
		if !s.forceQueued {
			s.refreshing = false
			s.mu.Unlock()
			return err
		}
		s.forceQueued = false
		s.mu.Unlock()
		s.logger.Debug("Running queued forced refresh")
		clearExisting = true
	}
}

func (s *Store) refresh(ctx context.Context, clearExisting bool) error {
	s.mu.Lock()
	ep, gen := s.ep, s.generation
	var retired []*tracker.Tracker
	if clearExisting {
		retired = s.setDocumentsLocked(nil)
	}
	s.mu.Unlock()
	if clearExisting {
		s.logger.Info("Clearing existing documents")
		s.flush()
		s.closeTrackers(ctx, retired)
	}

	var records []*record.Record
	var listErr error
	if ep.IsAuthenticated() {
		records, listErr = ep.ListPresentations(ctx)
		s.metrics.ObserveRefresh(listErr == nil)
		if s.stale(gen) {
			s.logger.Info("Dropping document list of a previous account", log.String("account", accountOf(ep)))
			return nil
		}
		if listErr != nil {
			s.logger.Error("Listing documents failed", log.Bool("forced", clearExisting), log.Error(listErr))
			if !clearExisting {
				return errors.Wrap(listErr, "refresh documents")
			}
			records = nil
		} else if records != nil {
			if err := s.cache.SetPresentations(ctx, records); err != nil {
				s.logger.Warn("Caching documents failed", log.Error(err))
			}
		}
	}

	err := s.processList(ctx, gen, records, listErr == nil)
	if listErr != nil {
		return errors.Wrap(listErr, "refresh documents")
	}
	return err
}

// stale reports whether the account changed since gen was read.
func (s *Store) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation != gen
}

// ProcessListUpdate reconciles records with the in-memory documents. Known
// documents are updated in place; scratchpad-kind records only feed scratchpad
// resolution; hidden and trashed records are dropped. Unless the list came from
// the cache, a scratchpad the service does not know yet is created there.
func (s *Store) ProcessListUpdate(ctx context.Context, records []*record.Record, fromCache bool) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.processList(ctx, gen, records, !fromCache)
}

func (s *Store) processList(ctx context.Context, gen uint64, records []*record.Record, ensureRemote bool) error {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Debug("Ignoring document list of a previous account", log.Int("records", len(records)))
		return nil
	}
	ep := s.ep
	accountID := accountOf(ep)
	var retired []*tracker.Tracker
	if t := s.ensureScratchpadKindLocked(ep); t != nil {
		retired = append(retired, t)
	}

	var current []*model.Document
	var scratchpads []*record.Record
	for _, r := range records {
		if accountID != "" && r.ID == accountID {
			// Legacy shadow document keyed by the account id.
			continue
		}
		if r.Collection != record.CollectionPresentation {
			s.logger.Debug("Ignoring listed record", log.String("collection", string(r.Collection)), log.String("id", r.ID))
			continue
		}
		typ := model.DocumentType(r.Type())
		if typ.IsScratchpad() {
			scratchpads = append(scratchpads, r)
			continue
		}
		if r.Hidden() || r.IsDeleted() {
			continue
		}
		doc := s.listedLocked(r.ID)
		if doc != nil && doc.Type == typ {
			doc.DecodeFromRecord(r)
		} else {
			doc = model.NewDocumentFromRecord(r)
		}
		current = append(current, doc)
	}

	if chosen := ResolveScratchpad(scratchpads); chosen != nil {
		if len(scratchpads) > 1 {
			s.logger.Warn("Found multiple scratchpads", log.Int("count", len(scratchpads)), log.String("chosen", chosen.ID))
		}
		if t := s.adoptScratchpadLocked(chosen); t != nil {
			retired = append(retired, t)
		}
	}
	retired = append(retired, s.setDocumentsLocked(current)...)

	scratchpad := s.scratchpad
	create := ensureRemote && ep.IsAuthenticated() && !s.scratchpadStored && s.creating != scratchpad
	if create {
		s.creating = scratchpad
	}
	s.mu.Unlock()
	s.flush()
	s.closeTrackers(ctx, retired)

	if !create {
		return nil
	}
	return s.createScratchpad(ctx, ep, scratchpad)
}

// ResolveScratchpad picks the scratchpad record with the latest updatedAt,
// the lowest id on a tie. The others are left alone.
func ResolveScratchpad(records []*record.Record) *record.Record {
	var best *record.Record
	for _, r := range records {
		if best == nil {
			best = r
			continue
		}
		bu, ru := best.Updated(), r.Updated()
		if ru.After(bu) || (ru.Equal(bu) && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

func (s *Store) listedLocked(id string) *model.Document {
	if idx := s.indexLocked(id); idx >= 0 {
		return s.documents[idx]
	}
	return nil
}

// ensureScratchpadKindLocked swaps the scratchpad when it does not match the
// endpoint: signed-in accounts get a service scratchpad, signed-out sessions
// a local-only one.
func (s *Store) ensureScratchpadKindLocked(ep endpoint.Endpoint) *tracker.Tracker {
	want := model.DocumentShadow
	if ep.IsAuthenticated() {
		want = model.DocumentScratchpad
	}
	if s.scratchpad != nil && s.scratchpad.Type == want {
		return nil
	}
	return s.replaceScratchpadLocked(s.newScratchpadLocked(ep))
}

// adoptScratchpadLocked binds the scratchpad to its service record, keeping
// the scratchpad's identity.
func (s *Store) adoptScratchpadLocked(r *record.Record) *tracker.Tracker {
	sp := s.scratchpad
	var retired *tracker.Tracker
	if sp.ID != r.ID {
		retired = s.retireTrackerLocked(sp.ID)
		old := sp.ID
		sp.ID = r.ID
		s.queueScratchpadLocked(old, sp.ID)
	}
	sp.DecodeFromRecord(r)
	s.scratchpadStored = true
	return retired
}

func (s *Store) createScratchpad(ctx context.Context, ep endpoint.Endpoint, sp *model.Document) error {
	r, err := ep.CreateNewPresentation(ctx, endpoint.CreateRequest{
		ID:         sp.ID,
		Type:       model.DocumentScratchpad,
		LastViewed: s.now(),
	})

	s.mu.Lock()
	if s.creating == sp {
		s.creating = nil
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("Creating scratchpad failed", log.String("document", sp.ID), log.Error(err))
		return errors.Wrap(err, "create scratchpad")
	}
	var retired *tracker.Tracker
	if s.scratchpad == sp && !s.scratchpadStored {
		retired = s.adoptScratchpadLocked(r)
	}
	s.mu.Unlock()
	s.flush()
	s.closeTrackers(ctx, []*tracker.Tracker{retired})
	s.logger.Debug("Created scratchpad", log.String("document", r.ID))
	return nil
}

// HandleAuthenticationChanged rebinds the store to ep. The same account only
// rebinds the open trackers. A different account invalidates the cached list,
// gets a fresh scratchpad and a forced refresh, and restarts realtime.
func (s *Store) HandleAuthenticationChanged(ctx context.Context, ep endpoint.Endpoint) error {
	if ep == nil {
		ep = endpoint.NewLocalOnly()
	}
	accountID := accountOf(ep)

	s.mu.Lock()
	s.ep = ep
	rt := s.realtime
	if accountID == s.lastAccountID {
		open := make([]*tracker.Tracker, 0, len(s.trackers))
		for _, t := range s.trackers {
			open = append(open, t)
		}
		s.mu.Unlock()

		for _, t := range open {
			t.SetEndpoint(ep)
		}
		if accountID == "" {
			s.clearCache(ctx)
		} else if rt != nil {
			rt.SetSource(ep)
		}
		s.logger.Debug("Rebound endpoint", log.String("account", accountID), log.Int("trackers", len(open)))
		return nil
	}

	previous := s.lastAccountID
	s.lastAccountID = accountID
	s.generation++
	retired := s.retireAllTrackersLocked()
	s.replaceScratchpadLocked(s.newScratchpadLocked(ep))
	s.lastSelected = nil
	s.selectedID = ""
	retired = append(retired, s.setDocumentsLocked(nil)...)
	s.mu.Unlock()
	s.flush()

	s.logger.Info("Account changed", log.String("previous_account", previous), log.String("account", accountID))
	s.closeTrackers(ctx, retired)
	s.clearCache(ctx)
	if err := s.prefs.Set(ctx, PrefActiveDocument, nil); err != nil {
		s.logger.Warn("Clearing active document preference failed", log.Error(err))
	}
	if rt != nil {
		rt.Stop()
	}

	err := s.Refresh(ctx, true)
	if rt != nil && accountID != "" {
		s.startRealtime(ctx, rt, ep)
	}
	return err
}

func (s *Store) clearCache(ctx context.Context) {
	if err := s.cache.SetPresentations(ctx, nil); err != nil {
		s.logger.Warn("Clearing document cache failed", log.Error(err))
	}
}

func (s *Store) startRealtime(ctx context.Context, rt Realtime, ep endpoint.Endpoint) {
	rt.SetSource(ep)
	if err := rt.Start(ctx); err != nil {
		s.logger.Warn("Starting realtime channel failed", log.Error(err))
	}
}
