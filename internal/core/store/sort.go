package store

import (
	"context"
	"slices"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/zeusync/decksync/internal/core/events/bus"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
)

// SortType orders the document list.
type SortType string

const (
	SortLastViewed SortType = "lastViewed"
	SortName       SortType = "name"
	SortCreated    SortType = "created"
)

func (t SortType) Valid() bool {
	switch t {
	case SortLastViewed, SortName, SortCreated:
		return true
	}
	return false
}

// SortTypes lists the available orderings.
func SortTypes() []SortType {
	return []SortType{SortName, SortLastViewed, SortCreated}
}

// newCollator compares titles the way people read them: "Deck 2" before
// "Deck 10", case and accents ignored.
func newCollator(tag language.Tag) *collate.Collator {
	return collate.New(tag, collate.Numeric, collate.Loose)
}

func (s *Store) SortType() SortType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortType
}

// SetSortType re-sorts the list and stores the choice in the preferences.
func (s *Store) SetSortType(ctx context.Context, t SortType) error {
	if !t.Valid() {
		return ErrInvalidSortType
	}
	s.mu.Lock()
	old := s.sortType
	if old == t {
		s.mu.Unlock()
		return nil
	}
	s.sortType = t
	s.resortLocked()
	s.queueLocked(bus.PropertyChange{Property: bus.PropertySortType, Old: old, New: t})
	s.mu.Unlock()
	s.flush()

	return s.prefs.Set(ctx, PrefSortType, string(t))
}

// loadPreferences restores the sort type and the last explicit selection.
// Unknown sort values fall back to last-viewed.
func (s *Store) loadPreferences(ctx context.Context) {
	var stored string
	sortType := SortLastViewed
	if ok, err := s.prefs.Get(ctx, PrefSortType, &stored); err != nil {
		s.logger.Warn("Reading sort preference failed", log.Error(err))
	} else if ok && SortType(stored).Valid() {
		sortType = SortType(stored)
	}

	var selected string
	if _, err := s.prefs.Get(ctx, PrefActiveDocument, &selected); err != nil {
		s.logger.Warn("Reading active document preference failed", log.Error(err))
	}

	s.mu.Lock()
	if s.sortType != sortType {
		s.sortType = sortType
		s.resortLocked()
	}
	s.selectedID = selected
	s.mu.Unlock()
	s.flush()
}

func (s *Store) resortLocked() {
	sorted := append([]*model.Document(nil), s.documents...)
	s.sortLocked(sorted)
	previous := documentIDs(s.documents)
	s.documents = sorted
	if current := documentIDs(sorted); !slices.Equal(previous, current) {
		s.queueLocked(bus.PropertyChange{Property: bus.PropertyDocuments, Old: previous, New: current})
	}
}

func (s *Store) sortLocked(docs []*model.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return s.lessLocked(docs[i], docs[j])
	})
}

// lessLocked orders by the selected key, newest dates first, then by id.
// Missing dates sort as the oldest.
func (s *Store) lessLocked(a, b *model.Document) bool {
	switch s.sortType {
	case SortName:
		if c := s.collator.CompareString(a.Title, b.Title); c != 0 {
			return c < 0
		}
	case SortCreated:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
	default:
		if !a.LastViewed.Equal(b.LastViewed) {
			return a.LastViewed.After(b.LastViewed)
		}
	}
	return a.ID < b.ID
}
