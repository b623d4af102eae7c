package server

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/record"
)

// recordStore keeps every account's records in memory.
type recordStore struct {
	mu      sync.RWMutex
	records map[string]*record.Record
}

func newRecordStore() *recordStore {
	return &recordStore{records: make(map[string]*record.Record)}
}

// post stores records on behalf of account and returns one result per record
// plus the stored copies that changed, for realtime fan-out. Incoming
// properties overwrite stored ones; the last writer wins.
func (s *recordStore) post(account string, records []*record.Record, now time.Time, uploaded func(string) bool) ([]record.Result, []*record.Record) {
	stamp := record.FormatTimestamp(now)
	results := make([]record.Result, len(records))
	var changed []*record.Record

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, in := range records {
		if in == nil || in.ID == "" || in.Collection == "" {
			results[i] = failure(ErrInvalidRecord)
			continue
		}
		if err := in.Normalize(); err != nil {
			results[i] = failure(err)
			continue
		}
		stored, ok := s.records[in.ID]
		if ok && stored.OwnerUserID != account {
			results[i] = failure(ErrForbidden)
			continue
		}
		if !ok {
			stored = record.New(in.Collection, in.ID)
			stored.OwnerUserID = account
			stored.CreatedAt = stamp
		}
		stored.Collection = in.Collection
		stored.ParentID = in.ParentID
		stored.DocumentID = in.DocumentID
		stored.PresentationID = in.PresentationID
		stored.Deleted = in.Deleted
		if in.SchemaVersion != 0 {
			stored.SchemaVersion = in.SchemaVersion
		}
		for key, p := range in.Properties {
			if p == nil {
				continue
			}
			cp := *p
			cp.ServerUpdatedTime = stamp
			stored.Properties[key] = &cp
			if strings.HasSuffix(key, "AssetFingerprint") {
				if fp := stored.DecodeString(key, ""); fp != "" {
					stored.AttachAssetReference(&record.AssetReference{Fingerprint: fp, Uploaded: uploaded(fp)})
				}
			}
		}
		stored.UpdatedAt = stamp
		stored.Version++
		s.records[in.ID] = stored

		out := stored.Clone()
		results[i] = record.Result{Status: record.Status{Success: true}, Record: out}
		changed = append(changed, out)
	}
	return results, changed
}

func failure(err error) record.Result {
	return record.Result{Status: record.Status{Success: false, ErrorMessage: err.Error()}}
}

// query resolves a locator to the account's records, the addressed record
// first and the rest ordered by collection sort key then id:
//
//	pagePresentations                           every document
//	pagePresentations/{doc}                     one document
//	pagePresentations/{doc}/full                the document and everything in it
//	pagePresentations/{doc}/pages/{slide}/full  one slide and its children
func (s *recordStore) query(account, locator string, includeDeleted bool) ([]*record.Record, error) {
	parts := strings.Split(strings.Trim(locator, "/"), "/")
	if len(parts) == 0 || parts[0] != endpoint.PresentationsLocator {
		return nil, ErrUnknownLocator
	}

	var match func(*record.Record) bool
	var head string
	switch {
	case len(parts) == 1:
		match = func(r *record.Record) bool { return r.Collection.IsPresentation() }
	case len(parts) == 2:
		head = parts[1]
		match = func(r *record.Record) bool { return r.ID == head }
	case len(parts) == 3 && parts[2] == "full":
		head = parts[1]
		match = func(r *record.Record) bool { return r.ID == head || r.DocumentID == head }
	case len(parts) == 5 && parts[2] == "pages" && parts[4] == "full":
		doc := parts[1]
		head = parts[3]
		match = func(r *record.Record) bool {
			return r.ID == head || (r.ParentID == head && (r.DocumentID == doc || r.DocumentID == ""))
		}
	default:
		return nil, ErrUnknownLocator
	}

	s.mu.RLock()
	var out []*record.Record
	for _, r := range s.records {
		if r.OwnerUserID != account || !match(r) {
			continue
		}
		if !includeDeleted && r.IsDeleted() {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ID == head) != (b.ID == head) {
			return a.ID == head
		}
		if a.CollectionSortKey != b.CollectionSortKey {
			return a.CollectionSortKey < b.CollectionSortKey
		}
		return a.ID < b.ID
	})
	return out, nil
}

// tree returns a document and everything in it regardless of owner. It backs
// imports, where the export id is the exported document's id.
func (s *recordStore) tree(documentID string) []*record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*record.Record
	for _, r := range s.records {
		if r.IsDeleted() {
			continue
		}
		if r.ID == documentID || r.DocumentID == documentID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].ID == documentID) != (out[j].ID == documentID) {
			return out[i].ID == documentID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// markUploaded flags every reference to fingerprint as uploaded.
func (s *recordStore) markUploaded(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if ref := r.AssetReference(fingerprint); ref != nil {
			ref.Uploaded = true
		}
	}
}
