// Package cache persists last-known-good collections so the client can start
// offline. Entries are JSON arrays of cache-encoded records.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/observability/metrics"
	"github.com/zeusync/decksync/internal/core/record"
	"github.com/zeusync/decksync/pkg/generic"
)

// buffers back cache writes; backends copy what they keep.
var buffers = generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)

// Key is a logical cache path.
type Key string

const (
	KeyPresentations Key = "/presentations/list.json"
	KeyVideos        Key = "/videos/list.json"
	KeyCustomRooms   Key = "rooms/custom.json"
	KeyCatalogRooms  Key = "rooms/catalog.json"
	KeyInterviews    Key = "/interviews/list.json"
	KeyPreferences   Key = "preferences.json"
)

// Store is the local cache.
type Store struct {
	backend Backend
	logger  log.Log
	metrics *metrics.Metrics

	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

type Option func(*Store)

func WithLogger(logger log.Log) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, logger: log.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(log.String("component", "cache"))
	return s
}

// Records loads the entry at key. A missing entry yields nil without error.
func (s *Store) Records(ctx context.Context, key Key) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, key)
}

// SetRecords replaces the entry at key. A nil slice deletes it.
func (s *Store) SetRecords(ctx context.Context, key Key, records []*record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(ctx, key, records)
}

func (s *Store) Presentations(ctx context.Context) ([]*record.Record, error) {
	return s.Records(ctx, KeyPresentations)
}

func (s *Store) SetPresentations(ctx context.Context, records []*record.Record) error {
	return s.SetRecords(ctx, KeyPresentations, records)
}

func (s *Store) CustomRooms(ctx context.Context) ([]*record.Record, error) {
	return s.Records(ctx, KeyCustomRooms)
}

func (s *Store) SetCustomRooms(ctx context.Context, records []*record.Record) error {
	return s.SetRecords(ctx, KeyCustomRooms, records)
}

func (s *Store) CatalogRooms(ctx context.Context) ([]*record.Record, error) {
	return s.Records(ctx, KeyCatalogRooms)
}

func (s *Store) SetCatalogRooms(ctx context.Context, records []*record.Record) error {
	return s.SetRecords(ctx, KeyCatalogRooms, records)
}

func (s *Store) Videos(ctx context.Context) ([]*record.Record, error) {
	return s.Records(ctx, KeyVideos)
}

func (s *Store) SetVideos(ctx context.Context, records []*record.Record) error {
	return s.SetRecords(ctx, KeyVideos, records)
}

func (s *Store) Interviews(ctx context.Context) ([]*record.Record, error) {
	return s.Records(ctx, KeyInterviews)
}

func (s *Store) SetInterviews(ctx context.Context, records []*record.Record) error {
	return s.SetRecords(ctx, KeyInterviews, records)
}

// MergeRecords applies deltas to the entry at key: unchanged entries are
// skipped, stale ones replaced, deleted ones dropped. It reports whether the
// entry was rewritten.
func (s *Store) MergeRecords(ctx context.Context, key Key, deltas []*record.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx, key)
	if err != nil {
		s.logger.Warn("Discarding unreadable cache entry", log.String("key", string(key)), log.Error(err))
		entries = nil
	}

	changed := false
	for _, delta := range deltas {
		deleted := delta.IsDeleted()
		idx := indexOf(entries, delta.ID)

		if idx >= 0 && !deleted {
			same, err := sameEncoding(entries[idx], delta)
			if err != nil {
				return false, err
			}
			if same {
				continue
			}
		}
		if idx >= 0 {
			entries = append(entries[:idx:idx], entries[idx+1:]...)
			changed = true
		}
		if !deleted {
			entries = append(entries, delta.Clone())
			changed = true
		}
	}

	if !changed {
		return false, nil
	}
	if entries == nil {
		entries = []*record.Record{}
	}
	return true, s.store(ctx, key, entries)
}

// UpdateAssetURL rewrites the presigned URL of every cached reference to
// fingerprint.
func (s *Store) UpdateAssetURL(ctx context.Context, key Key, fingerprint, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(ctx, key)
	if err != nil || entries == nil {
		return false, err
	}
	changed := false
	for _, r := range entries {
		if ref := r.AssetReference(fingerprint); ref != nil && ref.PresignedDownloadURL != url {
			ref.PresignedDownloadURL = url
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	return true, s.store(ctx, key, entries)
}

func (s *Store) load(ctx context.Context, key Key) ([]*record.Record, error) {
	data, err := s.backend.Get(ctx, string(key))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%s: %v", key, err)
	}
	out := make([]*record.Record, 0, len(raw))
	for _, item := range raw {
		r, err := record.Unmarshal(item)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "%s: %v", key, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) store(ctx context.Context, key Key, records []*record.Record) error {
	if records == nil {
		return s.backend.Delete(ctx, string(key))
	}
	buf := buffers.Get()
	defer buffers.Put(buf)
	buf.WriteByte('[')
	for i, r := range records {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := r.MarshalCache()
		if err != nil {
			return errors.Wrapf(err, "encode cache %s", key)
		}
		buf.Write(data)
	}
	buf.WriteByte(']')

	if err := s.backend.Put(ctx, string(key), buf.Bytes()); err != nil {
		return err
	}
	s.metrics.ObserveCacheWrite(string(key))
	return nil
}

func indexOf(records []*record.Record, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func sameEncoding(a, b *record.Record) (bool, error) {
	ea, err := a.MarshalCache()
	if err != nil {
		return false, err
	}
	eb, err := b.MarshalCache()
	if err != nil {
		return false, err
	}
	return bytes.Equal(ea, eb), nil
}
