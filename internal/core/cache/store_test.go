package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/decksync/internal/core/record"
)

var at = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func roomRecord(t *testing.T, id, name string, refs ...*record.AssetReference) *record.Record {
	t.Helper()
	r := record.New(record.CollectionRoom, id)
	_, err := r.Encode("name", name, at)
	require.NoError(t, err)
	for _, ref := range refs {
		_, err = r.EncodeAssetReference("content", ref, at)
		require.NoError(t, err)
	}
	return r
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	m, err := mr.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return map[string]Backend{
		"file":   NewFileBackend(t.TempDir()),
		"memory": NewMemoryBackend(),
		"redis":  NewRedisBackend(redis.NewClient(&redis.Options{Addr: m.Addr()}), "test:"),
	}
}

func TestSetAndGetRetainAssetReferences(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(backend)

			ref := &record.AssetReference{Fingerprint: "fp", Uploaded: true, PresignedDownloadURL: "https://cdn/fp"}
			require.NoError(t, s.SetCustomRooms(ctx, []*record.Record{roomRecord(t, "r1", "Beach", ref)}))

			got, err := s.CustomRooms(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Len(t, got[0].AssetReferences, 1)
			assert.Equal(t, "https://cdn/fp", got[0].AssetReferences[0].PresignedDownloadURL)
			assert.Equal(t, "Beach", got[0].DecodeString("name", ""))
		})
	}
}

func TestSetNilDeletes(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(backend)

			require.NoError(t, s.SetPresentations(ctx, []*record.Record{roomRecord(t, "p1", "Deck")}))
			require.NoError(t, s.SetPresentations(ctx, nil))

			got, err := s.Presentations(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)

			require.NoError(t, s.SetPresentations(ctx, nil), "deleting a missing entry is fine")
		})
	}
}

func TestMergeRecords(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	require.NoError(t, s.SetCustomRooms(ctx, []*record.Record{
		roomRecord(t, "a", "A"),
		roomRecord(t, "b", "B"),
	}))

	changed, err := s.MergeRecords(ctx, KeyCustomRooms, []*record.Record{roomRecord(t, "a", "A")})
	require.NoError(t, err)
	assert.False(t, changed, "identical delta is skipped")

	deleted := roomRecord(t, "b", "B")
	deleted.Deleted = true
	changed, err = s.MergeRecords(ctx, KeyCustomRooms, []*record.Record{
		roomRecord(t, "a", "A2"),
		deleted,
		roomRecord(t, "c", "C"),
	})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.CustomRooms(ctx)
	require.NoError(t, err)
	names := map[string]string{}
	for _, r := range got {
		names[r.ID] = r.DecodeString("name", "")
	}
	assert.Equal(t, map[string]string{"a": "A2", "c": "C"}, names)
}

func TestMergeTrashedDeltaRemoves(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	require.NoError(t, s.SetCustomRooms(ctx, []*record.Record{roomRecord(t, "a", "A")}))

	trashed := roomRecord(t, "a", "A")
	_, _ = trashed.Encode("trashed", true, at)
	changed, err := s.MergeRecords(ctx, KeyCustomRooms, []*record.Record{trashed})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.CustomRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got, "entry is rewritten as an empty list, not deleted")
}

func TestUpdateAssetURL(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend())
	ref := &record.AssetReference{Fingerprint: "fp", Uploaded: true, PresignedDownloadURL: "old"}
	require.NoError(t, s.SetCustomRooms(ctx, []*record.Record{roomRecord(t, "a", "A", ref)}))

	changed, err := s.UpdateAssetURL(ctx, KeyCustomRooms, "fp", "new")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.UpdateAssetURL(ctx, KeyCustomRooms, "fp", "new")
	require.NoError(t, err)
	assert.False(t, changed)

	got, _ := s.CustomRooms(ctx)
	assert.Equal(t, "new", got[0].AssetReferences[0].PresignedDownloadURL)
}

func TestCorruptEntryIsReported(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "presentations", "list.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := New(NewFileBackend(dir))
	_, err := s.Presentations(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileBackendRejectsEmptyKey(t *testing.T) {
	b := NewFileBackend(t.TempDir())
	_, err := b.Get(context.Background(), "/")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestFileBackendStaysBelowRoot(t *testing.T) {
	root := t.TempDir()
	b := NewFileBackend(root)
	require.NoError(t, b.Put(context.Background(), "../../escape.json", []byte("[]")))
	_, err := os.Stat(filepath.Join(root, "escape.json"))
	assert.NoError(t, err)
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	prefs := New(NewMemoryBackend()).Preferences()

	var sort int
	ok, err := prefs.Get(ctx, "presentationSort", &sort)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, prefs.Set(ctx, "presentationSort", 2))
	require.NoError(t, prefs.Set(ctx, "activePresentation", "doc-1"))
	ok, err = prefs.Get(ctx, "presentationSort", &sort)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, sort)

	require.NoError(t, prefs.Set(ctx, "activePresentation", nil))
	var active string
	ok, _ = prefs.Get(ctx, "activePresentation", &active)
	assert.False(t, ok)
}
