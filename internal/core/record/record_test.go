package record

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2024, 3, 9, 12, 30, 45, 987_000_000, time.UTC)

func sampleRecord(t *testing.T) *Record {
	t.Helper()
	r := New(CollectionMedia, "m1")
	r.ParentID = "s1"
	r.DocumentID = "d1"
	r.SchemaVersion = 1
	r.Version = 7
	r.CollectionSortKey = "abc"
	for k, v := range map[string]any{
		"type":   "image",
		"zIndex": 3,
		"scale":  0.5,
		"locked": true,
		"title":  "Hello",
	} {
		_, err := r.Encode(k, v, at)
		require.NoError(t, err)
	}
	_, err := r.EncodeAssetReference("content", &AssetReference{Fingerprint: "fp1", Uploaded: true, PresignedDownloadURL: "https://cdn/fp1"}, at)
	require.NoError(t, err)
	r.Properties["title"].ServerUpdatedTime = "2024-03-09T12:31:00Z"
	return r
}

func TestEncodeTimestampTruncatedToSecond(t *testing.T) {
	r := New(CollectionSlide, "s1")
	changed, err := r.Encode("name", "Intro", at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "2024-03-09T12:30:45Z", r.Properties["name"].ClientUpdatedTime)
}

func TestEncodeSkipsUnchangedAndUnknownNil(t *testing.T) {
	r := New(CollectionSlide, "s1")

	changed, err := r.Encode("name", nil, at)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, r.Has("name"))

	_, _ = r.Encode("name", "A", at)
	changed, _ = r.Encode("name", "A", at.Add(time.Minute))
	assert.False(t, changed)
	assert.Equal(t, "2024-03-09T12:30:45Z", r.Properties["name"].ClientUpdatedTime)

	changed, _ = r.Encode("meta", map[string]any{"a": 1.0}, at)
	assert.True(t, changed)
	changed, _ = r.Encode("meta", map[string]any{"a": 1}, at)
	assert.False(t, changed, "numerically equal JSON is unchanged")
}

func TestEncodeForcedWritesNull(t *testing.T) {
	r := New(CollectionPresentation, "p1")
	changed, err := r.EncodeForced("settings", nil, at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, r.Has("settings"))
	assert.Equal(t, "null", string(r.Properties["settings"].Value))
	assert.Equal(t, "fallback", r.DecodeString("settings", "fallback"))

	data, err := json.Marshal(r.Wire())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"settings":{"value":null`)
}

func TestDecodeFallsBackToDefaults(t *testing.T) {
	r := New(CollectionSlide, "s1")
	_, _ = r.Encode("count", "not a number", at)

	assert.Equal(t, 4, r.DecodeInt("count", 4))
	assert.Equal(t, "x", r.DecodeString("missing", "x"))
	assert.True(t, r.DecodeBool("missing", true))
	assert.Equal(t, 1.5, r.DecodeFloat("missing", 1.5))
	assert.True(t, r.DecodeTime("missing").IsZero())
	assert.Nil(t, r.DecodeMap("missing"))
	assert.Nil(t, r.DecodeSortKey("missing"))
}

func TestRoundTripCacheEncoding(t *testing.T) {
	r := sampleRecord(t)

	data, err := r.MarshalCache()
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, "image", decoded.DecodeString("type", ""))
	assert.Equal(t, 3, decoded.DecodeInt("zIndex", 0))
	assert.Equal(t, 0.5, decoded.DecodeFloat("scale", 0))
	assert.True(t, decoded.DecodeBool("locked", false))
	assert.Equal(t, "Hello", decoded.DecodeString("title", ""))
	assert.Equal(t, 7, decoded.Version)
	assert.Equal(t, "2024-03-09T12:31:00Z", decoded.Properties["title"].ServerUpdatedTime)

	ref := decoded.DecodeAssetReference("content")
	require.NotNil(t, ref)
	assert.True(t, ref.Uploaded)
	assert.Equal(t, "https://cdn/fp1", ref.PresignedDownloadURL)
	assert.Equal(t, r.ContentHash(), decoded.ContentHash())
}

func TestRoundTripWireEncoding(t *testing.T) {
	r := sampleRecord(t)

	data, err := json.Marshal(r.Wire())
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	for _, key := range []string{"type", "zIndex", "scale", "locked", "title", AssetPropertyKey("content")} {
		assert.JSONEq(t, string(r.Properties[key].Value), string(decoded.Properties[key].Value), key)
	}
	assert.Empty(t, decoded.AssetReferences)
	assert.Empty(t, decoded.CollectionSortKey)
	assert.Zero(t, decoded.Version)
	assert.Empty(t, decoded.Properties["title"].ServerUpdatedTime)

	ref := decoded.DecodeAssetReference("content")
	require.NotNil(t, ref)
	assert.Equal(t, "fp1", ref.Fingerprint)
	assert.False(t, ref.Uploaded)

	assert.NotEmpty(t, r.AssetReferences, "wire encoding must not mutate the source")
}

func TestNormalizeParsesPropertiesString(t *testing.T) {
	payload := `{"id":"p1","collection":"pagePresentation","propertiesString":"{\"name\":{\"value\":\"Deck\"}}"}`
	r, err := Unmarshal([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "Deck", r.DecodeString("name", ""))
	assert.Empty(t, r.PropertiesString)

	_, err = Unmarshal([]byte(`{"id":"p1","propertiesString":"{nope"}`))
	assert.Error(t, err)
}

func TestIsDeleted(t *testing.T) {
	r := New(CollectionSlide, "s1")
	assert.False(t, r.IsDeleted())
	_, _ = r.Encode("trashed", true, at)
	assert.True(t, r.IsDeleted())

	r2 := New(CollectionSlide, "s2")
	r2.Deleted = true
	assert.True(t, r2.IsDeleted())
}

func TestCheckResults(t *testing.T) {
	sent := []*Record{New(CollectionSlide, "a"), New(CollectionSlide, "b")}

	assert.NoError(t, CheckResults(sent, []Result{{Status: Status{Success: true}}, {Status: Status{Success: true}}}))
	assert.ErrorIs(t, CheckResults(sent, []Result{{Status: Status{Success: true}}}), ErrResultCountMismatch)

	err := CheckResults(sent, []Result{{Status: Status{Success: true}}, {Status: Status{ErrorMessage: "conflict"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordRejected)
	var batch *BatchError
	require.True(t, errors.As(err, &batch))
	assert.Equal(t, map[string]string{"b": "conflict"}, batch.Failed)
}

func TestContentHashIgnoresTimestamps(t *testing.T) {
	a := New(CollectionSlide, "s1")
	b := New(CollectionSlide, "s1")
	_, _ = a.Encode("name", "A", at)
	_, _ = b.Encode("name", "A", at.Add(time.Hour))
	assert.Equal(t, a.ContentHash(), b.ContentHash())

	_, _ = b.Encode("name", "B", at)
	assert.NotEqual(t, a.ContentHash(), b.ContentHash())
}
