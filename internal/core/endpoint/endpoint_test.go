package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/decksync/internal/core/assets"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/record"
)

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestNewPresentationRecord(t *testing.T) {
	r, err := NewPresentationRecord(CreateRequest{ID: "doc", Name: "Pitch", Type: model.DocumentScratchpad}, "acct", now)
	require.NoError(t, err)

	assert.Equal(t, record.CollectionPresentation, r.Collection)
	assert.Equal(t, "doc", r.ParentID)
	assert.Equal(t, "acct", r.OwnerUserID)
	assert.Equal(t, "Pitch", r.DecodeString("name", ""))
	assert.Equal(t, "scratchpad", r.Type())
	assert.Equal(t, now, r.DecodeTime("lastViewed"))

	generic, err := NewPresentationRecord(CreateRequest{ID: "g", Name: "G"}, "acct", now)
	require.NoError(t, err)
	assert.False(t, generic.Has("type"))
}

func TestLocalOnlyEchoesPosts(t *testing.T) {
	ctx := context.Background()
	ep := NewLocalOnly()
	ep.now = func() time.Time { return now }

	media := record.New(record.CollectionMedia, "m1")
	_, err := media.Encode(record.AssetPropertyKey("content"), "fp", now)
	require.NoError(t, err)

	stored, err := PostRecords(ctx, ep, []*record.Record{media})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, record.FormatTimestamp(now), stored[0].UpdatedAt)

	ref := stored[0].AssetReference("fp")
	require.NotNil(t, ref)
	assert.True(t, ref.Uploaded)
	assert.Empty(t, media.AssetReferences, "the posted record is not modified")
}

func TestLocalOnlyCommitsAssetsWithoutUpload(t *testing.T) {
	ctx := context.Background()
	ep := NewLocalOnly()
	pipeline := assets.New(ep)

	obj := model.NewMediaObject("m1", model.KindImage)
	obj.SetAsset(model.RoleContent, []byte("pixels"), "image/png")
	blobs := pipeline.Prepare(obj)

	r := obj.NewRecord("doc")
	require.NoError(t, obj.EncodeToRecord(r, now))

	stored, err := pipeline.Commit(ctx, []*record.Record{r}, blobs, Poster(ep), nil)
	require.NoError(t, err)
	assert.True(t, stored[0].AssetReference(assets.Fingerprint([]byte("pixels"))).Uploaded)
}

func TestLocalOnlyRefusesAccountOperations(t *testing.T) {
	ep := NewLocalOnly()
	assert.False(t, ep.IsAuthenticated())

	_, err := ep.GetSyncSubscriptionInfo(context.Background())
	assert.ErrorIs(t, err, ErrLocalOnly)
	_, err = ep.ImportExportedObject(context.Background(), "export", "doc")
	assert.ErrorIs(t, err, ErrLocalOnly)
}

type rejectingEndpoint struct {
	*LocalOnly
}

func (rejectingEndpoint) PostSyncRecords(_ context.Context, records []*record.Record) ([]record.Result, error) {
	results := make([]record.Result, len(records))
	for i := range records {
		results[i] = record.Result{Status: record.Status{Success: i == 0, ErrorMessage: "conflict"}}
	}
	return results, nil
}

func TestPostRecordsReportsRejections(t *testing.T) {
	ep := rejectingEndpoint{NewLocalOnly()}
	_, err := PostRecords(context.Background(), ep, []*record.Record{
		record.New(record.CollectionSlide, "ok"),
		record.New(record.CollectionSlide, "bad"),
	})
	var batchErr *record.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, map[string]string{"bad": "conflict"}, batchErr.Failed)
	assert.ErrorIs(t, err, record.ErrRecordRejected)
}
