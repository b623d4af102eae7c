package assets

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/record"
)

type fakeUploader struct {
	mu        sync.Mutex
	partSize  int64
	initiated []string
	parts     map[string][][]byte
	completed []string
	opened    []string
	stored    map[string]bool
	failPart  bool
	blockPart chan struct{}
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{partSize: 4, parts: map[string][][]byte{}, stored: map[string]bool{}}
}

func (f *fakeUploader) InitiateUpload(_ context.Context, ref *record.AssetReference) (*UploadPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated = append(f.initiated, ref.Fingerprint)
	plan := &UploadPlan{Fingerprint: ref.Fingerprint, CompleteUploadURL: "complete/" + ref.Fingerprint}
	if f.stored[ref.Fingerprint] {
		return plan, nil
	}
	for start, n := int64(0), 1; start < ref.Size; start, n = start+f.partSize, n+1 {
		plan.Parts = append(plan.Parts, UploadPart{
			Number:          n,
			ByteRangeStart:  start,
			ByteRangeLength: min(f.partSize, ref.Size-start),
			URL:             fmt.Sprintf("part/%s/%d", ref.Fingerprint, n),
		})
	}
	return plan, nil
}

func (f *fakeUploader) UploadPart(ctx context.Context, part UploadPart, data []byte) (string, error) {
	if f.blockPart != nil {
		select {
		case <-f.blockPart:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPart {
		return "", fmt.Errorf("storage unavailable")
	}
	f.parts[part.URL] = append(f.parts[part.URL], append([]byte(nil), data...))
	return fmt.Sprintf("etag-%d", part.Number), nil
}

func (f *fakeUploader) CompleteUpload(_ context.Context, plan *UploadPlan, etags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, etag := range etags {
		if etag == "" {
			return fmt.Errorf("missing etag")
		}
	}
	f.completed = append(f.completed, plan.Fingerprint)
	f.stored[plan.Fingerprint] = true
	return nil
}

func (f *fakeUploader) PresignedDownloadURL(_ context.Context, fp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, fp)
	return "https://cdn.example/" + fp, nil
}

func (f *fakeUploader) partCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, calls := range f.parts {
		n += len(calls)
	}
	return n
}

// echo stores records the way the record service does: assets arrive with a
// bare fingerprint property and no attached reference.
func echo(calls *int) PostFunc {
	return func(_ context.Context, records []*record.Record) ([]*record.Record, error) {
		*calls++
		out := make([]*record.Record, len(records))
		for i, r := range records {
			out[i] = r.Wire()
		}
		return out, nil
	}
}

func imageObject(t *testing.T, id string, data []byte) *model.MediaObject {
	t.Helper()
	obj := model.NewMediaObject(id, model.KindImage)
	obj.SlideID = "slide-1"
	obj.SetAsset(model.RoleContent, data, "image/png")
	return obj
}

func encode(t *testing.T, objects ...*model.MediaObject) []*record.Record {
	t.Helper()
	out := make([]*record.Record, 0, len(objects))
	for _, obj := range objects {
		r := obj.NewRecord("doc-1")
		require.NoError(t, obj.EncodeToRecord(r, time.Now()))
		out = append(out, r)
	}
	return out
}

func TestFingerprintIsDeterministic(t *testing.T) {
	assert.Equal(t, Fingerprint([]byte("abc")), Fingerprint([]byte("abc")))
	assert.NotEqual(t, Fingerprint([]byte("abc")), Fingerprint([]byte("abd")))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Fingerprint([]byte("abc")))
}

func TestSameBytesUploadOnce(t *testing.T) {
	ctx := context.Background()
	uploader := newFakeUploader()
	p := New(uploader)

	payload := []byte("identical")
	a := imageObject(t, "a", payload)
	b := imageObject(t, "b", payload)

	blobs := p.Prepare(a, b)
	require.Len(t, blobs, 1)

	posts := 0
	stored, err := p.Commit(ctx, encode(t, a, b), blobs, echo(&posts), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, posts)

	fp := Fingerprint(payload)
	assert.Equal(t, []string{fp}, uploader.initiated)
	assert.Equal(t, 3, uploader.partCalls(), "9 bytes in 4 byte parts")
	assert.Equal(t, []string{fp}, uploader.completed)

	for _, r := range stored {
		ref := r.AssetReference(fp)
		require.NotNil(t, ref, r.ID)
		assert.True(t, ref.Uploaded)
		assert.Equal(t, "https://cdn.example/"+fp, ref.PresignedDownloadURL)
	}
	assert.True(t, p.Known(fp))
}

func TestKnownFingerprintIsNotUploaded(t *testing.T) {
	ctx := context.Background()
	uploader := newFakeUploader()
	p := New(uploader)

	payload := []byte("already there")
	fp := Fingerprint(payload)
	seen := record.New(record.CollectionMedia, "old")
	seen.AttachAssetReference(&record.AssetReference{Fingerprint: fp, Uploaded: true})
	p.Observe(seen)

	obj := imageObject(t, "new", payload)
	blobs := p.Prepare(obj)
	assert.Empty(t, blobs)
	assert.True(t, obj.Assets[model.RoleContent].Ref.Uploaded)

	posts := 0
	records := encode(t, obj)
	// The service attaches its own reference for known assets.
	reply := func(ctx context.Context, rs []*record.Record) ([]*record.Record, error) {
		out, err := echo(&posts)(ctx, rs)
		for _, r := range out {
			r.AttachAssetReference(&record.AssetReference{Fingerprint: fp, Uploaded: true})
		}
		return out, err
	}
	stored, err := p.Commit(ctx, records, blobs, reply, nil)
	require.NoError(t, err)

	assert.Empty(t, uploader.initiated)
	assert.Zero(t, uploader.partCalls())
	assert.Equal(t, []string{fp}, uploader.opened, "uploaded assets are opened, not sent")
	assert.Equal(t, "https://cdn.example/"+fp, stored[0].AssetReference(fp).PresignedDownloadURL)
}

func TestAbortBeforePostCommitsNothing(t *testing.T) {
	uploader := newFakeUploader()
	p := New(uploader)
	obj := imageObject(t, "a", []byte("bytes"))
	blobs := p.Prepare(obj)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	posts := 0
	stored, err := p.Commit(ctx, encode(t, obj), blobs, echo(&posts), nil)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Nil(t, stored)
	assert.Zero(t, posts)
	assert.Empty(t, uploader.initiated)
}

func TestAbortDuringUploadReturnsStoredRecords(t *testing.T) {
	uploader := newFakeUploader()
	uploader.blockPart = make(chan struct{})
	p := New(uploader)
	obj := imageObject(t, "a", []byte("some bytes"))
	blobs := p.Prepare(obj)

	ctx, cancel := context.WithCancel(context.Background())
	posts := 0
	post := func(c context.Context, rs []*record.Record) ([]*record.Record, error) {
		out, err := echo(&posts)(c, rs)
		cancel()
		return out, err
	}

	stored, err := p.Commit(ctx, encode(t, obj), blobs, post, nil)
	assert.ErrorIs(t, err, ErrAborted)
	require.Len(t, stored, 1, "records were created and must be undone by the caller")
	assert.Empty(t, uploader.completed)
	assert.False(t, p.Known(Fingerprint([]byte("some bytes"))))
}

func TestUploadFailureIsReported(t *testing.T) {
	uploader := newFakeUploader()
	uploader.failPart = true
	p := New(uploader)
	obj := imageObject(t, "a", []byte("bytes"))

	posts := 0
	_, err := p.Commit(context.Background(), encode(t, obj), p.Prepare(obj), echo(&posts), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAborted)
	assert.Empty(t, uploader.completed)
}

func TestServiceHoldingBytesSkipsParts(t *testing.T) {
	uploader := newFakeUploader()
	payload := []byte("shared across accounts")
	uploader.stored[Fingerprint(payload)] = true
	p := New(uploader)
	obj := imageObject(t, "a", payload)

	posts := 0
	stored, err := p.Commit(context.Background(), encode(t, obj), p.Prepare(obj), echo(&posts), nil)
	require.NoError(t, err)
	assert.Zero(t, uploader.partCalls())
	assert.True(t, stored[0].AssetReference(Fingerprint(payload)).Uploaded)
}

func TestProgressReachesTotal(t *testing.T) {
	uploader := newFakeUploader()
	p := New(uploader)
	payload := []byte("0123456789")
	obj := imageObject(t, "a", payload)

	var mu sync.Mutex
	var last, total int64
	progress := func(done, of int64) {
		mu.Lock()
		defer mu.Unlock()
		last, total = done, of
	}
	posts := 0
	_, err := p.Commit(context.Background(), encode(t, obj), p.Prepare(obj), echo(&posts), progress)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), total)
	assert.Equal(t, total, last)
}

func TestPartOutOfRange(t *testing.T) {
	p := New(newFakeUploader())
	blob := &Blob{Fingerprint: "fp", Data: []byte("abc")}
	bad := &rangeUploader{fakeUploader: newFakeUploader()}
	err := p.upload(context.Background(), bad, blob, newProgress(3, nil))
	assert.ErrorIs(t, err, ErrPartOutOfRange)
}

type rangeUploader struct {
	*fakeUploader
}

func (r *rangeUploader) InitiateUpload(context.Context, *record.AssetReference) (*UploadPlan, error) {
	return &UploadPlan{Fingerprint: "fp", Parts: []UploadPart{{Number: 1, ByteRangeStart: 2, ByteRangeLength: 5}}}, nil
}

func TestSetUploaderForgetsFingerprints(t *testing.T) {
	p := New(newFakeUploader())
	r := record.New(record.CollectionMedia, "m")
	r.AttachAssetReference(&record.AssetReference{Fingerprint: "fp", Uploaded: true})
	p.Observe(r)
	require.True(t, p.Known("fp"))

	p.SetUploader(newFakeUploader())
	assert.False(t, p.Known("fp"))
}
