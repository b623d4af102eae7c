// Package assets uploads the binary payloads of media objects. Payloads are
// content-addressed: a blob is identified by the SHA-256 of its bytes and is
// sent at most once per account.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/observability/metrics"
	"github.com/zeusync/decksync/internal/core/record"
	"github.com/zeusync/decksync/pkg/concurrent"
)

const fingerprintSuffix = "AssetFingerprint"

// Fingerprint is the content hash that names a blob on the service.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// UploadPart is one byte range of a multipart upload.
type UploadPart struct {
	Number          int    `json:"partNumber"`
	ByteRangeStart  int64  `json:"byteRangeStart"`
	ByteRangeLength int64  `json:"byteRangeLength"`
	URL             string `json:"url"`
}

// UploadPlan is returned when an upload is initiated. A plan without parts
// means the service already holds the bytes.
type UploadPlan struct {
	Fingerprint       string       `json:"fingerprint"`
	Parts             []UploadPart `json:"parts"`
	CompleteUploadURL string       `json:"completeUploadUrl"`
}

// Uploader is the asset side of the record service.
type Uploader interface {
	InitiateUpload(ctx context.Context, ref *record.AssetReference) (*UploadPlan, error)
	UploadPart(ctx context.Context, part UploadPart, data []byte) (etag string, err error)
	CompleteUpload(ctx context.Context, plan *UploadPlan, etags []string) error
	PresignedDownloadURL(ctx context.Context, fingerprint string) (string, error)
}

// Blob is a payload waiting to be uploaded.
type Blob struct {
	Fingerprint string
	ContentType string
	Data        []byte
}

// Blobs are keyed by fingerprint, so identical payloads collapse into one.
type Blobs map[string]*Blob

func (b Blobs) Size() int64 {
	var total int64
	for _, blob := range b {
		total += int64(len(blob.Data))
	}
	return total
}

// PostFunc sends records and returns them as stored by the service.
type PostFunc func(ctx context.Context, records []*record.Record) ([]*record.Record, error)

// Progress reports uploaded bytes against the total scheduled.
type Progress func(done, total int64)

type Config struct {
	// UploadsPerSecond throttles part uploads. Zero disables throttling.
	UploadsPerSecond float64
	UploadBurst      int
	// PartConcurrency bounds parallel part uploads per blob.
	PartConcurrency int
	// URLConcurrency bounds parallel presigned URL lookups.
	URLConcurrency int
}

func DefaultConfig() Config {
	return Config{
		UploadsPerSecond: 8,
		UploadBurst:      4,
		PartConcurrency:  4,
		URLConcurrency:   8,
	}
}

// Pipeline fingerprints, uploads and resolves asset references.
type Pipeline struct {
	uploader Uploader
	config   Config
	limiter  *rate.Limiter
	logger   log.Log
	metrics  *metrics.Metrics

	mu    sync.Mutex
	known map[string]struct{}
}

type Option func(*Pipeline)

func WithLogger(logger log.Log) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.config = cfg }
}

func New(uploader Uploader, opts ...Option) *Pipeline {
	p := &Pipeline{
		uploader: uploader,
		config:   DefaultConfig(),
		logger:   log.NewNop(),
		known:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(log.String("component", "assets"))

	limit := rate.Inf
	if p.config.UploadsPerSecond > 0 {
		limit = rate.Limit(p.config.UploadsPerSecond)
	}
	p.limiter = rate.NewLimiter(limit, max(p.config.UploadBurst, 1))
	return p
}

// SetUploader rebinds the pipeline to a new account's service and forgets the
// fingerprints learned from the previous one.
func (p *Pipeline) SetUploader(uploader Uploader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploader = uploader
	p.known = make(map[string]struct{})
}

func (p *Pipeline) currentUploader() Uploader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploader
}

// Observe learns the uploaded fingerprints referenced by records.
func (p *Pipeline) Observe(records ...*record.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range records {
		if r == nil {
			continue
		}
		for _, ref := range r.AssetReferences {
			if ref.Uploaded {
				p.known[ref.Fingerprint] = struct{}{}
			}
		}
	}
}

// Known reports whether the service is known to hold fingerprint.
func (p *Pipeline) Known(fingerprint string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.known[fingerprint]
	return ok
}

// Prepare fingerprints the local payloads of objects and attaches references
// to them. Payloads the service already holds are attached as uploaded; the
// rest are returned as blobs.
func (p *Pipeline) Prepare(objects ...*model.MediaObject) Blobs {
	blobs := make(Blobs)
	for _, obj := range objects {
		for _, asset := range obj.PendingAssets() {
			fp := Fingerprint(asset.Data)
			if asset.Ref == nil || asset.Ref.Fingerprint != fp {
				asset.Ref = &record.AssetReference{
					Fingerprint: fp,
					ContentType: asset.ContentType,
					Size:        int64(len(asset.Data)),
				}
			}
			if p.Known(fp) {
				asset.Ref.Uploaded = true
				p.metrics.ObserveUpload("skipped", 0)
				continue
			}
			if _, ok := blobs[fp]; !ok {
				blobs[fp] = &Blob{Fingerprint: fp, ContentType: asset.ContentType, Data: asset.Data}
			}
		}
	}
	return blobs
}

// Commit posts records and then makes every asset they reference available:
// uploaded references get a presigned URL, missing bytes are uploaded from
// blobs. Nothing is posted once ctx is done. The stored records are returned
// even when a later upload fails, so callers can undo them.
func (p *Pipeline) Commit(ctx context.Context, records []*record.Record, blobs Blobs, post PostFunc, progress Progress) ([]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(ErrAborted, err.Error())
	}
	stored, err := post(ctx, records)
	if err != nil {
		return nil, err
	}
	if err := p.Resolve(ctx, stored, blobs, progress); err != nil {
		return stored, err
	}
	return stored, nil
}

// Resolve uploads and opens the assets referenced by records.
func (p *Pipeline) Resolve(ctx context.Context, records []*record.Record, blobs Blobs, progress Progress) error {
	groups := groupReferences(records)
	if len(groups) == 0 {
		return nil
	}
	uploader := p.currentUploader()
	if uploader == nil {
		return ErrMissingUploader
	}

	tracker := newProgress(blobs.Size(), progress)
	fingerprints := make([]string, 0, len(groups))
	for fp := range groups {
		fingerprints = append(fingerprints, fp)
	}

	err := concurrent.ForEach(ctx, fingerprints, p.config.URLConcurrency, func(ctx context.Context, _ int, fp string) error {
		refs := groups[fp]
		uploaded := anyUploaded(refs)
		if !uploaded {
			blob := blobs[fp]
			if blob == nil {
				p.logger.Warn("Asset bytes are not available locally", log.String("fingerprint", fp))
				return nil
			}
			if err := p.upload(ctx, uploader, blob, tracker); err != nil {
				p.metrics.ObserveUpload("failed", 0)
				return err
			}
			p.metrics.ObserveUpload("uploaded", len(blob.Data))
			for _, ref := range refs {
				ref.Uploaded = true
			}
		}

		if hasURL(refs) {
			return nil
		}
		url, err := uploader.PresignedDownloadURL(ctx, fp)
		if err != nil {
			return errors.Wrapf(err, "open asset %s", fp)
		}
		if uploaded {
			p.metrics.ObserveUpload("opened", 0)
		}
		for _, ref := range refs {
			ref.PresignedDownloadURL = url
		}
		return nil
	})

	p.Observe(records...)
	if ctx.Err() != nil && err != nil {
		return errors.Wrap(ErrAborted, err.Error())
	}
	return err
}

func (p *Pipeline) upload(ctx context.Context, uploader Uploader, blob *Blob, progress *progressTracker) error {
	logger := p.logger.With(log.String("fingerprint", blob.Fingerprint))
	plan, err := uploader.InitiateUpload(ctx, &record.AssetReference{
		Fingerprint: blob.Fingerprint,
		ContentType: blob.ContentType,
		Size:        int64(len(blob.Data)),
	})
	if err != nil {
		return errors.Wrapf(err, "initiate upload %s", blob.Fingerprint)
	}
	if len(plan.Parts) == 0 {
		logger.Debug("Service already holds asset")
		progress.add(int64(len(blob.Data)))
		return nil
	}

	size := int64(len(blob.Data))
	etags := make([]string, len(plan.Parts))
	err = concurrent.ForEach(ctx, plan.Parts, p.config.PartConcurrency, func(ctx context.Context, idx int, part UploadPart) error {
		end := part.ByteRangeStart + part.ByteRangeLength
		if part.ByteRangeStart < 0 || part.ByteRangeLength < 0 || end > size {
			return errors.Wrapf(ErrPartOutOfRange, "part %d [%d,%d) of %d bytes", part.Number, part.ByteRangeStart, end, size)
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		etag, err := uploader.UploadPart(ctx, part, blob.Data[part.ByteRangeStart:end])
		if err != nil {
			return errors.Wrapf(err, "upload part %d of %s", part.Number, blob.Fingerprint)
		}
		etags[idx] = etag
		progress.add(part.ByteRangeLength)
		return nil
	})
	if err != nil {
		return err
	}

	if err := uploader.CompleteUpload(ctx, plan, etags); err != nil {
		return errors.Wrapf(err, "complete upload %s", blob.Fingerprint)
	}
	logger.Debug("Uploaded asset", log.Int("parts", len(plan.Parts)), log.Int64("bytes", size))
	return nil
}

// groupReferences collects every asset reference in records by fingerprint.
// Fingerprint properties without an attached reference get a bare one attached.
func groupReferences(records []*record.Record) map[string][]*record.AssetReference {
	groups := make(map[string][]*record.AssetReference)
	for _, r := range records {
		if r == nil || r.IsDeleted() {
			continue
		}
		for key := range r.Properties {
			role, ok := strings.CutSuffix(key, fingerprintSuffix)
			if !ok {
				continue
			}
			ref := r.DecodeAssetReference(role)
			if ref == nil {
				continue
			}
			if r.AssetReference(ref.Fingerprint) == nil {
				r.AttachAssetReference(ref)
			}
		}
		for _, ref := range r.AssetReferences {
			groups[ref.Fingerprint] = append(groups[ref.Fingerprint], ref)
		}
	}
	return groups
}

func anyUploaded(refs []*record.AssetReference) bool {
	for _, ref := range refs {
		if ref.Uploaded {
			return true
		}
	}
	return false
}

func hasURL(refs []*record.AssetReference) bool {
	for _, ref := range refs {
		if ref.PresignedDownloadURL == "" {
			return false
		}
	}
	return true
}

type progressTracker struct {
	mu       sync.Mutex
	done     int64
	total    int64
	callback Progress
}

func newProgress(total int64, callback Progress) *progressTracker {
	return &progressTracker{total: total, callback: callback}
}

func (t *progressTracker) add(n int64) {
	if t.callback == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done += n
	t.callback(t.done, t.total)
}
