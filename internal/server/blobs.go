package server

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/decksync/internal/core/assets"
)

// blob is one content-addressed upload. Parts are kept until completion.
type blob struct {
	size     int64
	parts    map[int][]byte
	etags    map[int]string
	data     []byte
	complete bool
}

// blobStore holds uploaded asset bytes keyed by fingerprint.
type blobStore struct {
	partSize int64

	mu    sync.Mutex
	blobs map[string]*blob
}

func newBlobStore(partSize int64) *blobStore {
	return &blobStore{partSize: partSize, blobs: make(map[string]*blob)}
}

func (s *blobStore) uploaded(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.blobs[fingerprint]
	return b != nil && b.complete
}

// initiate plans a multipart upload. A blob already held yields a plan
// without parts.
func (s *blobStore) initiate(fingerprint string, size int64) *assets.UploadPlan {
	escaped := url.PathEscape(fingerprint)
	plan := &assets.UploadPlan{
		Fingerprint:       fingerprint,
		CompleteUploadURL: "/assets/" + escaped + "/complete",
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.blobs[fingerprint]
	if b != nil && b.complete {
		return plan
	}
	b = &blob{size: size, parts: make(map[int][]byte), etags: make(map[int]string)}
	s.blobs[fingerprint] = b

	count := int((size + s.partSize - 1) / s.partSize)
	count = max(count, 1)
	for n := 1; n <= count; n++ {
		start := int64(n-1) * s.partSize
		plan.Parts = append(plan.Parts, assets.UploadPart{
			Number:          n,
			ByteRangeStart:  start,
			ByteRangeLength: min(s.partSize, size-start),
			URL:             "/assets/" + escaped + "/parts/" + strconv.Itoa(n),
		})
	}
	return plan
}

func (s *blobStore) partCount(b *blob) int {
	return max(int((b.size+s.partSize-1)/s.partSize), 1)
}

// putPart stores one part and returns its ETag.
func (s *blobStore) putPart(fingerprint string, n int, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.blobs[fingerprint]
	if b == nil {
		return "", ErrUnknownAsset
	}
	if n < 1 || n > s.partCount(b) {
		return "", ErrPartOutOfRange
	}
	etag := fmt.Sprintf("%q", strconv.FormatUint(xxhash.Sum64(data), 16))
	b.parts[n] = append([]byte(nil), data...)
	b.etags[n] = etag
	return etag, nil
}

// complete joins the parts in order and checks the bytes against the
// fingerprint.
func (s *blobStore) complete(fingerprint string, etags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.blobs[fingerprint]
	if b == nil {
		return ErrUnknownAsset
	}
	if b.complete {
		return nil
	}
	count := s.partCount(b)
	if len(etags) != count {
		return ErrIncompleteUpload
	}
	var buf bytes.Buffer
	for n := 1; n <= count; n++ {
		part, ok := b.parts[n]
		if !ok || b.etags[n] != etags[n-1] {
			return ErrIncompleteUpload
		}
		buf.Write(part)
	}
	if assets.Fingerprint(buf.Bytes()) != fingerprint {
		delete(s.blobs, fingerprint)
		return ErrFingerprintMismatch
	}
	b.data = buf.Bytes()
	b.parts = nil
	b.etags = nil
	b.complete = true
	return nil
}

func (s *blobStore) content(fingerprint string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.blobs[fingerprint]
	if b == nil || !b.complete {
		return nil, false
	}
	return b.data, true
}
