package endpoint

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/decksync/internal/core/assets"
	"github.com/zeusync/decksync/internal/core/record"
)

// LocalOnly stands in for the service while nobody is signed in. Posts succeed
// immediately and every asset counts as uploaded; nothing leaves the process.
type LocalOnly struct {
	now func() time.Time
}

var _ Endpoint = (*LocalOnly)(nil)

func NewLocalOnly() *LocalOnly {
	return &LocalOnly{now: time.Now}
}

func (l *LocalOnly) IsAuthenticated() bool { return false }

func (l *LocalOnly) AccountID() string { return "" }

func (l *LocalOnly) ListPresentations(context.Context) ([]*record.Record, error) {
	return nil, nil
}

func (l *LocalOnly) CreateNewPresentation(_ context.Context, req CreateRequest) (*record.Record, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return NewPresentationRecord(req, "", l.now())
}

// PostSyncRecords echoes records as stored. Fingerprint properties get an
// uploaded reference attached so media resolves without a service.
func (l *LocalOnly) PostSyncRecords(_ context.Context, records []*record.Record) ([]record.Result, error) {
	stamp := record.FormatTimestamp(l.now())
	results := make([]record.Result, len(records))
	for i, r := range records {
		stored := r.Clone()
		stored.UpdatedAt = stamp
		if stored.CreatedAt == "" {
			stored.CreatedAt = stamp
		}
		for key := range stored.Properties {
			role, ok := strings.CutSuffix(key, "AssetFingerprint")
			if !ok {
				continue
			}
			if ref := stored.DecodeAssetReference(role); ref != nil {
				ref.Uploaded = true
				stored.AttachAssetReference(ref)
			}
		}
		results[i] = record.Result{Status: record.Status{Success: true}, Record: stored}
	}
	return results, nil
}

func (l *LocalOnly) GetSyncRecordsFrom(context.Context, string, bool) ([]*record.Record, error) {
	return nil, nil
}

func (l *LocalOnly) DeleteRecordAtLocation(context.Context, string) ([]record.Result, error) {
	return nil, nil
}

func (l *LocalOnly) UndeleteRecordAtLocation(context.Context, string) ([]record.Result, error) {
	return nil, nil
}

func (l *LocalOnly) GetSyncSubscriptionInfo(context.Context) (*SubscriptionInfo, error) {
	return nil, ErrLocalOnly
}

func (l *LocalOnly) ImportExportedObject(context.Context, string, string) ([]*record.Record, error) {
	return nil, ErrLocalOnly
}

// InitiateUpload returns an empty plan: the bytes never leave the process.
func (l *LocalOnly) InitiateUpload(_ context.Context, ref *record.AssetReference) (*assets.UploadPlan, error) {
	return &assets.UploadPlan{Fingerprint: ref.Fingerprint}, nil
}

func (l *LocalOnly) UploadPart(context.Context, assets.UploadPart, []byte) (string, error) {
	return "", ErrLocalOnly
}

func (l *LocalOnly) CompleteUpload(context.Context, *assets.UploadPlan, []string) error {
	return nil
}

// PresignedDownloadURL has nothing to point at; local assets keep their bytes.
func (l *LocalOnly) PresignedDownloadURL(context.Context, string) (string, error) {
	return "", nil
}
