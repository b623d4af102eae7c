// Package endpoint defines the record service contract consumed by the sync
// engine and provides the local-only endpoint used while signed out.
package endpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeusync/decksync/internal/core/assets"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/record"
)

// BatchSize is the number of records sent per post request.
const BatchSize = 20

// PresentationsLocator lists the account's documents.
const PresentationsLocator = "pagePresentations"

// CreateRequest describes a document to create on the service.
type CreateRequest struct {
	ID         string
	Name       string
	Type       model.DocumentType
	LastViewed time.Time
}

// SubscriptionInfo tells the realtime channel where and how to connect.
type SubscriptionInfo struct {
	URL          string          `json:"url"`
	Subprotocols []string        `json:"subprotocols,omitempty"`
	StartMessage json.RawMessage `json:"startMessage,omitempty"`
}

// Endpoint is an authenticated (or local-only) handle on the record service.
type Endpoint interface {
	assets.Uploader

	IsAuthenticated() bool
	AccountID() string

	ListPresentations(ctx context.Context) ([]*record.Record, error)
	CreateNewPresentation(ctx context.Context, req CreateRequest) (*record.Record, error)
	PostSyncRecords(ctx context.Context, records []*record.Record) ([]record.Result, error)
	GetSyncRecordsFrom(ctx context.Context, locator string, includeDeleted bool) ([]*record.Record, error)
	DeleteRecordAtLocation(ctx context.Context, locator string) ([]record.Result, error)
	UndeleteRecordAtLocation(ctx context.Context, locator string) ([]record.Result, error)
	GetSyncSubscriptionInfo(ctx context.Context) (*SubscriptionInfo, error)
	ImportExportedObject(ctx context.Context, exportID, documentID string) ([]*record.Record, error)
}

// PostRecords posts records and returns them as stored, failing unless every
// record was accepted. It satisfies assets.PostFunc once bound to an endpoint.
func PostRecords(ctx context.Context, ep Endpoint, records []*record.Record) ([]*record.Record, error) {
	results, err := ep.PostSyncRecords(ctx, records)
	if err != nil {
		return nil, err
	}
	if err := record.CheckResults(records, results); err != nil {
		return nil, err
	}
	stored := make([]*record.Record, len(results))
	for i, res := range results {
		if res.Record != nil {
			stored[i] = res.Record
		} else {
			stored[i] = records[i]
		}
	}
	return stored, nil
}

// Poster binds PostRecords to ep.
func Poster(ep Endpoint) assets.PostFunc {
	return func(ctx context.Context, records []*record.Record) ([]*record.Record, error) {
		return PostRecords(ctx, ep, records)
	}
}

// NewPresentationRecord builds the record for a new document. Documents are
// their own parents.
func NewPresentationRecord(req CreateRequest, accountID string, now time.Time) (*record.Record, error) {
	r := record.New(record.CollectionPresentation, req.ID)
	r.ParentID = req.ID
	r.DocumentID = req.ID
	r.OwnerUserID = accountID
	r.CreatedAt = record.FormatTimestamp(now)
	r.UpdatedAt = r.CreatedAt

	lastViewed := req.LastViewed
	if lastViewed.IsZero() {
		lastViewed = now
	}
	if _, err := r.Encode("lastViewed", lastViewed, now); err != nil {
		return nil, err
	}
	if _, err := r.Encode("name", req.Name, now); err != nil {
		return nil, err
	}
	if req.Type != model.DocumentGeneric {
		if _, err := r.Encode("type", string(req.Type), now); err != nil {
			return nil, err
		}
	}
	return r, nil
}
