// Package client is the HTTP SDK for the decksync record service. A Client
// implements endpoint.Endpoint for a signed-in account.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/zeusync/decksync/internal/core/assets"
	"github.com/zeusync/decksync/internal/core/auth"
	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/observability/log"
	"github.com/zeusync/decksync/internal/core/record"
	"github.com/zeusync/decksync/pkg/concurrent"
)

// Client talks to the record service on behalf of one account.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     log.Log
	now        func() time.Time

	mu        sync.RWMutex
	token     string
	accountID string
}

var _ endpoint.Endpoint = (*Client)(nil)

// Config holds configuration for the client
type Config struct {
	BaseURL string
	Token   string
	// AccountID defaults to the subject of Token.
	AccountID string

	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	BatchSize  int
	UserAgent  string
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		BaseURL:    "http://localhost:8080",
		Timeout:    20 * time.Second,
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		BatchSize:  endpoint.BatchSize,
		UserAgent:  "decksync-go",
	}
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger log.Log) Option {
	return func(c *Client) { c.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient validates config and derives the account id from the token when
// none is configured.
func NewClient(config Config, opts ...Option) (*Client, error) {
	defaults := DefaultClientConfig()
	config.BaseURL = strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if config.BaseURL == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "base url is required")
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	c := &Client{
		config: config,
		logger: log.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: config.Timeout}
	}
	c.logger = c.logger.With(log.String("component", "client"))

	if err := c.SetToken(config.Token); err != nil {
		return nil, err
	}
	if config.AccountID != "" {
		c.accountID = config.AccountID
	}
	return c, nil
}

// SetToken swaps the access token, for instance after a refresh.
func (c *Client) SetToken(token string) error {
	accountID := ""
	if token != "" {
		id, err := auth.AccountIDFromToken(token)
		if err != nil && c.config.AccountID == "" {
			return err
		}
		accountID = id
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	if c.config.AccountID == "" {
		c.accountID = accountID
	}
	return nil
}

func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

func (c *Client) AccountID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

type recordsResponse struct {
	Records       []*record.Record `json:"records"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

type postRequest struct {
	Now     string           `json:"now"`
	Records []*record.Record `json:"records"`
}

type postResponse struct {
	Results []record.Result `json:"results"`
}

func (c *Client) ListPresentations(ctx context.Context) ([]*record.Record, error) {
	return c.GetSyncRecordsFrom(ctx, endpoint.PresentationsLocator, false)
}

// GetSyncRecordsFrom fetches every page at locator. Deleted and trashed
// records are dropped unless includeDeleted is set.
func (c *Client) GetSyncRecordsFrom(ctx context.Context, locator string, includeDeleted bool) ([]*record.Record, error) {
	var out []*record.Record
	pageToken := ""
	for {
		query := url.Values{}
		if includeDeleted {
			query.Set("includeDeleted", "true")
		}
		if pageToken != "" {
			query.Set("nextPageToken", pageToken)
		}

		var page recordsResponse
		if err := c.doJSON(ctx, http.MethodGet, syncPath(locator), query, nil, &page); err != nil {
			return nil, err
		}
		if page.Records == nil {
			return nil, errors.Wrapf(ErrInvalidResponse, "%s returned no records", locator)
		}
		for _, r := range page.Records {
			if err := r.Normalize(); err != nil {
				c.logger.Warn("Skipping malformed record", log.String("id", r.ID), log.Error(err))
				continue
			}
			if !includeDeleted && r.IsDeleted() {
				continue
			}
			out = append(out, r)
		}

		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// PostSyncRecords sends records in batches and returns one result per record,
// in order. A batch whose result count does not match fails the call.
func (c *Client) PostSyncRecords(ctx context.Context, records []*record.Record) ([]record.Result, error) {
	now := record.FormatTimestamp(c.now())
	results := make([]record.Result, 0, len(records))
	for _, batch := range concurrent.Chunk(records, c.config.BatchSize) {
		wire := make([]*record.Record, len(batch))
		for i, r := range batch {
			wire[i] = r.Wire()
		}

		var resp postResponse
		if err := c.doJSON(ctx, http.MethodPost, "/sync/records", nil, postRequest{Now: now, Records: wire}, &resp); err != nil {
			return nil, err
		}
		if resp.Results == nil {
			return nil, errors.Wrap(ErrInvalidResponse, "response did not include results")
		}
		if len(resp.Results) != len(batch) {
			return nil, fmt.Errorf("%w: sent %d, got %d", record.ErrResultCountMismatch, len(batch), len(resp.Results))
		}
		for i, res := range resp.Results {
			if !res.Status.Success {
				c.logger.Warn("Record rejected",
					log.String("id", batch[i].ID),
					log.String("collection", string(batch[i].Collection)),
					log.String("message", res.Status.ErrorMessage))
			}
			if res.Record != nil {
				if err := res.Record.Normalize(); err != nil {
					return nil, err
				}
			}
		}
		results = append(results, resp.Results...)
	}
	return results, nil
}

// CreateNewPresentation posts a new document record and returns it as stored.
func (c *Client) CreateNewPresentation(ctx context.Context, req endpoint.CreateRequest) (*record.Record, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	r, err := endpoint.NewPresentationRecord(req, c.AccountID(), c.now())
	if err != nil {
		return nil, err
	}
	stored, err := endpoint.PostRecords(ctx, c, []*record.Record{r})
	if err != nil {
		return nil, err
	}
	return stored[0], nil
}

func (c *Client) DeleteRecordAtLocation(ctx context.Context, locator string) ([]record.Result, error) {
	return c.setTrashedAtLocation(ctx, locator, true)
}

func (c *Client) UndeleteRecordAtLocation(ctx context.Context, locator string) ([]record.Result, error) {
	return c.setTrashedAtLocation(ctx, locator, false)
}

func (c *Client) setTrashedAtLocation(ctx context.Context, locator string, trashed bool) ([]record.Result, error) {
	records, err := c.GetSyncRecordsFrom(ctx, locator, !trashed)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Wrap(ErrNotFound, locator)
	}
	target := records[0]
	if _, err := target.Encode("trashed", trashed, c.now()); err != nil {
		return nil, err
	}
	return c.PostSyncRecords(ctx, []*record.Record{target})
}

func (c *Client) GetSyncSubscriptionInfo(ctx context.Context) (*endpoint.SubscriptionInfo, error) {
	var info endpoint.SubscriptionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/sync/subscription", nil, nil, &info); err != nil {
		return nil, err
	}
	if info.URL == "" {
		return nil, errors.Wrap(ErrInvalidResponse, "subscription has no url")
	}
	return &info, nil
}

func (c *Client) ImportExportedObject(ctx context.Context, exportID, documentID string) ([]*record.Record, error) {
	body := map[string]string{"exportId": exportID}
	if documentID != "" {
		body["presentationId"] = documentID
	}
	var resp recordsResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sync/presentations/import", nil, body, &resp); err != nil {
		return nil, err
	}
	if resp.Records == nil {
		return nil, errors.Wrapf(ErrInvalidResponse, "import %s returned no records", exportID)
	}
	for _, r := range resp.Records {
		if err := r.Normalize(); err != nil {
			return nil, err
		}
	}
	return resp.Records, nil
}

type initiateRequest struct {
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

func (c *Client) InitiateUpload(ctx context.Context, ref *record.AssetReference) (*assets.UploadPlan, error) {
	var plan assets.UploadPlan
	path := "/assets/" + url.PathEscape(ref.Fingerprint) + "/initiate"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, initiateRequest{ContentType: ref.ContentType, Size: ref.Size}, &plan); err != nil {
		return nil, err
	}
	if plan.Fingerprint == "" {
		plan.Fingerprint = ref.Fingerprint
	}
	return &plan, nil
}

// UploadPart PUTs raw bytes and returns the ETag the storage assigned.
func (c *Client) UploadPart(ctx context.Context, part assets.UploadPart, data []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPut, part.URL, nil, data, "application/octet-stream")
	if err != nil {
		return "", err
	}
	etag := resp.header.Get("ETag")
	if etag == "" {
		return "", errors.Wrapf(ErrInvalidResponse, "part %d has no etag", part.Number)
	}
	return etag, nil
}

func (c *Client) CompleteUpload(ctx context.Context, plan *assets.UploadPlan, etags []string) error {
	target := plan.CompleteUploadURL
	if target == "" {
		target = "/assets/" + url.PathEscape(plan.Fingerprint) + "/complete"
	}
	return c.doJSON(ctx, http.MethodPut, target, nil, map[string][]string{"etags": etags}, nil)
}

func (c *Client) PresignedDownloadURL(ctx context.Context, fingerprint string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/assets/"+url.PathEscape(fingerprint)+"/download", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func syncPath(locator string) string {
	return "/sync/" + strings.TrimLeft(locator, "/")
}

type response struct {
	header http.Header
	body   []byte
}

func (c *Client) doJSON(ctx context.Context, method, target string, query url.Values, payload, out any) error {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = data
	}
	resp, err := c.do(ctx, method, target, query, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return errors.Wrapf(ErrInvalidResponse, "%s %s: %v", method, target, err)
	}
	return nil
}

// do sends one request, retrying transport errors, 429 and 5xx responses with
// exponential backoff that honors Retry-After.
func (c *Client) do(ctx context.Context, method, target string, query url.Values, body []byte, contentType string) (*response, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return nil, ErrUnauthenticated
	}

	fullURL := c.resolve(target, query)
	correlationID := ulid.Make().String()
	logger := c.logger.With(log.String("correlation_id", correlationID))

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", contentType)
		}
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.config.MaxRetries {
				logger.Debug("Retrying request", log.String("url", fullURL), log.Int("attempt", attempt+1), log.Error(err))
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, errors.Wrapf(err, "%s %s", method, target)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return &response{header: resp.Header, body: respBody}, nil
		}

		if retryableStatus(resp.StatusCode) && attempt < c.config.MaxRetries {
			logger.Debug("Retrying request", log.String("url", fullURL), log.Int("status", resp.StatusCode), log.Int("attempt", attempt+1))
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			if parsed.Message != "" {
				message = parsed.Message
			} else if parsed.Error != "" {
				message = parsed.Error
			}
		}
		return nil, &HTTPError{Method: method, URL: target, StatusCode: resp.StatusCode, Message: message}
	}
}

func (c *Client) resolve(target string, query url.Values) string {
	full := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		full = c.config.BaseURL + "/" + strings.TrimLeft(target, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(full, "?") {
			sep = "&"
		}
		full += sep + query.Encode()
	}
	return full
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, c.config.MaxDelay)
	}
	delay := c.config.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.config.MaxDelay {
			return c.config.MaxDelay
		}
	}
	return min(delay, c.config.MaxDelay)
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
