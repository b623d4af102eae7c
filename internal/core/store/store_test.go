package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/decksync/internal/core/cache"
	"github.com/zeusync/decksync/internal/core/endpoint"
	"github.com/zeusync/decksync/internal/core/events/bus"
	"github.com/zeusync/decksync/internal/core/model"
	"github.com/zeusync/decksync/internal/core/realtime"
	"github.com/zeusync/decksync/internal/core/record"
)

const account = "acct-1"

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// fakeEndpoint serves a scripted document list and records the calls made.
type fakeEndpoint struct {
	*endpoint.LocalOnly

	account string

	mu          sync.Mutex
	list        []*record.Record
	listErr     error
	listCalls   int
	listGate    chan struct{}
	listEntered chan struct{}
	created     []endpoint.CreateRequest
	deleted     []string
	undeleted   []string
	deleteErr   error
	posts       [][]*record.Record
	postErr     error
	imported    []*record.Record
	tree        map[string][]*record.Record
}

func newFakeEndpoint(accountID string) *fakeEndpoint {
	return &fakeEndpoint{
		LocalOnly: endpoint.NewLocalOnly(),
		account:   accountID,
		tree:      make(map[string][]*record.Record),
	}
}

func (f *fakeEndpoint) IsAuthenticated() bool { return f.account != "" }

func (f *fakeEndpoint) AccountID() string { return f.account }

func (f *fakeEndpoint) ListPresentations(ctx context.Context) ([]*record.Record, error) {
	f.mu.Lock()
	f.listCalls++
	gate, entered := f.listGate, f.listEntered
	list, err := f.list, f.listErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	out := make([]*record.Record, len(list))
	for i, r := range list {
		out[i] = r.Clone()
	}
	return out, nil
}

func (f *fakeEndpoint) CreateNewPresentation(_ context.Context, req endpoint.CreateRequest) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	r, err := endpoint.NewPresentationRecord(req, f.account, fixedNow)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (f *fakeEndpoint) DeleteRecordAtLocation(_ context.Context, locator string) ([]record.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, locator)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return []record.Result{{Status: record.Status{Success: true}}}, nil
}

func (f *fakeEndpoint) UndeleteRecordAtLocation(_ context.Context, locator string) ([]record.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.undeleted = append(f.undeleted, locator)
	return []record.Result{{Status: record.Status{Success: true}}}, nil
}

func (f *fakeEndpoint) PostSyncRecords(_ context.Context, records []*record.Record) ([]record.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, records)
	if f.postErr != nil {
		return nil, f.postErr
	}
	results := make([]record.Result, len(records))
	for i, r := range records {
		results[i] = record.Result{Status: record.Status{Success: true}, Record: r.Clone()}
	}
	return results, nil
}

func (f *fakeEndpoint) GetSyncRecordsFrom(_ context.Context, locator string, _ bool) ([]*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tree[locator], nil
}

func (f *fakeEndpoint) ImportExportedObject(context.Context, string, string) ([]*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imported, nil
}

func (f *fakeEndpoint) setList(records ...*record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = records
}

func (f *fakeEndpoint) createdRequests() []endpoint.CreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]endpoint.CreateRequest(nil), f.created...)
}

type fakeRealtime struct {
	starts  atomic.Int32
	stops   atomic.Int32
	sources []realtime.SubscriptionSource
}

func (r *fakeRealtime) Start(context.Context) error {
	r.starts.Add(1)
	return nil
}

func (r *fakeRealtime) Stop() { r.stops.Add(1) }

func (r *fakeRealtime) SetSource(source realtime.SubscriptionSource) {
	r.sources = append(r.sources, source)
}

type docOption func(*record.Record)

func withType(t model.DocumentType) docOption {
	return func(r *record.Record) { _, _ = r.Encode("type", string(t), fixedNow) }
}

func withFlag(key string) docOption {
	return func(r *record.Record) { _, _ = r.Encode(key, true, fixedNow) }
}

func viewedAt(t time.Time) docOption {
	return func(r *record.Record) { _, _ = r.Encode("lastViewed", t, fixedNow) }
}

func updatedAt(ts string) docOption {
	return func(r *record.Record) { r.UpdatedAt = ts }
}

func docRecord(id, name string, opts ...docOption) *record.Record {
	r := record.New(record.CollectionPresentation, id)
	r.ParentID = id
	r.DocumentID = id
	r.OwnerUserID = account
	r.CreatedAt = record.FormatTimestamp(fixedNow)
	r.UpdatedAt = r.CreatedAt
	_, _ = r.Encode("name", name, fixedNow)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sequentialIDs() func() string {
	var n atomic.Int32
	return func() string { return fmt.Sprintf("gen-%d", n.Add(1)) }
}

func newTestStore(t *testing.T, ep endpoint.Endpoint, opts ...Option) (*Store, *cache.Store) {
	t.Helper()
	c := cache.New(cache.NewMemoryBackend())
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(sequentialIDs()),
	}, opts...)
	return New(ep, c, opts...), c
}

func ids(docs []*model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestResolveScratchpadIsDeterministic(t *testing.T) {
	a := docRecord("a", "", withType(model.DocumentScratchpad), updatedAt("2024-01-01T00:00:00Z"))
	b := docRecord("b", "", withType(model.DocumentScratchpad), updatedAt("2024-01-01T00:00:00Z"))

	assert.Equal(t, "a", ResolveScratchpad([]*record.Record{a, b}).ID)
	assert.Equal(t, "a", ResolveScratchpad([]*record.Record{b, a}).ID)

	newer := docRecord("z", "", withType(model.DocumentScratchpad), updatedAt("2024-02-01T00:00:00Z"))
	assert.Equal(t, "z", ResolveScratchpad([]*record.Record{a, newer, b}).ID)
	assert.Nil(t, ResolveScratchpad(nil))
}

func TestProcessListUpdateFiltersAndPreservesIdentity(t *testing.T) {
	ep := newFakeEndpoint(account)
	s, _ := newTestStore(t, ep)
	ctx := context.Background()

	sp := docRecord("sp", "", withType(model.DocumentScratchpad))
	records := []*record.Record{
		docRecord(account, "legacy shadow"),
		docRecord("d1", "One"),
		docRecord("hidden", "Hidden", withFlag("hidden")),
		docRecord("trashed", "Trashed", withFlag("trashed")),
		sp,
	}
	require.NoError(t, s.ProcessListUpdate(ctx, records, false))

	docs := s.Documents()
	require.Len(t, docs, 1)
	first := docs[0]
	assert.Equal(t, "d1", first.ID)
	assert.Equal(t, "sp", s.Scratchpad().ID)
	assert.Empty(t, ep.createdRequests(), "a listed scratchpad is not created again")

	require.NoError(t, s.ProcessListUpdate(ctx, []*record.Record{docRecord("d1", "Renamed"), sp}, false))
	docs = s.Documents()
	require.Len(t, docs, 1)
	assert.Same(t, first, docs[0])
	assert.Equal(t, "Renamed", first.Title)
}

func TestMissingScratchpadIsCreatedOnlyForServiceLists(t *testing.T) {
	ep := newFakeEndpoint(account)
	s, _ := newTestStore(t, ep)
	ctx := context.Background()
	placeholder := s.Scratchpad()

	require.NoError(t, s.ProcessListUpdate(ctx, []*record.Record{docRecord("d1", "One")}, true))
	assert.Empty(t, ep.createdRequests())

	require.NoError(t, s.ProcessListUpdate(ctx, []*record.Record{docRecord("d1", "One")}, false))
	created := ep.createdRequests()
	require.Len(t, created, 1)
	assert.Equal(t, model.DocumentScratchpad, created[0].Type)
	assert.Equal(t, placeholder.ID, created[0].ID)
	assert.Same(t, placeholder, s.Scratchpad())

	require.NoError(t, s.ProcessListUpdate(ctx, []*record.Record{docRecord("d1", "One")}, false))
	assert.Len(t, ep.createdRequests(), 1)
}

func TestInitializeAppliesOwnedCacheBeforeRefresh(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.listErr = errors.New("offline")
	rt := &fakeRealtime{}
	s, c := newTestStore(t, ep)
	s.AttachRealtime(rt)
	ctx := context.Background()

	foreign := docRecord("other", "Someone else's")
	foreign.OwnerUserID = "acct-2"
	require.NoError(t, c.SetPresentations(ctx, []*record.Record{docRecord("cached", "Cached"), foreign}))

	err := s.Initialize(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{"cached"}, ids(s.Documents()))
	assert.Equal(t, int32(1), rt.starts.Load())
}

func TestInitializeIgnoresCorruptCache(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"))
	backend := cache.NewMemoryBackend()
	require.NoError(t, backend.Put(context.Background(), string(cache.KeyPresentations), []byte("{not json")))
	s := New(ep, cache.New(backend), WithClock(func() time.Time { return fixedNow }), WithIDGenerator(sequentialIDs()))

	require.NoError(t, s.Initialize(context.Background()))
	assert.Equal(t, []string{"d1"}, ids(s.Documents()))
}

func TestRefreshWritesCache(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	s, c := newTestStore(t, ep)
	ctx := context.Background()

	require.NoError(t, s.Refresh(ctx, false))
	cached, err := c.Presentations(ctx)
	require.NoError(t, err)
	assert.Len(t, cached, 2)
}

func TestRefreshIsNotReentrant(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("sp", "", withType(model.DocumentScratchpad)))
	ep.listGate = make(chan struct{})
	ep.listEntered = make(chan struct{}, 1)
	s, _ := newTestStore(t, ep)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- s.Refresh(ctx, false) }()
	<-ep.listEntered

	assert.NoError(t, s.Refresh(ctx, false))
	close(ep.listGate)
	require.NoError(t, <-done)

	ep.mu.Lock()
	defer ep.mu.Unlock()
	assert.Equal(t, 1, ep.listCalls)
}

func TestFailedRefreshKeepsOrClearsState(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	s, _ := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	require.NoError(t, s.SelectDocument(ctx, "d1"))

	ep.mu.Lock()
	ep.listErr = errors.New("service unavailable")
	ep.mu.Unlock()

	require.Error(t, s.Refresh(ctx, false))
	assert.Equal(t, []string{"d1"}, ids(s.Documents()))
	assert.Equal(t, "d1", s.ActiveDocument().ID)

	require.Error(t, s.Refresh(ctx, true))
	assert.Empty(t, s.Documents())
	require.NotNil(t, s.Scratchpad())
	assert.Same(t, s.Scratchpad(), s.ActiveDocument())
}

func TestSortOrders(t *testing.T) {
	ep := newFakeEndpoint(account)
	s, _ := newTestStore(t, ep)
	ctx := context.Background()

	records := []*record.Record{
		docRecord("a", "deck 10", viewedAt(fixedNow.Add(-time.Hour))),
		docRecord("b", "Deck 2", viewedAt(fixedNow)),
		docRecord("c", "Écran", viewedAt(fixedNow.Add(-2*time.Hour))),
		docRecord("d", "apple"),
		docRecord("sp", "", withType(model.DocumentScratchpad)),
	}
	require.NoError(t, s.ProcessListUpdate(ctx, records, true))
	assert.Equal(t, SortLastViewed, s.SortType())
	assert.Equal(t, []string{"b", "a", "c", "d"}, ids(s.Documents()))

	var changes []bus.PropertyChange
	_, err := s.OnPropertyChanged(bus.PropertySortType, func(c bus.PropertyChange) { changes = append(changes, c) })
	require.NoError(t, err)

	require.NoError(t, s.SetSortType(ctx, SortName))
	assert.Equal(t, []string{"d", "b", "a", "c"}, ids(s.Documents()))
	require.Len(t, changes, 1)
	assert.Equal(t, SortName, changes[0].New)

	assert.ErrorIs(t, s.SetSortType(ctx, SortType("bogus")), ErrInvalidSortType)
}

func TestSortPreferenceIsRestored(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("sp", "", withType(model.DocumentScratchpad)))
	c := cache.New(cache.NewMemoryBackend())
	ctx := context.Background()

	require.NoError(t, c.Preferences().Set(ctx, PrefSortType, string(SortCreated)))
	s := New(ep, c, WithIDGenerator(sequentialIDs()))
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, SortCreated, s.SortType())

	require.NoError(t, c.Preferences().Set(ctx, PrefSortType, "sideways"))
	s = New(ep, c, WithIDGenerator(sequentialIDs()))
	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, SortLastViewed, s.SortType())
}

func TestDeletingActiveDocumentFallsBackToScratchpad(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	s, c := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	require.NoError(t, s.SelectDocument(ctx, "d1"))

	var stored string
	ok, err := c.Preferences().Get(ctx, PrefActiveDocument, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d1", stored)

	require.NoError(t, s.DeleteDocument(ctx, "d1"))
	require.NotNil(t, s.ActiveDocument())
	assert.Equal(t, "sp", s.ActiveDocument().ID)
	assert.Equal(t, []string{"pagePresentations/d1"}, ep.deleted)

	ok, err = c.Preferences().Get(ctx, PrefActiveDocument, &stored)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectionIsRestoredFromPreferences(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("d2", "Two"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	s, c := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	require.NoError(t, s.SelectDocument(ctx, "d2"))

	restarted := New(ep, c, WithIDGenerator(sequentialIDs()))
	require.NoError(t, restarted.Initialize(ctx))
	assert.Equal(t, "d2", restarted.ActiveDocument().ID)
}

func TestDeleteFailureRestoresDocument(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	ep.deleteErr = errors.New("boom")
	s, _ := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	doc := s.Document("d1")

	err := s.DeleteDocument(ctx, "d1")
	require.Error(t, err)
	assert.Equal(t, []string{"d1"}, ids(s.Documents()))
	assert.Same(t, doc, s.Document("d1"))

	assert.ErrorIs(t, s.DeleteDocument(ctx, "sp"), ErrCannotDelete)
	assert.False(t, s.CanDelete(s.Scratchpad()))
	assert.True(t, s.CanDelete(doc))
}

func TestUndeleteRelistsDocument(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	s, _ := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	doc := s.Document("d1")
	require.NoError(t, s.DeleteDocument(ctx, "d1"))

	require.NoError(t, s.UndeleteDocument(ctx, doc))
	assert.Equal(t, []string{"d1"}, ids(s.Documents()))
	assert.Equal(t, []string{"pagePresentations/d1"}, ep.undeleted)
}

func TestRenameRollsBackOnFailure(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	s, _ := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))

	require.NoError(t, s.RenameDocument(ctx, "d1", "Uno"))
	assert.Equal(t, "Uno", s.Document("d1").Title)
	require.Len(t, ep.posts, 1)
	assert.Equal(t, "Uno", ep.posts[0][0].DecodeString("name", ""))

	ep.mu.Lock()
	ep.postErr = errors.New("down")
	ep.mu.Unlock()
	require.Error(t, s.RenameDocument(ctx, "d1", "Eins"))
	assert.Equal(t, "Uno", s.Document("d1").Title)
}

func TestMarkViewedResorts(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(
		docRecord("d1", "One", viewedAt(fixedNow.Add(-time.Hour))),
		docRecord("d2", "Two", viewedAt(fixedNow.Add(-2*time.Hour))),
		docRecord("sp", "", withType(model.DocumentScratchpad)),
	)
	s, _ := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	assert.Equal(t, []string{"d1", "d2"}, ids(s.Documents()))

	require.NoError(t, s.MarkViewed(ctx, "d2", fixedNow))
	assert.Equal(t, []string{"d2", "d1"}, ids(s.Documents()))
}

func TestCreateDocumentDeduplicatesRealtimeInsert(t *testing.T) {
	ep := newFakeEndpoint(account)
	s, _ := newTestStore(t, ep)
	ctx := context.Background()

	doc, err := s.CreateDocument(ctx, "Fresh", model.DocumentGeneric)
	require.NoError(t, err)
	assert.Equal(t, "Fresh", doc.Title)

	s.ApplyDelta(ctx, docRecord(doc.ID, "Fresh"))
	require.Len(t, s.Documents(), 1)
	assert.Same(t, doc, s.Documents()[0])

	signedOut, _ := newTestStore(t, newFakeEndpoint(""))
	_, err = signedOut.CreateDocument(ctx, "Nope", model.DocumentGeneric)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestApplyDelta(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	s, c := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	doc := s.Document("d1")

	var changes []bus.PropertyChange
	_, err := s.OnPropertyChanged(bus.PropertyDocuments, func(c bus.PropertyChange) { changes = append(changes, c) })
	require.NoError(t, err)

	s.HandleRealtimeRecord(docRecord("d1", "Updated"))
	assert.Same(t, doc, s.Document("d1"))
	assert.Equal(t, "Updated", doc.Title)

	s.HandleRealtimeRecord(docRecord("d2", "Two"))
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids(s.Documents()))

	s.HandleRealtimeRecord(docRecord("d1", "Updated", withFlag("trashed")))
	assert.Equal(t, []string{"d2"}, ids(s.Documents()))
	assert.Len(t, changes, 2)

	cached, err := c.Presentations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sp", "d2"}, recordIDs(cached))
}

func TestRealtimeRoutesChildrenAndRooms(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	slide := record.New(record.CollectionSlide, "s1")
	slide.ParentID = "d1"
	slide.DocumentID = "d1"
	_, _ = slide.Encode("name", "First", fixedNow)
	_, _ = slide.Encode("sortIndex", record.NewSortKey(1), fixedNow)
	ep.tree[model.DocumentTreeLocator("d1")] = []*record.Record{docRecord("d1", "One"), slide}

	s, c := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))

	tr, err := s.OpenDocument(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, tr.Slides(), 1)
	again, err := s.OpenDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Same(t, tr, again)

	second := record.New(record.CollectionSlide, "s2")
	second.ParentID = "d1"
	second.DocumentID = "d1"
	_, _ = second.Encode("sortIndex", record.NewSortKey(2), fixedNow)
	s.HandleRealtimeRecord(second)
	assert.Len(t, tr.Slides(), 2)

	room := record.New(record.CollectionRoom, "room-1")
	_, _ = room.Encode("name", "Studio", fixedNow)
	s.HandleRealtimeRecord(room)
	rooms, err := c.CustomRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"room-1"}, recordIDs(rooms))

	_, err = s.OpenDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownDocument)
	require.NoError(t, s.Close(ctx))
}

func TestAuthenticationChange(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	rt := &fakeRealtime{}
	s, c := newTestStore(t, ep)
	s.AttachRealtime(rt)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	sameAccount := newFakeEndpoint(account)
	require.NoError(t, s.HandleAuthenticationChanged(ctx, sameAccount))
	assert.Equal(t, []string{"d1"}, ids(s.Documents()))
	assert.Equal(t, 0, sameAccount.listCalls)
	assert.Same(t, sameAccount, s.Endpoint())

	other := newFakeEndpoint("acct-2")
	other.setList(docRecord("x1", "Theirs"), docRecord("sp2", "", withType(model.DocumentScratchpad)))
	require.NoError(t, s.HandleAuthenticationChanged(ctx, other))
	assert.Equal(t, []string{"x1"}, ids(s.Documents()))
	assert.Equal(t, "sp2", s.Scratchpad().ID)
	assert.Equal(t, "sp2", s.ActiveDocument().ID)
	assert.Equal(t, int32(2), rt.starts.Load())
	assert.Equal(t, int32(1), rt.stops.Load())

	require.NoError(t, s.HandleAuthenticationChanged(ctx, nil))
	assert.Empty(t, s.Documents())
	assert.True(t, s.Scratchpad().LocalOnly)
	assert.Same(t, s.Scratchpad(), s.ActiveDocument())
	cached, err := c.Presentations(ctx)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestAccountChangeDuringRefreshDropsPreviousList(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("a-doc", "Mine"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	ep.listGate = make(chan struct{})
	ep.listEntered = make(chan struct{}, 1)
	s, c := newTestStore(t, ep)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- s.Refresh(ctx, false) }()
	<-ep.listEntered

	other := newFakeEndpoint("acct-2")
	other.setList(docRecord("x1", "Theirs"), docRecord("sp2", "", withType(model.DocumentScratchpad)))
	require.NoError(t, s.HandleAuthenticationChanged(ctx, other))
	close(ep.listGate)
	require.NoError(t, <-done)

	assert.Equal(t, "acct-2", s.Endpoint().AccountID())
	assert.Equal(t, []string{"x1"}, ids(s.Documents()))
	assert.Equal(t, "sp2", s.Scratchpad().ID)
	other.mu.Lock()
	assert.Equal(t, 1, other.listCalls)
	other.mu.Unlock()

	cached, err := c.Presentations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x1", "sp2"}, recordIDs(cached))
}

func TestAccountChangeForgetsSelection(t *testing.T) {
	ep := newFakeEndpoint(account)
	ep.setList(docRecord("d1", "One"), docRecord("sp", "", withType(model.DocumentScratchpad)))
	s, c := newTestStore(t, ep)
	ctx := context.Background()
	require.NoError(t, s.Refresh(ctx, false))
	require.NoError(t, s.SelectDocument(ctx, "d1"))

	other := newFakeEndpoint("acct-2")
	other.setList(docRecord("d1", "Same id"), docRecord("sp2", "", withType(model.DocumentScratchpad)))
	require.NoError(t, s.HandleAuthenticationChanged(ctx, other))
	assert.Equal(t, []string{"d1"}, ids(s.Documents()))
	assert.Equal(t, "sp2", s.ActiveDocument().ID)

	var selected string
	found, err := c.Preferences().Get(ctx, PrefActiveDocument, &selected)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestImportActivatesDocumentAndCachesRooms(t *testing.T) {
	ep := newFakeEndpoint(account)
	room := record.New(record.CollectionRoom, "room-9")
	ep.imported = []*record.Record{room, docRecord("imp", "Imported")}
	s, c := newTestStore(t, ep)
	ctx := context.Background()

	doc, err := s.ImportDocument(ctx, "export-1")
	require.NoError(t, err)
	assert.Equal(t, "imp", doc.ID)
	assert.Same(t, doc, s.ActiveDocument())

	rooms, err := c.CustomRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"room-9"}, recordIDs(rooms))

	ep.imported = []*record.Record{room}
	_, err = s.ImportDocument(ctx, "export-2")
	assert.ErrorIs(t, err, ErrImportEmpty)
}

func recordIDs(records []*record.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
