package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "keygate/internal/errors"
	"keygate/internal/catalog"
	"keygate/internal/events"
	"keygate/internal/security"
	"keygate/internal/sqlite"
	"keygate/internal/store"
)

type upsertCall struct {
	storeID     string
	displayName string
	sealed      string
}

// fakeAdmin records credential admin against an in-memory store table.
type fakeAdmin struct {
	upserts   []upsertCall
	deleted   []string
	deleteErr error
	rows      []*sqlite.StoreRow
}

func (f *fakeAdmin) UpsertStore(_ context.Context, storeID, displayName, apiKeySealed string) error {
	f.upserts = append(f.upserts, upsertCall{storeID: storeID, displayName: displayName, sealed: apiKeySealed})
	return nil
}

func (f *fakeAdmin) DeleteStore(_ context.Context, storeID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, storeID)
	return nil
}

func (f *fakeAdmin) ListStores(context.Context) ([]*sqlite.StoreRow, error) {
	return f.rows, nil
}

func testSealer(t *testing.T) *security.Sealer {
	t.Helper()
	sealer, err := security.NewSealer("0123456789abcdef", &security.SealConfig{
		SCryptN:      16384,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	})
	require.NoError(t, err)
	return sealer
}

type storeFixture struct {
	service   StoreService
	admin     *fakeAdmin
	source    *fakeClientSource
	recorder  *eventsRecorder
	cache     *catalog.Cache
	scheduler *fakeScheduler
}

func newStoreFixture(t *testing.T, client *stubClient) *storeFixture {
	t.Helper()
	f := &storeFixture{
		admin:    &fakeAdmin{},
		source:   &fakeClientSource{client: client},
		recorder: &eventsRecorder{},
		cache:    catalog.NewCache(nil, nil, testLogger()),
		scheduler: &fakeScheduler{entry: &catalog.Entry{
			Products:      []catalog.Product{{ID: "p-1", Name: "Dragon Avatar"}},
			Versions:      []catalog.Version{{ProductID: "p-1", ID: "v-1", Name: "1.0"}},
			LastRefreshed: time.Now().UTC(),
		}},
	}
	f.service = NewStoreService(f.admin, testSealer(t), f.source, f.cache, f.scheduler, f.recorder, testLogger())
	return f
}

func sellerWithScopes(scopes ...string) *stubClient {
	return &stubClient{user: &store.AuthUser{
		Name:     "Jinxxy Seller",
		Username: "seller",
		Scopes:   scopes,
	}}
}

func TestStoreServiceLink(t *testing.T) {
	f := newStoreFixture(t, sellerWithScopes(store.RequiredScopes...))

	overview, err := f.service.Link(context.Background(), testStoreID, "", "sk_live_test")
	require.NoError(t, err)

	require.Len(t, f.admin.upserts, 1)
	upsert := f.admin.upserts[0]
	assert.Equal(t, testStoreID, upsert.storeID)
	assert.Equal(t, "Jinxxy Seller", upsert.displayName, "display name defaults to the credential owner")
	assert.NotEmpty(t, upsert.sealed)
	assert.NotEqual(t, "sk_live_test", upsert.sealed, "the raw key must never reach storage")
	assert.Equal(t, upsert.sealed, f.source.sealed[testStoreID], "scope check uses the sealed credential")

	assert.Equal(t, "ready", overview.State)
	assert.Equal(t, 1, overview.Products)
	require.NotNil(t, overview.LastRefreshed)
	assert.Equal(t, []string{testStoreID}, f.scheduler.forced, "linking primes the catalog")

	event, ok := f.recorder.find(events.TypeStoreLinked)
	require.True(t, ok)
	assert.Equal(t, "Jinxxy Seller", event.Data["display_name"])
}

func TestStoreServiceLinkKeepsGivenName(t *testing.T) {
	f := newStoreFixture(t, sellerWithScopes(store.RequiredScopes...))

	overview, err := f.service.Link(context.Background(), testStoreID, "My Shop", "sk_live_test")
	require.NoError(t, err)
	assert.Equal(t, "My Shop", overview.DisplayName)
	assert.Equal(t, "My Shop", f.admin.upserts[0].displayName)
}

func TestStoreServiceLinkMissingScopes(t *testing.T) {
	f := newStoreFixture(t, sellerWithScopes(store.ScopeLicensesRead, store.ScopeProductsRead))

	_, err := f.service.Link(context.Background(), testStoreID, "", "sk_live_test")
	require.ErrorIs(t, err, apperrors.ErrMissingScopes)

	var scopeErr *ScopeError
	require.ErrorAs(t, err, &scopeErr)
	assert.Equal(t, []string{store.ScopeLicensesWrite}, scopeErr.Missing)

	assert.Empty(t, f.admin.upserts, "nothing persisted on a failed link")
	assert.Equal(t, []string{testStoreID}, f.source.forgotten, "rejected clients are dropped")
	assert.Zero(t, f.recorder.count())
}

func TestStoreServiceLinkAuthRejected(t *testing.T) {
	client := sellerWithScopes()
	client.userErr = fmt.Errorf("get current user: %w", apperrors.ErrUpstreamAuthInvalid)
	f := newStoreFixture(t, client)

	_, err := f.service.Link(context.Background(), testStoreID, "", "sk_live_bad")
	require.ErrorIs(t, err, apperrors.ErrUpstreamAuthInvalid)
	assert.Empty(t, f.admin.upserts)
	assert.Equal(t, []string{testStoreID}, f.source.forgotten)
}

func TestStoreServiceLinkValidation(t *testing.T) {
	f := newStoreFixture(t, sellerWithScopes(store.RequiredScopes...))

	_, err := f.service.Link(context.Background(), "bad store!", "", "sk_live_test")
	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.ErrorCode)

	_, err = f.service.Link(context.Background(), testStoreID, "", "   ")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "VALIDATION_FAILED", apiErr.ErrorCode)

	assert.Empty(t, f.source.sealed, "invalid requests never build a client")
}

func TestStoreServiceLinkRefreshFailure(t *testing.T) {
	f := newStoreFixture(t, sellerWithScopes(store.RequiredScopes...))
	f.scheduler.err = errors.New("upstream down")

	overview, err := f.service.Link(context.Background(), testStoreID, "", "sk_live_test")
	require.NoError(t, err, "a failed first fetch does not undo the link")
	assert.Equal(t, "pending", overview.State)
	assert.Zero(t, overview.Products)
	require.Len(t, f.admin.upserts, 1)

	_, ok := f.recorder.find(events.TypeStoreLinked)
	assert.True(t, ok)
}

func TestStoreServiceUnlink(t *testing.T) {
	f := newStoreFixture(t, sellerWithScopes(store.RequiredScopes...))
	_, err := f.cache.Replace(context.Background(), testStoreID,
		[]catalog.Product{{ID: "p-1", Name: "Dragon Avatar"}}, nil, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, f.service.Unlink(context.Background(), testStoreID))
	assert.Equal(t, []string{testStoreID}, f.admin.deleted)
	assert.Equal(t, []string{testStoreID}, f.source.forgotten)
	assert.Empty(t, f.cache.Snapshot(), "cached catalog removed with the link")

	_, ok := f.recorder.find(events.TypeStoreUnlinked)
	assert.True(t, ok)
}

func TestStoreServiceUnlinkUnknown(t *testing.T) {
	f := newStoreFixture(t, sellerWithScopes(store.RequiredScopes...))
	f.admin.deleteErr = fmt.Errorf("store ghost: %w", sqlite.ErrNotFound)

	err := f.service.Unlink(context.Background(), "ghost")
	require.ErrorIs(t, err, apperrors.ErrStoreNotLinked)
	assert.Zero(t, f.recorder.count())
}

func TestStoreServiceList(t *testing.T) {
	f := newStoreFixture(t, sellerWithScopes(store.RequiredScopes...))
	f.admin.rows = []*sqlite.StoreRow{
		{StoreID: "store-1", DisplayName: "Ready Store", APIKeyValid: true},
		{StoreID: "store-2", DisplayName: "Pending Store", APIKeyValid: true},
		{StoreID: "store-3", DisplayName: "Broken Store", APIKeyValid: true},
		{StoreID: "store-4", DisplayName: "Cold Invalid", APIKeyValid: false},
	}

	refreshedAt := time.Now().UTC()
	_, err := f.cache.Replace(context.Background(), "store-1",
		[]catalog.Product{{ID: "p-1", Name: "Dragon Avatar"}, {ID: "p-2", Name: "Wolf Avatar"}},
		[]catalog.Version{{ProductID: "p-1", ID: "v-1", Name: "1.0"}},
		refreshedAt)
	require.NoError(t, err)
	f.cache.MarkInvalid(context.Background(), "store-3")

	overviews, err := f.service.List(context.Background())
	require.NoError(t, err)
	require.Len(t, overviews, 4)

	byID := make(map[string]StoreOverview, len(overviews))
	for _, overview := range overviews {
		byID[overview.StoreID] = overview
	}

	ready := byID["store-1"]
	assert.Equal(t, "ready", ready.State)
	assert.Equal(t, 2, ready.Products)
	assert.Equal(t, 1, ready.Versions)
	require.NotNil(t, ready.LastRefreshed)
	assert.Equal(t, refreshedAt, *ready.LastRefreshed)

	assert.Equal(t, "pending", byID["store-2"].State)
	assert.Equal(t, "invalid", byID["store-3"].State)
	assert.True(t, byID["store-3"].CredentialsInvalid)

	// Flag known only from persistence, the cache has never seen it.
	assert.Equal(t, "invalid", byID["store-4"].State)
}
