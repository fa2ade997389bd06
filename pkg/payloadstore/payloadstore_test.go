package payloadstore

import (
	"context"
	"errors"
	"testing"

	"github.com/elspeth/elspeth/pkg/contracts"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend unavailable")

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	data := []byte("row payload bytes")
	ref, err := store.Store(ctx, data)
	require.NoError(t, err)
	require.Equal(t, ContentRef(data), ref)

	got, err := store.Retrieve(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, data, got)

	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMemoryStoreIsContentAddressed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ref1, err := store.Store(ctx, []byte("same bytes"))
	require.NoError(t, err)
	ref2, err := store.Store(ctx, []byte("same bytes"))
	require.NoError(t, err)
	require.Equal(t, ref1, ref2, "storing identical bytes twice must be idempotent by content hash")
}

func TestMemoryStoreRetrieveUnknownRef(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Retrieve(ctx, "deadbeef")
	require.ErrorIs(t, err, ErrPayloadNotFound)
}

func TestMemoryStorePurgeNeverReturnsPartialBytes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	data := []byte("to be purged")
	ref, err := store.Store(ctx, data)
	require.NoError(t, err)

	store.Purge(ref)

	_, err = store.Retrieve(ctx, ref)
	require.ErrorIs(t, err, ErrPayloadPurged)

	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRetentionStoreExplainStates(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStore()
	retention := NewRetentionStore(backend)

	require.True(t, retention.Configured())

	data := []byte("explainable row")
	ref, err := retention.Store(ctx, data)
	require.NoError(t, err)

	result := retention.Explain(ctx, ref)
	require.Equal(t, contracts.RowDataAvailable, result.State)
	require.Equal(t, data, result.Data)

	backend.Purge(ref)
	result = retention.Explain(ctx, ref)
	require.Equal(t, contracts.RowDataPurged, result.State)
	require.Nil(t, result.Data)

	result = retention.Explain(ctx, "never-seen-ref")
	require.Equal(t, contracts.RowDataRowNotFound, result.State)
}

func TestRetentionStoreExplainNeverStored(t *testing.T) {
	ctx := context.Background()
	retention := NewRetentionStore(NewMemoryStore())

	result := retention.Explain(ctx, "")
	require.Equal(t, contracts.RowDataNeverStored, result.State)
}

func TestRetentionStoreExplainNotConfigured(t *testing.T) {
	ctx := context.Background()
	retention := NewRetentionStore(nil)
	require.False(t, retention.Configured())

	result := retention.Explain(ctx, "some-ref")
	require.Equal(t, contracts.RowDataStoreNotConfigured, result.State)
}

func TestRetentionStoreExplainErrDistinguishesBackendFailure(t *testing.T) {
	ctx := context.Background()
	retention := NewRetentionStore(failingStore{})

	_, err := retention.ExplainErr(ctx, "any-ref")
	require.Error(t, err)
}

type failingStore struct{}

func (failingStore) Store(ctx context.Context, data []byte) (string, error) {
	return "", errBackend
}

func (failingStore) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	return nil, errBackend
}

func (failingStore) Exists(ctx context.Context, ref string) (bool, error) {
	return false, errBackend
}
