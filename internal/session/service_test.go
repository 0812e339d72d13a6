package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncrelay/syncrelay/internal/cachekey"
	"github.com/syncrelay/syncrelay/internal/entity"
	"github.com/syncrelay/syncrelay/internal/loggy"
)

// memStore is an in-memory entity.Store for service-level tests.
type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	payload, ok := m.data[key]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return payload, nil
}

func (m *memStore) Put(ctx context.Context, key string, payload []byte) error {
	m.data[key] = payload
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memStore) List(ctx context.Context, keyPrefix string) ([]entity.Record, error) {
	var records []entity.Record
	for k, v := range m.data {
		if strings.HasPrefix(k, keyPrefix) {
			records = append(records, entity.Record{Key: k, Payload: v})
		}
	}
	return records, nil
}

func (m *memStore) Begin(ctx context.Context) (entity.StoreTx, error) {
	return &memStoreTx{store: m, staged: make(map[string][]byte)}, nil
}

type memStoreTx struct {
	store  *memStore
	staged map[string][]byte
}

func (t *memStoreTx) Put(ctx context.Context, key string, payload []byte) error {
	t.staged[key] = payload
	return nil
}

func (t *memStoreTx) Delete(ctx context.Context, key string) error {
	t.staged[key] = nil
	return nil
}

func (t *memStoreTx) Commit() error {
	for k, v := range t.staged {
		if v == nil {
			delete(t.store.data, k)
			continue
		}
		t.store.data[k] = v
	}
	return nil
}

func (t *memStoreTx) Rollback() error { return nil }

type noopLocker struct{}

func (noopLocker) Acquire(ctx context.Context, resource string) (entity.Guard, error) {
	return noopGuard{}, nil
}

type noopGuard struct{}

func (noopGuard) Release(ctx context.Context) error { return nil }

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	store := newMemStore()
	svc := NewService(cachekey.NewFactory("syncrelay"), store, noopLocker{}, loggy.NewNoopLogger())
	svc.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	svc.label = func() string { return "wispy-dust" }
	return svc, store
}

func TestStartCreatesAggregate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sync, err := svc.Start(ctx, StartRequest{
		SessionID:         "ses_1",
		StartedBy:         "cli_a",
		TotalActionsCount: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, "ses_1", sync.SessionID)
	assert.Equal(t, "wispy-dust", sync.Label)
	assert.Equal(t, "cli_a", sync.StartedBy)
	assert.Equal(t, int64(42), sync.TotalActionsCount)
	assert.Equal(t, int64(0), sync.Version)
	assert.False(t, sync.IsEnded())
}

func TestStartGeneratesSessionID(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sync, err := svc.Start(ctx, StartRequest{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sync.SessionID, "ses_"))
}

func TestStartExistingSessionFails(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Start(ctx, StartRequest{SessionID: "ses_1"})
	require.NoError(t, err)

	_, err = svc.Start(ctx, StartRequest{SessionID: "ses_1"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestApplyProgressDeltaBumpsVersionOnce(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	_, err := svc.Start(ctx, StartRequest{SessionID: "ses_1"})
	require.NoError(t, err)

	txn := entity.NewTxn(store, loggy.NewNoopLogger())

	sync, err := svc.ApplyProgressDelta(ctx, txn, "ses_1", ProgressDelta{
		FinishedActionsCount: 1,
		ProcessedVolume:      1000,
		ExchangedVolume:      250,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sync.Version)
	assert.Equal(t, int64(1), sync.FinishedActionsCount)

	// staged, not yet visible
	stored, err := svc.Get(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Version)

	require.NoError(t, txn.Commit(ctx))

	stored, err = svc.Get(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, int64(1000), stored.ProcessedVolume)
	assert.Equal(t, int64(250), stored.ExchangedVolume)
}

func TestApplyProgressDeltaUnknownSession(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	txn := entity.NewTxn(store, loggy.NewNoopLogger())
	defer txn.Rollback(ctx)

	_, err := svc.ApplyProgressDelta(ctx, txn, "ses_ghost", ProgressDelta{ProcessedVolume: 1})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRequestAbortIsIdempotentPerClient(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Start(ctx, StartRequest{SessionID: "ses_1"})
	require.NoError(t, err)

	sync, changed, err := svc.RequestAbort(ctx, "ses_1", "cli_a")
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, sync.AbortRequestedOn)
	firstAbortOn := *sync.AbortRequestedOn
	assert.Equal(t, []string{"cli_a"}, sync.AbortRequestedBy)
	assert.Equal(t, int64(1), sync.Version)

	// same client again: no-op, nothing moves
	sync, changed, err = svc.RequestAbort(ctx, "ses_1", "cli_a")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1), sync.Version)

	// another client joins the set; the first timestamp is preserved
	svc.now = func() time.Time { return time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC) }
	sync, changed, err = svc.RequestAbort(ctx, "ses_1", "cli_b")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, firstAbortOn, *sync.AbortRequestedOn)
	assert.Equal(t, []string{"cli_a", "cli_b"}, sync.AbortRequestedBy)
	assert.Equal(t, int64(2), sync.Version)
}

func TestEndIsOneShot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Start(ctx, StartRequest{SessionID: "ses_1"})
	require.NoError(t, err)

	sync, changed, err := svc.End(ctx, "ses_1", EndStatusRegular)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, sync.IsEnded())
	assert.Equal(t, EndStatusRegular, sync.EndStatus)
	endedOn := *sync.EndedOn

	// a later End with a different status changes nothing
	sync, changed, err = svc.End(ctx, "ses_1", EndStatusError)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, EndStatusRegular, sync.EndStatus)
	assert.Equal(t, endedOn, *sync.EndedOn)
}

func TestEndRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, _, err := svc.End(ctx, "ses_1", "vanished")
	assert.Error(t, err)
}

func TestListAndRemove(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Start(ctx, StartRequest{SessionID: "ses_1"})
	require.NoError(t, err)
	_, err = svc.Start(ctx, StartRequest{SessionID: "ses_2"})
	require.NoError(t, err)

	sessions, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	require.NoError(t, svc.Remove(ctx, "ses_1"))

	sessions, err = svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "ses_2", sessions[0].SessionID)

	_, err = svc.Get(ctx, "ses_1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
