package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncrelay/syncrelay/internal/cachekey"
	"github.com/syncrelay/syncrelay/internal/config"
	"github.com/syncrelay/syncrelay/internal/entity"
	"github.com/syncrelay/syncrelay/internal/lock"
	"github.com/syncrelay/syncrelay/internal/loggy"
	"github.com/syncrelay/syncrelay/internal/push"
	"github.com/syncrelay/syncrelay/internal/session"
	"github.com/syncrelay/syncrelay/internal/tracking"
)

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

// contendedLocker always times out, simulating a lock under heavy load.
type contendedLocker struct {
	attempts int
}

func (l *contendedLocker) Acquire(ctx context.Context, resource string) (entity.Guard, error) {
	l.attempts++
	return nil, lock.ErrAcquireTimeout
}

// flakyLocker times out a configured number of acquisitions, then grants.
type flakyLocker struct {
	failures int
	attempts int
}

func (l *flakyLocker) Acquire(ctx context.Context, resource string) (entity.Guard, error) {
	l.attempts++
	if l.failures > 0 {
		l.failures--
		return nil, lock.ErrAcquireTimeout
	}
	return noopGuard{}, nil
}

func testServerConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:      "127.0.0.1:0",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: time.Second,
			ReportRetries:   2,
		},
		Push: config.PushConfig{
			MemberBuffer:    8,
			SnapshotMinGap:  time.Millisecond,
			SnapshotBurst:   100,
			HeartbeatPeriod: time.Minute,
		},
	}
}

func newTestServer(t *testing.T, locks entity.Locker) *httptest.Server {
	t.Helper()
	cfg := testServerConfig()
	keys := cachekey.NewFactory("syncrelay")
	store := newMemStore()
	logger := loggy.NewNoopLogger()

	sessions := session.NewService(keys, store, locks, logger)
	hub := push.NewBroadcaster(cfg.Push, logger)
	trackingSvc := tracking.NewService(keys, store, locks, sessions, hub, logger)

	srv := New(cfg, sessions, trackingSvc, hub, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func startTestSession(t *testing.T, ts *httptest.Server, sessionID string) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/sessions", map[string]interface{}{
		"sessionId": sessionID,
		"startedBy": "cli_a",
		"actionsGroupDefinitions": []map[string]interface{}{
			{
				"id":       "act_1",
				"operator": "synchronizeContentOnly",
				"source":   map[string]string{"clientInstanceId": "cli_a"},
				"targets": []map[string]string{
					{"clientInstanceId": "cli_b"},
					{"clientInstanceId": "cli_c"},
				},
				"size": 1000,
			},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestStartAndGetSession(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	resp, err := http.Get(ts.URL + "/api/sessions/ses_1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sync session.Synchronization
	decodeJSON(t, resp, &sync)
	assert.Equal(t, "ses_1", sync.SessionID)
	assert.Equal(t, "cli_a", sync.StartedBy)
	assert.Equal(t, int64(1), sync.TotalActionsCount)
	assert.NotEmpty(t, sync.Label)
}

func TestStartConflict(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	resp := postJSON(t, ts.URL+"/api/sessions", map[string]interface{}{"sessionId": "ses_1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetSessionNotFound(t *testing.T) {
	ts := newTestServer(t, noopLocker{})

	resp, err := http.Get(ts.URL + "/api/sessions/ses_ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportFlow(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	reportsURL := ts.URL + "/api/sessions/ses_1/reports"

	resp := postJSON(t, reportsURL, map[string]interface{}{
		"actionsGroupId": "act_1", "clientId": "cli_a",
		"role": "source", "outcome": "success", "processedVolume": 1000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res tracking.Result
	decodeJSON(t, resp, &res)
	assert.False(t, res.NoOp)
	assert.False(t, res.Action.IsFinished())

	resp = postJSON(t, reportsURL, map[string]interface{}{
		"actionsGroupId": "act_1", "clientId": "cli_b",
		"role": "target", "outcome": "success", "processedVolume": 1000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &res)

	resp = postJSON(t, reportsURL, map[string]interface{}{
		"actionsGroupId": "act_1", "clientId": "cli_c",
		"role": "target", "outcome": "error",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &res)
	require.True(t, res.Action.IsFinished())
	require.NotNil(t, res.Synchronization)
	assert.Equal(t, int64(1), res.Synchronization.ErrorsCount)
	assert.Equal(t, int64(2000), res.Synchronization.ProcessedVolume)

	// redelivery is acknowledged without effect
	resp = postJSON(t, reportsURL, map[string]interface{}{
		"actionsGroupId": "act_1", "clientId": "cli_c",
		"role": "target", "outcome": "error",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &res)
	assert.True(t, res.NoOp)
}

func TestReportValidationFails(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	resp := postJSON(t, ts.URL+"/api/sessions/ses_1/reports", map[string]interface{}{
		"actionsGroupId": "act_1", "clientId": "cli_b",
		"role": "observer", "outcome": "success",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReportUnknownAction(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	resp := postJSON(t, ts.URL+"/api/sessions/ses_1/reports", map[string]interface{}{
		"actionsGroupId": "act_ghost", "clientId": "cli_b",
		"role": "target", "outcome": "success",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportLockContentionReturns503(t *testing.T) {
	locks := &contendedLocker{}
	ts := newTestServer(t, locks)

	resp := postJSON(t, ts.URL+"/api/sessions/ses_1/reports", map[string]interface{}{
		"actionsGroupId": "act_1", "clientId": "cli_b",
		"role": "target", "outcome": "success",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	// configured retries exhausted: initial attempt plus two retries
	assert.Equal(t, 3, locks.attempts)
}

func TestReportRetriesAfterTransientLockContention(t *testing.T) {
	locks := &flakyLocker{}
	ts := newTestServer(t, locks)
	startTestSession(t, ts, "ses_1")

	// the next acquisition times out once; the handler's retry must land
	// the report exactly once
	locks.failures = 1
	locks.attempts = 0

	resp := postJSON(t, ts.URL+"/api/sessions/ses_1/reports", map[string]interface{}{
		"actionsGroupId": "act_1", "clientId": "cli_b",
		"role": "target", "outcome": "success", "processedVolume": 1000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res tracking.Result
	decodeJSON(t, resp, &res)
	assert.False(t, res.NoOp)
	// one timed-out attempt, then the tracking and session locks
	assert.Equal(t, 3, locks.attempts)

	getResp, err := http.Get(ts.URL + "/api/sessions/ses_1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var sync session.Synchronization
	decodeJSON(t, getResp, &sync)
	assert.Equal(t, int64(1000), sync.ProcessedVolume, "retried report counted exactly once")
	assert.Equal(t, int64(1), sync.Version)
}

func TestAbortIsIdempotent(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	abortURL := ts.URL + "/api/sessions/ses_1/abort"

	resp := postJSON(t, abortURL, map[string]string{"requestedBy": "cli_b"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sync session.Synchronization
	decodeJSON(t, resp, &sync)
	require.NotNil(t, sync.AbortRequestedOn)
	assert.Equal(t, []string{"cli_b"}, sync.AbortRequestedBy)
	version := sync.Version

	resp = postJSON(t, abortURL, map[string]string{"requestedBy": "cli_b"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &sync)
	assert.Equal(t, version, sync.Version)
}

func TestEndIsOneShot(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	endURL := ts.URL + "/api/sessions/ses_1/end"

	resp := postJSON(t, endURL, map[string]string{"status": "regular"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sync session.Synchronization
	decodeJSON(t, resp, &sync)
	assert.True(t, sync.IsEnded())

	resp = postJSON(t, endURL, map[string]string{"status": "error"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeJSON(t, resp, &sync)
	assert.Equal(t, session.EndStatusRegular, sync.EndStatus)
}

func TestRemoveSession(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/ses_1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	getResp, err := http.Get(ts.URL + "/api/sessions/ses_1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestGetAction(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	resp, err := http.Get(ts.URL + "/api/sessions/ses_1/actions/act_1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var action tracking.TrackingAction
	decodeJSON(t, resp, &action)
	assert.Equal(t, "act_1", action.ActionsGroupID)
	assert.Len(t, action.TargetClientInstanceIDs, 2)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, noopLocker{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStreamSnapshotAndProgress(t *testing.T) {
	ts := newTestServer(t, noopLocker{})
	startTestSession(t, ts, "ses_1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/sessions/ses_1/events?clientId=cli_watch", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, data := readSSEEvent(t, reader)
	assert.Equal(t, "snapshot", event)
	var snap session.Synchronization
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Equal(t, "ses_1", snap.SessionID)

	// a report lands while the stream is open
	reportResp := postJSON(t, ts.URL+"/api/sessions/ses_1/reports", map[string]interface{}{
		"actionsGroupId": "act_1", "clientId": "cli_b",
		"role": "target", "outcome": "success", "processedVolume": 1000,
	})
	reportResp.Body.Close()
	require.Equal(t, http.StatusOK, reportResp.StatusCode)

	event, data = readSSEEvent(t, reader)
	assert.Equal(t, "progress", event)
	var prog push.ProgressPush
	require.NoError(t, json.Unmarshal([]byte(data), &prog))
	assert.Equal(t, int64(1000), prog.ProcessedVolume)
	assert.Equal(t, int64(1), prog.Version)
}

func readSSEEvent(t *testing.T, reader *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}
