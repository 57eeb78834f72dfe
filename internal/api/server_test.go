package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/eventcore/config"
	"example.com/backstage/eventcore/internal/domain"
	"example.com/backstage/eventcore/internal/outbox"
)

var now = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func failedEntry(t *testing.T, store *outbox.MemoryStore) outbox.Entry {
	t.Helper()
	ctx := context.Background()
	entry := outbox.NewEntry(domain.StreamKey{Type: "CATEGORY", ID: "c1"}, outbox.Message{
		Target:     "domain-events",
		RoutingKey: "CATEGORY.CategoryCreated",
		Payload:    []byte(`{"name":"x"}`),
	}, now)
	require.NoError(t, store.Insert(ctx, []outbox.Entry{entry}))
	_, err := store.Claim(ctx, "relay-a", 1, now)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, entry.ID, "relay-a", "schema rejected", now))
	return entry
}

func newTestServer(admin OutboxAdmin, health HealthCheck) *Server {
	return NewServer(config.AdminConfig{Address: ":0", Mode: gin.TestMode}, admin, health)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(outbox.NewMemoryStore(), nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDKey))

	srv = newTestServer(outbox.NewMemoryStore(), func(context.Context) error { return errors.New("db down") })
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDKey, "req-1")
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "req-1", w.Header().Get(requestIDKey))
}

func TestListFailed(t *testing.T) {
	store := outbox.NewMemoryStore()
	entry := failedEntry(t, store)
	srv := newTestServer(store, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/outbox/failed?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entries []entryResponse `json:"entries"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, entry.ID.String(), body.Entries[0].ID)
	assert.Equal(t, "CATEGORY/c1", body.Entries[0].Stream)
	assert.Equal(t, "schema rejected", body.Entries[0].LastError)
	assert.Equal(t, 1, body.Entries[0].Attempts)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/outbox/failed?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetry(t *testing.T) {
	store := outbox.NewMemoryStore()
	entry := failedEntry(t, store)
	srv := newTestServer(store, nil)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/outbox/failed/"+entry.ID.String()+"/retry", nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	got, ok := store.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, outbox.StatePublishable, got.State())

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/outbox/failed/"+entry.ID.String()+"/retry", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/outbox/failed/not-a-uuid/retry", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/outbox/failed/"+uuid.NewString()+"/retry", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestLoggerCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	previous := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = previous })

	store := outbox.NewMemoryStore()
	entry := failedEntry(t, store)
	srv := newTestServer(store, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/outbox/failed/"+entry.ID.String()+"/retry", nil)
	req.Header.Set(requestIDKey, "req-7")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var lines []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &fields))
		lines = append(lines, fields)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "Outbox entry re-queued", lines[0]["message"])
	assert.Equal(t, entry.ID.String(), lines[0]["entry_id"])
	for _, fields := range lines {
		assert.Equal(t, "req-7", fields["request_id"])
	}
}
