package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method string
	path   string
	query  string
	prefer string
	body   string
}

// testServer returns a Store pointed at an httptest server that records
// the last request and responds with the given status and body.
func testServer(t *testing.T, status int, respBody string) (*Store, *capturedRequest) {
	t.Helper()

	captured := &capturedRequest{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.query = r.URL.RawQuery
		captured.prefer = r.Header.Get("Prefer")
		captured.body = string(body)

		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)

	return NewStore(srv.URL, "test-key", srv.Client()), captured
}

// --- request shapes ---

func TestInsert_BuildsPostRequest(t *testing.T) {
	store, captured := testServer(t, http.StatusCreated, "")

	err := store.Insert(context.Background(), "batches", map[string]any{"id": "b1"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, captured.method)
	assert.Equal(t, "/batches", captured.path)
	assert.Equal(t, "return=minimal", captured.prefer)
	assert.JSONEq(t, `{"id":"b1"}`, captured.body)
}

func TestUpdate_BuildsPatchWithMatchFilter(t *testing.T) {
	store, captured := testServer(t, http.StatusNoContent, "")

	err := store.Update(context.Background(), "batches",
		map[string]any{"current_step_index": 2},
		map[string]any{"id": "b1"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, captured.method)
	assert.Equal(t, "id=eq.b1", captured.query)
	assert.JSONEq(t, `{"current_step_index":2}`, captured.body)
}

func TestUpsert_SetsMergeDuplicates(t *testing.T) {
	store, captured := testServer(t, http.StatusCreated, "")

	err := store.Upsert(context.Background(), "workflows", map[string]any{"id": "w1"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, captured.method)
	assert.Contains(t, captured.prefer, "resolution=merge-duplicates")
}

func TestDelete_BuildsDeleteWithMatchFilter(t *testing.T) {
	store, captured := testServer(t, http.StatusNoContent, "")

	err := store.Delete(context.Background(), "workflows", map[string]any{"id": "w1"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodDelete, captured.method)
	assert.Equal(t, "id=eq.w1", captured.query)
	assert.Empty(t, captured.body)
}

func TestDelete_AlreadyGoneIsSuccess(t *testing.T) {
	// PostgREST deletes of missing rows return 204 with no rows; the
	// replay of a queued delete must treat that as a no-op success.
	store, _ := testServer(t, http.StatusNoContent, "")

	err := store.Delete(context.Background(), "workflows", map[string]any{"id": "already-gone"})
	assert.NoError(t, err)
}

func TestMatchFilters_SortedDeterministically(t *testing.T) {
	store, captured := testServer(t, http.StatusNoContent, "")

	err := store.Delete(context.Background(), "members", map[string]any{
		"user_id":     "u1",
		"location_id": "l1",
	})
	require.NoError(t, err)

	assert.Equal(t, "location_id=eq.l1&user_id=eq.u1", captured.query)
}

// --- Select ---

func TestSelect_DecodesRows(t *testing.T) {
	store, captured := testServer(t, http.StatusOK, `[{"id":"w1","name":"Sourdough"},{"id":"w2","name":"Baguette"}]`)

	var rows []map[string]any
	err := store.Select(context.Background(), "workflows", map[string]any{"owner_id": "u1"}, &rows)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, captured.method)
	assert.Equal(t, "owner_id=eq.u1", captured.query)
	require.Len(t, rows, 2)
	assert.Equal(t, "Sourdough", rows[0]["name"])
}

func TestSelect_BadJSONIsError(t *testing.T) {
	store, _ := testServer(t, http.StatusOK, `{not json`)

	var rows []map[string]any
	err := store.Select(context.Background(), "workflows", nil, &rows)
	require.Error(t, err)
	assert.False(t, IsNetworkError(err))
}

// --- error classification ---

func TestDo_TransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	store := NewStore(srv.URL, "key", nil)

	err := store.Insert(context.Background(), "batches", map[string]any{"id": "b1"})
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.False(t, IsRejection(err))
}

func TestDo_ServiceUnavailableIsTransient(t *testing.T) {
	store, _ := testServer(t, http.StatusServiceUnavailable, `{"message":"maintenance"}`)

	err := store.Insert(context.Background(), "batches", map[string]any{"id": "b1"})
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))

	var te *TransientError
	assert.True(t, errors.As(err, &te))
}

func TestDo_UnauthorizedIsRejection(t *testing.T) {
	store, _ := testServer(t, http.StatusUnauthorized, `{"message":"JWT expired"}`)

	err := store.Update(context.Background(), "batches", map[string]any{"x": 1}, map[string]any{"id": "b1"})
	require.Error(t, err)
	assert.True(t, IsRejection(err))
	assert.False(t, IsNetworkError(err))

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, http.StatusUnauthorized, re.Status)
	assert.Equal(t, "JWT expired", re.Message)
}

func TestDo_ExtractsMessageFromErrorBody(t *testing.T) {
	store, _ := testServer(t, http.StatusConflict, `{"code":"23505","message":"duplicate key value"}`)

	err := store.Insert(context.Background(), "batches", map[string]any{"id": "dup"})
	require.Error(t, err)

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "duplicate key value", re.Message)
}

func TestDo_NonJSONErrorBodySanitized(t *testing.T) {
	store, _ := testServer(t, http.StatusBadRequest, "plain\x00text error")

	err := store.Insert(context.Background(), "batches", map[string]any{"id": "b1"})
	require.Error(t, err)

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.NotContains(t, re.Message, "\x00")
}

// --- Probe ---

func TestProbe_ReachableServerIsSuccess(t *testing.T) {
	store, captured := testServer(t, http.StatusOK, "")

	err := store.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodHead, captured.method)
}

func TestProbe_ErrorStatusStillProvesReachability(t *testing.T) {
	store, _ := testServer(t, http.StatusUnauthorized, "")

	assert.NoError(t, store.Probe(context.Background()))
}

func TestProbe_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	store := NewStore(srv.URL, "key", nil)

	err := store.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
}

// --- decode round trip for typed rows ---

func TestSelect_TypedDecode(t *testing.T) {
	type row struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	payload, _ := json.Marshal([]row{{ID: "w1", Name: "Rye"}})
	store, _ := testServer(t, http.StatusOK, string(payload))

	var rows []row
	require.NoError(t, store.Select(context.Background(), "workflows", nil, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Rye", rows[0].Name)
}
