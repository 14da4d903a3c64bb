package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/retailgrid/script_layer/infrastructure/logging"
	"github.com/retailgrid/script_layer/infrastructure/ratelimit"
	"github.com/retailgrid/script_layer/internal/engine"
	"github.com/retailgrid/script_layer/internal/executor"
	"github.com/retailgrid/script_layer/internal/store"
)

func newTestServer(t *testing.T) (*Server, *executor.Service, *store.MemoryStore) {
	t.Helper()

	svc, err := executor.New(executor.Config{
		PoolSize:  2,
		CacheSize: 10,
		Limits:    engine.DefaultLimits(),
		Logger:    logging.New("test", "error", "text"),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	st := store.NewMemoryStore()
	srv := NewServer(svc, st, logging.New("test", "error", "text"), nil)
	return srv, svc, st
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Execute(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/execute", map[string]interface{}{
		"script": "return params.x * 2;",
		"params": map[string]int{"x": 21},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, gjson.Get(body, "success").Bool(), body)
	assert.EqualValues(t, 42, gjson.Get(body, "result").Int())
}

func TestServer_Execute_MissingScript(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/execute", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Execute_FailureStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/execute", map[string]interface{}{
		"script":     "throw new Error('kaput');",
		"timeout_ms": 1000,
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := rec.Body.String()
	assert.False(t, gjson.Get(body, "success").Bool())
	assert.Equal(t, executor.ErrorExecution, gjson.Get(body, "error").String())
	assert.Contains(t, gjson.Get(body, "message").String(), "kaput")
}

func TestServer_Execute_NativeCall(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	svc.RegisterHandler("hostAdd", func(ctx context.Context, argsJSON string) (string, error) {
		args := gjson.Parse(argsJSON).Array()
		return fmt.Sprintf("%d", args[0].Int()+args[1].Int()), nil
	})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/execute", map[string]interface{}{
		"script":       "return await hostAdd(2, 3);",
		"native_funcs": []string{"hostAdd"},
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, gjson.Get(rec.Body.String(), "result").Int())
}

func TestServer_ScriptLifecycle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	// Create
	rec := doJSON(t, h, http.MethodPost, "/v1/scripts", map[string]interface{}{
		"account_id": "acct-1",
		"name":       "discount",
		"source":     "return params.total * 0.9;",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := gjson.Get(rec.Body.String(), "id").String()
	require.NotEmpty(t, id)

	// Get
	rec = doJSON(t, h, http.MethodGet, "/v1/scripts/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "discount", gjson.Get(rec.Body.String(), "name").String())

	// List
	rec = doJSON(t, h, http.MethodGet, "/v1/scripts?account=acct-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, gjson.Parse(rec.Body.String()).Get("#").Int())

	// Execute stored
	rec = doJSON(t, h, http.MethodPost, "/v1/scripts/"+id+"/execute", map[string]interface{}{"total": 100})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 90, gjson.Get(rec.Body.String(), "result").Int())

	// Run history
	rec = doJSON(t, h, http.MethodGet, "/v1/scripts/"+id+"/runs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	runs := gjson.Parse(rec.Body.String())
	assert.EqualValues(t, 1, runs.Get("#").Int())
	assert.True(t, runs.Get("0.success").Bool())

	// Update
	rec = doJSON(t, h, http.MethodPut, "/v1/scripts/"+id, map[string]interface{}{
		"source": "return params.total;",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "return params.total;", gjson.Get(rec.Body.String(), "source").String())

	// Delete
	rec = doJSON(t, h, http.MethodDelete, "/v1/scripts/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/scripts/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_StatsAndCache(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/execute", map[string]interface{}{"script": "return 1;"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.EqualValues(t, 1, gjson.Get(body, "executions").Int())
	assert.EqualValues(t, 1, gjson.Get(body, "misses").Int())
	assert.EqualValues(t, 1, gjson.Get(body, "cache_size").Int())

	rec = doJSON(t, h, http.MethodDelete, "/v1/cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/stats", nil)
	assert.EqualValues(t, 0, gjson.Get(rec.Body.String(), "cache_size").Int())
}

func TestServer_RateLimit(t *testing.T) {
	svc, err := executor.New(executor.Config{
		PoolSize:  1,
		CacheSize: 10,
		Limits:    engine.DefaultLimits(),
		Logger:    logging.New("test", "error", "text"),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	limiter := ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	srv := NewServer(svc, store.NewMemoryStore(), logging.New("test", "error", "text"), limiter)

	first := doJSON(t, srv.Handler(), http.MethodPost, "/v1/execute", map[string]interface{}{"script": "return 1;"})
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, srv.Handler(), http.MethodPost, "/v1/execute", map[string]interface{}{"script": "return 1;"})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
