package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonal-labs/cantata/internal/analyzer"
	"github.com/tonal-labs/cantata/internal/engine"
	"github.com/tonal-labs/cantata/internal/metrics"
	"github.com/tonal-labs/cantata/internal/optimizer"
	"github.com/tonal-labs/cantata/internal/server"
	"github.com/tonal-labs/cantata/internal/storage"
	"github.com/tonal-labs/cantata/pkg/api"
)

// fakeToolClient answers every tool invocation with a fixed result
type fakeToolClient struct {
	result map[string]any
}

func (c *fakeToolClient) Invoke(
	_ context.Context, _ string, _ map[string]any, _ time.Duration,
) (map[string]any, error) {
	return c.result, nil
}

type testAPI struct {
	srv     *httptest.Server
	storage storage.Store
	metrics *metrics.FileStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore()
	ms, err := metrics.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)

	eng, err := engine.New(engine.Dependencies{
		Storage: store,
		Client:  &fakeToolClient{result: map[string]any{"total": 5.0}},
	})
	require.NoError(t, err)

	an := analyzer.New(store, ms, analyzer.Config{})
	opt := optimizer.New(store, an)

	s := server.NewServer(eng, store, ms, an, opt)
	srv := httptest.NewServer(s.SetupRoutes())
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, storage: store, metrics: ms}
}

func (a *testAPI) request(
	t *testing.T, method, path string, body any,
) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (a *testAPI) saveComposition(t *testing.T) *api.Composition {
	t.Helper()
	comp := api.NewComposition("order-pipeline")
	comp.Steps = []*api.Step{
		{ID: "fetch", Name: "Fetch Order", Tool: "orders.get"},
	}
	require.NoError(t,
		a.storage.SaveComposition(context.Background(), comp))
	return comp
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	status, body := a.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)

	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "cantata", health.Service)
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Version)
}

func TestCreateComposition(t *testing.T) {
	a := newTestAPI(t)

	status, body := a.request(t, http.MethodPost, "/compositions",
		map[string]any{
			"name": "order-pipeline",
			"steps": []map[string]any{
				{"id": "fetch", "name": "Fetch Order", "tool": "orders.get"},
			},
		})
	require.Equal(t, http.StatusCreated, status)

	var comp api.Composition
	require.NoError(t, json.Unmarshal(body, &comp))
	assert.NotEmpty(t, comp.ID)
	assert.Equal(t, "0.1.0", comp.Version)
	assert.Equal(t, api.StatusDraft, comp.Status)

	saved, err := a.storage.LoadComposition(context.Background(), comp.ID)
	require.NoError(t, err)
	assert.Equal(t, "order-pipeline", saved.Name)
}

func TestCreateCompositionRejectsInvalid(t *testing.T) {
	a := newTestAPI(t)

	// A step without a tool fails validation
	status, body := a.request(t, http.MethodPost, "/compositions",
		map[string]any{
			"name": "broken",
			"steps": []map[string]any{
				{"id": "fetch", "name": "Fetch Order"},
			},
		})
	require.Equal(t, http.StatusBadRequest, status)

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Contains(t, resp.Error, "invalid composition")
}

func TestGetComposition(t *testing.T) {
	a := newTestAPI(t)
	comp := a.saveComposition(t)

	status, body := a.request(t,
		http.MethodGet, "/compositions/"+string(comp.ID), nil)
	require.Equal(t, http.StatusOK, status)

	var loaded api.Composition
	require.NoError(t, json.Unmarshal(body, &loaded))
	assert.Equal(t, comp.ID, loaded.ID)

	status, _ = a.request(t, http.MethodGet, "/compositions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestListCompositions(t *testing.T) {
	a := newTestAPI(t)
	a.saveComposition(t)

	status, body := a.request(t, http.MethodGet, "/compositions", nil)
	require.Equal(t, http.StatusOK, status)

	var list api.CompositionsListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)

	status, body = a.request(t,
		http.MethodGet, "/compositions?status=production", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Zero(t, list.Count)
}

func TestDeleteComposition(t *testing.T) {
	a := newTestAPI(t)
	comp := a.saveComposition(t)

	status, _ := a.request(t,
		http.MethodDelete, "/compositions/"+string(comp.ID), nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = a.request(t,
		http.MethodDelete, "/compositions/"+string(comp.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestExecute(t *testing.T) {
	a := newTestAPI(t)
	comp := a.saveComposition(t)

	status, body := a.request(t, http.MethodPost, "/executions",
		api.ExecuteRequest{CompositionID: comp.ID})
	require.Equal(t, http.StatusOK, status)

	var result api.ExecuteResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Equal(t,
		map[string]any{"total": 5.0}, result.Data["fetch"])
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	a := newTestAPI(t)

	status, _ := a.request(t, http.MethodPost, "/executions",
		api.ExecuteRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = a.request(t, http.MethodPost, "/executions",
		api.ExecuteRequest{CompositionID: "ghost"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCompositionMetrics(t *testing.T) {
	a := newTestAPI(t)
	comp := a.saveComposition(t)

	require.NoError(t, a.metrics.Append(comp.ID, &api.ExecutionRecord{
		ExecutionID: "run-1",
		Timestamp:   time.Now().UTC(),
		Success:     true,
	}))

	status, body := a.request(t, http.MethodGet,
		"/compositions/"+string(comp.ID)+"/metrics", nil)
	require.Equal(t, http.StatusOK, status)

	var list api.MetricsListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, comp.ID, list.CompositionID)
	assert.Equal(t, 1, list.Count)

	status, _ = a.request(t, http.MethodGet,
		"/compositions/"+string(comp.ID)+"/metrics?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCompositionAnalysis(t *testing.T) {
	a := newTestAPI(t)
	comp := a.saveComposition(t)

	status, body := a.request(t, http.MethodGet,
		"/compositions/"+string(comp.ID)+"/analysis", nil)
	require.Equal(t, http.StatusOK, status)

	var report analyzer.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.False(t, report.MetricsFound)

	status, _ = a.request(t, http.MethodGet,
		"/compositions/ghost/analysis", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestOptimizeWithoutData(t *testing.T) {
	a := newTestAPI(t)
	comp := a.saveComposition(t)

	status, _ := a.request(t, http.MethodPost,
		"/compositions/"+string(comp.ID)+"/optimize", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = a.request(t, http.MethodGet,
		"/compositions/"+string(comp.ID)+"/suggestions", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = a.request(t, http.MethodPost,
		"/compositions/ghost/optimize", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestWebSocketStreamsRunEvents(t *testing.T) {
	a := newTestAPI(t)
	comp := a.saveComposition(t)

	wsURL := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer func() { _ = conn.Close() }()

	// Give the server a moment to wire the event consumer
	time.Sleep(100 * time.Millisecond)

	status, _ := a.request(t, http.MethodPost, "/executions",
		api.ExecuteRequest{CompositionID: comp.ID})
	require.Equal(t, http.StatusOK, status)

	require.NoError(t,
		conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	types := make([]engine.RunEventType, 0, 4)
	for range 4 {
		var ev engine.RunEvent
		require.NoError(t, conn.ReadJSON(&ev))
		types = append(types, ev.Type)
		assert.Equal(t, string(comp.ID), ev.Data["composition_id"])
	}
	assert.Equal(t, []engine.RunEventType{
		engine.EventExecutionStarted,
		engine.EventStepStarted,
		engine.EventStepEnded,
		engine.EventExecutionEnded,
	}, types)
}

func TestCORSPreflight(t *testing.T) {
	a := newTestAPI(t)

	req, err := http.NewRequest(
		http.MethodOptions, a.srv.URL+"/compositions", nil,
	)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*",
		resp.Header.Get("Access-Control-Allow-Origin"))
}
