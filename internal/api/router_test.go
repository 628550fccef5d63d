package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthost/agenthost/internal/agent"
	"github.com/agenthost/agenthost/internal/common/config"
	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/internal/db"
	"github.com/agenthost/agenthost/internal/events/bus"
	"github.com/agenthost/agenthost/internal/gateway/websocket"
	"github.com/agenthost/agenthost/internal/llm"
	"github.com/agenthost/agenthost/internal/storage"
	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

func newTestServer(t *testing.T, scripted *llm.Scripted) (*gin.Engine, *agent.Registry) {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store, err := storage.New(sqlDB)
	require.NoError(t, err)

	log := logger.Default()
	registry := agent.NewRegistry(store, bus.NewMemoryEventBus(log), scripted, nil,
		map[string]agent.Class{"support": {SystemPrompt: "You are support."}},
		config.RuntimeConfig{ToolsPerTick: 5, MaxSteps: 50, EventRingSize: 100, SubagentTimeout: time.Minute},
		log)
	t.Cleanup(func() { registry.HibernateAll(context.Background()) })

	gateway := websocket.NewGateway(registry, log)
	wsHandler := websocket.NewHandler(gateway, log)
	router := NewRouter(NewHandler(registry, log), wsHandler, log)
	return router, registry
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func waitForCompleted(t *testing.T, registry *agent.Registry, class, name string) {
	t.Helper()
	in := registry.Get(class, name)
	require.Eventually(t, func() bool {
		run, err := in.Run(context.Background())
		return err == nil && run != nil && run.Status == v1.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t, llm.NewScripted(0))
	w := doJSON(t, router, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestCreateThread(t *testing.T) {
	router, _ := newTestServer(t, llm.NewScripted(0))
	w := doJSON(t, router, http.MethodPost, "/threads", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, decodeBody(t, w)["id"])
}

func TestInvokeAcceptedAndRunCompletes(t *testing.T) {
	router, registry := newTestServer(t, llm.NewScripted(0))

	w := doJSON(t, router, http.MethodPost, "/support/alice/invoke",
		map[string]any{"text": "hello"})
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, "running", body["status"])

	waitForCompleted(t, registry, "support", "alice")

	w = doJSON(t, router, http.MethodGet, "/support/alice/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []v1.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "Acknowledged: hello", resp.Messages[1].Text())
}

func TestInvokeWithoutInput(t *testing.T) {
	router, _ := newTestServer(t, llm.NewScripted(0))
	w := doJSON(t, router, http.MethodPost, "/support/alice/invoke", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveWithoutRun(t *testing.T) {
	router, _ := newTestServer(t, llm.NewScripted(0))
	w := doJSON(t, router, http.MethodPost, "/support/alice/approve", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "no run", decodeBody(t, w)["error"])
}

func TestStateRoundTrip(t *testing.T) {
	router, registry := newTestServer(t, llm.NewScripted(0))

	w := doJSON(t, router, http.MethodGet, "/support/alice/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, w.Body.String())

	in := registry.Get("support", "alice")
	require.NoError(t, in.SetState(context.Background(), json.RawMessage(`{"mood":"calm"}`)))

	w = doJSON(t, router, http.MethodGet, "/support/alice/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"mood":"calm"}`, w.Body.String())
}

func TestChatStreamsSSE(t *testing.T) {
	router, _ := newTestServer(t, llm.NewScripted(4))

	w := doJSON(t, router, http.MethodPost, "/support/alice/chat", map[string]any{
		"messages": []v1.Message{
			{ID: "u1", Role: v1.RoleUser, Parts: []v1.Part{v1.TextPart("hello")}},
		},
		"streamId": "chat-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "chat-1", w.Header().Get("X-Stream-Id"))

	var streamed string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		assert.Equal(t, "text-delta", frame.Type)
		streamed += frame.Delta
	}
	assert.Equal(t, "Acknowledged: hello", streamed)

	// Re-attaching replays the identical prefix and reports completion.
	w = doJSON(t, router, http.MethodGet, "/support/alice/stream/chat-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Stream-Complete"))
	assert.Contains(t, w.Body.String(), "data: ")

	w = doJSON(t, router, http.MethodGet, "/support/alice/stream/chat-1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeBody(t, w)
	assert.Equal(t, true, status["completed"])
	assert.Greater(t, status["position"], float64(0))
}

func TestStreamNotFound(t *testing.T) {
	router, _ := newTestServer(t, llm.NewScripted(0))

	w := doJSON(t, router, http.MethodGet, "/support/alice/stream/missing/status", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Stream not found", decodeBody(t, w)["error"])

	w = doJSON(t, router, http.MethodGet, "/support/alice/stream/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearMessagesWipesStreams(t *testing.T) {
	router, registry := newTestServer(t, llm.NewScripted(0))

	w := doJSON(t, router, http.MethodPost, "/support/alice/chat", map[string]any{
		"messages": []v1.Message{
			{ID: "u1", Role: v1.RoleUser, Parts: []v1.Part{v1.TextPart("hello")}},
		},
		"streamId": "chat-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	waitForCompleted(t, registry, "support", "alice")

	w = doJSON(t, router, http.MethodDelete, "/support/alice/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/support/alice/stream/chat-1/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/support/alice/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []v1.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Messages)
}

func TestScheduleLifecycle(t *testing.T) {
	router, _ := newTestServer(t, llm.NewScripted(0))

	w := doJSON(t, router, http.MethodPost, "/support/alice/schedule", map[string]any{
		"callback": "ping",
		"kind":     "delayed",
		"delay":    "1h",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)
	require.NotEmpty(t, id)

	w = doJSON(t, router, http.MethodGet, "/support/alice/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Schedules []v1.Schedule `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Schedules, 1)

	w = doJSON(t, router, http.MethodDelete, "/support/alice/schedule/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/support/alice/schedule/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleInvalidKind(t *testing.T) {
	router, _ := newTestServer(t, llm.NewScripted(0))
	w := doJSON(t, router, http.MethodPost, "/support/alice/schedule", map[string]any{
		"callback": "ping",
		"kind":     "lunar",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsEndpoint(t *testing.T) {
	router, registry := newTestServer(t, llm.NewScripted(0))

	w := doJSON(t, router, http.MethodPost, "/support/alice/invoke",
		map[string]any{"text": "hello"})
	require.Equal(t, http.StatusAccepted, w.Code)
	waitForCompleted(t, registry, "support", "alice")

	w = doJSON(t, router, http.MethodGet, "/support/alice/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Events []v1.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	types := make(map[string]bool)
	for _, ev := range resp.Events {
		types[ev.Type] = true
	}
	assert.True(t, types[v1.EventRunStarted])
	assert.True(t, types[v1.EventAgentCompleted])
}
