package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/costline/costline/internal/auth"
	"github.com/costline/costline/internal/config"
	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/engine"
	"github.com/costline/costline/internal/llm"
	"github.com/costline/costline/internal/repository"
	"github.com/costline/costline/internal/service"
	"github.com/costline/costline/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedProvider struct {
	response string
}

func (p *fixedProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	return p.response, nil
}

func (p *fixedProvider) GenerateStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Text: p.response}
	close(ch)
	return ch, nil
}

const deckResponse = `<estimate><project_title>Deck Build</project_title><currency>USD</currency><actions>` +
	`<action>+ description='Decking boards', quantity=100, unit_price=12</action>` +
	`</actions></estimate>`

func newTestRouter(t *testing.T) (*gin.Engine, *stream.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		LLM:   config.LLMConfig{Temperature: 0.2},
		Agent: config.AgentConfig{DefaultCurrency: "USD", ItemContextLimit: 300},
		Stream: config.StreamConfig{
			MaxConnectionsPerUser: 3,
			HeartbeatInterval:     time.Minute,
			SessionTimeout:        50 * time.Millisecond,
		},
	}

	projects := repository.NewProjectRepository(db)
	items := repository.NewItemRepository(db)
	convs := repository.NewConversationRepository(db)
	eng := engine.New(items, zap.NewNop())
	svc := service.NewEstimateService(cfg, projects, items, convs, eng,
		&fixedProvider{response: deckResponse}, zap.NewNop())

	manager := stream.NewManager(zap.NewNop())
	router := SetupRouter(svc, manager, &auth.LocalVerifier{}, RouterConfig{
		AllowOrigins: []string{"*"},
		Stream:       cfg.Stream,
	}, zap.NewNop())
	return router, manager
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgent_RequiresAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/agent", "", `{"prompt":"deck"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgent_BufferedGenerate(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/agent", "alice", `{"prompt":"build a deck"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result service.GenerateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "Deck Build", result.ProjectTitle)
	assert.Equal(t, 1, result.ItemsAdded)
	assert.NotEmpty(t, result.ProjectID)
}

func TestAgent_BadRequestBody(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/agent", "alice", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjects_OwnershipEnforced(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/agent", "alice", `{"prompt":"deck"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result service.GenerateResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	own := doJSON(t, router, http.MethodGet, "/api/projects/"+result.ProjectID, "alice", "", nil)
	assert.Equal(t, http.StatusOK, own.Code)

	other := doJSON(t, router, http.MethodGet, "/api/projects/"+result.ProjectID, "mallory", "", nil)
	assert.Equal(t, http.StatusForbidden, other.Code)

	items := doJSON(t, router, http.MethodGet, "/api/projects/"+result.ProjectID+"/items?limit=10", "alice", "", nil)
	assert.Equal(t, http.StatusOK, items.Code)
	assert.Contains(t, items.Body.String(), "Decking boards")
}

func TestAgent_StreamedPrompt(t *testing.T) {
	router, _ := newTestRouter(t)

	created := doJSON(t, router, http.MethodPost, "/api/agent", "alice", `{"prompt":"deck"}`, nil)
	require.Equal(t, http.StatusOK, created.Code)
	var result service.GenerateResult
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &result))

	rec := doJSON(t, router, http.MethodPost, "/api/agent/prompt", "alice",
		`{"projectId":"`+result.ProjectID+`","prompt":"more boards"}`,
		map[string]string{"Accept": "application/x-ndjson"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var sawStart, sawChunk, sawComplete bool
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line %q", line)
		switch ev.Type {
		case domain.EventStart:
			sawStart = true
		case domain.EventChunk:
			sawChunk = true
		case domain.EventComplete:
			sawComplete = true
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawChunk)
	assert.True(t, sawComplete, "stream must terminate with a complete event")
}

func TestAgent_StreamedGenerate(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/agent", "alice", `{"prompt":"build a deck"}`,
		map[string]string{"Accept": "application/x-ndjson"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var complete *domain.StreamEvent
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line %q", line)
		if ev.Type == domain.EventComplete {
			complete = &ev
		}
	}
	require.NotNil(t, complete, "generate stream must terminate with a complete event")

	data, ok := complete.Data.(map[string]any)
	require.True(t, ok)
	projectID, _ := data["projectId"].(string)
	require.NotEmpty(t, projectID)

	items := doJSON(t, router, http.MethodGet, "/api/projects/"+projectID+"/items", "alice", "", nil)
	require.Equal(t, http.StatusOK, items.Code)
	assert.Contains(t, items.Body.String(), "Decking boards")
}

func TestStream_ConnectionLimit(t *testing.T) {
	router, manager := newTestRouter(t)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		sess, err := stream.NewSession("pre-"+itoa(i), "alice", rec, zap.NewNop())
		require.NoError(t, err)
		manager.Add(sess)
	}

	rec := doJSON(t, router, http.MethodGet, "/api/stream/connect", "alice", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Connection limit reached")
	assert.Equal(t, 3, manager.UserConnectionCount("alice"), "4th connection not registered")

	streamed := doJSON(t, router, http.MethodPost, "/api/agent/prompt", "alice",
		`{"projectId":"x","prompt":"y"}`,
		map[string]string{"Accept": "application/x-ndjson"})
	assert.Equal(t, http.StatusTooManyRequests, streamed.Code)
}

func TestStream_ConnectTimesOutCleanly(t *testing.T) {
	router, manager := newTestRouter(t)

	// The short session timeout ends the connection, so the handler
	// returns and the recorder holds the whole stream.
	rec := doJSON(t, router, http.MethodGet, "/api/stream/connect", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"connection"`)
	assert.Contains(t, body, `"stream timed out"`)
	assert.Equal(t, 0, manager.UserConnectionCount("alice"))
}

func TestStream_StatsAreOwnOnly(t *testing.T) {
	router, manager := newTestRouter(t)

	recA := httptest.NewRecorder()
	sessA, err := stream.NewSession("conn-a", "alice", recA, zap.NewNop())
	require.NoError(t, err)
	manager.Add(sessA)

	recB := httptest.NewRecorder()
	sessB, err := stream.NewSession("conn-b", "bob", recB, zap.NewNop())
	require.NoError(t, err)
	manager.Add(sessB)

	rec := doJSON(t, router, http.MethodGet, "/api/stream/stats", "alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats stream.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalConnections)
	require.Len(t, stats.Connections, 1)
	assert.Equal(t, "conn-a", stats.Connections[0].ID)
}

func TestStream_DeleteConnection(t *testing.T) {
	router, manager := newTestRouter(t)

	rec := httptest.NewRecorder()
	sess, err := stream.NewSession("conn-a", "alice", rec, zap.NewNop())
	require.NoError(t, err)
	sess.Open()
	manager.Add(sess)

	notOwned := doJSON(t, router, http.MethodDelete, "/api/stream/connection/conn-a", "bob", "", nil)
	assert.Equal(t, http.StatusNotFound, notOwned.Code)

	missing := doJSON(t, router, http.MethodDelete, "/api/stream/connection/nope", "alice", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	owned := doJSON(t, router, http.MethodDelete, "/api/stream/connection/conn-a", "alice", "", nil)
	assert.Equal(t, http.StatusOK, owned.Code)
	assert.Equal(t, 0, manager.UserConnectionCount("alice"))

	select {
	case <-sess.Done():
	default:
		t.Fatal("deleted session not ended")
	}
}

func TestStream_Broadcast(t *testing.T) {
	router, manager := newTestRouter(t)

	rec := httptest.NewRecorder()
	sess, err := stream.NewSession("conn-a", "alice", rec, zap.NewNop())
	require.NoError(t, err)
	sess.Open()
	manager.Add(sess)

	resp := doJSON(t, router, http.MethodPost, "/api/stream/broadcast", "admin",
		`{"message":"maintenance at noon"}`, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"sent":1`)
	assert.Contains(t, rec.Body.String(), "maintenance at noon")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
