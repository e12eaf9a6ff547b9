package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumagiceco/graphrag/internal/bus"
	"github.com/edumagiceco/graphrag/internal/chat"
	"github.com/edumagiceco/graphrag/internal/ingest/chunker"
	"github.com/edumagiceco/graphrag/internal/ingest/extractor"
	"github.com/edumagiceco/graphrag/internal/ingest/parser"
	"github.com/edumagiceco/graphrag/internal/ingest/pipeline"
	"github.com/edumagiceco/graphrag/internal/llm"
	"github.com/edumagiceco/graphrag/internal/retrieval"
	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/internal/storage/sqlite"
	"github.com/edumagiceco/graphrag/internal/vector/milvus"
	"github.com/edumagiceco/graphrag/internal/version"
	"github.com/edumagiceco/graphrag/pkg/config"
	"github.com/edumagiceco/graphrag/pkg/retry"
)

const testToken = "test-admin-token"

type stubVectors struct{}

func (stubVectors) EnsureCollection(ctx context.Context, tenantID string, v int) error { return nil }
func (stubVectors) DropCollection(ctx context.Context, tenantID string, v int) error   { return nil }
func (stubVectors) Insert(ctx context.Context, tenantID string, v int, chunks []milvus.Chunk) error {
	return nil
}
func (stubVectors) DeleteByDocument(ctx context.Context, tenantID string, v int, documentID string) error {
	return nil
}

type stubGraph struct{}

func (stubGraph) DeleteTenantVersion(ctx context.Context, tenantID string, v int) error { return nil }
func (stubGraph) DeleteByDocument(ctx context.Context, tenantID string, v int, documentID string) error {
	return nil
}
func (stubGraph) Build(ctx context.Context, tenantID string, v int, documentID string,
	entities []extractor.Entity, relations []extractor.Relation) (int, int, error) {
	return 0, 0, nil
}

type stubBus struct{}

func (stubBus) PublishProgress(ctx context.Context, documentID string, ev bus.ProgressEvent) error {
	return nil
}
func (stubBus) Progress(ctx context.Context, documentID string) (bus.ProgressEvent, bool, error) {
	return bus.ProgressEvent{}, false, nil
}
func (stubBus) Cancelled(ctx context.Context, key string) bool     { return false }
func (stubBus) SignalCancel(ctx context.Context, key string) error { return nil }
func (stubBus) ClearCancel(ctx context.Context, key string) error  { return nil }

type stubRetriever struct{}

func (stubRetriever) Retrieve(ctx context.Context, tenantID string, v int, query string, includeGraph bool) (*retrieval.Result, error) {
	return &retrieval.Result{
		Items: []retrieval.ContextItem{{
			Kind: "vector", Text: "Photosynthesis is the light conversion process.",
			Score: 0.9, DocumentID: "doc-1", Filename: "bio.pdf", Page: 1,
		}},
		VectorCount: 1,
	}, nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1}
	}
	return out, nil
}

type stubChatLLM struct{ tokens []string }

func (s stubChatLLM) ChatStream(ctx context.Context, turns []llm.Turn, onToken func(string) error) error {
	for _, tok := range s.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return nil
}

func newTestApp(t *testing.T) (*fiber.App, *sqlite.Client) {
	t.Helper()

	db, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.Admin.APIToken = testToken
	cfg.Ingest.MaxDocumentBytes = 1024 * 1024
	cfg.Storage.Root = t.TempDir()
	cfg.Chat.RateLimitPerMin = 1000

	versions := version.NewManager(db, stubVectors{}, stubGraph{}, cfg.Storage.Root)

	orch := pipeline.NewOrchestrator(
		db, stubVectors{}, stubGraph{}, stubEmbedder{}, stubBus{}, versions,
		chunker.New(1000, 200), extractor.New(nil),
		func(path string) ([]parser.Segment, int, error) {
			return []parser.Segment{{Page: 1, Text: "stub"}}, 1, nil
		},
		pipeline.Config{Workers: 1, StageRetry: retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}},
	)

	chatSvc := chat.NewService(db, stubRetriever{}, stubChatLLM{tokens: []string{"Photosynthesis ", "is a process."}}, stubBus{}, chat.Config{})

	server := NewServer(cfg, db, chatSvc, orch, versions, stubBus{}, stubVectors{}, stubGraph{})

	app := fiber.New()
	server.Register(app)
	return app, db
}

func adminReq(method, path string, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func TestAdminAuthRequired(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/chatbots/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/api/v1/chatbots/", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateChatbotAndDuplicateSlug(t *testing.T) {
	app, _ := newTestApp(t)

	body := `{"name":"helpbot","access_url":"help","persona":{"greeting":"hi"}}`
	resp, err := app.Test(adminReq("POST", "/api/v1/chatbots/", body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = app.Test(adminReq("POST", "/api/v1/chatbots/", `{"name":"other","access_url":"help"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateChatbotRejectsBadSlug(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(adminReq("POST", "/api/v1/chatbots/", `{"name":"x","access_url":"Bad Slug!"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadRejectsOversizeBeforeStorage(t *testing.T) {
	app, db := newTestApp(t)

	tenant := &models.Tenant{
		ID: "tenant-1", Name: "bot", AccessURL: "bot", Status: models.TenantActive,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.CreateTenant(tenant))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", "big.pdf")
	require.NoError(t, err)
	fw.Write(bytes.Repeat([]byte("x"), 2*1024*1024)) // over the 1 MiB test cap
	w.Close()

	req := httptest.NewRequest("POST", "/api/v1/chatbots/tenant-1/documents", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	docs, err := db.ListDocuments("tenant-1")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestChatInfoUnknownSlug(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/chat/nope", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionCreateAndStream(t *testing.T) {
	app, db := newTestApp(t)

	tenant := &models.Tenant{
		ID: "tenant-1", Name: "helpbot", AccessURL: "help",
		Status: models.TenantActive, ActiveVersion: 1,
		Persona:   models.Persona{Greeting: "hello there"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.CreateTenant(tenant))

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/chat/help/sessions", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		SessionID string `json:"session_id"`
		Greeting  string `json:"greeting"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, "hello there", created.Greeting)

	msgReq := httptest.NewRequest("POST",
		fmt.Sprintf("/api/v1/chat/help/sessions/%s/messages", created.SessionID),
		strings.NewReader(`{"message":"Define photosynthesis"}`))
	msgReq.Header.Set("Content-Type", "application/json")

	resp, err = app.Test(msgReq, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	raw := string(body)

	assert.Contains(t, raw, `"type":"thinking_status"`)
	assert.Contains(t, raw, `"type":"content"`)
	assert.Contains(t, raw, `"type":"sources"`)
	assert.Contains(t, raw, `"type":"done"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(raw), "data: [DONE]"))

	// Stream events arrive in envelope framing.
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		assert.True(t, strings.HasPrefix(line, "data: "), line)
	}
}

func TestStatsRebuildEndpoint(t *testing.T) {
	app, db := newTestApp(t)

	tenant := &models.Tenant{
		ID: "tenant-1", Name: "helpbot", AccessURL: "help",
		Status: models.TenantActive, ActiveVersion: 1,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.CreateTenant(tenant))

	session := &models.Session{
		ID: "session-1", TenantID: tenant.ID,
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, db.CreateSession(session))
	require.NoError(t, db.AddMessage(tenant.ID, &models.Message{
		ID: "m1", SessionID: session.ID, Role: models.RoleUser, Content: "q",
		CreatedAt: time.Now(),
	}))

	resp, err := app.Test(adminReq("POST", "/api/v1/chatbots/tenant-1/stats/rebuild", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string `json:"status"`
		Stats  []struct {
			Messages int `json:"Messages"`
		} `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rebuilt", body.Status)
	require.Len(t, body.Stats, 1)
	assert.Equal(t, 1, body.Stats[0].Messages)

	resp, err = app.Test(adminReq("POST", "/api/v1/chatbots/no-such-tenant/stats/rebuild", ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopEndpoint(t *testing.T) {
	app, db := newTestApp(t)

	tenant := &models.Tenant{
		ID: "tenant-1", Name: "helpbot", AccessURL: "help",
		Status: models.TenantActive, ActiveVersion: 1,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.CreateTenant(tenant))

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/chat/help/sessions", nil))
	require.NoError(t, err)
	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	stopReq := httptest.NewRequest("POST",
		fmt.Sprintf("/api/v1/chat/help/sessions/%s/stop", created.SessionID), nil)
	resp, err = app.Test(stopReq)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
