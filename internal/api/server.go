package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/bus"
	"github.com/edumagiceco/graphrag/internal/chat"
	"github.com/edumagiceco/graphrag/internal/ingest/pipeline"
	"github.com/edumagiceco/graphrag/internal/metrics"
	"github.com/edumagiceco/graphrag/internal/middleware/ratelimit"
	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/internal/storage/sqlite"
	"github.com/edumagiceco/graphrag/internal/version"
	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/config"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

// VectorCleanup is the per-document vector removal used when a
// document is deleted.
type VectorCleanup interface {
	DeleteByDocument(ctx context.Context, tenantID string, version int, documentID string) error
}

// GraphCleanup prunes a removed document's graph contribution.
type GraphCleanup interface {
	DeleteByDocument(ctx context.Context, tenantID string, version int, documentID string) error
}

// ProgressReader polls ingestion progress for the admin view.
type ProgressReader interface {
	Progress(ctx context.Context, documentID string) (bus.ProgressEvent, bool, error)
}

// Server wires the HTTP surface: administrator routes behind bearer
// auth and the public chat routes behind the rate limiter.
type Server struct {
	cfg      *config.Config
	db       *sqlite.Client
	chat     *chat.Service
	orch     *pipeline.Orchestrator
	versions *version.Manager
	progress ProgressReader
	vectors  VectorCleanup
	graph    GraphCleanup
	limiter  *ratelimit.RateLimiter
}

func NewServer(
	cfg *config.Config,
	db *sqlite.Client,
	chatSvc *chat.Service,
	orch *pipeline.Orchestrator,
	versions *version.Manager,
	progress ProgressReader,
	vectors VectorCleanup,
	graph GraphCleanup,
) *Server {
	return &Server{
		cfg:      cfg,
		db:       db,
		chat:     chatSvc,
		orch:     orch,
		versions: versions,
		progress: progress,
		vectors:  vectors,
		graph:    graph,
		limiter: ratelimit.New(ratelimit.Config{
			MaxRequestsPerMinute: cfg.Chat.RateLimitPerMin,
			Logger:               logger.GetLogger(),
		}),
	}
}

func (s *Server) Register(app *fiber.App) {
	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})
	api.Get("/metrics", metrics.Handler())

	admin := api.Group("/chatbots", s.requireAdmin)
	admin.Post("/", s.createChatbot)
	admin.Get("/", s.listChatbots)
	admin.Get("/:id", s.getChatbot)
	admin.Patch("/:id", s.updateChatbot)
	admin.Delete("/:id", s.deleteChatbot)
	admin.Patch("/:id/status", s.updateChatbotStatus)

	admin.Post("/:id/documents", s.uploadDocument)
	admin.Get("/:id/documents", s.listDocuments)
	admin.Delete("/:id/documents/:docId", s.deleteDocument)
	admin.Get("/:id/documents/:docId/progress", s.documentProgress)

	admin.Get("/:id/versions", s.listVersions)
	admin.Post("/:id/versions/:v/activate", s.activateVersion)
	admin.Get("/:id/stats", s.tenantStats)
	admin.Post("/:id/stats/rebuild", s.rebuildStats)

	public := api.Group("/chat", s.limiter.Middleware())
	public.Get("/:accessURL", s.chatbotInfo)
	public.Post("/:accessURL/sessions", s.createSession)
	public.Post("/:accessURL/sessions/:sid/messages", s.postMessage)
	public.Post("/:accessURL/sessions/:sid/stop", s.stopGeneration)
}

// requireAdmin enforces the bearer token on administrator routes.
func (s *Server) requireAdmin(c *fiber.Ctx) error {
	header := c.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" || token != s.cfg.Admin.APIToken {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "missing or invalid bearer token",
		})
	}
	return c.Next()
}

// respondError maps the error taxonomy onto HTTP statuses. Internal
// errors surface only an opaque correlation id.
func respondError(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)

	if kind == apperr.KindInternal {
		correlationID := uuid.New().String()
		logger.Error("Internal error",
			zap.String("correlation_id", correlationID),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":          "internal error",
			"correlation_id": correlationID,
		})
	}

	if kind == apperr.KindTransient {
		c.Set("Retry-After", "5")
	}

	return c.Status(kind.HTTPStatus()).JSON(fiber.Map{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

func tenantResponse(t *models.Tenant) fiber.Map {
	return fiber.Map{
		"id":             t.ID,
		"name":           t.Name,
		"description":    t.Description,
		"persona":        t.Persona,
		"access_url":     t.AccessURL,
		"status":         t.Status,
		"active_version": t.ActiveVersion,
		"created_at":     t.CreatedAt,
		"updated_at":     t.UpdatedAt,
	}
}
