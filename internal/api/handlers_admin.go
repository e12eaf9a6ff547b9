package api

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

type chatbotRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Persona     models.Persona `json:"persona"`
	AccessURL   string         `json:"access_url"`
}

func (s *Server) createChatbot(c *fiber.Ctx) error {
	var req chatbotRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
	}

	if req.Name == "" {
		return respondError(c, apperr.New(apperr.KindValidation, "name is required"))
	}
	if !slugPattern.MatchString(req.AccessURL) {
		return respondError(c, apperr.New(apperr.KindValidation, "access_url must be a short lowercase slug"))
	}

	now := time.Now()
	tenant := &models.Tenant{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Persona:     req.Persona,
		AccessURL:   req.AccessURL,
		Status:      models.TenantProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.db.CreateTenant(tenant); err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(tenantResponse(tenant))
}

func (s *Server) listChatbots(c *fiber.Ctx) error {
	tenants, err := s.db.ListTenants()
	if err != nil {
		return respondError(c, err)
	}

	out := make([]fiber.Map, 0, len(tenants))
	for i := range tenants {
		out = append(out, tenantResponse(&tenants[i]))
	}
	return c.JSON(fiber.Map{"chatbots": out})
}

func (s *Server) getChatbot(c *fiber.Ctx) error {
	tenant, err := s.db.GetTenant(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(tenantResponse(tenant))
}

func (s *Server) updateChatbot(c *fiber.Ctx) error {
	tenant, err := s.db.GetTenant(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	var req chatbotRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
	}

	if req.Name != "" {
		tenant.Name = req.Name
	}
	if req.Description != "" {
		tenant.Description = req.Description
	}
	if req.Persona != (models.Persona{}) {
		tenant.Persona = req.Persona
	}

	if err := s.db.UpdateTenant(tenant); err != nil {
		return respondError(c, err)
	}
	return c.JSON(tenantResponse(tenant))
}

func (s *Server) updateChatbotStatus(c *fiber.Ctx) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
	}

	status := models.TenantStatus(req.Status)
	if status != models.TenantActive && status != models.TenantInactive {
		return respondError(c, apperr.New(apperr.KindValidation, "status must be active or inactive"))
	}

	if err := s.db.UpdateTenantStatus(c.Params("id"), status); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": status})
}

// deleteChatbot kicks off cascade cleanup across all three stores; the
// work runs off-request and retries via the janitor on failure.
func (s *Server) deleteChatbot(c *fiber.Ctx) error {
	tenant, err := s.db.GetTenant(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	if err := s.db.MarkTenantCleanupPending(tenant.ID, true); err != nil {
		return respondError(c, err)
	}
	if err := s.db.UpdateTenantStatus(tenant.ID, models.TenantInactive); err != nil {
		return respondError(c, err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.versions.CleanupTenant(ctx, tenant.ID); err != nil {
			logger.Warn("Tenant cleanup deferred to janitor",
				zap.String("tenant_id", tenant.ID),
				zap.Error(err),
			)
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "deleting"})
}

func (s *Server) uploadDocument(c *fiber.Ctx) error {
	tenant, err := s.db.GetTenant(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return respondError(c, apperr.Wrap(apperr.KindValidation, "multipart file field is required", err))
	}

	// Size is rejected before anything touches storage.
	if fileHeader.Size > s.cfg.Ingest.MaxDocumentBytes {
		return respondError(c, apperr.Newf(apperr.KindValidation,
			"file exceeds %d bytes", s.cfg.Ingest.MaxDocumentBytes))
	}
	if !strings.EqualFold(filepath.Ext(fileHeader.Filename), ".pdf") {
		return respondError(c, apperr.New(apperr.KindValidation, "only pdf files are supported"))
	}

	buildVersion, err := s.versions.OpenForIngest(c.Context(), tenant.ID)
	if err != nil {
		return respondError(c, err)
	}

	docID := uuid.New().String()
	dir := filepath.Join(s.cfg.Storage.Root, tenant.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return respondError(c, apperr.Wrap(apperr.KindTransient, "failed to prepare storage", err))
	}
	storedPath := filepath.Join(dir, docID+".pdf")

	if err := c.SaveFile(fileHeader, storedPath); err != nil {
		return respondError(c, apperr.Wrap(apperr.KindTransient, "failed to store upload", err))
	}

	doc := &models.Document{
		ID:        docID,
		TenantID:  tenant.ID,
		Filename:  fileHeader.Filename,
		FilePath:  storedPath,
		SizeBytes: fileHeader.Size,
		Status:    models.DocPending,
		Version:   buildVersion,
		CreatedAt: time.Now(),
	}
	if err := s.db.CreateDocument(doc); err != nil {
		os.Remove(storedPath)
		return respondError(c, err)
	}

	if err := s.db.UpdateTenantStatus(tenant.ID, models.TenantProcessing); err != nil {
		logger.Warn("Failed to flag tenant processing", zap.Error(err))
	}

	if err := s.orch.Enqueue(doc); err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"document_id": doc.ID,
		"version":     buildVersion,
		"status":      doc.Status,
	})
}

func (s *Server) listDocuments(c *fiber.Ctx) error {
	docs, err := s.db.ListDocuments(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"documents": docs})
}

// deleteDocument removes the document row, its stored file, and its
// vector and graph contributions in its build version.
func (s *Server) deleteDocument(c *fiber.Ctx) error {
	tenantID := c.Params("id")
	doc, err := s.db.GetDocument(c.Params("docId"))
	if err != nil {
		return respondError(c, err)
	}
	if doc.TenantID != tenantID {
		return respondError(c, apperr.New(apperr.KindNotFound, "document not found"))
	}

	if err := s.vectors.DeleteByDocument(c.Context(), tenantID, doc.Version, doc.ID); err != nil {
		return respondError(c, err)
	}
	if err := s.graph.DeleteByDocument(c.Context(), tenantID, doc.Version, doc.ID); err != nil {
		return respondError(c, err)
	}
	if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
		logger.Warn("Failed to remove stored file", zap.String("path", doc.FilePath), zap.Error(err))
	}
	if err := s.db.DeleteDocument(doc.ID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"status": "deleted"})
}

func (s *Server) documentProgress(c *fiber.Ctx) error {
	doc, err := s.db.GetDocument(c.Params("docId"))
	if err != nil {
		return respondError(c, err)
	}
	if doc.TenantID != c.Params("id") {
		return respondError(c, apperr.New(apperr.KindNotFound, "document not found"))
	}

	// Prefer the live bus state; fall back to the relational row once
	// the event expired.
	if ev, ok, err := s.progress.Progress(c.Context(), doc.ID); err == nil && ok {
		return c.JSON(fiber.Map{
			"progress": ev.Progress,
			"stage":    ev.Stage,
			"error":    ev.Error,
		})
	}

	return c.JSON(fiber.Map{
		"progress": doc.Progress,
		"stage":    string(doc.Status),
		"error":    doc.LastError,
	})
}

func (s *Server) listVersions(c *fiber.Ctx) error {
	versions, err := s.db.ListVersions(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"versions": versions})
}

func (s *Server) activateVersion(c *fiber.Ctx) error {
	v, err := strconv.Atoi(c.Params("v"))
	if err != nil {
		return respondError(c, apperr.New(apperr.KindValidation, "version must be an integer"))
	}

	if err := s.versions.Activate(c.Context(), c.Params("id"), v); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"active_version": v})
}

func (s *Server) tenantStats(c *fiber.Ctx) error {
	days := c.QueryInt("days", 7)
	if days < 1 || days > 365 {
		return respondError(c, apperr.New(apperr.KindValidation, "days must be between 1 and 365"))
	}

	stats, err := s.db.GetDailyStats(c.Params("id"), days)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"stats": stats})
}

// rebuildStats recomputes a tenant's daily aggregates from raw message
// rows. The rebuild is idempotent, so operators can re-run it freely.
func (s *Server) rebuildStats(c *fiber.Ctx) error {
	tenant, err := s.db.GetTenant(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}

	if err := s.db.RebuildDailyStats(tenant.ID); err != nil {
		return respondError(c, err)
	}

	stats, err := s.db.GetDailyStats(tenant.ID, 7)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": "rebuilt", "stats": stats})
}
