package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/edumagiceco/graphrag/internal/chat"
	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/pkg/apperr"
)

// activeTenantByURL resolves a public access slug to its tenant;
// inactive tenants are invisible.
func (s *Server) activeTenantByURL(accessURL string) (*models.Tenant, error) {
	tenant, err := s.db.GetTenantByAccessURL(accessURL)
	if err != nil {
		return nil, err
	}
	if tenant.Status == models.TenantInactive || tenant.CleanupPending {
		return nil, apperr.New(apperr.KindNotFound, "chatbot not found")
	}
	return tenant, nil
}

func (s *Server) chatbotInfo(c *fiber.Ctx) error {
	tenant, err := s.activeTenantByURL(c.Params("accessURL"))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"name":     tenant.Name,
		"greeting": tenant.Persona.Greeting,
		"persona": fiber.Map{
			"tone":     tenant.Persona.Tone,
			"language": tenant.Persona.Language,
		},
	})
}

// createSession opens a session. When the body carries an
// initial_message the response switches to the server-push stream and
// answers it immediately; the session id arrives as the first event.
func (s *Server) createSession(c *fiber.Ctx) error {
	tenant, err := s.activeTenantByURL(c.Params("accessURL"))
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		InitialMessage string `json:"initial_message"`
	}
	c.BodyParser(&req) // empty body is fine

	session, err := s.chat.CreateSession(tenant.ID)
	if err != nil {
		return respondError(c, err)
	}

	if req.InitialMessage == "" {
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"session_id": session.ID,
			"expires_at": session.ExpiresAt.Format(time.RFC3339),
			"greeting":   tenant.Persona.Greeting,
		})
	}

	return s.streamAnswer(c, tenant, session.ID, req.InitialMessage, chat.Event{
		Type:      "session",
		MessageID: session.ID,
	})
}

func (s *Server) postMessage(c *fiber.Ctx) error {
	tenant, err := s.activeTenantByURL(c.Params("accessURL"))
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
	}

	// Validate the session before committing to a stream response, so
	// expired or foreign sessions fail with a proper status code.
	session, err := s.db.GetSession(c.Params("sid"))
	if err != nil {
		return respondError(c, err)
	}
	if session.TenantID != tenant.ID {
		return respondError(c, apperr.New(apperr.KindNotFound, "session not found"))
	}
	if session.Expired(time.Now()) {
		return respondError(c, apperr.New(apperr.KindValidation, "session expired"))
	}

	return s.streamAnswer(c, tenant, session.ID, req.Message)
}

func (s *Server) stopGeneration(c *fiber.Ctx) error {
	tenant, err := s.activeTenantByURL(c.Params("accessURL"))
	if err != nil {
		return respondError(c, err)
	}

	session, err := s.db.GetSession(c.Params("sid"))
	if err != nil {
		return respondError(c, err)
	}
	if session.TenantID != tenant.ID {
		return respondError(c, apperr.New(apperr.KindNotFound, "session not found"))
	}

	if err := s.chat.Stop(c.Context(), session.ID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": "stopping"})
}
