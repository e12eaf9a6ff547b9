package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/chat"
	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

// streamAnswer runs the answer streamer over the server-push envelope:
// one `data: <json>` line per event, terminated by `data: [DONE]`.
// Optional prelude events (e.g. the session id on create-with-message)
// are written before the stream starts.
func (s *Server) streamAnswer(c *fiber.Ctx, tenant *models.Tenant, sessionID, message string, prelude ...chat.Event) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		emit := func(ev chat.Event) error {
			payload, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return err
			}
			return w.Flush()
		}

		for _, ev := range prelude {
			if err := emit(ev); err != nil {
				return
			}
		}

		if err := s.chat.Stream(ctx, tenant, sessionID, message, emit); err != nil {
			logger.Debug("Stream ended with error",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}

		fmt.Fprintf(w, "data: [DONE]\n\n")
		w.Flush()
	})

	return nil
}
