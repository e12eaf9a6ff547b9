package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/llm"
	"github.com/edumagiceco/graphrag/internal/metrics"
	"github.com/edumagiceco/graphrag/internal/retrieval"
	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/internal/storage/sqlite"
	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/logger"
	"github.com/edumagiceco/graphrag/pkg/tokencount"
)

// Retriever is the hybrid retrieval surface the streamer consumes.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID string, version int, query string, includeGraph bool) (*retrieval.Result, error)
}

// ChatLLM streams completion tokens.
type ChatLLM interface {
	ChatStream(ctx context.Context, turns []llm.Turn, onToken func(delta string) error) error
}

// CancelBus is the cancellation slice of the bus.
type CancelBus interface {
	Cancelled(ctx context.Context, key string) bool
	SignalCancel(ctx context.Context, key string) error
	ClearCancel(ctx context.Context, key string) error
}

type Config struct {
	SessionTTL    time.Duration
	HistoryTurns  int
	MaxMessageLen int
}

// Service manages conversation sessions and streams grounded answers.
type Service struct {
	db        *sqlite.Client
	retriever Retriever
	llm       ChatLLM
	bus       CancelBus
	cfg       Config
}

func NewService(db *sqlite.Client, retriever Retriever, chatLLM ChatLLM, cancelBus CancelBus, cfg Config) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 10
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 10000
	}
	return &Service{db: db, retriever: retriever, llm: chatLLM, bus: cancelBus, cfg: cfg}
}

// CancelKey is the bus key for stopping a session's in-flight answer.
func CancelKey(sessionID string) string {
	return "chat:" + sessionID
}

func (s *Service) CreateSession(tenantID string) (*models.Session, error) {
	now := time.Now()
	session := &models.Session{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.db.CreateSession(session); err != nil {
		return nil, err
	}
	metrics.ActiveSessions.Inc()
	return session, nil
}

// Stop publishes a cancellation signal for a session's running answer.
func (s *Service) Stop(ctx context.Context, sessionID string) error {
	if _, err := s.db.GetSession(sessionID); err != nil {
		return err
	}
	return s.bus.SignalCancel(ctx, CancelKey(sessionID))
}

// errCancelled aborts the token loop from inside the onToken callback.
var errCancelled = apperr.New(apperr.KindCancelled, "generation cancelled by user")

// Stream answers one user message over the event channel. Events
// arrive in order: thinking_status stages, content tokens, sources,
// done — or error. The assistant message is persisted strictly after
// the last token.
func (s *Service) Stream(ctx context.Context, tenant *models.Tenant, sessionID, userMessage string, emit func(Event) error) error {
	start := time.Now()

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session.TenantID != tenant.ID {
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	if session.Expired(time.Now()) {
		return apperr.New(apperr.KindValidation, "session expired")
	}

	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return apperr.New(apperr.KindValidation, "message is empty")
	}
	if utf8.RuneCountInString(userMessage) > s.cfg.MaxMessageLen {
		return apperr.Newf(apperr.KindValidation, "message exceeds %d characters", s.cfg.MaxMessageLen)
	}

	// Drop any stale stop signal from a previous request.
	s.bus.ClearCancel(ctx, CancelKey(sessionID))

	if err := s.db.AddMessage(tenant.ID, &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   userMessage,
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}

	if err := emit(Event{Type: EventThinking, Stage: StageHistory, Message: "Reviewing the conversation..."}); err != nil {
		return err
	}

	// The tail of the session history, chronological; the message just
	// persisted arrives as its final element.
	history, err := s.db.RecentMessages(sessionID, s.cfg.HistoryTurns)
	if err != nil {
		return s.emitError(emit, err)
	}

	if err := emit(Event{Type: EventThinking, Stage: StageRetrieval, Message: "Searching the documents..."}); err != nil {
		return err
	}

	retrievalStart := time.Now()
	result := &retrieval.Result{}
	if tenant.ActiveVersion > 0 {
		result, err = s.retriever.Retrieve(ctx, tenant.ID, tenant.ActiveVersion, userMessage, true)
		if err != nil {
			return s.emitError(emit, err)
		}
	}
	retrievalMS := int(time.Since(retrievalStart).Milliseconds())
	retrievalCount := result.VectorCount + result.GraphCount

	if len(result.Items) == 0 {
		return s.streamFallback(ctx, tenant, sessionID, emit, start, retrievalMS)
	}

	sources := sourcesFromItems(result.Items)

	if err := emit(Event{
		Type:        EventThinking,
		Stage:       StageContextFound,
		Message:     "Found relevant sources.",
		SourceCount: len(sources),
	}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventThinking, Stage: StageGenerating, Message: "Writing the answer..."}); err != nil {
		return err
	}

	turns := buildTurns(tenant.Persona, result.Items, history)

	filter := &thinkFilter{}
	var streamed strings.Builder
	var emitErr error

	llmErr := s.llm.ChatStream(ctx, turns, func(delta string) error {
		// Consult the cancellation bus before every emission.
		if s.bus.Cancelled(ctx, CancelKey(sessionID)) {
			return errCancelled
		}
		visible := filter.Process(delta)
		if visible == "" {
			return nil
		}
		streamed.WriteString(visible)
		metrics.StreamTokens.Inc()
		if err := emit(Event{Type: EventContent, Content: visible}); err != nil {
			emitErr = err
			return err
		}
		return nil
	})

	if llmErr != nil {
		if apperr.IsCancelled(llmErr) {
			return s.persistCancelled(ctx, tenant, sessionID, streamed.String(), emit, start, retrievalCount, retrievalMS)
		}
		if emitErr != nil {
			return emitErr
		}
		s.persistFailed(tenant, sessionID, filter.Clean())
		return s.emitError(emit, llmErr)
	}

	if tail := filter.Flush(); tail != "" {
		streamed.WriteString(tail)
		if err := emit(Event{Type: EventContent, Content: tail}); err != nil {
			return err
		}
	}

	if err := emit(Event{Type: EventSources, Sources: sources}); err != nil {
		return err
	}

	content := filter.Clean()
	usage := tokencount.CalculateUsage(promptText(turns), content)
	metrics.LLMTokensUsed.WithLabelValues("input").Add(float64(usage.InputTokens))
	metrics.LLMTokensUsed.WithLabelValues("output").Add(float64(usage.OutputTokens))

	responseMS := int(time.Since(start).Milliseconds())
	assistant := &models.Message{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Role:            models.RoleAssistant,
		Content:         content,
		Sources:         sources,
		ResponseTimeMS:  responseMS,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		RetrievalCount:  retrievalCount,
		RetrievalTimeMS: retrievalMS,
		CreatedAt:       time.Now(),
	}
	if err := s.db.AddMessage(tenant.ID, assistant); err != nil {
		return s.emitError(emit, err)
	}

	metrics.QueryDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())

	return emit(Event{Type: EventDone, MessageID: assistant.ID, ElapsedMS: responseMS})
}

// streamFallback answers from the persona when retrieval found
// nothing; the stream still runs and still persists its message.
func (s *Service) streamFallback(ctx context.Context, tenant *models.Tenant, sessionID string,
	emit func(Event) error, start time.Time, retrievalMS int) error {

	fallback := tenant.Persona.FallbackMessage
	if fallback == "" {
		fallback = "I could not find anything about that in the uploaded documents. Try asking about their contents."
	}

	if err := emit(Event{Type: EventContent, Content: fallback}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventSources, Sources: []models.Source{}}); err != nil {
		return err
	}

	responseMS := int(time.Since(start).Milliseconds())
	assistant := &models.Message{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Role:            models.RoleAssistant,
		Content:         fallback,
		ResponseTimeMS:  responseMS,
		RetrievalTimeMS: retrievalMS,
		CreatedAt:       time.Now(),
	}
	if err := s.db.AddMessage(tenant.ID, assistant); err != nil {
		return s.emitError(emit, err)
	}

	metrics.QueryDuration.WithLabelValues("fallback").Observe(time.Since(start).Seconds())

	return emit(Event{Type: EventDone, MessageID: assistant.ID, ElapsedMS: responseMS})
}

// persistCancelled stores the tokens streamed before the stop signal,
// flagged cancelled. No further content is published.
func (s *Service) persistCancelled(ctx context.Context, tenant *models.Tenant, sessionID, partial string,
	emit func(Event) error, start time.Time, retrievalCount, retrievalMS int) error {

	assistant := &models.Message{
		ID:              uuid.New().String(),
		SessionID:       sessionID,
		Role:            models.RoleAssistant,
		Content:         partial,
		Cancelled:       true,
		ResponseTimeMS:  int(time.Since(start).Milliseconds()),
		RetrievalCount:  retrievalCount,
		RetrievalTimeMS: retrievalMS,
		CreatedAt:       time.Now(),
	}
	if err := s.db.AddMessage(tenant.ID, assistant); err != nil {
		logger.Error("Failed to persist cancelled message", zap.Error(err))
	}

	s.bus.ClearCancel(ctx, CancelKey(sessionID))
	metrics.QueryDuration.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())

	logger.Info("Generation cancelled",
		zap.String("session_id", sessionID),
		zap.Int("partial_chars", len(partial)),
	)

	return emit(Event{Type: EventDone, MessageID: assistant.ID})
}

func (s *Service) persistFailed(tenant *models.Tenant, sessionID, partial string) {
	assistant := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   partial,
		Failed:    true,
		CreatedAt: time.Now(),
	}
	if err := s.db.AddMessage(tenant.ID, assistant); err != nil {
		logger.Error("Failed to persist failed message", zap.Error(err))
	}
}

// emitError surfaces an error event; the user's question stays in
// history.
func (s *Service) emitError(emit func(Event) error, cause error) error {
	kind := apperr.KindOf(cause)
	logger.Error("Stream failed", zap.String("kind", kind.String()), zap.Error(cause))

	emit(Event{
		Type:      EventError,
		ErrorKind: kind.String(),
		Error:     cause.Error(),
	})
	return cause
}

func sourcesFromItems(items []retrieval.ContextItem) []models.Source {
	sources := make([]models.Source, 0, len(items))
	for _, item := range items {
		src := models.Source{
			Kind:       item.Kind,
			Score:      item.Score,
			DocumentID: item.DocumentID,
			Filename:   item.Filename,
			Page:       item.Page,
			Entity:     item.Entity,
			EntityType: item.EntityType,
		}
		if item.Text != "" {
			preview := []rune(item.Text)
			if len(preview) > 200 {
				src.ChunkText = string(preview[:200]) + "..."
			} else {
				src.ChunkText = item.Text
			}
		}
		sources = append(sources, src)
	}
	return sources
}
