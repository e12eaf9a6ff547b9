package chat

import "github.com/edumagiceco/graphrag/internal/storage/models"

// Event is one typed element of the answer stream, delivered to the
// client channel in order.
type Event struct {
	Type        string          `json:"type"`
	Stage       string          `json:"stage,omitempty"`
	Message     string          `json:"message,omitempty"`
	Content     string          `json:"content,omitempty"`
	Sources     []models.Source `json:"sources,omitempty"`
	SourceCount int             `json:"source_count,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	ElapsedMS   int             `json:"elapsed_ms,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
}

const (
	EventThinking = "thinking_status"
	EventContent  = "content"
	EventSources  = "sources"
	EventDone     = "done"
	EventError    = "error"
)

const (
	StageHistory      = "history"
	StageRetrieval    = "retrieval"
	StageContextFound = "context_found"
	StageGenerating   = "generating"
)
