package models

import "time"

type TenantStatus string

const (
	TenantProcessing TenantStatus = "processing"
	TenantActive     TenantStatus = "active"
	TenantInactive   TenantStatus = "inactive"
)

// Persona drives prompt composition for a tenant's public chatbot.
type Persona struct {
	Tone            string `json:"tone"`
	Language        string `json:"language"`
	Greeting        string `json:"greeting"`
	SystemPrompt    string `json:"system_prompt"`
	FallbackMessage string `json:"fallback_message"`
}

type Tenant struct {
	ID             string
	Name           string
	Description    string
	Persona        Persona
	AccessURL      string
	Status         TenantStatus
	ActiveVersion  int
	CleanupPending bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type DocumentStatus string

const (
	DocPending    DocumentStatus = "pending"
	DocParsing    DocumentStatus = "parsing"
	DocChunking   DocumentStatus = "chunking"
	DocEmbedding  DocumentStatus = "embedding"
	DocExtracting DocumentStatus = "extracting"
	DocGraphing   DocumentStatus = "graphing"
	DocCompleted  DocumentStatus = "completed"
	DocFailed     DocumentStatus = "failed"
)

type Document struct {
	ID          string
	TenantID    string
	Filename    string
	FilePath    string
	SizeBytes   int64
	Status      DocumentStatus
	Version     int
	PageCount   int
	Progress    int
	LastError   string
	ChunkCount  int
	EntityCount int
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

type VersionStatus string

const (
	VersionBuilding VersionStatus = "building"
	VersionReady    VersionStatus = "ready"
	VersionActive   VersionStatus = "active"
	VersionArchived VersionStatus = "archived"
)

type BuildVersion struct {
	TenantID    string
	Version     int
	Status      VersionStatus
	CreatedAt   time.Time
	ActivatedAt *time.Time
}

type Session struct {
	ID           string
	TenantID     string
	MessageCount int
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Source is a single citation attached to an assistant message.
type Source struct {
	Kind         string  `json:"source"`
	Score        float64 `json:"score"`
	DocumentID   string  `json:"document_id,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	Page         int     `json:"page,omitempty"`
	Entity       string  `json:"entity,omitempty"`
	EntityType   string  `json:"entity_type,omitempty"`
	Relationship string  `json:"relationship,omitempty"`
	ChunkText    string  `json:"chunk_text,omitempty"`
}

type Message struct {
	ID              string
	SessionID       string
	Role            MessageRole
	Content         string
	Sources         []Source
	Cancelled       bool
	Failed          bool
	ResponseTimeMS  int
	InputTokens     int
	OutputTokens    int
	RetrievalCount  int
	RetrievalTimeMS int
	CreatedAt       time.Time
}

// DailyStat aggregates one tenant-day; rebuilt idempotently from
// Message rows.
type DailyStat struct {
	TenantID      string
	Date          string // YYYY-MM-DD
	Sessions      int
	Messages      int
	AvgResponseMS int
	P95ResponseMS int
	InputTokens   int64
	OutputTokens  int64
	Retrievals    int64
}

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// IngestJob is a durable queue row; workers claim it and ack late, so
// jobs survive process restarts.
type IngestJob struct {
	ID         int64
	DocumentID string
	TenantID   string
	Version    int
	Status     JobStatus
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
