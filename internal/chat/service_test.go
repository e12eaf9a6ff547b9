package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumagiceco/graphrag/internal/llm"
	"github.com/edumagiceco/graphrag/internal/retrieval"
	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/internal/storage/sqlite"
	"github.com/edumagiceco/graphrag/pkg/apperr"
)

type fakeRetriever struct {
	result *retrieval.Result
	err    error
}

func (f *fakeRetriever) Retrieve(ctx context.Context, tenantID string, version int, query string, includeGraph bool) (*retrieval.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &retrieval.Result{}, nil
	}
	return f.result, nil
}

type fakeChatLLM struct {
	tokens []string
	err    error

	mu    sync.Mutex
	turns []llm.Turn
}

func (f *fakeChatLLM) ChatStream(ctx context.Context, turns []llm.Turn, onToken func(string) error) error {
	f.mu.Lock()
	f.turns = turns
	f.mu.Unlock()

	for _, tok := range f.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return f.err
}

type memCancelBus struct {
	mu        sync.Mutex
	cancelled map[string]bool
	afterN    int // signal cancel after this many polls (0 = never)
	polls     int
}

func newMemCancelBus() *memCancelBus { return &memCancelBus{cancelled: make(map[string]bool)} }

func (b *memCancelBus) Cancelled(ctx context.Context, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if b.afterN > 0 && b.polls > b.afterN {
		return true
	}
	return b.cancelled[key]
}

func (b *memCancelBus) SignalCancel(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled[key] = true
	return nil
}

func (b *memCancelBus) ClearCancel(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cancelled, key)
	return nil
}

type testEnv struct {
	db      *sqlite.Client
	svc     *Service
	llm     *fakeChatLLM
	bus     *memCancelBus
	tenant  *models.Tenant
	session *models.Session
	events  []Event
	mu      sync.Mutex
}

func (e *testEnv) emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *testEnv) eventsOfType(typ string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func contextResult() *retrieval.Result {
	return &retrieval.Result{
		Items: []retrieval.ContextItem{{
			Kind:       "vector",
			Text:       "Photosynthesis is the process by which plants convert light.",
			Score:      0.9,
			DocumentID: "doc-1",
			Filename:   "bio.pdf",
			Page:       1,
			ChunkID:    "c1",
		}},
		VectorCount: 1,
	}
}

func newTestEnv(t *testing.T, ret Retriever, chatLLM *fakeChatLLM) *testEnv {
	t.Helper()

	db, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	tenant := &models.Tenant{
		ID: "tenant-1", Name: "helpbot", AccessURL: "help",
		Status: models.TenantActive, ActiveVersion: 1,
		Persona:   models.Persona{Greeting: "hi"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.CreateTenant(tenant))

	cancelBus := newMemCancelBus()
	svc := NewService(db, ret, chatLLM, cancelBus, Config{
		SessionTTL:    30 * time.Minute,
		HistoryTurns:  10,
		MaxMessageLen: 10000,
	})

	session, err := svc.CreateSession(tenant.ID)
	require.NoError(t, err)

	return &testEnv{db: db, svc: svc, llm: chatLLM, bus: cancelBus, tenant: tenant, session: session}
}

func TestStreamHappyPath(t *testing.T) {
	chatLLM := &fakeChatLLM{tokens: []string{"Photosynthesis ", "is ", "a ", "process."}}
	env := newTestEnv(t, &fakeRetriever{result: contextResult()}, chatLLM)

	err := env.svc.Stream(context.Background(), env.tenant, env.session.ID, "Define photosynthesis", env.emit)
	require.NoError(t, err)

	// Stage events in order.
	var stages []string
	for _, ev := range env.eventsOfType(EventThinking) {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []string{StageHistory, StageRetrieval, StageContextFound, StageGenerating}, stages)

	var content strings.Builder
	for _, ev := range env.eventsOfType(EventContent) {
		content.WriteString(ev.Content)
	}
	assert.Regexp(t, `Photosynthesis.*process`, content.String())

	sources := env.eventsOfType(EventSources)
	require.Len(t, sources, 1)
	require.Len(t, sources[0].Sources, 1)
	assert.Equal(t, "bio.pdf", sources[0].Sources[0].Filename)
	assert.Equal(t, 1, sources[0].Sources[0].Page)

	done := env.eventsOfType(EventDone)
	require.Len(t, done, 1)
	assert.NotEmpty(t, done[0].MessageID)

	// Sources arrive before done, after the last content event.
	assert.Equal(t, EventDone, env.events[len(env.events)-1].Type)
	assert.Equal(t, EventSources, env.events[len(env.events)-2].Type)

	// Both messages persisted with metrics on the assistant one.
	msgs, err := env.db.SessionMessages(env.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assistant := msgs[1]
	assert.Equal(t, models.RoleAssistant, assistant.Role)
	assert.Equal(t, "Photosynthesis is a process.", assistant.Content)
	assert.NotEmpty(t, assistant.Sources)
	assert.Greater(t, assistant.InputTokens, 0)
	assert.Greater(t, assistant.OutputTokens, 0)
	assert.Equal(t, 1, assistant.RetrievalCount)
	assert.GreaterOrEqual(t, assistant.ResponseTimeMS, assistant.RetrievalTimeMS)
}

func TestHistoryTailPassedToComposer(t *testing.T) {
	chatLLM := &fakeChatLLM{tokens: []string{"ok"}}
	env := newTestEnv(t, &fakeRetriever{result: contextResult()}, chatLLM)

	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 11; i++ {
		require.NoError(t, env.db.AddMessage(env.tenant.ID, &models.Message{
			ID:        fmt.Sprintf("m-%02d", i),
			SessionID: env.session.ID,
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	err := env.svc.Stream(context.Background(), env.tenant, env.session.ID, "m12", env.emit)
	require.NoError(t, err)

	// Non-system turns are the last 10 messages m3..m12 in order.
	require.NotEmpty(t, env.llm.turns)
	var contents []string
	for _, turn := range env.llm.turns[1:] {
		contents = append(contents, turn.Content)
	}
	require.Len(t, contents, 10)
	assert.Equal(t, "m3", contents[0])
	assert.Equal(t, "m12", contents[9])
	for i, c := range contents {
		assert.Equal(t, fmt.Sprintf("m%d", i+3), c)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	chatLLM := &fakeChatLLM{tokens: []string{"ok"}}
	env := newTestEnv(t, &fakeRetriever{result: contextResult()}, chatLLM)

	expired := &models.Session{
		ID:        "expired-session",
		TenantID:  env.tenant.ID,
		CreatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Second),
	}
	require.NoError(t, env.db.CreateSession(expired))

	err := env.svc.Stream(context.Background(), env.tenant, expired.ID, "hello", env.emit)
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, env.events)
}

func TestCancellationStopsStream(t *testing.T) {
	chatLLM := &fakeChatLLM{tokens: []string{"one ", "two ", "three ", "four "}}
	env := newTestEnv(t, &fakeRetriever{result: contextResult()}, chatLLM)
	env.bus.afterN = 2 // cancel signal lands after the second poll

	err := env.svc.Stream(context.Background(), env.tenant, env.session.ID, "question", env.emit)
	require.NoError(t, err)

	content := env.eventsOfType(EventContent)
	require.Len(t, content, 2)

	msgs, err := env.db.SessionMessages(env.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assistant := msgs[1]
	assert.True(t, assistant.Cancelled)
	assert.Equal(t, "one two ", assistant.Content)
}

func TestFallbackWhenNoContext(t *testing.T) {
	chatLLM := &fakeChatLLM{tokens: []string{"never used"}}
	env := newTestEnv(t, &fakeRetriever{}, chatLLM)
	env.tenant.Persona.FallbackMessage = "Nothing in the documents covers that."

	err := env.svc.Stream(context.Background(), env.tenant, env.session.ID, "unrelated question", env.emit)
	require.NoError(t, err)

	content := env.eventsOfType(EventContent)
	require.Len(t, content, 1)
	assert.Equal(t, "Nothing in the documents covers that.", content[0].Content)

	done := env.eventsOfType(EventDone)
	require.Len(t, done, 1)

	// Assistant message persisted even on the fallback path.
	msgs, err := env.db.SessionMessages(env.session.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestLLMFailureEmitsErrorAndKeepsQuestion(t *testing.T) {
	chatLLM := &fakeChatLLM{err: apperr.New(apperr.KindTransient, "model server down")}
	env := newTestEnv(t, &fakeRetriever{result: contextResult()}, chatLLM)

	err := env.svc.Stream(context.Background(), env.tenant, env.session.ID, "question", env.emit)
	require.Error(t, err)

	errs := env.eventsOfType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "transient", errs[0].ErrorKind)

	msgs, err2 := env.db.SessionMessages(env.session.ID)
	require.NoError(t, err2)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "question", msgs[0].Content)
	assert.True(t, msgs[1].Failed)
}

func TestThinkContentFiltered(t *testing.T) {
	chatLLM := &fakeChatLLM{tokens: []string{"<think>secret reasoning</think>", "The answer ", "is 42."}}
	env := newTestEnv(t, &fakeRetriever{result: contextResult()}, chatLLM)

	err := env.svc.Stream(context.Background(), env.tenant, env.session.ID, "question", env.emit)
	require.NoError(t, err)

	var content strings.Builder
	for _, ev := range env.eventsOfType(EventContent) {
		content.WriteString(ev.Content)
	}
	assert.NotContains(t, content.String(), "secret reasoning")
	assert.Contains(t, content.String(), "The answer is 42.")

	msgs, err := env.db.SessionMessages(env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42.", msgs[1].Content)
}

func TestMessageLengthCountsRunesNotBytes(t *testing.T) {
	chatLLM := &fakeChatLLM{tokens: []string{"answer"}}
	env := newTestEnv(t, &fakeRetriever{result: contextResult()}, chatLLM)

	// 9,000 hangul syllables: 27,000 UTF-8 bytes but under the 10,000
	// character limit.
	long := strings.Repeat("가", 9000)
	err := env.svc.Stream(context.Background(), env.tenant, env.session.ID, long, env.emit)
	require.NoError(t, err)

	over := strings.Repeat("가", 10001)
	err = env.svc.Stream(context.Background(), env.tenant, env.session.ID, over, env.emit)
	assert.True(t, apperr.IsValidation(err))
}

func TestMessageCountInvariantAcrossStream(t *testing.T) {
	chatLLM := &fakeChatLLM{tokens: []string{"answer"}}
	env := newTestEnv(t, &fakeRetriever{result: contextResult()}, chatLLM)

	require.NoError(t, env.svc.Stream(context.Background(), env.tenant, env.session.ID, "q1", env.emit))
	require.NoError(t, env.svc.Stream(context.Background(), env.tenant, env.session.ID, "q2", env.emit))

	session, err := env.db.GetSession(env.session.ID)
	require.NoError(t, err)

	msgs, err := env.db.SessionMessages(env.session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.MessageCount, len(msgs))
	assert.Equal(t, 4, session.MessageCount)
}
