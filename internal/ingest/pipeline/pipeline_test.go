package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edumagiceco/graphrag/internal/bus"
	"github.com/edumagiceco/graphrag/internal/ingest/chunker"
	"github.com/edumagiceco/graphrag/internal/ingest/extractor"
	"github.com/edumagiceco/graphrag/internal/ingest/parser"
	"github.com/edumagiceco/graphrag/internal/metrics"
	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/internal/storage/sqlite"
	"github.com/edumagiceco/graphrag/internal/vector/milvus"
	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/retry"
)

func init() {
	metrics.Init()
}

type fakeVectors struct {
	mu       sync.Mutex
	inserted map[string][]milvus.Chunk // document id -> rows
	deletes  int
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{inserted: make(map[string][]milvus.Chunk)}
}

func (f *fakeVectors) EnsureCollection(ctx context.Context, tenantID string, version int) error {
	return nil
}

func (f *fakeVectors) Insert(ctx context.Context, tenantID string, version int, chunks []milvus.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range chunks {
		f.inserted[ch.DocumentID] = append(f.inserted[ch.DocumentID], ch)
	}
	return nil
}

func (f *fakeVectors) DeleteByDocument(ctx context.Context, tenantID string, version int, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.inserted, documentID)
	return nil
}

type fakeGraphBuilder struct{ builds int }

func (f *fakeGraphBuilder) Build(ctx context.Context, tenantID string, version int, documentID string,
	entities []extractor.Entity, relations []extractor.Relation) (int, int, error) {
	f.builds++
	return len(entities), len(relations), nil
}

type fakeEmbedder struct{}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type memBus struct {
	mu        sync.Mutex
	events    []bus.ProgressEvent
	cancelled map[string]bool
}

func newMemBus() *memBus { return &memBus{cancelled: make(map[string]bool)} }

func (b *memBus) PublishProgress(ctx context.Context, documentID string, ev bus.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *memBus) Cancelled(ctx context.Context, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[key]
}

type fakeFinalizer struct{ calls int }

func (f *fakeFinalizer) OnDocumentFinalized(ctx context.Context, tenantID string, version int) error {
	f.calls++
	return nil
}

func staticParse(segments []parser.Segment, pages int, err error) ParseFunc {
	return func(path string) ([]parser.Segment, int, error) {
		return segments, pages, err
	}
}

type env struct {
	db        *sqlite.Client
	vectors   *fakeVectors
	graph     *fakeGraphBuilder
	bus       *memBus
	finalizer *fakeFinalizer
	orch      *Orchestrator
	doc       *models.Document
}

func newEnv(t *testing.T, parse ParseFunc) *env {
	t.Helper()

	db, err := sqlite.NewClient(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.CreateTenant(&models.Tenant{
		ID: "tenant-1", Name: "bot", AccessURL: "bot", Status: models.TenantProcessing,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	doc := &models.Document{
		ID: "doc-1", TenantID: "tenant-1", Filename: "a.pdf", FilePath: "/tmp/a.pdf",
		SizeBytes: 100, Status: models.DocPending, Version: 1, CreatedAt: time.Now(),
	}
	require.NoError(t, db.CreateDocument(doc))

	e := &env{
		db:        db,
		vectors:   newFakeVectors(),
		graph:     &fakeGraphBuilder{},
		bus:       newMemBus(),
		finalizer: &fakeFinalizer{},
		doc:       doc,
	}

	e.orch = NewOrchestrator(
		db, e.vectors, e.graph, &fakeEmbedder{}, e.bus, e.finalizer,
		chunker.New(1000, 200), extractor.New(nil), parse,
		Config{
			Workers:      1,
			StageTimeout: time.Second,
			StageRetry:   retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
			PollInterval: 10 * time.Millisecond,
		},
	)
	return e
}

var happySegments = []parser.Segment{
	{Page: 1, Section: "Intro", Text: "Photosynthesis is defined as the process by which plants convert light into energy."},
	{Page: 2, Section: "Detail", Text: "Chlorophyll absorbs light."},
}

func TestPipelineHappyPath(t *testing.T) {
	e := newEnv(t, staticParse(happySegments, 3, nil))

	err := e.orch.runPipeline(context.Background(), e.doc)
	require.NoError(t, err)

	doc, err := e.db.GetDocument("doc-1")
	require.NoError(t, err)
	assert.Equal(t, models.DocCompleted, doc.Status)
	assert.Equal(t, 100, doc.Progress)
	assert.Equal(t, 3, doc.PageCount)
	assert.Equal(t, len(e.vectors.inserted["doc-1"]), doc.ChunkCount)
	assert.NotNil(t, doc.ProcessedAt)

	assert.Equal(t, 1, e.graph.builds)
	assert.Equal(t, 1, e.finalizer.calls)

	// Progress marks in stage order.
	var marks []int
	for _, ev := range e.bus.events {
		marks = append(marks, ev.Progress)
	}
	assert.Equal(t, []int{10, 30, 50, 70, 90, 100}, marks)
}

func TestChunkIDsDeterministic(t *testing.T) {
	assert.Equal(t, ChunkID("doc-1", 0), ChunkID("doc-1", 0))
	assert.NotEqual(t, ChunkID("doc-1", 0), ChunkID("doc-1", 1))
	assert.NotEqual(t, ChunkID("doc-1", 0), ChunkID("doc-2", 0))
}

func TestRerunDoesNotDuplicateChunks(t *testing.T) {
	e := newEnv(t, staticParse(happySegments, 3, nil))

	require.NoError(t, e.orch.runPipeline(context.Background(), e.doc))
	first := len(e.vectors.inserted["doc-1"])

	require.NoError(t, e.orch.runPipeline(context.Background(), e.doc))
	second := len(e.vectors.inserted["doc-1"])

	assert.Equal(t, first, second)
	assert.Equal(t, 2, e.vectors.deletes)
}

func TestValidationFailureIsTerminal(t *testing.T) {
	parseCalls := 0
	e := newEnv(t, func(path string) ([]parser.Segment, int, error) {
		parseCalls++
		return nil, 0, apperr.New(apperr.KindValidation, "no text content extracted from pdf")
	})

	err := e.orch.runPipeline(context.Background(), e.doc)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	// No retry for validation errors.
	assert.Equal(t, 1, parseCalls)
}

func TestTransientFailureRetries(t *testing.T) {
	parseCalls := 0
	e := newEnv(t, func(path string) ([]parser.Segment, int, error) {
		parseCalls++
		if parseCalls == 1 {
			return nil, 0, apperr.New(apperr.KindTransient, "storage blip")
		}
		return happySegments, 3, nil
	})

	err := e.orch.runPipeline(context.Background(), e.doc)
	require.NoError(t, err)
	assert.Equal(t, 2, parseCalls)
}

func TestCancelledBetweenStages(t *testing.T) {
	e := newEnv(t, staticParse(happySegments, 3, nil))
	e.bus.cancelled[CancelKey("doc-1")] = true

	err := e.orch.runPipeline(context.Background(), e.doc)
	require.Error(t, err)
	assert.True(t, apperr.IsCancelled(err))
}

func TestWorkerDrivesJobFromQueue(t *testing.T) {
	e := newEnv(t, staticParse(happySegments, 3, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.orch.Start(ctx))
	defer e.orch.Stop()

	require.NoError(t, e.orch.Enqueue(e.doc))

	require.Eventually(t, func() bool {
		doc, err := e.db.GetDocument("doc-1")
		return err == nil && doc.Status == models.DocCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
