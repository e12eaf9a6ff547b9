package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/bus"
	"github.com/edumagiceco/graphrag/internal/ingest/chunker"
	"github.com/edumagiceco/graphrag/internal/ingest/extractor"
	"github.com/edumagiceco/graphrag/internal/ingest/parser"
	"github.com/edumagiceco/graphrag/internal/metrics"
	"github.com/edumagiceco/graphrag/internal/storage/models"
	"github.com/edumagiceco/graphrag/internal/storage/sqlite"
	"github.com/edumagiceco/graphrag/internal/vector/milvus"
	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/logger"
	"github.com/edumagiceco/graphrag/pkg/retry"
)

// Stage progress marks.
const (
	markParse    = 10
	markChunk    = 30
	markEmbed    = 50
	markExtract  = 70
	markGraph    = 90
	markFinalize = 100
)

// VectorStore is the vector adapter surface the pipeline writes to.
type VectorStore interface {
	EnsureCollection(ctx context.Context, tenantID string, version int) error
	Insert(ctx context.Context, tenantID string, version int, chunks []milvus.Chunk) error
	DeleteByDocument(ctx context.Context, tenantID string, version int, documentID string) error
}

// GraphBuilder writes one document's extraction output to the graph.
type GraphBuilder interface {
	Build(ctx context.Context, tenantID string, version int, documentID string,
		entities []extractor.Entity, relations []extractor.Relation) (int, int, error)
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type ProgressBus interface {
	PublishProgress(ctx context.Context, documentID string, ev bus.ProgressEvent) error
	Cancelled(ctx context.Context, key string) bool
}

// Finalizer is notified after each document finishes so the version
// manager can flip the active pointer when a build completes.
type Finalizer interface {
	OnDocumentFinalized(ctx context.Context, tenantID string, version int) error
}

type EntityExtractor interface {
	Extract(ctx context.Context, chunks []chunker.Chunk, chunkIDs []string) ([]extractor.Entity, []extractor.Relation, error)
}

// ParseFunc extracts segments and page count from a stored PDF.
type ParseFunc func(path string) ([]parser.Segment, int, error)

type Config struct {
	Workers      int
	StageTimeout time.Duration
	StageRetry   retry.Config
	PollInterval time.Duration
}

// Orchestrator drives the six-stage pipeline over a durable job queue
// with a bounded worker pool. Stages of one document run strictly in
// order; documents of one tenant may interleave across workers.
type Orchestrator struct {
	db        *sqlite.Client
	vectors   VectorStore
	graph     GraphBuilder
	embedder  Embedder
	bus       ProgressBus
	finalizer Finalizer
	chunker   *chunker.Chunker
	extractor EntityExtractor
	parse     ParseFunc
	cfg       Config

	stop chan struct{}
	wake chan struct{}
	wg   sync.WaitGroup
}

func NewOrchestrator(
	db *sqlite.Client,
	vectors VectorStore,
	graph GraphBuilder,
	embedder Embedder,
	progressBus ProgressBus,
	finalizer Finalizer,
	ch *chunker.Chunker,
	ex EntityExtractor,
	parse ParseFunc,
	cfg Config,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 15 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if parse == nil {
		parse = parser.ExtractSegments
	}

	return &Orchestrator{
		db:        db,
		vectors:   vectors,
		graph:     graph,
		embedder:  embedder,
		bus:       progressBus,
		finalizer: finalizer,
		chunker:   ch,
		extractor: ex,
		parse:     parse,
		cfg:       cfg,
		stop:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
}

// ChunkID derives the deterministic id for a chunk, so re-running a
// stage overwrites rather than duplicates.
func ChunkID(documentID string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", documentID, index)))
	return hex.EncodeToString(sum[:16])
}

// CancelKey is the bus key used to cancel a document's ingestion
// between stages.
func CancelKey(documentID string) string {
	return "doc:" + documentID
}

// Start requeues jobs orphaned by a previous run and launches the
// worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	n, err := o.db.RequeueRunningJobs()
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("Requeued orphaned ingest jobs", zap.Int64("count", n))
	}

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}

	logger.Info("Ingestion worker pool started", zap.Int("workers", o.cfg.Workers))
	return nil
}

func (o *Orchestrator) Stop() {
	close(o.stop)
	o.wg.Wait()
}

// Enqueue adds a document to the durable queue and nudges the pool.
func (o *Orchestrator) Enqueue(doc *models.Document) error {
	if _, err := o.db.EnqueueJob(doc.ID, doc.TenantID, doc.Version); err != nil {
		return err
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()

	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := o.db.ClaimNextJob()
		if err != nil {
			logger.Error("Failed to claim job", zap.Error(err), zap.Int("worker", id))
		}
		if job == nil || err != nil {
			select {
			case <-o.stop:
				return
			case <-ctx.Done():
				return
			case <-o.wake:
			case <-time.After(o.cfg.PollInterval):
			}
			continue
		}

		o.process(ctx, job)
	}
}

func (o *Orchestrator) process(ctx context.Context, job *models.IngestJob) {
	doc, err := o.db.GetDocument(job.DocumentID)
	if err != nil {
		if apperr.IsNotFound(err) {
			// Document was deleted while queued.
			o.db.CompleteJob(job.ID)
			return
		}
		logger.Error("Failed to load document for job", zap.Error(err))
		o.db.FailJob(job.ID)
		return
	}

	if doc.Status == models.DocCompleted {
		o.db.CompleteJob(job.ID)
		return
	}

	logger.Info("Processing document",
		zap.String("document_id", doc.ID),
		zap.String("tenant_id", doc.TenantID),
		zap.Int("version", doc.Version),
		zap.Int("attempt", job.Attempts),
	)

	if err := o.runPipeline(ctx, doc); err != nil {
		o.failDocument(ctx, doc, err)
		o.db.FailJob(job.ID)
		metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		// A failed document may still have been the last unfinished one
		// in its version; let the version manager take stock.
		if ferr := o.finalizer.OnDocumentFinalized(ctx, doc.TenantID, doc.Version); ferr != nil {
			logger.Error("Finalizer check after failure errored", zap.Error(ferr))
		}
		return
	}

	o.db.CompleteJob(job.ID)
	metrics.DocumentsProcessed.WithLabelValues("completed").Inc()
}

// runPipeline executes the six stages in order. Each stage writes its
// status and progress to the relational store before publishing the
// event, retries on Transient errors, and runs under the stage
// wall-clock timeout. Cancellation is honored between stages only.
func (o *Orchestrator) runPipeline(ctx context.Context, doc *models.Document) error {
	var segments []parser.Segment
	var pageCount int
	var chunks []chunker.Chunk
	var chunkIDs []string
	var entities []extractor.Entity
	var relations []extractor.Relation

	stages := []struct {
		status   models.DocumentStatus
		progress int
		run      func(context.Context) error
	}{
		{models.DocParsing, markParse, func(sctx context.Context) error {
			var err error
			segments, pageCount, err = o.parse(doc.FilePath)
			if err != nil {
				return err
			}
			return o.db.SetDocumentPageCount(doc.ID, pageCount)
		}},
		{models.DocChunking, markChunk, func(sctx context.Context) error {
			chunks = o.chunker.Split(segments)
			if len(chunks) == 0 {
				return apperr.New(apperr.KindValidation, "no chunks created from document")
			}
			chunkIDs = make([]string, len(chunks))
			for i := range chunks {
				chunkIDs[i] = ChunkID(doc.ID, chunks[i].Index)
			}
			return nil
		}},
		{models.DocEmbedding, markEmbed, func(sctx context.Context) error {
			return o.embedStage(sctx, doc, chunks, chunkIDs)
		}},
		{models.DocExtracting, markExtract, func(sctx context.Context) error {
			var err error
			entities, relations, err = o.extractor.Extract(sctx, chunks, chunkIDs)
			return err
		}},
		{models.DocGraphing, markGraph, func(sctx context.Context) error {
			_, _, err := o.graph.Build(sctx, doc.TenantID, doc.Version, doc.ID, entities, relations)
			return err
		}},
		{models.DocCompleted, markFinalize, func(sctx context.Context) error {
			if err := o.db.CompleteDocument(doc.ID, len(chunks), len(entities)); err != nil {
				return err
			}
			return o.finalizer.OnDocumentFinalized(sctx, doc.TenantID, doc.Version)
		}},
	}

	for _, stage := range stages {
		if o.bus.Cancelled(ctx, CancelKey(doc.ID)) {
			return apperr.New(apperr.KindCancelled, "ingestion cancelled")
		}

		if err := o.runStage(ctx, doc, stage.status, stage.progress, stage.run); err != nil {
			return err
		}
	}

	logger.Info("Document processing completed",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("entities", len(entities)),
	)
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, doc *models.Document,
	status models.DocumentStatus, progress int, run func(context.Context) error) error {

	if err := o.db.SetDocumentStage(doc.ID, status, progress); err != nil {
		return err
	}
	if err := o.bus.PublishProgress(ctx, doc.ID, bus.ProgressEvent{
		Progress: progress,
		Stage:    string(status),
	}); err != nil {
		logger.Warn("Failed to publish progress", zap.Error(err), zap.String("document_id", doc.ID))
	}

	start := time.Now()
	err := retry.Do(ctx, o.cfg.StageRetry, func() error {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
		return run(sctx)
	})
	metrics.IngestStageDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("stage %s: %w", status, err)
	}
	return nil
}

// embedStage embeds all chunk texts and writes them to the version's
// collection. Existing vectors for the document are removed first so a
// re-run cannot duplicate chunks.
func (o *Orchestrator) embedStage(ctx context.Context, doc *models.Document,
	chunks []chunker.Chunk, chunkIDs []string) error {

	if err := o.vectors.EnsureCollection(ctx, doc.TenantID, doc.Version); err != nil {
		return err
	}
	if err := o.vectors.DeleteByDocument(ctx, doc.TenantID, doc.Version, doc.ID); err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	embeddings, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	rows := make([]milvus.Chunk, len(chunks))
	for i, ch := range chunks {
		rows[i] = milvus.Chunk{
			ID:           chunkIDs[i],
			DocumentID:   doc.ID,
			Filename:     doc.Filename,
			ChunkIndex:   ch.Index,
			Page:         ch.Page,
			Section:      ch.Section,
			Text:         ch.Text,
			IsTable:      ch.IsTable,
			IsCaption:    ch.IsCaption,
			HeadingLevel: ch.HeadingLevel,
			Embedding:    embeddings[i],
		}
	}

	return o.vectors.Insert(ctx, doc.TenantID, doc.Version, rows)
}

func (o *Orchestrator) failDocument(ctx context.Context, doc *models.Document, cause error) {
	kind := apperr.KindOf(cause)
	logger.Error("Document processing failed",
		zap.String("document_id", doc.ID),
		zap.String("kind", kind.String()),
		zap.Error(cause),
	)

	if err := o.db.FailDocument(doc.ID, cause.Error()); err != nil {
		logger.Error("Failed to record document failure", zap.Error(err))
	}
	if err := o.bus.PublishProgress(ctx, doc.ID, bus.ProgressEvent{
		Progress: doc.Progress,
		Stage:    string(models.DocFailed),
		Error:    cause.Error(),
	}); err != nil {
		logger.Warn("Failed to publish failure event", zap.Error(err))
	}
}
