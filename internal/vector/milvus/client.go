package milvus

import (
	"context"
	"fmt"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

// Client wraps the Milvus connection. Each (tenant, version) pair gets
// its own collection named chatbot_{tenant}_v{version}; activation is a
// pointer flip in the relational store, never a data move here.
type Client struct {
	client    client.Client
	vectorDim int
}

// Chunk is one vector row with its retrieval payload.
type Chunk struct {
	ID           string
	DocumentID   string
	Filename     string
	ChunkIndex   int
	Page         int
	Section      string
	Text         string
	IsTable      bool
	IsCaption    bool
	HeadingLevel int
	Embedding    []float32
}

type SearchResult struct {
	ChunkID    string
	DocumentID string
	Filename   string
	ChunkIndex int
	Page       int
	Section    string
	Text       string
	Score      float64
}

func NewClient(endpoint string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.Int("dim", vectorDim),
	)

	return &Client{
		client:    c,
		vectorDim: vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

// CollectionName builds the per-tenant-version collection name. Milvus
// forbids dashes in identifiers, so the tenant uuid is flattened.
func CollectionName(tenantID string, version int) string {
	return fmt.Sprintf("chatbot_%s_v%d", strings.ReplaceAll(tenantID, "-", "_"), version)
}

func (m *Client) EnsureCollection(ctx context.Context, tenantID string, version int) error {
	name := CollectionName(tenantID, version)

	has, err := m.client.HasCollection(ctx, name)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to check collection", err)
	}

	if has {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: name,
		Description:    "chunk embeddings for one tenant build version",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "filename",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     "chunk_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "page",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "section",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "8192",
				},
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to create collection", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to create index params", err)
	}
	err = m.client.CreateIndex(ctx, name, "embedding", idx, false)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to create index", err)
	}

	err = m.client.LoadCollection(ctx, name, false)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to load collection", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", name))

	return nil
}

func (m *Client) Insert(ctx context.Context, tenantID string, version int, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	name := CollectionName(tenantID, version)

	chunkIDs := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	docIDs := make([]string, len(chunks))
	filenames := make([]string, len(chunks))
	indexes := make([]int64, len(chunks))
	pages := make([]int64, len(chunks))
	sections := make([]string, len(chunks))
	texts := make([]string, len(chunks))

	for i, chunk := range chunks {
		if len(chunk.Embedding) != m.vectorDim {
			return apperr.Newf(apperr.KindPermanent,
				"embedding dimension mismatch: got %d, collection expects %d", len(chunk.Embedding), m.vectorDim)
		}
		chunkIDs[i] = chunk.ID
		embeddings[i] = chunk.Embedding
		docIDs[i] = chunk.DocumentID
		filenames[i] = chunk.Filename
		indexes[i] = int64(chunk.ChunkIndex)
		pages[i] = int64(chunk.Page)
		sections[i] = chunk.Section
		texts[i] = chunk.Text
	}

	_, err := m.client.Insert(
		ctx,
		name,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("document_id", docIDs),
		entity.NewColumnVarChar("filename", filenames),
		entity.NewColumnInt64("chunk_index", indexes),
		entity.NewColumnInt64("page", pages),
		entity.NewColumnVarChar("section", sections),
		entity.NewColumnVarChar("text", texts),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to insert chunks", err)
	}

	err = m.client.Flush(ctx, name, false)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to flush", err)
	}

	logger.Info("Chunks inserted into vector store",
		zap.String("collection", name),
		zap.Int("count", len(chunks)),
	)

	return nil
}

// Search runs top-K similarity search and drops hits below threshold.
func (m *Client) Search(ctx context.Context, tenantID string, version int, embedding []float32, topK int, threshold float64) ([]SearchResult, error) {
	name := CollectionName(tenantID, version)

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		name,
		[]string{},
		"",
		[]string{"chunk_id", "document_id", "filename", "chunk_index", "page", "section", "text"},
		[]entity.Vector{entity.FloatVector(embedding)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "vector search failed", err)
	}

	results := make([]SearchResult, 0)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn("chunk_id")
		docIDCol := sr.Fields.GetColumn("document_id")
		filenameCol := sr.Fields.GetColumn("filename")
		indexCol := sr.Fields.GetColumn("chunk_index")
		pageCol := sr.Fields.GetColumn("page")
		sectionCol := sr.Fields.GetColumn("section")
		textCol := sr.Fields.GetColumn("text")

		for i := 0; i < sr.ResultCount; i++ {
			score := float64(sr.Scores[i])
			if score < threshold {
				continue
			}

			chunkID, _ := chunkIDCol.Get(i)
			docID, _ := docIDCol.Get(i)
			filename, _ := filenameCol.Get(i)
			index, _ := indexCol.Get(i)
			page, _ := pageCol.Get(i)
			section, _ := sectionCol.Get(i)
			text, _ := textCol.Get(i)

			results = append(results, SearchResult{
				ChunkID:    chunkID.(string),
				DocumentID: docID.(string),
				Filename:   filename.(string),
				ChunkIndex: int(index.(int64)),
				Page:       int(page.(int64)),
				Section:    section.(string),
				Text:       text.(string),
				Score:      score,
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("collection", name),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// DeleteByDocument removes a document's chunks from one version's
// collection. Used for selective cleanup and idempotent re-embedding.
func (m *Client) DeleteByDocument(ctx context.Context, tenantID string, version int, documentID string) error {
	name := CollectionName(tenantID, version)

	has, err := m.client.HasCollection(ctx, name)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to check collection", err)
	}
	if !has {
		return nil
	}

	expr := fmt.Sprintf(`document_id == "%s"`, documentID)
	err = m.client.Delete(ctx, name, "", expr)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to delete document vectors", err)
	}
	return nil
}

// CountByDocument returns the number of chunks stored for a document
// in one version's collection.
func (m *Client) CountByDocument(ctx context.Context, tenantID string, version int, documentID string) (int, error) {
	name := CollectionName(tenantID, version)

	expr := fmt.Sprintf(`document_id == "%s"`, documentID)
	rs, err := m.client.Query(ctx, name, []string{}, expr, []string{"chunk_id"})
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransient, "failed to count document vectors", err)
	}

	for _, col := range rs {
		if col.Name() == "chunk_id" {
			return col.Len(), nil
		}
	}
	return 0, nil
}

// DropCollection removes a version's entire collection.
func (m *Client) DropCollection(ctx context.Context, tenantID string, version int) error {
	name := CollectionName(tenantID, version)

	has, err := m.client.HasCollection(ctx, name)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to check collection", err)
	}
	if !has {
		return nil
	}

	if err := m.client.DropCollection(ctx, name); err != nil {
		return apperr.Wrap(apperr.KindTransient, "failed to drop collection", err)
	}

	logger.Info("Collection dropped", zap.String("collection", name))
	return nil
}
