package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	graphstore "github.com/edumagiceco/graphrag/internal/graph/neo4j"
	"github.com/edumagiceco/graphrag/internal/metrics"
	"github.com/edumagiceco/graphrag/internal/vector/milvus"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

type VectorSearcher interface {
	Search(ctx context.Context, tenantID string, version int, embedding []float32, topK int, threshold float64) ([]milvus.SearchResult, error)
}

type GraphExpander interface {
	NodesByChunkIDs(ctx context.Context, tenantID string, version int, chunkIDs []string) ([]graphstore.Node, error)
	NodesByName(ctx context.Context, tenantID string, version int, normNames []string) ([]graphstore.Node, error)
	Expand(ctx context.Context, tenantID string, version int, seedIDs []string, maxHops int, minScore float64, limit int) ([]graphstore.ExpandedNode, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	TopK           int
	ScoreThreshold float64
	MaxHops        int
	MaxGraphNodes  int
	EdgeThreshold  float64
	TokenBudget    int
	VectorTimeout  time.Duration
	GraphTimeout   time.Duration
}

func DefaultOptions() Options {
	return Options{
		TopK:           8,
		ScoreThreshold: 0.7,
		MaxHops:        2,
		MaxGraphNodes:  20,
		EdgeThreshold:  0.7,
		TokenBudget:    3000,
		VectorTimeout:  5 * time.Second,
		GraphTimeout:   10 * time.Second,
	}
}

// ContextItem is one prioritized piece of grounding context.
type ContextItem struct {
	Kind       string // "vector" or "graph"
	Text       string
	Score      float64
	DocumentID string
	Filename   string
	Page       int
	ChunkIndex int
	ChunkID    string
	Entity     string
	EntityType string
	Hop        int
}

type Result struct {
	Items       []ContextItem
	VectorCount int
	GraphCount  int
}

// Retriever fuses vector top-K with 2-hop graph expansion into a
// priority-ordered, token-budgeted context.
type Retriever struct {
	vectors VectorSearcher
	graph   GraphExpander
	llm     Embedder
	opts    Options
}

func New(vectors VectorSearcher, graph GraphExpander, llm Embedder, opts Options) *Retriever {
	if opts.TopK <= 0 {
		opts = DefaultOptions()
	}
	return &Retriever{vectors: vectors, graph: graph, llm: llm, opts: opts}
}

// Retrieve runs the hybrid strategy against a tenant's active version.
// Keyword-based graph seeding always runs — even when vector search
// returns nothing — so graph-only corpora still answer.
func (r *Retriever) Retrieve(ctx context.Context, tenantID string, version int, query string, includeGraph bool) (*Result, error) {
	embedding, err := r.llm.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	vctx, vcancel := context.WithTimeout(ctx, r.opts.VectorTimeout)
	vectorResults, err := r.vectors.Search(vctx, tenantID, version, embedding, r.opts.TopK, r.opts.ScoreThreshold)
	vcancel()
	if err != nil {
		return nil, err
	}

	var seedNodes []graphstore.Node
	var expanded []graphstore.ExpandedNode

	if includeGraph {
		gctx, gcancel := context.WithTimeout(ctx, r.opts.GraphTimeout)
		defer gcancel()

		seedNodes, expanded, err = r.expandGraph(gctx, tenantID, version, query, vectorResults)
		if err != nil {
			// Graph degradation is not fatal; vector context still answers.
			logger.Warn("Graph expansion failed, continuing vector-only",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			seedNodes, expanded = nil, nil
		}
	}

	result := assemble(vectorResults, seedNodes, expanded, r.opts.TokenBudget)

	metrics.RetrievalResults.WithLabelValues("vector").Observe(float64(result.VectorCount))
	metrics.RetrievalResults.WithLabelValues("graph").Observe(float64(result.GraphCount))

	logger.Debug("Retrieval completed",
		zap.String("tenant_id", tenantID),
		zap.Int("version", version),
		zap.Int("vector", result.VectorCount),
		zap.Int("graph", result.GraphCount),
		zap.Int("items", len(result.Items)),
	)

	return result, nil
}

// expandGraph seeds from retrieved chunk ids and from query keywords,
// then traverses up to MaxHops.
func (r *Retriever) expandGraph(ctx context.Context, tenantID string, version int, query string,
	vectorResults []milvus.SearchResult) ([]graphstore.Node, []graphstore.ExpandedNode, error) {

	var seeds []graphstore.Node
	seen := make(map[string]bool)

	if len(vectorResults) > 0 {
		chunkIDs := make([]string, len(vectorResults))
		for i, vr := range vectorResults {
			chunkIDs[i] = vr.ChunkID
		}
		nodes, err := r.graph.NodesByChunkIDs(ctx, tenantID, version, chunkIDs)
		if err != nil {
			return nil, nil, err
		}
		for _, n := range nodes {
			if !seen[n.ID] {
				seen[n.ID] = true
				seeds = append(seeds, n)
			}
		}
	}

	if terms := keywordSeeds(query); len(terms) > 0 {
		nodes, err := r.graph.NodesByName(ctx, tenantID, version, terms)
		if err != nil {
			return nil, nil, err
		}
		for _, n := range nodes {
			if !seen[n.ID] {
				seen[n.ID] = true
				seeds = append(seeds, n)
			}
		}
	}

	if len(seeds) == 0 {
		return nil, nil, nil
	}

	seedIDs := make([]string, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ID
	}

	limit := r.opts.MaxGraphNodes - len(seeds)
	if limit <= 0 {
		return seeds[:r.opts.MaxGraphNodes], nil, nil
	}

	expanded, err := r.graph.Expand(ctx, tenantID, version, seedIDs, r.opts.MaxHops, r.opts.EdgeThreshold, limit)
	if err != nil {
		return nil, nil, err
	}

	return seeds, expanded, nil
}
