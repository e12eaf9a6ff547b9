package graphbuild

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	graphstore "github.com/edumagiceco/graphrag/internal/graph/neo4j"
	"github.com/edumagiceco/graphrag/internal/ingest/extractor"
)

type fakeGraph struct {
	mu    sync.Mutex
	nodes map[string]*graphstore.Node
	edges []*graphstore.Edge
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: make(map[string]*graphstore.Node)}
}

func (f *fakeGraph) UpsertNode(ctx context.Context, node *graphstore.Node) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.nodes[node.ID]; ok {
		if node.Confidence > existing.Confidence {
			existing.Confidence = node.Confidence
		}
		existing.ChunkIDs = append(existing.ChunkIDs, node.ChunkIDs...)
		return existing.ID, nil
	}
	clone := *node
	f.nodes[node.ID] = &clone
	return node.ID, nil
}

func (f *fakeGraph) CreateEdge(ctx context.Context, edge *graphstore.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = append(f.edges, edge)
	return nil
}

func TestNodeIDDeterministic(t *testing.T) {
	a := NodeID("tenant", 1, "Concept", "graphrag")
	b := NodeID("tenant", 1, "Concept", "graphrag")
	c := NodeID("tenant", 2, "Concept", "graphrag")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestBuildUpsertsAndLinks(t *testing.T) {
	graph := newFakeGraph()
	builder := New(graph)

	entities := []extractor.Entity{
		{Name: "GraphRAG", Type: "Concept", Confidence: 0.9, ChunkIDs: []string{"c0"}},
		{Name: "Vector Search", Type: "Concept", Confidence: 0.7, ChunkIDs: []string{"c1"}},
	}
	relations := []extractor.Relation{
		{Source: "GraphRAG", Target: "Vector Search", Type: "DEPENDS_ON", Score: 0.8},
		{Source: "GraphRAG", Target: "Unknown Entity", Type: "RELATED_TO", Score: 0.9},
	}

	nodes, edges, err := builder.Build(context.Background(), "tenant", 1, "doc-1", entities, relations)
	require.NoError(t, err)

	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)

	// The dangling relation was skipped.
	require.Len(t, graph.edges, 1)
	assert.Equal(t, "DEPENDS_ON", graph.edges[0].Type)
}

func TestBuildIsIdempotent(t *testing.T) {
	graph := newFakeGraph()
	builder := New(graph)

	entities := []extractor.Entity{
		{Name: "GraphRAG", Type: "Concept", Confidence: 0.9, ChunkIDs: []string{"c0"}},
	}

	_, _, err := builder.Build(context.Background(), "tenant", 1, "doc-1", entities, nil)
	require.NoError(t, err)
	_, _, err = builder.Build(context.Background(), "tenant", 1, "doc-1", entities, nil)
	require.NoError(t, err)

	// Re-running the stage merged into the same node rather than
	// creating a second one.
	assert.Len(t, graph.nodes, 1)
}

func TestConcurrentBuildsSameTenantSerialize(t *testing.T) {
	graph := newFakeGraph()
	builder := New(graph)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			builder.Build(context.Background(), "tenant", 1, "doc-1", []extractor.Entity{
				{Name: "Shared Concept", Type: "Concept", Confidence: 0.9, ChunkIDs: []string{"c0"}},
			}, nil)
		}()
	}
	wg.Wait()

	assert.Len(t, graph.nodes, 1)
}
