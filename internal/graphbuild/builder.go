package graphbuild

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"

	graphstore "github.com/edumagiceco/graphrag/internal/graph/neo4j"
	"github.com/edumagiceco/graphrag/internal/ingest/extractor"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

// GraphStore is the slice of the graph adapter the builder needs.
type GraphStore interface {
	UpsertNode(ctx context.Context, node *graphstore.Node) (string, error)
	CreateEdge(ctx context.Context, edge *graphstore.Edge) error
}

// Builder writes extracted entities and relations into the graph
// store. Writes serialize per tenant through a mutex map so concurrent
// documents of one tenant cannot race the dedup merge.
type Builder struct {
	graph GraphStore

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
}

func New(graph GraphStore) *Builder {
	return &Builder{
		graph:    graph,
		tenantMu: make(map[string]*sync.Mutex),
	}
}

func (b *Builder) lockTenant(tenantID string) func() {
	b.mu.Lock()
	m, ok := b.tenantMu[tenantID]
	if !ok {
		m = &sync.Mutex{}
		b.tenantMu[tenantID] = m
	}
	b.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// NodeID derives the deterministic node id for a (tenant, version,
// type, normalized name) key, so re-running a stage upserts the same
// nodes instead of minting new ones.
func NodeID(tenantID string, version int, nodeType, normName string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s:%s", tenantID, version, nodeType, normName)))
	return hex.EncodeToString(sum[:16])
}

// minEdgeScore is the confidence floor for edges; relations scored
// below it are not written.
const minEdgeScore = 0.5

// Build upserts nodes and writes edges for one document's extraction
// output. Returns the counts written.
func (b *Builder) Build(ctx context.Context, tenantID string, version int, documentID string,
	entities []extractor.Entity, relations []extractor.Relation) (int, int, error) {

	unlock := b.lockTenant(tenantID)
	defer unlock()

	// norm name -> node id, for edge endpoint resolution.
	idsByNorm := make(map[string]string, len(entities))

	nodeCount := 0
	for _, ent := range entities {
		norm := extractor.NormalizeName(ent.Name)
		if norm == "" {
			continue
		}

		node := &graphstore.Node{
			ID:          NodeID(tenantID, version, ent.Type, norm),
			TenantID:    tenantID,
			Version:     version,
			Type:        ent.Type,
			Name:        ent.Name,
			NormName:    norm,
			Description: ent.Description,
			Confidence:  ent.Confidence,
			ChunkIDs:    ent.ChunkIDs,
			DocumentIDs: []string{documentID},
		}

		id, err := b.graph.UpsertNode(ctx, node)
		if err != nil {
			return nodeCount, 0, fmt.Errorf("failed to upsert node %q: %w", ent.Name, err)
		}
		if id == "" {
			id = node.ID
		}
		// First writer wins per norm name; Definition beats Concept for
		// edge resolution only if seen first, which matches extraction
		// order (rules run before the LLM pass).
		if _, ok := idsByNorm[norm]; !ok {
			idsByNorm[norm] = id
		}
		nodeCount++
	}

	edgeCount := 0
	for _, rel := range relations {
		if rel.Score < minEdgeScore {
			continue
		}
		srcID, ok := idsByNorm[extractor.NormalizeName(rel.Source)]
		if !ok {
			continue
		}
		dstID, ok := idsByNorm[extractor.NormalizeName(rel.Target)]
		if !ok {
			continue
		}
		if srcID == dstID {
			continue
		}

		edge := &graphstore.Edge{
			SourceID: srcID,
			TargetID: dstID,
			Type:     rel.Type,
			Score:    rel.Score,
			Context:  rel.Context,
			SubType:  rel.SubType,
		}
		if err := b.graph.CreateEdge(ctx, edge); err != nil {
			return nodeCount, edgeCount, fmt.Errorf("failed to create edge %s->%s: %w", rel.Source, rel.Target, err)
		}
		edgeCount++
	}

	logger.Info("Graph built for document",
		zap.String("tenant_id", tenantID),
		zap.Int("version", version),
		zap.String("document_id", documentID),
		zap.Int("nodes", nodeCount),
		zap.Int("edges", edgeCount),
	)

	return nodeCount, edgeCount, nil
}
