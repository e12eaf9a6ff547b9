package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/circuitbreaker"
	"github.com/edumagiceco/graphrag/pkg/logger"
	"github.com/edumagiceco/graphrag/pkg/retry"
)

// Node and edge types form closed sets; anything else is rejected
// before it reaches Cypher, since labels cannot be parameterized.
var nodeTypes = map[string]bool{
	"Concept":    true,
	"Definition": true,
	"Process":    true,
}

var edgeTypes = map[string]bool{
	"RELATED_TO": true,
	"DEFINES":    true,
	"DEPENDS_ON": true,
}

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type Node struct {
	ID          string
	TenantID    string
	Version     int
	Type        string
	Name        string
	NormName    string
	Description string
	Confidence  float64
	ChunkIDs    []string
	DocumentIDs []string
}

type Edge struct {
	SourceID string
	TargetID string
	Type     string
	Score    float64
	Context  string
	SubType  string
}

// ExpandedNode is a traversal hit: the node plus its distance from the
// nearest seed and the strongest edge score along the way.
type ExpandedNode struct {
	Node
	Hop          int
	MaxEdgeScore float64
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			err := operation(session)
			if err != nil && apperr.KindOf(err) == apperr.KindInternal {
				// Driver-level failures are connection problems unless
				// classified otherwise.
				return apperr.Wrap(apperr.KindTransient, "neo4j operation failed", err)
			}
			return err
		})
	})
}

// UpsertNode merges a node on (tenant, version, type, normalized name).
// On a dedup hit the chunk and document lists union and confidence
// takes the max. Returns the canonical node id.
func (c *Client) UpsertNode(ctx context.Context, node *Node) (string, error) {
	if !nodeTypes[node.Type] {
		return "", apperr.Newf(apperr.KindPermanent, "unknown node type %q", node.Type)
	}

	var id string
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := fmt.Sprintf(`
			MERGE (n:%s {tenant_id: $tenant_id, version: $version, norm_name: $norm_name})
			ON CREATE SET n.id = $id,
			    n.type = $type,
			    n.name = $name,
			    n.description = $description,
			    n.confidence = $confidence,
			    n.chunk_ids = $chunk_ids,
			    n.document_ids = $document_ids,
			    n.created_at = timestamp()
			ON MATCH SET n.confidence = CASE WHEN $confidence > n.confidence THEN $confidence ELSE n.confidence END,
			    n.chunk_ids = [x IN n.chunk_ids WHERE NOT x IN $chunk_ids] + $chunk_ids,
			    n.document_ids = [x IN n.document_ids WHERE NOT x IN $document_ids] + $document_ids,
			    n.description = CASE WHEN size(coalesce(n.description, '')) = 0 THEN $description ELSE n.description END
			RETURN n.id AS id
		`, node.Type)

		result, err := session.Run(ctx, query, map[string]interface{}{
			"tenant_id":    node.TenantID,
			"version":      node.Version,
			"norm_name":    node.NormName,
			"id":           node.ID,
			"type":         node.Type,
			"name":         node.Name,
			"description":  node.Description,
			"confidence":   node.Confidence,
			"chunk_ids":    toInterfaceSlice(node.ChunkIDs),
			"document_ids": toInterfaceSlice(node.DocumentIDs),
		})
		if err != nil {
			return fmt.Errorf("failed to upsert node: %w", err)
		}

		if result.Next(ctx) {
			v, _ := result.Record().Get("id")
			id = v.(string)
		}
		return result.Err()
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateEdge writes one typed edge between existing nodes. Edges below
// score 0.5 never reach this call; the builder filters them.
func (c *Client) CreateEdge(ctx context.Context, edge *Edge) error {
	if !edgeTypes[edge.Type] {
		return apperr.Newf(apperr.KindPermanent, "unknown edge type %q", edge.Type)
	}

	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := fmt.Sprintf(`
			MATCH (s {id: $source_id})
			MATCH (t {id: $target_id})
			MERGE (s)-[r:%s]->(t)
			SET r.score = $score,
			    r.context = $context,
			    r.sub_type = $sub_type,
			    r.created_at = timestamp()
		`, edge.Type)

		_, err := session.Run(ctx, query, map[string]interface{}{
			"source_id": edge.SourceID,
			"target_id": edge.TargetID,
			"score":     edge.Score,
			"context":   edge.Context,
			"sub_type":  edge.SubType,
		})
		if err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
		return nil
	})
}

// NodesByChunkIDs finds nodes whose contributing chunk lists intersect
// the given chunk ids. These are the seed entities for expansion.
func (c *Client) NodesByChunkIDs(ctx context.Context, tenantID string, version int, chunkIDs []string) ([]Node, error) {
	var nodes []Node

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (n)
			WHERE n.tenant_id = $tenant_id AND n.version = $version
			  AND any(c IN n.chunk_ids WHERE c IN $chunk_ids)
			RETURN n.id AS id, n.type AS type, n.name AS name, n.norm_name AS norm_name,
			       n.description AS description, n.confidence AS confidence, n.chunk_ids AS chunk_ids
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"tenant_id": tenantID,
			"version":   version,
			"chunk_ids": toInterfaceSlice(chunkIDs),
		})
		if err != nil {
			return fmt.Errorf("failed to find nodes by chunks: %w", err)
		}

		nodes = nil
		for result.Next(ctx) {
			nodes = append(nodes, recordToNode(result.Record(), tenantID, version))
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// NodesByName matches nodes by normalized name. Used for keyword-based
// seeding, which runs even when vector search returns nothing.
func (c *Client) NodesByName(ctx context.Context, tenantID string, version int, normNames []string) ([]Node, error) {
	if len(normNames) == 0 {
		return nil, nil
	}

	var nodes []Node
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (n)
			WHERE n.tenant_id = $tenant_id AND n.version = $version
			  AND n.norm_name IN $names
			RETURN n.id AS id, n.type AS type, n.name AS name, n.norm_name AS norm_name,
			       n.description AS description, n.confidence AS confidence, n.chunk_ids AS chunk_ids
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"tenant_id": tenantID,
			"version":   version,
			"names":     toInterfaceSlice(normNames),
		})
		if err != nil {
			return fmt.Errorf("failed to find nodes by name: %w", err)
		}

		nodes = nil
		for result.Next(ctx) {
			nodes = append(nodes, recordToNode(result.Record(), tenantID, version))
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

// Expand traverses up to maxHops from the seed nodes, keeping paths
// whose every edge scores at least minScore, capped at limit nodes.
func (c *Client) Expand(ctx context.Context, tenantID string, version int, seedIDs []string, maxHops int, minScore float64, limit int) ([]ExpandedNode, error) {
	if len(seedIDs) == 0 {
		return nil, nil
	}
	if maxHops < 1 {
		maxHops = 1
	}
	if maxHops > 2 {
		maxHops = 2
	}

	var expanded []ExpandedNode
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := fmt.Sprintf(`
			MATCH (seed)
			WHERE seed.id IN $seed_ids AND seed.tenant_id = $tenant_id AND seed.version = $version
			MATCH path = (seed)-[*1..%d]-(nb)
			WHERE nb.tenant_id = $tenant_id AND nb.version = $version
			  AND NOT nb.id IN $seed_ids
			  AND all(r IN relationships(path) WHERE r.score >= $min_score)
			WITH nb, min(length(path)) AS hop,
			     max(reduce(s = 0.0, r IN relationships(path) | CASE WHEN r.score > s THEN r.score ELSE s END)) AS max_edge
			RETURN nb.id AS id, nb.type AS type, nb.name AS name, nb.norm_name AS norm_name,
			       nb.description AS description, nb.confidence AS confidence, nb.chunk_ids AS chunk_ids,
			       hop, max_edge
			ORDER BY hop ASC, max_edge DESC
			LIMIT $limit
		`, maxHops)

		result, err := session.Run(ctx, query, map[string]interface{}{
			"seed_ids":  toInterfaceSlice(seedIDs),
			"tenant_id": tenantID,
			"version":   version,
			"min_score": minScore,
			"limit":     limit,
		})
		if err != nil {
			return fmt.Errorf("failed to expand graph: %w", err)
		}

		expanded = nil
		for result.Next(ctx) {
			record := result.Record()
			node := recordToNode(record, tenantID, version)

			hop, _ := record.Get("hop")
			maxEdge, _ := record.Get("max_edge")

			en := ExpandedNode{Node: node}
			if h, ok := hop.(int64); ok {
				en.Hop = int(h)
			}
			if s, ok := maxEdge.(float64); ok {
				en.MaxEdgeScore = s
			}
			expanded = append(expanded, en)
		}
		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Graph expansion completed",
		zap.Int("seeds", len(seedIDs)),
		zap.Int("expanded", len(expanded)),
	)

	return expanded, nil
}

// CountNodes returns the node count for a (tenant, version) namespace.
func (c *Client) CountNodes(ctx context.Context, tenantID string, version int) (int, error) {
	var count int
	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, `
			MATCH (n {tenant_id: $tenant_id, version: $version})
			RETURN count(n) AS c
		`, map[string]interface{}{
			"tenant_id": tenantID,
			"version":   version,
		})
		if err != nil {
			return fmt.Errorf("failed to count nodes: %w", err)
		}

		if result.Next(ctx) {
			v, _ := result.Record().Get("c")
			count = int(v.(int64))
		}
		return result.Err()
	})
	return count, err
}

// DeleteTenantVersion removes every node and edge in one (tenant,
// version) namespace.
func (c *Client) DeleteTenantVersion(ctx context.Context, tenantID string, version int) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MATCH (n {tenant_id: $tenant_id, version: $version})
			DETACH DELETE n
		`, map[string]interface{}{
			"tenant_id": tenantID,
			"version":   version,
		})
		if err != nil {
			return fmt.Errorf("failed to delete tenant version graph: %w", err)
		}

		logger.Info("Graph namespace deleted",
			zap.String("tenant_id", tenantID),
			zap.Int("version", version),
		)
		return nil
	})
}

// DeleteByDocument prunes a removed document's contribution: its id is
// dropped from node document lists, and nodes contributed by no other
// document are detached and deleted.
func (c *Client) DeleteByDocument(ctx context.Context, tenantID string, version int, documentID string) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		_, err := session.Run(ctx, `
			MATCH (n {tenant_id: $tenant_id, version: $version})
			WHERE $document_id IN n.document_ids
			SET n.document_ids = [x IN n.document_ids WHERE x <> $document_id]
			WITH n
			WHERE size(n.document_ids) = 0
			DETACH DELETE n
		`, map[string]interface{}{
			"tenant_id":   tenantID,
			"version":     version,
			"document_id": documentID,
		})
		if err != nil {
			return fmt.Errorf("failed to delete document graph contribution: %w", err)
		}
		return nil
	})
}

func recordToNode(record *neo4j.Record, tenantID string, version int) Node {
	id, _ := record.Get("id")
	typ, _ := record.Get("type")
	name, _ := record.Get("name")
	normName, _ := record.Get("norm_name")
	description, _ := record.Get("description")
	confidence, _ := record.Get("confidence")
	chunkIDs, _ := record.Get("chunk_ids")

	node := Node{
		TenantID: tenantID,
		Version:  version,
	}
	if v, ok := id.(string); ok {
		node.ID = v
	}
	if v, ok := typ.(string); ok {
		node.Type = v
	}
	if v, ok := name.(string); ok {
		node.Name = v
	}
	if v, ok := normName.(string); ok {
		node.NormName = v
	}
	if v, ok := description.(string); ok {
		node.Description = v
	}
	if v, ok := confidence.(float64); ok {
		node.Confidence = v
	}
	if list, ok := chunkIDs.([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				node.ChunkIDs = append(node.ChunkIDs, s)
			}
		}
	}
	return node
}

func toInterfaceSlice(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
