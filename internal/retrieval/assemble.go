package retrieval

import (
	"sort"

	graphstore "github.com/edumagiceco/graphrag/internal/graph/neo4j"
	"github.com/edumagiceco/graphrag/internal/ingest/extractor"
	"github.com/edumagiceco/graphrag/internal/vector/milvus"
	"github.com/edumagiceco/graphrag/pkg/tokencount"
)

// Fused score weights: vector similarity dominates, the strongest
// incident edge tops it up.
const (
	vectorWeight = 0.7
	graphWeight  = 0.3
)

type graphItem struct {
	node  graphstore.Node
	hop   int
	score float64
}

// assemble orders context by priority — Definitions, then chunks by
// fused score, then Concepts, then Processes — and truncates to the
// token budget.
func assemble(vectorResults []milvus.SearchResult, seeds []graphstore.Node,
	expanded []graphstore.ExpandedNode, tokenBudget int) *Result {

	// Strongest incident edge per chunk, from the expansion pass.
	edgeByChunk := make(map[string]float64)
	for _, en := range expanded {
		for _, chunkID := range en.ChunkIDs {
			if en.MaxEdgeScore > edgeByChunk[chunkID] {
				edgeByChunk[chunkID] = en.MaxEdgeScore
			}
		}
	}

	var graphItems []graphItem
	for _, n := range seeds {
		graphItems = append(graphItems, graphItem{node: n, hop: 0, score: n.Confidence})
	}
	for _, en := range expanded {
		graphItems = append(graphItems, graphItem{node: en.Node, hop: en.Hop, score: en.MaxEdgeScore})
	}

	byType := func(typ string) []graphItem {
		var out []graphItem
		for _, gi := range graphItems {
			if gi.node.Type == typ {
				out = append(out, gi)
			}
		}
		// Lower-hop nodes win; score breaks remaining ties.
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].hop != out[j].hop {
				return out[i].hop < out[j].hop
			}
			return out[i].score > out[j].score
		})
		return out
	}

	type scoredChunk struct {
		result milvus.SearchResult
		fused  float64
	}
	chunks := make([]scoredChunk, 0, len(vectorResults))
	for _, vr := range vectorResults {
		fused := vectorWeight*vr.Score + graphWeight*edgeByChunk[vr.ChunkID]
		chunks = append(chunks, scoredChunk{result: vr, fused: fused})
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].fused != chunks[j].fused {
			return chunks[i].fused > chunks[j].fused
		}
		// Equal fused score: earlier chunk wins.
		return chunks[i].result.ChunkIndex < chunks[j].result.ChunkIndex
	})

	var ordered []ContextItem
	for _, gi := range byType(extractor.TypeDefinition) {
		ordered = append(ordered, graphToItem(gi))
	}
	for _, sc := range chunks {
		ordered = append(ordered, ContextItem{
			Kind:       "vector",
			Text:       sc.result.Text,
			Score:      sc.fused,
			DocumentID: sc.result.DocumentID,
			Filename:   sc.result.Filename,
			Page:       sc.result.Page,
			ChunkIndex: sc.result.ChunkIndex,
			ChunkID:    sc.result.ChunkID,
		})
	}
	for _, gi := range byType(extractor.TypeConcept) {
		ordered = append(ordered, graphToItem(gi))
	}
	for _, gi := range byType(extractor.TypeProcess) {
		ordered = append(ordered, graphToItem(gi))
	}

	result := &Result{VectorCount: len(vectorResults)}

	remaining := tokenBudget
	for _, item := range ordered {
		cost := tokencount.Estimate(item.Text)
		if cost > remaining {
			if remaining >= 25 {
				item.Text = truncateToTokens(item.Text, remaining)
				result.Items = append(result.Items, item)
				if item.Kind == "graph" {
					result.GraphCount++
				}
			}
			break
		}
		remaining -= cost
		result.Items = append(result.Items, item)
		if item.Kind == "graph" {
			result.GraphCount++
		}
	}

	return result
}

func graphToItem(gi graphItem) ContextItem {
	text := gi.node.Description
	if text == "" {
		text = gi.node.Name
	}
	return ContextItem{
		Kind:       "graph",
		Text:       text,
		Score:      gi.score,
		Entity:     gi.node.Name,
		EntityType: gi.node.Type,
		Hop:        gi.hop,
	}
}

// truncateToTokens cuts text so its estimated token count fits budget.
func truncateToTokens(text string, budget int) string {
	runes := []rune(text)
	quarters := 0 // token quarters consumed
	limit := budget * 4

	for i, r := range runes {
		if r >= 0x3040 && r <= 0xD7A3 || r >= 0x4E00 && r <= 0x9FFF {
			quarters += 2
		} else {
			quarters++
		}
		if quarters > limit {
			return string(runes[:i]) + "..."
		}
	}
	return text
}
