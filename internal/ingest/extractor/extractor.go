package extractor

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/internal/ingest/chunker"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

// Entity is a typed graph-node candidate with the chunks it came from.
type Entity struct {
	Name        string
	Type        string
	Description string
	Confidence  float64
	ChunkIDs    []string
}

// Relation is a candidate edge between two entities, by name.
type Relation struct {
	Source  string
	Target  string
	Type    string
	Score   float64
	Context string
	SubType string
}

const (
	TypeConcept    = "Concept"
	TypeDefinition = "Definition"
	TypeProcess    = "Process"
)

const (
	RelRelatedTo = "RELATED_TO"
	RelDefines   = "DEFINES"
	RelDependsOn = "DEPENDS_ON"
)

// minEdgeScore is the floor below which candidate edges are discarded.
const minEdgeScore = 0.5

// ruleConfidence is assigned to every rule-pass candidate.
const ruleConfidence = 0.9

// Completer is the LLM call the extraction pass needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Extractor runs the rule-based pass and the LLM pass over chunks and
// fuses their candidates.
type Extractor struct {
	llm    Completer
	useLLM bool
}

func New(llm Completer) *Extractor {
	return &Extractor{llm: llm, useLLM: llm != nil}
}

// Extract walks the chunks, unions rule and LLM candidates, and
// returns deduplicated entities plus filtered relations. chunkIDs must
// parallel chunks.
func (e *Extractor) Extract(ctx context.Context, chunks []chunker.Chunk, chunkIDs []string) ([]Entity, []Relation, error) {
	var entities []Entity
	var relations []Relation

	for i, chunk := range chunks {
		chunkID := chunkIDs[i]

		ruleEntities, ruleRelations := extractWithRules(chunk, chunkID)
		entities = append(entities, ruleEntities...)
		relations = append(relations, ruleRelations...)

		if !e.useLLM || chunk.IsTable {
			continue
		}

		llmEntities, llmRelations, err := e.extractWithLLM(ctx, chunk.Text, chunkID)
		if err != nil {
			// A schema-invalid or failed response drops this chunk's
			// LLM candidates; the document keeps processing.
			logger.Warn("LLM extraction skipped for chunk",
				zap.String("chunk_id", chunkID),
				zap.Error(err),
			)
			continue
		}
		entities = append(entities, llmEntities...)
		relations = append(relations, llmRelations...)
	}

	fusedEntities := fuseEntities(entities)
	fusedRelations := filterRelations(relations)

	logger.Info("Extraction completed",
		zap.Int("chunks", len(chunks)),
		zap.Int("entities", len(fusedEntities)),
		zap.Int("relations", len(fusedRelations)),
	)

	return fusedEntities, fusedRelations, nil
}

// NormalizeName lowercases, collapses whitespace, and strips
// punctuation; dedup keys use this, display keeps the original casing.
func NormalizeName(name string) string {
	var sb strings.Builder
	lastSpace := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace && sb.Len() > 0 {
				sb.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// fuseEntities merges candidates with the same (type, normalized
// name): chunk lists union, confidence takes the max, and the longer
// description wins.
func fuseEntities(entities []Entity) []Entity {
	type key struct {
		typ  string
		norm string
	}

	index := make(map[key]int)
	var fused []Entity

	for _, ent := range entities {
		norm := NormalizeName(ent.Name)
		if norm == "" {
			continue
		}
		k := key{typ: ent.Type, norm: norm}

		if i, ok := index[k]; ok {
			existing := &fused[i]
			if ent.Confidence > existing.Confidence {
				existing.Confidence = ent.Confidence
			}
			if len(ent.Description) > len(existing.Description) {
				existing.Description = ent.Description
			}
			existing.ChunkIDs = unionStrings(existing.ChunkIDs, ent.ChunkIDs)
			continue
		}

		index[k] = len(fused)
		fused = append(fused, ent)
	}

	return fused
}

// filterRelations drops edges outside the closed type set, self-loops,
// and anything scoring below the floor.
func filterRelations(relations []Relation) []Relation {
	seen := make(map[string]int)
	var out []Relation

	for _, rel := range relations {
		if rel.Type != RelRelatedTo && rel.Type != RelDefines && rel.Type != RelDependsOn {
			continue
		}
		if rel.Score < minEdgeScore || rel.Score > 1 {
			continue
		}

		src := NormalizeName(rel.Source)
		dst := NormalizeName(rel.Target)
		if src == "" || dst == "" || src == dst {
			continue
		}

		k := src + "|" + rel.Type + "|" + dst
		if i, ok := seen[k]; ok {
			if rel.Score > out[i].Score {
				out[i].Score = rel.Score
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, rel)
	}

	return out
}

func unionStrings(a, b []string) []string {
	set := make(map[string]bool, len(a))
	out := a
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			set[s] = true
			out = append(out, s)
		}
	}
	return out
}
