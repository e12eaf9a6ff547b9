package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/edumagiceco/graphrag/pkg/apperr"
)

const extractionSystemPrompt = `You are an entity extraction assistant for building knowledge graphs.
Extract entities and relationships from the given text.

Entity types (use exactly these):
- Concept: key terms, topics, or ideas
- Definition: terms with their definitions or explanations
- Process: steps, procedures, or workflows

Relationship types (use exactly these):
- RELATED_TO: general association
- DEFINES: a term defining another
- DEPENDS_ON: one thing requiring another

Return ONLY a JSON object in this exact shape, no other text:
{
  "entities": [{"name": "...", "type": "Concept", "description": "..."}],
  "relations": [{"source": "...", "target": "...", "type": "RELATED_TO", "score": 8, "sub_type": ""}]
}

Rules:
- Extract 5-15 of the most important entities
- Names are concise (1-5 words); descriptions are 1-2 sentences
- score is an integer 0-10 rating relationship strength
- sub_type is optional and only meaningful for DEPENDS_ON`

const maxLLMChunkChars = 3000

type llmEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type llmRelation struct {
	Source  string  `json:"source"`
	Target  string  `json:"target"`
	Type    string  `json:"type"`
	Score   float64 `json:"score"`
	SubType string  `json:"sub_type"`
}

type llmExtraction struct {
	Entities  []llmEntity   `json:"entities"`
	Relations []llmRelation `json:"relations"`
}

// extractWithLLM prompts the model for structured candidates from one
// chunk. Responses failing the schema are an error for this chunk
// only; the caller drops them and keeps going.
func (e *Extractor) extractWithLLM(ctx context.Context, text, chunkID string) ([]Entity, []Relation, error) {
	if len(text) > maxLLMChunkChars {
		text = text[:maxLLMChunkChars]
	}

	response, err := e.llm.Complete(ctx, extractionSystemPrompt,
		fmt.Sprintf("Extract entities and relationships from:\n\n%s", text))
	if err != nil {
		return nil, nil, err
	}

	parsed, err := parseExtraction(response)
	if err != nil {
		return nil, nil, err
	}

	var entities []Entity
	for _, le := range parsed.Entities {
		if le.Type != TypeConcept && le.Type != TypeDefinition && le.Type != TypeProcess {
			continue
		}
		name := strings.TrimSpace(le.Name)
		if name == "" {
			continue
		}
		entities = append(entities, Entity{
			Name:        name,
			Type:        le.Type,
			Description: strings.TrimSpace(le.Description),
			Confidence:  0.7,
			ChunkIDs:    []string{chunkID},
		})
	}

	var relations []Relation
	for _, lr := range parsed.Relations {
		score := lr.Score
		// The prompt asks for an integer 0-10; normalize to [0,1] but
		// accept models that already answered with a fraction.
		if score > 1 {
			score = score / 10
		}
		if score < 0 {
			continue
		}
		if score > 1 {
			score = 1
		}
		relations = append(relations, Relation{
			Source:  strings.TrimSpace(lr.Source),
			Target:  strings.TrimSpace(lr.Target),
			Type:    strings.TrimSpace(lr.Type),
			Score:   score,
			SubType: strings.TrimSpace(lr.SubType),
		})
	}

	return entities, relations, nil
}

// parseExtraction tolerates chatter around the JSON object but rejects
// responses that do not validate.
func parseExtraction(response string) (*llmExtraction, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, apperr.New(apperr.KindPermanent, "extraction response contains no JSON object")
	}

	var parsed llmExtraction
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindPermanent, "extraction response failed schema validation", err)
	}
	return &parsed, nil
}
