package extractor

import (
	"regexp"
	"strings"

	"github.com/edumagiceco/graphrag/internal/ingest/chunker"
)

// Rule-based patterns: definition phrasings, numbered procedures, and
// headings. English and Korean forms, matching the corpora the
// platform serves.
var definitionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?P<term>[\pL\pN][\pL\pN\s]{1,60}?)\s+is\s+defined\s+as\s+(?P<def>[^.]+)\.?`),
	regexp.MustCompile(`(?i)(?P<term>[\pL\pN][\pL\pN\s]{1,60}?)\s+refers\s+to\s+(?P<def>[^.]+)\.?`),
	regexp.MustCompile(`(?i)(?P<term>[\pL\pN][\pL\pN\s]{1,60}?)\s+is\s+(?:a|an|the)\s+(?P<def>[^.]+)\.`),
	regexp.MustCompile(`(?m)^(?P<term>[\pL\pN][\pL\pN\s]{1,60}?)\s*[:：]\s*(?P<def>[^\n]{10,})`),
	regexp.MustCompile(`(?P<term>[\pL\pN][\pL\pN\s]{1,30}?)(?:은|는|란|이란)\s+(?P<def>[^.]{5,})[.다]`),
}

var processPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:step|단계)\s*\d+[.:\s]+(?P<step>[^\n.]{5,})`),
	regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(?P<step>[^\n]{10,})`),
	regexp.MustCompile(`(?i)(?:first|second|third|finally|첫째|둘째|셋째|먼저|다음으로|마지막으로)[,\s]+(?P<step>[^\n.]{10,})`),
}

var headingNumberPrefix = regexp.MustCompile(`^\d+(\.\d+)*[.)]?\s+`)

// extractWithRules emits Definition, Process, and Concept candidates
// from one chunk at rule confidence. Edges come from the LLM pass;
// the rules only recognize entities.
func extractWithRules(chunk chunker.Chunk, chunkID string) ([]Entity, []Relation) {
	var entities []Entity
	var relations []Relation

	if chunk.HeadingLevel > 0 {
		name := strings.TrimSpace(headingNumberPrefix.ReplaceAllString(firstLine(chunk.Text), ""))
		if len(name) >= 3 {
			entities = append(entities, Entity{
				Name:       name,
				Type:       TypeConcept,
				Confidence: ruleConfidence,
				ChunkIDs:   []string{chunkID},
			})
		}
	}

	for _, pattern := range definitionPatterns {
		for _, match := range pattern.FindAllStringSubmatch(chunk.Text, -1) {
			term := strings.TrimSpace(match[pattern.SubexpIndex("term")])
			def := strings.TrimSpace(match[pattern.SubexpIndex("def")])
			if len(term) < 3 || len(def) < 5 {
				continue
			}
			if len(def) > 500 {
				def = def[:500]
			}

			entities = append(entities, Entity{
				Name:        term,
				Type:        TypeDefinition,
				Description: def,
				Confidence:  ruleConfidence,
				ChunkIDs:    []string{chunkID},
			})
		}
	}

	for _, pattern := range processPatterns {
		for _, match := range pattern.FindAllStringSubmatch(chunk.Text, -1) {
			step := strings.TrimSpace(match[pattern.SubexpIndex("step")])
			if len(step) < 5 {
				continue
			}
			name := step
			if len(name) > 100 {
				name = name[:100]
			}

			entities = append(entities, Entity{
				Name:        name,
				Type:        TypeProcess,
				Description: step,
				Confidence:  ruleConfidence,
				ChunkIDs:    []string{chunkID},
			})
		}
	}

	return entities, relations
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
