package retrieval

import (
	"regexp"
	"strings"

	"github.com/edumagiceco/graphrag/internal/ingest/extractor"
)

var (
	capitalizedPhrase = regexp.MustCompile(`[A-Z][A-Za-z0-9]*(?:\s+[A-Z][A-Za-z0-9]*)+`)
	mixedCaseWord     = regexp.MustCompile(`\b[A-Z][a-z0-9]*[A-Z][A-Za-z0-9]*\b|\b[A-Z]{2,}[A-Za-z0-9]*\b`)
	cjkRun            = regexp.MustCompile(`[\p{Hangul}\p{Han}\p{Hiragana}\p{Katakana}]{2,}`)
)

// Interrogative openers that capitalization alone would mistake for
// entity names.
var keywordStop = map[string]bool{
	"what": true, "which": true, "where": true, "when": true, "who": true,
	"why": true, "how": true, "is": true, "are": true, "the": true,
	"does": true, "do": true, "can": true, "please": true, "tell": true,
	"explain": true, "define": true,
}

// keywordSeeds extracts candidate entity names from the query text:
// capitalized multi-word phrases, CamelCase or acronym words, and CJK
// runs. Returns normalized names for graph lookup.
func keywordSeeds(query string) []string {
	seen := make(map[string]bool)
	var terms []string

	add := func(raw string) {
		norm := extractor.NormalizeName(raw)
		if norm == "" || keywordStop[norm] {
			return
		}
		// Drop leading interrogatives captured inside phrases.
		fields := strings.Fields(norm)
		for len(fields) > 0 && keywordStop[fields[0]] {
			fields = fields[1:]
		}
		if len(fields) == 0 {
			return
		}
		norm = strings.Join(fields, " ")
		if len(norm) < 2 || seen[norm] {
			return
		}
		seen[norm] = true
		terms = append(terms, norm)
	}

	for _, m := range capitalizedPhrase.FindAllString(query, -1) {
		add(m)
	}
	for _, m := range mixedCaseWord.FindAllString(query, -1) {
		add(m)
	}
	for _, m := range cjkRun.FindAllString(query, -1) {
		add(m)
	}

	const maxTerms = 15
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	return terms
}
