package chunker

import (
	"regexp"
	"strings"

	"github.com/jdkato/prose/v2"

	"github.com/edumagiceco/graphrag/internal/ingest/parser"
)

// Chunk is one retrievable span of a document. Index is its position
// in document order.
type Chunk struct {
	Index        int
	Page         int
	Section      string
	Text         string
	IsTable      bool
	IsCaption    bool
	HeadingLevel int
}

// Chunker splits parsed segments into overlapping chunks. Splitting
// recurses through delimiters — section break, paragraph, sentence,
// word — and never cuts inside a table or caption.
type Chunker struct {
	size    int
	overlap int
}

func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	return &Chunker{size: size, overlap: overlap}
}

var sentenceFallback = regexp.MustCompile(`[^.!?。…]+[.!?。…]?\s*`)

// Split produces document-ordered chunks from parsed segments.
func (c *Chunker) Split(segments []parser.Segment) []Chunk {
	var chunks []Chunk
	index := 0

	emit := func(ch Chunk) {
		ch.Index = index
		index++
		chunks = append(chunks, ch)
	}

	for _, group := range mergeSegments(segments) {
		if group.IsTable || group.IsCaption {
			emit(Chunk{
				Page:      group.Page,
				Section:   group.Section,
				Text:      group.Text,
				IsTable:   group.IsTable,
				IsCaption: group.IsCaption,
			})
			continue
		}

		for _, piece := range c.splitText(group.Text) {
			emit(Chunk{
				Page:         group.Page,
				Section:      group.Section,
				Text:         piece,
				HeadingLevel: group.HeadingLevel,
			})
		}
	}

	return chunks
}

// mergeSegments joins consecutive plain-text segments sharing a page
// and section, so short paragraphs pack into full-size chunks. Tables
// and captions stay alone.
func mergeSegments(segments []parser.Segment) []parser.Segment {
	var merged []parser.Segment

	for _, seg := range segments {
		if seg.IsTable || seg.IsCaption {
			merged = append(merged, seg)
			continue
		}

		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if !last.IsTable && !last.IsCaption &&
				last.Page == seg.Page && last.Section == seg.Section {
				last.Text = last.Text + "\n\n" + seg.Text
				if seg.HeadingLevel > 0 && last.HeadingLevel == 0 {
					last.HeadingLevel = seg.HeadingLevel
				}
				continue
			}
		}
		merged = append(merged, seg)
	}

	return merged
}

// splitText breaks text into pieces near the target size, carrying the
// configured overlap between consecutive pieces.
func (c *Chunker) splitText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= c.size {
		return []string{text}
	}

	atoms := c.atoms(text)

	var pieces []string
	var current []string
	currentLen := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		pieces = append(pieces, strings.TrimSpace(strings.Join(current, " ")))

		// Seed the next piece with trailing atoms worth ~overlap chars.
		var tail []string
		tailLen := 0
		for i := len(current) - 1; i >= 0 && tailLen < c.overlap; i-- {
			tail = append([]string{current[i]}, tail...)
			tailLen += runeLen(current[i]) + 1
		}
		if tailLen >= currentLen {
			tail = nil
			tailLen = 0
		}
		current = tail
		currentLen = tailLen
	}

	for _, atom := range atoms {
		atomLen := runeLen(atom) + 1
		if currentLen+atomLen > c.size && currentLen > 0 {
			flush()
		}
		current = append(current, atom)
		currentLen += atomLen
	}
	if len(current) > 0 {
		pieces = append(pieces, strings.TrimSpace(strings.Join(current, " ")))
	}

	return pieces
}

// atoms decomposes text into units small enough to pack: paragraphs,
// then sentences, then words.
func (c *Chunker) atoms(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if runeLen(para) <= c.size {
			out = append(out, para)
			continue
		}

		for _, sentence := range splitSentences(para) {
			if runeLen(sentence) <= c.size {
				out = append(out, sentence)
				continue
			}
			// Degenerate sentence: fall back to word packing.
			words := strings.Fields(sentence)
			var sb strings.Builder
			for _, w := range words {
				if sb.Len() > 0 && runeLen(sb.String())+runeLen(w)+1 > c.size {
					out = append(out, sb.String())
					sb.Reset()
				}
				if sb.Len() > 0 {
					sb.WriteString(" ")
				}
				sb.WriteString(w)
			}
			if sb.Len() > 0 {
				out = append(out, sb.String())
			}
		}
	}
	return out
}

func splitSentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err == nil {
		sentences := doc.Sentences()
		if len(sentences) > 0 {
			out := make([]string, 0, len(sentences))
			for _, s := range sentences {
				t := strings.TrimSpace(s.Text)
				if t != "" {
					out = append(out, t)
				}
			}
			return out
		}
	}

	matches := sentenceFallback.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		t := strings.TrimSpace(m)
		if t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

func runeLen(s string) int {
	return len([]rune(s))
}
