package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/edumagiceco/graphrag/pkg/apperr"
	"github.com/edumagiceco/graphrag/pkg/logger"
)

// Segment is a span of extracted text with its structural context.
// The chunker never splits table or caption segments.
type Segment struct {
	Page         int
	Section      string
	HeadingLevel int
	IsTable      bool
	IsCaption    bool
	Text         string
}

var (
	numberedHeading = regexp.MustCompile(`^\d+(\.\d+)*[.)]?\s+\S`)
	captionPrefix   = regexp.MustCompile(`^(Table|Figure|표|그림)\s*\d*`)
)

// ExtractSegments reads a PDF and produces ordered segments with page,
// section, and structural hints. Returns the page count alongside.
// Unreadable files are Permanent; files with no extractable text are
// Validation errors (OCR-only documents are unsupported).
func ExtractSegments(path string) ([]Segment, int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindPermanent, "corrupt or unreadable pdf", err)
	}
	defer f.Close()

	pageCount := r.NumPage()
	if pageCount == 0 {
		return nil, 0, apperr.New(apperr.KindValidation, "pdf has no pages")
	}

	var segments []Segment
	section := ""

	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		lines := pageLines(page)
		segments = append(segments, segmentLines(lines, pageNum, &section)...)
	}

	total := 0
	for _, s := range segments {
		total += len(strings.TrimSpace(s.Text))
	}
	if total == 0 {
		return nil, pageCount, apperr.New(apperr.KindValidation, "no text content extracted from pdf")
	}

	logger.Info("PDF parsed",
		zap.String("path", path),
		zap.Int("pages", pageCount),
		zap.Int("segments", len(segments)),
	)

	return segments, pageCount, nil
}

type line struct {
	text    string
	columns int
}

// pageLines reconstructs visual lines from positioned text runs: group
// by Y, order by X, and count column gaps as a table hint.
func pageLines(page pdf.Page) []line {
	content := page.Content()
	if len(content.Text) == 0 {
		return nil
	}

	runs := make([]pdf.Text, len(content.Text))
	copy(runs, content.Text)

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].Y != runs[j].Y {
			return runs[i].Y > runs[j].Y // top of page first
		}
		return runs[i].X < runs[j].X
	})

	var lines []line
	var sb strings.Builder
	columns := 1
	lastY := runs[0].Y
	lastEnd := runs[0].X

	flush := func() {
		text := strings.TrimSpace(sb.String())
		if text != "" {
			lines = append(lines, line{text: text, columns: columns})
		}
		sb.Reset()
		columns = 1
	}

	for i, run := range runs {
		if i > 0 && absFloat(run.Y-lastY) > 2 {
			flush()
			lastY = run.Y
			lastEnd = run.X
		} else if i > 0 {
			gap := run.X - lastEnd
			if gap > 18 {
				sb.WriteString("\t")
				columns++
			} else if gap > 1 {
				sb.WriteString(" ")
			}
		}
		sb.WriteString(run.S)
		lastEnd = run.X + run.W
	}
	flush()

	return lines
}

// segmentLines folds a page's lines into typed segments: headings open
// a new section, caption lines stand alone, consecutive multi-column
// lines form one table, and everything else accumulates into
// paragraph segments.
func segmentLines(lines []line, pageNum int, section *string) []Segment {
	var segments []Segment
	var para strings.Builder
	var table strings.Builder

	flushPara := func() {
		text := strings.TrimSpace(para.String())
		if text != "" {
			segments = append(segments, Segment{
				Page:    pageNum,
				Section: *section,
				Text:    text,
			})
		}
		para.Reset()
	}

	flushTable := func() {
		text := strings.TrimSpace(table.String())
		if text != "" {
			segments = append(segments, Segment{
				Page:    pageNum,
				Section: *section,
				IsTable: true,
				Text:    text,
			})
		}
		table.Reset()
	}

	for _, l := range lines {
		switch {
		case l.columns >= 3:
			flushPara()
			table.WriteString(l.text)
			table.WriteString("\n")

		case captionPrefix.MatchString(l.text) && len(l.text) < 200:
			flushPara()
			flushTable()
			segments = append(segments, Segment{
				Page:      pageNum,
				Section:   *section,
				IsCaption: true,
				Text:      l.text,
			})

		case isHeading(l.text):
			flushPara()
			flushTable()
			*section = l.text
			segments = append(segments, Segment{
				Page:         pageNum,
				Section:      l.text,
				HeadingLevel: headingLevel(l.text),
				Text:         l.text,
			})

		default:
			flushTable()
			para.WriteString(l.text)
			para.WriteString("\n")
		}
	}
	flushPara()
	flushTable()

	return segments
}

func isHeading(text string) bool {
	if len(text) == 0 || len(text) > 80 {
		return false
	}
	if strings.HasSuffix(text, ".") || strings.HasSuffix(text, "。") {
		return false
	}
	if numberedHeading.MatchString(text) {
		return true
	}
	letters := 0
	uppers := 0
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			letters++
		}
		if r >= 'A' && r <= 'Z' {
			letters++
			uppers++
		}
	}
	return letters >= 4 && uppers == letters
}

func headingLevel(text string) int {
	m := numberedHeading.FindString(text)
	if m == "" {
		return 1
	}
	return strings.Count(strings.Fields(m)[0], ".") + 1
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
