package chat

import (
	"regexp"
	"strings"
)

var (
	thinkOpen     = regexp.MustCompile(`(?i)<think>`)
	thinkClose    = regexp.MustCompile(`(?i)</think>`)
	thinkAnyClose = regexp.MustCompile(`(?i)</think>\s*`)
	thinkBlock    = regexp.MustCompile(`(?is)<think>.*?</think>`)
	thinkTag      = regexp.MustCompile(`(?i)</?think>\s*`)
)

// thinkFilter strips <think>...</think> reasoning content out of a
// token stream in real time. Local models emit it; users never see it.
type thinkFilter struct {
	buffer       string
	inThink      bool
	fullResponse strings.Builder
}

// Process consumes one raw delta and returns the displayable part,
// which may be empty while inside a think block or a partial tag.
func (f *thinkFilter) Process(chunk string) string {
	f.fullResponse.WriteString(chunk)
	f.buffer += chunk
	var out strings.Builder

	for f.buffer != "" {
		if f.inThink {
			loc := thinkClose.FindStringIndex(f.buffer)
			if loc != nil {
				f.buffer = f.buffer[loc[1]:]
				f.inThink = false
				continue
			}
			// Keep a tail that could hold a split </think>.
			if len(f.buffer) > 20 {
				f.buffer = f.buffer[len(f.buffer)-20:]
			}
			return out.String()
		}

		loc := thinkOpen.FindStringIndex(f.buffer)
		if loc != nil {
			out.WriteString(f.buffer[:loc[0]])
			f.buffer = f.buffer[loc[1]:]
			f.inThink = true
			continue
		}

		if idx := strings.LastIndexByte(f.buffer, '<'); idx >= 0 {
			if idx > 0 {
				out.WriteString(f.buffer[:idx])
				f.buffer = f.buffer[idx:]
			}
			// A short tail starting with '<' may be a split tag; wait
			// for more data. Anything longer cannot be a think tag.
			if len(f.buffer) < 10 {
				return out.String()
			}
			out.WriteString(f.buffer)
			f.buffer = ""
			continue
		}

		out.WriteString(f.buffer)
		f.buffer = ""
	}

	return out.String()
}

// Flush returns whatever displayable text remains buffered.
func (f *thinkFilter) Flush() string {
	if f.inThink {
		return ""
	}
	out := f.buffer
	f.buffer = ""
	return out
}

// Clean returns the full response with all think content removed, for
// persistence.
func (f *thinkFilter) Clean() string {
	return cleanResponse(f.fullResponse.String())
}

func cleanResponse(text string) string {
	if text == "" {
		return text
	}

	// A dangling </think> means the opening tag was never emitted;
	// everything before it is reasoning.
	if loc := thinkAnyClose.FindStringIndex(text); loc != nil {
		if !thinkOpen.MatchString(text[:loc[0]]) {
			text = text[loc[1]:]
		}
	}

	text = thinkBlock.ReplaceAllString(text, "")
	text = thinkTag.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
