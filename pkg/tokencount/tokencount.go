package tokencount

// Estimate approximates the token count of text. CJK scripts tokenize
// near two characters per token under common subword vocabularies;
// everything else lands near four.
func Estimate(text string) int {
	if text == "" {
		return 0
	}

	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}

	estimated := cjk/2 + other/4
	if estimated < 1 {
		return 1
	}
	return estimated
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// CalculateUsage estimates usage for a prompt/completion pair when the
// model server did not report counts.
func CalculateUsage(input, output string) Usage {
	u := Usage{
		InputTokens:  Estimate(input),
		OutputTokens: Estimate(output),
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

func isCJK(r rune) bool {
	switch {
	case r >= 0xAC00 && r <= 0xD7A3: // Hangul syllables
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3040 && r <= 0x30FF: // Hiragana, Katakana
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK extension A
		return true
	}
	return false
}
