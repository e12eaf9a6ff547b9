package tokencount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateEmpty(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
}

func TestEstimateLatin(t *testing.T) {
	// 40 latin characters -> ~10 tokens
	text := strings.Repeat("abcd", 10)
	assert.Equal(t, 10, Estimate(text))
}

func TestEstimateKorean(t *testing.T) {
	// 10 hangul syllables -> ~5 tokens
	text := strings.Repeat("급", 10)
	assert.Equal(t, 5, Estimate(text))
}

func TestEstimateMixed(t *testing.T) {
	// 8 latin (2 tokens) + 4 hangul (2 tokens)
	got := Estimate("abcdefgh" + "급여지급")
	assert.Equal(t, 4, got)
}

func TestEstimateMinimumOne(t *testing.T) {
	assert.Equal(t, 1, Estimate("a"))
}

func TestCalculateUsage(t *testing.T) {
	u := CalculateUsage(strings.Repeat("abcd", 10), strings.Repeat("abcd", 5))
	assert.Equal(t, 10, u.InputTokens)
	assert.Equal(t, 5, u.OutputTokens)
	assert.Equal(t, 15, u.TotalTokens)
}
