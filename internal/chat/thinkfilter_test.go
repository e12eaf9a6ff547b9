package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThinkFilterPassesPlainText(t *testing.T) {
	f := &thinkFilter{}
	out := f.Process("Hello ") + f.Process("world.") + f.Flush()
	assert.Equal(t, "Hello world.", out)
}

func TestThinkFilterDropsBlock(t *testing.T) {
	f := &thinkFilter{}
	out := f.Process("<think>internal reasoning</think>The answer.") + f.Flush()
	assert.Equal(t, "The answer.", out)
}

func TestThinkFilterHandlesTagSplitAcrossChunks(t *testing.T) {
	f := &thinkFilter{}
	var out string
	for _, chunk := range []string{"<thi", "nk>hidden</th", "ink>visible"} {
		out += f.Process(chunk)
	}
	out += f.Flush()
	assert.Equal(t, "visible", out)
}

func TestThinkFilterSuppressesUnclosedBlock(t *testing.T) {
	f := &thinkFilter{}
	out := f.Process("before <think>never closed") + f.Flush()
	assert.Equal(t, "before ", out)
}

func TestCleanResponseDanglingClose(t *testing.T) {
	// Some models emit reasoning without the opening tag.
	got := cleanResponse("all of this is reasoning</think> Real answer.")
	assert.Equal(t, "Real answer.", got)
}

func TestCleanResponseMultipleBlocks(t *testing.T) {
	got := cleanResponse("<think>a</think>one <think>b</think>two")
	assert.Equal(t, "one two", got)
}
