package chat

import (
	"fmt"
	"strings"

	"github.com/edumagiceco/graphrag/internal/llm"
	"github.com/edumagiceco/graphrag/internal/retrieval"
	"github.com/edumagiceco/graphrag/internal/storage/models"
)

const defaultSystemPrompt = `You are a helpful assistant answering questions about the documents you were given.
Answer ONLY from the provided context. If the context does not cover the question, say so.
Cite sources inline using [n] notation matching the numbered context blocks.`

// buildTurns composes the prompt in priority order: persona system
// prompt, retrieval context, then the conversation tail ending with
// the current user message.
func buildTurns(persona models.Persona, items []retrieval.ContextItem, history []models.Message) []llm.Turn {
	var system strings.Builder

	if persona.SystemPrompt != "" {
		system.WriteString(persona.SystemPrompt)
	} else {
		system.WriteString(defaultSystemPrompt)
		if persona.Tone != "" {
			system.WriteString("\nTone: " + persona.Tone)
		}
		if persona.Language != "" {
			system.WriteString("\nAnswer in: " + persona.Language)
		}
	}

	if len(items) > 0 {
		system.WriteString("\n\nContext:\n")
		for i, item := range items {
			label := item.Filename
			if item.Kind == "graph" {
				label = fmt.Sprintf("%s (%s)", item.Entity, item.EntityType)
			} else if item.Page > 0 {
				label = fmt.Sprintf("%s p.%d", item.Filename, item.Page)
			}
			system.WriteString(fmt.Sprintf("[%d] %s\n%s\n\n", i+1, label, item.Text))
		}
	}

	turns := []llm.Turn{{Role: llm.RoleSystem, Content: system.String()}}

	for _, msg := range history {
		role := llm.RoleUser
		if msg.Role == models.RoleAssistant {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: msg.Content})
	}

	return turns
}

// promptText flattens turns for token estimation.
func promptText(turns []llm.Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.Content)
		sb.WriteString(" ")
	}
	return sb.String()
}
