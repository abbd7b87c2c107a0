package app

import (
	"fmt"
	"strings"

	"ragdesk/internal/ai"
	"ragdesk/internal/model"
)

const systemInstruction = `You are a helpful assistant that answers questions using the user's uploaded documents.

Guidelines:
- Answer from the provided document context.
- If the context does not contain enough information, say so plainly.
- Cite the documents you rely on by filename.
- Be concise but complete.
- Do not invent facts that are not in the context.`

const noContextNote = "No relevant documents were found for this question."

// contextHit is one retrieved chunk as it is shown to the model.
type contextHit struct {
	VectorID   string
	DocumentID string
	Filename   string
	Content    string
	Score      float64
}

// buildPrompt lays out the system instruction, the history window and a
// final user turn holding the context block and the question.
func buildPrompt(history []ai.ChatMessage, hits []contextHit, question string) []ai.ChatMessage {
	messages := make([]ai.ChatMessage, 0, len(history)+2)
	messages = append(messages, ai.ChatMessage{Role: model.RoleSystem, Content: systemInstruction})
	messages = append(messages, history...)

	var b strings.Builder
	b.WriteString("Relevant document context:\n")
	b.WriteString(contextBlock(hits))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	messages = append(messages, ai.ChatMessage{Role: model.RoleUser, Content: b.String()})
	return messages
}

func contextBlock(hits []contextHit) string {
	if len(hits) == 0 {
		return noContextNote
	}
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = fmt.Sprintf("Document %d (%s, relevance: %.2f):\n%s", i+1, h.Filename, h.Score, h.Content)
	}
	return strings.Join(parts, "\n---\n")
}

// historyWindow keeps the newest n messages.
func historyWindow[T any](items []T, n int) []T {
	if n <= 0 {
		return nil
	}
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
