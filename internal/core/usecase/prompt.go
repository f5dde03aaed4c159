package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/askrag/internal/core/domain"
)

const answerInstructions = `Answer the question using only the numbered sources below.
After every statement, cite the sources that support it with their tags in square brackets, for example [S1] or [S1, S3].
If the sources do not contain the answer, say that you do not know.`

// sourceTag is the label of the i-th retrieved chunk in a prompt (zero based).
func sourceTag(i int) string {
	return fmt.Sprintf("S%d", i+1)
}

// BuildPrompt renders the generation prompt. Chunks keep their retrieval
// order so tag Sn always refers to chunks[n-1].
func BuildPrompt(question string, history []domain.Message, chunks []domain.RetrievedChunk) string {
	var b strings.Builder
	b.WriteString(answerInstructions)
	b.WriteString("\n\n")

	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, msg := range history {
			switch msg.Role {
			case domain.RoleAssistant:
				b.WriteString("Assistant: ")
			default:
				b.WriteString("User: ")
			}
			b.WriteString(strings.TrimSpace(msg.Text))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Sources:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%s] (%s, part %d)\n", sourceTag(i), c.Source, c.Chunk.Ordinal+1)
		b.WriteString(strings.TrimSpace(c.Chunk.Text))
		b.WriteString("\n\n")
	}

	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\nAnswer:")
	return b.String()
}
