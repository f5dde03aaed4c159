package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Session struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources"`
}

// CitedChunkIDs returns the chunk ids referenced by the message, in order.
func (m Message) CitedChunkIDs() []string {
	out := make([]string, 0, len(m.Sources))
	for _, s := range m.Sources {
		out = append(out, s.ChunkID)
	}
	return out
}

// HistoryLimit bounds a history read. Zero fields are unbounded.
type HistoryLimit struct {
	MaxMessages int
	MaxTokens   int
}

// TrimHistory keeps the most recent messages of a chronological slice that
// fit the limit. The result stays chronological.
func TrimHistory(messages []Message, limit HistoryLimit) []Message {
	start := 0
	if limit.MaxMessages > 0 && len(messages) > limit.MaxMessages {
		start = len(messages) - limit.MaxMessages
	}
	if limit.MaxTokens > 0 {
		budget := limit.MaxTokens
		i := len(messages) - 1
		for ; i >= start; i-- {
			cost := CountTokens(messages[i].Text)
			if cost > budget {
				break
			}
			budget -= cost
		}
		start = i + 1
	}
	out := make([]Message, len(messages)-start)
	copy(out, messages[start:])
	return out
}
