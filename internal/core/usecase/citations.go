package usecase

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/kirillkom/askrag/internal/core/domain"
)

const (
	defaultMinSnippetTokens = 8
	sentenceBreaks          = ".!?;:\n"
)

var (
	citationMarker = regexp.MustCompile(`\[\s*S\d+(?:\s*,\s*S?\d+)*\s*\]`)
	citationNumber = regexp.MustCompile(`\d+`)
)

type citation struct {
	pos     int
	chunkID string
}

// ExtractCitations returns the ids of chunks the answer cites, in order of
// first appearance. A chunk is cited by a [Sn] tag naming it or by a sentence
// of at least minSnippetTokens tokens that occurs verbatim in exactly one
// chunk. Tags outside 1..len(chunks) are ignored.
func ExtractCitations(answer string, chunks []domain.RetrievedChunk, minSnippetTokens int) []string {
	if minSnippetTokens <= 0 {
		minSnippetTokens = defaultMinSnippetTokens
	}

	found := markerCitations(answer, chunks)
	found = append(found, snippetCitations(answer, chunks, minSnippetTokens)...)
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	out := make([]string, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, c := range found {
		if _, ok := seen[c.chunkID]; ok {
			continue
		}
		seen[c.chunkID] = struct{}{}
		out = append(out, c.chunkID)
	}
	return out
}

func markerCitations(answer string, chunks []domain.RetrievedChunk) []citation {
	var out []citation
	for _, loc := range citationMarker.FindAllStringIndex(answer, -1) {
		marker := answer[loc[0]:loc[1]]
		for _, num := range citationNumber.FindAllString(marker, -1) {
			n, err := strconv.Atoi(num)
			if err != nil || n < 1 || n > len(chunks) {
				continue
			}
			out = append(out, citation{pos: loc[0], chunkID: chunks[n-1].Chunk.ID})
		}
	}
	return out
}

func snippetCitations(answer string, chunks []domain.RetrievedChunk, minTokens int) []citation {
	normalized := make([]string, len(chunks))
	for i, c := range chunks {
		normalized[i] = " " + normalizeSnippet(c.Chunk.Text) + " "
	}

	var out []citation
	blanked := citationMarker.ReplaceAllStringFunc(answer, func(m string) string {
		return strings.Repeat(" ", len(m))
	})
	for _, s := range splitSentences(blanked) {
		snippet := normalizeSnippet(s.text)
		if len(strings.Fields(snippet)) < minTokens {
			continue
		}
		snippet = " " + snippet + " "
		match := -1
		for i, text := range normalized {
			if !strings.Contains(text, snippet) {
				continue
			}
			if match >= 0 {
				match = -2
				break
			}
			match = i
		}
		if match >= 0 {
			out = append(out, citation{pos: s.pos, chunkID: chunks[match].Chunk.ID})
		}
	}
	return out
}

type sentence struct {
	pos  int
	text string
}

// splitSentences cuts text at sentence and clause punctuation and at line
// breaks. Positions are byte offsets into text.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	for i, r := range text {
		if strings.ContainsRune(sentenceBreaks, r) {
			if strings.TrimSpace(text[start:i]) != "" {
				out = append(out, sentence{pos: start, text: text[start:i]})
			}
			start = i + 1
		}
	}
	if strings.TrimSpace(text[start:]) != "" {
		out = append(out, sentence{pos: start, text: text[start:]})
	}
	return out
}

// normalizeSnippet lowercases s, drops punctuation, and collapses whitespace.
func normalizeSnippet(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}
