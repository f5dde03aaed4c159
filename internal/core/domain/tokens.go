package domain

import (
	"unicode"
	"unicode/utf8"
)

// Token is a byte range of a text. A token is a run of non-space characters
// together with the whitespace that follows it; leading whitespace of the text
// belongs to the first token. Concatenating all tokens yields the text.
type Token struct {
	Start int
	End   int
}

// Tokenize splits text into tokens. Whitespace-only text has no tokens.
func Tokenize(text string) []Token {
	n := len(text)
	i := skip(text, 0, true)
	if i == n {
		return nil
	}

	out := make([]Token, 0, n/6+1)
	start := 0
	for i < n {
		i = skip(text, i, false)
		i = skip(text, i, true)
		out = append(out, Token{Start: start, End: i})
		start = i
	}
	return out
}

// CountTokens returns len(Tokenize(text)) without allocating.
func CountTokens(text string) int {
	n := len(text)
	i := skip(text, 0, true)
	count := 0
	for i < n {
		i = skip(text, i, false)
		i = skip(text, i, true)
		count++
	}
	return count
}

func skip(text string, i int, space bool) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) != space {
			return i
		}
		i += size
	}
	return i
}
