package domain

import (
	"strings"
	"testing"
)

func TestTokenizeConcatenatesToInput(t *testing.T) {
	cases := []string{
		"alpha beta gamma",
		"  leading space\tand\ttabs  ",
		"юникод текст\nс переводом строки",
		"single",
	}
	for _, text := range cases {
		var b strings.Builder
		for _, tok := range Tokenize(text) {
			b.WriteString(text[tok.Start:tok.End])
		}
		if b.String() != text {
			t.Fatalf("Tokenize(%q) concatenation = %q", text, b.String())
		}
		if got, want := CountTokens(text), len(Tokenize(text)); got != want {
			t.Fatalf("CountTokens(%q) = %d, want %d", text, got, want)
		}
	}
}

func TestTokenizeWhitespaceOnly(t *testing.T) {
	if toks := Tokenize(" \n\t "); toks != nil {
		t.Fatalf("expected no tokens, got %v", toks)
	}
	if CountTokens("") != 0 {
		t.Fatalf("expected zero tokens for empty text")
	}
}

func TestTokenizeCounts(t *testing.T) {
	if got := CountTokens("one two  three\nfour"); got != 4 {
		t.Fatalf("CountTokens() = %d, want 4", got)
	}
}
