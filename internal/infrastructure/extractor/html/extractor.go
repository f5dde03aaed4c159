package html

import (
	"context"
	"fmt"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// Extractor converts HTML pages to markdown so headings and lists survive as text.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Supports(mimeType string) bool {
	return mimeType == "text/html" || mimeType == "application/xhtml+xml"
}

func (e *Extractor) Extract(_ context.Context, _ string, raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("html payload is not valid utf-8")
	}
	markdown, err := htmltomarkdown.ConvertString(string(raw))
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return markdown, nil
}
