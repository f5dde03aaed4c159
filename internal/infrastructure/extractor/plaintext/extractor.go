package plaintext

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

var supported = map[string]struct{}{
	"text/plain":       {},
	"text/markdown":    {},
	"text/x-markdown":  {},
	"text/csv":         {},
	"application/json": {},
}

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Supports(mimeType string) bool {
	_, ok := supported[mimeType]
	return ok
}

func (e *Extractor) Extract(_ context.Context, mimeType string, raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%s payload is not valid utf-8", mimeType)
	}
	text := strings.TrimPrefix(string(raw), "\ufeff")
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	return text, nil
}
