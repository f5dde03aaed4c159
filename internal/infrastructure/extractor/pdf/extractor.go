package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	lpdf "github.com/ledongthuc/pdf"
)

type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Supports(mimeType string) bool {
	return mimeType == "application/pdf"
}

func (e *Extractor) Extract(ctx context.Context, _ string, raw []byte) (string, error) {
	reader, err := lpdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return string(text), nil
}
