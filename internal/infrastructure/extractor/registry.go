package extractor

import (
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/core/ports"
)

// Registry dispatches extraction to the first extractor supporting a mime type.
type Registry struct {
	extractors []ports.TextExtractor
}

func NewRegistry(extractors ...ports.TextExtractor) *Registry {
	return &Registry{extractors: extractors}
}

func (r *Registry) Supports(mimeType string) bool {
	return r.find(mimeType) != nil
}

func (r *Registry) Extract(ctx context.Context, mimeType string, raw []byte) (string, error) {
	ext := r.find(mimeType)
	if ext == nil {
		return "", domain.WrapError(domain.ErrUnsupportedFormat, "extract", fmt.Errorf("mime type %q", mimeType))
	}
	return ext.Extract(ctx, mimeType, raw)
}

func (r *Registry) find(mimeType string) ports.TextExtractor {
	for _, ext := range r.extractors {
		if ext.Supports(mimeType) {
			return ext
		}
	}
	return nil
}

// ResolveMimeType normalizes a declared mime type and falls back to content
// sniffing when nothing useful was declared.
func ResolveMimeType(declared string, raw []byte) string {
	declared = NormalizeMimeType(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if len(raw) == 0 {
		return declared
	}
	return NormalizeMimeType(mimetype.Detect(raw).String())
}

// NormalizeMimeType lowercases a mime type and strips its parameters.
func NormalizeMimeType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(value)
	}
	return mediaType
}

func (r *Registry) ResolveMimeType(declared string, raw []byte) string {
	return ResolveMimeType(declared, raw)
}
