package httpadapter

import (
	"errors"
	"net/http"

	"github.com/kirillkom/askrag/internal/core/domain"
	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrDocumentNotFound), domain.IsKind(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case domain.IsKind(err, domain.ErrExtractionFailed):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrSessionConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrRetrievalTimeout):
		return http.StatusGatewayTimeout
	case domain.IsKind(err, domain.ErrGenerationFailed), domain.IsKind(err, domain.ErrEmbeddingFailed):
		return http.StatusBadGateway
	case domain.IsKind(err, domain.ErrTemporary), resilience.IsCircuitOpen(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	payload := map[string]any{
		"error":      err.Error(),
		"request_id": requestIDFromContext(r.Context()),
	}

	var genErr *domain.GenerationError
	if errors.As(err, &genErr) {
		payload["attempts"] = genErr.Attempts
		payload["sources"] = []domain.Source{}
	}
	var embedErr *domain.EmbeddingFailedError
	if errors.As(err, &embedErr) {
		payload["document_id"] = embedErr.DocumentID
		payload["chunk_ids"] = embedErr.ChunkIDs
	}
	writeJSON(w, status, payload)
}

func writeErrorMessage(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestIDFromContext(r.Context()),
	})
}
