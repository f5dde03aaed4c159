package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/askrag/internal/core/domain"
)

// StatusError is a non-2xx answer from the Ollama API.
type StatusError struct {
	Operation  string
	StatusCode int
	Message    string
	retryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ollama %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("ollama %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
}

// RetryAfter is the server requested delay, zero when none was sent.
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// Temporary reports statuses worth retrying: overload, rate limiting and
// upstream model loading.
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func newStatusError(operation string, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(raw))

	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		message = body.Error
	}

	return &StatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Message:    message,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// classify marks transport failures and retryable statuses as
// domain.ErrTemporary. Caller cancellation and permanent statuses pass through.
func classify(operation string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Temporary() {
			return domain.WrapError(domain.ErrTemporary, operation, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
