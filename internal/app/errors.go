package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ragdesk/internal/extract"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrAuth              = errors.New("authentication required")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrExtractionFailed  = errors.New("extraction failed")
	ErrEmbeddingService  = errors.New("embedding service error")
	ErrLLMService        = errors.New("llm service error")
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limited")
)

const (
	KindValidation        = "validation_error"
	KindAuth              = "auth_error"
	KindNotFound          = "not_found"
	KindUnsupportedFormat = "unsupported_format"
	KindExtractionFailed  = "extraction_failed"
	KindRateLimited       = "rate_limited"
	KindEmbeddingService  = "embedding_service_error"
	KindLLMService        = "llm_service_error"
	KindInternal          = "internal_error"
)

var kinds = []struct {
	err    error
	kind   string
	status int
}{
	{ErrValidation, KindValidation, http.StatusBadRequest},
	{ErrAuth, KindAuth, http.StatusUnauthorized},
	{ErrNotFound, KindNotFound, http.StatusNotFound},
	{ErrUnsupportedFormat, KindUnsupportedFormat, http.StatusUnsupportedMediaType},
	{ErrExtractionFailed, KindExtractionFailed, http.StatusUnprocessableEntity},
	{ErrRateLimited, KindRateLimited, http.StatusTooManyRequests},
	{ErrEmbeddingService, KindEmbeddingService, http.StatusBadGateway},
	{ErrLLMService, KindLLMService, http.StatusBadGateway},
}

// KindOf returns the stable error kind reported to clients.
func KindOf(err error) string {
	kind, _ := classify(err)
	return kind
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	_, status := classify(err)
	return status
}

func classify(err error) (string, int) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind, k.status
		}
	}
	return KindInternal, http.StatusInternalServerError
}

// fromExtract maps extractor errors onto app kinds.
func fromExtract(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, extract.ErrTooLarge), errors.Is(err, extract.ErrEmptyFile):
		return rekind(ErrValidation, err)
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return rekind(ErrUnsupportedFormat, err)
	default:
		return rekind(ErrExtractionFailed, err)
	}
}

// rekind reports err under kind without repeating kind's text when the
// wrapped error already starts with it.
func rekind(kind, err error) error {
	msg := err.Error()
	if msg == kind.Error() {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, strings.TrimPrefix(msg, kind.Error()+": "))
}

func fromEmbedding(err error) error {
	if isCanceled(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingService, err)
}

func fromLLM(err error) error {
	if isCanceled(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrLLMService, err)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
