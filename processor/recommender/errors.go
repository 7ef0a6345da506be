package recommender

import (
	"errors"
	"net/http"
)

// Error kinds returned by Run. Callers test them with errors.Is.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrRateLimited      = errors.New("llm rate limit retries exhausted")
	ErrLLMParse         = errors.New("llm response could not be parsed")
	ErrLLM              = errors.New("llm request failed")
	ErrWarehouse        = errors.New("utilization read failed")
)

// errCancelled is the cancellation cause used inside a run. It never
// escapes Run.
var errCancelled = errors.New("task cancelled")

// HTTPStatus maps a Run error to a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrRateLimited):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrLLMParse), errors.Is(err, ErrLLM), errors.Is(err, ErrWarehouse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
