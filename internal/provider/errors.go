package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/atelierai/backend/internal/models"
)

// The fixed failure taxonomy. Adapters map provider-specific failures onto
// these so upstream code can branch on errors.Is alone.
var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrRejected    = errors.New("provider rejected input")
	ErrTimeout     = errors.New("provider timed out")
	ErrCancelled   = errors.New("generation cancelled")
)

// classifyStatus maps an HTTP response code onto the taxonomy. Throttling
// and server errors are retryable; any other client error means the provider
// rejected the input.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("%w: status %d", ErrRejected, code)
	}
}

// classifyTransport maps a transport-level error. Context cancellation is
// the caller's doing, deadline expiry is a timeout, anything else means the
// provider could not be reached.
func classifyTransport(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// FailureReason converts a taxonomy error into the user-visible reason
// category stored on a failed unit.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrRejected):
		return models.ReasonProviderRejected
	case errors.Is(err, ErrUnavailable):
		return models.ReasonProviderUnavailable
	case errors.Is(err, ErrTimeout):
		return models.ReasonTimeout
	case errors.Is(err, ErrCancelled):
		return models.ReasonCancelled
	default:
		return models.ReasonInternal
	}
}
