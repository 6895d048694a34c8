// ABOUTME: Pipeline error taxonomy
// ABOUTME: Transient failures retry, permanent input failures go to review

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gomaslegal/lexengine/internal/ocr"
)

// TransientError marks a failure a retry could fix: service hiccups,
// timeouts, throttling.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks input that can never succeed, like a corrupt
// or non-PDF file. No retry; the document goes to review.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as unretryable.
func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsTransient classifies an arbitrary stage error. Explicit wrappers
// win; otherwise OCR API errors answer for themselves and network or
// deadline failures default to retryable. Anything unrecognized is
// treated as permanent so a broken input can't loop forever.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var apiErr *ocr.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Kind renders the taxonomy for error-history records.
func Kind(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
