package llm

import (
	"errors"
	"fmt"
)

// ProviderError is a failed provider call with enough detail to decide
// whether a retry is worthwhile.
type ProviderError struct {
	Status  int    // HTTP status code, 0 when the response never arrived
	Type    string // provider error type, e.g. rate_limit_error, overloaded_error
	Message string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure is transient: rate limiting,
// server-side errors, or provider overload. Client-side failures (other
// 4xx, malformed requests) are terminal and must not be retried.
func (e *ProviderError) Retryable() bool {
	if e.Status == 429 || e.Status >= 500 {
		return true
	}
	return e.Type == "overloaded_error"
}

// Fatal reports whether the failure is a client-side rejection that
// surfaces to the user as a localized message.
func (e *ProviderError) Fatal() bool {
	return !e.Retryable()
}

// IsRetryable reports whether err is a retryable ProviderError.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

// IsFatal reports whether err is a terminal ProviderError.
func IsFatal(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Fatal()
}
