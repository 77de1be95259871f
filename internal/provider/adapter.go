package provider

import (
	"context"
	"net/http"
)

// Adapter is the uniform capability every AI platform implements: ask one
// question on behalf of one brand audit and report the outcome. Expected
// failure modes (timeout, rate limit, malformed response) come back inside
// the Outcome, never as a raised error.
type Adapter interface {
	// Name identifies the platform (openai, anthropic, gemini).
	Name() string
	// Invoke performs one model call. The call is bounded by ctx; adapters
	// must translate ctx expiry into a transient Outcome error.
	Invoke(ctx context.Context, brand, question string) Outcome
}

// ClassifyStatus maps an HTTP status from an AI platform to an error kind.
// Rate limits and upstream errors are retryable; client-side rejections are
// not.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTransient
	case status >= 500:
		return ErrorTransient
	default:
		return ErrorFatal
	}
}

// FailureOutcome wraps a transport-level error (network, DNS, context
// expiry) into a transient Outcome. A retried attempt can still succeed.
func FailureOutcome(err error) Outcome {
	return Outcome{Success: false, Err: &Error{Kind: ErrorTransient, Message: err.Error()}}
}
