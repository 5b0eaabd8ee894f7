package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Reason categorizes why an oracle request failed. The agent's recovery
// policy dispatches on these values.
type Reason string

const (
	// ReasonRateLimit indicates rate limiting (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonAPI indicates a generic provider API failure.
	ReasonAPI Reason = "api"

	// ReasonConnection indicates a transport-level failure before a
	// response was received.
	ReasonConnection Reason = "connection"

	// ReasonBadRequest indicates the provider rejected the request
	// (HTTP 400): malformed history, unsupported parameter, etc.
	ReasonBadRequest Reason = "bad_request"

	// ReasonServiceUnavailable indicates the provider is overloaded
	// (HTTP 503, 529).
	ReasonServiceUnavailable Reason = "service_unavailable"

	// ReasonNotFound indicates the requested model does not exist
	// (HTTP 404).
	ReasonNotFound Reason = "not_found"

	// ReasonInternalServer indicates a provider-side fault (HTTP 5xx).
	ReasonInternalServer Reason = "internal_server"
)

// IsRetryable reports whether trying another auth profile or model may
// succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonAPI, ReasonConnection, ReasonServiceUnavailable, ReasonInternalServer:
		return true
	default:
		return false
	}
}

// Error is a structured failure from an oracle client.
type Error struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// ReasonOf extracts the failure reason from err, or ReasonAPI when err is
// not a classified oracle error.
func ReasonOf(err error) Reason {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Reason
	}
	return ReasonAPI
}

// ClassifyStatus maps an HTTP status code to a Reason.
func ClassifyStatus(status int) Reason {
	switch {
	case status == 429:
		return ReasonRateLimit
	case status == 404:
		return ReasonNotFound
	case status == 400 || status == 422:
		return ReasonBadRequest
	case status == 503 || status == 529:
		return ReasonServiceUnavailable
	case status >= 500:
		return ReasonInternalServer
	case status >= 400:
		return ReasonAPI
	default:
		return ReasonAPI
	}
}
