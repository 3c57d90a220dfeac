package modelclient

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes a model-call failure per the core's failure
// taxonomy. The executor and tool-retry loop branch on these, not on
// provider-specific error types.
type ErrorKind string

const (
	ErrAuthentication    ErrorKind = "authentication"
	ErrRateLimit         ErrorKind = "rate_limit"
	ErrTimeout           ErrorKind = "timeout"
	ErrNetwork           ErrorKind = "network"
	ErrServerTransient   ErrorKind = "server_transient"
	ErrContentFilter     ErrorKind = "content_filter"
	ErrMalformedResponse ErrorKind = "malformed_response"
	ErrOther             ErrorKind = "other"
)

// Retryable reports whether the core's tool/model retry loop should
// attempt this class of failure again.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrRateLimit, ErrTimeout, ErrNetwork, ErrServerTransient:
		return true
	default:
		return false
	}
}

// Error wraps a provider failure with the classification the core relies
// on, without requiring callers to understand any provider's native error
// types.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
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

// NewError wraps cause, classifying it from its text unless status
// already pins down the kind.
func NewError(provider, model string, status int, cause error) *Error {
	e := &Error{Provider: provider, Model: model, Status: status, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	if status != 0 {
		e.Kind = classifyStatus(status)
	} else {
		e.Kind = ClassifyError(cause)
	}
	return e
}

// ClassifyError inspects an error's text for known failure signatures.
// Providers whose SDKs surface structured error types should classify
// from status codes via classifyStatus instead; this is the fallback for
// transport-level and SDK errors that only carry a message string.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrOther
	}
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "too many requests"):
		return ErrRateLimit
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "invalid api key") || strings.Contains(s, "401") || strings.Contains(s, "403"):
		return ErrAuthentication
	case strings.Contains(s, "content_filter") || strings.Contains(s, "content policy") || strings.Contains(s, "safety") || strings.Contains(s, "blocked"):
		return ErrContentFilter
	case strings.Contains(s, "internal server") || strings.Contains(s, "502") || strings.Contains(s, "503") || strings.Contains(s, "504") || strings.Contains(s, "500"):
		return ErrServerTransient
	case strings.Contains(s, "connection reset") || strings.Contains(s, "connection refused") || strings.Contains(s, "eof") || strings.Contains(s, "no such host"):
		return ErrNetwork
	case strings.Contains(s, "missing") && strings.Contains(s, "field"), strings.Contains(s, "empty candidate"), strings.Contains(s, "no content"):
		return ErrMalformedResponse
	default:
		return ErrOther
	}
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthentication
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status >= 500:
		return ErrServerTransient
	default:
		return ErrOther
	}
}

// AsModelError extracts a *Error from an error chain.
func AsModelError(err error) (*Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
