package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes engine errors for failover, logs and metrics.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnavailable     ErrorClass = "UNAVAILABLE"
	ErrorClassMalformed       ErrorClass = "MALFORMED"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifyError returns the most specific class for err. Typed errors are
// checked first, then provider messages.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	case errors.Is(err, ErrUnavailable):
		return ErrorClassUnavailable
	case errors.Is(err, ErrMalformed):
		return ErrorClassMalformed
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "permission denied"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "billing", "payment", "insufficient funds", "credit balance"):
		return ErrorClassBilling
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window"):
		return ErrorClassContextOverflow
	case containsAny(msg, "connection refused", "no such host", "503", "service unavailable", "overloaded"):
		return ErrorClassUnavailable
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
