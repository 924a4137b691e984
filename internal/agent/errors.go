package agent

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the structured code surfaced on channel error events.
type ErrorCode string

const (
	CodeInvalidArgs        ErrorCode = "invalid_args"
	CodeApprovalDenied     ErrorCode = "approval_denied"
	CodeApprovalTimeout    ErrorCode = "approval_timeout"
	CodePolicyBlocked      ErrorCode = "policy_blocked"
	CodeSandboxFailure     ErrorCode = "sandbox_failure"
	CodeProviderError      ErrorCode = "provider_error"
	CodeMaxTurns           ErrorCode = "max_turns_exceeded"
	CodeMaxToolCalls       ErrorCode = "max_tool_calls_exceeded"
	CodeBusy               ErrorCode = "busy"
	CodeParseError         ErrorCode = "parse_error"
	CodeCancelled          ErrorCode = "cancelled"
	CodeAuditWriteFailed   ErrorCode = "audit_write_failed"
	CodeSessionWriteFailed ErrorCode = "session_write_failed"
	CodeInternal           ErrorCode = "internal"
)

// TurnError carries a structured failure out of the conversation loop.
// Recoverable errors leave the session usable; the user can retry.
type TurnError struct {
	Code        ErrorCode
	Message     string
	Recoverable bool
	Cause       error
}

func (e *TurnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// newTurnError builds a recoverable TurnError; hard failures set
// Recoverable to false at the call site.
func newTurnError(code ErrorCode, message string, cause error) *TurnError {
	return &TurnError{Code: code, Message: message, Recoverable: true, Cause: cause}
}

// AsTurnError unwraps a TurnError from an error chain.
func AsTurnError(err error) (*TurnError, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// errorClasses maps marker substrings to a provider error class. Order
// matters: "invalid api key" must classify as auth, not invalid_request, so
// the broad invalid_request markers come last.
var errorClasses = []struct {
	class   string
	markers []string
}{
	{"timeout", []string{"timeout", "deadline exceeded", "context deadline"}},
	{"rate_limit", []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{"auth", []string{"unauthorized", "invalid api key", "authentication", "401", "403"}},
	{"billing", []string{"billing", "payment", "quota", "402"}},
	{"model_unavailable", []string{"model not found", "does not exist", "unavailable"}},
	{"server_error", []string{"internal server", "server error", "500", "502", "503", "504"}},
	{"invalid_request", []string{"invalid", "bad request", "400"}},
}

// ClassifyProviderError buckets a provider failure by its content. The
// classes feed failover decisions and the reason field on error events.
func ClassifyProviderError(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := strings.ToLower(err.Error())
	for _, c := range errorClasses {
		for _, marker := range c.markers {
			if strings.Contains(msg, marker) {
				return c.class
			}
		}
	}
	return "unknown"
}

// retryableClasses are the provider error classes worth trying another
// provider for. Auth and billing failures are per-key, so a sibling
// provider with its own key may still succeed.
func shouldFailover(class string) bool {
	switch class {
	case "rate_limit", "server_error", "timeout", "auth", "billing", "model_unavailable":
		return true
	default:
		return false
	}
}
