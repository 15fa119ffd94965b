package routing

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// ErrAborted marks a caller-initiated abort. It propagates immediately and
// never triggers a fallback.
var ErrAborted = errors.New("model call aborted")

// ProviderError is a failure reported by a model provider.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Failure classes, in the order the classifier checks them.
type failureClass int

const (
	failAbort failureClass = iota
	failTerminal
	failContextOverflow
	failRetryable
	failUnknown
)

// classification carries the class plus the reason recorded on the circuit
// tracker and in audit payloads.
type classification struct {
	class  failureClass
	reason string
	// userMessage is set for terminal failures and becomes the thrown error.
	userMessage string
}

var (
	invalidKeyPattern      = regexp.MustCompile(`(?i)invalid[_\s]?api[_\s]?key|incorrect api key`)
	modelNotAllowedPattern = regexp.MustCompile(`(?i)model (is )?not allowed|not in (the )?allowlist`)
	overflowPattern        = regexp.MustCompile(`(?i)context[_\s]length[_\s]exceeded|context length exceeded|maximum context length`)
	transportCodePattern   = regexp.MustCompile(`ECONNREFUSED|ECONNRESET|ETIMEDOUT|ESOCKETTIMEDOUT|EHOSTUNREACH|ENOTFOUND`)
	formatPattern          = regexp.MustCompile(`(?i)tool[_\s]?call.{0,40}(parse|malformed|invalid)|failed to parse (tool|json)|invalid json|unexpected token`)
	rateLimitPattern       = regexp.MustCompile(`(?i)rate[_\s]?limit|too many requests`)
	overloadedPattern      = regexp.MustCompile(`(?i)overloaded|server error|internal server`)
)

// classify maps an error to a failure class. Status codes and provider error
// codes are checked before message text.
func classify(err error) classification {
	if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		return classification{class: failAbort}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return classification{class: failRetryable, reason: "timeout"}
	}

	var pe *ProviderError
	status := 0
	code := ""
	msg := err.Error()
	if errors.As(err, &pe) {
		status = pe.StatusCode
		code = pe.Code
		msg = pe.Message
	}
	haystack := code + " " + msg

	switch {
	case invalidKeyPattern.MatchString(haystack):
		return classification{
			class:       failTerminal,
			reason:      "invalid_api_key",
			userMessage: "authentication failed: " + msg,
		}
	case modelNotAllowedPattern.MatchString(haystack):
		return classification{
			class:       failTerminal,
			reason:      "model_not_allowed",
			userMessage: "model not allowed: " + msg,
		}
	case overflowPattern.MatchString(haystack):
		return classification{class: failContextOverflow, reason: "context_overflow"}
	case status >= 500 || transportCodePattern.MatchString(haystack):
		return classification{class: failRetryable, reason: "timeout"}
	case formatPattern.MatchString(haystack):
		return classification{class: failRetryable, reason: "format"}
	case status == 429 || rateLimitPattern.MatchString(haystack):
		return classification{class: failRetryable, reason: "rate_limit"}
	case overloadedPattern.MatchString(haystack):
		return classification{class: failRetryable, reason: "server_error"}
	case strings.Contains(strings.ToLower(haystack), "timeout"):
		return classification{class: failRetryable, reason: "timeout"}
	default:
		return classification{class: failUnknown, reason: "unknown"}
	}
}
