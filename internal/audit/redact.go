package audit

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// RedactionMode selects how payload values are rewritten before persistence.
type RedactionMode string

const (
	// RedactStrict replaces every string value with {hash, length}.
	RedactStrict RedactionMode = "strict"

	// RedactDebug truncates strings to a char limit; sensitive keys are
	// still elided and prompt/response fields are still hashed.
	RedactDebug RedactionMode = "debug"
)

const redactedPlaceholder = "[REDACTED]"

var (
	// sensitiveKeyPattern matches key names that must never be persisted,
	// case-insensitively, anywhere in the name.
	sensitiveKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization|set-cookie|cookie|x-api-key)`)

	// envStyleKeyPattern matches env-var style names ending in a secret
	// suffix, e.g. GITHUB_TOKEN or OPENAI_API_KEY.
	envStyleKeyPattern = regexp.MustCompile(`^[A-Z0-9_]*(TOKEN|SECRET|PASSWORD|API_KEY)$`)

	// promptKeyPattern matches prompt/response fields whose values are
	// always hashed, even in debug mode.
	promptKeyPattern = regexp.MustCompile(`(?i)^(prompt|response|messages|input|output|body|content)$`)
)

// Redactor rewrites audit payloads according to the configured mode. Safe
// for concurrent use; all patterns are compiled once.
type Redactor struct {
	mode          RedactionMode
	maxFieldChars int
}

// NewRedactor creates a redactor. maxFieldChars bounds string values in
// debug mode; values <= 0 fall back to 1024.
func NewRedactor(mode RedactionMode, maxFieldChars int) *Redactor {
	if mode != RedactDebug {
		mode = RedactStrict
	}
	if maxFieldChars <= 0 {
		maxFieldChars = 1024
	}
	return &Redactor{mode: mode, maxFieldChars: maxFieldChars}
}

// Payload returns a redacted deep copy of the payload. The input map is
// never mutated.
func (r *Redactor) Payload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out, _ := r.redactMap(payload).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func (r *Redactor) redactMap(m map[string]any) any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case isSensitiveKey(k):
			out[k] = redactedPlaceholder
		case promptKeyPattern.MatchString(k):
			out[k] = hashedValue(v)
		default:
			out[k] = r.redactValue(v)
		}
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return r.redactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	case string:
		if r.mode == RedactStrict {
			return hashedValue(val)
		}
		return truncateString(val, r.maxFieldChars)
	default:
		return v
	}
}

// isSensitiveKey reports whether a key name must have its value elided.
func isSensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(key) || envStyleKeyPattern.MatchString(key)
}

// hashedValue replaces a value with its content fingerprint. Non-string
// values are hashed over their JSON serialization.
func hashedValue(v any) map[string]any {
	s, ok := v.(string)
	if !ok {
		if b, err := json.Marshal(v); err == nil {
			s = string(b)
		} else {
			s = fmt.Sprintf("%v", v)
		}
	}
	return map[string]any{
		"hash":   hashString(s),
		"length": len(s),
	}
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
