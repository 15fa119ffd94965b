package audit

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// maxSafeInteger is the largest integer a JSON number can carry without
// precision loss. Values beyond it are rewritten as tagged strings.
const maxSafeInteger = 1<<53 - 1

const cycleSentinel = "[Circular]"

// Serializer prepares a redacted payload for persistence: it replaces cyclic
// references with a sentinel, rewrites out-of-range integers as tagged
// strings, drops non-finite floats, and enforces the payload byte cap.
type Serializer struct {
	maxPayloadBytes int
}

// NewSerializer creates a serializer. maxPayloadBytes values <= 0 fall back
// to 256 KiB.
func NewSerializer(maxPayloadBytes int) *Serializer {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 256 * 1024
	}
	return &Serializer{maxPayloadBytes: maxPayloadBytes}
}

// Prepare rewrites the event payload in place so it marshals cleanly. When
// the serialized payload exceeds the byte cap it is replaced by
// {truncated: true, originalLength: N}.
func (s *Serializer) Prepare(e *Event) {
	sanitized, _ := sanitizeValue(e.Payload, map[uintptr]bool{}).(map[string]any)
	if sanitized == nil {
		sanitized = map[string]any{}
	}

	serialized, err := json.Marshal(sanitized)
	if err != nil {
		// sanitizeValue removes everything Marshal rejects; this is a guard
		// against types it has never seen.
		e.Payload = map[string]any{"serialization_error": err.Error()}
		return
	}
	if len(serialized) > s.maxPayloadBytes {
		e.Payload = map[string]any{
			"truncated":      true,
			"originalLength": len(serialized),
		}
		return
	}
	e.Payload = sanitized
}

// sanitizeValue deep-copies v into JSON-safe values. seen tracks container
// identity along the current path to break cycles.
func sanitizeValue(v any, seen map[uintptr]bool) any {
	switch val := v.(type) {
	case nil, bool, string, int8, int16, int32, uint8, uint16, uint32, float32:
		return val
	case int:
		return sanitizeInt(int64(val))
	case int64:
		return sanitizeInt(val)
	case uint:
		return sanitizeUint(uint64(val))
	case uint64:
		return sanitizeUint(val)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return cycleSentinel
		}
		seen[ptr] = true
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sanitizeValue(item, seen)
		}
		delete(seen, ptr)
		return out
	case []any:
		if len(val) == 0 {
			return []any{}
		}
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return cycleSentinel
		}
		seen[ptr] = true
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, seen)
		}
		delete(seen, ptr)
		return out
	case error:
		return val.Error()
	default:
		if b, err := json.Marshal(val); err == nil {
			return json.RawMessage(b)
		}
		return fmt.Sprintf("%v", val)
	}
}

func sanitizeInt(v int64) any {
	if v > maxSafeInteger || v < -maxSafeInteger {
		return fmt.Sprintf("int:%d", v)
	}
	return v
}

func sanitizeUint(v uint64) any {
	if v > maxSafeInteger {
		return fmt.Sprintf("int:%d", v)
	}
	return v
}
