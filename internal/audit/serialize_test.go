package audit

import (
	"strings"
	"testing"
)

func TestSerializerBreaksCycles(t *testing.T) {
	s := NewSerializer(0)

	payload := map[string]any{"a": 1}
	payload["self"] = payload

	e := &Event{Payload: payload}
	s.Prepare(e)

	if e.Payload["self"] != cycleSentinel {
		t.Errorf("self = %v, want %q", e.Payload["self"], cycleSentinel)
	}
	// int values normalize to int64 through sanitizeInt
	if e.Payload["a"] != int64(1) {
		t.Errorf("a = %v (%T), want 1", e.Payload["a"], e.Payload["a"])
	}
}

func TestSerializerSharedNonCyclicValue(t *testing.T) {
	s := NewSerializer(0)

	shared := map[string]any{"k": "v"}
	e := &Event{Payload: map[string]any{"one": shared, "two": shared}}
	s.Prepare(e)

	one, ok := e.Payload["one"].(map[string]any)
	if !ok || one["k"] != "v" {
		t.Errorf("one = %v, want shared map copied intact", e.Payload["one"])
	}
	two, ok := e.Payload["two"].(map[string]any)
	if !ok || two["k"] != "v" {
		t.Errorf("two = %v, want shared map copied intact", e.Payload["two"])
	}
}

func TestSerializerTagsLargeIntegers(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"safe int", int64(42), int64(42)},
		{"max safe", int64(maxSafeInteger), int64(maxSafeInteger)},
		{"beyond safe", int64(maxSafeInteger + 1), "int:9007199254740992"},
		{"negative beyond", int64(-maxSafeInteger - 1), "int:-9007199254740992"},
		{"large uint64", uint64(18446744073709551615), "int:18446744073709551615"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSerializer(0)
			e := &Event{Payload: map[string]any{"n": tt.value}}
			s.Prepare(e)
			if e.Payload["n"] != tt.want {
				t.Errorf("n = %v (%T), want %v", e.Payload["n"], e.Payload["n"], tt.want)
			}
		})
	}
}

func TestSerializerCapsPayload(t *testing.T) {
	s := NewSerializer(128)

	e := &Event{Payload: map[string]any{"blob": strings.Repeat("a", 4096)}}
	s.Prepare(e)

	if e.Payload["truncated"] != true {
		t.Fatalf("payload = %v, want truncated marker", e.Payload)
	}
	origLen, ok := e.Payload["originalLength"].(int)
	if !ok || origLen <= 128 {
		t.Errorf("originalLength = %v, want serialized size over cap", e.Payload["originalLength"])
	}
	if len(e.Payload) != 2 {
		t.Errorf("capped payload has %d keys, want exactly truncated+originalLength", len(e.Payload))
	}
}

func TestSerializerDropsNonFiniteFloats(t *testing.T) {
	s := NewSerializer(0)

	nan := 0.0
	nan = nan / nan
	e := &Event{Payload: map[string]any{"bad": nan, "ok": 1.5}}
	s.Prepare(e)

	if e.Payload["bad"] != nil {
		t.Errorf("bad = %v, want nil", e.Payload["bad"])
	}
	if e.Payload["ok"] != 1.5 {
		t.Errorf("ok = %v, want 1.5", e.Payload["ok"])
	}
}
