package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/msimon42/openclaw-sub000/internal/artifacts"
)

func TestRPCArtifactsRoundTrip(t *testing.T) {
	s := newServerStack(t, nil)

	resp, decoded := s.rpc(t, "", rpcRequest{
		ID:     "req-1",
		Method: "artifacts.publish",
		Params: rawParams(t, map[string]any{
			"content":   "design notes for the retry plan",
			"kind":      "text/plain",
			"createdBy": "agent-a",
		}),
	})
	if resp.StatusCode != http.StatusOK || !decoded.OK {
		t.Fatalf("publish = %d %+v", resp.StatusCode, decoded)
	}
	if decoded.ID != "req-1" {
		t.Errorf("response id = %q", decoded.ID)
	}

	result := decoded.Result.(map[string]any)
	record := result["record"].(map[string]any)
	id, _ := record["id"].(string)
	if want := artifacts.IDFor([]byte("design notes for the retry plan")); id != want {
		t.Errorf("artifact id = %q, want %q", id, want)
	}

	resp, decoded = s.rpc(t, "", rpcRequest{
		Method: "artifacts.fetch",
		Params: rawParams(t, map[string]any{"id": id}),
	})
	if resp.StatusCode != http.StatusOK || !decoded.OK {
		t.Fatalf("fetch = %d %+v", resp.StatusCode, decoded)
	}
	result = decoded.Result.(map[string]any)
	if content, _ := result["content"].(string); content != "design notes for the retry plan" {
		t.Errorf("content = %q", content)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	s := newServerStack(t, nil)

	resp, decoded := s.rpc(t, "", rpcRequest{Method: "artifacts.delete", Params: rawParams(t, map[string]any{})})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if decoded.Error == nil || decoded.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v", decoded.Error)
	}
}

func TestRPCSchemaValidation(t *testing.T) {
	s := newServerStack(t, nil)

	// kind is required by the method schema.
	resp, decoded := s.rpc(t, "", rpcRequest{
		Method: "artifacts.publish",
		Params: rawParams(t, map[string]any{"content": "x"}),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if decoded.Error == nil || decoded.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v", decoded.Error)
	}

	// Unknown top-level keys are rejected too.
	resp, decoded = s.rpc(t, "", rpcRequest{Method: "agents.call", Params: rawParams(t, map[string]any{
		"from": "a", "to": "b", "message": "hi", "surprise": true,
	})})
	if resp.StatusCode != http.StatusBadRequest || decoded.Error == nil {
		t.Errorf("status = %d error = %+v, want schema rejection", resp.StatusCode, decoded.Error)
	}
}

func TestRPCArtifactsFetchNotFound(t *testing.T) {
	s := newServerStack(t, nil)

	missing := "art_" + strings.Repeat("ab", 32)
	resp, decoded := s.rpc(t, "", rpcRequest{
		Method: "artifacts.fetch",
		Params: rawParams(t, map[string]any{"id": missing}),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if decoded.Error == nil || decoded.Error.Code != CodeNotFound {
		t.Errorf("error = %+v", decoded.Error)
	}
}

func TestRPCAgentsCall(t *testing.T) {
	s := newServerStack(t, nil)

	resp, decoded := s.rpc(t, "", rpcRequest{
		Method: "agents.call",
		Params: rawParams(t, map[string]any{
			"from":    "planner",
			"to":      "coder",
			"message": "implement the parser",
		}),
	})
	if resp.StatusCode != http.StatusOK || !decoded.OK {
		t.Fatalf("call = %d %+v", resp.StatusCode, decoded)
	}

	var result struct {
		Status  string `json:"status"`
		Summary string `json:"summary"`
		TraceID string `json:"traceId"`
	}
	raw, _ := json.Marshal(decoded.Result)
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != "ok" {
		t.Errorf("status = %q, want ok", result.Status)
	}
	if result.Summary != "done" {
		t.Errorf("summary = %q", result.Summary)
	}
	if result.TraceID == "" {
		t.Error("missing trace id")
	}
	if got := s.executor.callCount(); got != 1 {
		t.Errorf("executor calls = %d", got)
	}
}

func TestRPCAgentsMessage(t *testing.T) {
	s := newServerStack(t, nil)

	resp, decoded := s.rpc(t, "", rpcRequest{
		Method: "agents.message",
		Params: rawParams(t, map[string]any{
			"from":     "planner",
			"to":       "coder",
			"message":  "FYI: the schema changed",
			"priority": "HIGH",
		}),
	})
	if resp.StatusCode != http.StatusOK || !decoded.OK {
		t.Fatalf("message = %d %+v", resp.StatusCode, decoded)
	}

	var result struct {
		SessionID string `json:"sessionId"`
		Priority  string `json:"priority"`
	}
	raw, _ := json.Marshal(decoded.Result)
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Priority != "high" {
		t.Errorf("priority = %q, want high", result.Priority)
	}

	history, err := s.store.History(context.Background(), result.SessionID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "FYI: the schema changed" {
		t.Errorf("inbox history = %+v", history)
	}
	if history[0].Metadata["from"] != "planner" {
		t.Errorf("metadata = %+v", history[0].Metadata)
	}
}
