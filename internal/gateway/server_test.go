package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/artifacts"
	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/auth"
	"github.com/msimon42/openclaw-sub000/internal/delegation"
	"github.com/msimon42/openclaw-sub000/internal/health"
	"github.com/msimon42/openclaw-sub000/internal/sessions"
	"github.com/msimon42/openclaw-sub000/internal/stream"
	"github.com/msimon42/openclaw-sub000/internal/telemetry"
	"github.com/msimon42/openclaw-sub000/pkg/models"
)

// echoExecutor completes every delegation immediately with a canned assistant
// reply, standing in for the agent runtime.
type echoExecutor struct {
	mu    sync.Mutex
	gw    *delegation.Gateway
	store sessions.Store
	reply string
	calls int
}

func (e *echoExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *echoExecutor) Execute(ctx context.Context, req delegation.ExecuteRequest) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	go func() {
		session, err := e.store.GetOrCreate(context.Background(), req.SessionKey, req.To)
		if err != nil {
			e.gw.Snapshots().Complete(delegation.Snapshot{IdempotencyKey: req.IdempotencyKey, Error: err.Error()})
			return
		}
		if e.reply != "" {
			_ = e.store.AppendMessage(context.Background(), session.ID, &models.Message{
				Role:    models.RoleAssistant,
				Content: e.reply,
			})
		}
		e.gw.Snapshots().Complete(delegation.Snapshot{
			IdempotencyKey: req.IdempotencyKey,
			OK:             true,
			SessionID:      session.ID,
		})
	}()
	return nil
}

type serverStack struct {
	server   *Server
	ts       *httptest.Server
	hub      *stream.Hub
	store    *sessions.MemoryStore
	executor *echoExecutor
	sink     *audit.MemorySink
	pipe     *audit.Pipeline
}

func newServerStack(t *testing.T, authn *auth.Authenticator) *serverStack {
	t.Helper()

	auditCfg := audit.DefaultConfig()
	auditCfg.RedactionMode = audit.RedactDebug
	sink := audit.NewMemorySink()
	pipe := audit.NewPipeline(auditCfg, sink, nil, nil)
	agg := telemetry.NewAggregator(pipe, health.NewTracker(health.DefaultConfig()), nil, nil, nil, nil)

	hub := stream.NewHub(stream.DefaultConfig(), nil, nil, nil, nil)
	store := sessions.NewMemoryStore()
	artifactStore, err := artifacts.NewStore(t.TempDir(), agg)
	if err != nil {
		t.Fatalf("artifacts.NewStore: %v", err)
	}

	executor := &echoExecutor{store: store, reply: "done"}
	gw := delegation.NewGateway(delegation.Config{Limits: delegation.DefaultLimits()}, store, artifactStore, agg, executor, nil, nil)
	executor.gw = gw

	server := NewServer(Options{
		Auth:       authn,
		Hub:        hub,
		Artifacts:  artifactStore,
		Delegation: gw,
		Telemetry:  agg,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pipe.Close(ctx)
	})

	return &serverStack{server: server, ts: ts, hub: hub, store: store, executor: executor, sink: sink, pipe: pipe}
}

func (s *serverStack) rpc(t *testing.T, token string, req rpcRequest) (*http.Response, rpcResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, s.ts.URL+"/v1/rpc", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("rpc request: %v", err)
	}
	defer resp.Body.Close()

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestHealthz(t *testing.T) {
	s := newServerStack(t, nil)

	resp, err := http.Get(s.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("payload = %v", payload)
	}
}

func TestAuthRequired(t *testing.T) {
	authn := auth.New(auth.Config{Tokens: []string{"secret-token"}})
	s := newServerStack(t, authn)

	req := rpcRequest{Method: "artifacts.fetch", Params: rawParams(t, map[string]any{"id": "x"})}

	resp, decoded := s.rpc(t, "", req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, decoded = s.rpc(t, "secret-token", req)
	if resp.StatusCode == http.StatusUnauthorized {
		t.Error("valid token rejected")
	}
	if decoded.Error == nil || decoded.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v, want invalid artifact id", decoded.Error)
	}

	// Healthz and metrics stay open.
	healthResp, err := http.Get(s.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", healthResp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServerStack(t, nil)

	resp, err := http.Get(s.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("empty metrics exposition")
	}
}
