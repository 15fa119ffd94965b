package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPublishIDMatchesPayloadHash(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("hello artifact")

	rec, err := s.Publish(context.Background(), payload, PublishOptions{
		Kind:      "text/plain",
		CreatedBy: "agent-a",
		TraceID:   "trace-1",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sum := sha256.Sum256(payload)
	want := "art_" + hex.EncodeToString(sum[:])
	if rec.ID != want {
		t.Errorf("id = %q, want %q", rec.ID, want)
	}
	if rec.SizeBytes != int64(len(payload)) {
		t.Errorf("sizeBytes = %d, want %d", rec.SizeBytes, len(payload))
	}
	if rec.SchemaVersion != SchemaVersion {
		t.Errorf("schemaVersion = %q, want %q", rec.SchemaVersion, SchemaVersion)
	}

	payloadPath := filepath.Join(s.artifactsDir(), rec.ID+".txt")
	data, err := os.ReadFile(payloadPath)
	if err != nil {
		t.Fatalf("read payload file: %v", err)
	}
	if string(data) != string(payload) {
		t.Error("payload file does not match published bytes")
	}
}

func TestPublishIdempotent(t *testing.T) {
	s := newTestStore(t)
	payload := []byte(`{"k":"v"}`)

	first, err := s.Publish(context.Background(), payload, PublishOptions{
		Kind: "application/json", CreatedBy: "agent-a",
	})
	if err != nil {
		t.Fatalf("first Publish: %v", err)
	}

	// Second publish with different options must return the first record.
	second, err := s.Publish(context.Background(), payload, PublishOptions{
		Kind: "application/json", CreatedBy: "agent-b", TraceID: "other",
	})
	if err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if *second != *first {
		t.Errorf("duplicate publish changed the record: %+v vs %+v", second, first)
	}
}

func TestFetchTextAndJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txt, err := s.Publish(ctx, []byte("plain text"), PublishOptions{Kind: "text/plain"})
	if err != nil {
		t.Fatalf("publish text: %v", err)
	}
	got, err := s.Fetch(ctx, txt.ID)
	if err != nil {
		t.Fatalf("fetch text: %v", err)
	}
	if got.Content != "plain text" {
		t.Errorf("text content = %v", got.Content)
	}

	js, err := s.Publish(ctx, []byte(`{"n":1,"list":["a"]}`), PublishOptions{Kind: "application/json"})
	if err != nil {
		t.Fatalf("publish json: %v", err)
	}
	got, err = s.Fetch(ctx, js.ID)
	if err != nil {
		t.Fatalf("fetch json: %v", err)
	}
	obj, ok := got.Content.(map[string]any)
	if !ok {
		t.Fatalf("json content type = %T", got.Content)
	}
	if obj["n"] != float64(1) {
		t.Errorf("json content = %v", obj)
	}
}

func TestFetchErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Fetch(ctx, "not-an-id"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("bad id error = %v, want ErrInvalidID", err)
	}

	missing := "art_" + strings.Repeat("0", 64)
	if _, err := s.Fetch(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing artifact error = %v, want ErrNotFound", err)
	}

	// Metadata present but payload gone.
	rec, err := s.Publish(ctx, []byte("doomed"), PublishOptions{Kind: "text/plain"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := os.Remove(filepath.Join(s.artifactsDir(), rec.FileName)); err != nil {
		t.Fatalf("remove payload: %v", err)
	}
	if _, err := s.Fetch(ctx, rec.ID); !errors.Is(err, ErrCorrupt) {
		t.Errorf("orphaned metadata error = %v, want ErrCorrupt", err)
	}
}

func TestFetchPayloadExtensionFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Publish(ctx, []byte("fallback"), PublishOptions{Kind: "text/plain"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// Strip FileName from the metadata to simulate an older record.
	metaPath := filepath.Join(s.artifactsDir(), rec.ID+".meta.json")
	stripped := *rec
	stripped.FileName = ""
	data, _ := json.Marshal(stripped)
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		t.Fatalf("rewrite metadata: %v", err)
	}

	got, err := s.Fetch(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Fetch without FileName: %v", err)
	}
	if got.Content != "fallback" {
		t.Errorf("content = %v", got.Content)
	}
}

func TestMaybeAutoPublish(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	short := "short message"
	msg, ref, err := s.MaybeAutoPublish(ctx, short, "a", "b", "trace-1", 0)
	if err != nil {
		t.Fatalf("MaybeAutoPublish short: %v", err)
	}
	if msg != short || ref != nil {
		t.Errorf("short message should pass through unchanged, got %q ref=%v", msg, ref)
	}

	long := strings.Repeat("x", 3000)
	msg, ref, err = s.MaybeAutoPublish(ctx, long, "a", "b", "trace-1", 0)
	if err != nil {
		t.Fatalf("MaybeAutoPublish long: %v", err)
	}
	if ref == nil {
		t.Fatal("long message should yield an artifact ref")
	}
	if !strings.Contains(msg, ref.ID) {
		t.Errorf("stub does not name the artifact: %q", msg)
	}
	if len(msg) >= len(long) {
		t.Error("stub should be shorter than the original message")
	}

	fetched, err := s.Fetch(ctx, ref.ID)
	if err != nil {
		t.Fatalf("fetch compacted payload: %v", err)
	}
	if fetched.Content != long {
		t.Error("compacted payload does not round-trip")
	}

	briefPath := filepath.Join(s.briefsDir(), "trace-1-a-to-b.json")
	data, err := os.ReadFile(briefPath)
	if err != nil {
		t.Fatalf("read brief: %v", err)
	}
	var brief HandoffBrief
	if err := json.Unmarshal(data, &brief); err != nil {
		t.Fatalf("decode brief: %v", err)
	}
	if brief.From != "a" || brief.To != "b" || brief.TraceID != "trace-1" {
		t.Errorf("brief = %+v", brief)
	}
	if len(brief.ArtifactRefs) != 1 || brief.ArtifactRefs[0].ID != ref.ID {
		t.Errorf("brief refs = %+v", brief.ArtifactRefs)
	}
}

func TestMaybeAutoPublishThresholdFloor(t *testing.T) {
	s := newTestStore(t)

	msg := strings.Repeat("y", 150)
	got, ref, err := s.MaybeAutoPublish(context.Background(), msg, "a", "b", "t", 10)
	if err != nil {
		t.Fatalf("MaybeAutoPublish: %v", err)
	}
	if ref != nil || got != msg {
		t.Error("threshold below the floor must be raised to the floor, not applied")
	}
}
