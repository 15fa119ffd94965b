// Package artifacts is a content-addressed payload store. Artifact ids are
// derived from the payload bytes, so publishing the same content twice is a
// no-op and an id can always be checked against what it names.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/telemetry"
)

// SchemaVersion is stamped on every metadata record.
const SchemaVersion = "1.0"

var (
	// ErrInvalidID means the artifact id does not match the required form.
	ErrInvalidID = errors.New("invalid artifact id")

	// ErrNotFound means no metadata record exists for the id.
	ErrNotFound = errors.New("artifact not found")

	// ErrCorrupt means metadata exists but the record or payload is unusable.
	ErrCorrupt = errors.New("artifact corrupt")
)

var idPattern = regexp.MustCompile(`^art_[0-9a-f]{64}$`)

// Record is the metadata stored alongside each payload.
type Record struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	SizeBytes     int64  `json:"sizeBytes"`
	CreatedBy     string `json:"createdBy"`
	TraceID       string `json:"traceId,omitempty"`
	TTLDays       int    `json:"ttlDays,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	FileName      string `json:"fileName"`
	SchemaVersion string `json:"schemaVersion"`
}

// Ref is the compact form returned to callers and embedded in briefs.
type Ref struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Fetched is a resolved artifact. Content is a string for text kinds and a
// decoded value for JSON kinds.
type Fetched struct {
	Record  Record
	Content any
}

// PublishOptions describe the artifact being published.
type PublishOptions struct {
	Kind      string
	CreatedBy string
	TraceID   string
	TTLDays   int
}

// Store writes artifacts under <root>/_shared/artifacts and handoff briefs
// under <root>/_shared/briefs. Safe for concurrent use; concurrent publishes
// of the same content converge on one record.
type Store struct {
	root      string
	telemetry *telemetry.Aggregator

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates the store and its directories. agg may be nil.
func NewStore(workspaceRoot string, agg *telemetry.Aggregator) (*Store, error) {
	s := &Store{
		root:      workspaceRoot,
		telemetry: agg,
		now:       time.Now,
	}
	for _, dir := range []string{s.artifactsDir(), s.briefsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact directory: %w", err)
		}
	}
	return s, nil
}

func (s *Store) artifactsDir() string {
	return filepath.Join(s.root, "_shared", "artifacts")
}

func (s *Store) briefsDir() string {
	return filepath.Join(s.root, "_shared", "briefs")
}

// IDFor returns the artifact id the given payload bytes would publish under.
func IDFor(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "art_" + hex.EncodeToString(sum[:])
}

func extensionForKind(kind string) string {
	if strings.HasPrefix(kind, "text/") {
		return ".txt"
	}
	return ".json"
}

// Publish stores the payload and its metadata. When a record for the same
// bytes already exists it is returned unchanged.
func (s *Store) Publish(ctx context.Context, payload []byte, opts PublishOptions) (*Record, error) {
	id := IDFor(payload)
	fileName := id + extensionForKind(opts.Kind)
	metaPath := filepath.Join(s.artifactsDir(), id+".meta.json")

	s.mu.Lock()
	defer s.mu.Unlock()

	if data, err := os.ReadFile(metaPath); err == nil {
		var existing Record
		if err := json.Unmarshal(data, &existing); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
		}
		return &existing, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read artifact metadata: %w", err)
	}

	payloadPath := filepath.Join(s.artifactsDir(), fileName)
	if _, err := os.Stat(payloadPath); os.IsNotExist(err) {
		if err := writeFileAtomic(payloadPath, payload, 0o644); err != nil {
			return nil, fmt.Errorf("write artifact payload: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat artifact payload: %w", err)
	}

	rec := Record{
		ID:            id,
		Kind:          opts.Kind,
		SizeBytes:     int64(len(payload)),
		CreatedBy:     opts.CreatedBy,
		TraceID:       opts.TraceID,
		TTLDays:       opts.TTLDays,
		CreatedAt:     s.now().UnixMilli(),
		FileName:      fileName,
		SchemaVersion: SchemaVersion,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode artifact metadata: %w", err)
	}
	if err := writeFileAtomic(metaPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact metadata: %w", err)
	}

	if s.telemetry != nil {
		s.telemetry.ArtifactPublish(ctx, rec.ID, rec.Kind, rec.SizeBytes)
	}
	return &rec, nil
}

// Fetch resolves an artifact by id. JSON kinds are decoded into structured
// values; text kinds are returned as strings.
func (s *Store) Fetch(ctx context.Context, id string) (*Fetched, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	metaPath := filepath.Join(s.artifactsDir(), id+".meta.json")
	data, err := os.ReadFile(metaPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact metadata: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}

	payload, err := s.readPayload(rec)
	if err != nil {
		return nil, err
	}

	f := &Fetched{Record: rec}
	if strings.HasPrefix(rec.Kind, "text/") {
		f.Content = string(payload)
	} else {
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: payload is not valid JSON", ErrCorrupt, id)
		}
		f.Content = v
	}

	if s.telemetry != nil {
		s.telemetry.ArtifactFetch(ctx, rec.ID)
	}
	return f, nil
}

// readPayload tries the recorded file name first, then the two known
// extensions. Records written by older builds may predate the FileName field.
func (s *Store) readPayload(rec Record) ([]byte, error) {
	candidates := []string{}
	if rec.FileName != "" {
		candidates = append(candidates, rec.FileName)
	}
	candidates = append(candidates, rec.ID+".txt", rec.ID+".json")

	for _, name := range candidates {
		data, err := os.ReadFile(filepath.Join(s.artifactsDir(), name))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read artifact payload: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s: payload missing", ErrCorrupt, rec.ID)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
