package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Auto-publish bounds for long handoff payloads.
const (
	DefaultAutoPublishThreshold = 2000
	MinAutoPublishThreshold     = 200
)

// HandoffBrief summarizes a compacted agent-to-agent handoff.
type HandoffBrief struct {
	TraceID       string `json:"traceId"`
	From          string `json:"from"`
	To            string `json:"to"`
	ArtifactRefs  []Ref  `json:"artifactRefs"`
	Summary       string `json:"summary"`
	CreatedAt     int64  `json:"createdAt"`
	SchemaVersion string `json:"schemaVersion"`
}

// WriteHandoffBrief atomically writes the brief as
// <trace>-<from>-to-<to>.json under the briefs directory.
func (s *Store) WriteHandoffBrief(ctx context.Context, brief HandoffBrief) (string, error) {
	if brief.CreatedAt == 0 {
		brief.CreatedAt = s.now().UnixMilli()
	}
	brief.SchemaVersion = SchemaVersion

	name := fmt.Sprintf("%s-%s-to-%s.json",
		sanitizeName(brief.TraceID), sanitizeName(brief.From), sanitizeName(brief.To))
	path := filepath.Join(s.briefsDir(), name)

	data, err := json.MarshalIndent(brief, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode handoff brief: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write handoff brief: %w", err)
	}
	return path, nil
}

// MaybeAutoPublish compacts a long message into an artifact. Messages at or
// under the threshold come back unchanged with a nil ref; longer messages are
// published, briefed, and replaced with a short stub naming the artifact.
func (s *Store) MaybeAutoPublish(ctx context.Context, message, from, to, traceID string, threshold int) (string, *Ref, error) {
	if threshold <= 0 {
		threshold = DefaultAutoPublishThreshold
	}
	if threshold < MinAutoPublishThreshold {
		threshold = MinAutoPublishThreshold
	}
	if len(message) <= threshold {
		return message, nil, nil
	}

	rec, err := s.Publish(ctx, []byte(message), PublishOptions{
		Kind:      "text/plain",
		CreatedBy: from,
		TraceID:   traceID,
	})
	if err != nil {
		return "", nil, err
	}
	ref := Ref{ID: rec.ID, Kind: rec.Kind, SizeBytes: rec.SizeBytes}

	brief := HandoffBrief{
		TraceID:      traceID,
		From:         from,
		To:           to,
		ArtifactRefs: []Ref{ref},
		Summary: fmt.Sprintf("message of %d chars compacted to artifact %s",
			len(message), rec.ID),
	}
	if _, err := s.WriteHandoffBrief(ctx, brief); err != nil {
		return "", nil, err
	}

	stub := fmt.Sprintf("[compacted: full %d-char message stored as artifact %s; fetch it for details] %s",
		len(message), rec.ID, ellipsize(message, 160))
	return stub, &ref, nil
}

func ellipsize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// sanitizeName keeps brief file names flat and filesystem-safe.
func sanitizeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
