package spend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Config configures spend tracking and persistence.
type Config struct {
	Enabled     bool
	Dir         string
	SummaryPath string
	Pricing     Pricing
}

// DefaultConfig returns the default spend configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Dir:         "spend",
		SummaryPath: filepath.Join("spend", "summary.json"),
		Pricing:     Pricing{},
	}
}

// Entry is one priced model call.
type Entry struct {
	Timestamp time.Time
	TraceID   string
	AgentID   string
	Provider  string
	ModelRef  string
	TokensIn  int64
	TokensOut int64
	CostUsd   float64
}

// Totals aggregates calls across all models and agents.
type Totals struct {
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUsd   float64 `json:"costUsd"`
}

// ModelRollup aggregates calls for a single model ref.
type ModelRollup struct {
	ModelRef  string  `json:"modelRef"`
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUsd   float64 `json:"costUsd"`
}

// AgentRollup aggregates calls for a single agent.
type AgentRollup struct {
	AgentID   string  `json:"agentId"`
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUsd   float64 `json:"costUsd"`
}

// FallbackEdge counts fallbacks between two model refs.
type FallbackEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int64  `json:"count"`
}

// Summary is the persisted spend summary document.
type Summary struct {
	UpdatedAt time.Time     `json:"updatedAt"`
	Totals    Totals        `json:"totals"`
	ByModel   []ModelRollup `json:"byModel"`
	ByAgent   []AgentRollup `json:"byAgent"`
}

type edgeKey struct {
	from string
	to   string
}

type ledgerRecord struct {
	Ts        int64   `json:"ts"`
	TraceID   string  `json:"traceId,omitempty"`
	AgentID   string  `json:"agentId"`
	Provider  string  `json:"provider"`
	ModelRef  string  `json:"modelRef"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUsd   float64 `json:"costUsd"`
}

// Tracker accumulates spend rollups and, when enabled, appends each entry
// to a monthly YYYY-MM.jsonl ledger and rewrites the summary file.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	totals  Totals
	byModel map[string]*ModelRollup
	byAgent map[string]*AgentRollup
	edges   map[edgeKey]int64
	now     func() time.Time
}

// NewTracker creates a spend tracker. Persistence failures are logged and
// never propagated to callers.
func NewTracker(cfg Config, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Enabled && cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spend dir: %w", err)
		}
	}
	if cfg.Enabled && cfg.SummaryPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SummaryPath), 0o755); err != nil {
			return nil, fmt.Errorf("create spend summary dir: %w", err)
		}
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		byModel: make(map[string]*ModelRollup),
		byAgent: make(map[string]*AgentRollup),
		edges:   make(map[edgeKey]int64),
		now:     time.Now,
	}, nil
}

// Pricing returns the configured pricing table.
func (t *Tracker) Pricing() Pricing {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Pricing
}

// SetPricing replaces the pricing table. Existing rollups keep their recorded
// costs; only future entries use the new rates.
func (t *Tracker) SetPricing(p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Pricing = p
}

// Record folds one entry into the rollups and persists it.
func (t *Tracker) Record(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	e.CostUsd = Round8(e.CostUsd)

	t.totals.Calls++
	t.totals.TokensIn += e.TokensIn
	t.totals.TokensOut += e.TokensOut
	t.totals.CostUsd = Round8(t.totals.CostUsd + e.CostUsd)

	m := t.byModel[e.ModelRef]
	if m == nil {
		m = &ModelRollup{ModelRef: e.ModelRef}
		t.byModel[e.ModelRef] = m
	}
	m.Calls++
	m.TokensIn += e.TokensIn
	m.TokensOut += e.TokensOut
	m.CostUsd = Round8(m.CostUsd + e.CostUsd)

	a := t.byAgent[e.AgentID]
	if a == nil {
		a = &AgentRollup{AgentID: e.AgentID}
		t.byAgent[e.AgentID] = a
	}
	a.Calls++
	a.TokensIn += e.TokensIn
	a.TokensOut += e.TokensOut
	a.CostUsd = Round8(a.CostUsd + e.CostUsd)

	if !t.cfg.Enabled {
		return
	}
	if err := t.appendLedgerLocked(e); err != nil {
		t.logger.Warn("spend ledger write failed", "error", err)
	}
	if err := t.writeSummaryLocked(); err != nil {
		t.logger.Warn("spend summary write failed", "error", err)
	}
}

// RecordFallback counts one fallback hop between two model refs.
func (t *Tracker) RecordFallback(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edges[edgeKey{from: from, to: to}]++
}

// Summary returns a snapshot of the current rollups with deterministic
// ordering.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summaryLocked()
}

// FallbackEdges returns fallback counts sorted by (from, to).
func (t *Tracker) FallbackEdges() []FallbackEdge {
	t.mu.Lock()
	defer t.mu.Unlock()

	edges := make([]FallbackEdge, 0, len(t.edges))
	for k, n := range t.edges {
		edges = append(edges, FallbackEdge{From: k.from, To: k.to, Count: n})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

func (t *Tracker) summaryLocked() Summary {
	s := Summary{
		UpdatedAt: t.now().UTC(),
		Totals:    t.totals,
		ByModel:   make([]ModelRollup, 0, len(t.byModel)),
		ByAgent:   make([]AgentRollup, 0, len(t.byAgent)),
	}
	for _, m := range t.byModel {
		s.ByModel = append(s.ByModel, *m)
	}
	for _, a := range t.byAgent {
		s.ByAgent = append(s.ByAgent, *a)
	}
	sort.Slice(s.ByModel, func(i, j int) bool { return s.ByModel[i].ModelRef < s.ByModel[j].ModelRef })
	sort.Slice(s.ByAgent, func(i, j int) bool { return s.ByAgent[i].AgentID < s.ByAgent[j].AgentID })
	return s
}

func (t *Tracker) appendLedgerLocked(e Entry) error {
	if t.cfg.Dir == "" {
		return nil
	}
	rec := ledgerRecord{
		Ts:        e.Timestamp.UnixMilli(),
		TraceID:   e.TraceID,
		AgentID:   e.AgentID,
		Provider:  e.Provider,
		ModelRef:  e.ModelRef,
		TokensIn:  e.TokensIn,
		TokensOut: e.TokensOut,
		CostUsd:   e.CostUsd,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	path := filepath.Join(t.cfg.Dir, e.Timestamp.UTC().Format("2006-01")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (t *Tracker) writeSummaryLocked() error {
	if t.cfg.SummaryPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.summaryLocked(), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(t.cfg.SummaryPath, data, 0o644)
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
