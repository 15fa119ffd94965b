package stream

import "github.com/msimon42/openclaw-sub000/internal/audit"

// Filter is a compiled subscription predicate. The zero value matches every
// event.
type Filter struct {
	agentID         string
	eventTypes      map[audit.EventType]struct{}
	riskTiers       map[audit.RiskTier]struct{}
	modelRefs       map[string]struct{}
	decisionOutcome audit.DecisionOutcome
	sinceTs         int64
}

// CompileFilter builds a Filter from the wire spec. nil compiles to the
// match-all filter.
func CompileFilter(spec *FilterSpec) Filter {
	if spec == nil {
		return Filter{}
	}
	f := Filter{
		agentID:         spec.AgentID,
		decisionOutcome: audit.DecisionOutcome(spec.DecisionOutcome),
		sinceTs:         spec.SinceTs,
	}
	if len(spec.EventTypes) > 0 {
		f.eventTypes = make(map[audit.EventType]struct{}, len(spec.EventTypes))
		for _, t := range spec.EventTypes {
			f.eventTypes[audit.EventType(t)] = struct{}{}
		}
	}
	if len(spec.RiskTiers) > 0 {
		f.riskTiers = make(map[audit.RiskTier]struct{}, len(spec.RiskTiers))
		for _, t := range spec.RiskTiers {
			f.riskTiers[audit.RiskTier(t)] = struct{}{}
		}
	}
	if len(spec.ModelRefs) > 0 {
		f.modelRefs = make(map[string]struct{}, len(spec.ModelRefs))
		for _, ref := range spec.ModelRefs {
			f.modelRefs[ref] = struct{}{}
		}
	}
	return f
}

// Matches reports whether the event passes every configured predicate. A
// model-ref filter matches any of the event's modelRef, fromModelRef, and
// toModelRef; events without model metadata never match it. Decision filters
// behave the same for events without a decision.
func (f Filter) Matches(ev *audit.Event) bool {
	if ev == nil {
		return false
	}
	if f.agentID != "" && ev.AgentID != f.agentID {
		return false
	}
	if f.eventTypes != nil {
		if _, ok := f.eventTypes[ev.Type]; !ok {
			return false
		}
	}
	if f.riskTiers != nil {
		if _, ok := f.riskTiers[ev.RiskTier]; !ok {
			return false
		}
	}
	if f.modelRefs != nil && !f.matchesModelRef(ev) {
		return false
	}
	if f.decisionOutcome != "" {
		if ev.Decision == nil || ev.Decision.Outcome != f.decisionOutcome {
			return false
		}
	}
	if f.sinceTs > 0 && ev.Timestamp < f.sinceTs {
		return false
	}
	return true
}

func (f Filter) matchesModelRef(ev *audit.Event) bool {
	if ev.Model == nil {
		return false
	}
	for _, ref := range []string{ev.Model.ModelRef, ev.Model.FromModelRef, ev.Model.ToModelRef} {
		if ref == "" {
			continue
		}
		if _, ok := f.modelRefs[ref]; ok {
			return true
		}
	}
	return false
}
