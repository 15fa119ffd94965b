package policy

import "sync"

// Layers holds the configured policy layers and resolves them per identity.
// The global layer can be swapped at runtime by the config watcher; agent and
// skill layers are fixed until restart.
type Layers struct {
	mu     sync.RWMutex
	global *Layer
	agents map[string]*Layer
	skills map[string]*Layer
}

func NewLayers(global *Layer, agents, skills map[string]*Layer) *Layers {
	return &Layers{global: global, agents: agents, skills: skills}
}

// SetGlobal replaces the global layer. Subsequent resolutions see the new
// layer; in-flight calls keep the policy they resolved.
func (l *Layers) SetGlobal(layer *Layer) {
	l.mu.Lock()
	l.global = layer
	l.mu.Unlock()
}

// For resolves the effective policy for an agent and optional skill.
func (l *Layers) For(agentID, skill string) Resolved {
	l.mu.RLock()
	global := l.global
	agent := l.agents[agentID]
	var skillLayer *Layer
	if skill != "" {
		skillLayer = l.skills[skill]
	}
	l.mu.RUnlock()

	return Resolve(global, agent, skillLayer)
}
