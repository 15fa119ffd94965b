package routing

import (
	"sync"
	"time"
)

// Probe pacing for providers whose auth profiles are all cooling down.
const (
	probeMinInterval  = 30 * time.Second
	probeExpiryMargin = 2 * time.Minute
)

// CooldownRegistry tracks per-provider auth profile cooldowns and throttles
// recovery probes. Safe for concurrent use.
type CooldownRegistry struct {
	mu sync.Mutex
	// until holds cooldown expiries keyed by provider then profile id.
	until map[string]map[string]time.Time
	// probes holds the last probe time keyed by "agentDir|provider".
	probes map[string]time.Time
	now    func() time.Time
}

func NewCooldownRegistry() *CooldownRegistry {
	return &CooldownRegistry{
		until:  make(map[string]map[string]time.Time),
		probes: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetCooldown records a profile cooldown for a provider.
func (r *CooldownRegistry) SetCooldown(provider, profile string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byProfile := r.until[provider]
	if byProfile == nil {
		byProfile = make(map[string]time.Time)
		r.until[provider] = byProfile
	}
	byProfile[profile] = until
}

// ClearCooldown lifts a profile's cooldown.
func (r *CooldownRegistry) ClearCooldown(provider, profile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.until[provider], profile)
}

// allCooling reports whether every known profile for the provider is still in
// cooldown, and the soonest expiry among them. Providers with no recorded
// profiles are never cooling.
func (r *CooldownRegistry) allCooling(provider string, now time.Time) (bool, time.Time) {
	byProfile := r.until[provider]
	if len(byProfile) == 0 {
		return false, time.Time{}
	}
	var soonest time.Time
	for _, until := range byProfile {
		if !until.After(now) {
			return false, time.Time{}
		}
		if soonest.IsZero() || until.Before(soonest) {
			soonest = until
		}
	}
	return true, soonest
}

// Available reports whether the provider has at least one usable auth
// profile right now.
func (r *CooldownRegistry) Available(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cooling, _ := r.allCooling(provider, r.now())
	return !cooling
}

// ShouldProbe decides whether a fully-cooling provider gets a recovery probe.
// Probes are allowed only within the pre-expiry margin of the soonest
// cooldown, at most once per interval per (agentDir, provider). A true return
// records the probe.
func (r *CooldownRegistry) ShouldProbe(agentDir, provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cooling, soonest := r.allCooling(provider, now)
	if !cooling {
		return true
	}
	if soonest.Sub(now) > probeExpiryMargin {
		return false
	}

	key := agentDir + "|" + provider
	if last, ok := r.probes[key]; ok && now.Sub(last) < probeMinInterval {
		return false
	}
	r.probes[key] = now
	return true
}
