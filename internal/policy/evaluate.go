package policy

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// Request is one authorization question: a capability plus the tool call's
// argument fields, from which domains and write targets are extracted.
type Request struct {
	Capability Capability
	Fields     map[string]any
}

// Verdict is the outcome of a policy evaluation.
type Verdict struct {
	Allowed bool
	Reason  string
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

var (
	urlPattern = regexp.MustCompile(`https?://[^\s"'<>\\]+`)

	patchFilePattern = regexp.MustCompile(`(?m)^\s*\*\*\* (?:Add|Update|Delete) File:\s*(.+?)\s*$`)
	patchMovePattern = regexp.MustCompile(`(?m)^\s*\*\*\* Move to:\s*(.+?)\s*$`)
)

// structured field names whose values are write targets.
var pathFieldKeys = []string{"path", "file_path", "filename", "file", "target", "cwd", "filePath"}

// freeform field names scanned for patch markers.
var freeformPathKeys = []string{"input", "command"}

// Evaluate authorizes one request against a resolved policy. The capability
// gate runs first; network.fetch and filesystem.write then verify every
// extracted domain or write target against the policy's allow lists.
func Evaluate(p Resolved, req Request) Verdict {
	if v := capabilityCheck(p, req.Capability); !v.Allowed {
		return v
	}

	switch req.Capability {
	case CapNetworkFetch:
		return evaluateFetch(p, req)
	case CapFilesystemWrite:
		return evaluateWrite(p, req)
	default:
		return allow()
	}
}

// EvaluateToolCallAccess gates a tool call by its skill manifest before the
// policy itself: a capability the skill never declared is denied outright.
func EvaluateToolCallAccess(declared []Capability, p Resolved, req Request) Verdict {
	found := false
	for _, c := range declared {
		if c == req.Capability {
			found = true
			break
		}
	}
	if !found {
		return deny("capability %s not declared by skill manifest", req.Capability)
	}
	return Evaluate(p, req)
}

func capabilityCheck(p Resolved, c Capability) Verdict {
	if _, denied := p.Deny[c]; denied {
		return deny("capability %s denied by policy", c)
	}
	if len(p.Allow) > 0 {
		if _, ok := p.Allow[c]; !ok {
			return deny("capability %s not in policy allow list", c)
		}
	}
	return allow()
}

func evaluateFetch(p Resolved, req Request) Verdict {
	if len(p.AllowDomains) == 0 {
		return deny("network.fetch requires a non-empty allowDomains list")
	}
	for _, candidate := range extractURLs(req.Fields) {
		host := hostOf(candidate)
		if host == "" {
			return deny("unparseable url %q", candidate)
		}
		if !domainAllowed(p.AllowDomains, host) {
			return deny("domain %s not in allowDomains", host)
		}
	}
	return allow()
}

func evaluateWrite(p Resolved, req Request) Verdict {
	if len(p.WritePaths) == 0 {
		return deny("filesystem.write requires a non-empty writePaths list")
	}
	for _, target := range extractPaths(req.Fields) {
		if !pathAllowed(p.WritePaths, target) {
			return deny("path %s outside writePaths", target)
		}
	}
	return allow()
}

// extractURLs collects candidate URLs from structured url/urls fields and
// from URLs found in any freeform string field.
func extractURLs(fields map[string]any) []string {
	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	if u, ok := fields["url"].(string); ok {
		add(u)
	}
	switch urls := fields["urls"].(type) {
	case []string:
		for _, u := range urls {
			add(u)
		}
	case []any:
		for _, v := range urls {
			if u, ok := v.(string); ok {
				add(u)
			}
		}
	}

	for key, v := range fields {
		if key == "url" || key == "urls" {
			continue
		}
		if s, ok := v.(string); ok {
			for _, u := range urlPattern.FindAllString(s, -1) {
				add(strings.TrimRight(u, ".,;)]}"))
			}
		}
	}
	return out
}

// extractPaths collects write targets from the direct path fields and from
// patch-format markers embedded in freeform input/command strings.
func extractPaths(fields map[string]any) []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, key := range pathFieldKeys {
		if p, ok := fields[key].(string); ok {
			add(p)
		}
	}
	for _, key := range freeformPathKeys {
		s, ok := fields[key].(string)
		if !ok {
			continue
		}
		for _, m := range patchFilePattern.FindAllStringSubmatch(s, -1) {
			add(m[1])
		}
		for _, m := range patchMovePattern.FindAllStringSubmatch(s, -1) {
			add(m[1])
		}
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return normalizeDomain(u.Hostname())
}

// normalizeDomain lower-cases and strips one trailing dot.
func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

func domainAllowed(rules []string, host string) bool {
	for _, rule := range rules {
		if matchDomain(normalizeDomain(rule), host) {
			return true
		}
	}
	return false
}

// matchDomain applies one allowDomains rule. Exact rules match the host
// itself; "*.example.com" and ".example.com" match any subdomain of
// example.com but never example.com itself.
func matchDomain(rule, host string) bool {
	switch {
	case strings.HasPrefix(rule, "*."):
		return strings.HasSuffix(host, rule[1:])
	case strings.HasPrefix(rule, "."):
		return strings.HasSuffix(host, rule)
	default:
		return host == rule
	}
}

// pathAllowed reports whether target resolves inside at least one root. Both
// sides are made absolute first; a relative path escaping with ".." or
// re-rooting with a separator fails containment.
func pathAllowed(roots []string, target string) bool {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absRoot, absTarget)
		if err != nil {
			continue
		}
		if rel == "." {
			return true
		}
		if !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel) {
			return true
		}
	}
	return false
}
