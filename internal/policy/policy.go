// Package policy resolves layered capability policies and authorizes
// individual tool calls against them. Up to four layers fold into a resolved
// policy: hardcoded defaults, then global, agent, and skill overrides.
package policy

import "strings"

// Capability names the closed set of actions a policy can grant or deny.
type Capability string

const (
	CapShellExec       Capability = "shell.exec"
	CapNetworkFetch    Capability = "network.fetch"
	CapFilesystemRead  Capability = "filesystem.read"
	CapFilesystemWrite Capability = "filesystem.write"
	CapToolInvoke      Capability = "tool.invoke"
	CapModelInvoke     Capability = "model.invoke"
	CapPluginLoad      Capability = "plugin.load"
)

// Capabilities is the full closed set, in declaration order.
var Capabilities = []Capability{
	CapShellExec,
	CapNetworkFetch,
	CapFilesystemRead,
	CapFilesystemWrite,
	CapToolInvoke,
	CapModelInvoke,
	CapPluginLoad,
}

// Known reports whether name is a member of the capability set.
func Known(name string) bool {
	c := Capability(strings.TrimSpace(name))
	for _, k := range Capabilities {
		if c == k {
			return true
		}
	}
	return false
}

// Layer is one partially specified policy. A nil slice means the field is
// undefined and the prior layer's value survives; an empty non-nil slice is a
// defined empty value and replaces it. RequireApproval follows the same rule
// via its pointer.
type Layer struct {
	Allow           []Capability `json:"allow,omitempty" yaml:"allow"`
	Deny            []Capability `json:"deny,omitempty" yaml:"deny"`
	AllowDomains    []string     `json:"allowDomains,omitempty" yaml:"allowDomains"`
	WritePaths      []string     `json:"writePaths,omitempty" yaml:"writePaths"`
	RequireApproval *bool        `json:"requireApproval,omitempty" yaml:"requireApproval"`
}

// Resolved is the folded merger of the policy layers. Downstream code only
// ever sees resolved values.
type Resolved struct {
	Allow           map[Capability]struct{}
	Deny            map[Capability]struct{}
	AllowDomains    []string
	WritePaths      []string
	RequireApproval bool
}

// hardcoded is the innermost layer. Plugin loading is denied unless a later
// layer explicitly replaces the deny set.
func hardcoded() Layer {
	return Layer{
		Deny: []Capability{CapPluginLoad},
	}
}

// Resolve folds the layers in order (global, agent, skill) over the hardcoded
// defaults. Each defined field replaces the prior value outright; allow and
// deny are whole-set replacements, never merged.
func Resolve(layers ...*Layer) Resolved {
	merged := hardcoded()
	for _, l := range layers {
		if l == nil {
			continue
		}
		if l.Allow != nil {
			merged.Allow = l.Allow
		}
		if l.Deny != nil {
			merged.Deny = l.Deny
		}
		if l.AllowDomains != nil {
			merged.AllowDomains = l.AllowDomains
		}
		if l.WritePaths != nil {
			merged.WritePaths = l.WritePaths
		}
		if l.RequireApproval != nil {
			merged.RequireApproval = l.RequireApproval
		}
	}

	r := Resolved{
		Allow:        capSet(merged.Allow),
		Deny:         capSet(merged.Deny),
		AllowDomains: merged.AllowDomains,
		WritePaths:   merged.WritePaths,
	}
	if merged.RequireApproval != nil {
		r.RequireApproval = *merged.RequireApproval
	}
	return r
}

func capSet(caps []Capability) map[Capability]struct{} {
	if len(caps) == 0 {
		return nil
	}
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[Capability(strings.TrimSpace(string(c)))] = struct{}{}
	}
	return set
}

// toolCapabilities maps tool names to the capability their execution
// exercises. Unlisted tools fall back to tool.invoke.
var toolCapabilities = map[string]Capability{
	"exec":        CapShellExec,
	"bash":        CapShellExec,
	"shell":       CapShellExec,
	"web_fetch":   CapNetworkFetch,
	"web_search":  CapNetworkFetch,
	"read":        CapFilesystemRead,
	"write":       CapFilesystemWrite,
	"edit":        CapFilesystemWrite,
	"apply_patch": CapFilesystemWrite,
	"model":       CapModelInvoke,
	"plugin":      CapPluginLoad,
}

// ToolCapability infers the capability a tool call exercises from the tool
// name.
func ToolCapability(tool string) Capability {
	name := strings.ToLower(strings.TrimSpace(tool))
	if c, ok := toolCapabilities[name]; ok {
		return c
	}
	return CapToolInvoke
}
