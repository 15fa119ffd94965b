package guard

import (
	"regexp"
	"strings"

	"github.com/msimon42/openclaw-sub000/internal/audit"
)

// Command-text patterns, compiled once at construction. Critical patterns
// identify destructive or remote-execution commands; high patterns identify
// privilege and deletion footguns.
var (
	criticalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bmkfs\.`),
		regexp.MustCompile(`(?i)\bdd\s+if=`),
		regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
	}

	highPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`),
		regexp.MustCompile(`(?i)\bInvoke-Expression\b`),
		regexp.MustCompile(`(?i)\bchmod\s+777\b`),
		regexp.MustCompile(`(?i)\bpowershell\b[^\n]*-enc`),
		regexp.MustCompile(`\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
	}
)

var (
	shellTools = map[string]bool{"exec": true, "bash": true, "shell": true}
	editTools  = map[string]bool{"apply_patch": true, "edit": true, "write": true}
	webTools   = map[string]bool{"web_fetch": true, "web_search": true}
)

// classifier assigns a risk tier from tool identity plus command text.
type classifier struct {
	highRiskTools map[string]bool
}

func newClassifier(highRiskTools []string) *classifier {
	set := make(map[string]bool, len(highRiskTools))
	for _, t := range highRiskTools {
		set[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return &classifier{highRiskTools: set}
}

// Classify returns the risk tier for one tool call. Shell tools never fall
// below high; command text can promote them to critical.
func (c *classifier) Classify(tool, command string) audit.RiskTier {
	name := strings.ToLower(strings.TrimSpace(tool))

	if c.highRiskTools[name] {
		return audit.RiskHigh
	}

	switch {
	case shellTools[name]:
		for _, p := range criticalPatterns {
			if p.MatchString(command) {
				return audit.RiskCritical
			}
		}
		for _, p := range highPatterns {
			if p.MatchString(command) {
				return audit.RiskHigh
			}
		}
		return audit.RiskHigh
	case editTools[name]:
		return audit.RiskMedium
	case webTools[name]:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}
