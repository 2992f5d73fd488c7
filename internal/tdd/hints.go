package tdd

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	missingModulePattern = regexp.MustCompile(`(?i)no module named '?([\w.]+)'?|cannot find package "?([\w./-]+)"?`)
	assertionPattern     = regexp.MustCompile(`(?i)expected[: ]+(.+?)[,;]?\s+(?:but\s+)?got[: ]+(.+)`)
	missingAttrPattern   = regexp.MustCompile(`(?i)has no attribute '?(\w+)'?|undefined field (\w+)`)
	undefinedNamePattern = regexp.MustCompile(`(?i)name '?(\w+)'? is not defined|undefined: (\w+)`)
)

// Hint is one actionable suggestion derived from a failure (spec §4.3:
// "up to 5 actionable hints derived from failures").
type Hint struct {
	Kind    string
	Message string
}

// DeriveHints extracts up to 5 actionable hints from failure's raw test
// outputs (spec §4.3).
func DeriveHints(failure Failure) []Hint {
	var hints []Hint
	add := func(kind, msg string) {
		if len(hints) < 5 {
			hints = append(hints, Hint{Kind: kind, Message: msg})
		}
	}

	texts := failure.TestOutputs
	if len(texts) == 0 {
		texts = []string{failure.Message}
	}

	for _, text := range texts {
		if len(hints) >= 5 {
			break
		}
		if m := missingModulePattern.FindStringSubmatch(text); m != nil {
			mod := firstNonEmpty(m[1], m[2])
			add("missing_module", fmt.Sprintf("install or implement missing module/package %q", mod))
		}
		if m := assertionPattern.FindStringSubmatch(text); m != nil {
			add("assertion_mismatch", fmt.Sprintf("expected %q but got %q", strings.TrimSpace(m[1]), strings.TrimSpace(m[2])))
		}
		if m := missingAttrPattern.FindStringSubmatch(text); m != nil {
			attr := firstNonEmpty(m[1], m[2])
			add("missing_attribute", fmt.Sprintf("add missing attribute/field %q", attr))
		}
		if m := undefinedNamePattern.FindStringSubmatch(text); m != nil {
			name := firstNonEmpty(m[1], m[2])
			add("undefined_name", fmt.Sprintf("define missing name %q", name))
		}
	}
	return hints
}

func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// Progression summarizes how many tests newly pass vs persistently fail
// across test runs (spec §4.3's "progression summary").
type Progression struct {
	NewlyPassing int
	StillFailing int
}

// Summarize compares the last two test runs in history.
func Summarize(history []TestRunRecord) Progression {
	if len(history) < 2 {
		return Progression{}
	}
	prev := history[len(history)-2]
	last := history[len(history)-1]
	newlyPassing := prev.Failed - last.Failed
	if newlyPassing < 0 {
		newlyPassing = 0
	}
	return Progression{NewlyPassing: newlyPassing, StillFailing: last.Failed}
}

// RetryPrompt synthesizes the enhanced retry prompt described in spec
// §4.3: category, primary failure type, up to 5 hints, and a progression
// summary.
func RetryPrompt(failure Failure, hints []Hint, progression Progression) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Retry needed. Category: %s\n", failure.Category))
	sb.WriteString(fmt.Sprintf("Primary failure: %s\n", failure.Message))
	if progression.NewlyPassing > 0 || progression.StillFailing > 0 {
		sb.WriteString(fmt.Sprintf("Progress: %d newly passing, %d still failing\n", progression.NewlyPassing, progression.StillFailing))
	}
	if len(hints) > 0 {
		sb.WriteString("Hints:\n")
		for _, h := range hints {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", h.Kind, h.Message))
		}
	}
	return sb.String()
}
