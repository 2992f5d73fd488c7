// Package streamname provides the single canonical stream-naming rule
// for per-agent-type input streams (spec §9, §6).
//
// The system this orchestrator is grounded on once carried both a
// canonical name and a legacy suffixed alias ("agent:<t>:input" vs
// "agent:<t>_agent:input") to stay compatible with an older deployment.
// That dual-naming scheme is a transitional concern the spec explicitly
// allows dropping in a greenfield implementation: this package exposes
// exactly one name per agent type.
package streamname

import "strings"

// ForAgentType returns the canonical input stream name for agentType.
// Normalization strips a redundant "_agent" suffix so "coding" and
// "coding_agent" resolve to the same stream.
func ForAgentType(agentType string) string {
	return "agent:" + Normalize(agentType) + ":input"
}

// Normalize strips a trailing "_agent" suffix from an agent type name so
// callers that pass either form route to the same stream.
func Normalize(agentType string) string {
	return strings.TrimSuffix(agentType, "_agent")
}
