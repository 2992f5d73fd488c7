// Package reasoning wraps the google/mangle Datalog engine for the one
// query the coordination plane's router makes: "which of these agents
// are actually eligible for this task" given declared capabilities and
// status. It is a narrower sibling of the teacher's internal/core.Kernel
// (internal/core/kernel.go: parse.Unit -> analysis.AnalyzeOneUnit ->
// engine.EvalProgramWithStats -> store.GetFacts) — the orchestrator has no
// need for the teacher's schema/policy/learned-rule layering, hot-reload,
// or autopoiesis, so this keeps the parse-analyze-evaluate-query shape and
// drops the rest.
package reasoning

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// eligibilityRules declares the two predicates the coordination plane
// evaluates: every capability a task requires must be backed by a
// declared agent capability, and the agent's own status must be active.
const eligibilityRules = `
Decl agent_active(Agent).
Decl agent_missing_capability(Agent, Cap).

missing_capability(Agent) :-
	agent_missing_capability(Agent, _).

eligible(Agent) :-
	agent_active(Agent),
	!missing_capability(Agent).
`

// Engine evaluates capability/eligibility facts for one routing decision at
// a time. It is not a long-lived fact store: Eligible rebuilds the EDB on
// every call, mirroring the teacher's evaluate() pattern of "fresh store,
// fixpoint, read back" rather than incremental assertion.
type Engine struct {
	mu          sync.Mutex
	programInfo *analysis.ProgramInfo
}

// New parses and analyzes the eligibility program once; subsequent calls
// to Eligible reuse the compiled programInfo the way the teacher's kernel
// caches its rebuilt program across evaluate() calls.
func New() (*Engine, error) {
	parsed, err := parse.Unit(strings.NewReader(eligibilityRules))
	if err != nil {
		return nil, fmt.Errorf("parse eligibility rules: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("analyze eligibility rules: %w", err)
	}
	return &Engine{programInfo: info}, nil
}

// Candidate is one agent under consideration for a routing decision.
type Candidate struct {
	AgentID      string
	Active       bool
	Capabilities map[string]bool
}

// Eligible returns the subset of candidates that are active and whose
// declared capabilities are a superset of required.
func (e *Engine) Eligible(candidates []Candidate, required []string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// name() sanitizes ids into the Mangle name charset, which is lossy
	// (hyphens in a uuid collapse to underscores); keep the reverse
	// mapping explicitly instead of trying to recover the original id
	// from the fact store's constant.
	bySanitized := make(map[string]string, len(candidates))

	store := factstore.NewSimpleInMemoryStore()
	for _, c := range candidates {
		bySanitized[name(c.AgentID).Symbol] = c.AgentID
		if c.Active {
			if err := assertFact(store, "agent_active", name(c.AgentID)); err != nil {
				return nil, err
			}
		}
		for _, cap := range required {
			if !c.Capabilities[cap] {
				if err := assertFact(store, "agent_missing_capability", name(c.AgentID), name(cap)); err != nil {
					return nil, err
				}
			}
		}
	}

	if _, err := engine.EvalProgramWithStats(e.programInfo, store); err != nil {
		return nil, fmt.Errorf("evaluate eligibility: %w", err)
	}

	var eligible []string
	pred := findPredicate(e.programInfo, "eligible")
	if pred == nil {
		return nil, nil
	}
	if err := store.GetFacts(ast.NewQuery(*pred), func(a ast.Atom) error {
		if len(a.Args) != 1 {
			return nil
		}
		if c, ok := a.Args[0].(ast.Constant); ok {
			if original, ok := bySanitized[c.Symbol]; ok {
				eligible = append(eligible, original)
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("query eligible: %w", err)
	}
	return eligible, nil
}

func findPredicate(info *analysis.ProgramInfo, symbol string) *ast.PredicateSym {
	for pred := range info.Decls {
		if pred.Symbol == symbol {
			p := pred
			return &p
		}
	}
	return nil
}

func assertFact(store factstore.FactStore, predicate string, args ...ast.BaseTerm) error {
	atom := ast.NewAtom(predicate, args...)
	store.Add(atom)
	return nil
}

// name sanitizes an arbitrary agent id or capability string into a Mangle
// name constant by prefixing it and stripping characters Mangle names
// disallow; ids are generated by this codebase (uuid) so collisions across
// sanitization are not a concern in practice.
func name(s string) ast.Constant {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	c, err := ast.Name("/" + safe)
	if err != nil {
		// Falls back to a string constant; callers only compare identity
		// against the original candidate list, so this remains correct.
		return ast.String(s)
	}
	return c
}
