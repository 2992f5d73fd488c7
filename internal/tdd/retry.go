package tdd

import (
	"regexp"
	"strings"
	"time"
)

// FailureCategory classifies a TDD implementation failure (spec §4.3).
type FailureCategory string

const (
	CategorySyntax      FailureCategory = "syntax"
	CategoryTestFailure FailureCategory = "test_failure"
	CategoryImport      FailureCategory = "import"
)

// Failure is one implementation-attempt failure fed to shouldRetry/hint
// synthesis (spec §4.3).
type Failure struct {
	Category    FailureCategory
	Message     string
	TestOutputs []string // raw per-test failure text, for hint synthesis
}

var nonRetryablePattern = regexp.MustCompile(`(?i)permission denied|disk full|timeout|memory|recursion`)

// categoryPolicy is the per-category backoff from spec §4.3.
var categoryPolicy = map[FailureCategory]struct {
	maxAttempts int
	backoff     time.Duration
}{
	CategorySyntax:      {maxAttempts: 2, backoff: 1 * time.Second},
	CategoryTestFailure: {maxAttempts: 3, backoff: 2 * time.Second},
	CategoryImport:      {maxAttempts: 2, backoff: 1 * time.Second},
}

// RetryPolicy implements the spec §4.3 shouldRetry/backoff/stagnation
// machinery, grounded on the original's retry_coordinator.py.
type RetryPolicy struct {
	MaxRetries           int
	MaxStagnationRetries int

	history []Failure // most recent failures, oldest first, used for stagnation detection
}

// NewRetryPolicy constructs a RetryPolicy with the given caps.
func NewRetryPolicy(maxRetries, maxStagnationRetries int) *RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if maxStagnationRetries <= 0 {
		maxStagnationRetries = 2
	}
	return &RetryPolicy{MaxRetries: maxRetries, MaxStagnationRetries: maxStagnationRetries}
}

// SeedHistory preloads previously observed failure messages so stagnation
// detection spans separately constructed policies (the TDD flow persists
// the window on the feature record and rebuilds the policy per attempt).
func (p *RetryPolicy) SeedHistory(messages []string, category FailureCategory) {
	for _, m := range messages {
		p.history = append(p.history, Failure{Category: category, Message: m})
	}
	if len(p.history) > 3 {
		p.history = p.history[len(p.history)-3:]
	}
}

// ShouldRetry implements spec §4.3's shouldRetry(failure, attempt).
func (p *RetryPolicy) ShouldRetry(failure Failure, attempt int) bool {
	p.history = append(p.history, failure)
	if len(p.history) > 3 {
		p.history = p.history[len(p.history)-3:]
	}

	if attempt >= p.MaxRetries {
		return false
	}
	if failure.Category == CategoryImport {
		return false
	}
	if nonRetryablePattern.MatchString(failure.Message) {
		return false
	}

	if p.isStagnant() && attempt >= p.MaxStagnationRetries {
		return false
	}

	policy, ok := categoryPolicy[failure.Category]
	if ok && attempt >= policy.maxAttempts {
		return false
	}
	return true
}

// Backoff returns the per-category backoff duration for failure.
func (p *RetryPolicy) Backoff(failure Failure) time.Duration {
	if policy, ok := categoryPolicy[failure.Category]; ok {
		return policy.backoff
	}
	return 1 * time.Second
}

// isStagnant detects when the last three failures share >= 5 tokens in
// common (spec §4.3).
func (p *RetryPolicy) isStagnant() bool {
	if len(p.history) < 3 {
		return false
	}
	sets := make([]map[string]bool, 3)
	for i, f := range p.history[len(p.history)-3:] {
		sets[i] = tokenSet(f.Message)
	}
	common := 0
	for tok := range sets[0] {
		if sets[1][tok] && sets[2][tok] {
			common++
		}
	}
	return common >= 5
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[strings.ToLower(tok)] = true
	}
	return set
}
