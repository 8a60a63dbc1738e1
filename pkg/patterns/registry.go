// Package patterns provides a centralized, high-performance pattern registry
// for smishing detection. All regex patterns are compiled once at package
// init and shared across stages and their heuristic fallbacks.
//
// Design principles:
// - COMPILE ONCE: All patterns compiled at init, not per-message
// - DRY: Single source of truth for lure/URL/script patterns
// - CATEGORIZED: Patterns organized by category for targeted scans
package patterns

import (
	"regexp"
	"sync"
)

// Category represents a pattern category
type Category string

const (
	// Message-text categories
	CategoryUrgency         Category = "urgency"
	CategoryCredentialLure  Category = "credential_lure"
	CategoryRewardLure      Category = "reward_lure"
	CategoryThreat          Category = "threat"
	CategoryImpersonation   Category = "impersonation"
	CategoryGenericGreeting Category = "generic_greeting"

	// Page/script categories
	CategorySuspiciousJS  Category = "suspicious_js"
	CategorySensitiveForm Category = "sensitive_form"
)

// Pattern holds a compiled regex with metadata
type Pattern struct {
	Name        string         // Human-readable name for logging
	Regex       *regexp.Regexp // Compiled regex (never nil after init)
	Category    Category       // Pattern category
	Severity    int            // Risk score contribution (0-100)
	Description string         // What this pattern detects
}

// Registry holds all compiled patterns, organized by category
type Registry struct {
	mu         sync.RWMutex
	byCategory map[Category][]*Pattern
	all        []*Pattern
}

// global singleton - initialized once at package load
var (
	globalRegistry *Registry
	initOnce       sync.Once
)

// Get returns the global pattern registry (singleton)
// Thread-safe and guaranteed to be initialized
func Get() *Registry {
	initOnce.Do(func() {
		globalRegistry = newRegistry()
	})
	return globalRegistry
}

func newRegistry() *Registry {
	r := &Registry{
		byCategory: make(map[Category][]*Pattern),
		all:        make([]*Pattern, 0, 64),
	}

	r.registerUrgencyPatterns()
	r.registerCredentialLurePatterns()
	r.registerRewardLurePatterns()
	r.registerThreatPatterns()
	r.registerImpersonationPatterns()
	r.registerGreetingPatterns()
	r.registerSuspiciousJSPatterns()
	r.registerSensitiveFormPatterns()

	return r
}

// register adds a pattern to the registry (internal use only)
func (r *Registry) register(name string, pattern string, category Category, severity int, description string) {
	compiled := regexp.MustCompile(pattern)
	p := &Pattern{
		Name:        name,
		Regex:       compiled,
		Category:    category,
		Severity:    severity,
		Description: description,
	}

	r.byCategory[category] = append(r.byCategory[category], p)
	r.all = append(r.all, p)
}

// GetByCategory returns all patterns for a specific category
// Returns empty slice if category not found (never nil)
func (r *Registry) GetByCategory(cat Category) []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if patterns, ok := r.byCategory[cat]; ok {
		return patterns
	}
	return []*Pattern{}
}

// MatchAny checks if text matches any pattern in the given categories.
// Returns the first matching pattern or nil (early exit on first match).
func (r *Registry) MatchAny(text string, cats ...Category) *Pattern {
	for _, cat := range cats {
		for _, p := range r.GetByCategory(cat) {
			if p.Regex.MatchString(text) {
				return p
			}
		}
	}
	return nil
}

// MatchAll returns all patterns that match the text in the given categories.
// Use when you need to know ALL matches (for comprehensive scoring).
func (r *Registry) MatchAll(text string, cats ...Category) []*Pattern {
	var matches []*Pattern
	for _, cat := range cats {
		for _, p := range r.GetByCategory(cat) {
			if p.Regex.MatchString(text) {
				matches = append(matches, p)
			}
		}
	}
	return matches
}

// Score sums the severities of every matching pattern in the categories.
func (r *Registry) Score(text string, cats ...Category) int {
	total := 0
	for _, p := range r.MatchAll(text, cats...) {
		total += p.Severity
	}
	return total
}

// TotalPatterns returns the number of registered patterns.
func (r *Registry) TotalPatterns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}
