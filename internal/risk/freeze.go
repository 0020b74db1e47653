package risk

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Dennicka/propbot-sub002/internal/core"
)

// FreezeScope is the dimension a freeze rule matches on.
type FreezeScope string

const (
	ScopeGlobal   FreezeScope = "global"
	ScopeStrategy FreezeScope = "strategy"
	ScopeVenue    FreezeScope = "venue"
	ScopeSymbol   FreezeScope = "symbol"
)

// FreezeRule blocks new orders for a scope. Keyed by Reason; re-applying the
// same reason updates the rule in place.
type FreezeRule struct {
	Reason string
	Scope  FreezeScope
	Target string // strategy name, venue, or symbol; empty for global
	Venue  string // optional venue restriction for symbol rules
	Ts     time.Time
}

// FreezeRegistry holds the active freeze rules.
type FreezeRegistry struct {
	mu     sync.RWMutex
	rules  map[string]*FreezeRule
	logger core.ILogger
	now    func() time.Time
}

// NewFreezeRegistry creates an empty registry.
func NewFreezeRegistry(logger core.ILogger) *FreezeRegistry {
	return &FreezeRegistry{
		rules:  make(map[string]*FreezeRule),
		logger: logger.WithField("component", "freeze_registry"),
		now:    time.Now,
	}
}

// Apply upserts a rule by reason. The stored timestamp is monotonic: an upsert
// never moves a rule's ts backwards.
func (r *FreezeRegistry) Apply(rule FreezeRule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.Ts.IsZero() {
		rule.Ts = r.now()
	}
	if existing, ok := r.rules[rule.Reason]; ok && existing.Ts.After(rule.Ts) {
		rule.Ts = existing.Ts
	}
	r.rules[rule.Reason] = &rule
	r.logger.Warn("Freeze applied", "reason", rule.Reason, "scope", rule.Scope, "target", rule.Target)
}

// Clear removes rules whose reason starts with prefix; an empty prefix clears all.
// Returns the number of removed rules.
func (r *FreezeRegistry) Clear(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for reason := range r.rules {
		if strings.HasPrefix(reason, prefix) {
			delete(r.rules, reason)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("Freezes cleared", "prefix", prefix, "removed", removed)
	}
	return removed
}

// IsFrozen reports whether any rule matches the scope, and the first matching
// reason (oldest rule wins for determinism).
func (r *FreezeRegistry) IsFrozen(strategy, venue, symbol string) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]*FreezeRule, 0, len(r.rules))
	for _, rule := range r.rules {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Ts.Equal(rules[j].Ts) {
			return rules[i].Reason < rules[j].Reason
		}
		return rules[i].Ts.Before(rules[j].Ts)
	})

	for _, rule := range rules {
		if ruleMatches(rule, strategy, venue, symbol) {
			return true, rule.Reason
		}
	}
	return false, ""
}

// Rules returns a copy of the active rules, oldest first.
func (r *FreezeRegistry) Rules() []FreezeRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FreezeRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts.Before(out[j].Ts) })
	return out
}

func ruleMatches(rule *FreezeRule, strategy, venue, symbol string) bool {
	switch rule.Scope {
	case ScopeGlobal:
		return true

	case ScopeStrategy:
		if strategy == "" {
			return false
		}
		want := strings.ToLower(rule.Target)
		got := strings.ToLower(strategy)
		if got == want {
			return true
		}
		// strategy carried as "strategy=<name>" tag or "<prefix>::<name>" suffix
		if tag := extractTag(got, "strategy="); tag == want {
			return true
		}
		if i := strings.LastIndex(got, "::"); i >= 0 && got[i+2:] == want {
			return true
		}
		return false

	case ScopeVenue:
		if venue == "" {
			return false
		}
		want := strings.ToLower(rule.Target)
		got := strings.ToLower(venue)
		return got == want || strings.HasPrefix(got, want+"-")

	case ScopeSymbol:
		if symbol == "" {
			return false
		}
		if !strings.EqualFold(rule.Target, symbol) {
			return false
		}
		if rule.Venue != "" && !strings.EqualFold(rule.Venue, venue) {
			return false
		}
		return true
	}
	return false
}

func extractTag(s, prefix string) string {
	i := strings.Index(s, prefix)
	if i < 0 {
		return ""
	}
	rest := s[i+len(prefix):]
	if j := strings.IndexAny(rest, " ,;"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}
