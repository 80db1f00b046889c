// Package rules compiles routing rules and resolves the winning rule for a
// message. Rebuild swaps the compiled set atomically; Match is pure over the
// current set.
package rules

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/hrygo/wxbridge/store"
)

// regexPrefix selects the regular-expression chat pattern dialect.
const regexPrefix = "regex:"

type compiledRule struct {
	rule *store.Rule
	re   *regexp.Regexp // nil unless the pattern uses the regex dialect
}

// Engine holds the compiled enabled-rule set and the enabled-platform id set.
// A rule whose platform is missing or disabled never matches.
type Engine struct {
	store *store.Store

	mu        sync.RWMutex
	compiled  []compiledRule
	platforms map[string]bool
}

// NewEngine creates an engine with an empty rule set; call Rebuild before
// first use.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s, platforms: make(map[string]bool)}
}

// Rebuild reloads enabled rules and platforms from the store and swaps the
// compiled set. On failure the previous set is retained.
func (e *Engine) Rebuild(ctx context.Context) error {
	enabled := true
	ruleList, err := e.store.ListRules(ctx, &store.FindRule{Enabled: &enabled})
	if err != nil {
		return err
	}
	platformList, err := e.store.ListPlatforms(ctx, &store.FindPlatform{Enabled: &enabled})
	if err != nil {
		return err
	}

	compiled := make([]compiledRule, 0, len(ruleList))
	for _, r := range ruleList {
		cr := compiledRule{rule: r}
		if strings.HasPrefix(r.ChatPattern, regexPrefix) {
			re, err := regexp.Compile(strings.TrimPrefix(r.ChatPattern, regexPrefix))
			if err != nil {
				slog.Warn("skipping rule with invalid chat pattern", "rule", r.ID, "pattern", r.ChatPattern, "err", err)
				continue
			}
			cr.re = re
		}
		compiled = append(compiled, cr)
	}

	// ListRules already orders by (priority DESC, id ASC); re-sort anyway so
	// Match never depends on store ordering.
	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].rule, compiled[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	platforms := make(map[string]bool, len(platformList))
	for _, p := range platformList {
		platforms[p.ID] = true
	}

	e.mu.Lock()
	e.compiled = compiled
	e.platforms = platforms
	e.mu.Unlock()

	slog.Info("rule engine rebuilt", "rules", len(compiled), "platforms", len(platforms))
	return nil
}

// Match returns the highest-priority enabled rule matching the message, or
// nil when none does. Deterministic for a fixed rule set. contents carries
// the raw text of each message in the delivery unit; an at-gated rule passes
// when any of them mentions the name.
func (e *Engine) Match(instanceID, chatName string, contents ...string) *store.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cr := range e.compiled {
		r := cr.rule
		if r.InstanceID != store.InstanceWildcard && r.InstanceID != instanceID {
			continue
		}
		if !matchChat(cr, chatName) {
			continue
		}
		if r.OnlyAtMessages && !anyMentioned(contents, r.AtName) {
			continue
		}
		if !e.platforms[r.PlatformID] {
			continue
		}
		return r
	}
	return nil
}

func anyMentioned(contents []string, atName string) bool {
	for _, c := range contents {
		if AtMentioned(c, atName) {
			return true
		}
	}
	return false
}

func matchChat(cr compiledRule, chatName string) bool {
	switch {
	case cr.re != nil:
		return cr.re.MatchString(chatName)
	case cr.rule.ChatPattern == "*":
		return true
	default:
		return cr.rule.ChatPattern == chatName
	}
}

// AtMentioned reports whether content begins, after leading whitespace, with
// "@<atName>" followed by whitespace or end of string.
func AtMentioned(content, atName string) bool {
	if atName == "" {
		return false
	}
	s := strings.TrimLeftFunc(content, unicode.IsSpace)
	if !strings.HasPrefix(s, "@") {
		return false
	}
	s = s[1:]
	if !strings.HasPrefix(s, atName) {
		return false
	}
	rest := s[len(atName):]
	if rest == "" {
		return true
	}
	r := []rune(rest)[0]
	return unicode.IsSpace(r)
}
