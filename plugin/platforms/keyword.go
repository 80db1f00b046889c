package platforms

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/store"
)

func init() {
	RegisterFactory(store.PlatformKeyword, newKeywordPlatform)
}

// maxReplyDelay bounds the configured cooperative delay.
const maxReplyDelay = 60 * time.Second

type keywordMatchType string

const (
	matchExact    keywordMatchType = "exact"
	matchContains keywordMatchType = "contains"
	matchFuzzy    keywordMatchType = "fuzzy"
)

type keywordRule struct {
	keywords      []string
	matchType     keywordMatchType
	replies       []string
	isRandomReply bool
	minDelay      time.Duration
	maxDelay      time.Duration

	mu   sync.Mutex
	next int // rotating reply cursor
}

// keywordPlatform answers from a fixed rule table, no remote calls.
type keywordPlatform struct {
	rules    []*keywordRule
	sendMode SendMode
}

func newKeywordPlatform(p *store.Platform, _ Deps) (Platform, error) {
	rawRules, ok := p.Config["rules"].([]any)
	if !ok {
		return nil, apperr.New(apperr.KindConfig, "keyword platform requires a rules list")
	}

	rules := make([]*keywordRule, 0, len(rawRules))
	for i, raw := range rawRules {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, apperr.New(apperr.KindConfig, "keyword rule %d is not an object", i)
		}
		rule, err := parseKeywordRule(m)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindConfig, fmt.Sprintf("keyword rule %d", i))
		}
		rules = append(rules, rule)
	}

	return &keywordPlatform{
		rules:    rules,
		sendMode: confSendMode(p.Config),
	}, nil
}

func parseKeywordRule(m map[string]any) (*keywordRule, error) {
	keywords := confStringSlice(m, "keywords")
	if len(keywords) == 0 {
		return nil, apperr.New(apperr.KindConfig, "rule has no keywords")
	}
	replies := confStringSlice(m, "replies")
	if len(replies) == 0 {
		return nil, apperr.New(apperr.KindConfig, "rule has no replies")
	}

	matchType := keywordMatchType(confString(m, "match_type", string(matchContains)))
	switch matchType {
	case matchExact, matchContains, matchFuzzy:
	default:
		return nil, apperr.New(apperr.KindConfig, "unknown match_type %q", matchType)
	}

	minDelay := time.Duration(confFloat(m, "min_delay", 0) * float64(time.Second))
	maxDelay := time.Duration(confFloat(m, "max_delay", 0) * float64(time.Second))
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay > maxReplyDelay {
		maxDelay = maxReplyDelay
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}

	return &keywordRule{
		keywords:      keywords,
		matchType:     matchType,
		replies:       replies,
		isRandomReply: confBool(m, "is_random_reply", false),
		minDelay:      minDelay,
		maxDelay:      maxDelay,
	}, nil
}

func confStringSlice(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *keywordPlatform) Kind() store.PlatformType { return store.PlatformKeyword }
func (p *keywordPlatform) SendMode() SendMode       { return p.sendMode }

func (p *keywordPlatform) Initialize(context.Context) error { return nil }

func (p *keywordPlatform) Process(ctx context.Context, req *Request) (*Reply, error) {
	rule := p.firstMatch(req.Content)
	if rule == nil {
		return &Reply{ShouldReply: false}, nil
	}

	if delay := rule.pickDelay(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, apperr.Wrap(ctx.Err(), apperr.KindTimeout, "reply delay interrupted")
		}
	}

	return &Reply{
		Content:     rule.pickReply(),
		ShouldReply: true,
	}, nil
}

func (p *keywordPlatform) Test(context.Context) (*TestResult, error) {
	return &TestResult{OK: true, Detail: "keyword table loaded"}, nil
}

// firstMatch returns the first rule whose keywords match the content by the
// rule's declared match type.
func (p *keywordPlatform) firstMatch(content string) *keywordRule {
	lowered := strings.ToLower(content)
	for _, rule := range p.rules {
		for _, kw := range rule.keywords {
			if matchKeyword(lowered, strings.ToLower(kw), rule.matchType) {
				return rule
			}
		}
	}
	return nil
}

func matchKeyword(content, keyword string, matchType keywordMatchType) bool {
	switch matchType {
	case matchExact:
		return content == keyword
	case matchContains:
		return strings.Contains(content, keyword)
	case matchFuzzy:
		return fuzzyContains(content, keyword)
	default:
		return false
	}
}

// fuzzyContains reports whether every rune of keyword appears in content in
// order, not necessarily adjacent.
func fuzzyContains(content, keyword string) bool {
	runes := []rune(keyword)
	i := 0
	for _, r := range content {
		if i < len(runes) && r == runes[i] {
			i++
		}
	}
	return i == len(runes)
}

func (r *keywordRule) pickDelay() time.Duration {
	if r.maxDelay <= 0 {
		return 0
	}
	if r.maxDelay == r.minDelay {
		return r.minDelay
	}
	return r.minDelay + time.Duration(rand.Int63n(int64(r.maxDelay-r.minDelay)))
}

func (r *keywordRule) pickReply() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRandomReply {
		return r.replies[rand.Intn(len(r.replies))]
	}
	reply := r.replies[r.next%len(r.replies)]
	r.next++
	return reply
}
