// Package topics tags articles with defense topics using an Aho-Corasick
// keyword automaton.
package topics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

const (
	tfWeight       = 0.6
	coverageWeight = 0.4
	defaultMaxTags = 3
)

// tfNormalization is the log-scaled hit count that maps to a full TF score.
var tfNormalization = math.Log1p(4)

// Rule is one topic definition.
type Rule struct {
	ID            int      `mapstructure:"id"`
	Slug          string   `mapstructure:"slug"`
	Label         string   `mapstructure:"label"`
	Keywords      []string `mapstructure:"keywords"`
	Priority      int      `mapstructure:"priority"`
	MinConfidence float64  `mapstructure:"min_confidence"`
}

type ruleRef struct {
	rule    *Rule
	keyword int
}

// Engine matches every rule in a single pass over the article text.
type Engine struct {
	mu       sync.RWMutex
	matcher  *ahocorasick.Matcher
	rules    []*Rule
	keywords []string
	refs     map[string][]ruleRef
	maxTags  int
	logger   *zap.Logger
}

var _ newsdesk.Classifier = (*Engine)(nil)

// New builds an Engine. maxTags <= 0 keeps the three best topics.
func New(rules []Rule, maxTags int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTags <= 0 {
		maxTags = defaultMaxTags
	}
	e := &Engine{maxTags: maxTags, logger: logger}
	e.load(rules)
	logger.Info("topic engine initialized",
		zap.Int("rules", len(e.rules)),
		zap.Int("keywords", len(e.keywords)))
	return e
}

// Reload swaps the rule set atomically.
func (e *Engine) Reload(rules []Rule) {
	e.mu.Lock()
	e.load(rules)
	n := len(e.rules)
	e.mu.Unlock()
	e.logger.Info("topic rules reloaded", zap.Int("rules", n))
}

// load must be called with mu held or before the engine is shared.
func (e *Engine) load(rules []Rule) {
	e.rules = make([]*Rule, 0, len(rules))
	e.keywords = nil
	e.refs = make(map[string][]ruleRef)
	for i := range rules {
		r := rules[i]
		if r.Slug == "" || len(r.Keywords) == 0 {
			continue
		}
		e.rules = append(e.rules, &r)
	}
	for _, r := range e.rules {
		for idx, kw := range r.Keywords {
			pattern := keywordPattern(kw)
			if pattern == "" {
				continue
			}
			if _, seen := e.refs[pattern]; !seen {
				e.keywords = append(e.keywords, pattern)
			}
			e.refs[pattern] = append(e.refs[pattern], ruleRef{rule: r, keyword: idx})
		}
	}
	e.matcher = nil
	if len(e.keywords) > 0 {
		e.matcher = ahocorasick.NewStringMatcher(e.keywords)
	}
}

type match struct {
	rule   *Rule
	hits   map[int]bool
	score  float64
	topHit int
}

// Classify returns the matching topics, best first; the first is primary.
// An empty result means nothing matched.
func (e *Engine) Classify(ctx context.Context, article newsdesk.ArticleRecord) ([]newsdesk.TopicAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("classify %s: %w", article.ID, err)
	}
	text := normalizeText(article.Title + " " + article.Summary + " " + article.Body)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.matcher == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}

	byRule := make(map[*Rule]*match)
	for _, hit := range e.matcher.MatchThreadSafe([]byte(text)) {
		if hit < 0 || hit >= len(e.keywords) {
			continue
		}
		for _, ref := range e.refs[e.keywords[hit]] {
			m := byRule[ref.rule]
			if m == nil {
				m = &match{rule: ref.rule, hits: make(map[int]bool)}
				byRule[ref.rule] = m
			}
			m.hits[ref.keyword] = true
		}
	}

	matches := make([]*match, 0, len(byRule))
	for _, m := range byRule {
		unique := len(m.hits)
		coverage := float64(unique) / float64(len(m.rule.Keywords))
		tf := math.Min(1, math.Log1p(float64(unique))/tfNormalization)
		m.score = math.Round((tf*tfWeight+coverage*coverageWeight)*1000) / 1000
		if m.score < m.rule.MinConfidence {
			continue
		}
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority > b.rule.Priority
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.rule.Slug < b.rule.Slug
	})
	if len(matches) > e.maxTags {
		matches = matches[:e.maxTags]
	}

	out := make([]newsdesk.TopicAssignment, len(matches))
	for i, m := range matches {
		out[i] = newsdesk.TopicAssignment{
			TopicID:   m.rule.ID,
			Slug:      m.rule.Slug,
			Label:     m.rule.Label,
			IsPrimary: i == 0,
			Score:     m.score,
		}
	}
	return out, nil
}

// keywordPattern lowercases kw and anchors it at a word start so "ai" does
// not fire inside "said" while "missile" still matches "missiles".
func keywordPattern(kw string) string {
	kw = strings.TrimSpace(normalizeText(kw))
	if kw == "" {
		return ""
	}
	return " " + strings.Join(strings.Fields(kw), " ")
}

func normalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 1)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return b.String()
}
