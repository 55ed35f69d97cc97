package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
	"github.com/JakeFAU/defense-newsdesk/internal/normalize"
)

// ErrEmptyDigest is returned when the generator produced no headline.
var ErrEmptyDigest = errors.New("generated digest has no headline")

// ErrNoCitations is returned when none of a cluster's members can be cited.
var ErrNoCitations = errors.New("cluster has no citable members")

// Instruction is the editorial brief sent with every generation call.
const Instruction = `You are the duty editor of a defense news desk. Write a digest of the story
described by the citations below.

Rules:
- Use only facts stated in the citations and excerpts. Do not add names, figures or dates
  that do not appear there.
- headline: one line, at most 90 characters, no clickbait.
- dek: one or two sentences expanding the headline.
- key_points: three to five short bullet sentences, most important first.
- why_it_matters: two sentences on the programmatic, budget or strategic significance.
- risk_level: "low", "medium" or "high" for how contested or sensitive the story is.
- If the story is press-release driven, say that the evidence is mostly official statements.`

// DigestEngine turns a cluster into a grounded StoryDigest.
type DigestEngine struct {
	generator newsdesk.Generator
	clock     newsdesk.Clock
	policy    Policy
	logger    *zap.Logger
}

// NewDigestEngine constructs a DigestEngine.
func NewDigestEngine(generator newsdesk.Generator, clock newsdesk.Clock, policy Policy, logger *zap.Logger) *DigestEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DigestEngine{generator: generator, clock: clock, policy: policy.WithDefaults(), logger: logger}
}

// Citations builds the citation list for c from its own members only.
// Members are ranked by citation worthiness; opinion citations are held to
// the policy's opinion ceiling unless nothing else is citable.
func (d *DigestEngine) Citations(
	c newsdesk.StoryCluster,
	articles map[string]newsdesk.ArticleRecord,
	sources map[string]newsdesk.SourceRecord,
) []newsdesk.Citation {
	members := append([]newsdesk.ClusterMember(nil), c.Members...)
	sort.Slice(members, func(i, j int) bool { return memberLess(members[i], members[j]) })

	var regular, opinion []newsdesk.Citation
	for _, m := range members {
		a, ok := articles[m.ArticleID]
		if !ok {
			continue
		}
		citation := newsdesk.Citation{
			ArticleID:  m.ArticleID,
			Headline:   a.Title,
			SourceName: sourceName(sources, m.SourceID),
			URL:        a.URL,
			SourceRole: m.Role,
		}
		if citation.URL == "" {
			citation.URL = a.CanonicalURL
		}
		if m.Role == newsdesk.RoleOpinion {
			opinion = append(opinion, citation)
		} else {
			regular = append(regular, citation)
		}
	}

	if len(regular) > d.policy.MaxCitations {
		regular = regular[:d.policy.MaxCitations]
	}
	allowed := 1
	if len(regular) > 0 {
		ceiling := d.policy.OpinionCeiling
		allowed = int(math.Floor(ceiling*float64(len(regular))/(1-ceiling) + 1e-9))
	}
	if room := d.policy.MaxCitations - len(regular); allowed > room {
		allowed = room
	}
	if allowed < len(opinion) {
		opinion = opinion[:max(allowed, 0)]
	}

	out := append(regular, opinion...)
	order := make(map[string]int, len(members))
	for i, m := range members {
		order[m.ArticleID] = i
	}
	sort.SliceStable(out, func(i, j int) bool { return order[out[i].ArticleID] < order[out[j].ArticleID] })
	return out
}

// Context assembles the grounding material for the generator.
func (d *DigestEngine) Context(
	c newsdesk.StoryCluster,
	citations []newsdesk.Citation,
	articles map[string]newsdesk.ArticleRecord,
) newsdesk.DigestContext {
	excerpts := make([]string, 0, len(citations))
	for _, citation := range citations {
		a := articles[citation.ArticleID]
		text := a.Summary
		if strings.TrimSpace(a.Body) != "" {
			text = a.Body
		}
		excerpts = append(excerpts, normalize.Truncate(strings.Join(strings.Fields(text), " "), d.policy.ExcerptRunes))
	}
	topic := c.TopicLabel
	if topic == "" {
		topic = c.Topic
	}
	return newsdesk.DigestContext{
		ClusterKey:         c.Key,
		Topic:              topic,
		ArticleCount24h:    c.ArticleCount24h,
		UniqueSources24h:   c.UniqueSources24h,
		PressReleaseDriven: c.PressReleaseDriven,
		OpinionLimited:     c.OpinionLimited,
		Citations:          citations,
		Excerpts:           excerpts,
	}
}

// Digest generates a digest for c. On error nothing should be persisted:
// the caller keeps the prior digest and flags the cluster for retry.
func (d *DigestEngine) Digest(
	ctx context.Context,
	c newsdesk.StoryCluster,
	articles map[string]newsdesk.ArticleRecord,
	sources map[string]newsdesk.SourceRecord,
) (newsdesk.StoryDigest, error) {
	citations := d.Citations(c, articles, sources)
	if len(citations) == 0 {
		return newsdesk.StoryDigest{}, fmt.Errorf("digest %s: %w", c.Key, ErrNoCitations)
	}
	generated, err := d.generator.Generate(ctx, Instruction, d.Context(c, citations, articles))
	if err != nil {
		return newsdesk.StoryDigest{}, fmt.Errorf("generate digest %s: %w", c.Key, err)
	}
	if strings.TrimSpace(generated.Headline) == "" {
		return newsdesk.StoryDigest{}, fmt.Errorf("generate digest %s: %w", c.Key, ErrEmptyDigest)
	}

	return newsdesk.StoryDigest{
		ClusterKey:     c.Key,
		Headline:       strings.TrimSpace(generated.Headline),
		Dek:            strings.TrimSpace(generated.Dek),
		KeyPoints:      cleanPoints(generated.KeyPoints),
		WhyItMatters:   strings.TrimSpace(generated.WhyItMatters),
		RiskLevel:      normalizeRisk(generated.RiskLevel),
		Citations:      citations,
		CitationCount:  len(citations),
		GenerationMode: newsdesk.ModeAutomated,
		ReviewStatus:   newsdesk.ReviewNeeded,
		GeneratedAt:    d.now(),
	}, nil
}

func (d *DigestEngine) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}

func normalizeRisk(level newsdesk.RiskLevel) newsdesk.RiskLevel {
	switch newsdesk.RiskLevel(strings.ToLower(strings.TrimSpace(string(level)))) {
	case newsdesk.RiskLow:
		return newsdesk.RiskLow
	case newsdesk.RiskHigh:
		return newsdesk.RiskHigh
	default:
		return newsdesk.RiskMedium
	}
}

func cleanPoints(points []string) []string {
	out := make([]string, 0, len(points))
	for _, p := range points {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sourceName(sources map[string]newsdesk.SourceRecord, id string) string {
	if s, ok := sources[id]; ok && s.Name != "" {
		return s.Name
	}
	return id
}
