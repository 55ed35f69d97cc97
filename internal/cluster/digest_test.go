package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/defense-newsdesk/internal/clock/system"
	"github.com/JakeFAU/defense-newsdesk/internal/generator"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

func clusterOf(t *testing.T, articles []newsdesk.ArticleRecord, now time.Time) newsdesk.StoryCluster {
	t.Helper()
	res := NewEngine(DefaultPolicy(), nil).Cluster(articles, nil, scenarioRoles(), now)
	require.Len(t, res.Active, 1)
	return res.Active[0]
}

func byID(articles []newsdesk.ArticleRecord) map[string]newsdesk.ArticleRecord {
	out := make(map[string]newsdesk.ArticleRecord, len(articles))
	for _, a := range articles {
		out[a.ID] = a
	}
	return out
}

func TestCitationsAreGroundedAndOpinionCapped(t *testing.T) {
	t.Parallel()

	var articles []newsdesk.ArticleRecord
	for i := 0; i < 4; i++ {
		articles = append(articles, tagged(fmt.Sprintf("r%d", i), "bd", t0.Add(time.Duration(i)*time.Minute), hypersonics))
	}
	for i := 0; i < 3; i++ {
		articles = append(articles, tagged(fmt.Sprintf("op%d", i), "op", t0.Add(time.Duration(i)*time.Minute), hypersonics))
	}
	c := clusterOf(t, articles, t0.Add(time.Hour))

	lookup := byID(articles)
	lookup["foreign"] = tagged("foreign", "bd", t0, hypersonics)
	d := NewDigestEngine(nil, nil, DefaultPolicy(), nil)
	citations := d.Citations(c, lookup, map[string]newsdesk.SourceRecord{"bd": {ID: "bd", Name: "Breaking Defense"}})

	members := make(map[string]bool)
	for _, id := range c.MemberIDs() {
		members[id] = true
	}
	opinions := 0
	for _, citation := range citations {
		require.True(t, members[citation.ArticleID], citation.ArticleID)
		if citation.SourceRole == newsdesk.RoleOpinion {
			opinions++
		}
	}
	require.Len(t, citations, 5)
	require.Equal(t, 1, opinions)
	require.LessOrEqual(t, float64(opinions)/float64(len(citations)), 0.2)
	require.Equal(t, "r0", citations[0].ArticleID)
	require.Equal(t, "Breaking Defense", citations[0].SourceName)
	require.Equal(t, "op", citations[4].SourceName)
}

func TestCitationsRespectMaxAndOpinionOnlyClusters(t *testing.T) {
	t.Parallel()

	var articles []newsdesk.ArticleRecord
	for i := 0; i < 12; i++ {
		articles = append(articles, tagged(fmt.Sprintf("r%02d", i), "bd", t0.Add(time.Duration(i)*time.Minute), hypersonics))
	}
	c := clusterOf(t, articles, t0.Add(time.Hour))
	d := NewDigestEngine(nil, nil, Policy{MaxCitations: 4}, nil)
	require.Len(t, d.Citations(c, byID(articles), nil), 4)

	opinionOnly := []newsdesk.ArticleRecord{
		tagged("op1", "op", t0, hypersonics),
		tagged("op2", "op", t0.Add(time.Minute), hypersonics),
	}
	c = clusterOf(t, opinionOnly, t0.Add(time.Hour))
	got := NewDigestEngine(nil, nil, DefaultPolicy(), nil).Citations(c, byID(opinionOnly), nil)
	require.Len(t, got, 1)
	require.Equal(t, "op1", got[0].ArticleID)
}

func TestDigestShapesGeneratorOutput(t *testing.T) {
	t.Parallel()

	articles := []newsdesk.ArticleRecord{
		tagged("a1", "army", t0, hypersonics),
		tagged("a2", "bd", t0.Add(time.Hour), hypersonics),
	}
	c := clusterOf(t, articles, t0.Add(2*time.Hour))
	now := t0.Add(2 * time.Hour)

	gen := &generator.MockGenerator{}
	gen.On("Generate", mock.Anything, Instruction, mock.MatchedBy(func(dc newsdesk.DigestContext) bool {
		return dc.ClusterKey == c.Key && len(dc.Citations) == 2 && len(dc.Excerpts) == 2 && dc.Topic == "Hypersonics"
	})).Return(newsdesk.GeneratedDigest{
		Headline:     "  Army flies Dark Eagle  ",
		Dek:          "A hypersonic test.",
		KeyPoints:    []string{"one", " ", "two"},
		WhyItMatters: "Fielding.",
		RiskLevel:    "SEVERE",
	}, nil).Once()

	d := NewDigestEngine(gen, system.NewFixed(now), DefaultPolicy(), nil)
	digest, err := d.Digest(context.Background(), c, byID(articles), nil)
	require.NoError(t, err)
	gen.AssertExpectations(t)

	require.Equal(t, c.Key, digest.ClusterKey)
	require.Equal(t, "Army flies Dark Eagle", digest.Headline)
	require.Equal(t, []string{"one", "two"}, digest.KeyPoints)
	require.Equal(t, newsdesk.RiskMedium, digest.RiskLevel)
	require.Equal(t, newsdesk.ModeAutomated, digest.GenerationMode)
	require.Equal(t, newsdesk.ReviewNeeded, digest.ReviewStatus)
	require.Equal(t, now, digest.GeneratedAt)
	require.Equal(t, 2, digest.CitationCount)
	require.Equal(t, []string{"a1", "a2"}, []string{digest.Citations[0].ArticleID, digest.Citations[1].ArticleID})
}

func TestDigestFailures(t *testing.T) {
	t.Parallel()

	articles := []newsdesk.ArticleRecord{tagged("a1", "army", t0, hypersonics)}
	c := clusterOf(t, articles, t0)

	gen := &generator.MockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(newsdesk.GeneratedDigest{}, errors.New("rate limited")).Once()
	gen.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(newsdesk.GeneratedDigest{Headline: " "}, nil).Once()
	d := NewDigestEngine(gen, nil, DefaultPolicy(), nil)

	_, err := d.Digest(context.Background(), c, byID(articles), nil)
	require.ErrorContains(t, err, "rate limited")

	_, err = d.Digest(context.Background(), c, byID(articles), nil)
	require.ErrorIs(t, err, ErrEmptyDigest)

	_, err = d.Digest(context.Background(), c, nil, nil)
	require.ErrorIs(t, err, ErrNoCitations)
	gen.AssertNumberOfCalls(t, "Generate", 2)
}
