package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func article(id string) newsdesk.ArticleRecord {
	ts := t0
	return newsdesk.ArticleRecord{
		ID: id, Title: "Title " + id, Summary: "Summary", URL: "https://example.com/" + id,
		SourceID: "src", PublishedAt: &ts, FetchedAt: t0,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	src := []newsdesk.SourceRecord{{ID: "src", Name: "Source", FeedURL: "https://example.com/feed", Role: newsdesk.RoleReporting}}
	arts := []newsdesk.ArticleRecord{article("u_1"), article("u_2")}

	first, err := s.Upsert(ctx, src, arts)
	require.NoError(t, err)
	second, err := s.Upsert(ctx, src, arts)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, s.ArticleCount())
}

func TestUpsertPartialMerge(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	a := article("u_1")
	a.PublishedAt = &day
	_, err := s.Upsert(ctx, nil, []newsdesk.ArticleRecord{a})
	require.NoError(t, err)
	require.NoError(t, s.SaveContent(ctx, newsdesk.ContentUpdate{ArticleID: "u_1", Status: newsdesk.ContentFetched, Body: "full text", WordCount: 2}))

	precise := day.Add(14*time.Hour + 5*time.Minute)
	_, err = s.Upsert(ctx, nil, []newsdesk.ArticleRecord{{ID: "u_1", Title: "Updated title", SourceID: "src", PublishedAt: &precise}})
	require.NoError(t, err)

	got, err := s.Article(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, "Updated title", got.Title)
	require.Equal(t, "Summary", got.Summary, "empty incoming summary must not erase")
	require.Equal(t, "https://example.com/u_1", got.URL)
	require.Equal(t, precise, *got.PublishedAt)
	require.Equal(t, newsdesk.ContentFetched, got.ContentStatus, "re-ingest keeps enrichment state")
	require.Equal(t, "full text", got.Body)

	later := precise.Add(time.Hour)
	_, err = s.Upsert(ctx, nil, []newsdesk.ArticleRecord{{ID: "u_1", SourceID: "src", PublishedAt: &later}})
	require.NoError(t, err)
	got, err = s.Article(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, precise, *got.PublishedAt, "a precise timestamp is not replaced")
}

func TestDatePrecisionPublishTimeOnlyYieldsToPreciseTime(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	a := article("u_1")
	a.PublishedAt = &day
	_, err := s.Upsert(ctx, nil, []newsdesk.ArticleRecord{a})
	require.NoError(t, err)

	otherDay := day.Add(24 * time.Hour)
	_, err = s.Upsert(ctx, nil, []newsdesk.ArticleRecord{{ID: "u_1", SourceID: "src", PublishedAt: &otherDay}})
	require.NoError(t, err)
	got, err := s.Article(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, day, *got.PublishedAt, "another date-only time is not more precise")

	precise := otherDay.Add(9*time.Hour + 30*time.Minute)
	_, err = s.Upsert(ctx, nil, []newsdesk.ArticleRecord{{ID: "u_1", SourceID: "src", PublishedAt: &precise}})
	require.NoError(t, err)
	got, err = s.Article(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, precise, *got.PublishedAt)
}

func TestConcurrentUpserts(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.Upsert(ctx, nil, []newsdesk.ArticleRecord{article(fmt.Sprintf("u_%d", i%25))})
				require.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 25, s.ArticleCount())
}

func TestSelectionFilters(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	_, err := s.Upsert(ctx, nil, []newsdesk.ArticleRecord{article("u_1"), article("u_2"), article("u_3")})
	require.NoError(t, err)
	require.NoError(t, s.SaveContent(ctx, newsdesk.ContentUpdate{ArticleID: "u_1", Status: newsdesk.ContentFetched, Body: "x y", WordCount: 2}))
	require.NoError(t, s.SaveContent(ctx, newsdesk.ContentUpdate{ArticleID: "u_2", Status: newsdesk.ContentFailed}))

	need, err := s.ArticlesNeedingContent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, need, 2)
	require.Equal(t, "u_3", need[0].ID, "pending before failed")
	require.Equal(t, "u_2", need[1].ID)

	topics, err := s.ArticlesNeedingTopics(ctx, 10)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, "u_1", topics[0].ID)

	require.NoError(t, s.SaveTopics(ctx, newsdesk.TopicUpdate{
		ArticleID: "u_1", Status: newsdesk.TopicTagged,
		Topics: []newsdesk.TopicAssignment{{Slug: "hypersonics", IsPrimary: true}},
	}))
	topics, err = s.ArticlesNeedingTopics(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, topics)

	tagged, err := s.TopicArticlesSince(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	tagged, err = s.TopicArticlesSince(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, tagged)
}

func TestLegacyMode(t *testing.T) {
	t.Parallel()

	s := NewStore(WithLegacySchema())
	ctx := context.Background()
	res, err := s.Upsert(ctx, nil, []newsdesk.ArticleRecord{article("u_1")})
	require.NoError(t, err)
	require.True(t, res.UsedLegacySchema)

	got, err := s.Article(ctx, "u_1")
	require.NoError(t, err)
	require.Empty(t, got.Summary)

	_, err = s.ArticlesNeedingContent(ctx, 1)
	require.ErrorIs(t, err, newsdesk.ErrLegacySchema)
	_, err = s.ActiveClusters(ctx)
	require.ErrorIs(t, err, newsdesk.ErrLegacySchema)
}

func TestClustersAndDigests(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.SaveCluster(ctx, newsdesk.StoryCluster{Key: "sc_old", DigestSignature: "sig"}))
	require.NoError(t, s.SaveCluster(ctx, newsdesk.StoryCluster{Key: "sc_old", SupersededBy: "sc_new"}))
	require.NoError(t, s.SaveCluster(ctx, newsdesk.StoryCluster{Key: "sc_new"}))

	active, err := s.ActiveClusters(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "sc_new", active[0].Key)

	old, err := s.Cluster(ctx, "sc_old")
	require.NoError(t, err)
	require.Equal(t, "sig", old.DigestSignature)

	_, err = s.Digest(ctx, "sc_new")
	require.ErrorIs(t, err, newsdesk.ErrNotFound)
	require.ErrorIs(t, s.SaveDigest(ctx, newsdesk.StoryDigest{ClusterKey: "sc_unsaved", Headline: "h"}), newsdesk.ErrNotFound,
		"a digest needs its cluster row")
	require.NoError(t, s.SaveDigest(ctx, newsdesk.StoryDigest{ClusterKey: "sc_new", Headline: "h"}))
	d, err := s.Digest(ctx, "sc_new")
	require.NoError(t, err)
	require.Equal(t, "h", d.Headline)
}

func TestContractLinks(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	require.ErrorIs(t, s.LinkContract(ctx, newsdesk.ContractLink{ArticleID: "u_1", ContractID: "c"}), newsdesk.ErrNotFound)

	_, err := s.Upsert(ctx, nil, []newsdesk.ArticleRecord{article("u_1")})
	require.NoError(t, err)
	require.NoError(t, s.LinkContract(ctx, newsdesk.ContractLink{ArticleID: "u_1", ContractID: "a", Confidence: 0.4}))
	require.NoError(t, s.LinkContract(ctx, newsdesk.ContractLink{ArticleID: "u_1", ContractID: "b", Confidence: 0.9}))
	links, err := s.ContractLinks(ctx, "u_1")
	require.NoError(t, err)
	require.Equal(t, "b", links[0].ContractID)
	require.Len(t, links, 2)
}
