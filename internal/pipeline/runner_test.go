package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/clock/system"
	"github.com/JakeFAU/defense-newsdesk/internal/cluster"
	"github.com/JakeFAU/defense-newsdesk/internal/extract"
	"github.com/JakeFAU/defense-newsdesk/internal/feed"
	"github.com/JakeFAU/defense-newsdesk/internal/generator"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
	"github.com/JakeFAU/defense-newsdesk/internal/normalize"
	pubmemory "github.com/JakeFAU/defense-newsdesk/internal/publisher/memory"
	"github.com/JakeFAU/defense-newsdesk/internal/storage/memory"
	"github.com/JakeFAU/defense-newsdesk/internal/topics"
	"github.com/JakeFAU/defense-newsdesk/internal/worker"
)

var now = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

type siteFetcher struct {
	pages map[string]string
	hang  map[string]bool
}

func (s *siteFetcher) Fetch(ctx context.Context, req newsdesk.FetchRequest) (newsdesk.FetchResponse, error) {
	if s.hang[req.URL] {
		<-ctx.Done()
		return newsdesk.FetchResponse{}, ctx.Err()
	}
	body, ok := s.pages[req.URL]
	if !ok {
		return newsdesk.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	return newsdesk.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, ContentType: "text/html", Body: []byte(body)}, nil
}

type sequenceIDs struct{ n int }

func (s *sequenceIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type stageRecorder struct {
	stages       map[string]string
	sourceErrors []string
}

func (r *stageRecorder) ObserveStage(stage, outcome string, _ time.Duration, _ map[string]int) {
	if r.stages == nil {
		r.stages = make(map[string]string)
	}
	r.stages[stage] = outcome
}

func (r *stageRecorder) ObserveSourceError(sourceID string) {
	r.sourceErrors = append(r.sourceErrors, sourceID)
}

type item struct {
	title string
	link  string
	at    time.Time
}

func rss(items ...item) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>feed</title>`)
	for _, it := range items {
		fmt.Fprintf(&b, `<item><title>%s</title><link>%s</link><pubDate>%s</pubDate></item>`,
			it.title, it.link, it.at.Format(time.RFC1123Z))
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func page(paragraphs ...string) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>story</title></head><body><article>`)
	for _, p := range paragraphs {
		b.WriteString("<p>" + p + "</p>")
	}
	b.WriteString(`</article></body></html>`)
	return b.String()
}

type harness struct {
	store    *memory.Store
	pub      *pubmemory.Publisher
	observer *stageRecorder
	runner   *Runner
}

func newHarness(t *testing.T, store *memory.Store, fetcher newsdesk.Fetcher, sources []newsdesk.SourceConfig) *harness {
	t.Helper()
	clock := system.NewFixed(now)
	logger := zap.NewNop()
	policy := cluster.DefaultPolicy()
	pub := pubmemory.New()
	observer := &stageRecorder{}

	deps := Deps{
		Store:      store,
		Puller:     feed.NewPuller(fetcher, clock, logger),
		Normalizer: normalize.New(clock),
		Content: worker.NewContentPool(worker.ContentDeps{
			Fetcher:   fetcher,
			Extractor: extract.New(10),
			Store:     store,
			Clock:     clock,
		}, worker.ContentConfig{}, logger),
		Topics: worker.NewTopicPool(topics.New(topics.DefaultRules(), 3, logger), store, logger),
		Clusters: cluster.NewService(cluster.ServiceDeps{
			Store:     store,
			Engine:    cluster.NewEngine(policy, logger),
			Digests:   cluster.NewDigestEngine(generator.Extractive{}, clock, policy, logger),
			Publisher: pub,
			Clock:     clock,
		}, logger),
		IDs:      &sequenceIDs{},
		Clock:    clock,
		Observer: observer,
	}
	opts := Options{
		Sources: sources,
		Pull:    feed.PullOptions{SinceHours: 48, MaxPerSource: 20, GlobalLimit: 100, Timeout: 200 * time.Millisecond, Concurrency: 4},
		Content: worker.ContentOptions{Concurrency: 2, Timeout: time.Second},
		Topics:  worker.TopicOptions{Concurrency: 2},
		Cluster: cluster.RunOptions{DigestConcurrency: 2, EventTopic: "digests"},
	}
	return &harness{store: store, pub: pub, observer: observer, runner: New(deps, opts, logger)}
}

func hypersonicsSite() (*siteFetcher, []newsdesk.SourceConfig) {
	site := &siteFetcher{pages: map[string]string{
		"https://army.test/rss": rss(
			item{"Army fires Dark Eagle hypersonic missile", "https://army.test/news/dark-eagle", now.Add(-3 * time.Hour)},
		),
		"https://bd.test/feed": rss(
			item{"Dark Eagle test caps hypersonic push", "https://bd.test/2026/04/dark-eagle-test?utm_source=rss", now.Add(-2 * time.Hour)},
			item{"What the LRHW shot means for the Army", "https://bd.test/2026/04/lrhw-analysis", now.Add(-1 * time.Hour)},
		),
		"https://army.test/news/dark-eagle": page(
			"The Army conducted an end to end flight test of the Dark Eagle hypersonic weapon on Tuesday.",
			"The long range hypersonic weapon, known as LRHW, launched a common hypersonic glide body from Cape Canaveral.",
		),
		"https://bd.test/2026/04/dark-eagle-test?utm_source=rss": page(
			"The successful Dark Eagle flight clears a key hurdle for the hypersonic program after several delays.",
			"Officials said the glide body performed as expected during the hypersonic flight.",
		),
		"https://bd.test/2026/04/lrhw-analysis": page(
			"Analysts say the LRHW result gives the Army its first fielded hypersonic capability within the year.",
			"The Dark Eagle battery will receive additional rounds as hypersonic production ramps up.",
		),
	}}
	sources := []newsdesk.SourceConfig{
		{ID: "army", Name: "U.S. Army", FeedURL: "https://army.test/rss", Role: "official"},
		{ID: "bd", Name: "Breaking Defense", FeedURL: "https://bd.test/feed", Role: "reporting"},
	}
	return site, sources
}

func TestRunAllHypersonicsScenario(t *testing.T) {
	t.Parallel()

	site, sources := hypersonicsSite()
	h := newHarness(t, memory.NewStore(), site, sources)

	reports := h.runner.RunAll(context.Background())
	require.Len(t, reports, 4)
	for _, rep := range reports {
		require.True(t, rep.OK, "%s: %s", rep.Stage, rep.Message)
		require.NotEmpty(t, rep.RunID)
		require.False(t, rep.UsedLegacySchema)
	}

	ingest, content, tagged, clustered := reports[0], reports[1], reports[2], reports[3]
	require.Equal(t, StageIngest, ingest.Stage)
	require.Equal(t, 2, ingest.Counts["source_ok"])
	require.Equal(t, 3, ingest.Counts["articles"])
	require.Equal(t, 3, ingest.Counts["upserted_articles"])
	require.Empty(t, ingest.Errors)

	require.Equal(t, 3, content.Counts["fetched"])
	require.Zero(t, content.Counts["failed"])
	require.Equal(t, 3, tagged.Counts["with_topics"])

	require.Equal(t, 3, clustered.Counts["assigned"])
	require.Equal(t, 1, clustered.Counts["active"])
	require.Equal(t, 1, clustered.Counts["digested"])

	ctx := context.Background()
	clusters, err := h.store.ActiveClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	c := clusters[0]
	require.Equal(t, "hypersonics", c.Topic)
	require.Len(t, c.Members, 3)
	require.Equal(t, 1, c.RoleCounts.Official)
	require.Equal(t, 2, c.RoleCounts.Reporting)
	require.False(t, c.PressReleaseDriven)
	require.False(t, c.OpinionLimited)
	require.Equal(t, 3, c.ArticleCount24h)
	require.Equal(t, 2, c.UniqueSources24h)
	require.Equal(t, "army", c.Members[0].SourceID)
	require.Equal(t, c.Members[0].ArticleID, c.RepresentativeID)

	digest, err := h.store.Digest(ctx, c.Key)
	require.NoError(t, err)
	require.Equal(t, 3, digest.CitationCount)
	members := make(map[string]bool, len(c.Members))
	for _, m := range c.Members {
		members[m.ArticleID] = true
	}
	for _, cit := range digest.Citations {
		require.True(t, members[cit.ArticleID], "citation %s is not a member", cit.ArticleID)
	}
	require.Len(t, h.pub.Topic("digests"), 1)

	for _, stage := range Stages() {
		require.Equal(t, OutcomeOK, h.observer.stages[stage])
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	t.Parallel()

	site, sources := hypersonicsSite()
	h := newHarness(t, memory.NewStore(), site, sources)

	first := h.runner.Ingest(context.Background())
	second := h.runner.Ingest(context.Background())
	require.True(t, first.OK)
	require.True(t, second.OK)
	require.Equal(t, 3, h.store.ArticleCount())

	srcs, err := h.store.Sources(context.Background())
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	for _, s := range srcs {
		require.Equal(t, now, s.LastFetchedAt)
	}
}

func TestIngestHangingSourceIsIsolated(t *testing.T) {
	t.Parallel()

	site, sources := hypersonicsSite()
	site.hang = map[string]bool{"https://slow.test/rss": true}
	sources = append(sources, newsdesk.SourceConfig{ID: "slow", FeedURL: "https://slow.test/rss"})
	h := newHarness(t, memory.NewStore(), site, sources)

	rep := h.runner.Ingest(context.Background())
	require.True(t, rep.OK)
	require.Equal(t, 2, rep.Counts["source_ok"])
	require.Equal(t, 1, rep.Counts["source_errors"])
	require.Len(t, rep.Errors, 1)
	require.Equal(t, "slow", rep.Errors[0].Ref)
	require.Equal(t, 3, rep.Counts["articles"])
	require.Equal(t, []string{"slow"}, h.observer.sourceErrors)
}

func TestIngestWithoutSources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStore(), &siteFetcher{}, nil)
	rep := h.runner.Ingest(context.Background())
	require.True(t, rep.OK)
	require.Equal(t, "no sources configured", rep.Message)
	require.Zero(t, rep.Counts["sources"])
}

func TestLegacySchemaDegradesEnrichment(t *testing.T) {
	t.Parallel()

	site, sources := hypersonicsSite()
	h := newHarness(t, memory.NewStore(memory.WithLegacySchema()), site, sources)

	ingest := h.runner.Ingest(context.Background())
	require.True(t, ingest.OK)
	require.True(t, ingest.UsedLegacySchema)

	for _, rep := range []Report{
		h.runner.EnrichContent(context.Background()),
		h.runner.EnrichTopics(context.Background()),
		h.runner.Cluster(context.Background()),
	} {
		require.True(t, rep.OK, rep.Stage)
		require.True(t, rep.UsedLegacySchema, rep.Stage)
		require.NotEmpty(t, rep.Message)
		require.Equal(t, OutcomeDegraded, h.observer.stages[rep.Stage])
	}
}

type failingStore struct {
	*memory.Store
}

func (failingStore) Upsert(context.Context, []newsdesk.SourceRecord, []newsdesk.ArticleRecord) (newsdesk.UpsertResult, error) {
	return newsdesk.UpsertResult{}, errors.New("connection refused")
}

func TestRunAllStopsAfterFatalStage(t *testing.T) {
	t.Parallel()

	site, sources := hypersonicsSite()
	h := newHarness(t, memory.NewStore(), site, sources)
	h.runner.deps.Store = failingStore{Store: h.store}

	reports := h.runner.RunAll(context.Background())
	require.Len(t, reports, 1)
	require.False(t, reports[0].OK)
	require.Contains(t, reports[0].Message, "connection refused")
	require.Equal(t, OutcomeFailed, h.observer.stages[StageIngest])
}

func TestRunUnknownStage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.NewStore(), &siteFetcher{}, nil)
	_, err := h.runner.Run(context.Background(), "publish")
	require.ErrorIs(t, err, ErrUnknownStage)

	rep, err := h.runner.Run(context.Background(), StageTopics)
	require.NoError(t, err)
	require.True(t, rep.OK)
	require.Equal(t, "run-1", rep.RunID)
}
