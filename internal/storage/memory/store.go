package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// Store is an in-memory newsdesk.Store for development and tests. A single
// mutex makes every row write atomic.
type Store struct {
	mu        sync.RWMutex
	legacy    bool
	sources   map[string]newsdesk.SourceRecord
	articles  map[string]newsdesk.ArticleRecord
	clusters  map[string]newsdesk.StoryCluster
	digests   map[string]newsdesk.StoryDigest
	contracts map[string]map[string]newsdesk.ContractLink
}

var _ newsdesk.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithLegacySchema makes the store behave like a database that only has the
// minimal article columns.
func WithLegacySchema() Option {
	return func(s *Store) { s.legacy = true }
}

// NewStore constructs an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sources:   make(map[string]newsdesk.SourceRecord),
		articles:  make(map[string]newsdesk.ArticleRecord),
		clusters:  make(map[string]newsdesk.StoryCluster),
		digests:   make(map[string]newsdesk.StoryDigest),
		contracts: make(map[string]map[string]newsdesk.ContractLink),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LegacySchema reports whether the store runs in legacy mode.
func (s *Store) LegacySchema() bool { return s.legacy }

// Close is a no-op.
func (s *Store) Close() {}

// ArticleCount returns the number of stored articles.
func (s *Store) ArticleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.articles)
}

// Upsert merges sources and articles by id. Empty incoming fields never
// clear stored values.
func (s *Store) Upsert(
	_ context.Context,
	sources []newsdesk.SourceRecord,
	articles []newsdesk.ArticleRecord,
) (newsdesk.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := newsdesk.UpsertResult{UsedLegacySchema: s.legacy}
	for _, src := range sources {
		if src.ID == "" {
			continue
		}
		s.sources[src.ID] = s.mergeSource(s.sources[src.ID], src)
		result.UpsertedSourceCount++
	}
	for _, a := range articles {
		if a.ID == "" {
			continue
		}
		if s.legacy {
			a = newsdesk.ArticleRecord{ID: a.ID, Title: a.Title, URL: a.URL, SourceID: a.SourceID, PublishedAt: a.PublishedAt}
		}
		existing, ok := s.articles[a.ID]
		if !ok {
			a.Body, a.BodyURI, a.WordCount, a.Topics = "", "", 0, nil
			if !s.legacy {
				a.ContentStatus = newsdesk.ContentPending
				a.TopicStatus = newsdesk.TopicPending
			}
			s.articles[a.ID] = cloneArticle(a)
		} else {
			s.articles[a.ID] = mergeArticle(existing, a)
		}
		result.UpsertedArticleCount++
	}
	return result, nil
}

func (s *Store) mergeSource(old, in newsdesk.SourceRecord) newsdesk.SourceRecord {
	out := old
	out.ID = in.ID
	if in.Name != "" {
		out.Name = in.Name
	}
	if in.FeedURL != "" {
		out.FeedURL = in.FeedURL
	}
	if s.legacy {
		return out
	}
	if in.Badge != "" {
		out.Badge = in.Badge
	}
	if in.Role != "" {
		out.Role = in.Role
	}
	if !in.LastFetchedAt.IsZero() {
		out.LastFetchedAt = in.LastFetchedAt
	}
	return out
}

func mergeArticle(old, in newsdesk.ArticleRecord) newsdesk.ArticleRecord {
	out := old
	if in.Title != "" {
		out.Title = in.Title
	}
	if in.Summary != "" {
		out.Summary = in.Summary
	}
	if in.URL != "" {
		out.URL = in.URL
	}
	if in.CanonicalURL != "" {
		out.CanonicalURL = in.CanonicalURL
	}
	if in.PublishedAt != nil && (old.PublishedAt == nil || (dayPrecision(*old.PublishedAt) && !dayPrecision(*in.PublishedAt))) {
		ts := *in.PublishedAt
		out.PublishedAt = &ts
	}
	if !in.FetchedAt.IsZero() {
		out.FetchedAt = in.FetchedAt
	}
	return out
}

func dayPrecision(t time.Time) bool {
	t = t.UTC()
	return t.Equal(t.Truncate(24 * time.Hour))
}

// ArticlesNeedingContent returns articles not yet fetched, pending before
// failed, newest first.
func (s *Store) ArticlesNeedingContent(_ context.Context, limit int) ([]newsdesk.ArticleRecord, error) {
	if s.legacy {
		return nil, newsdesk.ErrLegacySchema
	}
	return s.selectArticles(limit, func(a newsdesk.ArticleRecord) bool {
		return a.ContentStatus != newsdesk.ContentFetched
	}, func(a newsdesk.ArticleRecord) bool {
		return a.ContentStatus == newsdesk.ContentFailed
	}), nil
}

// ArticlesNeedingTopics returns articles with a body and no topics.
func (s *Store) ArticlesNeedingTopics(_ context.Context, limit int) ([]newsdesk.ArticleRecord, error) {
	if s.legacy {
		return nil, newsdesk.ErrLegacySchema
	}
	return s.selectArticles(limit, func(a newsdesk.ArticleRecord) bool {
		return a.Body != "" && len(a.Topics) == 0
	}, func(a newsdesk.ArticleRecord) bool {
		return a.TopicStatus == newsdesk.TopicFailed
	}), nil
}

func (s *Store) selectArticles(
	limit int,
	match func(newsdesk.ArticleRecord) bool,
	retry func(newsdesk.ArticleRecord) bool,
) []newsdesk.ArticleRecord {
	s.mu.RLock()
	var out []newsdesk.ArticleRecord
	for _, a := range s.articles {
		if match(a) {
			out = append(out, cloneArticle(a))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := retry(out[i]), retry(out[j])
		if ri != rj {
			return !ri
		}
		ti, tj := effectiveTime(out[i]), effectiveTime(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func effectiveTime(a newsdesk.ArticleRecord) time.Time {
	if a.PublishedAt != nil {
		return *a.PublishedAt
	}
	return a.FetchedAt
}

// SaveContent records a content enrichment outcome.
func (s *Store) SaveContent(_ context.Context, u newsdesk.ContentUpdate) error {
	if s.legacy {
		return newsdesk.ErrLegacySchema
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[u.ArticleID]
	if !ok {
		return fmt.Errorf("save content %s: %w", u.ArticleID, newsdesk.ErrNotFound)
	}
	a.ContentStatus = u.Status
	if u.Body != "" {
		a.Body = u.Body
		a.WordCount = u.WordCount
	}
	if u.BodyURI != "" {
		a.BodyURI = u.BodyURI
	}
	s.articles[u.ArticleID] = a
	return nil
}

// SaveTopics records a topic classification outcome.
func (s *Store) SaveTopics(_ context.Context, u newsdesk.TopicUpdate) error {
	if s.legacy {
		return newsdesk.ErrLegacySchema
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[u.ArticleID]
	if !ok {
		return fmt.Errorf("save topics %s: %w", u.ArticleID, newsdesk.ErrNotFound)
	}
	a.Topics = append([]newsdesk.TopicAssignment(nil), u.Topics...)
	a.TopicStatus = u.Status
	s.articles[u.ArticleID] = a
	return nil
}

// TopicArticlesSince returns tagged articles at or after since, oldest first.
func (s *Store) TopicArticlesSince(_ context.Context, since time.Time) ([]newsdesk.ArticleRecord, error) {
	if s.legacy {
		return nil, newsdesk.ErrLegacySchema
	}
	s.mu.RLock()
	var out []newsdesk.ArticleRecord
	for _, a := range s.articles {
		if a.TopicStatus == newsdesk.TopicTagged && !effectiveTime(a).Before(since) {
			out = append(out, cloneArticle(a))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ti, tj := effectiveTime(out[i]), effectiveTime(out[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Sources lists stored sources ordered by id.
func (s *Store) Sources(_ context.Context) ([]newsdesk.SourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]newsdesk.SourceRecord, 0, len(s.sources))
	for _, src := range s.sources {
		if src.Role == "" {
			src.Role = newsdesk.RoleReporting
		}
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Article loads one article.
func (s *Store) Article(_ context.Context, id string) (newsdesk.ArticleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[id]
	if !ok {
		return newsdesk.ArticleRecord{}, fmt.Errorf("load article %s: %w", id, newsdesk.ErrNotFound)
	}
	return cloneArticle(a), nil
}

// ActiveClusters returns clusters that have not been superseded.
func (s *Store) ActiveClusters(_ context.Context) ([]newsdesk.StoryCluster, error) {
	if s.legacy {
		return nil, newsdesk.ErrLegacySchema
	}
	s.mu.RLock()
	var out []newsdesk.StoryCluster
	for _, c := range s.clusters {
		if c.SupersededBy == "" {
			out = append(out, cloneCluster(c))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Cluster loads one cluster by key.
func (s *Store) Cluster(_ context.Context, key string) (newsdesk.StoryCluster, error) {
	if s.legacy {
		return newsdesk.StoryCluster{}, newsdesk.ErrLegacySchema
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clusters[key]
	if !ok {
		return newsdesk.StoryCluster{}, fmt.Errorf("load cluster %s: %w", key, newsdesk.ErrNotFound)
	}
	return cloneCluster(c), nil
}

// SaveCluster upserts a cluster. A stored supersede marker or digest
// signature is kept when the incoming record leaves it empty.
func (s *Store) SaveCluster(_ context.Context, c newsdesk.StoryCluster) error {
	if s.legacy {
		return newsdesk.ErrLegacySchema
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.clusters[c.Key]; ok {
		if c.SupersededBy == "" {
			c.SupersededBy = old.SupersededBy
		}
		if c.DigestSignature == "" {
			c.DigestSignature = old.DigestSignature
		}
	}
	s.clusters[c.Key] = cloneCluster(c)
	return nil
}

// Digest loads the digest for a cluster.
func (s *Store) Digest(_ context.Context, clusterKey string) (newsdesk.StoryDigest, error) {
	if s.legacy {
		return newsdesk.StoryDigest{}, newsdesk.ErrLegacySchema
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.digests[clusterKey]
	if !ok {
		return newsdesk.StoryDigest{}, fmt.Errorf("load digest %s: %w", clusterKey, newsdesk.ErrNotFound)
	}
	return cloneDigest(d), nil
}

// SaveDigest upserts the digest for its cluster, which must already be
// stored.
func (s *Store) SaveDigest(_ context.Context, d newsdesk.StoryDigest) error {
	if s.legacy {
		return newsdesk.ErrLegacySchema
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[d.ClusterKey]; !ok {
		return fmt.Errorf("save digest %s: cluster %w", d.ClusterKey, newsdesk.ErrNotFound)
	}
	s.digests[d.ClusterKey] = cloneDigest(d)
	return nil
}

// LinkContract upserts an article to contract cross reference.
func (s *Store) LinkContract(_ context.Context, link newsdesk.ContractLink) error {
	if s.legacy {
		return newsdesk.ErrLegacySchema
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articles[link.ArticleID]; !ok {
		return fmt.Errorf("link contract %s: %w", link.ArticleID, newsdesk.ErrNotFound)
	}
	links := s.contracts[link.ArticleID]
	if links == nil {
		links = make(map[string]newsdesk.ContractLink)
		s.contracts[link.ArticleID] = links
	}
	links[link.ContractID] = link
	return nil
}

// ContractLinks lists the contract links for one article, most confident first.
func (s *Store) ContractLinks(_ context.Context, articleID string) ([]newsdesk.ContractLink, error) {
	if s.legacy {
		return nil, newsdesk.ErrLegacySchema
	}
	s.mu.RLock()
	out := make([]newsdesk.ContractLink, 0, len(s.contracts[articleID]))
	for _, l := range s.contracts[articleID] {
		out = append(out, l)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ContractID < out[j].ContractID
	})
	return out, nil
}

func cloneArticle(a newsdesk.ArticleRecord) newsdesk.ArticleRecord {
	if a.PublishedAt != nil {
		ts := *a.PublishedAt
		a.PublishedAt = &ts
	}
	a.Topics = append([]newsdesk.TopicAssignment(nil), a.Topics...)
	return a
}

func cloneCluster(c newsdesk.StoryCluster) newsdesk.StoryCluster {
	c.Members = append([]newsdesk.ClusterMember(nil), c.Members...)
	return c
}

func cloneDigest(d newsdesk.StoryDigest) newsdesk.StoryDigest {
	d.KeyPoints = append([]string(nil), d.KeyPoints...)
	d.Citations = append([]newsdesk.Citation(nil), d.Citations...)
	return d
}
