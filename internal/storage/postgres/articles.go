package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// writer is the per-schema upsert strategy.
type writer interface {
	upsertSource(ctx context.Context, pool pgxPool, src newsdesk.SourceRecord) error
	upsertArticle(ctx context.Context, pool pgxPool, article newsdesk.ArticleRecord) error
}

// publishedMerge replaces a stored publish time only when it is missing, or
// when it carries day precision (midnight UTC) and the incoming one does not.
const publishedMerge = `CASE
		WHEN articles.published_at IS NULL THEN EXCLUDED.published_at
		WHEN EXCLUDED.published_at IS NOT NULL
			AND articles.published_at = date_trunc('day', articles.published_at AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'
			AND EXCLUDED.published_at <> date_trunc('day', EXCLUDED.published_at AT TIME ZONE 'UTC') AT TIME ZONE 'UTC'
			THEN EXCLUDED.published_at
		ELSE articles.published_at
	END`

const richSourceUpsert = `
INSERT INTO sources (id, name, feed_url, badge, role, last_fetched_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
ON CONFLICT (id) DO UPDATE SET
	name = COALESCE(NULLIF(EXCLUDED.name, ''), sources.name),
	feed_url = COALESCE(NULLIF(EXCLUDED.feed_url, ''), sources.feed_url),
	badge = COALESCE(EXCLUDED.badge, sources.badge),
	role = EXCLUDED.role,
	last_fetched_at = COALESCE(EXCLUDED.last_fetched_at, sources.last_fetched_at)`

const richArticleUpsert = `
INSERT INTO articles (id, title, summary, url, canonical_url, source_id, published_at, fetched_at, content_status, topic_status)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, 'pending', 'pending')
ON CONFLICT (id) DO UPDATE SET
	title = COALESCE(NULLIF(EXCLUDED.title, ''), articles.title),
	summary = COALESCE(EXCLUDED.summary, articles.summary),
	url = COALESCE(EXCLUDED.url, articles.url),
	canonical_url = COALESCE(EXCLUDED.canonical_url, articles.canonical_url),
	published_at = ` + publishedMerge + `,
	fetched_at = EXCLUDED.fetched_at,
	updated_at = now()`

const legacySourceUpsert = `
INSERT INTO sources (id, name, feed_url)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET
	name = COALESCE(NULLIF(EXCLUDED.name, ''), sources.name),
	feed_url = COALESCE(NULLIF(EXCLUDED.feed_url, ''), sources.feed_url)`

const legacyArticleUpsert = `
INSERT INTO articles (id, title, url, source_id, published_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5)
ON CONFLICT (id) DO UPDATE SET
	title = COALESCE(NULLIF(EXCLUDED.title, ''), articles.title),
	url = COALESCE(EXCLUDED.url, articles.url),
	published_at = ` + publishedMerge

type richWriter struct{}

func (richWriter) upsertSource(ctx context.Context, pool pgxPool, src newsdesk.SourceRecord) error {
	_, err := pool.Exec(ctx, richSourceUpsert,
		src.ID, src.Name, src.FeedURL, src.Badge, string(src.Role), nullTime(src.LastFetchedAt))
	return err
}

func (richWriter) upsertArticle(ctx context.Context, pool pgxPool, a newsdesk.ArticleRecord) error {
	_, err := pool.Exec(ctx, richArticleUpsert,
		a.ID, a.Title, a.Summary, a.URL, a.CanonicalURL, a.SourceID, a.PublishedAt, a.FetchedAt)
	return err
}

type legacyWriter struct{}

func (legacyWriter) upsertSource(ctx context.Context, pool pgxPool, src newsdesk.SourceRecord) error {
	_, err := pool.Exec(ctx, legacySourceUpsert, src.ID, src.Name, src.FeedURL)
	return err
}

func (legacyWriter) upsertArticle(ctx context.Context, pool pgxPool, a newsdesk.ArticleRecord) error {
	_, err := pool.Exec(ctx, legacyArticleUpsert, a.ID, a.Title, a.URL, a.SourceID, a.PublishedAt)
	return err
}

// Upsert writes sources first, then articles, one statement per row.
func (s *Store) Upsert(
	ctx context.Context,
	sources []newsdesk.SourceRecord,
	articles []newsdesk.ArticleRecord,
) (newsdesk.UpsertResult, error) {
	result := newsdesk.UpsertResult{UsedLegacySchema: s.legacy}
	for _, src := range sources {
		if src.ID == "" {
			continue
		}
		if err := s.writer.upsertSource(ctx, s.pool, src); err != nil {
			return result, fmt.Errorf("upsert source %s: %w", src.ID, err)
		}
		result.UpsertedSourceCount++
	}
	for _, a := range articles {
		if a.ID == "" {
			continue
		}
		if err := s.writer.upsertArticle(ctx, s.pool, a); err != nil {
			return result, fmt.Errorf("upsert article %s: %w", a.ID, err)
		}
		result.UpsertedArticleCount++
	}
	return result, nil
}

const articleColumns = `id, title, COALESCE(summary, ''), COALESCE(url, ''), COALESCE(canonical_url, ''),
	source_id, published_at, fetched_at, COALESCE(body, ''), COALESCE(body_uri, ''), word_count,
	content_status, topics, topic_status`

const legacyArticleColumns = `id, title, COALESCE(url, ''), source_id, published_at`

func scanArticle(row pgx.Row) (newsdesk.ArticleRecord, error) {
	var (
		a         newsdesk.ArticleRecord
		published *time.Time
		topics    []byte
		content   string
		topic     string
	)
	err := row.Scan(&a.ID, &a.Title, &a.Summary, &a.URL, &a.CanonicalURL,
		&a.SourceID, &published, &a.FetchedAt, &a.Body, &a.BodyURI, &a.WordCount,
		&content, &topics, &topic)
	if err != nil {
		return newsdesk.ArticleRecord{}, err
	}
	a.PublishedAt = published
	a.ContentStatus = newsdesk.ContentStatus(content)
	a.TopicStatus = newsdesk.TopicStatus(topic)
	if len(topics) > 0 {
		if err := json.Unmarshal(topics, &a.Topics); err != nil {
			return newsdesk.ArticleRecord{}, fmt.Errorf("decode topics for %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func (s *Store) queryArticles(ctx context.Context, sql string, args ...any) ([]newsdesk.ArticleRecord, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []newsdesk.ArticleRecord
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ArticlesNeedingContent selects articles whose body is not yet fetched.
// Never-attempted articles come before earlier failures.
func (s *Store) ArticlesNeedingContent(ctx context.Context, limit int) ([]newsdesk.ArticleRecord, error) {
	if err := s.requireRich(); err != nil {
		return nil, err
	}
	out, err := s.queryArticles(ctx, `SELECT `+articleColumns+` FROM articles
WHERE content_status <> 'fetched'
ORDER BY (content_status = 'failed'), COALESCE(published_at, fetched_at) DESC, id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select articles needing content: %w", err)
	}
	return out, nil
}

// SaveContent records a content enrichment outcome.
func (s *Store) SaveContent(ctx context.Context, u newsdesk.ContentUpdate) error {
	if err := s.requireRich(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE articles SET
	content_status = $2,
	body = COALESCE(NULLIF($3, ''), body),
	body_uri = COALESCE(NULLIF($4, ''), body_uri),
	word_count = CASE WHEN $3 = '' THEN word_count ELSE $5 END,
	updated_at = now()
WHERE id = $1`, u.ArticleID, string(u.Status), u.Body, u.BodyURI, u.WordCount)
	if err != nil {
		return fmt.Errorf("save content %s: %w", u.ArticleID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save content %s: %w", u.ArticleID, newsdesk.ErrNotFound)
	}
	return nil
}

// ArticlesNeedingTopics selects articles with a body and no topics.
func (s *Store) ArticlesNeedingTopics(ctx context.Context, limit int) ([]newsdesk.ArticleRecord, error) {
	if err := s.requireRich(); err != nil {
		return nil, err
	}
	out, err := s.queryArticles(ctx, `SELECT `+articleColumns+` FROM articles
WHERE body IS NOT NULL AND body <> '' AND topics = '[]'::jsonb
ORDER BY (topic_status = 'failed'), COALESCE(published_at, fetched_at) DESC, id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select articles needing topics: %w", err)
	}
	return out, nil
}

// SaveTopics records a topic classification outcome.
func (s *Store) SaveTopics(ctx context.Context, u newsdesk.TopicUpdate) error {
	if err := s.requireRich(); err != nil {
		return err
	}
	topics := u.Topics
	if topics == nil {
		topics = []newsdesk.TopicAssignment{}
	}
	payload, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE articles SET topics = $2, topic_status = $3, updated_at = now() WHERE id = $1`,
		u.ArticleID, payload, string(u.Status))
	if err != nil {
		return fmt.Errorf("save topics %s: %w", u.ArticleID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save topics %s: %w", u.ArticleID, newsdesk.ErrNotFound)
	}
	return nil
}

// TopicArticlesSince returns tagged articles published at or after since,
// oldest first.
func (s *Store) TopicArticlesSince(ctx context.Context, since time.Time) ([]newsdesk.ArticleRecord, error) {
	if err := s.requireRich(); err != nil {
		return nil, err
	}
	out, err := s.queryArticles(ctx, `SELECT `+articleColumns+` FROM articles
WHERE topic_status = 'tagged' AND COALESCE(published_at, fetched_at) >= $1
ORDER BY COALESCE(published_at, fetched_at), id`, since)
	if err != nil {
		return nil, fmt.Errorf("select tagged articles: %w", err)
	}
	return out, nil
}

// Article loads one article by dedup key.
func (s *Store) Article(ctx context.Context, id string) (newsdesk.ArticleRecord, error) {
	if s.legacy {
		var (
			a         newsdesk.ArticleRecord
			published *time.Time
		)
		err := s.pool.QueryRow(ctx, `SELECT `+legacyArticleColumns+` FROM articles WHERE id = $1`, id).
			Scan(&a.ID, &a.Title, &a.URL, &a.SourceID, &published)
		if err != nil {
			return newsdesk.ArticleRecord{}, fmt.Errorf("load article %s: %w", id, notFound(err))
		}
		a.PublishedAt = published
		return a, nil
	}
	a, err := scanArticle(s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id))
	if err != nil {
		return newsdesk.ArticleRecord{}, fmt.Errorf("load article %s: %w", id, notFound(err))
	}
	return a, nil
}

// Sources lists every known source.
func (s *Store) Sources(ctx context.Context) ([]newsdesk.SourceRecord, error) {
	query := `SELECT id, name, feed_url, COALESCE(badge, ''), role, last_fetched_at FROM sources ORDER BY id`
	if s.legacy {
		query = `SELECT id, name, feed_url, '', 'reporting', NULL::timestamptz FROM sources ORDER BY id`
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select sources: %w", err)
	}
	defer rows.Close()

	var out []newsdesk.SourceRecord
	for rows.Next() {
		var (
			src     newsdesk.SourceRecord
			role    string
			fetched *time.Time
		)
		if err := rows.Scan(&src.ID, &src.Name, &src.FeedURL, &src.Badge, &role, &fetched); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.Role = newsdesk.ParseRole(role)
		if fetched != nil {
			src.LastFetchedAt = *fetched
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select sources: %w", err)
	}
	return out, nil
}

// LinkContract upserts an article to contract cross reference.
func (s *Store) LinkContract(ctx context.Context, link newsdesk.ContractLink) error {
	if err := s.requireRich(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO article_contract_links (article_id, contract_id, match_type, confidence)
VALUES ($1, $2, $3, $4)
ON CONFLICT (article_id, contract_id) DO UPDATE SET
	match_type = EXCLUDED.match_type,
	confidence = EXCLUDED.confidence`,
		link.ArticleID, link.ContractID, link.MatchType, link.Confidence)
	if err != nil {
		return fmt.Errorf("link contract %s -> %s: %w", link.ArticleID, link.ContractID, err)
	}
	return nil
}

// ContractLinks lists the contract links for one article, most confident first.
func (s *Store) ContractLinks(ctx context.Context, articleID string) ([]newsdesk.ContractLink, error) {
	if err := s.requireRich(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT article_id, contract_id, match_type, confidence
FROM article_contract_links WHERE article_id = $1 ORDER BY confidence DESC, contract_id`, articleID)
	if err != nil {
		return nil, fmt.Errorf("select contract links: %w", err)
	}
	defer rows.Close()

	var out []newsdesk.ContractLink
	for rows.Next() {
		var l newsdesk.ContractLink
		if err := rows.Scan(&l.ArticleID, &l.ContractID, &l.MatchType, &l.Confidence); err != nil {
			return nil, fmt.Errorf("scan contract link: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select contract links: %w", err)
	}
	return out, nil
}
