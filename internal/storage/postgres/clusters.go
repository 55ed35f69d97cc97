package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

const clusterColumns = `key, topic, topic_label, representative_id, members, article_count_24h,
	unique_sources_24h, congestion_score, congestion_bucket, role_counts, press_release_driven,
	opinion_limited, latest_published_at, COALESCE(digest_signature, ''), needs_digest,
	COALESCE(superseded_by, ''), updated_at`

func scanCluster(row pgx.Row) (newsdesk.StoryCluster, error) {
	var (
		c       newsdesk.StoryCluster
		members []byte
		roles   []byte
	)
	err := row.Scan(&c.Key, &c.Topic, &c.TopicLabel, &c.RepresentativeID, &members, &c.ArticleCount24h,
		&c.UniqueSources24h, &c.CongestionScore, &c.CongestionBucket, &roles, &c.PressReleaseDriven,
		&c.OpinionLimited, &c.LatestPublishedAt, &c.DigestSignature, &c.NeedsDigest,
		&c.SupersededBy, &c.UpdatedAt)
	if err != nil {
		return newsdesk.StoryCluster{}, err
	}
	if err := json.Unmarshal(members, &c.Members); err != nil {
		return newsdesk.StoryCluster{}, fmt.Errorf("decode members for %s: %w", c.Key, err)
	}
	if err := json.Unmarshal(roles, &c.RoleCounts); err != nil {
		return newsdesk.StoryCluster{}, fmt.Errorf("decode role counts for %s: %w", c.Key, err)
	}
	return c, nil
}

// ActiveClusters returns clusters that have not been superseded.
func (s *Store) ActiveClusters(ctx context.Context) ([]newsdesk.StoryCluster, error) {
	if err := s.requireRich(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+clusterColumns+` FROM story_clusters
WHERE superseded_by IS NULL ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("select active clusters: %w", err)
	}
	defer rows.Close()

	var out []newsdesk.StoryCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select active clusters: %w", err)
	}
	return out, nil
}

// Cluster loads one cluster by key, superseded or not.
func (s *Store) Cluster(ctx context.Context, key string) (newsdesk.StoryCluster, error) {
	if err := s.requireRich(); err != nil {
		return newsdesk.StoryCluster{}, err
	}
	c, err := scanCluster(s.pool.QueryRow(ctx, `SELECT `+clusterColumns+` FROM story_clusters WHERE key = $1`, key))
	if err != nil {
		return newsdesk.StoryCluster{}, fmt.Errorf("load cluster %s: %w", key, notFound(err))
	}
	return c, nil
}

// SaveCluster upserts a cluster keyed by its cluster key.
func (s *Store) SaveCluster(ctx context.Context, c newsdesk.StoryCluster) error {
	if err := s.requireRich(); err != nil {
		return err
	}
	members, err := json.Marshal(c.Members)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	roles, err := json.Marshal(c.RoleCounts)
	if err != nil {
		return fmt.Errorf("marshal role counts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO story_clusters (key, topic, topic_label, representative_id, members, article_count_24h,
	unique_sources_24h, congestion_score, congestion_bucket, role_counts, press_release_driven,
	opinion_limited, latest_published_at, digest_signature, needs_digest, superseded_by, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), $15, NULLIF($16, ''), $17)
ON CONFLICT (key) DO UPDATE SET
	topic = EXCLUDED.topic,
	topic_label = EXCLUDED.topic_label,
	representative_id = EXCLUDED.representative_id,
	members = EXCLUDED.members,
	article_count_24h = EXCLUDED.article_count_24h,
	unique_sources_24h = EXCLUDED.unique_sources_24h,
	congestion_score = EXCLUDED.congestion_score,
	congestion_bucket = EXCLUDED.congestion_bucket,
	role_counts = EXCLUDED.role_counts,
	press_release_driven = EXCLUDED.press_release_driven,
	opinion_limited = EXCLUDED.opinion_limited,
	latest_published_at = EXCLUDED.latest_published_at,
	digest_signature = COALESCE(EXCLUDED.digest_signature, story_clusters.digest_signature),
	needs_digest = EXCLUDED.needs_digest,
	superseded_by = COALESCE(EXCLUDED.superseded_by, story_clusters.superseded_by),
	updated_at = EXCLUDED.updated_at`,
		c.Key, c.Topic, c.TopicLabel, c.RepresentativeID, members, c.ArticleCount24h,
		c.UniqueSources24h, c.CongestionScore, c.CongestionBucket, roles, c.PressReleaseDriven,
		c.OpinionLimited, c.LatestPublishedAt, c.DigestSignature, c.NeedsDigest, c.SupersededBy, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save cluster %s: %w", c.Key, err)
	}
	return nil
}

// Digest loads the digest for a cluster.
func (s *Store) Digest(ctx context.Context, clusterKey string) (newsdesk.StoryDigest, error) {
	if err := s.requireRich(); err != nil {
		return newsdesk.StoryDigest{}, err
	}
	var (
		d         newsdesk.StoryDigest
		keyPoints []byte
		citations []byte
		risk      string
		mode      string
		review    string
	)
	err := s.pool.QueryRow(ctx, `SELECT cluster_key, headline, dek, key_points, why_it_matters, risk_level,
	citations, citation_count, generation_mode, review_status, generated_at
FROM story_digests WHERE cluster_key = $1`, clusterKey).Scan(
		&d.ClusterKey, &d.Headline, &d.Dek, &keyPoints, &d.WhyItMatters, &risk,
		&citations, &d.CitationCount, &mode, &review, &d.GeneratedAt)
	if err != nil {
		return newsdesk.StoryDigest{}, fmt.Errorf("load digest %s: %w", clusterKey, notFound(err))
	}
	d.RiskLevel = newsdesk.RiskLevel(risk)
	d.GenerationMode = newsdesk.GenerationMode(mode)
	d.ReviewStatus = newsdesk.ReviewStatus(review)
	if err := json.Unmarshal(keyPoints, &d.KeyPoints); err != nil {
		return newsdesk.StoryDigest{}, fmt.Errorf("decode key points: %w", err)
	}
	if err := json.Unmarshal(citations, &d.Citations); err != nil {
		return newsdesk.StoryDigest{}, fmt.Errorf("decode citations: %w", err)
	}
	return d, nil
}

// SaveDigest upserts the digest for its cluster.
func (s *Store) SaveDigest(ctx context.Context, d newsdesk.StoryDigest) error {
	if err := s.requireRich(); err != nil {
		return err
	}
	keyPoints, err := json.Marshal(nonNil(d.KeyPoints))
	if err != nil {
		return fmt.Errorf("marshal key points: %w", err)
	}
	citations, err := json.Marshal(d.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO story_digests (cluster_key, headline, dek, key_points, why_it_matters, risk_level,
	citations, citation_count, generation_mode, review_status, generated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (cluster_key) DO UPDATE SET
	headline = EXCLUDED.headline,
	dek = EXCLUDED.dek,
	key_points = EXCLUDED.key_points,
	why_it_matters = EXCLUDED.why_it_matters,
	risk_level = EXCLUDED.risk_level,
	citations = EXCLUDED.citations,
	citation_count = EXCLUDED.citation_count,
	generation_mode = EXCLUDED.generation_mode,
	review_status = EXCLUDED.review_status,
	generated_at = EXCLUDED.generated_at`,
		d.ClusterKey, d.Headline, d.Dek, keyPoints, d.WhyItMatters, string(d.RiskLevel),
		citations, d.CitationCount, string(d.GenerationMode), string(d.ReviewStatus), d.GeneratedAt)
	if err != nil {
		return fmt.Errorf("save digest %s: %w", d.ClusterKey, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
