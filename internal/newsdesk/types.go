package newsdesk

import (
	"time"
)

// ContentStatus tracks full-text enrichment for an article.
type ContentStatus string

// Content fetch states persisted with each article.
const (
	ContentPending ContentStatus = "pending"
	ContentFetched ContentStatus = "fetched"
	ContentFailed  ContentStatus = "failed"
)

// TopicStatus tracks topic extraction for an article.
type TopicStatus string

// Topic extraction states persisted with each article.
const (
	TopicPending TopicStatus = "pending"
	TopicTagged  TopicStatus = "tagged"
	TopicFailed  TopicStatus = "failed"
)

// SourceRole classifies the provenance of a source for balance scoring.
type SourceRole string

// Source roles, ordered by citation worthiness.
const (
	RoleOfficial  SourceRole = "official"
	RoleReporting SourceRole = "reporting"
	RoleAnalysis  SourceRole = "analysis"
	RoleOpinion   SourceRole = "opinion"
)

// Rank orders roles by citation worthiness; lower is better.
func (r SourceRole) Rank() int {
	switch r {
	case RoleOfficial:
		return 0
	case RoleReporting:
		return 1
	case RoleAnalysis:
		return 2
	case RoleOpinion:
		return 3
	default:
		return 1
	}
}

// ParseRole maps free-form labels onto a SourceRole, defaulting to reporting.
func ParseRole(s string) SourceRole {
	switch SourceRole(s) {
	case RoleOfficial, RoleReporting, RoleAnalysis, RoleOpinion:
		return SourceRole(s)
	default:
		return RoleReporting
	}
}

// RiskLevel is the editorial risk rating attached to a digest.
type RiskLevel string

// Risk levels accepted from the generator.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// GenerationMode records how a digest was produced.
type GenerationMode string

// Generation modes.
const (
	ModeAutomated GenerationMode = "automated"
	ModeAssisted  GenerationMode = "assisted"
	ModeManual    GenerationMode = "manual"
)

// ReviewStatus is owned by human reviewers; the pipeline only ever writes
// needs_review.
type ReviewStatus string

// Review states.
const (
	ReviewNeeded   ReviewStatus = "needs_review"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// SourceConfig describes one feed as supplied by the caller.
type SourceConfig struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	FeedURL string `json:"feed_url" mapstructure:"feed_url"`
	Badge   string `json:"badge" mapstructure:"badge"`
	Role    string `json:"role" mapstructure:"role"`
}

// SourceRecord is the persisted form of a feed source.
type SourceRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	FeedURL       string     `json:"feed_url"`
	Badge         string     `json:"badge,omitempty"`
	Role          SourceRole `json:"role"`
	LastFetchedAt time.Time  `json:"last_fetched_at"`
}

// RawItem is a feed entry before normalization.
type RawItem struct {
	SourceID    string
	Title       string
	Link        string
	GUID        string
	Summary     string
	Content     string
	Author      string
	PublishedAt *time.Time
}

// TopicAssignment links an article to a topic label.
type TopicAssignment struct {
	TopicID   int     `json:"topic_id"`
	Slug      string  `json:"slug"`
	Label     string  `json:"label"`
	IsPrimary bool    `json:"is_primary"`
	Score     float64 `json:"score,omitempty"`
}

// ArticleRecord is the canonical article row. ID is the dedup key.
type ArticleRecord struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Summary       string            `json:"summary,omitempty"`
	URL           string            `json:"url,omitempty"`
	CanonicalURL  string            `json:"canonical_url,omitempty"`
	SourceID      string            `json:"source_id"`
	PublishedAt   *time.Time        `json:"published_at,omitempty"`
	FetchedAt     time.Time         `json:"fetched_at"`
	Body          string            `json:"body,omitempty"`
	BodyURI       string            `json:"body_uri,omitempty"`
	WordCount     int               `json:"word_count"`
	ContentStatus ContentStatus     `json:"content_status"`
	Topics        []TopicAssignment `json:"topics,omitempty"`
	TopicStatus   TopicStatus       `json:"topic_status"`
}

// PrimaryTopic returns the primary assignment, falling back to the first.
func (a ArticleRecord) PrimaryTopic() (TopicAssignment, bool) {
	for _, t := range a.Topics {
		if t.IsPrimary {
			return t, true
		}
	}
	if len(a.Topics) > 0 {
		return a.Topics[0], true
	}
	return TopicAssignment{}, false
}

// ContentUpdate is written back by the content enrichment pool.
type ContentUpdate struct {
	ArticleID string
	Status    ContentStatus
	Body      string
	BodyURI   string
	WordCount int
	FetchedAt time.Time
}

// TopicUpdate is written back by the topic enrichment pool.
type TopicUpdate struct {
	ArticleID string
	Status    TopicStatus
	Topics    []TopicAssignment
}

// UpsertResult summarises one persistence call.
type UpsertResult struct {
	UpsertedSourceCount  int  `json:"upserted_source_count"`
	UpsertedArticleCount int  `json:"upserted_article_count"`
	UsedLegacySchema     bool `json:"used_legacy_schema"`
}

// ClusterMember references an article inside a story cluster.
type ClusterMember struct {
	ArticleID   string     `json:"article_id"`
	SourceID    string     `json:"source_id"`
	Role        SourceRole `json:"role"`
	PublishedAt time.Time  `json:"published_at"`
}

// RoleCounts tallies cluster members by source role.
type RoleCounts struct {
	Official  int `json:"official_count"`
	Reporting int `json:"reporting_count"`
	Analysis  int `json:"analysis_count"`
	Opinion   int `json:"opinion_count"`
}

// Total returns the number of counted members.
func (c RoleCounts) Total() int {
	return c.Official + c.Reporting + c.Analysis + c.Opinion
}

// Add increments the counter for role.
func (c *RoleCounts) Add(role SourceRole) {
	switch role {
	case RoleOfficial:
		c.Official++
	case RoleAnalysis:
		c.Analysis++
	case RoleOpinion:
		c.Opinion++
	default:
		c.Reporting++
	}
}

// StoryCluster groups articles that cover the same story.
type StoryCluster struct {
	Key                string          `json:"cluster_key"`
	Topic              string          `json:"topic"`
	TopicLabel         string          `json:"topic_label"`
	RepresentativeID   string          `json:"representative_id"`
	Members            []ClusterMember `json:"members"`
	ArticleCount24h    int             `json:"article_count_24h"`
	UniqueSources24h   int             `json:"unique_sources_24h"`
	CongestionScore    float64         `json:"congestion_score"`
	CongestionBucket   int             `json:"congestion_bucket"`
	RoleCounts         RoleCounts      `json:"role_counts"`
	PressReleaseDriven bool            `json:"press_release_driven"`
	OpinionLimited     bool            `json:"opinion_limited"`
	LatestPublishedAt  time.Time       `json:"latest_published_at"`
	DigestSignature    string          `json:"digest_signature,omitempty"`
	NeedsDigest        bool            `json:"needs_digest"`
	SupersededBy       string          `json:"superseded_by,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// MemberIDs returns the member article ids in stored order.
func (c StoryCluster) MemberIDs() []string {
	ids := make([]string, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.ArticleID
	}
	return ids
}

// Citation grounds a digest in a cluster member.
type Citation struct {
	ArticleID  string     `json:"article_id"`
	Headline   string     `json:"headline"`
	SourceName string     `json:"source_name"`
	URL        string     `json:"url"`
	SourceRole SourceRole `json:"source_role"`
}

// StoryDigest is the editorial summary for one cluster.
type StoryDigest struct {
	ClusterKey     string         `json:"cluster_key"`
	Headline       string         `json:"headline"`
	Dek            string         `json:"dek"`
	KeyPoints      []string       `json:"key_points"`
	WhyItMatters   string         `json:"why_it_matters"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Citations      []Citation     `json:"citations"`
	CitationCount  int            `json:"citation_count"`
	GenerationMode GenerationMode `json:"generation_mode"`
	ReviewStatus   ReviewStatus   `json:"review_status"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// ContractLink relates an article to an external contract award.
type ContractLink struct {
	ArticleID  string  `json:"article_id"`
	ContractID string  `json:"contract_id"`
	MatchType  string  `json:"match_type"`
	Confidence float64 `json:"confidence"`
}

// DigestContext is the grounding material handed to the generator.
type DigestContext struct {
	ClusterKey         string     `json:"cluster_key"`
	Topic              string     `json:"topic"`
	ArticleCount24h    int        `json:"article_count_24h"`
	UniqueSources24h   int        `json:"unique_sources_24h"`
	PressReleaseDriven bool       `json:"press_release_driven"`
	OpinionLimited     bool       `json:"opinion_limited"`
	Citations          []Citation `json:"citations"`
	Excerpts           []string   `json:"excerpts"`
}

// GeneratedDigest is the structured output of the generator.
type GeneratedDigest struct {
	Headline     string    `json:"headline"`
	Dek          string    `json:"dek"`
	KeyPoints    []string  `json:"key_points"`
	WhyItMatters string    `json:"why_it_matters"`
	RiskLevel    RiskLevel `json:"risk_level"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers map[string]string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	ContentType  string
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
