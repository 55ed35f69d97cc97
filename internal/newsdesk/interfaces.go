package newsdesk

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by store adapters.
var (
	ErrNotFound     = errors.New("not found")
	ErrLegacySchema = errors.New("enriched schema unavailable")
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// SourceArticleWriter persists sources and normalized articles.
type SourceArticleWriter interface {
	Upsert(ctx context.Context, sources []SourceRecord, articles []ArticleRecord) (UpsertResult, error)
}

// ContentStore serves the content enrichment stage.
type ContentStore interface {
	ArticlesNeedingContent(ctx context.Context, limit int) ([]ArticleRecord, error)
	SaveContent(ctx context.Context, update ContentUpdate) error
}

// TopicStore serves the topic enrichment stage.
type TopicStore interface {
	ArticlesNeedingTopics(ctx context.Context, limit int) ([]ArticleRecord, error)
	SaveTopics(ctx context.Context, update TopicUpdate) error
}

// ClusterStore serves the clustering and digest stage.
type ClusterStore interface {
	TopicArticlesSince(ctx context.Context, since time.Time) ([]ArticleRecord, error)
	Sources(ctx context.Context) ([]SourceRecord, error)
	ActiveClusters(ctx context.Context) ([]StoryCluster, error)
	SaveCluster(ctx context.Context, cluster StoryCluster) error
	Digest(ctx context.Context, clusterKey string) (StoryDigest, error)
	SaveDigest(ctx context.Context, digest StoryDigest) error
}

// ReadStore exposes the downstream read contract.
type ReadStore interface {
	Article(ctx context.Context, id string) (ArticleRecord, error)
	Cluster(ctx context.Context, key string) (StoryCluster, error)
	Digest(ctx context.Context, clusterKey string) (StoryDigest, error)
	ContractLinks(ctx context.Context, articleID string) ([]ContractLink, error)
}

// Store is the full persistence adapter contract.
type Store interface {
	SourceArticleWriter
	ContentStore
	TopicStore
	ClusterStore
	ReadStore
	LinkContract(ctx context.Context, link ContractLink) error
	LegacySchema() bool
	Close()
}

// Classifier assigns topic labels to an enriched article.
type Classifier interface {
	Classify(ctx context.Context, article ArticleRecord) ([]TopicAssignment, error)
}

// Generator writes a digest from grounded citations.
type Generator interface {
	Generate(ctx context.Context, instruction string, digestCtx DigestContext) (GeneratedDigest, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
