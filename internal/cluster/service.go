package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/dispatcher"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// Digest outcomes reported to the DigestObserver.
const (
	OutcomeGenerated = "generated"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Store is what a clustering pass reads and writes.
type Store interface {
	newsdesk.ClusterStore
	Article(ctx context.Context, id string) (newsdesk.ArticleRecord, error)
}

// DigestObserver records digest outcomes.
type DigestObserver interface {
	ObserveDigest(outcome string)
}

// DigestEvent is published whenever a digest is regenerated.
type DigestEvent struct {
	ClusterKey      string             `json:"cluster_key"`
	SupersedesKeys  []string           `json:"supersedes_keys,omitempty"`
	Topic           string             `json:"topic"`
	Headline        string             `json:"headline"`
	RiskLevel       newsdesk.RiskLevel `json:"risk_level"`
	CitationCount   int                `json:"citation_count"`
	CongestionScore float64            `json:"congestion_score"`
	ReviewStatus    string             `json:"review_status"`
	GeneratedAt     string             `json:"generated_at"`
}

// EventType names the Pub/Sub event-type attribute.
func (DigestEvent) EventType() string { return "newsdesk.digest.updated" }

// ServiceDeps wires a Service. Publisher and Observer are optional.
type ServiceDeps struct {
	Store     Store
	Engine    *Engine
	Digests   *DigestEngine
	Publisher newsdesk.Publisher
	Clock     newsdesk.Clock
	Observer  DigestObserver
}

// RunOptions bounds one pass.
type RunOptions struct {
	DigestConcurrency int
	DigestTimeout     time.Duration
	EventTopic        string
}

// Counts summarises one pass.
type Counts struct {
	Articles     int `json:"articles"`
	Assigned     int `json:"assigned"`
	Active       int `json:"active"`
	Superseded   int `json:"superseded"`
	Digested     int `json:"digested"`
	DigestFailed int `json:"digest_failed"`
	// Unchanged counts active clusters that needed no write this pass.
	Unchanged int `json:"unchanged"`
}

// Service runs a full clustering pass against persisted state.
type Service struct {
	deps   ServiceDeps
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(deps ServiceDeps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: logger}
}

// Run clusters recent tagged articles, persists clusters and regenerates
// stale digests. Generation failures are counted and retried next pass;
// store errors abort the pass.
func (s *Service) Run(ctx context.Context, opts RunOptions) (Counts, error) {
	now := s.deps.Clock.Now()
	policy := s.deps.Engine.Policy()

	articles, err := s.deps.Store.TopicArticlesSince(ctx, now.Add(-policy.Lookback()))
	if err != nil {
		return Counts{}, fmt.Errorf("load tagged articles: %w", err)
	}
	sourceList, err := s.deps.Store.Sources(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("load sources: %w", err)
	}
	existing, err := s.deps.Store.ActiveClusters(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("load clusters: %w", err)
	}

	stored := make(map[string]newsdesk.StoryCluster, len(existing))
	for _, c := range existing {
		stored[c.Key] = c
	}
	sources := make(map[string]newsdesk.SourceRecord, len(sourceList))
	roles := make(map[string]newsdesk.SourceRole, len(sourceList))
	for _, src := range sourceList {
		sources[src.ID] = src
		roles[src.ID] = src.Role
	}

	result := s.deps.Engine.Cluster(articles, existing, roles, now)
	counts := Counts{
		Articles:   len(articles),
		Assigned:   result.Assigned,
		Active:     len(result.Active),
		Superseded: len(result.Superseded),
	}

	supersedes := make(map[string][]string)
	for _, old := range result.Superseded {
		if err := s.deps.Store.SaveCluster(ctx, old); err != nil {
			return counts, fmt.Errorf("save superseded cluster %s: %w", old.Key, err)
		}
		supersedes[old.SupersededBy] = append(supersedes[old.SupersededBy], old.Key)
	}

	byID := make(map[string]newsdesk.ArticleRecord, len(articles))
	for _, a := range articles {
		byID[a.ID] = a
	}
	if err := s.loadMissingMembers(ctx, result.Active, byID); err != nil {
		return counts, err
	}

	var mu sync.Mutex
	err = dispatcher.New(opts.DigestConcurrency).Each(ctx, len(result.Active), func(ctx context.Context, i int) error {
		c := result.Active[i]
		prev, known := stored[c.Key]
		if known && !NeedsRegeneration(c) && sameState(prev, c) {
			mu.Lock()
			counts.Unchanged++
			mu.Unlock()
			return nil
		}
		outcome, err := s.refresh(ctx, c, byID, sources, supersedes[c.Key], opts)
		if err != nil {
			return err
		}
		if s.deps.Observer != nil {
			s.deps.Observer.ObserveDigest(outcome)
		}
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case OutcomeGenerated:
			counts.Digested++
		case OutcomeFailed:
			counts.DigestFailed++
		}
		return nil
	})
	return counts, err
}

// refresh saves c and regenerates its digest when stale. The cluster row
// is written before its digest, which references it, and again once the
// digest is stored.
func (s *Service) refresh(
	ctx context.Context,
	c newsdesk.StoryCluster,
	articles map[string]newsdesk.ArticleRecord,
	sources map[string]newsdesk.SourceRecord,
	supersedes []string,
	opts RunOptions,
) (string, error) {
	if !NeedsRegeneration(c) {
		if err := s.deps.Store.SaveCluster(ctx, c); err != nil {
			return "", fmt.Errorf("save cluster %s: %w", c.Key, err)
		}
		return OutcomeSkipped, nil
	}

	pending := c
	pending.NeedsDigest = true
	if err := s.deps.Store.SaveCluster(ctx, pending); err != nil {
		return "", fmt.Errorf("save cluster %s: %w", c.Key, err)
	}
	if err := s.carryDigest(ctx, c.Key, supersedes); err != nil {
		return "", err
	}

	genCtx := ctx
	if opts.DigestTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, opts.DigestTimeout)
		defer cancel()
	}
	digest, err := s.deps.Digests.Digest(genCtx, c, articles, sources)
	if err != nil {
		s.logger.Warn("digest generation failed", zap.String("cluster_key", c.Key), zap.Error(err))
		return OutcomeFailed, nil
	}
	if err := s.deps.Store.SaveDigest(ctx, digest); err != nil {
		return "", fmt.Errorf("save digest %s: %w", c.Key, err)
	}
	c.DigestSignature = Signature(c)
	c.NeedsDigest = false
	if err := s.deps.Store.SaveCluster(ctx, c); err != nil {
		return "", fmt.Errorf("save cluster %s: %w", c.Key, err)
	}
	s.publish(ctx, opts.EventTopic, c, digest, supersedes)
	return OutcomeGenerated, nil
}

// carryDigest copies the newest digest of the superseded clusters onto key,
// flagged for review, so the story keeps a digest while regeneration is
// pending. A successor holds every member of its predecessor, so the
// carried citations stay grounded.
func (s *Service) carryDigest(ctx context.Context, key string, supersedes []string) error {
	if len(supersedes) == 0 {
		return nil
	}
	_, err := s.deps.Store.Digest(ctx, key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, newsdesk.ErrNotFound) {
		return fmt.Errorf("load digest %s: %w", key, err)
	}

	var (
		newest newsdesk.StoryDigest
		found  bool
	)
	for _, old := range supersedes {
		d, err := s.deps.Store.Digest(ctx, old)
		if errors.Is(err, newsdesk.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load digest %s: %w", old, err)
		}
		if !found || d.GeneratedAt.After(newest.GeneratedAt) {
			newest, found = d, true
		}
	}
	if !found {
		return nil
	}
	newest.ClusterKey = key
	newest.ReviewStatus = newsdesk.ReviewNeeded
	if err := s.deps.Store.SaveDigest(ctx, newest); err != nil {
		return fmt.Errorf("carry digest to %s: %w", key, err)
	}
	return nil
}

// sameState reports whether a recomputed cluster matches its stored record,
// ignoring the update time.
func sameState(prev, c newsdesk.StoryCluster) bool {
	if prev.Key != c.Key ||
		prev.RepresentativeID != c.RepresentativeID ||
		prev.TopicLabel != c.TopicLabel ||
		prev.ArticleCount24h != c.ArticleCount24h ||
		prev.UniqueSources24h != c.UniqueSources24h ||
		prev.CongestionScore != c.CongestionScore ||
		prev.CongestionBucket != c.CongestionBucket ||
		prev.RoleCounts != c.RoleCounts ||
		prev.PressReleaseDriven != c.PressReleaseDriven ||
		prev.OpinionLimited != c.OpinionLimited ||
		prev.DigestSignature != c.DigestSignature ||
		prev.NeedsDigest != c.NeedsDigest ||
		!prev.LatestPublishedAt.Equal(c.LatestPublishedAt) ||
		len(prev.Members) != len(c.Members) {
		return false
	}
	for i, m := range c.Members {
		p := prev.Members[i]
		if p.ArticleID != m.ArticleID || p.SourceID != m.SourceID || p.Role != m.Role || !p.PublishedAt.Equal(m.PublishedAt) {
			return false
		}
	}
	return true
}

// loadMissingMembers fetches members that fell outside the lookback window
// so they can still be cited.
func (s *Service) loadMissingMembers(
	ctx context.Context,
	clusters []newsdesk.StoryCluster,
	byID map[string]newsdesk.ArticleRecord,
) error {
	for _, c := range clusters {
		if !NeedsRegeneration(c) {
			continue
		}
		for _, m := range c.Members {
			if _, ok := byID[m.ArticleID]; ok {
				continue
			}
			a, err := s.deps.Store.Article(ctx, m.ArticleID)
			if errors.Is(err, newsdesk.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load member %s: %w", m.ArticleID, err)
			}
			byID[a.ID] = a
		}
	}
	return nil
}

func (s *Service) publish(
	ctx context.Context,
	topic string,
	c newsdesk.StoryCluster,
	d newsdesk.StoryDigest,
	supersedes []string,
) {
	if topic == "" || s.deps.Publisher == nil {
		return
	}
	event := DigestEvent{
		ClusterKey:      c.Key,
		SupersedesKeys:  supersedes,
		Topic:           c.Topic,
		Headline:        d.Headline,
		RiskLevel:       d.RiskLevel,
		CitationCount:   d.CitationCount,
		CongestionScore: c.CongestionScore,
		ReviewStatus:    string(d.ReviewStatus),
		GeneratedAt:     d.GeneratedAt.Format(time.RFC3339),
	}
	id, err := s.deps.Publisher.Publish(ctx, topic, event)
	if err != nil {
		s.logger.Warn("publish digest event failed", zap.String("cluster_key", c.Key), zap.Error(err))
		return
	}
	s.logger.Info("digest published",
		zap.String("cluster_key", c.Key),
		zap.String("message_id", id),
		zap.String("headline", d.Headline))
}
