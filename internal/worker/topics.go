package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/dispatcher"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// TopicOptions bounds one TopicPool.Enrich call.
type TopicOptions struct {
	Concurrency int
}

// TopicCounts summarises one Enrich call. WithTopics+Failed == Processed.
type TopicCounts struct {
	Processed  int `json:"processed"`
	WithTopics int `json:"with_topics"`
	Failed     int `json:"failed"`
}

// TopicPool assigns topics to articles that have a body but no topics.
type TopicPool struct {
	classifier newsdesk.Classifier
	store      newsdesk.TopicStore
	logger     *zap.Logger
}

// NewTopicPool constructs a TopicPool.
func NewTopicPool(classifier newsdesk.Classifier, store newsdesk.TopicStore, logger *zap.Logger) *TopicPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TopicPool{classifier: classifier, store: store, logger: logger}
}

// Enrich classifies eligible articles. No match or a classifier error marks
// the article TopicFailed so a later run retries it.
func (p *TopicPool) Enrich(ctx context.Context, articles []newsdesk.ArticleRecord, opts TopicOptions) (TopicCounts, error) {
	eligible := make([]newsdesk.ArticleRecord, 0, len(articles))
	for _, a := range articles {
		if strings.TrimSpace(a.Body) != "" && len(a.Topics) == 0 {
			eligible = append(eligible, a)
		}
	}

	var (
		mu     sync.Mutex
		counts TopicCounts
	)
	err := dispatcher.New(opts.Concurrency).Each(ctx, len(eligible), func(ctx context.Context, i int) error {
		article := eligible[i]
		update := p.classify(ctx, article)
		if err := p.store.SaveTopics(ctx, update); err != nil {
			return fmt.Errorf("save topics for %s: %w", article.ID, err)
		}
		mu.Lock()
		defer mu.Unlock()
		counts.Processed++
		if update.Status == newsdesk.TopicTagged {
			counts.WithTopics++
		} else {
			counts.Failed++
		}
		return nil
	})
	return counts, err
}

func (p *TopicPool) classify(ctx context.Context, article newsdesk.ArticleRecord) newsdesk.TopicUpdate {
	failed := newsdesk.TopicUpdate{ArticleID: article.ID, Status: newsdesk.TopicFailed}
	tags, err := p.classifier.Classify(ctx, article)
	if err != nil {
		p.logger.Warn("classify failed", zap.String("article_id", article.ID), zap.Error(err))
		return failed
	}
	if len(tags) == 0 {
		p.logger.Debug("no topic matched", zap.String("article_id", article.ID))
		return failed
	}
	return newsdesk.TopicUpdate{ArticleID: article.ID, Status: newsdesk.TopicTagged, Topics: tags}
}
