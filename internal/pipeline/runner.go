// Package pipeline runs the newsdesk stages as independent batch runs.
//
// Each stage reads only persisted state, so stages can be triggered in any
// order by a scheduler, the CLI or the HTTP API. Every run returns a Report;
// fatal errors are reported with OK=false rather than panicking through the
// caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/cluster"
	"github.com/JakeFAU/defense-newsdesk/internal/feed"
	"github.com/JakeFAU/defense-newsdesk/internal/logging"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
	"github.com/JakeFAU/defense-newsdesk/internal/normalize"
	"github.com/JakeFAU/defense-newsdesk/internal/telemetry"
	"github.com/JakeFAU/defense-newsdesk/internal/worker"
)

// Stage names accepted by Run.
const (
	StageIngest  = "ingest"
	StageContent = "enrich-content"
	StageTopics  = "enrich-topics"
	StageCluster = "cluster"
	StageAll     = "all"
)

// Stage outcomes reported to the Observer.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// ErrUnknownStage is returned by Run for an unrecognised stage name.
var ErrUnknownStage = errors.New("unknown stage")

// Stages lists the runnable stages in pipeline order.
func Stages() []string {
	return []string{StageIngest, StageContent, StageTopics, StageCluster}
}

// Report is the trigger contract returned by every stage run.
type Report struct {
	Stage            string         `json:"stage"`
	RunID            string         `json:"run_id"`
	OK               bool           `json:"ok"`
	Counts           map[string]int `json:"counts"`
	Errors           []ItemError    `json:"errors,omitempty"`
	Message          string         `json:"message,omitempty"`
	UsedLegacySchema bool           `json:"used_legacy_schema"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
}

// ItemError is a non-fatal failure attached to a report.
type ItemError struct {
	Ref     string `json:"ref"`
	Message string `json:"message"`
}

// Puller fetches configured feeds.
type Puller interface {
	Pull(ctx context.Context, sources []newsdesk.SourceRecord, opts feed.PullOptions) feed.PullResult
}

// ContentEnricher fills article bodies.
type ContentEnricher interface {
	Enrich(ctx context.Context, articles []newsdesk.ArticleRecord, opts worker.ContentOptions) (worker.ContentCounts, error)
}

// TopicEnricher assigns topic labels.
type TopicEnricher interface {
	Enrich(ctx context.Context, articles []newsdesk.ArticleRecord, opts worker.TopicOptions) (worker.TopicCounts, error)
}

// Clusterer runs a clustering and digest pass.
type Clusterer interface {
	Run(ctx context.Context, opts cluster.RunOptions) (cluster.Counts, error)
}

// Observer records stage-level metrics.
type Observer interface {
	ObserveStage(stage, outcome string, d time.Duration, counts map[string]int)
	ObserveSourceError(sourceID string)
}

// Deps wires a Runner. Observer is optional.
type Deps struct {
	Store      newsdesk.Store
	Puller     Puller
	Normalizer *normalize.Normalizer
	Content    ContentEnricher
	Topics     TopicEnricher
	Clusters   Clusterer
	IDs        newsdesk.IDGenerator
	Clock      newsdesk.Clock
	Observer   Observer
}

// Options carries the explicit per-stage configuration.
type Options struct {
	Sources      []newsdesk.SourceConfig
	Pull         feed.PullOptions
	ContentBatch int
	Content      worker.ContentOptions
	TopicBatch   int
	Topics       worker.TopicOptions
	Cluster      cluster.RunOptions
}

// Runner executes pipeline stages.
type Runner struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// New constructs a Runner.
func New(deps Deps, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, opts: opts, logger: logger}
}

// Run executes one named stage. StageAll is handled by RunAll.
func (r *Runner) Run(ctx context.Context, stage string) (Report, error) {
	switch stage {
	case StageIngest:
		return r.Ingest(ctx), nil
	case StageContent:
		return r.EnrichContent(ctx), nil
	case StageTopics:
		return r.EnrichTopics(ctx), nil
	case StageCluster:
		return r.Cluster(ctx), nil
	default:
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
}

// RunAll runs every stage in order and stops after the first failed one.
func (r *Runner) RunAll(ctx context.Context) []Report {
	reports := make([]Report, 0, len(Stages()))
	for _, stage := range Stages() {
		rep, _ := r.Run(ctx, stage)
		reports = append(reports, rep)
		if !rep.OK {
			break
		}
	}
	return reports
}

// Ingest pulls every configured source, normalizes the items and upserts
// sources and articles.
func (r *Runner) Ingest(ctx context.Context) Report {
	return r.execute(ctx, StageIngest, func(ctx context.Context, rep *Report, logger *zap.Logger) error {
		sources := normalize.Sources(r.opts.Sources)
		rep.Counts["sources"] = len(sources)
		if len(sources) == 0 {
			rep.Message = "no sources configured"
			return nil
		}

		pulled := r.deps.Puller.Pull(ctx, sources, r.opts.Pull)
		for _, se := range pulled.Errors {
			rep.Errors = append(rep.Errors, ItemError{Ref: se.SourceID, Message: se.Message})
			if r.deps.Observer != nil {
				r.deps.Observer.ObserveSourceError(se.SourceID)
			}
		}
		ok := make(map[string]struct{}, len(pulled.Succeeded))
		for _, id := range pulled.Succeeded {
			ok[id] = struct{}{}
		}
		for i := range sources {
			if _, fetched := ok[sources[i].ID]; fetched {
				sources[i].LastFetchedAt = pulled.FetchedAt
			}
		}

		articles := r.deps.Normalizer.NormalizeAll(pulled.Items)
		rep.Counts["source_ok"] = pulled.SourceCount
		rep.Counts["source_errors"] = len(pulled.Errors)
		rep.Counts["items"] = pulled.ArticleCount
		rep.Counts["articles"] = len(articles)

		res, err := r.deps.Store.Upsert(ctx, sources, articles)
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		rep.Counts["upserted_sources"] = res.UpsertedSourceCount
		rep.Counts["upserted_articles"] = res.UpsertedArticleCount
		rep.UsedLegacySchema = res.UsedLegacySchema
		logger.Info("ingest upserted",
			zap.Int("sources", res.UpsertedSourceCount),
			zap.Int("articles", res.UpsertedArticleCount),
		)
		return nil
	})
}

// EnrichContent fetches bodies for articles that do not have one yet.
func (r *Runner) EnrichContent(ctx context.Context) Report {
	return r.execute(ctx, StageContent, func(ctx context.Context, rep *Report, _ *zap.Logger) error {
		articles, err := r.deps.Store.ArticlesNeedingContent(ctx, r.opts.ContentBatch)
		if err != nil {
			return fmt.Errorf("select articles: %w", err)
		}
		rep.Counts["selected"] = len(articles)
		counts, err := r.deps.Content.Enrich(ctx, articles, r.opts.Content)
		rep.Counts["processed"] = counts.Processed
		rep.Counts["fetched"] = counts.Fetched
		rep.Counts["failed"] = counts.Failed
		return err
	})
}

// EnrichTopics classifies articles that have a body but no topics.
func (r *Runner) EnrichTopics(ctx context.Context) Report {
	return r.execute(ctx, StageTopics, func(ctx context.Context, rep *Report, _ *zap.Logger) error {
		articles, err := r.deps.Store.ArticlesNeedingTopics(ctx, r.opts.TopicBatch)
		if err != nil {
			return fmt.Errorf("select articles: %w", err)
		}
		rep.Counts["selected"] = len(articles)
		counts, err := r.deps.Topics.Enrich(ctx, articles, r.opts.Topics)
		rep.Counts["processed"] = counts.Processed
		rep.Counts["with_topics"] = counts.WithTopics
		rep.Counts["failed"] = counts.Failed
		return err
	})
}

// Cluster groups tagged articles and refreshes stale digests.
func (r *Runner) Cluster(ctx context.Context) Report {
	return r.execute(ctx, StageCluster, func(ctx context.Context, rep *Report, _ *zap.Logger) error {
		counts, err := r.deps.Clusters.Run(ctx, r.opts.Cluster)
		rep.Counts["articles"] = counts.Articles
		rep.Counts["assigned"] = counts.Assigned
		rep.Counts["active"] = counts.Active
		rep.Counts["superseded"] = counts.Superseded
		rep.Counts["digested"] = counts.Digested
		rep.Counts["digest_failed"] = counts.DigestFailed
		rep.Counts["unchanged"] = counts.Unchanged
		return err
	})
}

type stageFunc func(ctx context.Context, rep *Report, logger *zap.Logger) error

func (r *Runner) execute(ctx context.Context, stage string, fn stageFunc) Report {
	runID, err := r.deps.IDs.NewID()
	if err != nil {
		r.logger.Warn("run id generation failed", zap.Error(err))
	}
	logger := logging.ForRun(r.logger, stage, runID)
	rep := Report{
		Stage:     stage,
		RunID:     runID,
		Counts:    make(map[string]int),
		StartedAt: r.deps.Clock.Now(),
	}

	ctx, span := telemetry.StartStage(ctx, stage, runID)
	logger.Info("stage started")

	err = fn(ctx, &rep, logger)
	outcome := OutcomeOK
	switch {
	case errors.Is(err, newsdesk.ErrLegacySchema):
		rep.OK = true
		rep.UsedLegacySchema = true
		rep.Message = "enriched schema unavailable, stage skipped"
		outcome = OutcomeDegraded
		err = nil
	case err != nil:
		rep.OK = false
		rep.Message = err.Error()
		outcome = OutcomeFailed
	default:
		rep.OK = true
	}
	rep.FinishedAt = r.deps.Clock.Now()

	telemetry.EndStage(span, rep.Counts, err)
	if r.deps.Observer != nil {
		r.deps.Observer.ObserveStage(stage, outcome, rep.FinishedAt.Sub(rep.StartedAt), rep.Counts)
	}

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Any("counts", rep.Counts),
		zap.Int("errors", len(rep.Errors)),
		zap.Duration("duration", rep.FinishedAt.Sub(rep.StartedAt)),
	}
	if err != nil {
		logger.Error("stage failed", append(fields, zap.Error(err))...)
	} else {
		logger.Info("stage finished", fields...)
	}
	return rep
}
