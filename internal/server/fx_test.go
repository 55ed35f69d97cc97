package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/config"
	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
	"github.com/JakeFAU/defense-newsdesk/internal/pipeline"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuildWithInMemoryBackends(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Storage.Backend = "local"
	cfg.Storage.Local.BaseDir = t.TempDir()

	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.NotNil(t, app.Runner())
	require.Nil(t, app.headless)
	require.Nil(t, app.pubsubClient)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/ingest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "no sources configured")

	rep := app.Runner().Cluster(context.Background())
	require.True(t, rep.OK, rep.Message)
	require.Equal(t, pipeline.StageCluster, rep.Stage)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `newsdesk_stage_runs_total{outcome="ok",stage="cluster"} 1`)
}

func TestBuildFailsOnBadStorage(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Storage.Backend = "local"
	cfg.Storage.Local.BaseDir = ""

	_, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "local blob store init failed")
}

func TestPipelineOptions(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.Sources = []newsdesk.SourceConfig{{ID: "army", FeedURL: "https://www.army.mil/rss"}}
	cfg.PubSub.DigestTopic = "digests"

	opts := PipelineOptions(cfg)
	require.Len(t, opts.Sources, 1)
	require.Equal(t, 48, opts.Pull.SinceHours)
	require.Equal(t, 20*time.Second, opts.Pull.Timeout)
	require.Equal(t, 25*time.Second, opts.Content.Timeout)
	require.Equal(t, 200, opts.TopicBatch)
	require.Equal(t, 90*time.Second, opts.Cluster.DigestTimeout)
	require.Equal(t, "digests", opts.Cluster.EventTopic)
}
