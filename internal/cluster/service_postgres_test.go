package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/defense-newsdesk/internal/clock/system"
	"github.com/JakeFAU/defense-newsdesk/internal/generator"
	"github.com/JakeFAU/defense-newsdesk/internal/storage/postgres"
)

var articleCols = []string{
	"id", "title", "summary", "url", "canonical_url", "source_id", "published_at", "fetched_at",
	"body", "body_uri", "word_count", "content_status", "topics", "topic_status",
}

var clusterCols = []string{
	"key", "topic", "topic_label", "representative_id", "members", "article_count_24h",
	"unique_sources_24h", "congestion_score", "congestion_bucket", "role_counts", "press_release_driven",
	"opinion_limited", "latest_published_at", "digest_signature", "needs_digest", "superseded_by", "updated_at",
}

type nonEmptyString struct{}

func (nonEmptyString) Match(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

// clusterSave matches a story_clusters upsert by key, signature and
// needs_digest.
func clusterSave(key string, signature any, needsDigest bool) []any {
	args := make([]any, len(clusterCols))
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	args[0] = key
	args[13] = signature
	args[14] = needsDigest
	return args
}

func TestServiceWritesClusterRowBeforeItsDigest(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mock.MatchExpectationsInOrder(true)

	schema := pgxmock.NewRows([]string{"column_name"})
	for _, c := range articleCols {
		schema.AddRow(c)
	}
	mock.ExpectQuery("information_schema.columns").WithArgs("articles").WillReturnRows(schema)
	store, err := postgres.NewWithPool(context.Background(), mock, nil)
	require.NoError(t, err)

	topics := []byte(`[{"topic_id":1,"slug":"hypersonics","label":"Hypersonics","is_primary":true}]`)
	a1At, a2At := t0, t0.Add(time.Hour)
	mock.ExpectQuery("FROM articles").WithArgs(pgxmock.AnyArg()).WillReturnRows(
		pgxmock.NewRows(articleCols).
			AddRow("a1", "Army fires Dark Eagle", "", "https://army.test/a1", "https://army.test/a1", "army",
				&a1At, a1At, "body a1", "", 2, "fetched", topics, "tagged").
			AddRow("a2", "Dark Eagle analysis", "", "https://bd.test/a2", "https://bd.test/a2", "bd",
				&a2At, a2At, "body a2", "", 2, "fetched", topics, "tagged"))
	mock.ExpectQuery("FROM sources").WillReturnRows(
		pgxmock.NewRows([]string{"id", "name", "feed_url", "badge", "role", "last_fetched_at"}).
			AddRow("army", "U.S. Army", "https://army.test/rss", "", "official", &a2At).
			AddRow("bd", "Breaking Defense", "https://bd.test/rss", "", "reporting", &a2At))
	mock.ExpectQuery("FROM story_clusters").WillReturnRows(pgxmock.NewRows(clusterCols))

	key := Key("a1", []string{"a1", "a2"})
	digestArgs := make([]any, 11)
	for i := range digestArgs {
		digestArgs[i] = pgxmock.AnyArg()
	}
	digestArgs[0] = key

	mock.ExpectExec("INSERT INTO story_clusters").WithArgs(clusterSave(key, "", true)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO story_digests").WithArgs(digestArgs...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO story_clusters").WithArgs(clusterSave(key, nonEmptyString{}, false)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	svc := newService(store, generator.Extractive{}, system.NewFixed(t0.Add(2*time.Hour)), nil, nil)
	counts, err := svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, Counts{Articles: 2, Assigned: 2, Active: 1, Digested: 1}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}
