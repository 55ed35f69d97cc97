package topics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

func TestClassifyPrimaryTopic(t *testing.T) {
	t.Parallel()

	e := New(DefaultRules(), 0, zap.NewNop())
	got, err := e.Classify(context.Background(), newsdesk.ArticleRecord{
		ID:    "u_1",
		Title: "Army's Dark Eagle hypersonic missile completes flight test",
		Body:  "The long range hypersonic weapon, or LRHW, launched a glide body from Cape Canaveral. The program is part of the budget request.",
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, "hypersonics", got[0].Slug)
	require.True(t, got[0].IsPrimary)
	for _, tag := range got[1:] {
		require.False(t, tag.IsPrimary)
	}
	require.LessOrEqual(t, len(got), defaultMaxTags)
}

func TestClassifyNoMatch(t *testing.T) {
	t.Parallel()

	e := New(DefaultRules(), 0, nil)
	got, err := e.Classify(context.Background(), newsdesk.ArticleRecord{ID: "u_1", Body: "A recipe for banana bread."})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestKeywordsAnchorAtWordStart(t *testing.T) {
	t.Parallel()

	e := New([]Rule{{ID: 1, Slug: "ai", Label: "AI", Keywords: []string{"ai"}}}, 1, nil)

	got, err := e.Classify(context.Background(), newsdesk.ArticleRecord{Body: "The secretary said nothing"})
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = e.Classify(context.Background(), newsdesk.ArticleRecord{Body: "The AI targeting pilot"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestClassifyHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(DefaultRules(), 0, nil).Classify(ctx, newsdesk.ArticleRecord{Body: "hypersonic"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReload(t *testing.T) {
	t.Parallel()

	e := New(nil, 0, nil)
	got, err := e.Classify(context.Background(), newsdesk.ArticleRecord{Body: "hypersonic glide body"})
	require.NoError(t, err)
	require.Empty(t, got)

	e.Reload(DefaultRules())
	got, err = e.Classify(context.Background(), newsdesk.ArticleRecord{Body: "hypersonic glide body"})
	require.NoError(t, err)
	require.Equal(t, "hypersonics", got[0].Slug)
}

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	require.Equal(t, " f 35 lot 18 ", normalizeText("F-35 (Lot 18)"))
	require.Equal(t, " f 35", keywordPattern("F-35"))
}
