package generator

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

type fakeMessages struct {
	reply  string
	err    error
	params anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.reply}}}, nil
}

func TestAnthropicGenerate(t *testing.T) {
	t.Parallel()

	api := &fakeMessages{reply: "Here you go:\n```json\n" + `{"headline":"Dark Eagle passes test","dek":"The Army fired its hypersonic weapon.","key_points":["First full flight"],"why_it_matters":"Fielding nears.","risk_level":"low"}` + "\n```"}
	g := NewAnthropicWithAPI(api, Config{Model: "claude-test"}, nil)

	out, err := g.Generate(context.Background(), "be factual", newsdesk.DigestContext{ClusterKey: "sc_1", Topic: "Hypersonics"})
	require.NoError(t, err)
	require.Equal(t, "Dark Eagle passes test", out.Headline)
	require.Equal(t, []string{"First full flight"}, out.KeyPoints)
	require.Equal(t, newsdesk.RiskLow, out.RiskLevel)

	require.Equal(t, anthropic.Model("claude-test"), api.params.Model)
	require.EqualValues(t, defaultMaxTokens, api.params.MaxTokens)
	require.Len(t, api.params.System, 1)
	require.Equal(t, "be factual", api.params.System[0].Text)
	require.Len(t, api.params.Messages, 1)
}

func TestAnthropicGenerateErrors(t *testing.T) {
	t.Parallel()

	g := NewAnthropicWithAPI(&fakeMessages{err: errors.New("overloaded")}, Config{}, nil)
	_, err := g.Generate(context.Background(), "x", newsdesk.DigestContext{})
	require.ErrorContains(t, err, "overloaded")

	g = NewAnthropicWithAPI(&fakeMessages{reply: "I cannot help with that."}, Config{}, nil)
	_, err = g.Generate(context.Background(), "x", newsdesk.DigestContext{})
	require.ErrorIs(t, err, ErrNoJSON)

	g = NewAnthropicWithAPI(&fakeMessages{reply: `{"headline": 5}`}, Config{}, nil)
	_, err = g.Generate(context.Background(), "x", newsdesk.DigestContext{})
	require.Error(t, err)
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewAnthropic(Config{}, nil)
	require.Error(t, err)
}

func TestExtractive(t *testing.T) {
	t.Parallel()

	out, err := Extractive{}.Generate(context.Background(), "", newsdesk.DigestContext{
		Topic:            "Hypersonics",
		ArticleCount24h:  3,
		UniqueSources24h: 2,
		Citations: []newsdesk.Citation{
			{ArticleID: "a1", Headline: "Army tests Dark Eagle", SourceName: "Army"},
			{ArticleID: "a2", Headline: "Hypersonic test succeeds", SourceName: "Breaking Defense"},
		},
		Excerpts: []string{"The Army said the test met all objectives."},
	})
	require.NoError(t, err)
	require.Equal(t, "Army tests Dark Eagle", out.Headline)
	require.Equal(t, "The Army said the test met all objectives.", out.Dek)
	require.Len(t, out.KeyPoints, 2)
	require.Equal(t, newsdesk.RiskMedium, out.RiskLevel)

	_, err = Extractive{}.Generate(context.Background(), "", newsdesk.DigestContext{})
	require.Error(t, err)
}
