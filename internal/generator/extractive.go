package generator

import (
	"context"
	"fmt"

	"github.com/JakeFAU/defense-newsdesk/internal/newsdesk"
)

// Extractive builds a digest straight from the citations without calling a
// model. It is used when no API key is configured.
type Extractive struct{}

var _ newsdesk.Generator = Extractive{}

// Generate uses the lead citation as headline and the rest as key points.
func (Extractive) Generate(ctx context.Context, _ string, digestCtx newsdesk.DigestContext) (newsdesk.GeneratedDigest, error) {
	if err := ctx.Err(); err != nil {
		return newsdesk.GeneratedDigest{}, err
	}
	if len(digestCtx.Citations) == 0 {
		return newsdesk.GeneratedDigest{}, fmt.Errorf("no citations for %s", digestCtx.ClusterKey)
	}
	lead := digestCtx.Citations[0]
	out := newsdesk.GeneratedDigest{
		Headline:  lead.Headline,
		RiskLevel: newsdesk.RiskMedium,
	}
	if len(digestCtx.Excerpts) > 0 {
		out.Dek = digestCtx.Excerpts[0]
	}
	for _, c := range digestCtx.Citations {
		out.KeyPoints = append(out.KeyPoints, fmt.Sprintf("%s: %s", c.SourceName, c.Headline))
	}
	out.WhyItMatters = fmt.Sprintf("%d articles from %d sources covered this %s story in the last 24 hours.",
		digestCtx.ArticleCount24h, digestCtx.UniqueSources24h, digestCtx.Topic)
	if digestCtx.PressReleaseDriven {
		out.WhyItMatters += " Coverage is driven mostly by official statements."
	}
	return out, nil
}
