// Package cluster groups topic-tagged articles into story clusters,
// scores them and drives digest generation.
package cluster

import (
	"fmt"
	"math"
	"time"
)

// Policy holds the tunable clustering and balance thresholds.
type Policy struct {
	WindowHours      float64   `mapstructure:"window_hours"`
	LookbackHours    float64   `mapstructure:"lookback_hours"`
	BucketThresholds []float64 `mapstructure:"bucket_thresholds"`
	OfficialMajority float64   `mapstructure:"official_majority"`
	OpinionCeiling   float64   `mapstructure:"opinion_ceiling"`
	MaxCitations     int       `mapstructure:"max_citations"`
	ExcerptRunes     int       `mapstructure:"excerpt_runes"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		WindowHours:      48,
		LookbackHours:    72,
		BucketThresholds: []float64{25, 50, 75},
		OfficialMajority: 0.5,
		OpinionCeiling:   0.2,
		MaxCitations:     8,
		ExcerptRunes:     480,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.WindowHours <= 0 {
		p.WindowHours = d.WindowHours
	}
	if p.LookbackHours <= 0 {
		p.LookbackHours = d.LookbackHours
	}
	if len(p.BucketThresholds) == 0 {
		p.BucketThresholds = d.BucketThresholds
	}
	if p.OfficialMajority <= 0 {
		p.OfficialMajority = d.OfficialMajority
	}
	if p.OpinionCeiling <= 0 {
		p.OpinionCeiling = d.OpinionCeiling
	}
	if p.MaxCitations <= 0 {
		p.MaxCitations = d.MaxCitations
	}
	if p.ExcerptRunes <= 0 {
		p.ExcerptRunes = d.ExcerptRunes
	}
	return p
}

// Validate rejects thresholds that cannot be applied.
func (p Policy) Validate() error {
	if p.OfficialMajority >= 1 {
		return fmt.Errorf("official_majority must be below 1, got %v", p.OfficialMajority)
	}
	if p.OpinionCeiling >= 1 {
		return fmt.Errorf("opinion_ceiling must be below 1, got %v", p.OpinionCeiling)
	}
	for i := 1; i < len(p.BucketThresholds); i++ {
		if p.BucketThresholds[i] <= p.BucketThresholds[i-1] {
			return fmt.Errorf("bucket_thresholds must be strictly increasing")
		}
	}
	return nil
}

func (p Policy) window() time.Duration {
	return time.Duration(p.WindowHours * float64(time.Hour))
}

// Lookback is how far back the clustering pass reads tagged articles.
func (p Policy) Lookback() time.Duration {
	return time.Duration(p.LookbackHours * float64(time.Hour))
}

// CongestionScore maps 24h volume and source diversity to 0..100 with one
// decimal place. It rises monotonically in both inputs.
func CongestionScore(articles24h, sources24h int) float64 {
	raw := 100 * (1 - math.Exp(-(0.08*float64(articles24h) + 0.22*float64(sources24h))))
	return math.Round(raw*10) / 10
}

// Bucket returns how many thresholds score has reached.
func (p Policy) Bucket(score float64) int {
	bucket := 0
	for _, threshold := range p.BucketThresholds {
		if score >= threshold {
			bucket++
		}
	}
	return bucket
}
