package usage

import (
	"math"

	"github.com/jordanhubbard/taskhub/internal/router"
)

const (
	defaultTokenEstimate = 500
	defaultPricePer1K    = 0.01
)

// Pricing holds the read-only estimation tables.
type Pricing struct {
	tokens       map[router.TaskKind]int
	pricePer1K   map[string]float64
	defaultPrice float64
}

// DefaultPricing returns the built-in token and price tables. Prices are
// blended USD per 1K tokens.
func DefaultPricing() *Pricing {
	return &Pricing{
		tokens: map[router.TaskKind]int{
			router.KindSupportChat:           600,
			router.KindCaptionWriting:        400,
			router.KindHashtagGeneration:     150,
			router.KindAltTextGeneration:     200,
			router.KindContentCategorization: 120,
			router.KindSentimentAnalysis:     100,
			router.KindContentIdeas:          1000,
			router.KindPostRewrite:           600,
			router.KindContentStrategy:       2500,
			router.KindAudienceAnalysis:      1800,
			router.KindPerformanceInsights:   1800,
		},
		pricePer1K: map[string]float64{
			"gpt-4.1-mini":            0.001,
			"gpt-4.1":                 0.005,
			"gemini-2.0-flash":        0.0004,
			"gemini-2.5-pro":          0.006,
			"claude-3-5-haiku-latest": 0.002,
			"claude-sonnet-4-5":       0.009,
			"claude-opus-4-1":         0.045,
		},
		defaultPrice: defaultPricePer1K,
	}
}

// EstimateTokens returns the token estimate for kind.
func (p *Pricing) EstimateTokens(kind router.TaskKind) int {
	if n, ok := p.tokens[kind]; ok {
		return n
	}
	return defaultTokenEstimate
}

// PricePer1K returns the price for modelID, falling back to the default.
func (p *Pricing) PricePer1K(modelID string) float64 {
	if v, ok := p.pricePer1K[modelID]; ok {
		return v
	}
	return p.defaultPrice
}

// EstimateCost returns the USD cost of tokens on modelID, rounded to
// micro-dollars.
func (p *Pricing) EstimateCost(modelID string, tokens int) float64 {
	cost := float64(tokens) / 1000 * p.PricePer1K(modelID)
	return math.Round(cost*1e6) / 1e6
}
