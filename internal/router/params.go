package router

import "math"

// Tier transform tunables.
const (
	maxTemperature             = 2.0
	enterpriseTemperatureDelta = 0.1
	enterpriseTokenScale       = 1.25
	influencerTokenScale       = 1.1
	anonymousTemperature       = 0.2
	anonymousTokenCap          = 256
)

// TierCeiling bounds caller-supplied parameter overrides for a tier.
type TierCeiling struct {
	MaxOutputTokens int     `json:"max_output_tokens"`
	MaxTemperature  float64 `json:"max_temperature"`
}

var tierCeilings = map[Tier]TierCeiling{
	TierAnonymous:  {MaxOutputTokens: anonymousTokenCap, MaxTemperature: 0.7},
	TierCreator:    {MaxOutputTokens: 2000, MaxTemperature: 1.5},
	TierInfluencer: {MaxOutputTokens: 4000, MaxTemperature: maxTemperature},
	TierEnterprise: {MaxOutputTokens: 8000, MaxTemperature: maxTemperature},
}

// CeilingFor returns the override ceiling for tier. Unknown tiers get the
// anonymous ceiling.
func CeilingFor(tier Tier) TierCeiling {
	if c, ok := tierCeilings[tier]; ok {
		return c
	}
	return tierCeilings[TierAnonymous]
}

// DeriveParameters computes final generation parameters: the kind's base
// parameters, then the tier transform, then each override layer in order.
// Later layers win. The function is pure; pointer fields in the result never
// alias the inputs.
func DeriveParameters(table *StaticTable, kind TaskKind, tier Tier, layers ...*ParameterOverrides) GenerationParameters {
	p := table.BaseParameters(kind)
	p.TopP = cloneFloat(p.TopP)
	p.PresencePenalty = cloneFloat(p.PresencePenalty)
	p.FrequencyPenalty = cloneFloat(p.FrequencyPenalty)

	p = applyTierTransform(p, tier)
	for _, l := range layers {
		p = applyOverrides(p, l)
	}
	return p
}

func applyTierTransform(p GenerationParameters, tier Tier) GenerationParameters {
	switch tier {
	case TierEnterprise:
		p.Temperature = math.Min(p.Temperature+enterpriseTemperatureDelta, maxTemperature)
		p.MaxOutputTokens = scaleTokens(p.MaxOutputTokens, enterpriseTokenScale)
		p.QualityPreference = QualityPremium
	case TierInfluencer:
		p.MaxOutputTokens = scaleTokens(p.MaxOutputTokens, influencerTokenScale)
		p.QualityPreference = QualityEnhanced
	case TierCreator:
		p.QualityPreference = QualityStandard
	default:
		// Free usage: deterministic-leaning and hard-capped.
		p.Temperature = anonymousTemperature
		if p.MaxOutputTokens > anonymousTokenCap {
			p.MaxOutputTokens = anonymousTokenCap
		}
		p.QualityPreference = QualityEconomy
	}
	return p
}

func applyOverrides(p GenerationParameters, o *ParameterOverrides) GenerationParameters {
	if o.IsZero() {
		return p
	}
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.MaxOutputTokens != nil {
		p.MaxOutputTokens = *o.MaxOutputTokens
	}
	if o.QualityPreference != nil {
		p.QualityPreference = *o.QualityPreference
	}
	if o.TopP != nil {
		p.TopP = cloneFloat(o.TopP)
	}
	if o.PresencePenalty != nil {
		p.PresencePenalty = cloneFloat(o.PresencePenalty)
	}
	if o.FrequencyPenalty != nil {
		p.FrequencyPenalty = cloneFloat(o.FrequencyPenalty)
	}
	return p
}

// ClampOverrides bounds caller overrides to the tier ceiling and to each
// parameter's valid range. The input is not modified.
func ClampOverrides(o ParameterOverrides, tier Tier) ParameterOverrides {
	c := CeilingFor(tier)
	out := o
	if o.Temperature != nil {
		out.Temperature = floatPtr(clamp(*o.Temperature, 0, c.MaxTemperature))
	}
	if o.MaxOutputTokens != nil {
		n := *o.MaxOutputTokens
		if n > c.MaxOutputTokens {
			n = c.MaxOutputTokens
		}
		if n < 1 {
			n = 1
		}
		out.MaxOutputTokens = &n
	}
	if o.TopP != nil {
		out.TopP = floatPtr(clamp(*o.TopP, 0, 1))
	}
	if o.PresencePenalty != nil {
		out.PresencePenalty = floatPtr(clamp(*o.PresencePenalty, -2, 2))
	}
	if o.FrequencyPenalty != nil {
		out.FrequencyPenalty = floatPtr(clamp(*o.FrequencyPenalty, -2, 2))
	}
	return out
}

func scaleTokens(n int, factor float64) int {
	return int(math.Round(float64(n) * factor))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func floatPtr(v float64) *float64 { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return floatPtr(*p)
}
