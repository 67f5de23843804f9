package router

import "sort"

// StaticTableVersion identifies the compiled-in policy table. Bump it
// whenever a tier row or base parameter changes.
const StaticTableVersion = "2026.10.1"

// Model identifiers used by the compiled-in table.
const (
	modelGPTMini     = "gpt-4.1-mini"
	modelGPT         = "gpt-4.1"
	modelGeminiFlash = "gemini-2.0-flash"
	modelGeminiPro   = "gemini-2.5-pro"
	modelHaiku       = "claude-3-5-haiku-latest"
	modelSonnet      = "claude-sonnet-4-5"
	modelOpus        = "claude-opus-4-1"
)

// defaultBaseParameters applies to kinds without a base entry.
var defaultBaseParameters = GenerationParameters{
	Temperature:       0.7,
	MaxOutputTokens:   500,
	QualityPreference: QualityStandard,
}

// StaticTable is the compiled-in mapping from (tier, kind) to a default
// model, plus base generation parameters per kind. It is read-only once built.
type StaticTable struct {
	version string
	models  map[Tier]map[TaskKind]ModelDescriptor
	base    map[TaskKind]GenerationParameters
}

// TableEntry is one (tier, kind) -> model row, used for admin listings.
type TableEntry struct {
	Tier  Tier            `json:"tier"`
	Kind  TaskKind        `json:"task_kind"`
	Model ModelDescriptor `json:"model"`
}

// NewStaticTable builds a table from explicit rows. The maps are copied.
func NewStaticTable(version string, models map[Tier]map[TaskKind]ModelDescriptor, base map[TaskKind]GenerationParameters) *StaticTable {
	t := &StaticTable{
		version: version,
		models:  make(map[Tier]map[TaskKind]ModelDescriptor, len(models)),
		base:    make(map[TaskKind]GenerationParameters, len(base)),
	}
	for tier, row := range models {
		cp := make(map[TaskKind]ModelDescriptor, len(row))
		for k, m := range row {
			cp[k] = m
		}
		t.models[tier] = cp
	}
	for k, p := range base {
		t.base[k] = p
	}
	return t
}

// DefaultStaticTable returns the compiled-in policy table.
//
// Lower tiers route routine generation to the cheapest adequate family;
// enterprise sends strategic and analytical kinds to the strongest model.
// Kinds missing from a tier row are not entitled for that tier. The
// anonymous row carries a hashtag entry on purpose: the anonymous access
// rule must win over table contents.
func DefaultStaticTable() *StaticTable {
	m := MustParseModel
	models := map[Tier]map[TaskKind]ModelDescriptor{
		TierAnonymous: {
			KindSupportChat:       m(modelGeminiFlash),
			KindHashtagGeneration: m(modelGPTMini),
		},
		TierCreator: {
			KindSupportChat:           m(modelGeminiFlash),
			KindCaptionWriting:        m(modelGPTMini),
			KindHashtagGeneration:     m(modelGPTMini),
			KindAltTextGeneration:     m(modelGeminiFlash),
			KindContentCategorization: m(modelGPTMini),
			KindSentimentAnalysis:     m(modelGPTMini),
			KindContentIdeas:          m(modelGPTMini),
			KindPostRewrite:           m(modelGPTMini),
		},
		TierInfluencer: {
			KindSupportChat:           m(modelGPTMini),
			KindCaptionWriting:        m(modelGPT),
			KindHashtagGeneration:     m(modelGPTMini),
			KindAltTextGeneration:     m(modelGeminiFlash),
			KindContentCategorization: m(modelGPTMini),
			KindSentimentAnalysis:     m(modelHaiku),
			KindContentIdeas:          m(modelGPT),
			KindPostRewrite:           m(modelSonnet),
			KindContentStrategy:       m(modelSonnet),
			KindAudienceAnalysis:      m(modelSonnet),
		},
		TierEnterprise: {
			KindSupportChat:           m(modelHaiku),
			KindCaptionWriting:        m(modelSonnet),
			KindHashtagGeneration:     m(modelGPTMini),
			KindAltTextGeneration:     m(modelGeminiPro),
			KindContentCategorization: m(modelGPTMini),
			KindSentimentAnalysis:     m(modelHaiku),
			KindContentIdeas:          m(modelSonnet),
			KindPostRewrite:           m(modelSonnet),
			KindContentStrategy:       m(modelOpus),
			KindAudienceAnalysis:      m(modelOpus),
			KindPerformanceInsights:   m(modelOpus),
		},
	}
	base := map[TaskKind]GenerationParameters{
		KindSupportChat:           {Temperature: 0.5, MaxOutputTokens: 800, QualityPreference: QualityStandard},
		KindCaptionWriting:        {Temperature: 0.8, MaxOutputTokens: 400, QualityPreference: QualityStandard},
		KindHashtagGeneration:     {Temperature: 0.6, MaxOutputTokens: 150, QualityPreference: QualityStandard},
		KindAltTextGeneration:     {Temperature: 0.3, MaxOutputTokens: 200, QualityPreference: QualityStandard},
		KindContentCategorization: {Temperature: 0.1, MaxOutputTokens: 100, QualityPreference: QualityStandard},
		KindSentimentAnalysis:     {Temperature: 0.0, MaxOutputTokens: 100, QualityPreference: QualityStandard},
		KindContentIdeas:          {Temperature: 0.9, MaxOutputTokens: 1000, QualityPreference: QualityStandard},
		KindPostRewrite:           {Temperature: 0.7, MaxOutputTokens: 600, QualityPreference: QualityStandard},
		KindContentStrategy:       {Temperature: 0.7, MaxOutputTokens: 2000, QualityPreference: QualityStandard},
		KindAudienceAnalysis:      {Temperature: 0.4, MaxOutputTokens: 1500, QualityPreference: QualityStandard},
		KindPerformanceInsights:   {Temperature: 0.3, MaxOutputTokens: 1500, QualityPreference: QualityStandard},
	}
	return NewStaticTable(StaticTableVersion, models, base)
}

func (t *StaticTable) Version() string { return t.version }

// Resolve returns the default model for (tier, kind).
func (t *StaticTable) Resolve(tier Tier, kind TaskKind) (ModelDescriptor, bool) {
	m, ok := t.models[tier][kind]
	if !ok || m.IsZero() {
		return ModelDescriptor{}, false
	}
	return m, true
}

// BaseParameters returns the base generation parameters for kind.
func (t *StaticTable) BaseParameters(kind TaskKind) GenerationParameters {
	if p, ok := t.base[kind]; ok {
		return p
	}
	return defaultBaseParameters
}

// Entries lists every row sorted by tier rank then kind.
func (t *StaticTable) Entries() []TableEntry {
	var out []TableEntry
	for tier, row := range t.models {
		for kind, m := range row {
			out = append(out, TableEntry{Tier: tier, Kind: kind, Model: m})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier.Rank() != out[j].Tier.Rank() {
			return out[i].Tier.Rank() < out[j].Tier.Rank()
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
