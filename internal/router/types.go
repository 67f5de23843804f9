package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tier is the caller's entitlement level. Tiers are ordered from least to
// most capable; see Rank.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierCreator    Tier = "creator"
	TierInfluencer Tier = "influencer"
	TierEnterprise Tier = "enterprise"
)

var tierRanks = map[Tier]int{
	TierAnonymous:  0,
	TierCreator:    1,
	TierInfluencer: 2,
	TierEnterprise: 3,
}

// AllTiers returns every tier from lowest to highest.
func AllTiers() []Tier {
	return []Tier{TierAnonymous, TierCreator, TierInfluencer, TierEnterprise}
}

// Rank returns the tier's position in the ordering (anonymous = 0).
// Unknown tiers rank as anonymous.
func (t Tier) Rank() int {
	return tierRanks[t]
}

func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// ParseTier parses a tier name. Absent or unknown tiers fall back to the
// lowest tier; ok reports whether s named a known tier.
func ParseTier(s string) (t Tier, ok bool) {
	t = Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t, true
	}
	return TierAnonymous, false
}

// TaskKind names a closed category of AI work.
type TaskKind string

const (
	KindSupportChat           TaskKind = "support_chat"
	KindCaptionWriting        TaskKind = "caption_writing"
	KindHashtagGeneration     TaskKind = "hashtag_generation"
	KindAltTextGeneration     TaskKind = "alt_text_generation"
	KindContentCategorization TaskKind = "content_categorization"
	KindSentimentAnalysis     TaskKind = "sentiment_analysis"
	KindContentIdeas          TaskKind = "content_ideas"
	KindPostRewrite           TaskKind = "post_rewrite"
	KindContentStrategy       TaskKind = "content_strategy"
	KindAudienceAnalysis      TaskKind = "audience_analysis"
	KindPerformanceInsights   TaskKind = "performance_insights"
)

// AlwaysAvailableKind is the only task kind open to the anonymous tier.
const AlwaysAvailableKind = KindSupportChat

// AllTaskKinds returns the closed set of task kinds.
func AllTaskKinds() []TaskKind {
	return []TaskKind{
		KindSupportChat,
		KindCaptionWriting,
		KindHashtagGeneration,
		KindAltTextGeneration,
		KindContentCategorization,
		KindSentimentAnalysis,
		KindContentIdeas,
		KindPostRewrite,
		KindContentStrategy,
		KindAudienceAnalysis,
		KindPerformanceInsights,
	}
}

func (k TaskKind) Valid() bool {
	for _, known := range AllTaskKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ProviderKind identifies the provider family that serves a model.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGoogle    ProviderKind = "google"
)

func (p ProviderKind) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
		return true
	}
	return false
}

// ModelDescriptor identifies a backing model and the provider family it
// belongs to. Descriptors are resolved once when a table is loaded.
type ModelDescriptor struct {
	Provider ProviderKind `json:"provider"`
	ID       string       `json:"id"`
}

func (m ModelDescriptor) IsZero() bool { return m.ID == "" }

func (m ModelDescriptor) String() string {
	if m.IsZero() {
		return ""
	}
	return string(m.Provider) + "/" + m.ID
}

// ParseModel resolves a model identifier into a descriptor. An explicit
// "provider/model" form wins; otherwise the provider is inferred from the
// model name prefix.
func ParseModel(s string) (ModelDescriptor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelDescriptor{}, fmt.Errorf("empty model identifier")
	}
	if prov, id, ok := strings.Cut(s, "/"); ok {
		pk := ProviderKind(strings.ToLower(prov))
		if !pk.Valid() || id == "" {
			return ModelDescriptor{}, fmt.Errorf("unknown provider in model %q", s)
		}
		return ModelDescriptor{Provider: pk, ID: id}, nil
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "gpt-"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"):
		return ModelDescriptor{Provider: ProviderOpenAI, ID: s}, nil
	case strings.HasPrefix(lower, "claude-"):
		return ModelDescriptor{Provider: ProviderAnthropic, ID: s}, nil
	case strings.HasPrefix(lower, "gemini-"):
		return ModelDescriptor{Provider: ProviderGoogle, ID: s}, nil
	}
	return ModelDescriptor{}, fmt.Errorf("cannot infer provider for model %q", s)
}

// MustParseModel is ParseModel for compiled-in tables.
func MustParseModel(s string) ModelDescriptor {
	m, err := ParseModel(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Quality is the requested output quality preference.
type Quality string

const (
	QualityEconomy  Quality = "economy"
	QualityStandard Quality = "standard"
	QualityEnhanced Quality = "enhanced"
	QualityPremium  Quality = "premium"
)

// GenerationParameters are the final parameters sent to a provider.
type GenerationParameters struct {
	Temperature       float64  `json:"temperature"`
	MaxOutputTokens   int      `json:"max_output_tokens"`
	QualityPreference Quality  `json:"quality_preference"`
	TopP              *float64 `json:"top_p,omitempty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty"`
}

// ParameterOverrides is a partial set of generation parameters. Nil fields
// leave the underlying value untouched.
type ParameterOverrides struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxOutputTokens   *int     `json:"max_output_tokens,omitempty"`
	QualityPreference *Quality `json:"quality_preference,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	PresencePenalty   *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty  *float64 `json:"frequency_penalty,omitempty"`
}

func (o *ParameterOverrides) IsZero() bool {
	return o == nil || *o == ParameterOverrides{}
}

// Message is a single role-tagged conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Task is a single unit of requested work. Input is a string, a []Message,
// or any JSON-serialisable value.
type Task struct {
	Kind    TaskKind           `json:"kind"`
	Input   any                `json:"input"`
	Options ParameterOverrides `json:"options"`
}

// Caller carries the identity signals the engine consumes.
type Caller struct {
	UserID string
	Tier   Tier
}

// DecodeInput converts a JSON payload into one of the input shapes a Task
// accepts: a string, a []Message when every element carries a role, or the
// raw JSON value otherwise.
func DecodeInput(raw json.RawMessage) any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err == nil && len(msgs) > 0 {
		for _, m := range msgs {
			if m.Role == "" {
				return raw
			}
		}
		return msgs
	}
	return raw
}

// TokenUsage is the provider-reported token volume for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u TokenUsage) IsZero() bool { return u == TokenUsage{} }

// Status distinguishes a full result from a degraded one.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Override is the resolved form of an active remote policy record.
type Override struct {
	Model      ModelDescriptor
	Parameters *ParameterOverrides
}

// CachedResponse is a memoised result stored by the response cache.
type CachedResponse struct {
	Output     string          `json:"output"`
	ModelUsed  ModelDescriptor `json:"model_used"`
	TokenUsage *TokenUsage     `json:"token_usage,omitempty"`
	StoredAt   time.Time       `json:"stored_at"`
}

// Metadata describes how a result was produced.
type Metadata struct {
	TaskKind       TaskKind             `json:"task_kind"`
	Tier           Tier                 `json:"tier"`
	Parameters     GenerationParameters `json:"parameters"`
	CacheHit       bool                 `json:"cache_hit"`
	OverrideSource string               `json:"override_source"` // remote|static
	PolicyStale    bool                 `json:"policy_stale"`
	LatencyMs      int64                `json:"latency_ms"`
}

// Result is the caller-facing outcome of RouteTask.
type Result struct {
	Output         string          `json:"output"`
	ModelUsed      ModelDescriptor `json:"model_used"`
	TokenUsage     *TokenUsage     `json:"token_usage,omitempty"`
	Status         Status          `json:"status"`
	DegradedReason string          `json:"degraded_reason,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}
