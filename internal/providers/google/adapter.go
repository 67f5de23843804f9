// Package google adapts the Gemini generateContent API.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jordanhubbard/taskhub/internal/providers"
	"github.com/jordanhubbard/taskhub/internal/router"
)

// DefaultBaseURL is the public Generative Language API.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter implements router.Provider for Gemini models.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.client = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// New creates a Gemini adapter. An empty baseURL uses DefaultBaseURL.
func New(apiKey, baseURL string, opts ...Option) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Kind() router.ProviderKind { return router.ProviderGoogle }

func (a *Adapter) ID() string { return string(router.ProviderGoogle) }

func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1beta/models"
}

func (a *Adapter) GenerateText(ctx context.Context, prompt string, model string, params router.GenerationParameters) (router.Generation, error) {
	return a.GenerateChat(ctx, []router.Message{{Role: "user", Content: prompt}}, model, params)
}

// GenerateChat maps assistant turns to the "model" role and system turns
// to systemInstruction.
func (a *Adapter) GenerateChat(ctx context.Context, messages []router.Message, model string, params router.GenerationParameters) (router.Generation, error) {
	system, turns := providers.SplitSystem(messages)

	req := generateRequest{
		Contents: make([]content, 0, len(turns)),
		GenerationConfig: generationConfig{
			Temperature:      params.Temperature,
			MaxOutputTokens:  params.MaxOutputTokens,
			TopP:             params.TopP,
			PresencePenalty:  params.PresencePenalty,
			FrequencyPenalty: params.FrequencyPenalty,
		},
	}
	if system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	for _, m := range turns {
		role := "user"
		if m.Role == "assistant" || m.Role == "model" {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	endpoint := a.baseURL + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	body, err := providers.PostJSON(ctx, a.client, endpoint, req, map[string]string{
		"x-goog-api-key": a.apiKey,
	})
	if err != nil {
		return router.Generation{}, err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return router.Generation{}, fmt.Errorf("decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return router.Generation{}, providers.ErrEmptyResponse
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return router.Generation{}, providers.ErrEmptyResponse
	}

	gen := router.Generation{Output: sb.String()}
	if u := resp.UsageMetadata; u != nil {
		gen.TokenUsage = providers.Usage(u.PromptTokenCount, u.CandidatesTokenCount, u.TotalTokenCount)
	}
	return gen, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64  `json:"temperature"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}
