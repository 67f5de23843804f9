package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/taskhub/internal/providers"
	"github.com/jordanhubbard/taskhub/internal/router"
)

// DefaultBaseURL is the public OpenAI API.
const DefaultBaseURL = "https://api.openai.com"

// Adapter implements router.Provider for OpenAI chat completions.
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

// New creates a new OpenAI adapter. An empty baseURL uses DefaultBaseURL.
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

func (a *Adapter) Kind() router.ProviderKind { return router.ProviderOpenAI }

func (a *Adapter) ID() string { return string(router.ProviderOpenAI) }

// HealthEndpoint lists models; a 401 without credentials still proves
// reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/models"
}

func (a *Adapter) GenerateText(ctx context.Context, prompt string, model string, params router.GenerationParameters) (router.Generation, error) {
	return a.GenerateChat(ctx, []router.Message{{Role: "user", Content: prompt}}, model, params)
}

func (a *Adapter) GenerateChat(ctx context.Context, messages []router.Message, model string, params router.GenerationParameters) (router.Generation, error) {
	payload := chatRequest{
		Model:            model,
		Messages:         messages,
		Temperature:      params.Temperature,
		MaxTokens:        params.MaxOutputTokens,
		TopP:             params.TopP,
		PresencePenalty:  params.PresencePenalty,
		FrequencyPenalty: params.FrequencyPenalty,
	}

	body, err := providers.PostJSON(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	})
	if err != nil {
		return router.Generation{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return router.Generation{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return router.Generation{}, providers.ErrEmptyResponse
	}

	gen := router.Generation{Output: resp.Choices[0].Message.Content}
	if resp.Usage != nil {
		gen.TokenUsage = providers.Usage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	}
	return gen, nil
}

type chatRequest struct {
	Model            string           `json:"model"`
	Messages         []router.Message `json:"messages"`
	Temperature      float64          `json:"temperature"`
	MaxTokens        int              `json:"max_tokens,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
