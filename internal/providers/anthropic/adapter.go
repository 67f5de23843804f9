package anthropic

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

const (
	// DefaultBaseURL is the public Anthropic API.
	DefaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	// Messages API requires max_tokens.
	defaultMaxTokens = 1024
)

// Adapter implements router.Provider for the Anthropic Messages API.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a new Anthropic adapter. A zero timeout defaults to 60s.
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

func (a *Adapter) Kind() router.ProviderKind { return router.ProviderAnthropic }

func (a *Adapter) ID() string { return string(router.ProviderAnthropic) }

// HealthEndpoint returns a URL for health probing. A GET to the messages
// endpoint returns 405 (Method Not Allowed) which proves reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

func (a *Adapter) GenerateText(ctx context.Context, prompt string, model string, params router.GenerationParameters) (router.Generation, error) {
	return a.GenerateChat(ctx, []router.Message{{Role: "user", Content: prompt}}, model, params)
}

// GenerateChat sends the conversation with system turns lifted into the
// top-level system field. Presence and frequency penalties have no
// Anthropic equivalent and are dropped.
func (a *Adapter) GenerateChat(ctx context.Context, messages []router.Message, model string, params router.GenerationParameters) (router.Generation, error) {
	system, turns := providers.SplitSystem(messages)
	maxTokens := params.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temp := params.Temperature
	payload := messagesRequest{
		Model:       model,
		System:      system,
		Messages:    turns,
		MaxTokens:   maxTokens,
		Temperature: &temp,
		TopP:        params.TopP,
	}

	body, err := providers.PostJSON(ctx, a.client, a.baseURL+"/v1/messages", payload, a.authHeaders())
	if err != nil {
		return router.Generation{}, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return router.Generation{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return router.Generation{}, providers.ErrEmptyResponse
	}
	return router.Generation{
		Output:     sb.String(),
		TokenUsage: providers.Usage(resp.Usage.InputTokens, resp.Usage.OutputTokens, 0),
	}, nil
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}
}

type messagesRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []router.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
