package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordanhubbard/taskhub/internal/providers"
	"github.com/jordanhubbard/taskhub/internal/router"
)

var _ router.Provider = (*Adapter)(nil)

func TestGenerateChatRolesAndConfig(t *testing.T) {
	var got generateRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("expected api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[{"text":"A dog on "},{"text":"a beach."}]}}],
			"usageMetadata":{"promptTokenCount":30,"candidatesTokenCount":5,"totalTokenCount":35}
		}`))
	}))
	defer ts.Close()

	gen, err := New("test-key", ts.URL).GenerateChat(context.Background(), []router.Message{
		{Role: "system", Content: "Describe images."},
		{Role: "user", Content: "photo 1"},
		{Role: "assistant", Content: "A cat."},
		{Role: "user", Content: "photo 2"},
	}, "gemini-2.0-flash", router.GenerationParameters{Temperature: 0.3, MaxOutputTokens: 200})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gen.Output != "A dog on a beach." {
		t.Errorf("unexpected output %q", gen.Output)
	}
	if gen.TokenUsage.TotalTokens != 35 {
		t.Errorf("unexpected usage %+v", gen.TokenUsage)
	}

	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "Describe images." {
		t.Errorf("unexpected system instruction %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got.Contents))
	}
	if got.Contents[1].Role != "model" || got.Contents[2].Role != "user" {
		t.Errorf("unexpected roles %+v", got.Contents)
	}
	if got.GenerationConfig.MaxOutputTokens != 200 || got.GenerationConfig.Temperature != 0.3 {
		t.Errorf("unexpected config %+v", got.GenerationConfig)
	}
}

func TestGenerateNoCandidates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer ts.Close()

	_, err := New("k", ts.URL).GenerateText(context.Background(), "hi", "gemini-2.5-pro", router.GenerationParameters{})
	if !errors.Is(err, providers.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestGenerateBadRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"status":"INVALID_ARGUMENT"}}`))
	}))
	defer ts.Close()

	_, err := New("k", ts.URL).GenerateText(context.Background(), "hi", "gemini-2.5-pro", router.GenerationParameters{})
	var se *providers.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestDispatcherIntegration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Hi there"}]}}]}`))
	}))
	defer ts.Close()

	d := router.NewDispatcher(0)
	d.RegisterProvider(New("k", ts.URL))
	out := d.Execute(context.Background(), router.MustParseModel("gemini-2.0-flash"),
		router.Task{Kind: router.KindSupportChat, Input: "hello"}, router.GenerationParameters{})
	if out.Status != router.StatusOK || out.Output != "Hi there" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
