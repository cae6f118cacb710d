package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geminiSSEServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":streamGenerateContent")
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestGeminiStreamDecodesChunks(t *testing.T) {
	srv := geminiSSEServer(t, []string{`{"message":"Hel`, `lo"}`})
	defer srv.Close()

	p := NewGeminiProvider(GeminiConfig{
		APIKeys: []string{"test-key"},
		Models:  []string{"gemini-2.0-flash"},
		BaseURL: srv.URL,
		Client:  srv.Client(),
	}, nil)

	var got strings.Builder
	model, err := p.Stream(context.Background(), &Request{SystemPrompt: "sys", Message: "hi"}, func(text string) {
		got.WriteString(text)
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", model)
	assert.Equal(t, `{"message":"Hello"}`, got.String())
}

func TestGeminiRateLimitBenchesKeyAndFallsThrough(t *testing.T) {
	var keysSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		keysSeen = append(keysSeen, key)
		if key == "limited" {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"quota exceeded"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}\n\n")
	}))
	defer srv.Close()

	cooldowns := NewCooldowns()
	p := NewGeminiProvider(GeminiConfig{
		APIKeys: []string{"limited", "good"},
		Models:  []string{"gemini-2.0-flash", "gemini-1.5-flash"},
		BaseURL: srv.URL,
		Client:  srv.Client(),
	}, cooldowns)

	var got strings.Builder
	_, err := p.Stream(context.Background(), &Request{}, func(text string) {
		got.WriteString(text)
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got.String())

	// The limited key is benched after one attempt, not retried per model.
	assert.Equal(t, []string{"limited", "good"}, keysSeen)
	assert.True(t, cooldowns.Limited("limited"))

	// A second stream skips the benched key entirely.
	keysSeen = nil
	_, err = p.Stream(context.Background(), &Request{}, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, keysSeen)
}

func TestGeminiModelFallbackOnServerError(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Path looks like /v1beta/models/<model>:streamGenerateContent.
		parts := strings.Split(r.URL.Path, "/")
		model := strings.TrimSuffix(parts[len(parts)-1], ":streamGenerateContent")
		models = append(models, model)
		if model == "gemini-2.0-flash" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}\n\n")
	}))
	defer srv.Close()

	p := NewGeminiProvider(GeminiConfig{
		APIKeys: []string{"k"},
		Models:  []string{"gemini-2.0-flash", "gemini-1.5-flash"},
		BaseURL: srv.URL,
		Client:  srv.Client(),
	}, nil)

	model, err := p.Stream(context.Background(), &Request{}, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-flash", model)
	assert.Equal(t, []string{"gemini-2.0-flash", "gemini-1.5-flash"}, models)
}

func TestGeminiComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":generateContent")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"full response"}]}}]}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider(GeminiConfig{
		APIKeys: []string{"k"},
		Models:  []string{"gemini-2.0-flash"},
		BaseURL: srv.URL,
		Client:  srv.Client(),
	}, nil)

	text, model, err := p.Complete(context.Background(), &Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "full response", text)
	assert.Equal(t, "gemini-2.0-flash", model)
}

func TestOpenRouterStreamDecodesDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("HTTP-Referer"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"one \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"two\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(OpenRouterConfig{
		APIKeys: []string{"sk-test"},
		Models:  []string{"google/gemini-2.0-flash-exp:free"},
		BaseURL: srv.URL,
		Client:  srv.Client(),
	}, nil)

	var got strings.Builder
	model, err := p.Stream(context.Background(), &Request{}, func(text string) {
		got.WriteString(text)
	})
	require.NoError(t, err)
	assert.Equal(t, "google/gemini-2.0-flash-exp:free", model)
	assert.Equal(t, "one two", got.String())
}
