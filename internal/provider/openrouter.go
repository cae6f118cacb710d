package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/arture/agentstream/internal/logging"
)

const openRouterDefaultBaseURL = "https://openrouter.ai/api/v1"

// DefaultOpenRouterModels is the fallback order tried per API key.
var DefaultOpenRouterModels = []string{
	"google/gemini-2.0-flash-exp:free",
	"google/gemini-exp-1206:free",
}

// OpenRouterProvider streams from the OpenRouter chat completions API.
// Normally registered after Gemini as the fallback tier.
type OpenRouterProvider struct {
	keys      []string
	models    []string
	baseURL   string
	referer   string
	title     string
	client    *http.Client
	cooldowns *Cooldowns
}

// OpenRouterConfig holds configuration for the OpenRouter provider.
type OpenRouterConfig struct {
	// APIKeys are tried in order. Empty falls back to
	// OPENROUTER_API_KEY plus OPENROUTER_API_KEY_1..3.
	APIKeys []string
	Models  []string
	BaseURL string
	// Referer and Title fill OpenRouter's attribution headers.
	Referer string
	Title   string
	Client  *http.Client
}

// NewOpenRouterProvider creates an OpenRouter provider sharing
// cooldowns with its siblings in the registry.
func NewOpenRouterProvider(cfg OpenRouterConfig, cooldowns *Cooldowns) *OpenRouterProvider {
	keys := cfg.APIKeys
	if len(keys) == 0 {
		keys = keysFromEnv("OPENROUTER_API_KEY", 3)
	}
	models := cfg.Models
	if len(models) == 0 {
		models = DefaultOpenRouterModels
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openRouterDefaultBaseURL
	}
	referer := cfg.Referer
	if referer == "" {
		referer = "http://localhost:3000"
	}
	title := cfg.Title
	if title == "" {
		title = "Arture Canvas"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	if cooldowns == nil {
		cooldowns = NewCooldowns()
	}
	return &OpenRouterProvider{
		keys:      keys,
		models:    models,
		baseURL:   baseURL,
		referer:   referer,
		title:     title,
		client:    client,
		cooldowns: cooldowns,
	}
}

func (p *OpenRouterProvider) Name() string     { return "openrouter" }
func (p *OpenRouterProvider) Configured() bool { return len(p.keys) > 0 }
func (p *OpenRouterProvider) KeyCount() int    { return len(p.keys) }

type openRouterRequest struct {
	Model       string              `json:"model"`
	Messages    []openRouterMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature"`
	Stream      bool                `json:"stream"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterStreamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenRouterProvider) buildBody(req *Request, model string, stream bool) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	return json.Marshal(openRouterRequest{
		Model: model,
		Messages: []openRouterMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.Message},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
	})
}

func (p *OpenRouterProvider) newHTTPRequest(ctx context.Context, key string, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("HTTP-Referer", p.referer)
	httpReq.Header.Set("X-Title", p.title)
	return httpReq, nil
}

// Stream tries every non-benched key against the model fallback order
// until one attempt yields output.
func (p *OpenRouterProvider) Stream(ctx context.Context, req *Request, emit func(text string)) (string, error) {
	var lastErr error
	for _, key := range p.keys {
		if p.cooldowns.Limited(key) {
			continue
		}
		for _, model := range p.models {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if err := p.streamOnce(ctx, key, model, req, emit); err != nil {
				if IsRateLimitError(err) {
					p.cooldowns.MarkLimited(key)
					lastErr = err
					break
				}
				logging.Debug().Str("model", model).Err(err).Msg("openrouter attempt failed")
				lastErr = err
				continue
			}
			return model, nil
		}
	}
	if lastErr == nil {
		lastErr = ErrNoProviders
	}
	return "", fmt.Errorf("openrouter: %w", lastErr)
}

func (p *OpenRouterProvider) streamOnce(ctx context.Context, key, model string, req *Request, emit func(text string)) error {
	body, err := p.buildBody(req, model, true)
	if err != nil {
		return err
	}
	httpReq, err := p.newHTTPRequest(ctx, key, body)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorText, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests || isRateLimitText(string(errorText)) {
			return fmt.Errorf("status 429: rate limited")
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errorText)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := line[len("data: "):]
		if data == "[DONE]" {
			continue
		}

		var frame openRouterStreamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if len(frame.Choices) > 0 {
			if text := frame.Choices[0].Delta.Content; text != "" {
				emit(text)
			}
		}
	}
	return scanner.Err()
}

// Complete calls the completions endpoint without streaming.
func (p *OpenRouterProvider) Complete(ctx context.Context, req *Request) (string, string, error) {
	var lastErr error
	for _, key := range p.keys {
		if p.cooldowns.Limited(key) {
			continue
		}
		for _, model := range p.models {
			if err := ctx.Err(); err != nil {
				return "", "", err
			}
			text, err := p.completeOnce(ctx, key, model, req)
			if err != nil {
				if IsRateLimitError(err) {
					p.cooldowns.MarkLimited(key)
					lastErr = err
					break
				}
				lastErr = err
				continue
			}
			return text, model, nil
		}
	}
	if lastErr == nil {
		lastErr = ErrNoProviders
	}
	return "", "", fmt.Errorf("openrouter: %w", lastErr)
}

func (p *OpenRouterProvider) completeOnce(ctx context.Context, key, model string, req *Request) (string, error) {
	body, err := p.buildBody(req, model, false)
	if err != nil {
		return "", err
	}
	httpReq, err := p.newHTTPRequest(ctx, key, body)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorText, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests || isRateLimitText(string(errorText)) {
			return "", fmt.Errorf("status 429: rate limited")
		}
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errorText)))
	}

	var frame openRouterStreamFrame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return "", fmt.Errorf("decode openrouter response: %w", err)
	}
	if len(frame.Choices) == 0 {
		return "", fmt.Errorf("empty openrouter response")
	}
	return frame.Choices[0].Message.Content, nil
}

var _ Provider = (*OpenRouterProvider)(nil)
