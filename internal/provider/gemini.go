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

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// DefaultGeminiModels is the fallback order tried per API key.
var DefaultGeminiModels = []string{
	"gemini-2.5-flash-preview-05-20",
	"gemini-2.0-flash",
	"gemini-1.5-flash",
}

// GeminiProvider streams from the Gemini generateContent API, rotating
// through API keys and model fallbacks.
type GeminiProvider struct {
	keys      []string
	models    []string
	baseURL   string
	client    *http.Client
	cooldowns *Cooldowns
}

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	// APIKeys are tried in order. Empty falls back to GEMINI_API_KEY
	// plus GEMINI_API_KEY_1..5 from the environment.
	APIKeys []string
	Models  []string
	BaseURL string
	Client  *http.Client
}

// NewGeminiProvider creates a Gemini provider sharing cooldowns with
// its siblings in the registry.
func NewGeminiProvider(cfg GeminiConfig, cooldowns *Cooldowns) *GeminiProvider {
	keys := cfg.APIKeys
	if len(keys) == 0 {
		keys = keysFromEnv("GEMINI_API_KEY", 5)
	}
	models := cfg.Models
	if len(models) == 0 {
		models = DefaultGeminiModels
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	if cooldowns == nil {
		cooldowns = NewCooldowns()
	}
	return &GeminiProvider{
		keys:      keys,
		models:    models,
		baseURL:   baseURL,
		client:    client,
		cooldowns: cooldowns,
	}
}

func (p *GeminiProvider) Name() string     { return "gemini" }
func (p *GeminiProvider) Configured() bool { return len(p.keys) > 0 }
func (p *GeminiProvider) KeyCount() int    { return len(p.keys) }

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *GeminiProvider) buildBody(req *Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	// Priming turn keeps the model answering in the JSON envelope.
	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.SystemPrompt}}},
			{Role: "model", Parts: []geminiPart{{Text: "I understand. I will respond with valid JSON containing message and actions."}}},
			{Role: "user", Parts: []geminiPart{{Text: req.Message}}},
		},
		GenerationConfig: geminiGenConfig{
			Temperature:      temperature,
			MaxOutputTokens:  maxTokens,
			ResponseMimeType: "application/json",
		},
	}
	return json.Marshal(body)
}

// Stream tries every non-benched key against the model fallback order
// until one attempt yields output.
func (p *GeminiProvider) Stream(ctx context.Context, req *Request, emit func(text string)) (string, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return "", fmt.Errorf("build gemini request: %w", err)
	}

	var lastErr error
	for _, key := range p.keys {
		if p.cooldowns.Limited(key) {
			continue
		}
		for _, model := range p.models {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if err := p.streamOnce(ctx, key, model, body, emit); err != nil {
				if IsRateLimitError(err) {
					p.cooldowns.MarkLimited(key)
					lastErr = err
					break
				}
				logging.Debug().Str("model", model).Err(err).Msg("gemini attempt failed")
				lastErr = err
				continue
			}
			return model, nil
		}
	}
	if lastErr == nil {
		lastErr = ErrNoProviders
	}
	return "", fmt.Errorf("gemini: %w", lastErr)
}

func (p *GeminiProvider) streamOnce(ctx context.Context, key, model string, body []byte, emit func(text string)) error {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, model, key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

		var parsed geminiResponse
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			// Skip malformed frames.
			continue
		}
		if len(parsed.Candidates) > 0 && len(parsed.Candidates[0].Content.Parts) > 0 {
			if text := parsed.Candidates[0].Content.Parts[0].Text; text != "" {
				emit(text)
			}
		}
	}
	return scanner.Err()
}

// Complete calls the non-streaming generateContent endpoint.
func (p *GeminiProvider) Complete(ctx context.Context, req *Request) (string, string, error) {
	body, err := p.buildBody(req)
	if err != nil {
		return "", "", fmt.Errorf("build gemini request: %w", err)
	}

	var lastErr error
	for _, key := range p.keys {
		if p.cooldowns.Limited(key) {
			continue
		}
		for _, model := range p.models {
			if err := ctx.Err(); err != nil {
				return "", "", err
			}
			text, err := p.completeOnce(ctx, key, model, body)
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
	return "", "", fmt.Errorf("gemini: %w", lastErr)
}

func (p *GeminiProvider) completeOnce(ctx context.Context, key, model string, body []byte) (string, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var parsed geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty gemini response")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

var _ Provider = (*GeminiProvider)(nil)
