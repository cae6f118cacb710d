// Package provider abstracts the upstream text-generation services. A
// Provider turns a prompt into a stream of raw text fragments; the
// registry chains providers with per-key rate-limit cooldowns so a
// quota-exhausted key never stalls a session.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrNoProviders is returned when no provider produced output.
var ErrNoProviders = errors.New("all providers failed")

// RateLimitCooldown is how long a rate-limited API key sits out.
const RateLimitCooldown = 60 * time.Second

// Request is one generation request. The server builds the system
// prompt from canvas context and history before it reaches a provider.
type Request struct {
	SystemPrompt string  `json:"systemPrompt"`
	Message      string  `json:"message"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// Provider is one upstream generation service.
type Provider interface {
	// Name returns the provider identifier, e.g. "gemini".
	Name() string

	// Configured reports whether the provider has at least one API key.
	Configured() bool

	// KeyCount returns the number of API keys available.
	KeyCount() int

	// Stream generates a response, delivering raw text fragments to
	// emit in arrival order. Returns the model that produced output.
	Stream(ctx context.Context, req *Request, emit func(text string)) (model string, err error)

	// Complete generates a full response in one call.
	Complete(ctx context.Context, req *Request) (text string, model string, err error)
}

// IsRateLimitError reports whether an error or upstream error body
// indicates quota exhaustion.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	return isRateLimitText(err.Error())
}

func isRateLimitText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "rate") || strings.Contains(s, "quota") || strings.Contains(s, "429")
}

// Cooldowns tracks API keys that recently hit a rate limit. Shared
// across providers so a key used by several model attempts is benched
// once.
type Cooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewCooldowns creates an empty cooldown tracker.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{until: make(map[string]time.Time), now: time.Now}
}

// Limited reports whether key is still cooling down. Expired entries
// are dropped.
func (c *Cooldowns) Limited(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.until[key]
	if !ok {
		return false
	}
	if c.now().After(expiry) {
		delete(c.until, key)
		return false
	}
	return true
}

// MarkLimited benches key for the cooldown window.
func (c *Cooldowns) MarkLimited(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = c.now().Add(RateLimitCooldown)
}

// keysFromEnv collects API keys from NAME plus NAME_1..NAME_max.
func keysFromEnv(name string, max int) []string {
	var keys []string
	if key := os.Getenv(name); key != "" {
		keys = append(keys, key)
	}
	for i := 1; i <= max; i++ {
		if key := os.Getenv(fmt.Sprintf("%s_%d", name, i)); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}
