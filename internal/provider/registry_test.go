package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryStreamsFromFirstProvider(t *testing.T) {
	registry := NewRegistry(
		NewScriptedProvider("gemini", "gemini-2.0-flash", `{"message":"hi"}`),
		NewScriptedProvider("openrouter", "google/gemini-2.0-flash-exp:free", "unreached"),
	)

	var got strings.Builder
	model, err := registry.Stream(context.Background(), &Request{Message: "hello"}, func(text string) {
		got.WriteString(text)
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini:gemini-2.0-flash", model)
	assert.Equal(t, `{"message":"hi"}`, got.String())
}

func TestRegistryFallsBackOnFailure(t *testing.T) {
	failing := NewScriptedProvider("gemini", "gemini-2.0-flash")
	failing.Err = errors.New("status 429: rate limited")

	registry := NewRegistry(
		failing,
		NewScriptedProvider("openrouter", "google/gemini-2.0-flash-exp:free", "ok"),
	)

	var got strings.Builder
	model, err := registry.Stream(context.Background(), &Request{}, func(text string) {
		got.WriteString(text)
	})
	require.NoError(t, err)
	assert.Equal(t, "openrouter:google/gemini-2.0-flash-exp:free", model)
	assert.Equal(t, "ok", got.String())
}

func TestRegistryExhaustionReportsLastError(t *testing.T) {
	failing := NewScriptedProvider("gemini", "")
	failing.Err = errors.New("boom")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewRegistry(failing).Stream(ctx, &Request{}, func(string) {})
	require.Error(t, err)
}

func TestRegistryComplete(t *testing.T) {
	registry := NewRegistry(NewScriptedProvider("gemini", "gemini-1.5-flash", "part one ", "part two"))

	text, model, err := registry.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "part one part two", text)
	assert.Equal(t, "gemini:gemini-1.5-flash", model)
}

func TestHealthReport(t *testing.T) {
	registry := NewRegistry(
		NewScriptedProvider("gemini", "m"),
		NewScriptedProvider("openrouter", "m"),
	)

	report := registry.HealthReport()
	require.Len(t, report, 2)
	assert.True(t, report["gemini"].Configured)
	assert.Equal(t, 1, report["openrouter"].KeyCount)
}

func TestCooldowns(t *testing.T) {
	c := NewCooldowns()
	now := time.Now()
	c.now = func() time.Time { return now }

	assert.False(t, c.Limited("key1"))
	c.MarkLimited("key1")
	assert.True(t, c.Limited("key1"))
	assert.False(t, c.Limited("key2"))

	now = now.Add(RateLimitCooldown + time.Second)
	assert.False(t, c.Limited("key1"))
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, IsRateLimitError(errors.New("status 429: rate limited")))
	assert.True(t, IsRateLimitError(errors.New("quota exceeded")))
	assert.False(t, IsRateLimitError(errors.New("connection refused")))
	assert.False(t, IsRateLimitError(nil))
}
