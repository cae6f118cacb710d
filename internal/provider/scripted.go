package provider

import (
	"context"
	"strings"
)

// ScriptedProvider replays a fixed chunk sequence. Used in tests and
// for offline development without API keys.
type ScriptedProvider struct {
	ProviderName string
	Model        string
	Chunks       []string
	Err          error
}

// NewScriptedProvider creates a provider that emits chunks in order.
func NewScriptedProvider(name, model string, chunks ...string) *ScriptedProvider {
	return &ScriptedProvider{ProviderName: name, Model: model, Chunks: chunks}
}

func (p *ScriptedProvider) Name() string {
	if p.ProviderName == "" {
		return "scripted"
	}
	return p.ProviderName
}

func (p *ScriptedProvider) Configured() bool { return true }
func (p *ScriptedProvider) KeyCount() int    { return 1 }

func (p *ScriptedProvider) Stream(ctx context.Context, req *Request, emit func(text string)) (string, error) {
	if p.Err != nil {
		return "", p.Err
	}
	for _, chunk := range p.Chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		emit(chunk)
	}
	return p.Model, nil
}

func (p *ScriptedProvider) Complete(ctx context.Context, req *Request) (string, string, error) {
	if p.Err != nil {
		return "", "", p.Err
	}
	return strings.Join(p.Chunks, ""), p.Model, nil
}

var _ Provider = (*ScriptedProvider)(nil)
