package llm

import (
	"context"
	"fmt"
)

// proxyProvider routes all calls through an application-operated gateway
// instead of hitting the upstream API directly. The gateway holds the real
// upstream credentials; the APIKey here, if any, authenticates the client
// to the gateway only. Used by embedded and browser-hosted frontends that
// cannot carry upstream keys.
type proxyProvider struct {
	base openAICompatClient
}

// NewProxy creates a provider that speaks the OpenAI-compatible wire
// format to a relay gateway at cfg.BaseURL.
func NewProxy(cfg Config) (Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("proxy provider requires a base URL")
	}
	base := newOpenAICompatClient(cfg)
	base.pathPrefix = "/proxy/v1"
	return &proxyProvider{base: base}, nil
}

func (p *proxyProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}

func (p *proxyProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.base.embed(ctx, texts)
}

func (p *proxyProvider) CheckHealth(ctx context.Context) error {
	return p.base.checkHealth(ctx)
}
