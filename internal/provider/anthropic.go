// ABOUTME: Bridge for the Anthropic Messages API through anthropic-sdk-go.
// ABOUTME: Maps SDK API errors onto the provider taxonomy by HTTP status.

package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = string(anthropic.ModelClaudeSonnet4_20250514)

// Anthropic calls Claude through the official SDK.
type Anthropic struct {
	base
	client  anthropic.Client
	limiter *limiter
}

// NewAnthropic creates an Anthropic bridge. SDK retries are disabled; retry
// and failover are decided by the bridge manager.
func NewAnthropic(cfg Config) (Bridge, error) {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithHTTPClient(cfg.httpClient()),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasSuffix(endpoint, "/") {
			endpoint += "/"
		}
		opts = append(opts, option.WithBaseURL(endpoint))
	}

	return &Anthropic{
		base:    newBase(cfg, KindAnthropic, defaultAnthropicModel),
		client:  anthropic.NewClient(opts...),
		limiter: newLimiter(cfg),
	}, nil
}

// Invoke sends a single-turn message.
func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := a.limiter.wait(ctx); err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.modelFor(req)),
		MaxTokens: int64(a.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.classify(err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	truncated := resp.StopReason == anthropic.StopReasonMaxTokens
	return a.finish(strings.TrimSpace(sb.String()), string(resp.Model), string(resp.StopReason), truncated)
}

// Probe lists models, which requires valid credentials but generates nothing.
func (a *Anthropic) Probe(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return a.classify(err)
	}
	return nil
}

func (a *Anthropic) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(a.name, apiErr.StatusCode, apiErr.Error())
	}
	return classifyTransport(a.name, err)
}
