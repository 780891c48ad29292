// ABOUTME: Bridge for OpenAI-compatible chat completion endpoints through openai-go.
// ABOUTME: The endpoint is the server root; requests go to its /v1 API.

package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultOpenAIEndpoint = "https://api.openai.com"
	defaultOpenAIModel    = "gpt-4o"
)

// OpenAI calls an OpenAI-compatible chat completions API.
type OpenAI struct {
	base
	client  openai.Client
	limiter *limiter
}

// NewOpenAI creates an OpenAI-compatible bridge. SDK retries are disabled;
// retry and failover are decided by the bridge manager.
func NewOpenAI(cfg Config) (Bridge, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	opts := []option.RequestOption{
		option.WithBaseURL(endpoint + "/v1/"),
		option.WithMaxRetries(0),
		option.WithHTTPClient(cfg.httpClient()),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}

	return &OpenAI{
		base:    newBase(cfg, KindOpenAI, defaultOpenAIModel),
		client:  openai.NewClient(opts...),
		limiter: newLimiter(cfg),
	}, nil
}

// Invoke sends one chat completion.
func (o *OpenAI) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := o.limiter.wait(ctx); err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	model := o.modelFor(req)
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     model,
		Messages:  messages,
		MaxTokens: openai.Int(int64(o.maxTokens)),
	})
	if err != nil {
		return nil, o.classify(err)
	}

	var text, finish string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}
	if resp.Model != "" {
		model = resp.Model
	}
	return o.finish(strings.TrimSpace(text), model, finish, finish == "length")
}

// Probe lists models to confirm the endpoint and credentials work.
func (o *OpenAI) Probe(ctx context.Context) error {
	if _, err := o.client.Models.List(ctx); err != nil {
		return o.classify(err)
	}
	return nil
}

func (o *OpenAI) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(o.name, apiErr.StatusCode, apiErr.Message)
	}
	return classifyTransport(o.name, err)
}
