// ABOUTME: Bridge for the Google Gemini API through the google.golang.org/genai SDK.
// ABOUTME: Maps genai API errors onto the provider taxonomy by HTTP status.

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-pro"

var errMissingAPIKey = errors.New("no API key configured")

// Gemini calls Google's Gemini API.
type Gemini struct {
	base
	client  *genai.Client
	initErr error // client construction failure, reported on every call
	limiter *limiter
}

// NewGemini creates a Gemini bridge. A missing key does not fail startup;
// every call reports an auth failure instead, so the circuit opens.
func NewGemini(cfg Config) (Bridge, error) {
	g := &Gemini{
		base:    newBase(cfg, KindGemini, defaultGeminiModel),
		limiter: newLimiter(cfg),
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient(),
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions.BaseURL = strings.TrimRight(cfg.Endpoint, "/") + "/"
	}

	// NewClient only validates its config; it makes no network calls.
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		if cfg.APIKey == "" {
			err = errMissingAPIKey
		}
		g.initErr = NewError(cfg.Name, ErrProviderAuth, fmt.Errorf("creating gemini client: %w", err))
		return g, nil
	}
	g.client = client
	return g, nil
}

// Invoke sends one generateContent request.
func (g *Gemini) Invoke(ctx context.Context, req Request) (*Response, error) {
	if g.initErr != nil {
		return nil, g.initErr
	}
	if err := g.limiter.wait(ctx); err != nil {
		return nil, err
	}

	model := g.modelFor(req)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(g.maxTokens),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, g.classify(err)
	}

	var finish genai.FinishReason
	if len(resp.Candidates) > 0 {
		finish = resp.Candidates[0].FinishReason
	}
	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}
	return g.finish(strings.TrimSpace(resp.Text()), model, string(finish), finish == genai.FinishReasonMaxTokens)
}

// Probe lists models to confirm the endpoint and key work.
func (g *Gemini) Probe(ctx context.Context) error {
	if g.initErr != nil {
		return g.initErr
	}
	if _, err := g.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return g.classify(err)
	}
	return nil
}

func (g *Gemini) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(g.name, apiErr.Code, apiErr.Message)
	}
	return classifyTransport(g.name, err)
}
