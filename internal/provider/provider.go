// ABOUTME: Bridge interface, request/response types and construction config for providers.
// ABOUTME: Also holds the shared confidence heuristic applied to provider answers.

package provider

import (
	"context"
	"net/http"
	"slices"
	"time"
)

// DefaultConfidence is the base confidence of a provider answer.
const DefaultConfidence = 0.9

// DefaultMaxTokens bounds the length of a provider answer.
const DefaultMaxTokens = 4096

// shortAnswerChars marks answers short enough to be suspicious.
const shortAnswerChars = 40

// Request is a normalized call to a provider.
type Request struct {
	Prompt   string
	System   string
	TaskType string
	Model    string        // overrides the bridge's configured model when set
	Timeout  time.Duration // per-call limit, applied by the health wrapper
}

// Response is a normalized provider answer.
type Response struct {
	Text       string
	Confidence float64
	Model      string
	StopReason string
	Truncated  bool
}

// Bridge is the contract every provider kind implements.
type Bridge interface {
	Name() string
	Kind() string
	Capabilities() []string
	Invoke(ctx context.Context, req Request) (*Response, error)
	Probe(ctx context.Context) error
}

// Config describes one provider instance.
type Config struct {
	Name           string
	Kind           string
	Endpoint       string
	APIKey         string
	CredentialEnv  string // name of the env var APIKey was read from, for display
	Model          string
	Capabilities   []string
	Confidence     float64
	MaxTokens      int
	RateLimitRPS   float64
	RateLimitBurst int

	// HTTPClient is used by the HTTP bridges. Nil selects a shared default.
	HTTPClient *http.Client
}

func (c Config) confidence() float64 {
	if c.Confidence <= 0 || c.Confidence > 1 {
		return DefaultConfidence
	}
	return c.Confidence
}

func (c Config) maxTokens() int {
	if c.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return c.MaxTokens
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

// Deadlines come from the request context.
var defaultHTTPClient = &http.Client{}

// ScoreConfidence applies the answer-quality heuristic to a base confidence.
func ScoreConfidence(base float64, text string, truncated bool) float64 {
	c := base
	if truncated {
		c *= 0.8
	}
	if len([]rune(text)) < shortAnswerChars {
		c *= 0.7
	}
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// HasCapabilities reports whether b declares every tag in required.
func HasCapabilities(b Bridge, required []string) bool {
	have := b.Capabilities()
	for _, tag := range required {
		if !slices.Contains(have, tag) {
			return false
		}
	}
	return true
}

// base carries the fields shared by every bridge implementation.
type base struct {
	name         string
	kind         string
	model        string
	capabilities []string
	confidence   float64
	maxTokens    int
}

func newBase(cfg Config, kind, defaultModel string) base {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return base{
		name:         cfg.Name,
		kind:         kind,
		model:        model,
		capabilities: slices.Clone(cfg.Capabilities),
		confidence:   cfg.confidence(),
		maxTokens:    cfg.maxTokens(),
	}
}

func (b *base) Name() string           { return b.name }
func (b *base) Kind() string           { return b.kind }
func (b *base) Capabilities() []string { return slices.Clone(b.capabilities) }

func (b *base) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return b.model
}

// finish turns raw provider text into a Response, rejecting empty answers.
func (b *base) finish(text, model, stopReason string, truncated bool) (*Response, error) {
	if text == "" {
		return nil, NewError(b.name, ErrProviderUnavailable, errEmptyAnswer)
	}
	return &Response{
		Text:       text,
		Confidence: ScoreConfidence(b.confidence, text, truncated),
		Model:      model,
		StopReason: stopReason,
		Truncated:  truncated,
	}, nil
}
