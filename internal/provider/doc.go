// ABOUTME: Package documentation for the provider package.
// ABOUTME: Describes the Bridge contract, supported kinds and the error taxonomy.

// Package provider adapts external AI services to a single request/response
// contract.
//
// # Bridge
//
// Every provider kind implements Bridge:
//
//	type Bridge interface {
//	    Name() string
//	    Kind() string
//	    Capabilities() []string
//	    Invoke(ctx context.Context, req Request) (*Response, error)
//	    Probe(ctx context.Context) error
//	}
//
// Bridges honor ctx but do not impose their own deadline; the health package
// wraps each bridge with the per-call timeout and records the outcome.
//
// # Kinds
//
// The set of kinds is closed and registered in an explicit map:
//
//   - anthropic: Messages API through anthropic-sdk-go
//   - openai: any OpenAI-compatible /v1/chat/completions endpoint, through openai-go
//   - gemini: Gemini API generateContent, through google.golang.org/genai
//
// SDK retries are turned off; failover belongs to the bridge manager. A
// Gemini bridge without an API key still registers and fails every call
// with ErrProviderAuth.
//   - static: deterministic canned answers for development and demos
//
// # Errors
//
// Failures are returned as *Error, which matches exactly one of the
// sentinels below through errors.Is:
//
//   - ErrProviderTimeout: deadline exceeded or upstream timeout status
//   - ErrProviderAuth: 401/403 from the upstream, or no usable credentials
//   - ErrProviderRateLimited: 429 upstream, or the local limiter could not
//     admit the call before the deadline
//   - ErrProviderUnavailable: anything else, including empty answers
//
// # Confidence
//
// A provider answer's confidence starts at the configured base (default 0.9)
// and is reduced for truncated (x0.8) and very short (x0.7) answers.
package provider
