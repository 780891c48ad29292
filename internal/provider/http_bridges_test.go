// ABOUTME: Wire-level tests for the OpenAI, Gemini and Anthropic bridges.
// ABOUTME: Each SDK client is pointed at an httptest.Server standing in for the upstream API.

package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const longAnswer = "Split the handler into a parser, a validator and a writer, then test each one."

func TestOpenAI_Invoke(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"gpt-test-0613","choices":[{"message":{"role":"assistant","content":"`+longAnswer+`"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	b, err := NewOpenAI(Config{Name: "oa", Endpoint: srv.URL + "/", APIKey: "sk-test", Model: "gpt-test"})
	require.NoError(t, err)

	resp, err := b.Invoke(context.Background(), Request{Prompt: "refactor", System: "be brief"})
	require.NoError(t, err)

	assert.Equal(t, longAnswer, resp.Text)
	assert.Equal(t, "gpt-test-0613", resp.Model)
	assert.Equal(t, "stop", resp.StopReason)
	assert.False(t, resp.Truncated)
	assert.InDelta(t, DefaultConfidence, resp.Confidence, 1e-9)

	assert.Equal(t, "gpt-test", got["model"])
	messages, _ := got["messages"].([]any)
	require.Len(t, messages, 2)
	first, _ := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
}

func TestOpenAI_TruncatedAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"`+longAnswer+`"},"finish_reason":"length"}]}`)
	}))
	defer srv.Close()

	b, _ := NewOpenAI(Config{Name: "oa", Endpoint: srv.URL, Model: "m"})
	resp, err := b.Invoke(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)

	assert.True(t, resp.Truncated)
	assert.InDelta(t, 0.72, resp.Confidence, 1e-9)
	assert.Equal(t, "m", resp.Model, "falls back to the requested model")
}

func TestOpenAI_ErrorStatuses(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrProviderAuth},
		{http.StatusTooManyRequests, ErrProviderRateLimited},
		{http.StatusBadGateway, ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"invalid_request_error","param":"","code":"nope"}}`)
			}))
			defer srv.Close()

			b, _ := NewOpenAI(Config{Name: "oa", Endpoint: srv.URL})
			_, err := b.Invoke(context.Background(), Request{Prompt: "p"})
			assert.ErrorIs(t, err, tt.want)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, "oa", pe.Provider)
		})
	}
}

func TestOpenAI_EmptyAnswerIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"   "}}]}`)
	}))
	defer srv.Close()

	b, _ := NewOpenAI(Config{Name: "oa", Endpoint: srv.URL})
	_, err := b.Invoke(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestOpenAI_DeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	b, _ := NewOpenAI(Config{Name: "oa", Endpoint: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Invoke(ctx, Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrProviderTimeout)
}

func TestOpenAI_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	b, _ := NewOpenAI(Config{Name: "oa", Endpoint: srv.URL})
	assert.NoError(t, b.Probe(context.Background()))
}

func TestGemini_Invoke(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)

		_, _ = io.WriteString(w, `{
			"candidates":[{"content":{"parts":[{"text":"Split the handler "},{"text":"into a parser and a writer, then test both."}]},"finishReason":"STOP"}],
			"modelVersion":"gemini-test-002"
		}`)
	}))
	defer srv.Close()

	b, err := NewGemini(Config{Name: "gem", Endpoint: srv.URL, APIKey: "g-key", Model: "gemini-test", MaxTokens: 256})
	require.NoError(t, err)
	resp, err := b.Invoke(context.Background(), Request{Prompt: "refactor", System: "be brief"})
	require.NoError(t, err)

	assert.Equal(t, "Split the handler into a parser and a writer, then test both.", resp.Text)
	assert.Equal(t, "gemini-test-002", resp.Model)
	assert.False(t, resp.Truncated)

	cfg, _ := got["generationConfig"].(map[string]any)
	assert.EqualValues(t, 256, cfg["maxOutputTokens"])
	assert.NotNil(t, got["systemInstruction"])
}

func TestGemini_MaxTokensIsTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"`+longAnswer+`"}]},"finishReason":"MAX_TOKENS"}]}`)
	}))
	defer srv.Close()

	b, err := NewGemini(Config{Name: "gem", Endpoint: srv.URL, APIKey: "g-key"})
	require.NoError(t, err)
	resp, err := b.Invoke(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, "MAX_TOKENS", resp.StopReason)
	assert.InDelta(t, 0.72, resp.Confidence, 1e-9)
}

func TestGemini_Forbidden(t *testing.T) {
	var listed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		listed = r.Method == http.MethodGet && r.URL.Path == "/v1beta/models"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"code":403,"message":"key revoked","status":"PERMISSION_DENIED"}}`)
	}))
	defer srv.Close()

	b, err := NewGemini(Config{Name: "gem", Endpoint: srv.URL, APIKey: "revoked"})
	require.NoError(t, err)
	assert.ErrorIs(t, b.Probe(context.Background()), ErrProviderAuth)
	assert.True(t, listed, "health check should list models")
}

func TestGemini_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`)
	}))
	defer srv.Close()

	b, _ := NewGemini(Config{Name: "gem", Endpoint: srv.URL, APIKey: "g-key"})
	_, err := b.Invoke(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusServiceUnavailable, pe.StatusCode)
}

func TestGemini_MissingKeyIsAuthFailure(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	b, err := NewGemini(Config{Name: "gem"})
	require.NoError(t, err, "a missing key must not stop startup")

	_, err = b.Invoke(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrProviderAuth)
	assert.ErrorIs(t, b.Probe(context.Background()), ErrProviderAuth)
}

func TestAnthropic_Invoke(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"msg_01","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"`+longAnswer+`"}],
			"stop_reason":"end_turn","stop_sequence":null,
			"usage":{"input_tokens":10,"output_tokens":20}
		}`)
	}))
	defer srv.Close()

	b, err := NewAnthropic(Config{Name: "claude", Endpoint: srv.URL, APIKey: "sk-ant", Model: "claude-test"})
	require.NoError(t, err)

	resp, err := b.Invoke(context.Background(), Request{Prompt: "refactor", System: "be brief"})
	require.NoError(t, err)

	assert.Equal(t, longAnswer, resp.Text)
	assert.Equal(t, "claude-test", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "claude-test", got["model"])
	assert.NotNil(t, got["system"])
}

func TestAnthropic_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer srv.Close()

	b, _ := NewAnthropic(Config{Name: "claude", Endpoint: srv.URL, APIKey: "sk-ant"})
	_, err := b.Invoke(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrProviderRateLimited)
}

func TestAnthropic_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`)
	}))
	defer srv.Close()

	b, _ := NewAnthropic(Config{Name: "claude", Endpoint: srv.URL, APIKey: "wrong"})
	assert.ErrorIs(t, b.Probe(context.Background()), ErrProviderAuth)
}
