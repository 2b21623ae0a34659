// Package openaicompat implements agos.Provider over the OpenAI chat
// completions wire format. Any backend speaking that API works: OpenAI
// itself, OpenRouter, Groq, Together, vLLM, LM Studio, or a local
// Ollama with /v1 enabled.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nevindra/agos"
)

// maxErrBody caps how much of an error response ErrHTTP keeps.
const maxErrBody = 4096

// Provider talks to one OpenAI-compatible endpoint with one model.
type Provider struct {
	baseURL  string
	apiKey   string
	model    string
	name     string
	client   *http.Client
	defaults []Option
}

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName overrides the name reported by Name, default "openai".
// Useful when several compatible backends share one log stream.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default 60s-timeout client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithOptions sets request options (sampling, token limits, response
// format) applied to every request this provider sends.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.defaults = append(p.defaults, opts...) }
}

// NewProvider creates a provider for the API rooted at baseURL, e.g.
// "https://api.openai.com/v1" or "http://localhost:11434/v1". Endpoint
// paths such as /chat/completions are appended to it.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		name:    "openai",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the provider in logs and error values.
func (p *Provider) Name() string { return p.name }

// Chat sends the conversation and returns the assistant reply.
func (p *Provider) Chat(ctx context.Context, req agos.ChatRequest) (agos.ChatResponse, error) {
	payload, err := json.Marshal(BuildBody(req.Messages, p.model, p.defaults...))
	if err != nil {
		return agos.ChatResponse{}, p.errf("marshal request: %v", err)
	}
	var wire ChatResponse
	if err := p.roundTrip(ctx, http.MethodPost, "/chat/completions", payload, &wire); err != nil {
		return agos.ChatResponse{}, err
	}
	return ParseResponse(wire)
}

// Models lists the model ids the backend serves. The facade's health
// check polls this to decide whether LLM analysis is available.
func (p *Provider) Models(ctx context.Context) ([]string, error) {
	var listing ModelsResponse
	if err := p.roundTrip(ctx, http.MethodGet, "/models", nil, &listing); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(listing.Data))
	for _, m := range listing.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// roundTrip performs one API call and decodes the 200 body into out.
// Non-200 responses become ErrHTTP carrying any Retry-After hint so
// the retry middleware can pace itself; transport and decode failures
// become ErrLLM.
func (p *Provider) roundTrip(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return p.errf("create request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &agos.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return &agos.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: agos.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return p.errf("decode %s: %v", path, err)
	}
	return nil
}

func (p *Provider) errf(format string, args ...any) error {
	return &agos.ErrLLM{Provider: p.name, Message: fmt.Sprintf(format, args...)}
}

var (
	_ agos.Provider    = (*Provider)(nil)
	_ agos.ModelLister = (*Provider)(nil)
)
