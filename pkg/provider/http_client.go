package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Endpoint describes one OpenAI-compatible upstream.
type Endpoint struct {
	Name    string
	BaseURL string
	APIKey  string
	// Headers are added to every request, e.g. OpenAI-Organization.
	Headers map[string]string
}

// HTTPClient speaks the OpenAI chat-completions streaming wire format over
// net/http. It is used for OpenAI, Ollama's /v1 surface and any custom agent
// server exposing the same shape.
type HTTPClient struct {
	endpoint   Endpoint
	baseURL    string
	httpClient *http.Client
}

var _ Client = &HTTPClient{}

type HTTPClientOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.httpClient = c
		}
	}
}

func NewHTTPClient(ep Endpoint, opts ...HTTPClientOption) (*HTTPClient, error) {
	ep.Name = NormalizeProviderName(ep.Name)
	if ep.Name == "" {
		return nil, errors.New("provider client: empty provider name")
	}
	base := strings.TrimRight(strings.TrimSpace(ep.BaseURL), "/")
	if base == "" {
		return nil, errors.Errorf("provider client: empty base url for %s", ep.Name)
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrapf(err, "provider client: invalid base url for %s", ep.Name)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("provider client: unsupported scheme %q for %s", u.Scheme, ep.Name)
	}
	c := &HTTPClient{
		endpoint: ep,
		baseURL:  base,
		// No overall timeout: streams are bounded by the caller's context.
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *HTTPClient) Name() string { return c.endpoint.Name }

func (c *HTTPClient) BaseURL() string { return c.baseURL }

type chatCompletionBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

func (c *HTTPClient) StreamCompletion(ctx context.Context, req CompletionRequest) (*Stream, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("provider client: model is empty")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("provider client: no messages")
	}

	payload, err := json.Marshal(chatCompletionBody{
		Model:       req.Model,
		Messages:    req.Messages,
		Stream:      true,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, errors.Wrap(err, "provider client: marshal request")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "provider client: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.endpoint.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.endpoint.APIKey)
	}
	for k, v := range c.endpoint.Headers {
		httpReq.Header.Set(k, v)
	}

	log.Debug().
		Str("component", "provider").
		Str("provider", c.endpoint.Name).
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Msg("opening completion stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "provider client: request cancelled")
		}
		// Never connected: nothing was streamed, so this is an upstream failure.
		return nil, &UpstreamError{
			Provider: c.endpoint.Name,
			Code:     CodeUnavailable,
			Message:  err.Error(),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		cancel()
		return nil, newUpstreamError(c.endpoint.Name, resp.StatusCode, body)
	}

	return newStream(streamCtx, cancel, c.endpoint.Name, resp.Body), nil
}
