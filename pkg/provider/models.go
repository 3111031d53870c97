package provider

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelLister lists the models an endpoint serves. It doubles as a cheap
// liveness probe for provider-backed agents.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// OpenAIModelLister uses the go-openai client against any OpenAI-compatible
// /models endpoint, including Ollama's.
type OpenAIModelLister struct {
	provider string
	client   *openai.Client
}

var _ ModelLister = &OpenAIModelLister{}

func NewOpenAIModelLister(ep Endpoint, httpClient *http.Client) *OpenAIModelLister {
	cfg := openai.DefaultConfig(ep.APIKey)
	if ep.BaseURL != "" {
		cfg.BaseURL = ep.BaseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIModelLister{
		provider: NormalizeProviderName(ep.Name),
		client:   openai.NewClientWithConfig(cfg),
	}
}

func (l *OpenAIModelLister) ListModels(ctx context.Context) ([]ModelInfo, error) {
	list, err := l.client.ListModels(ctx)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &UpstreamError{
				Provider:   l.provider,
				StatusCode: apiErr.HTTPStatusCode,
				Code:       codeForStatus(apiErr.HTTPStatusCode),
				Message:    apiErr.Message,
			}
		}
		return nil, errors.Wrapf(err, "list models for %s", l.provider)
	}
	out := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, ModelInfo{
			ID:      m.ID,
			Object:  "model",
			Created: m.CreatedAt,
			OwnedBy: m.OwnedBy,
		})
	}
	return out, nil
}
