package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ClientsAndListers(t *testing.T) {
	r, err := NewRegistryFromEndpoints("Ollama", []Endpoint{
		{Name: ProviderOllama, BaseURL: "http://localhost:11434/v1", APIKey: "ollama"},
		{Name: ProviderOpenAI, BaseURL: "https://api.openai.com/v1", APIKey: "sk-test"},
	})
	require.NoError(t, err)
	require.Equal(t, ProviderOllama, r.DefaultName())
	require.Equal(t, []string{ProviderOllama, ProviderOpenAI}, r.Providers())

	def, err := r.ClientFor("", "")
	require.NoError(t, err)
	require.Equal(t, ProviderOllama, def.Name())

	custom, err := r.ClientFor("ollama", "http://agent:8001/v1/")
	require.NoError(t, err)
	again, err := r.ClientFor("ollama", "http://agent:8001/v1")
	require.NoError(t, err)
	require.Same(t, custom, again)
	require.Equal(t, []string{ProviderOllama, ProviderOpenAI}, r.Providers())

	_, err = r.ClientFor("nope", "")
	require.Error(t, err)

	_, ok := r.Lister("openai")
	require.True(t, ok)
	_, ok = r.Lister("nope")
	require.False(t, ok)

	_, err = NewRegistryFromEndpoints("openai", []Endpoint{{Name: ProviderOllama, BaseURL: "http://localhost:11434/v1"}})
	require.Error(t, err)
}

func TestOpenAIModelLister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"llama3","object":"model","created":1700000000,"owned_by":"library"}]}`))
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	models, err := NewOpenAIModelLister(Endpoint{Name: "ollama", BaseURL: srv.URL + "/v1", APIKey: "good"}, nil).ListModels(ctx)
	require.NoError(t, err)
	require.Equal(t, []ModelInfo{{ID: "llama3", Object: "model", Created: 1700000000, OwnedBy: "library"}}, models)

	_, err = NewOpenAIModelLister(Endpoint{Name: "ollama", BaseURL: srv.URL + "/v1", APIKey: "bad"}, nil).ListModels(ctx)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	require.Equal(t, http.StatusUnauthorized, ue.StatusCode)
	require.Equal(t, CodeUnauthorized, ue.Code)
}

func TestTiktokenCounter(t *testing.T) {
	c, err := NewTiktokenCounter()
	require.NoError(t, err)
	require.Equal(t, 2, c.Count("hello world"))
	require.Zero(t, c.Count(""))

	var nilCounter *TiktokenCounter
	require.Zero(t, nilCounter.Count("hello"))
}
