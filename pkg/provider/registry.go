package provider

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Registry maps provider names to clients. Agents that carry their own base
// URL get a client built on demand and cached by (provider, base url).
type Registry struct {
	mu          sync.Mutex
	defaultName string
	endpoints   map[string]Endpoint
	clients     map[string]Client
	listers     map[string]ModelLister
	httpClient  *http.Client
}

func NewRegistry(defaultName string, httpClient *http.Client) *Registry {
	return &Registry{
		defaultName: NormalizeProviderName(defaultName),
		endpoints:   map[string]Endpoint{},
		clients:     map[string]Client{},
		listers:     map[string]ModelLister{},
		httpClient:  httpClient,
	}
}

// NewRegistryFromEndpoints builds HTTP clients and model listers for every endpoint.
func NewRegistryFromEndpoints(defaultName string, endpoints []Endpoint) (*Registry, error) {
	r := NewRegistry(defaultName, nil)
	for _, ep := range endpoints {
		if err := r.AddEndpoint(ep); err != nil {
			return nil, err
		}
	}
	if _, ok := r.clients[r.defaultName]; !ok {
		return nil, errors.Errorf("provider registry: default provider %q not configured", defaultName)
	}
	return r, nil
}

func (r *Registry) AddEndpoint(ep Endpoint) error {
	c, err := NewHTTPClient(ep, WithHTTPClient(r.httpClient))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[c.Name()] = ep
	r.clients[c.Name()] = c
	r.listers[c.Name()] = NewOpenAIModelLister(Endpoint{Name: c.Name(), BaseURL: c.BaseURL(), APIKey: ep.APIKey}, r.httpClient)
	return nil
}

// Register installs a prebuilt client, e.g. a stub in tests.
func (r *Registry) Register(c Client, lister ModelLister) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := NormalizeProviderName(c.Name())
	r.clients[name] = c
	if lister != nil {
		r.listers[name] = lister
	}
}

func (r *Registry) DefaultName() string { return r.defaultName }

// ClientFor returns the client for a provider, or for a dedicated base URL
// when one is given. An empty name means the default provider.
func (r *Registry) ClientFor(name, baseURL string) (Client, error) {
	name = NormalizeProviderName(name)
	if name == "" {
		name = r.defaultName
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")

	r.mu.Lock()
	defer r.mu.Unlock()
	if baseURL == "" {
		c, ok := r.clients[name]
		if !ok {
			return nil, errors.Errorf("provider registry: unknown provider %q", name)
		}
		return c, nil
	}
	key := name + "|" + baseURL
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	ep := r.endpoints[name]
	ep.Name = name
	ep.BaseURL = baseURL
	c, err := NewHTTPClient(ep, WithHTTPClient(r.httpClient))
	if err != nil {
		return nil, err
	}
	r.clients[key] = c
	return c, nil
}

func (r *Registry) Lister(name string) (ModelLister, bool) {
	name = NormalizeProviderName(name)
	if name == "" {
		name = r.defaultName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listers[name]
	return l, ok
}

// Providers returns the configured provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for k := range r.clients {
		if strings.Contains(k, "|") {
			continue
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
