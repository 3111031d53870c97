package relay

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
)

const (
	DefaultTemperature      = 0.7
	DefaultHistoryTurns     = 10
	DefaultRequestTimeout   = 5 * time.Minute
	DefaultIdleTimeout      = 60 * time.Second
	DefaultStoreTimeout     = 10 * time.Second
	DefaultErrorPlaceholder = "[error] The assistant could not produce a response."
	defaultEventBuffer      = 32
)

// AgentResolver picks the agent serving a request. A nil descriptor with a
// nil error means the provider defaults apply.
type AgentResolver interface {
	ResolveForChat(ctx context.Context, chatID, overrideID string) (*agents.Descriptor, error)
}

type ClientResolver interface {
	ClientFor(name, baseURL string) (provider.Client, error)
}

type Settings struct {
	DefaultProvider    string
	DefaultModel       string
	DefaultTemperature float64
	// SystemPrompt is used when the agent has none.
	SystemPrompt string
	// HistoryTurns is how many stored turns are replayed when the caller
	// sends only a prompt. Zero disables replay.
	HistoryTurns     int
	RequestTimeout   time.Duration
	IdleTimeout      time.Duration
	StoreTimeout     time.Duration
	SerializePerChat bool
	Reasoning        provider.ReasoningPolicy
	ErrorPlaceholder string
}

func DefaultSettings() Settings {
	return Settings{
		DefaultProvider:    provider.ProviderOllama,
		DefaultModel:       "deepseek-r1:8b",
		DefaultTemperature: DefaultTemperature,
		HistoryTurns:       DefaultHistoryTurns,
		RequestTimeout:     DefaultRequestTimeout,
		IdleTimeout:        DefaultIdleTimeout,
		StoreTimeout:       DefaultStoreTimeout,
		Reasoning:          provider.ReasoningStrip,
		ErrorPlaceholder:   DefaultErrorPlaceholder,
	}
}

// Request is one user prompt to relay.
type Request struct {
	RequestID string
	// ChatID is created on first use when empty or unknown.
	ChatID  string
	OwnerID string
	Prompt  string
	// Messages, when set, is forwarded as the full conversation and Prompt
	// defaults to the last user message.
	Messages    []provider.Message
	Mode        chatstore.Mode
	AgentID     string
	Model       string
	Temperature *float64
	MaxTokens   *int
	Persist     bool
}

type Engine struct {
	settings  Settings
	store     chatstore.ChatStore
	agents    AgentResolver
	clients   ClientResolver
	locks     *ChatLocks
	observers []Observer
	metrics   *Metrics
	tokens    provider.TokenCounter
	now       func() time.Time
	newID     func() string
}

type Option func(*Engine)

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTokenCounter(c provider.TokenCounter) Option {
	return func(e *Engine) { e.tokens = c }
}

func WithChatLocks(l *ChatLocks) Option {
	return func(e *Engine) { e.locks = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(f func() string) Option {
	return func(e *Engine) {
		if f != nil {
			e.newID = f
		}
	}
}

func NewEngine(store chatstore.ChatStore, resolver AgentResolver, clients ClientResolver, s Settings, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("relay: chat store is nil")
	}
	if clients == nil {
		return nil, errors.New("relay: client resolver is nil")
	}
	d := DefaultSettings()
	if s.DefaultProvider == "" {
		s.DefaultProvider = d.DefaultProvider
	}
	if s.DefaultModel == "" {
		s.DefaultModel = d.DefaultModel
	}
	if s.DefaultTemperature == 0 {
		s.DefaultTemperature = d.DefaultTemperature
	}
	if s.HistoryTurns < 0 {
		s.HistoryTurns = 0
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = d.RequestTimeout
	}
	if s.StoreTimeout <= 0 {
		s.StoreTimeout = d.StoreTimeout
	}
	if s.Reasoning == "" {
		s.Reasoning = d.Reasoning
	}
	if s.ErrorPlaceholder == "" {
		s.ErrorPlaceholder = d.ErrorPlaceholder
	}
	e := &Engine{
		settings: s,
		store:    store,
		agents:   resolver,
		clients:  clients,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if s.SerializePerChat && e.locks == nil {
		e.locks = NewChatLocks()
	}
	return e, nil
}

func (e *Engine) Settings() Settings { return e.settings }

// Start validates the request, resolves agent and chat, and launches the
// relay. Errors returned here happen before any upstream call. Callers must
// either drain Events or cancel ctx.
func (e *Engine) Start(ctx context.Context, req Request) (*Run, error) {
	req, err := e.normalize(req)
	if err != nil {
		return nil, err
	}

	var agent *agents.Descriptor
	if e.agents != nil {
		agent, err = e.agents.ResolveForChat(ctx, req.ChatID, req.AgentID)
		if err != nil {
			return nil, err
		}
	}
	creq, providerName, client, err := e.completionFor(req, agent)
	if err != nil {
		return nil, err
	}

	release := func() {}
	if e.locks != nil {
		release, err = e.locks.Acquire(ctx, req.ChatID)
		if err != nil {
			return nil, errors.Wrap(err, "relay: waiting for chat")
		}
	}

	history, err := e.prepareChat(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	creq.Messages = e.buildMessages(req, agent, history)

	r := newRun(e, ctx, req, agent, providerName, client, creq, release)
	go r.execute()
	return r, nil
}

// Complete runs a request to the end and returns its result.
func (e *Engine) Complete(ctx context.Context, req Request) (Result, error) {
	r, err := e.Start(ctx, req)
	if err != nil {
		return Result{}, err
	}
	for range r.Events() {
	}
	return r.Wait(), nil
}

func (e *Engine) normalize(req Request) (Request, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == provider.RoleUser {
				req.Prompt = strings.TrimSpace(req.Messages[i].Content)
				break
			}
		}
	}
	if req.Prompt == "" {
		return req, errors.Wrap(ErrInvalidRequest, "prompt is empty")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return req, errors.Wrapf(ErrInvalidRequest, "temperature %v outside [0, 2]", *req.Temperature)
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		return req, errors.Wrapf(ErrInvalidRequest, "max_tokens %d must be positive", *req.MaxTokens)
	}
	mode, ok := chatstore.ParseMode(string(req.Mode))
	if !ok {
		return req, errors.Wrapf(ErrInvalidRequest, "unknown mode %q", req.Mode)
	}
	req.Mode = mode
	req.ChatID = strings.TrimSpace(req.ChatID)
	if req.ChatID == "" {
		req.ChatID = e.newID()
	}
	if req.RequestID == "" {
		req.RequestID = e.newID()
	}
	return req, nil
}

// completionFor merges request overrides, agent configuration and engine
// defaults, in that order.
func (e *Engine) completionFor(req Request, agent *agents.Descriptor) (provider.CompletionRequest, string, provider.Client, error) {
	providerName := e.settings.DefaultProvider
	model := e.settings.DefaultModel
	baseURL := ""
	temp := e.settings.DefaultTemperature
	var maxTokens *int
	if agent != nil {
		providerName = agent.Provider
		baseURL = agent.BaseURL
		if agent.Model != "" {
			model = agent.Model
		}
		if agent.Temperature != nil {
			temp = *agent.Temperature
		}
		maxTokens = agent.MaxTokens
	}
	if req.Model != "" {
		model = req.Model
	}
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if req.MaxTokens != nil {
		maxTokens = req.MaxTokens
	}

	client, err := e.clients.ClientFor(providerName, baseURL)
	if err != nil {
		if agent != nil {
			return provider.CompletionRequest{}, "", nil, errors.Wrapf(agents.ErrAgentUnavailable, "agent %q: %v", agent.ID, err)
		}
		return provider.CompletionRequest{}, "", nil, errors.Wrap(err, "relay: resolve provider")
	}
	return provider.CompletionRequest{
		Model:       model,
		Temperature: &temp,
		MaxTokens:   maxTokens,
	}, client.Name(), client, nil
}

// prepareChat makes sure the chat exists and loads replayable history.
func (e *Engine) prepareChat(ctx context.Context, req Request) ([]chatstore.Turn, error) {
	if !req.Persist {
		return nil, nil
	}
	sctx, cancel := context.WithTimeout(ctx, e.settings.StoreTimeout)
	defer cancel()

	_, created, err := e.store.EnsureChat(sctx, chatstore.NewChat{
		ID:      req.ChatID,
		OwnerID: req.OwnerID,
		Title:   chatstore.DeriveTitle(req.Prompt),
	})
	if err != nil {
		if errors.Is(err, chatstore.ErrChatNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrStoreWriteFailed, "ensure chat %s: %v", req.ChatID, err)
	}
	if created {
		log.Debug().Str("component", "relay").Str("chat_id", req.ChatID).Msg("chat created")
	}
	if created || len(req.Messages) > 0 || e.settings.HistoryTurns == 0 {
		return nil, nil
	}

	chat, err := e.store.GetChat(sctx, req.ChatID)
	if err != nil {
		// History is best effort; the request can proceed without it.
		log.Warn().Err(err).Str("component", "relay").Str("chat_id", req.ChatID).Msg("could not load chat history")
		return nil, nil
	}
	var out []chatstore.Turn
	for _, t := range chat.Turns {
		if t.Status == chatstore.TurnError || strings.TrimSpace(t.Response) == "" {
			continue
		}
		out = append(out, t)
	}
	if len(out) > e.settings.HistoryTurns {
		out = out[len(out)-e.settings.HistoryTurns:]
	}
	return out, nil
}

func (e *Engine) buildMessages(req Request, agent *agents.Descriptor, history []chatstore.Turn) []provider.Message {
	system := e.settings.SystemPrompt
	if agent != nil && agent.SystemPrompt != "" {
		system = agent.SystemPrompt
	}
	var msgs []provider.Message
	hasSystem := len(req.Messages) > 0 && req.Messages[0].Role == provider.RoleSystem
	if system != "" && !hasSystem {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: system})
	}
	if len(req.Messages) > 0 {
		return append(msgs, req.Messages...)
	}
	for _, t := range history {
		msgs = append(msgs,
			provider.Message{Role: provider.RoleUser, Content: t.Prompt},
			provider.Message{Role: provider.RoleAssistant, Content: t.Response},
		)
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: req.Prompt})
}

func (e *Engine) countTokens(text string) int {
	if e.tokens == nil || text == "" {
		return 0
	}
	return e.tokens.Count(text)
}
