package agents

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// Directory holds agent descriptors in registration order plus the per-chat
// selection table. The default agent is configured per instance.
type Directory struct {
	mu         sync.RWMutex
	order      []string
	agents     map[string]*Descriptor
	defaultID  string
	selections SelectionStore
	staleAfter time.Duration
	now        func() time.Time
}

type DirectoryOption func(*Directory)

func WithDefaultAgent(id string) DirectoryOption {
	return func(d *Directory) { d.defaultID = strings.TrimSpace(id) }
}

func WithSelectionStore(s SelectionStore) DirectoryOption {
	return func(d *Directory) {
		if s != nil {
			d.selections = s
		}
	}
}

// WithStaleAfter marks health data older than staleAfter as stale in views.
func WithStaleAfter(staleAfter time.Duration) DirectoryOption {
	return func(d *Directory) { d.staleAfter = staleAfter }
}

func WithClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDirectory(opts ...DirectoryOption) *Directory {
	d := &Directory{
		agents:     map[string]*Descriptor{},
		selections: NewMemorySelectionStore(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds or replaces a descriptor. Replacing keeps the original position.
func (d *Directory) Register(desc Descriptor) error {
	desc = normalizeDescriptor(desc)
	if desc.ID == "" {
		return errors.New("agent directory: empty agent id")
	}
	if desc.Provider == "" {
		return errors.Errorf("agent directory: agent %s has no provider", desc.ID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.agents[desc.ID]; ok {
		log.Warn().Str("component", "agents").Str("agent_id", desc.ID).Msg("agent already registered, updating configuration")
	} else {
		d.order = append(d.order, desc.ID)
	}
	c := desc.Clone()
	d.agents[desc.ID] = &c
	return nil
}

func (d *Directory) Unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.agents[id]; !ok {
		return false
	}
	delete(d.agents, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// ListAgents returns descriptors in registration order. Offline agents are
// skipped unless includeOffline is set.
func (d *Directory) ListAgents(includeOffline bool) []Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Descriptor, 0, len(d.order))
	for _, id := range d.order {
		a := d.agents[id]
		if !includeOffline && a.Status == StatusOffline {
			continue
		}
		out = append(out, a.Clone())
	}
	return out
}

// Views is ListAgents with advisory health information attached.
func (d *Directory) Views(includeOffline bool) []View {
	now := d.now()
	list := d.ListAgents(includeOffline)
	out := make([]View, 0, len(list))
	for _, a := range list {
		out = append(out, a.View(now, d.staleAfter))
	}
	return out
}

func (d *Directory) View(desc Descriptor) View {
	return desc.View(d.now(), d.staleAfter)
}

func (d *Directory) GetAgent(id string) (Descriptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[strings.TrimSpace(id)]
	if !ok {
		return Descriptor{}, errors.Wrapf(ErrAgentNotFound, "agent %q", id)
	}
	return a.Clone(), nil
}

// DefaultAgent returns the configured default. It is not required to be online.
func (d *Directory) DefaultAgent() (Descriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.defaultID == "" {
		return Descriptor{}, false
	}
	a, ok := d.agents[d.defaultID]
	if !ok {
		return Descriptor{}, false
	}
	return a.Clone(), true
}

// SetDefaultAgent changes the fallback agent. The id must be registered.
func (d *Directory) SetDefaultAgent(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := d.agents[id]; !ok {
		return errors.Wrapf(ErrAgentNotFound, "agent %q", id)
	}
	d.defaultID = id
	return nil
}

func (d *Directory) DefaultAgentID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.defaultID
}

// SelectAgent binds agentID to chatID. Unknown agents and agents that are
// offline or erroring are rejected and the existing binding is left alone.
func (d *Directory) SelectAgent(ctx context.Context, agentID, chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return errors.New("agent directory: chat id is empty")
	}
	a, err := d.GetAgent(agentID)
	if err != nil {
		return err
	}
	if !a.Status.Selectable() {
		return errors.Wrapf(ErrAgentUnavailable, "agent %q is %s", a.ID, a.Status)
	}
	if err := d.selections.PutSelection(ctx, Selection{ChatID: chatID, AgentID: a.ID, SelectedAt: d.now()}); err != nil {
		return errors.Wrap(err, "agent directory: store selection")
	}
	log.Debug().Str("component", "agents").Str("chat_id", chatID).Str("agent_id", a.ID).Msg("agent selected")
	return nil
}

// ClearSelection drops the binding for a chat, e.g. when the chat is deleted.
func (d *Directory) ClearSelection(ctx context.Context, chatID string) error {
	return d.selections.DeleteSelection(ctx, chatID)
}

// GetActiveAgent returns the bound agent, the default when nothing is bound,
// or nil when there is no default either. A binding to an agent that has
// since been unregistered yields ErrAgentNotFound.
func (d *Directory) GetActiveAgent(ctx context.Context, chatID string) (*Descriptor, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID != "" {
		sel, ok, err := d.selections.GetSelection(ctx, chatID)
		if err != nil {
			return nil, errors.Wrap(err, "agent directory: load selection")
		}
		if ok {
			a, err := d.GetAgent(sel.AgentID)
			if err != nil {
				return nil, err
			}
			return &a, nil
		}
	}
	if a, ok := d.DefaultAgent(); ok {
		return &a, nil
	}
	return nil, nil
}

// ResolveForChat picks the agent for one request: an explicit override, else
// the active agent for the chat. The result must be selectable. A nil
// descriptor with nil error means no agent applies and the provider default is used.
func (d *Directory) ResolveForChat(ctx context.Context, chatID, overrideID string) (*Descriptor, error) {
	var a *Descriptor
	if strings.TrimSpace(overrideID) != "" {
		got, err := d.GetAgent(overrideID)
		if err != nil {
			return nil, err
		}
		a = &got
	} else {
		got, err := d.GetActiveAgent(ctx, chatID)
		if err != nil {
			return nil, err
		}
		a = got
	}
	if a == nil {
		return nil, nil
	}
	if !a.Status.Selectable() {
		return nil, errors.Wrapf(ErrAgentUnavailable, "agent %q is %s", a.ID, a.Status)
	}
	return a, nil
}

// UpdateHealth records a probe result.
func (d *Directory) UpdateHealth(id string, status Status, latency time.Duration, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return errors.Wrapf(ErrAgentNotFound, "agent %q", id)
	}
	if a.Status != status {
		log.Info().
			Str("component", "agents").
			Str("agent_id", id).
			Str("from", string(a.Status)).
			Str("to", string(status)).
			Msg("agent status changed")
	}
	a.Status = status
	a.LastHealthCheck = at
	a.LatencyMs = latency.Milliseconds()
	return nil
}

// SetStatus overrides an agent's status without a probe, e.g. to mark it busy.
func (d *Directory) SetStatus(id string, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return errors.Wrapf(ErrAgentNotFound, "agent %q", id)
	}
	a.Status = status
	return nil
}
