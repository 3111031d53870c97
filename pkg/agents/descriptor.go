package agents

import (
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOnline:
		return StatusOnline, true
	case StatusBusy:
		return StatusBusy, true
	case StatusOffline:
		return StatusOffline, true
	case StatusError:
		return StatusError, true
	default:
		return "", false
	}
}

// Selectable reports whether new requests may be routed to an agent in this status.
func (s Status) Selectable() bool {
	return s == StatusOnline || s == StatusBusy
}

// Kind decides how an agent is health-checked.
type Kind string

const (
	// KindSystem agents are plain provider models; liveness is the provider's model listing.
	KindSystem Kind = "system"
	// KindSpecialized agents run as their own service with a /health endpoint.
	KindSpecialized Kind = "specialized"
)

type Descriptor struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description"`
	Kind         Kind     `json:"type" yaml:"kind"`
	Provider     string   `json:"provider" yaml:"provider"`
	Model        string   `json:"model" yaml:"model"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	BaseURL      string   `json:"base_url,omitempty" yaml:"base_url"`
	HealthURL    string   `json:"-" yaml:"health_url"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	AvatarURL    string   `json:"avatar_url,omitempty" yaml:"avatar_url"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature"`
	MaxTokens    *int     `json:"max_tokens,omitempty" yaml:"max_tokens"`

	Status          Status    `json:"status" yaml:"status"`
	LastHealthCheck time.Time `json:"-" yaml:"-"`
	LatencyMs       int64     `json:"-" yaml:"-"`
}

func (d Descriptor) Clone() Descriptor {
	out := d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	if d.Temperature != nil {
		v := *d.Temperature
		out.Temperature = &v
	}
	if d.MaxTokens != nil {
		v := *d.MaxTokens
		out.MaxTokens = &v
	}
	return out
}

func (d Descriptor) HasCapability(c string) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HealthEndpoint is the URL probed for specialized agents.
func (d Descriptor) HealthEndpoint() string {
	if d.HealthURL != "" {
		return d.HealthURL
	}
	if d.BaseURL == "" {
		return ""
	}
	base := strings.TrimRight(d.BaseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	return base + "/health"
}

// View is the wire representation including the advisory health fields.
type View struct {
	Descriptor
	LastHealthCheck *time.Time `json:"last_health_check"`
	ResponseTimeMs  *int64     `json:"response_time_ms"`
	Stale           bool       `json:"stale"`
}

func (d Descriptor) View(now time.Time, staleAfter time.Duration) View {
	v := View{Descriptor: d.Clone()}
	if !d.LastHealthCheck.IsZero() {
		t := d.LastHealthCheck
		v.LastHealthCheck = &t
		lat := d.LatencyMs
		v.ResponseTimeMs = &lat
		v.Stale = staleAfter > 0 && now.Sub(t) > staleAfter
	} else {
		v.Stale = staleAfter > 0
	}
	return v
}

func normalizeDescriptor(d Descriptor) Descriptor {
	d.ID = strings.TrimSpace(d.ID)
	d.Provider = strings.ToLower(strings.TrimSpace(d.Provider))
	d.Model = strings.TrimSpace(d.Model)
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Kind == "" {
		if d.BaseURL != "" || d.HealthURL != "" {
			d.Kind = KindSpecialized
		} else {
			d.Kind = KindSystem
		}
	}
	if d.Status == "" {
		d.Status = StatusOnline
	}
	caps := make([]string, 0, len(d.Capabilities))
	seen := map[string]struct{}{}
	for _, c := range d.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}
	sort.Strings(caps)
	d.Capabilities = caps
	return d
}
