package provider

import (
	"context"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the OpenAI-compatible messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries the per-call knobs forwarded upstream.
// Temperature and MaxTokens are optional; nil leaves the provider default.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
}

// DeltaKind tags a DeltaEvent.
type DeltaKind int

const (
	DeltaFragment DeltaKind = iota
	DeltaTerminal
	DeltaParseError
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaFragment:
		return "fragment"
	case DeltaTerminal:
		return "terminal"
	case DeltaParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// DeltaEvent is one decoded line of an upstream stream.
//
// Fragment events carry Text, ParseError events carry the undecodable Raw
// payload, Terminal events carry nothing.
type DeltaEvent struct {
	Kind DeltaKind
	Text string
	Raw  string
}

func Fragment(text string) DeltaEvent { return DeltaEvent{Kind: DeltaFragment, Text: text} }
func Terminal() DeltaEvent { return DeltaEvent{Kind: DeltaTerminal} }
func ParseError(raw string) DeltaEvent { return DeltaEvent{Kind: DeltaParseError, Raw: raw} }
func (e DeltaEvent) IsFragment() bool { return e.Kind == DeltaFragment }
func (e DeltaEvent) IsTerminal() bool { return e.Kind == DeltaTerminal }
func (e DeltaEvent) IsParseError() bool { return e.Kind == DeltaParseError }

// Client opens streaming completions against one upstream endpoint.
type Client interface {
	// Name is the provider name used in logs, metrics and descriptors.
	Name() string
	StreamCompletion(ctx context.Context, req CompletionRequest) (*Stream, error)
}

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderCustom = "custom"
)

func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
