package relay

import (
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
)

type EventType string

const (
	EventFragment    EventType = "fragment"
	EventErrorNotice EventType = "error"
	EventDone        EventType = "done"
)

// Event is what a Run hands to its caller and to observers. Fragments carry
// visible text in emission order; an error notice follows the last fragment
// of a failed request; Done closes the sequence once the turn was committed.
type Event struct {
	Type      EventType `json:"type"`
	ChatID    string    `json:"chat_id"`
	RequestID string    `json:"request_id"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Result    *Result   `json:"result,omitempty"`
}

// Result summarises a finished request.
type Result struct {
	RequestID    string               `json:"request_id"`
	ChatID       string               `json:"chat_id"`
	TurnID       string               `json:"turn_id,omitempty"`
	Response     string               `json:"response"`
	Status       chatstore.TurnStatus `json:"status"`
	ErrorKind    Kind                 `json:"error_kind,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	Model        string               `json:"model"`
	Provider     string               `json:"provider"`
	AgentID      string               `json:"agent_id,omitempty"`
	Fragments    int                  `json:"fragments"`
	// Persisted is false when the caller opted out of saving.
	Persisted bool `json:"persisted"`
	// Saved reports whether the single commit attempt succeeded.
	Saved          bool  `json:"saved"`
	PromptTokens   int   `json:"prompt_tokens"`
	ResponseTokens int   `json:"response_tokens"`
	DurationMs     int64 `json:"duration_ms"`

	Err      error `json:"-"`
	StoreErr error `json:"-"`
}

// Observer receives every event a Run produces, in order. Implementations
// must not block for long: they run on the relay goroutine.
type Observer interface {
	OnRelayEvent(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) OnRelayEvent(ev Event) { f(ev) }
