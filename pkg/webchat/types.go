package webchat

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
	"github.com/go-go-golems/oneline-chat/pkg/relay"
	"github.com/go-go-golems/oneline-chat/pkg/share"
)

// Router wires HTTP endpoints to the relay, stores and directory.
type Router struct {
	mux     *http.ServeMux
	handler http.Handler

	engine    *relay.Engine
	chats     chatstore.ChatStore
	directory *agents.Directory
	shares    *share.Gateway
	models    provider.ModelLister
	hub       *StreamHub
	gatherer  prometheus.Gatherer

	upgrader        websocket.Upgrader
	corsOrigins     []string
	limiter         *limiterPool
	trustUserHeader bool
	secureCookies   bool
	shareTTL        time.Duration
	now             func() time.Time
}

// ChatRequest is the body accepted by the chat endpoints. It is a superset
// of the OpenAI chat completions request.
type ChatRequest struct {
	Prompt      string             `json:"prompt,omitempty"`
	Message     string             `json:"message,omitempty"`
	Messages    []provider.Message `json:"messages,omitempty"`
	ChatID      string             `json:"chat_id,omitempty"`
	Mode        string             `json:"mode,omitempty"`
	AgentID     string             `json:"agent_id,omitempty"`
	Model       string             `json:"model,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	// SaveToDB defaults to true.
	SaveToDB *bool `json:"save_to_db,omitempty"`
}

func (c ChatRequest) prompt() string {
	if c.Prompt != "" {
		return c.Prompt
	}
	return c.Message
}

func (c ChatRequest) persist() bool {
	return c.SaveToDB == nil || *c.SaveToDB
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	ChatID  string        `json:"chat_id"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int              `json:"index"`
	Delta        provider.Message `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

type doneFrame struct {
	Done      bool                 `json:"done"`
	ChatID    string               `json:"chat_id"`
	TurnID    string               `json:"turn_id,omitempty"`
	RequestID string               `json:"request_id"`
	Status    chatstore.TurnStatus `json:"status"`
	ErrorKind relay.Kind           `json:"error_kind,omitempty"`
	Saved     bool                 `json:"saved"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	ChatID  string             `json:"chat_id"`
	AgentID string             `json:"agent_id,omitempty"`
	Choices []completionChoice `json:"choices"`
	Usage   usage              `json:"usage"`
	Status  string             `json:"status"`
	Saved   bool               `json:"saved"`
	// Error is set when the answer was produced but could not be stored.
	Error *errorDetail `json:"error,omitempty"`
}

type completionChoice struct {
	Index        int              `json:"index"`
	Message      provider.Message `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
