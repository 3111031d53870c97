package chatstore

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// ErrChatNotFound is returned for unknown chat ids and for chats owned by
// another principal.
var ErrChatNotFound = errors.New("chat not found")

type Mode string

const (
	ModeSingle   Mode = "single"
	ModeMultiple Mode = "multiple"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSingle:
		return ModeSingle, true
	case ModeMultiple:
		return ModeMultiple, true
	default:
		return "", false
	}
}

// TurnStatus tells readers whether Response is the full answer.
type TurnStatus string

const (
	TurnComplete  TurnStatus = "complete"
	TurnTruncated TurnStatus = "truncated"
	TurnError     TurnStatus = "error"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(strings.ToLower(strings.TrimSpace(s))) {
	case VisibilityPrivate:
		return VisibilityPrivate, true
	case VisibilityPublic:
		return VisibilityPublic, true
	default:
		return "", false
	}
}

// Turn is one committed prompt/response pair. Turns are written once with
// their final response and never updated.
type Turn struct {
	ID             string     `json:"id"`
	ChatID         string     `json:"chat_id"`
	Seq            int64      `json:"seq"`
	Prompt         string     `json:"prompt"`
	Response       string     `json:"response"`
	Status         TurnStatus `json:"status"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	Mode           Mode       `json:"mode"`
	Model          string     `json:"model,omitempty"`
	Provider       string     `json:"provider,omitempty"`
	AgentID        string     `json:"agent_id,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	PromptTokens   int        `json:"prompt_tokens"`
	ResponseTokens int        `json:"response_tokens"`
	CreatedAtMs    int64      `json:"created_at_ms"`
}

type Chat struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Visibility  Visibility `json:"visibility"`
	CreatedAtMs int64      `json:"created_at_ms"`
	UpdatedAtMs int64      `json:"updated_at_ms"`
	Turns       []Turn     `json:"turns"`
}

type ChatSummary struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Visibility  Visibility `json:"visibility"`
	TurnCount   int        `json:"turn_count"`
	LastPrompt  string     `json:"last_prompt"`
	CreatedAtMs int64      `json:"created_at_ms"`
	UpdatedAtMs int64      `json:"updated_at_ms"`
}

// NewChat is the input for EnsureChat.
type NewChat struct {
	ID         string
	OwnerID    string
	Title      string
	Visibility Visibility
}

type ListQuery struct {
	// OwnerID restricts the listing; empty lists every chat.
	OwnerID string
	Limit   int
	Offset  int
	// Search is a case-insensitive substring matched against titles, prompts and responses.
	Search string
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
	maxTitleRunes    = 50
)

// ChatStore persists chats and their turns. Implementations are safe for
// concurrent use; AppendTurn is atomic and assigns increasing sequence
// numbers and timestamps per chat.
type ChatStore interface {
	// EnsureChat returns the existing chat header or creates it. created
	// reports which happened. A chat owned by someone else is ErrChatNotFound;
	// an ownerless chat is claimed by the first caller that names an owner.
	EnsureChat(ctx context.Context, in NewChat) (chat Chat, created bool, err error)
	AppendTurn(ctx context.Context, chatID string, turn Turn) (string, error)
	// GetChat returns the chat with all turns in conversation order.
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	// ListChats returns summaries, most recently updated first.
	ListChats(ctx context.Context, q ListQuery) ([]ChatSummary, error)
	UpdateTitle(ctx context.Context, chatID string, title string) error
	SetVisibility(ctx context.Context, chatID string, v Visibility) error
	// DeleteChat removes the chat and all its turns.
	DeleteChat(ctx context.Context, chatID string) error
	Close() error
}

// DeriveTitle builds a chat title from the first prompt.
func DeriveTitle(prompt string) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return "New chat"
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}

func normalizeListQuery(q ListQuery) ListQuery {
	q.OwnerID = strings.TrimSpace(q.OwnerID)
	q.Search = strings.TrimSpace(q.Search)
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

func normalizeTurn(t Turn) (Turn, error) {
	if t.Status == "" {
		t.Status = TurnComplete
	}
	switch t.Status {
	case TurnComplete, TurnTruncated, TurnError:
	default:
		return t, errors.Errorf("invalid turn status %q", t.Status)
	}
	if t.Mode == "" {
		t.Mode = ModeSingle
	}
	if _, ok := ParseMode(string(t.Mode)); !ok {
		return t, errors.Errorf("invalid turn mode %q", t.Mode)
	}
	return t, nil
}

// nextTurnTime keeps turn timestamps strictly increasing within a chat.
func nextTurnTime(requested, last int64) int64 {
	if requested <= last {
		return last + 1
	}
	return requested
}
