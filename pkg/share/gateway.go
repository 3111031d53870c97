package share

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
)

// Options are the owner-controlled fields of a share link.
type Options struct {
	Title       string
	Description string
	// IsPublic defaults to true.
	IsPublic *bool
	// ExpiresAt wins over ExpiresIn. Neither means the link never expires.
	ExpiresAt *time.Time
	ExpiresIn time.Duration
}

// SharedChat is what anonymous readers get: the link metadata and the
// chat's turns, without owner identity.
type SharedChat struct {
	Token       string           `json:"share_token"`
	ChatID      string           `json:"chat_id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	ViewCount   int64            `json:"view_count"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Turns       []chatstore.Turn `json:"turns"`
}

type Gateway struct {
	store    Store
	chats    chatstore.ChatStore
	now      func() time.Time
	newToken func() (string, error)
}

type GatewayOption func(*Gateway)

func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

func WithTokenGenerator(f func() (string, error)) GatewayOption {
	return func(g *Gateway) {
		if f != nil {
			g.newToken = f
		}
	}
}

func NewGateway(store Store, chats chatstore.ChatStore, opts ...GatewayOption) *Gateway {
	g := &Gateway{store: store, chats: chats, now: time.Now, newToken: NewToken}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) ownedChat(ctx context.Context, ownerID, chatID string) (*chatstore.Chat, error) {
	chat, err := g.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.OwnerID != ownerID {
		return nil, errors.Wrapf(chatstore.ErrChatNotFound, "chat %q", chatID)
	}
	return chat, nil
}

// Share creates the link for a chat or updates the existing one. The token
// of an existing link is kept.
func (g *Gateway) Share(ctx context.Context, ownerID, chatID string, opts Options) (*Record, error) {
	chat, err := g.ownedChat(ctx, ownerID, chatID)
	if err != nil {
		return nil, err
	}
	opts.Title = strings.TrimSpace(opts.Title)
	opts.Description = strings.TrimSpace(opts.Description)
	if utf8.RuneCountInString(opts.Title) > MaxTitleLen {
		return nil, errors.Wrapf(ErrInvalidShare, "title longer than %d characters", MaxTitleLen)
	}
	if utf8.RuneCountInString(opts.Description) > MaxDescriptionLen {
		return nil, errors.Wrapf(ErrInvalidShare, "description longer than %d characters", MaxDescriptionLen)
	}
	if opts.ExpiresIn < 0 {
		return nil, errors.Wrap(ErrInvalidShare, "negative expiry")
	}

	now := g.now().UTC()
	rec, err := g.store.GetByChat(ctx, chatID)
	switch {
	case errors.Is(err, ErrShareNotFound):
		token, err := g.newToken()
		if err != nil {
			return nil, err
		}
		rec = &Record{Token: token, ChatID: chatID, CreatedAt: now, IsPublic: true}
	case err != nil:
		return nil, err
	}

	rec.OwnerID = ownerID
	rec.Title = opts.Title
	if rec.Title == "" {
		rec.Title = chat.Title
	}
	rec.Description = opts.Description
	if opts.IsPublic != nil {
		rec.IsPublic = *opts.IsPublic
	}
	switch {
	case opts.ExpiresAt != nil:
		t := opts.ExpiresAt.UTC()
		rec.ExpiresAt = &t
	case opts.ExpiresIn > 0:
		t := now.Add(opts.ExpiresIn)
		rec.ExpiresAt = &t
	default:
		rec.ExpiresAt = nil
	}
	rec.UpdatedAt = now
	if utf8.RuneCountInString(rec.Title) > MaxTitleLen {
		rec.Title = string([]rune(rec.Title)[:MaxTitleLen])
	}

	if err := g.store.Put(ctx, *rec); err != nil {
		return nil, err
	}
	vis := chatstore.VisibilityPrivate
	if rec.IsPublic {
		vis = chatstore.VisibilityPublic
	}
	if err := g.chats.SetVisibility(ctx, chatID, vis); err != nil {
		return nil, errors.Wrap(err, "share: update chat visibility")
	}
	log.Info().
		Str("component", "share").
		Str("chat_id", chatID).
		Bool("public", rec.IsPublic).
		Msg("chat shared")
	return rec, nil
}

// Unshare revokes the link. The chat itself is untouched apart from its visibility.
func (g *Gateway) Unshare(ctx context.Context, ownerID, chatID string) error {
	if _, err := g.ownedChat(ctx, ownerID, chatID); err != nil {
		return err
	}
	ok, err := g.store.DeleteByChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrShareNotFound, "chat %q is not shared", chatID)
	}
	return g.chats.SetVisibility(ctx, chatID, chatstore.VisibilityPrivate)
}

// Get returns the owner's view of a chat's link.
func (g *Gateway) Get(ctx context.Context, ownerID, chatID string) (*Record, error) {
	if _, err := g.ownedChat(ctx, ownerID, chatID); err != nil {
		return nil, err
	}
	return g.store.GetByChat(ctx, chatID)
}

// Read resolves a token for an anonymous reader and counts the view.
// Expired and private records stay in the store but read as not found.
func (g *Gateway) Read(ctx context.Context, token string) (*SharedChat, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrShareNotFound
	}
	rec, err := g.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !rec.Readable(g.now()) {
		return nil, ErrShareNotFound
	}
	chat, err := g.chats.GetChat(ctx, rec.ChatID)
	if err != nil {
		if errors.Is(err, chatstore.ErrChatNotFound) {
			return nil, ErrShareNotFound
		}
		return nil, err
	}
	views, err := g.store.IncrementViews(ctx, token)
	if err != nil {
		return nil, err
	}
	return &SharedChat{
		Token:       rec.Token,
		ChatID:      rec.ChatID,
		Title:       rec.Title,
		Description: rec.Description,
		ViewCount:   views,
		ExpiresAt:   rec.ExpiresAt,
		CreatedAt:   rec.CreatedAt,
		Turns:       chat.Turns,
	}, nil
}

// Cleanup deletes expired records and returns how many were removed.
func (g *Gateway) Cleanup(ctx context.Context) (int, error) {
	return g.store.DeleteExpired(ctx, g.now())
}
