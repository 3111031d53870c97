package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrShareNotFound covers unknown tokens as well as records that are
	// expired or no longer public. Readers cannot tell these apart.
	ErrShareNotFound = errors.New("share not found")
	ErrInvalidShare  = errors.New("invalid share")
)

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 500
	tokenBytes        = 32
)

// Record is one share link for a chat. A chat has at most one record.
type Record struct {
	Token       string     `json:"share_token"`
	ChatID      string     `json:"chat_id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	IsPublic    bool       `json:"is_public"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ViewCount   int64      `json:"view_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Readable reports whether anonymous readers may see the record at now.
func (r Record) Readable(now time.Time) bool {
	return r.IsPublic && !r.Expired(now)
}

// Store persists share records keyed by token, unique per chat.
type Store interface {
	GetByToken(ctx context.Context, token string) (*Record, error)
	GetByChat(ctx context.Context, chatID string) (*Record, error)
	// Put inserts or replaces the record for rec.ChatID.
	Put(ctx context.Context, rec Record) error
	DeleteByChat(ctx context.Context, chatID string) (bool, error)
	// IncrementViews bumps the counter and returns the new value.
	IncrementViews(ctx context.Context, token string) (int64, error)
	// DeleteExpired removes records whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// NewToken returns 32 random bytes encoded as unpadded URL-safe base64.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "share: generate token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
