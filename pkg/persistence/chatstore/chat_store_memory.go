package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryChatStore mirrors the SQLite store's ordering and ownership rules.
// Used by tests and by the "memory" storage backend.
type InMemoryChatStore struct {
	mu    sync.RWMutex
	chats map[string]*Chat
	now   func() time.Time
}

var _ ChatStore = &InMemoryChatStore{}

func NewInMemoryChatStore() *InMemoryChatStore {
	return &InMemoryChatStore{chats: map[string]*Chat{}, now: time.Now}
}

func (s *InMemoryChatStore) Close() error { return nil }

func (s *InMemoryChatStore) EnsureChat(_ context.Context, in NewChat) (Chat, bool, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return Chat{}, false, errors.New("in-memory chat store: chat id is empty")
	}
	if in.Visibility == "" {
		in.Visibility = VisibilityPrivate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chats[in.ID]; ok {
		if in.OwnerID != "" && c.OwnerID != in.OwnerID {
			if c.OwnerID != "" {
				return Chat{}, false, ErrChatNotFound
			}
			c.OwnerID = in.OwnerID
		}
		return headerOf(c), false, nil
	}
	now := s.now().UnixMilli()
	c := &Chat{
		ID:          in.ID,
		OwnerID:     in.OwnerID,
		Title:       strings.TrimSpace(in.Title),
		Visibility:  in.Visibility,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	s.chats[in.ID] = c
	return headerOf(c), true, nil
}

func (s *InMemoryChatStore) AppendTurn(_ context.Context, chatID string, turn Turn) (string, error) {
	turn, err := normalizeTurn(turn)
	if err != nil {
		return "", errors.Wrap(err, "in-memory chat store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[strings.TrimSpace(chatID)]
	if !ok {
		return "", ErrChatNotFound
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAtMs <= 0 {
		turn.CreatedAtMs = s.now().UnixMilli()
	}
	var lastCreated int64
	if n := len(c.Turns); n > 0 {
		lastCreated = c.Turns[n-1].CreatedAtMs
	}
	turn.ChatID = c.ID
	turn.Seq = int64(len(c.Turns)) + 1
	turn.CreatedAtMs = nextTurnTime(turn.CreatedAtMs, lastCreated)
	c.Turns = append(c.Turns, turn)
	if turn.CreatedAtMs > c.UpdatedAtMs {
		c.UpdatedAtMs = turn.CreatedAtMs
	}
	return turn.ID, nil
}

func (s *InMemoryChatStore) GetChat(_ context.Context, chatID string) (*Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[strings.TrimSpace(chatID)]
	if !ok {
		return nil, ErrChatNotFound
	}
	out := headerOf(c)
	out.Turns = append([]Turn{}, c.Turns...)
	return &out, nil
}

func (s *InMemoryChatStore) ListChats(_ context.Context, q ListQuery) ([]ChatSummary, error) {
	q = normalizeListQuery(q)
	needle := strings.ToLower(q.Search)

	s.mu.RLock()
	all := make([]ChatSummary, 0, len(s.chats))
	for _, c := range s.chats {
		if q.OwnerID != "" && c.OwnerID != q.OwnerID {
			continue
		}
		if needle != "" && !chatMatches(c, needle) {
			continue
		}
		cs := ChatSummary{
			ID:          c.ID,
			OwnerID:     c.OwnerID,
			Title:       c.Title,
			Visibility:  c.Visibility,
			TurnCount:   len(c.Turns),
			CreatedAtMs: c.CreatedAtMs,
			UpdatedAtMs: c.UpdatedAtMs,
		}
		if n := len(c.Turns); n > 0 {
			cs.LastPrompt = c.Turns[n-1].Prompt
		}
		all = append(all, cs)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAtMs == all[j].UpdatedAtMs {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAtMs > all[j].UpdatedAtMs
	})
	if q.Offset >= len(all) {
		return []ChatSummary{}, nil
	}
	all = all[q.Offset:]
	if len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

func (s *InMemoryChatStore) UpdateTitle(_ context.Context, chatID string, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("in-memory chat store: title is empty")
	}
	return s.update(chatID, func(c *Chat) { c.Title = title })
}

func (s *InMemoryChatStore) SetVisibility(_ context.Context, chatID string, v Visibility) error {
	if _, ok := ParseVisibility(string(v)); !ok {
		return errors.Errorf("in-memory chat store: invalid visibility %q", v)
	}
	return s.update(chatID, func(c *Chat) { c.Visibility = v })
}

func (s *InMemoryChatStore) update(chatID string, f func(c *Chat)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[strings.TrimSpace(chatID)]
	if !ok {
		return ErrChatNotFound
	}
	f(c)
	if now := s.now().UnixMilli(); now > c.UpdatedAtMs {
		c.UpdatedAtMs = now
	}
	return nil
}

func (s *InMemoryChatStore) DeleteChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chatID = strings.TrimSpace(chatID)
	if _, ok := s.chats[chatID]; !ok {
		return ErrChatNotFound
	}
	delete(s.chats, chatID)
	return nil
}

func headerOf(c *Chat) Chat {
	return Chat{
		ID:          c.ID,
		OwnerID:     c.OwnerID,
		Title:       c.Title,
		Visibility:  c.Visibility,
		CreatedAtMs: c.CreatedAtMs,
		UpdatedAtMs: c.UpdatedAtMs,
	}
}

func chatMatches(c *Chat, needle string) bool {
	if strings.Contains(strings.ToLower(c.Title), needle) {
		return true
	}
	for _, t := range c.Turns {
		if strings.Contains(strings.ToLower(t.Prompt), needle) || strings.Contains(strings.ToLower(t.Response), needle) {
			return true
		}
	}
	return false
}
