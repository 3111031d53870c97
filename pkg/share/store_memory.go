package share

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type MemoryStore struct {
	mu      sync.Mutex
	byToken map[string]*Record
	byChat  map[string]string
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byToken: map[string]*Record{}, byChat: map[string]string{}}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetByToken(_ context.Context, token string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byToken[token]
	if !ok {
		return nil, ErrShareNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) GetByChat(_ context.Context, chatID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byChat[chatID]
	if !ok {
		return nil, ErrShareNotFound
	}
	return clone(s.byToken[tok]), nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if rec.Token == "" || rec.ChatID == "" {
		return errors.Wrap(ErrInvalidShare, "token and chat id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byChat[rec.ChatID]; ok && old != rec.Token {
		delete(s.byToken, old)
	}
	if other, ok := s.byToken[rec.Token]; ok && other.ChatID != rec.ChatID {
		return errors.Wrap(ErrInvalidShare, "token already in use")
	}
	s.byToken[rec.Token] = clone(&rec)
	s.byChat[rec.ChatID] = rec.Token
	return nil
}

func (s *MemoryStore) DeleteByChat(_ context.Context, chatID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byChat[chatID]
	if !ok {
		return false, nil
	}
	delete(s.byChat, chatID)
	delete(s.byToken, tok)
	return true, nil
}

func (s *MemoryStore) IncrementViews(_ context.Context, token string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byToken[token]
	if !ok {
		return 0, ErrShareNotFound
	}
	r.ViewCount++
	return r.ViewCount, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tok, r := range s.byToken {
		if r.Expired(now) {
			delete(s.byToken, tok)
			delete(s.byChat, r.ChatID)
			n++
		}
	}
	return n, nil
}

func clone(r *Record) *Record {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
