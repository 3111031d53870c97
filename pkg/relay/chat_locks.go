package relay

import (
	"context"
	"sync"
)

// ChatLocks serializes requests per chat id. Concurrent requests for the
// same chat wait in turn; different chats never contend.
type ChatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	sem  chan struct{}
	refs int
}

func NewChatLocks() *ChatLocks {
	return &ChatLocks{locks: map[string]*chatLock{}}
}

// Acquire blocks until chatID is free or ctx ends. The returned release
// func must be called exactly once.
func (l *ChatLocks) Acquire(ctx context.Context, chatID string) (func(), error) {
	l.mu.Lock()
	cl, ok := l.locks[chatID]
	if !ok {
		cl = &chatLock{sem: make(chan struct{}, 1)}
		l.locks[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(chatID, cl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-cl.sem
			l.unref(chatID, cl)
		})
	}, nil
}

func (l *ChatLocks) unref(chatID string, cl *chatLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, chatID)
	}
}

// Len reports how many chats currently hold or wait for a lock.
func (l *ChatLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
