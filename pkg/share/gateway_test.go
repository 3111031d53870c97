package share

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func storesUnderTest(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := NewSQLiteStore("file:" + filepath.Join(t.TempDir(), "shares.db") + "?_busy_timeout=5000")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func seedChat(t *testing.T, chats chatstore.ChatStore, id, owner string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := chats.EnsureChat(ctx, chatstore.NewChat{ID: id, OwnerID: owner, Title: "Release notes"})
	require.NoError(t, err)
	_, err = chats.AppendTurn(ctx, id, chatstore.Turn{Prompt: "Summarize", Response: "Done.", CreatedAtMs: 1})
	require.NoError(t, err)
}

func TestGateway_ShareReadUnshare(t *testing.T) {
	for name, mk := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chats := chatstore.NewInMemoryChatStore()
			seedChat(t, chats, "c1", "alice")
			clk := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
			g := NewGateway(mk(), chats, WithClock(clk.now))

			rec, err := g.Share(ctx, "alice", "c1", Options{Description: "for the team"})
			require.NoError(t, err)
			require.Len(t, rec.Token, 43)
			require.Equal(t, "Release notes", rec.Title)
			require.True(t, rec.IsPublic)
			require.Nil(t, rec.ExpiresAt)

			chat, err := chats.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, chatstore.VisibilityPublic, chat.Visibility)

			// sharing again updates the same record
			again, err := g.Share(ctx, "alice", "c1", Options{Title: "Renamed"})
			require.NoError(t, err)
			require.Equal(t, rec.Token, again.Token)
			got, err := g.Get(ctx, "alice", "c1")
			require.NoError(t, err)
			require.Equal(t, "Renamed", got.Title)

			view, err := g.Read(ctx, rec.Token)
			require.NoError(t, err)
			require.Equal(t, int64(1), view.ViewCount)
			require.Len(t, view.Turns, 1)
			view, err = g.Read(ctx, rec.Token)
			require.NoError(t, err)
			require.Equal(t, int64(2), view.ViewCount)

			require.NoError(t, g.Unshare(ctx, "alice", "c1"))
			_, err = g.Read(ctx, rec.Token)
			require.ErrorIs(t, err, ErrShareNotFound)
			require.ErrorIs(t, g.Unshare(ctx, "alice", "c1"), ErrShareNotFound)

			chat, err = chats.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, chatstore.VisibilityPrivate, chat.Visibility)
		})
	}
}

func TestGateway_OwnershipAndValidation(t *testing.T) {
	ctx := context.Background()
	chats := chatstore.NewInMemoryChatStore()
	seedChat(t, chats, "c1", "alice")
	g := NewGateway(NewMemoryStore(), chats)

	_, err := g.Share(ctx, "mallory", "c1", Options{})
	require.ErrorIs(t, err, chatstore.ErrChatNotFound)
	_, err = g.Share(ctx, "alice", "missing", Options{})
	require.ErrorIs(t, err, chatstore.ErrChatNotFound)
	_, err = g.Get(ctx, "mallory", "c1")
	require.ErrorIs(t, err, chatstore.ErrChatNotFound)

	_, err = g.Share(ctx, "alice", "c1", Options{Title: strings.Repeat("t", MaxTitleLen+1)})
	require.ErrorIs(t, err, ErrInvalidShare)
	_, err = g.Share(ctx, "alice", "c1", Options{Description: strings.Repeat("d", MaxDescriptionLen+1)})
	require.ErrorIs(t, err, ErrInvalidShare)

	_, err = g.Read(ctx, "")
	require.ErrorIs(t, err, ErrShareNotFound)
	_, err = g.Read(ctx, "nope")
	require.ErrorIs(t, err, ErrShareNotFound)
}

func TestGateway_ExpiredAndPrivateLinks(t *testing.T) {
	for name, mk := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chats := chatstore.NewInMemoryChatStore()
			seedChat(t, chats, "c1", "alice")
			seedChat(t, chats, "c2", "alice")
			clk := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
			store := mk()
			g := NewGateway(store, chats, WithClock(clk.now))

			expiring, err := g.Share(ctx, "alice", "c1", Options{ExpiresIn: time.Hour})
			require.NoError(t, err)
			private := false
			hidden, err := g.Share(ctx, "alice", "c2", Options{IsPublic: &private})
			require.NoError(t, err)

			_, err = g.Read(ctx, expiring.Token)
			require.NoError(t, err)
			_, err = g.Read(ctx, hidden.Token)
			require.ErrorIs(t, err, ErrShareNotFound)

			clk.advance(time.Hour)
			_, err = g.Read(ctx, expiring.Token)
			require.ErrorIs(t, err, ErrShareNotFound)

			// still present until cleanup
			rec, err := store.GetByToken(ctx, expiring.Token)
			require.NoError(t, err)
			require.True(t, rec.Expired(clk.now()))

			n, err := g.Cleanup(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, n)
			_, err = store.GetByToken(ctx, expiring.Token)
			require.ErrorIs(t, err, ErrShareNotFound)
			_, err = store.GetByToken(ctx, hidden.Token)
			require.NoError(t, err)
		})
	}
}

func TestNewToken(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		require.Len(t, tok, 43)
		require.NotContains(t, tok, "+")
		require.NotContains(t, tok, "/")
		seen[tok] = struct{}{}
	}
	require.Len(t, seen, 100)
}

func TestJanitor(t *testing.T) {
	_, err := NewJanitor(NewGateway(NewMemoryStore(), chatstore.NewInMemoryChatStore()), "every tuesday")
	require.Error(t, err)

	j, err := NewJanitor(NewGateway(NewMemoryStore(), chatstore.NewInMemoryChatStore()), "")
	require.NoError(t, err)
	next, err := j.Next(time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)), next.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop")
	}
}
