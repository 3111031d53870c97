package chatstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteChatStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "chats.db"))
	require.NoError(t, err)
	s, err := NewSQLiteChatStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeClock hands out strictly increasing times so ordering tests are deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func storesUnderTest(t *testing.T) map[string]ChatStore {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	sq := newSQLiteStore(t)
	sq.now = clock.Now
	mem := NewInMemoryChatStore()
	mem.now = (&fakeClock{t: time.UnixMilli(1_700_000_000_000)}).Now
	return map[string]ChatStore{"sqlite": sq, "memory": mem}
}

func TestChatStore_AppendAndGetRoundTrip(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			chat, created, err := s.EnsureChat(ctx, NewChat{ID: "c1", OwnerID: "anon-1", Title: "Hello"})
			require.NoError(t, err)
			require.True(t, created)
			require.Equal(t, VisibilityPrivate, chat.Visibility)

			in := Turn{
				Prompt:         "Hello",
				Response:       "Hi there!",
				Status:         TurnComplete,
				Mode:           ModeMultiple,
				Model:          "m1",
				Provider:       "openai",
				AgentID:        "a1",
				RequestID:      "r1",
				PromptTokens:   1,
				ResponseTokens: 3,
				CreatedAtMs:    1_800_000_000_000,
			}
			id, err := s.AppendTurn(ctx, "c1", in)
			require.NoError(t, err)
			require.NotEmpty(t, id)

			got, err := s.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, "anon-1", got.OwnerID)
			require.Len(t, got.Turns, 1)
			tr := got.Turns[0]
			require.Equal(t, id, tr.ID)
			require.Equal(t, "c1", tr.ChatID)
			require.Equal(t, int64(1), tr.Seq)
			require.Equal(t, in.Prompt, tr.Prompt)
			require.Equal(t, in.Response, tr.Response)
			require.Equal(t, in.CreatedAtMs, tr.CreatedAtMs)
			require.Equal(t, in.Mode, tr.Mode)
			require.Equal(t, in.AgentID, tr.AgentID)
			require.Equal(t, in.Model, tr.Model)
			require.Equal(t, TurnComplete, tr.Status)
			require.Equal(t, 3, tr.ResponseTokens)
			require.Equal(t, in.CreatedAtMs, got.UpdatedAtMs)
		})
	}
}

func TestChatStore_TurnOrderingIsMonotonic(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := s.EnsureChat(ctx, NewChat{ID: "c1"})
			require.NoError(t, err)

			// same and earlier timestamps still produce increasing times
			for i, ts := range []int64{5000, 5000, 4000} {
				_, err := s.AppendTurn(ctx, "c1", Turn{Prompt: fmt.Sprintf("p%d", i), Response: "r", CreatedAtMs: ts})
				require.NoError(t, err)
			}
			got, err := s.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, got.Turns, 3)
			for i, tr := range got.Turns {
				require.Equal(t, int64(i+1), tr.Seq)
				require.Equal(t, fmt.Sprintf("p%d", i), tr.Prompt)
				if i > 0 {
					require.Greater(t, tr.CreatedAtMs, got.Turns[i-1].CreatedAtMs)
				}
			}
		})
	}
}

func TestChatStore_AppendToUnknownChat(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.AppendTurn(context.Background(), "missing", Turn{Prompt: "x", Response: "y"})
			require.ErrorIs(t, err, ErrChatNotFound)
			_, err = s.GetChat(context.Background(), "missing")
			require.ErrorIs(t, err, ErrChatNotFound)
		})
	}
}

func TestChatStore_RejectsInvalidTurn(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := s.EnsureChat(ctx, NewChat{ID: "c1"})
			require.NoError(t, err)
			_, err = s.AppendTurn(ctx, "c1", Turn{Prompt: "x", Status: "partial"})
			require.Error(t, err)
			_, err = s.AppendTurn(ctx, "c1", Turn{Prompt: "x", Mode: "fanout"})
			require.Error(t, err)
		})
	}
}

func TestChatStore_EnsureChatOwnership(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, created, err := s.EnsureChat(ctx, NewChat{ID: "c1", OwnerID: "alice", Title: "first"})
			require.NoError(t, err)
			require.True(t, created)

			chat, created, err := s.EnsureChat(ctx, NewChat{ID: "c1", OwnerID: "alice", Title: "ignored"})
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, "first", chat.Title)

			_, _, err = s.EnsureChat(ctx, NewChat{ID: "c1", OwnerID: "bob"})
			require.ErrorIs(t, err, ErrChatNotFound)
		})
	}
}

func TestChatStore_OwnerlessChatIsClaimedByFirstOwner(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, created, err := s.EnsureChat(ctx, NewChat{ID: "c1", Title: "imported"})
			require.NoError(t, err)
			require.True(t, created)

			// callers without an owner never claim
			chat, _, err := s.EnsureChat(ctx, NewChat{ID: "c1"})
			require.NoError(t, err)
			require.Empty(t, chat.OwnerID)

			chat, created, err = s.EnsureChat(ctx, NewChat{ID: "c1", OwnerID: "alice"})
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, "alice", chat.OwnerID)

			_, _, err = s.EnsureChat(ctx, NewChat{ID: "c1", OwnerID: "bob"})
			require.ErrorIs(t, err, ErrChatNotFound)

			stored, err := s.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, "alice", stored.OwnerID)

			listed, err := s.ListChats(ctx, ListQuery{OwnerID: "alice"})
			require.NoError(t, err)
			require.Len(t, listed, 1)
		})
	}
}

func TestChatStore_ListChats(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				_, _, err := s.EnsureChat(ctx, NewChat{ID: id, OwnerID: "u1", Title: "chat " + id})
				require.NoError(t, err)
			}
			_, _, err := s.EnsureChat(ctx, NewChat{ID: "other", OwnerID: "u2", Title: "not mine"})
			require.NoError(t, err)

			_, err = s.AppendTurn(ctx, "a", Turn{Prompt: "Tell me about Go channels", Response: "They pipe values."})
			require.NoError(t, err)

			list, err := s.ListChats(ctx, ListQuery{OwnerID: "u1"})
			require.NoError(t, err)
			require.Len(t, list, 3)
			require.Equal(t, "a", list[0].ID)
			require.Equal(t, 1, list[0].TurnCount)
			require.Equal(t, "Tell me about Go channels", list[0].LastPrompt)
			require.Equal(t, "c", list[1].ID)
			require.Equal(t, "b", list[2].ID)

			page, err := s.ListChats(ctx, ListQuery{OwnerID: "u1", Limit: 1, Offset: 1})
			require.NoError(t, err)
			require.Len(t, page, 1)
			require.Equal(t, "c", page[0].ID)

			found, err := s.ListChats(ctx, ListQuery{OwnerID: "u1", Search: "CHANNELS"})
			require.NoError(t, err)
			require.Len(t, found, 1)
			require.Equal(t, "a", found[0].ID)

			byTitle, err := s.ListChats(ctx, ListQuery{Search: "not mine"})
			require.NoError(t, err)
			require.Len(t, byTitle, 1)

			none, err := s.ListChats(ctx, ListQuery{OwnerID: "u1", Search: "100%"})
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestChatStore_MetadataAndDelete(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := s.EnsureChat(ctx, NewChat{ID: "c1", Title: "old"})
			require.NoError(t, err)
			_, err = s.AppendTurn(ctx, "c1", Turn{Prompt: "p", Response: "r"})
			require.NoError(t, err)

			require.NoError(t, s.UpdateTitle(ctx, "c1", "  new title "))
			require.Error(t, s.UpdateTitle(ctx, "c1", " "))
			require.NoError(t, s.SetVisibility(ctx, "c1", VisibilityPublic))
			require.Error(t, s.SetVisibility(ctx, "c1", "friends"))
			require.ErrorIs(t, s.UpdateTitle(ctx, "nope", "x"), ErrChatNotFound)

			got, err := s.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Equal(t, "new title", got.Title)
			require.Equal(t, VisibilityPublic, got.Visibility)

			require.NoError(t, s.DeleteChat(ctx, "c1"))
			_, err = s.GetChat(ctx, "c1")
			require.ErrorIs(t, err, ErrChatNotFound)
			require.ErrorIs(t, s.DeleteChat(ctx, "c1"), ErrChatNotFound)

			// recreating the id starts a fresh turn sequence
			_, created, err := s.EnsureChat(ctx, NewChat{ID: "c1"})
			require.NoError(t, err)
			require.True(t, created)
			got, err = s.GetChat(ctx, "c1")
			require.NoError(t, err)
			require.Empty(t, got.Turns)
		})
	}
}

func TestSQLiteChatStore_ConcurrentAppends(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	_, _, err := s.EnsureChat(ctx, NewChat{ID: "c1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendTurn(ctx, "c1", Turn{Prompt: fmt.Sprintf("p%d", i), Response: "r"})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got.Turns, 20)
	for i, tr := range got.Turns {
		require.Equal(t, int64(i+1), tr.Seq)
	}
}

func TestSQLiteChatStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chats.db")
	dsn, err := SQLiteDSNForFile(path)
	require.NoError(t, err)

	s, err := NewSQLiteChatStore(dsn)
	require.NoError(t, err)
	_, _, err = s.EnsureChat(context.Background(), NewChat{ID: "c1"})
	require.NoError(t, err)
	_, err = s.AppendTurn(context.Background(), "c1", Turn{Prompt: "p", Response: "r", Status: TurnTruncated, ErrorKind: "cancelled"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewSQLiteChatStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	got, err := s2.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
	require.Equal(t, TurnTruncated, got.Turns[0].Status)
	require.Equal(t, "cancelled", got.Turns[0].ErrorKind)
}

func TestDeriveTitle(t *testing.T) {
	require.Equal(t, "New chat", DeriveTitle("   "))
	require.Equal(t, "Hello", DeriveTitle("Hello\nsecond line"))
	long := "Explain the difference between buffered and unbuffered channels in Go please"
	got := DeriveTitle(long)
	require.Equal(t, 51, len([]rune(got)))
	require.Equal(t, "…", string([]rune(got)[50:]))
}
