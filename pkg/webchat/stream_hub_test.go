package webchat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/oneline-chat/pkg/relay"
)

func TestStreamHub_FansOutPerChat(t *testing.T) {
	hub := NewInMemoryStreamHub(time.Second)
	t.Cleanup(func() { _ = hub.Close() })

	a, b, other := newStubConn(false), newStubConn(false), newStubConn(false)
	_, err := hub.join("c1", a, nil)
	require.NoError(t, err)
	_, err = hub.join("c1", b, nil)
	require.NoError(t, err)
	_, err = hub.join("c2", other, nil)
	require.NoError(t, err)
	require.Equal(t, 2, hub.Watchers("c1"))
	require.Equal(t, 1, hub.Watchers("c2"))

	hub.OnRelayEvent(relay.Event{Type: relay.EventFragment, ChatID: "c1", RequestID: "r1", Seq: 1, Text: "Hi"})
	hub.OnRelayEvent(relay.Event{Type: relay.EventFragment, ChatID: "c1", RequestID: "r1", Seq: 2, Text: " there"})

	for _, conn := range []*stubConn{a, b} {
		require.Eventually(t, func() bool { return len(conn.Writes()) == 2 }, time.Second, 5*time.Millisecond)
		var texts []string
		for _, w := range conn.Writes() {
			var f wsFrame
			require.NoError(t, json.Unmarshal([]byte(w), &f))
			require.Equal(t, "relay.fragment", f.Type)
			require.Equal(t, "c1", f.ChatID)
			texts = append(texts, f.Event.Text)
		}
		require.Equal(t, []string{"Hi", " there"}, texts)
	}
	require.Empty(t, other.Writes())
}

func TestStreamHub_ReleasesIdleChats(t *testing.T) {
	hub := NewInMemoryStreamHub(20 * time.Millisecond)
	t.Cleanup(func() { _ = hub.Close() })

	conn := newStubConn(false)
	cs, err := hub.join("c1", conn, nil)
	require.NoError(t, err)
	cs.pool.Remove(conn)

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.chats["c1"]
		return !ok
	}, time.Second, 5*time.Millisecond)

	// the chat can be watched again after its subscription was released
	again := newStubConn(false)
	_, err = hub.join("c1", again, nil)
	require.NoError(t, err)
	hub.OnRelayEvent(relay.Event{Type: relay.EventDone, ChatID: "c1", RequestID: "r2"})
	require.Eventually(t, func() bool { return len(again.Writes()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStreamHub_ClosedHubRejectsWatchers(t *testing.T) {
	hub := NewInMemoryStreamHub(time.Second)
	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	_, err := hub.join("c1", newStubConn(false), nil)
	require.Error(t, err)
	// publishing after close is logged, never panics
	hub.OnRelayEvent(relay.Event{Type: relay.EventDone, ChatID: "c1"})
}

func TestIsPing(t *testing.T) {
	require.True(t, isPing([]byte("ping")))
	require.True(t, isPing([]byte(" PING\n")))
	require.True(t, isPing([]byte(`{"type":"ws.ping"}`)))
	require.False(t, isPing([]byte(`{"type":"hello"}`)))
	require.False(t, isPing([]byte("pong")))
}
