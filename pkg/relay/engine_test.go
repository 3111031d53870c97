package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
)

func chunk(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]string{"content": text}}},
	})
	return "data: " + string(b) + "\n\n"
}

func sse(fragments []string, terminal bool) string {
	var sb strings.Builder
	for _, f := range fragments {
		sb.WriteString(chunk(f))
	}
	if terminal {
		sb.WriteString("data: [DONE]\n\n")
	}
	return sb.String()
}

type stubClient struct {
	name  string
	calls int32
	open  func(ctx context.Context) (io.ReadCloser, error)

	mu   sync.Mutex
	last provider.CompletionRequest
}

func (c *stubClient) Name() string { return c.name }

func (c *stubClient) StreamCompletion(ctx context.Context, req provider.CompletionRequest) (*provider.Stream, error) {
	atomic.AddInt32(&c.calls, 1)
	c.mu.Lock()
	c.last = req
	c.mu.Unlock()
	body, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	return provider.NewStreamFromReader(ctx, c.name, body), nil
}

func (c *stubClient) lastRequest() provider.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func replying(body string) *stubClient {
	return &stubClient{name: "ollama", open: func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}}
}

type clientsFunc func(name, baseURL string) (provider.Client, error)

func (f clientsFunc) ClientFor(name, baseURL string) (provider.Client, error) { return f(name, baseURL) }

func single(c provider.Client) ClientResolver {
	return clientsFunc(func(string, string) (provider.Client, error) { return c, nil })
}

type failingStore struct {
	chatstore.ChatStore
	appends int32
}

func (s *failingStore) AppendTurn(context.Context, string, chatstore.Turn) (string, error) {
	atomic.AddInt32(&s.appends, 1)
	return "", errors.New("disk full")
}

func newTestEngine(t *testing.T, store chatstore.ChatStore, resolver AgentResolver, clients ClientResolver, mutate func(*Settings), opts ...Option) *Engine {
	t.Helper()
	s := DefaultSettings()
	s.DefaultModel = "test-model"
	s.IdleTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&s)
	}
	e, err := NewEngine(store, resolver, clients, s, opts...)
	require.NoError(t, err)
	return e
}

func collect(t *testing.T, r *Run) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-r.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func fragmentsOf(events []Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == EventFragment {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func errorKinds(events []Event) []Kind {
	var out []Kind
	for _, ev := range events {
		if ev.Type == EventErrorNotice {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func TestEngine_StreamsAndCommits(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	client := replying(sse([]string{"Hel", "lo"}, true))
	e := newTestEngine(t, store, nil, single(client), nil)

	r, err := e.Start(ctx, Request{ChatID: "c1", OwnerID: "anon-1", Prompt: "Hi", Persist: true})
	require.NoError(t, err)
	events := collect(t, r)

	require.Equal(t, "Hello", fragmentsOf(events))
	require.Empty(t, errorKinds(events))
	last := events[len(events)-1]
	require.Equal(t, EventDone, last.Type)
	require.NotNil(t, last.Result)
	require.True(t, last.Result.Saved)

	res := r.Wait()
	require.Equal(t, "Hello", res.Response)
	require.Equal(t, chatstore.TurnComplete, res.Status)
	require.Equal(t, StateCommitted, r.State())
	require.Equal(t, "test-model", client.lastRequest().Model)

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "anon-1", chat.OwnerID)
	require.Equal(t, "Hi", chat.Title)
	require.Len(t, chat.Turns, 1)
	require.Equal(t, "Hi", chat.Turns[0].Prompt)
	require.Equal(t, "Hello", chat.Turns[0].Response)
	require.Equal(t, res.TurnID, chat.Turns[0].ID)

	for i, ev := range events {
		require.Equal(t, i+1, ev.Seq)
		require.Equal(t, "c1", ev.ChatID)
	}
}

func TestEngine_MidStreamDropCommitsTruncated(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	e := newTestEngine(t, store, nil, single(replying(sse([]string{"Partial"}, false))), nil)

	r, err := e.Start(ctx, Request{ChatID: "c1", Prompt: "Hi", Persist: true})
	require.NoError(t, err)
	events := collect(t, r)

	require.Equal(t, "Partial", fragmentsOf(events))
	require.Equal(t, []Kind{KindStreamInterrupted}, errorKinds(events))

	res := r.Wait()
	require.Equal(t, KindStreamInterrupted, res.ErrorKind)
	require.True(t, res.Saved)
	require.Equal(t, StateCommitted, r.State())

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, chat.Turns, 1)
	require.Equal(t, "Partial", chat.Turns[0].Response)
	require.Equal(t, chatstore.TurnTruncated, chat.Turns[0].Status)
	require.Equal(t, string(KindStreamInterrupted), chat.Turns[0].ErrorKind)
}

func TestEngine_UpstreamErrorStoresPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	client := &stubClient{name: "openai", open: func(context.Context) (io.ReadCloser, error) {
		return nil, &provider.UpstreamError{Provider: "openai", StatusCode: 500, Code: provider.CodeUpstream, Message: "boom"}
	}}
	e := newTestEngine(t, store, nil, single(client), nil)

	res, err := e.Complete(ctx, Request{ChatID: "c1", Prompt: "Hi", Persist: true})
	require.NoError(t, err)
	require.Equal(t, 0, res.Fragments)
	require.Equal(t, KindUpstreamError, res.ErrorKind)
	require.Equal(t, chatstore.TurnError, res.Status)
	require.Equal(t, DefaultErrorPlaceholder, res.Response)
	require.True(t, provider.IsUpstreamError(res.Err))

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, chat.Turns, 1)
	require.Equal(t, DefaultErrorPlaceholder, chat.Turns[0].Response)
	require.Equal(t, chatstore.TurnError, chat.Turns[0].Status)
}

func TestEngine_UnavailableAgentFailsBeforeUpstream(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	dir := agents.NewDirectory()
	require.NoError(t, dir.Register(agents.Descriptor{ID: "brd-agent", Provider: "custom", Model: "brd", Status: agents.StatusOffline}))
	client := replying(sse([]string{"never"}, true))
	e := newTestEngine(t, store, dir, single(client), nil)

	_, err := e.Start(ctx, Request{ChatID: "c1", Prompt: "Hi", AgentID: "brd-agent", Persist: true})
	require.ErrorIs(t, err, agents.ErrAgentUnavailable)
	require.Equal(t, KindAgentUnavailable, KindOf(err))

	_, err = e.Start(ctx, Request{ChatID: "c1", Prompt: "Hi", AgentID: "ghost", Persist: true})
	require.Equal(t, KindAgentNotFound, KindOf(err))

	require.Equal(t, int32(0), atomic.LoadInt32(&client.calls))
	_, err = store.GetChat(ctx, "c1")
	require.ErrorIs(t, err, chatstore.ErrChatNotFound)
}

func TestEngine_AgentConfigurationApplies(t *testing.T) {
	ctx := context.Background()
	dir := agents.NewDirectory()
	temp := 0.2
	require.NoError(t, dir.Register(agents.Descriptor{
		ID: "prd-agent", Provider: "custom", Model: "prd", BaseURL: "http://localhost:8002/v1",
		SystemPrompt: "You write PRDs.", Temperature: &temp,
	}))
	require.NoError(t, dir.SelectAgent(ctx, "prd-agent", "c1"))

	client := replying(sse([]string{"ok"}, true))
	var gotName, gotBase string
	clients := clientsFunc(func(name, baseURL string) (provider.Client, error) {
		gotName, gotBase = name, baseURL
		return client, nil
	})
	e := newTestEngine(t, chatstore.NewInMemoryChatStore(), dir, clients, nil)

	res, err := e.Complete(ctx, Request{ChatID: "c1", Prompt: "Draft it", Persist: true})
	require.NoError(t, err)
	require.Equal(t, "prd-agent", res.AgentID)
	require.Equal(t, "custom", gotName)
	require.Equal(t, "http://localhost:8002/v1", gotBase)

	req := client.lastRequest()
	require.Equal(t, "prd", req.Model)
	require.InDelta(t, 0.2, *req.Temperature, 1e-9)
	require.Equal(t, provider.Message{Role: provider.RoleSystem, Content: "You write PRDs."}, req.Messages[0])
	require.Equal(t, provider.Message{Role: provider.RoleUser, Content: "Draft it"}, req.Messages[len(req.Messages)-1])
}

func TestEngine_CallerCancelStillCommits(t *testing.T) {
	store := chatstore.NewInMemoryChatStore()
	pr, pw := io.Pipe()
	client := &stubClient{name: "ollama", open: func(context.Context) (io.ReadCloser, error) { return pr, nil }}
	e := newTestEngine(t, store, nil, single(client), nil)

	ctx, cancel := context.WithCancel(context.Background())
	r, err := e.Start(ctx, Request{ChatID: "c1", Prompt: "Hi", Persist: true})
	require.NoError(t, err)

	go func() { _, _ = io.WriteString(pw, chunk("Half an ans")) }()
	ev := <-r.Events()
	require.Equal(t, EventFragment, ev.Type)
	cancel()

	res := r.Wait()
	require.Equal(t, KindCancelled, res.ErrorKind)
	require.Equal(t, chatstore.TurnTruncated, res.Status)
	require.True(t, res.Saved)

	chat, err := store.GetChat(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, chat.Turns, 1)
	require.Equal(t, "Half an ans", chat.Turns[0].Response)
}

func TestEngine_IdleTimeout(t *testing.T) {
	store := chatstore.NewInMemoryChatStore()
	pr, _ := io.Pipe()
	client := &stubClient{name: "ollama", open: func(context.Context) (io.ReadCloser, error) { return pr, nil }}
	e := newTestEngine(t, store, nil, single(client), func(s *Settings) { s.IdleTimeout = 30 * time.Millisecond })

	res, err := e.Complete(context.Background(), Request{ChatID: "c1", Prompt: "Hi", Persist: true})
	require.NoError(t, err)
	require.Equal(t, KindTimeout, res.ErrorKind)
	require.Equal(t, chatstore.TurnError, res.Status)
	require.Equal(t, DefaultErrorPlaceholder, res.Response)
	require.True(t, res.Saved)
}

func TestEngine_SlowReaderIsNotAnIdleUpstream(t *testing.T) {
	fragments := make([]string, 60)
	for i := range fragments {
		fragments[i] = fmt.Sprintf("f%d ", i)
	}
	want := strings.Join(fragments, "")

	for i := 0; i < 5; i++ {
		store := chatstore.NewInMemoryChatStore()
		e := newTestEngine(t, store, nil, single(replying(sse(fragments, true))), func(s *Settings) {
			s.IdleTimeout = 30 * time.Millisecond
		})

		r, err := e.Start(context.Background(), Request{ChatID: "c1", Prompt: "Hi", Persist: true})
		require.NoError(t, err)
		// the upstream is done long before anyone reads, the event buffer fills up
		time.Sleep(100 * time.Millisecond)
		events := collect(t, r)

		res := r.Wait()
		require.Empty(t, res.ErrorKind)
		require.Equal(t, chatstore.TurnComplete, res.Status)
		require.Equal(t, 60, res.Fragments)
		require.Equal(t, want, res.Response)
		require.Equal(t, want, fragmentsOf(events))
		require.Empty(t, errorKinds(events))

		chat, err := store.GetChat(context.Background(), "c1")
		require.NoError(t, err)
		require.Len(t, chat.Turns, 1)
		require.Equal(t, want, chat.Turns[0].Response)
	}
}

func TestEngine_RequestTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	client := &stubClient{name: "ollama", open: func(context.Context) (io.ReadCloser, error) { return pr, nil }}
	e := newTestEngine(t, chatstore.NewInMemoryChatStore(), nil, single(client), func(s *Settings) {
		s.RequestTimeout = 80 * time.Millisecond
		s.IdleTimeout = time.Second
	})
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := io.WriteString(pw, chunk("x")); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	res, err := e.Complete(context.Background(), Request{ChatID: "c1", Prompt: "Hi", Persist: true})
	require.NoError(t, err)
	require.Equal(t, KindTimeout, res.ErrorKind)
	require.Equal(t, chatstore.TurnTruncated, res.Status)
	require.NotEmpty(t, res.Response)
}

func TestEngine_StoreFailureIsReportedOnce(t *testing.T) {
	store := &failingStore{ChatStore: chatstore.NewInMemoryChatStore()}
	e := newTestEngine(t, store, nil, single(replying(sse([]string{"All ", "good"}, true))), nil)

	r, err := e.Start(context.Background(), Request{ChatID: "c1", Prompt: "Hi", Persist: true})
	require.NoError(t, err)
	events := collect(t, r)

	require.Equal(t, "All good", fragmentsOf(events))
	require.Equal(t, []Kind{KindStoreWriteFailed}, errorKinds(events))

	res := r.Wait()
	require.False(t, res.Saved)
	require.ErrorIs(t, res.StoreErr, ErrStoreWriteFailed)
	require.Equal(t, KindStoreWriteFailed, KindOf(res.StoreErr))
	require.Equal(t, chatstore.TurnComplete, res.Status)
	require.Equal(t, int32(1), atomic.LoadInt32(&store.appends))
	require.NotEqual(t, StateCommitted, r.State())
}

func TestEngine_PersistDisabled(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	e := newTestEngine(t, store, nil, single(replying(sse([]string{"ok"}, true))), nil)

	res, err := e.Complete(ctx, Request{Prompt: "Hi"})
	require.NoError(t, err)
	require.False(t, res.Persisted)
	require.False(t, res.Saved)
	require.NotEmpty(t, res.ChatID)

	list, err := store.ListChats(ctx, chatstore.ListQuery{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestEngine_ReasoningIsStrippedBeforeEmitAndStore(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	body := sse([]string{"<thi", "nk>let me think", "</think>\n\n", "Answer", " here"}, true)
	e := newTestEngine(t, store, nil, single(replying(body)), nil)

	r, err := e.Start(ctx, Request{ChatID: "c1", Prompt: "Q", Persist: true})
	require.NoError(t, err)
	events := collect(t, r)
	require.Equal(t, "Answer here", fragmentsOf(events))

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Answer here", chat.Turns[0].Response)
}

func TestEngine_ReplaysHistory(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	client := replying(sse([]string{"A1"}, true))
	e := newTestEngine(t, store, nil, single(client), func(s *Settings) {
		s.HistoryTurns = 1
		s.SystemPrompt = "Be brief."
	})

	for _, p := range []string{"Q1", "Q2", "Q3"} {
		_, err := e.Complete(ctx, Request{ChatID: "c1", Prompt: p, Persist: true})
		require.NoError(t, err)
	}
	require.Equal(t, []provider.Message{
		{Role: provider.RoleSystem, Content: "Be brief."},
		{Role: provider.RoleUser, Content: "Q2"},
		{Role: provider.RoleAssistant, Content: "A1"},
		{Role: provider.RoleUser, Content: "Q3"},
	}, client.lastRequest().Messages)

	// explicit messages are forwarded as given
	_, err := e.Complete(ctx, Request{ChatID: "c1", Persist: true, Messages: []provider.Message{
		{Role: provider.RoleSystem, Content: "Custom"},
		{Role: provider.RoleUser, Content: "Q4"},
	}})
	require.NoError(t, err)
	require.Equal(t, []provider.Message{
		{Role: provider.RoleSystem, Content: "Custom"},
		{Role: provider.RoleUser, Content: "Q4"},
	}, client.lastRequest().Messages)

	chat, err := store.GetChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, chat.Turns, 4)
	require.Equal(t, "Q4", chat.Turns[3].Prompt)
}

func TestEngine_ForeignChatIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	_, _, err := store.EnsureChat(ctx, chatstore.NewChat{ID: "c1", OwnerID: "alice"})
	require.NoError(t, err)
	client := replying(sse([]string{"x"}, true))
	e := newTestEngine(t, store, nil, single(client), nil)

	_, err = e.Start(ctx, Request{ChatID: "c1", OwnerID: "mallory", Prompt: "Hi", Persist: true})
	require.ErrorIs(t, err, chatstore.ErrChatNotFound)
	require.Equal(t, int32(0), atomic.LoadInt32(&client.calls))
}

func TestEngine_InvalidRequests(t *testing.T) {
	e := newTestEngine(t, chatstore.NewInMemoryChatStore(), nil, single(replying("")), nil)
	hot, zero := 2.5, 0
	for _, req := range []Request{
		{Prompt: "  "},
		{Prompt: "x", Temperature: &hot},
		{Prompt: "x", MaxTokens: &zero},
		{Prompt: "x", Mode: "chorus"},
	} {
		_, err := e.Start(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest)
	}
}

func TestEngine_ConcurrentRequestsEachCommitOnce(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewInMemoryChatStore()
	e := newTestEngine(t, store, nil, single(replying(sse([]string{"a", "b"}, true))), func(s *Settings) {
		s.SerializePerChat = true
		s.HistoryTurns = 0
	})

	var wg sync.WaitGroup
	results := make([]Result, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Complete(ctx, Request{ChatID: "shared", Prompt: fmt.Sprintf("p%d", i), Persist: true})
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		require.True(t, results[i].Saved)
	}

	chat, err := store.GetChat(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, chat.Turns, 8)
	for i := 1; i < len(chat.Turns); i++ {
		require.Greater(t, chat.Turns[i].Seq, chat.Turns[i-1].Seq)
		require.Greater(t, chat.Turns[i].CreatedAtMs, chat.Turns[i-1].CreatedAtMs)
	}
	require.Equal(t, 0, e.locks.Len())
}

func TestEngine_ObserverAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	var mu sync.Mutex
	var seen []EventType
	obs := ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	})
	e := newTestEngine(t, chatstore.NewInMemoryChatStore(), nil, single(replying(sse([]string{"a", "b"}, true))), nil,
		WithObserver(obs), WithMetrics(m))

	_, err := e.Complete(context.Background(), Request{ChatID: "c1", Prompt: "Hi", Persist: true})
	require.NoError(t, err)

	mu.Lock()
	require.Equal(t, []EventType{EventFragment, EventFragment, EventDone}, seen)
	mu.Unlock()
	require.Equal(t, 2.0, testutil.ToFloat64(m.fragments))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("complete", "")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

func TestChatLocks(t *testing.T) {
	l := NewChatLocks()
	release, err := l.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Acquire(context.Background(), "c2")
	require.NoError(t, err)
	other()

	got := make(chan struct{})
	go func() {
		r, err := l.Acquire(context.Background(), "c1")
		if err == nil {
			r()
		}
		close(got)
	}()
	release()
	release()
	<-got
	require.Equal(t, 0, l.Len())
}
