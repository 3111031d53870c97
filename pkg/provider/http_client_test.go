package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sseChunk(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func newTestClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(Endpoint{Name: "openai", BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, s *Stream) []DeltaEvent {
	t.Helper()
	var out []DeltaEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func fragmentsOf(evs []DeltaEvent) []string {
	var out []string
	for _, ev := range evs {
		if ev.IsFragment() {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestStreamCompletion_HappyPath(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Hi", " there", "!"} {
			_, _ = fmt.Fprint(w, sseChunk(c))
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	temp := 0.2
	s, err := newTestClient(t, srv).StreamCompletion(context.Background(), CompletionRequest{
		Model:       "m1",
		Messages:    []Message{{Role: RoleUser, Content: "Hello"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	evs := collect(t, s)
	require.Equal(t, []string{"Hi", " there", "!"}, fragmentsOf(evs))
	require.True(t, evs[len(evs)-1].IsTerminal())
	require.NoError(t, s.Err())
	require.Equal(t, 3, s.Fragments())

	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "/v1/chat/completions", gotPath)
	require.Equal(t, "m1", gotBody["model"])
	require.Equal(t, true, gotBody["stream"])
	require.InDelta(t, 0.2, gotBody["temperature"], 1e-9)
	_, hasMax := gotBody["max_tokens"]
	require.False(t, hasMax)
}

func TestStreamCompletion_MalformedLineIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, sseChunk("a"))
		_, _ = fmt.Fprint(w, "data: {not json\n\n")
		_, _ = fmt.Fprint(w, ": keep-alive\n\n")
		_, _ = fmt.Fprint(w, "event: ping\n\n")
		_, _ = fmt.Fprint(w, sseChunk("b"))
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamCompletion(context.Background(), CompletionRequest{
		Model:    "m1",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	evs := collect(t, s)
	require.Equal(t, []string{"a", "b"}, fragmentsOf(evs))
	require.Len(t, evs, 4)
	require.True(t, evs[1].IsParseError())
	require.Equal(t, "{not json", evs[1].Raw)
	require.NoError(t, s.Err())
}

func TestStreamCompletion_UpstreamStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		code   string
		msg    string
	}{
		{"openai 500", 500, `{"error":{"message":"boom","type":"server_error"}}`, CodeUpstream, "boom"},
		{"openai 429", 429, `{"error":{"message":"slow down","type":"requests"}}`, CodeRateLimited, "slow down"},
		{"ollama missing model", 404, `{"error":"model 'x' not found"}`, CodeNotFound, "model 'x' not found"},
		{"ollama loading", 503, `{"error":"server busy"}`, CodeUnavailable, "server busy"},
		{"plain text", 401, `denied`, CodeUnauthorized, "denied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			s, err := newTestClient(t, srv).StreamCompletion(context.Background(), CompletionRequest{
				Model:    "m1",
				Messages: []Message{{Role: RoleUser, Content: "x"}},
			})
			require.Nil(t, s)
			require.Error(t, err)
			var ue *UpstreamError
			require.ErrorAs(t, err, &ue)
			require.Equal(t, tc.status, ue.StatusCode)
			require.Equal(t, tc.code, ue.Code)
			require.Equal(t, tc.msg, ue.Message)
			require.True(t, IsUpstreamError(err))
		})
	}
}

func TestStreamCompletion_DropWithoutTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, sseChunk("Partial"))
	}))
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamCompletion(context.Background(), CompletionRequest{
		Model:    "m1",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	evs := collect(t, s)
	require.Equal(t, []string{"Partial"}, fragmentsOf(evs))

	var si *StreamInterrupted
	require.ErrorAs(t, s.Err(), &si)
	require.Equal(t, 1, si.Fragments)
	require.ErrorIs(t, s.Err(), ErrMissingTerminal)
}

func TestStreamCompletion_InlineErrorInterrupts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, sseChunk("x"))
		_, _ = fmt.Fprint(w, `data: {"error":{"message":"overloaded"}}`+"\n\n")
		_, _ = fmt.Fprint(w, sseChunk("never"))
	}))
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamCompletion(context.Background(), CompletionRequest{
		Model:    "m1",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	evs := collect(t, s)
	require.Equal(t, []string{"x"}, fragmentsOf(evs))
	require.True(t, IsStreamInterrupted(s.Err()))
	require.Contains(t, s.Err().Error(), "overloaded")
}

func TestStreamClose_ReleasesUpstream(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, sseChunk("first"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	s, err := newTestClient(t, srv).StreamCompletion(context.Background(), CompletionRequest{
		Model:    "m1",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	ev := <-s.Events()
	require.Equal(t, "first", ev.Text)

	require.NoError(t, s.Close())
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not released")
	}
	_, ok := <-s.Events()
	require.False(t, ok)
	require.ErrorIs(t, s.Err(), context.Canceled)
}

func TestStreamCompletion_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.StreamCompletion(context.Background(), CompletionRequest{
		Model:    "m1",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, CodeUnavailable, ue.Code)
}

func TestNewHTTPClient_Validation(t *testing.T) {
	_, err := NewHTTPClient(Endpoint{Name: "", BaseURL: "http://x"})
	require.Error(t, err)
	_, err = NewHTTPClient(Endpoint{Name: "openai", BaseURL: ""})
	require.Error(t, err)
	_, err = NewHTTPClient(Endpoint{Name: "openai", BaseURL: "ftp://x"})
	require.Error(t, err)
}
