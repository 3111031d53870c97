package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MaxLineSize bounds a single SSE line. Larger lines abort the stream.
const MaxLineSize = 1 << 20

// Stream is a lazy, finite, non-restartable sequence of DeltaEvents read from
// one upstream response. A single goroutine produces events; Events is
// closed after the terminal marker or on failure, after which Err reports
// nil or a *StreamInterrupted.
type Stream struct {
	provider string
	body     io.ReadCloser
	cancel   context.CancelFunc

	events    chan DeltaEvent
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	err       error
	fragments int
}

func newStream(ctx context.Context, cancel context.CancelFunc, providerName string, body io.ReadCloser) *Stream {
	s := &Stream{
		provider: providerName,
		body:     body,
		cancel:   cancel,
		events:   make(chan DeltaEvent),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.read(ctx)
	return s
}

// NewStreamFromReader wraps an arbitrary SSE body. Mostly useful for tests and
// for transports that are not plain net/http.
func NewStreamFromReader(ctx context.Context, providerName string, body io.ReadCloser) *Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	return newStream(streamCtx, cancel, providerName, body)
}

func (s *Stream) Events() <-chan DeltaEvent { return s.events }

// Err returns the terminal error. Only meaningful once Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fragments returns how many fragment events were delivered so far.
func (s *Stream) Fragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fragments
}

// Close aborts the upstream request and waits for the reader goroutine.
// It is safe to call more than once and after the stream finished.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.cancel != nil {
			s.cancel()
		}
		err = s.body.Close()
	})
	<-s.done
	return err
}

func (s *Stream) read(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer func() { _ = s.body.Close() }()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)

	for scanner.Scan() {
		ev, ok, inlineErr := decodeLine(scanner.Text())
		if inlineErr != nil {
			s.fail(inlineErr)
			return
		}
		if !ok {
			continue
		}
		if ev.IsParseError() {
			log.Warn().
				Str("component", "provider").
				Str("provider", s.provider).
				Str("raw", truncate(ev.Raw, 200)).
				Msg("skipping malformed stream line")
		}
		if !s.emit(ctx, ev) {
			s.fail(ctx.Err())
			return
		}
		if ev.IsTerminal() {
			return
		}
	}

	err := scanner.Err()
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		err = ErrMissingTerminal
	}
	s.fail(err)
}

func (s *Stream) emit(ctx context.Context, ev DeltaEvent) bool {
	select {
	case s.events <- ev:
		if ev.IsFragment() {
			s.mu.Lock()
			s.fragments++
			s.mu.Unlock()
		}
		return true
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
}

func (s *Stream) fail(err error) {
	select {
	case <-s.closed:
		err = context.Canceled
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = &StreamInterrupted{Provider: s.provider, Fragments: s.fragments, Err: err}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error json.RawMessage `json:"error,omitempty"`
}

// decodeLine turns one SSE line into an event. ok is false for lines that
// carry nothing (comments, blank separators, non-data fields, empty deltas).
// A JSON error object sent mid-stream is returned as inlineErr.
func decodeLine(line string) (ev DeltaEvent, ok bool, inlineErr error) {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return DeltaEvent{}, false, nil
	}
	if !strings.HasPrefix(line, "data:") {
		return DeltaEvent{}, false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "" {
		return DeltaEvent{}, false, nil
	}
	if payload == "[DONE]" {
		return Terminal(), true, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return ParseError(payload), true, nil
	}
	if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
		ue := newUpstreamError("", 0, []byte(`{"error":`+string(chunk.Error)+`}`))
		return DeltaEvent{}, false, errors.Errorf("upstream error mid-stream: %s", ue.Message)
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return DeltaEvent{}, false, nil
	}
	return Fragment(chunk.Choices[0].Delta.Content), true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
