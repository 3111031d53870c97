package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
)

// Run is one in-flight request. A single goroutine owns the upstream stream,
// the accumulator and the commit; callers only read Events.
type Run struct {
	e        *Engine
	ctx      context.Context
	req      Request
	agent    *agents.Descriptor
	provider string
	client   provider.Client
	creq     provider.CompletionRequest
	release  func()
	logger   zerolog.Logger

	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	state  State
	result Result

	seq        int
	callerGone bool
	started    time.Time
}

func newRun(e *Engine, ctx context.Context, req Request, agent *agents.Descriptor, providerName string, client provider.Client, creq provider.CompletionRequest, release func()) *Run {
	agentID := ""
	if agent != nil {
		agentID = agent.ID
	}
	return &Run{
		e:        e,
		ctx:      ctx,
		req:      req,
		agent:    agent,
		provider: providerName,
		client:   client,
		creq:     creq,
		release:  release,
		logger: log.With().
			Str("component", "relay").
			Str("chat_id", req.ChatID).
			Str("request_id", req.RequestID).
			Str("agent_id", agentID).
			Logger(),
		events:  make(chan Event, defaultEventBuffer),
		done:    make(chan struct{}),
		state:   StateAgentResolved,
		started: e.now(),
	}
}

func (r *Run) ChatID() string    { return r.req.ChatID }
func (r *Run) RequestID() string { return r.req.RequestID }
func (r *Run) Model() string     { return r.creq.Model }

func (r *Run) AgentID() string {
	if r.agent == nil {
		return ""
	}
	return r.agent.ID
}

// Events yields fragments, an optional error notice and a final Done event.
// The channel is closed after the turn was committed.
func (r *Run) Events() <-chan Event { return r.events }

// Wait blocks until the run is committed and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.logger.Trace().Str("from", prev.String()).Str("to", s.String()).Msg("relay state")
}

// outcome is what streaming produced before the commit.
type outcome struct {
	text      string
	fragments int
	err       error
	kind      Kind
}

func (r *Run) execute() {
	defer close(r.done)
	defer r.release()
	if r.e.metrics != nil {
		r.e.metrics.inflight.Inc()
		defer r.e.metrics.inflight.Dec()
	}
	defer close(r.events)

	out := r.stream()

	res := r.commit(out)

	r.mu.Lock()
	r.result = res
	r.mu.Unlock()

	r.e.metrics.observe(res)
	resCopy := res
	r.emit(Event{Type: EventDone, Result: &resCopy})
}

// stream relays upstream deltas until the terminal marker or a failure.
func (r *Run) stream() outcome {
	streamCtx, cancel := context.WithTimeout(r.ctx, r.e.settings.RequestTimeout)
	defer cancel()

	filter := provider.NewReasoningFilter(r.e.settings.Reasoning)
	var acc strings.Builder
	var out outcome

	push := func(text string) {
		if text == "" {
			return
		}
		acc.WriteString(text)
		out.fragments++
		if r.e.metrics != nil {
			r.e.metrics.fragments.Inc()
		}
		r.emit(Event{Type: EventFragment, Text: text})
	}
	finish := func(err error) outcome {
		push(filter.Flush())
		out.text = acc.String()
		if err != nil {
			out.kind, out.err = r.classify(streamCtx, err)
		}
		return out
	}

	s, err := r.client.StreamCompletion(streamCtx, r.creq)
	if err != nil {
		return finish(err)
	}
	defer func() { _ = s.Close() }()
	r.setState(StateStreaming)

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if d := r.e.settings.IdleTimeout; d > 0 {
		idleTimer = time.NewTimer(d)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				err := s.Err()
				if err == nil {
					err = provider.ErrMissingTerminal
				}
				return finish(err)
			}
			// the idle clock only measures upstream silence, so it is
			// paused while push blocks on a slow reader or observer
			if idleTimer != nil {
				idleTimer.Stop()
			}
			switch ev.Kind {
			case provider.DeltaFragment:
				push(filter.Push(ev.Text))
				if r.callerGone {
					return finish(context.Canceled)
				}
			case provider.DeltaParseError:
				if r.e.metrics != nil {
					r.e.metrics.parseErrors.Inc()
				}
			case provider.DeltaTerminal:
				return finish(nil)
			}
			if idleTimer != nil {
				idleTimer.Reset(r.e.settings.IdleTimeout)
			}
		case <-idle:
			return finish(ErrIdleTimeout)
		case <-streamCtx.Done():
			return finish(streamCtx.Err())
		}
	}
}

func (r *Run) classify(streamCtx context.Context, err error) (Kind, error) {
	switch {
	case r.ctx.Err() != nil:
		return KindCancelled, errors.Wrap(context.Canceled, "caller went away")
	case errors.Is(err, ErrIdleTimeout):
		return KindTimeout, err
	case streamCtx.Err() != nil:
		return KindTimeout, ErrRequestTimeout
	}
	return KindOf(err), err
}

// commit persists exactly one turn for the request, at most once, on a
// context that survives caller cancellation.
func (r *Run) commit(out outcome) Result {
	res := Result{
		RequestID: r.req.RequestID,
		ChatID:    r.req.ChatID,
		Response:  out.text,
		Status:    chatstore.TurnComplete,
		Model:     r.creq.Model,
		Provider:  r.provider,
		AgentID:   r.AgentID(),
		Fragments: out.fragments,
		Persisted: r.req.Persist,
		Err:       out.err,
	}

	if out.err != nil {
		r.setState(StateFailed)
		res.ErrorKind = out.kind
		res.ErrorMessage = out.err.Error()
		if out.text == "" {
			res.Status = chatstore.TurnError
			res.Response = r.e.settings.ErrorPlaceholder
		} else {
			res.Status = chatstore.TurnTruncated
		}
		r.logger.Warn().
			Err(out.err).
			Str("kind", string(out.kind)).
			Int("fragments", out.fragments).
			Msg("relay failed")
		r.emit(Event{Type: EventErrorNotice, Kind: out.kind, Message: noticeFor(out.kind, out.err)})
	} else {
		r.setState(StateFinalizing)
	}

	res.PromptTokens = r.e.countTokens(r.req.Prompt)
	if res.Status != chatstore.TurnError {
		res.ResponseTokens = r.e.countTokens(res.Response)
	}

	if r.req.Persist {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.e.settings.StoreTimeout)
		defer cancel()
		turnID, err := r.e.store.AppendTurn(cctx, r.req.ChatID, chatstore.Turn{
			ID:             r.e.newID(),
			Prompt:         r.req.Prompt,
			Response:       res.Response,
			Status:         res.Status,
			ErrorKind:      string(res.ErrorKind),
			Mode:           r.req.Mode,
			Model:          res.Model,
			Provider:       res.Provider,
			AgentID:        res.AgentID,
			RequestID:      r.req.RequestID,
			PromptTokens:   res.PromptTokens,
			ResponseTokens: res.ResponseTokens,
			CreatedAtMs:    r.e.now().UnixMilli(),
		})
		if err != nil {
			res.StoreErr = errors.Wrapf(ErrStoreWriteFailed, "%v", err)
			r.logger.Error().
				Err(err).
				Str("kind", string(KindStoreWriteFailed)).
				Int("response_len", len(res.Response)).
				Msg("history not saved: turn commit failed")
			r.emit(Event{Type: EventErrorNotice, Kind: KindStoreWriteFailed, Message: "history not saved"})
		} else {
			res.TurnID = turnID
			res.Saved = true
		}
	}

	res.DurationMs = r.e.now().Sub(r.started).Milliseconds()
	if res.StoreErr == nil {
		r.setState(StateCommitted)
	}
	r.logger.Info().
		Str("status", string(res.Status)).
		Bool("saved", res.Saved).
		Int("fragments", res.Fragments).
		Int64("duration_ms", res.DurationMs).
		Msg("relay finished")
	return res
}

// emit notifies observers and, while the caller is listening, delivers ev.
func (r *Run) emit(ev Event) {
	r.seq++
	ev.Seq = r.seq
	ev.ChatID = r.req.ChatID
	ev.RequestID = r.req.RequestID
	for _, o := range r.e.observers {
		o.OnRelayEvent(ev)
	}
	if r.callerGone {
		return
	}
	if r.ctx.Err() != nil {
		r.callerGone = true
		return
	}
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
		r.callerGone = true
	}
}

func noticeFor(kind Kind, err error) string {
	switch kind {
	case KindTimeout:
		return "The assistant took too long to respond."
	case KindCancelled:
		return "The request was cancelled."
	case KindStreamInterrupted:
		return "The response was interrupted before it finished."
	case KindUpstreamError:
		var ue *provider.UpstreamError
		if errors.As(err, &ue) && ue.Message != "" {
			return "The model provider returned an error: " + ue.Message
		}
		return "The model provider returned an error."
	default:
		return "The request failed."
	}
}
