package webchat

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
	"github.com/go-go-golems/oneline-chat/pkg/relay"
)

const sseDone = "data: [DONE]\n\n"

// handleChatStream always answers with server-sent events.
func (r *Router) handleChatStream(w http.ResponseWriter, req *http.Request) {
	var body ChatRequest
	if err := decodeJSON(req, &body); err != nil {
		writeKindError(w, err)
		return
	}
	r.serveChat(w, req, body, true)
}

// handleChatCompletions is the OpenAI-compatible endpoint; the stream flag
// picks SSE or a single JSON response.
func (r *Router) handleChatCompletions(w http.ResponseWriter, req *http.Request) {
	var body ChatRequest
	if err := decodeJSON(req, &body); err != nil {
		writeKindError(w, err)
		return
	}
	r.serveChat(w, req, body, body.Stream)
}

func (r *Router) serveChat(w http.ResponseWriter, req *http.Request, body ChatRequest, stream bool) {
	rr := relay.Request{
		RequestID:   requestIDFromRequest(req),
		ChatID:      body.ChatID,
		OwnerID:     PrincipalFrom(req.Context()),
		Prompt:      body.prompt(),
		Messages:    body.Messages,
		Mode:        chatstore.Mode(body.Mode),
		AgentID:     body.AgentID,
		Model:       body.Model,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
		Persist:     body.persist(),
	}
	run, err := r.engine.Start(req.Context(), rr)
	if err != nil {
		log.Debug().Err(err).Str("component", "webchat").Str("request_id", rr.RequestID).Msg("chat request rejected")
		writeKindError(w, err)
		return
	}
	w.Header().Set("X-Chat-ID", run.ChatID())
	w.Header().Set("X-Request-ID", run.RequestID())
	if stream {
		r.streamSSE(w, run)
		return
	}
	r.respondJSON(w, run)
}

func (r *Router) streamSSE(w http.ResponseWriter, run *relay.Run) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	created := r.now().Unix()
	chunk := func(delta provider.Message, finish *string) completionChunk {
		return completionChunk{
			ID:      "chatcmpl-" + run.RequestID(),
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   run.Model(),
			ChatID:  run.ChatID(),
			Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	// Write errors mean the client left; the relay notices through the
	// request context, so keep draining until it closes the channel.
	for ev := range run.Events() {
		switch ev.Type {
		case relay.EventFragment:
			_ = writeSSE(w, chunk(provider.Message{Role: provider.RoleAssistant, Content: ev.Text}, nil))
		case relay.EventErrorNotice:
			_ = writeSSE(w, errorBody{Error: errorDetail{
				Message: ev.Message,
				Type:    string(ev.Kind),
				Code:    statusForKind(ev.Kind),
			}})
		case relay.EventDone:
			res := ev.Result
			if res == nil {
				continue
			}
			reason := finishReason(res.Status)
			_ = writeSSE(w, chunk(provider.Message{}, &reason))
			_ = writeSSE(w, doneFrame{
				Done:      true,
				ChatID:    res.ChatID,
				TurnID:    res.TurnID,
				RequestID: res.RequestID,
				Status:    res.Status,
				ErrorKind: res.ErrorKind,
				Saved:     res.Saved,
			})
		}
		flush()
	}
	_, _ = fmt.Fprint(w, sseDone)
	flush()
}

func writeSSE(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

func finishReason(s chatstore.TurnStatus) string {
	switch s {
	case chatstore.TurnComplete:
		return "stop"
	case chatstore.TurnTruncated:
		return "interrupted"
	default:
		return "error"
	}
}

func (r *Router) respondJSON(w http.ResponseWriter, run *relay.Run) {
	for range run.Events() {
	}
	res := run.Wait()
	if res.Status == chatstore.TurnError {
		msg := res.ErrorMessage
		if msg == "" {
			msg = "the assistant could not produce a response"
		}
		writeError(w, statusForKind(res.ErrorKind), string(res.ErrorKind), msg)
		return
	}
	out := completionResponse{
		ID:      "chatcmpl-" + res.RequestID,
		Object:  "chat.completion",
		Created: r.now().Unix(),
		Model:   res.Model,
		ChatID:  res.ChatID,
		AgentID: res.AgentID,
		Choices: []completionChoice{{
			Index:        0,
			Message:      provider.Message{Role: provider.RoleAssistant, Content: res.Response},
			FinishReason: finishReason(res.Status),
		}},
		Usage: usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.ResponseTokens,
			TotalTokens:      res.PromptTokens + res.ResponseTokens,
		},
		Status: string(res.Status),
		Saved:  res.Saved,
	}
	if res.StoreErr != nil {
		w.Header().Set("X-History-Saved", "false")
		out.Error = &errorDetail{
			Message: "history not saved",
			Type:    string(relay.KindStoreWriteFailed),
			Code:    statusForKind(relay.KindStoreWriteFailed),
		}
	}
	writeJSON(w, http.StatusOK, out)
}
