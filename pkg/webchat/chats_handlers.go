package webchat

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
	"github.com/go-go-golems/oneline-chat/pkg/relay"
	"github.com/go-go-golems/oneline-chat/pkg/share"
)

const watchGateTimeout = 5 * time.Second

// ownedChat loads a chat for its owner. Someone else's chat reads as missing.
func (r *Router) ownedChat(ctx context.Context, chatID string) (*chatstore.Chat, error) {
	chat, err := r.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat.OwnerID != "" && chat.OwnerID != PrincipalFrom(ctx) {
		return nil, errors.Wrapf(chatstore.ErrChatNotFound, "chat %q", chatID)
	}
	return chat, nil
}

// claimableChat accepts chats the caller owns and ids not used yet.
func (r *Router) claimableChat(ctx context.Context, chatID string) error {
	chat, err := r.chats.GetChat(ctx, chatID)
	switch {
	case errors.Is(err, chatstore.ErrChatNotFound):
		return nil
	case err != nil:
		return err
	case chat.OwnerID != "" && chat.OwnerID != PrincipalFrom(ctx):
		return errors.Wrapf(chatstore.ErrChatNotFound, "chat %q", chatID)
	}
	return nil
}

// watchGate checks a websocket watcher of chatID. Owned chats are admitted
// right away. An id nobody uses yet is admitted too, but ownership is checked
// again when its first relay event arrives, so a watcher never receives the
// turn of a chat another principal created under that id.
func (r *Router) watchGate(ctx context.Context, chatID string) (AdmitFunc, error) {
	chat, err := r.chats.GetChat(ctx, chatID)
	switch {
	case errors.Is(err, chatstore.ErrChatNotFound):
	case err != nil:
		return nil, err
	case chat.OwnerID != "" && chat.OwnerID != PrincipalFrom(ctx):
		return nil, errors.Wrapf(chatstore.ErrChatNotFound, "chat %q", chatID)
	default:
		return nil, nil
	}

	principal := PrincipalFrom(ctx)
	chats := r.chats
	return func() bool {
		cctx, cancel := context.WithTimeout(context.Background(), watchGateTimeout)
		defer cancel()
		chat, err := chats.GetChat(cctx, chatID)
		if err != nil {
			return false
		}
		return chat.OwnerID == "" || chat.OwnerID == principal
	}, nil
}

func (r *Router) handleHistory(w http.ResponseWriter, req *http.Request) {
	chat, err := r.ownedChat(req.Context(), req.PathValue("chat_id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

type chatList struct {
	Chats  []chatstore.ChatSummary `json:"chats"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

func (r *Router) handleListChats(w http.ResponseWriter, req *http.Request) {
	q := chatstore.ListQuery{
		OwnerID: PrincipalFrom(req.Context()),
		Limit:   queryInt(req, "limit", chatstore.DefaultListLimit),
		Offset:  queryInt(req, "offset", 0),
		Search:  strings.TrimSpace(req.URL.Query().Get("search")),
	}
	if q.Limit <= 0 || q.Limit > chatstore.MaxListLimit {
		q.Limit = chatstore.DefaultListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	chats, err := r.chats.ListChats(req.Context(), q)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if chats == nil {
		chats = []chatstore.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chatList{Chats: chats, Limit: q.Limit, Offset: q.Offset})
}

type chatPatch struct {
	Title      *string `json:"title"`
	Visibility *string `json:"visibility"`
}

func (r *Router) handlePatchChat(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	chatID := req.PathValue("chat_id")
	var body chatPatch
	if err := decodeJSON(req, &body); err != nil {
		writeKindError(w, err)
		return
	}
	if _, err := r.ownedChat(ctx, chatID); err != nil {
		writeKindError(w, err)
		return
	}
	if body.Title != nil {
		title := strings.TrimSpace(*body.Title)
		if title == "" {
			writeKindError(w, errors.Wrap(relay.ErrInvalidRequest, "title is empty"))
			return
		}
		if err := r.chats.UpdateTitle(ctx, chatID, title); err != nil {
			writeKindError(w, err)
			return
		}
	}
	if body.Visibility != nil {
		v, ok := chatstore.ParseVisibility(*body.Visibility)
		if !ok {
			writeKindError(w, errors.Wrapf(relay.ErrInvalidRequest, "unknown visibility %q", *body.Visibility))
			return
		}
		if err := r.chats.SetVisibility(ctx, chatID, v); err != nil {
			writeKindError(w, err)
			return
		}
	}
	chat, err := r.chats.GetChat(ctx, chatID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// handleDeleteChat removes the chat, its share link and its agent binding.
func (r *Router) handleDeleteChat(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	chatID := req.PathValue("chat_id")
	if _, err := r.ownedChat(ctx, chatID); err != nil {
		writeKindError(w, err)
		return
	}
	if r.shares != nil {
		if err := r.shares.Unshare(ctx, PrincipalFrom(ctx), chatID); err != nil && !errors.Is(err, share.ErrShareNotFound) {
			writeKindError(w, err)
			return
		}
	}
	if err := r.chats.DeleteChat(ctx, chatID); err != nil {
		writeKindError(w, err)
		return
	}
	if r.directory != nil {
		if err := r.directory.ClearSelection(ctx, chatID); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("chat_id", chatID).Msg("clear agent selection")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type modelList struct {
	Object string               `json:"object"`
	Data   []provider.ModelInfo `json:"data"`
}

func (r *Router) handleModels(w http.ResponseWriter, req *http.Request) {
	out := modelList{Object: "list", Data: []provider.ModelInfo{}}
	if r.models == nil {
		writeJSON(w, http.StatusOK, out)
		return
	}
	models, err := r.models.ListModels(req.Context())
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("list models")
		writeError(w, http.StatusBadGateway, string(relay.KindUpstreamError), "could not list models")
		return
	}
	out.Data = append(out.Data, models...)
	writeJSON(w, http.StatusOK, out)
}
