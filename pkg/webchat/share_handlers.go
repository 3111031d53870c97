package webchat

import (
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/oneline-chat/pkg/relay"
	"github.com/go-go-golems/oneline-chat/pkg/share"
)

type shareRequest struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	IsPublic       *bool      `json:"is_public"`
	ExpiresAt      *time.Time `json:"expires_at"`
	ExpiresInHours *int       `json:"expires_in_hours"`
}

type shareResponse struct {
	*share.Record
	ShareURL string `json:"share_url"`
}

func shareURL(token string) string { return "/api/v1/shared/" + token }

func (r *Router) handleCreateShare(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var body shareRequest
	if req.ContentLength != 0 {
		if err := decodeJSON(req, &body); err != nil {
			writeKindError(w, err)
			return
		}
	}
	opts := share.Options{
		Title:       body.Title,
		Description: body.Description,
		IsPublic:    body.IsPublic,
		ExpiresAt:   body.ExpiresAt,
	}
	switch {
	case body.ExpiresInHours != nil && *body.ExpiresInHours <= 0:
		writeKindError(w, errors.Wrap(relay.ErrInvalidRequest, "expires_in_hours must be positive"))
		return
	case body.ExpiresInHours != nil:
		opts.ExpiresIn = time.Duration(*body.ExpiresInHours) * time.Hour
	case body.ExpiresAt == nil:
		opts.ExpiresIn = r.shareTTL
	}
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(r.now()) {
		writeKindError(w, errors.Wrap(relay.ErrInvalidRequest, "expires_at is in the past"))
		return
	}
	rec, err := r.shares.Share(ctx, PrincipalFrom(ctx), req.PathValue("chat_id"), opts)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{Record: rec, ShareURL: shareURL(rec.Token)})
}

func (r *Router) handleGetShare(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	rec, err := r.shares.Get(ctx, PrincipalFrom(ctx), req.PathValue("chat_id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{Record: rec, ShareURL: shareURL(rec.Token)})
}

func (r *Router) handleDeleteShare(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := r.shares.Unshare(ctx, PrincipalFrom(ctx), req.PathValue("chat_id")); err != nil {
		writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReadShare serves anonymous readers; it needs no session.
func (r *Router) handleReadShare(w http.ResponseWriter, req *http.Request) {
	sc, err := r.shares.Read(req.Context(), req.PathValue("token"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, sc)
}
