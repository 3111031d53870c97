package webchat

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
	"github.com/go-go-golems/oneline-chat/pkg/relay"
	"github.com/go-go-golems/oneline-chat/pkg/share"
)

// Deps are the services the HTTP surface is built on. Engine, Chats and
// Directory are required.
type Deps struct {
	Engine    *relay.Engine
	Chats     chatstore.ChatStore
	Directory *agents.Directory
	Shares    *share.Gateway
	Models    provider.ModelLister
	Hub       *StreamHub
	Gatherer  prometheus.Gatherer
}

func NewRouter(d Deps, opts ...RouterOption) (*Router, error) {
	if d.Engine == nil {
		return nil, errors.New("webchat: relay engine is nil")
	}
	if d.Chats == nil {
		return nil, errors.New("webchat: chat store is nil")
	}
	if d.Directory == nil {
		return nil, errors.New("webchat: agent directory is nil")
	}
	r := &Router{
		mux:       http.NewServeMux(),
		engine:    d.Engine,
		chats:     d.Chats,
		directory: d.Directory,
		shares:    d.Shares,
		models:    d.Models,
		hub:       d.Hub,
		gatherer:  d.Gatherer,
		now:       time.Now,
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	r.registerRoutes()
	r.handler = r.wrap(r.mux)
	return r, nil
}

func (r *Router) registerRoutes() {
	m := r.mux
	m.HandleFunc("GET /health", r.handleHealth)
	if r.gatherer != nil {
		m.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}

	m.HandleFunc("POST /api/v1/chat/stream", r.limit(r.handleChatStream))
	m.HandleFunc("POST /api/v1/chat/completions", r.limit(r.handleChatCompletions))
	m.HandleFunc("GET /api/v1/chat/history/{chat_id}", r.handleHistory)
	m.HandleFunc("GET /api/v1/chats", r.handleListChats)
	m.HandleFunc("PATCH /api/v1/chats/{chat_id}", r.handlePatchChat)
	m.HandleFunc("DELETE /api/v1/chats/{chat_id}", r.handleDeleteChat)
	m.HandleFunc("GET /api/v1/models", r.handleModels)

	m.HandleFunc("GET /api/agents", r.handleListAgents)
	m.HandleFunc("GET /api/agents/default", r.handleDefaultAgent)
	m.HandleFunc("GET /api/agents/{agent_id}", r.handleGetAgent)
	m.HandleFunc("GET /api/agents/{agent_id}/status", r.handleAgentStatus)
	m.HandleFunc("POST /api/agents/{agent_id}/select", r.handleSelectAgent)
	m.HandleFunc("GET /api/agents/chat/{chat_id}/active", r.handleActiveAgent)

	if r.shares != nil {
		m.HandleFunc("POST /api/v1/chats/{chat_id}/share", r.limit(r.handleCreateShare))
		m.HandleFunc("GET /api/v1/chats/{chat_id}/share", r.handleGetShare)
		m.HandleFunc("DELETE /api/v1/chats/{chat_id}/share", r.handleDeleteShare)
		m.HandleFunc("GET /api/v1/shared/{token}", r.limit(r.handleReadShare))
	}
	if r.hub != nil {
		m.HandleFunc("GET /ws", r.handleWS)
	}
}

// Handler returns the mux wrapped in access logging, CORS and sessions.
func (r *Router) Handler() http.Handler { return r.handler }

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func (r *Router) wrap(h http.Handler) http.Handler {
	h = r.sessionMiddleware(h)
	h = r.corsMiddleware(h)
	h = hlog.AccessHandler(func(req *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(req).Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("http request")
	})(h)
	h = hlog.NewHandler(log.Logger.With().Str("component", "http").Logger())(h)
	return h
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "oneline-chat",
		"agents":  len(r.directory.ListAgents(false)),
		"time":    r.now().UTC().Format(time.RFC3339),
	})
}

func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	chatID := strings.TrimSpace(req.URL.Query().Get("chat_id"))
	if chatID == "" {
		writeKindError(w, errors.Wrap(relay.ErrInvalidRequest, "missing chat_id"))
		return
	}
	// A chat that does not exist yet may be watched before its first turn.
	admit, err := r.watchGate(ctx, chatID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("websocket upgrade failed")
		return
	}
	if err := r.hub.Attach(chatID, conn, admit); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("chat_id", chatID).Msg("websocket attach failed")
		_ = conn.Close()
	}
}

func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil && strings.EqualFold(u.Host, req.Host) {
		return true
	}
	for _, o := range r.corsOrigins {
		if o == "*" || strings.TrimRight(o, "/") == origin {
			return true
		}
	}
	return false
}
