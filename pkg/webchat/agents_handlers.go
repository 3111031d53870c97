package webchat

import (
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/relay"
)

type agentList struct {
	Agents         []agents.View `json:"agents"`
	DefaultAgentID string        `json:"default_agent_id,omitempty"`
}

func (r *Router) handleListAgents(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, agentList{
		Agents:         r.directory.Views(queryBool(req, "include_offline")),
		DefaultAgentID: r.directory.DefaultAgentID(),
	})
}

func (r *Router) handleDefaultAgent(w http.ResponseWriter, _ *http.Request) {
	a, ok := r.directory.DefaultAgent()
	if !ok {
		writeError(w, http.StatusNotFound, string(relay.KindAgentNotFound), "no default agent configured")
		return
	}
	writeJSON(w, http.StatusOK, r.directory.View(a))
}

func (r *Router) handleGetAgent(w http.ResponseWriter, req *http.Request) {
	a, err := r.directory.GetAgent(req.PathValue("agent_id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.directory.View(a))
}

type agentStatus struct {
	AgentID         string        `json:"agent_id"`
	Status          agents.Status `json:"status"`
	LastHealthCheck *time.Time    `json:"last_health_check"`
	ResponseTimeMs  *int64        `json:"response_time_ms"`
	Stale           bool          `json:"stale"`
}

func (r *Router) handleAgentStatus(w http.ResponseWriter, req *http.Request) {
	a, err := r.directory.GetAgent(req.PathValue("agent_id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	v := r.directory.View(a)
	writeJSON(w, http.StatusOK, agentStatus{
		AgentID:         a.ID,
		Status:          a.Status,
		LastHealthCheck: v.LastHealthCheck,
		ResponseTimeMs:  v.ResponseTimeMs,
		Stale:           v.Stale,
	})
}

type selectRequest struct {
	ChatID string `json:"chat_id"`
}

type selection struct {
	ChatID  string       `json:"chat_id"`
	AgentID string       `json:"agent_id,omitempty"`
	Agent   *agents.View `json:"agent"`
}

// handleSelectAgent binds an agent to a chat. The chat may not exist yet;
// an existing chat must belong to the caller.
func (r *Router) handleSelectAgent(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	var body selectRequest
	if err := decodeJSON(req, &body); err != nil {
		writeKindError(w, err)
		return
	}
	chatID := strings.TrimSpace(body.ChatID)
	if chatID == "" {
		writeKindError(w, errors.Wrap(relay.ErrInvalidRequest, "chat_id is required"))
		return
	}
	if err := r.claimableChat(ctx, chatID); err != nil {
		writeKindError(w, err)
		return
	}
	agentID := req.PathValue("agent_id")
	if err := r.directory.SelectAgent(ctx, agentID, chatID); err != nil {
		writeKindError(w, err)
		return
	}
	a, err := r.directory.GetAgent(agentID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	v := r.directory.View(a)
	writeJSON(w, http.StatusOK, selection{ChatID: chatID, AgentID: a.ID, Agent: &v})
}

func (r *Router) handleActiveAgent(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	chatID := req.PathValue("chat_id")
	a, err := r.directory.GetActiveAgent(ctx, chatID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	out := selection{ChatID: chatID}
	if a != nil {
		v := r.directory.View(*a)
		out.AgentID = a.ID
		out.Agent = &v
	}
	writeJSON(w, http.StatusOK, out)
}
