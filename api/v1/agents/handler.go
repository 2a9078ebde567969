package agents

import (
	"porter/internal/agents"
	"porter/internal/httpx"

	"github.com/gin-gonic/gin"
)

// AgentItem is one agent with its readiness
type AgentItem struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Ready    bool   `json:"ready"`
	Reason   string `json:"reason,omitempty"`
}

// Handler handles agent-related requests
type Handler struct {
	checker agents.Checker
}

// NewHandler creates a new agents handler
func NewHandler(checker agents.Checker) *Handler {
	return &Handler{checker: checker}
}

// List returns every built-in agent and whether it can run
// GET /api/v1/agents
func (h *Handler) List(c *gin.Context) {
	names := agents.Names()
	items := make([]AgentItem, 0, len(names))
	for _, name := range names {
		agent, _ := agents.Lookup(name)
		readiness, err := h.checker.IsReady(c.Request.Context(), name)
		if err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to check agent readiness", err))
			return
		}
		items = append(items, AgentItem{
			Name:     agent.Name,
			Provider: agent.Provider,
			Ready:    readiness.Ready,
			Reason:   readiness.Reason,
		})
	}
	httpx.OKItems(c, items, len(items))
}
