package compute

import (
	"strings"

	"porter/internal/fly"
	"porter/internal/httpx"
	"porter/internal/settings"

	"github.com/gin-gonic/gin"
)

// ValidateRequest represents validate credentials request. Empty fields fall
// back to the stored settings.
type ValidateRequest struct {
	Token   string `json:"token"`
	AppName string `json:"appName"`
	Mode    string `json:"mode"`
}

// Handler handles compute API
type Handler struct {
	machines fly.MachineClient
	settings settings.Store
}

// NewHandler creates a new compute handler
func NewHandler(machines fly.MachineClient, st settings.Store) *Handler {
	return &Handler{machines: machines, settings: st}
}

// Validate handles POST /api/v1/compute/validate
func (h *Handler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	mode := fly.ValidationMode(strings.ToLower(strings.TrimSpace(req.Mode)))
	if mode == "" {
		mode = fly.ModeDeploy
	}
	if mode != fly.ModeOrg && mode != fly.ModeDeploy {
		httpx.FailErr(c, httpx.ErrParamInvalid("mode must be org or deploy"))
		return
	}

	token, app := strings.TrimSpace(req.Token), strings.TrimSpace(req.AppName)
	if token == "" || app == "" {
		cfg, err := h.settings.GetConfig(c.Request.Context())
		if err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to load settings", err))
			return
		}
		if token == "" {
			token = cfg.Fly.Token
		}
		if app == "" {
			app = cfg.Fly.App
		}
	}

	result := h.machines.ValidateCredentials(c.Request.Context(), token, app, mode)
	if !result.Ready() {
		httpx.FailErr(c, httpx.ErrComputeBlocked(result.Message).WithData(result))
		return
	}
	httpx.OK(c, result)
}
