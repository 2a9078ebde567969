package callbacks

import (
	"context"
	"net/http"

	"porter/internal/service"

	"github.com/gin-gonic/gin"
)

// Finalizer applies a worker callback
type Finalizer interface {
	Handle(ctx context.Context, payload service.CallbackPayload, headerToken string) (int, service.CallbackResponse)
}

// Handler handles the worker completion callback. Responses use bare
// bodies, not the v1 envelope, because workers key off them directly.
type Handler struct {
	finalizer Finalizer
}

// NewHandler creates a new callbacks handler
func NewHandler(finalizer Finalizer) *Handler {
	return &Handler{finalizer: finalizer}
}

// Complete handles POST /api/callbacks/complete
func (h *Handler) Complete(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, service.CallbackResponse{Error: "failed to read body"})
		return
	}
	payload, err := service.DecodeCallback(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, service.CallbackResponse{Error: err.Error()})
		return
	}

	status, resp := h.finalizer.Handle(c.Request.Context(), payload, c.GetHeader(service.CallbackTokenHeader))
	c.JSON(status, resp)
}
