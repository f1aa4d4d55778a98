package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/service"
	"github.com/gin-gonic/gin"
)

type IntentHandler struct {
	store *service.IntentStore
	exec  *service.ExecutionEngine
}

func NewIntentHandler(store *service.IntentStore, exec *service.ExecutionEngine) *IntentHandler {
	return &IntentHandler{store: store, exec: exec}
}

// List supports ?state=SUBMITTED&limit=50.
func (h *IntentHandler) List(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.Error(apperrors.NewInvalidRequest("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	state := model.IntentState(strings.ToUpper(strings.TrimSpace(c.Query("state"))))
	c.JSON(http.StatusOK, h.store.List(state, limit))
}

func (h *IntentHandler) Cancel(c *gin.Context) {
	reason := c.DefaultQuery("reason", "operator_cancel")
	in, err := h.exec.Cancel(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, in)
}
