package handler

import (
	"net/http"
	"strconv"

	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/service"
	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	store *service.IntentStore
	svc   *service.AuditService
}

func NewAuditHandler(store *service.IntentStore, svc *service.AuditService) *AuditHandler {
	return &AuditHandler{store: store, svc: svc}
}

// Trail returns an intent together with its recorded transitions.
func (h *AuditHandler) Trail(c *gin.Context) {
	id := c.Param("id")
	in, ok := h.store.Get(id)
	if !ok {
		c.Error(apperrors.NewNotFound("intent not found: " + id))
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	records := []*model.AuditRecord{}
	if h.svc != nil {
		found, err := h.svc.List(c.Request.Context(), id, limit)
		if err != nil {
			c.Error(apperrors.New(apperrors.ErrInternal, err.Error(), err))
			return
		}
		records = found
	}
	c.JSON(http.StatusOK, model.IntentDetail{Intent: in, Audit: records})
}
