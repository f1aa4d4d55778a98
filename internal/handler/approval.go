package handler

import (
	"net/http"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/service"
	"github.com/gin-gonic/gin"
)

type ApprovalHandler struct {
	svc   *service.ApprovalService
	store *service.IntentStore
	pub   bus.Publisher
}

func NewApprovalHandler(svc *service.ApprovalService, store *service.IntentStore, pub bus.Publisher) *ApprovalHandler {
	return &ApprovalHandler{svc: svc, store: store, pub: pub}
}

func (h *ApprovalHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Pending())
}

// Decide queues a human decision on approvals.human. The state is checked here so
// unknown or already decided intents fail fast; the subscriber re-checks it.
func (h *ApprovalHandler) Decide(c *gin.Context) {
	var req model.ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	id := c.Param("id")
	in, ok := h.store.Get(id)
	if !ok {
		c.Error(apperrors.NewNotFound("intent not found: " + id))
		return
	}
	if in.State != model.StatePendingApproval {
		c.Error(apperrors.Newf(apperrors.ErrConflict, "intent %s is %s, not pending approval", id, in.State))
		return
	}

	h.pub.Publish(model.TopicApprovalsHuman, model.ApprovalDecision{
		IntentID: id,
		Approved: *req.Approved,
		Approver: req.Approver,
		Reason:   req.Reason,
	})
	c.JSON(http.StatusAccepted, model.ApprovalAccepted{IntentID: id, Status: "queued"})
}
