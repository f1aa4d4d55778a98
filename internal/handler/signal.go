package handler

import (
	"net/http"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type SignalHandler struct {
	validator *service.SignalValidator
	pub       bus.Publisher
}

func NewSignalHandler(validator *service.SignalValidator, pub bus.Publisher) *SignalHandler {
	return &SignalHandler{validator: validator, pub: pub}
}

// Submit checks the signal up front so malformed input gets a 400, then hands it to the bus.
func (h *SignalHandler) Submit(c *gin.Context) {
	var req model.SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	sig := req.Signal()
	if _, err := h.validator.Validate(sig); err != nil {
		c.Error(err)
		return
	}

	h.pub.Publish(model.TopicSignalsRaw, sig)
	c.JSON(http.StatusAccepted, model.SignalAccepted{SignalID: sig.ID, Status: "accepted"})
}
