package handler

import (
	"net/http"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/exchange"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type PortfolioHandler struct {
	portfolio    *service.Portfolio
	feedback     *service.FeedbackEmitter
	correlations *service.CorrelationMonitor
	pub          bus.Publisher
	paper        *exchange.Paper // nil unless running against the paper exchange
}

func NewPortfolioHandler(p *service.Pipeline, paper *exchange.Paper) *PortfolioHandler {
	return &PortfolioHandler{
		portfolio:    p.Portfolio,
		feedback:     p.Feedback,
		correlations: p.Correlations,
		pub:          p.Bus,
		paper:        paper,
	}
}

func (h *PortfolioHandler) Get(c *gin.Context) {
	snap := h.portfolio.Snapshot()
	avg, _ := h.correlations.Average(snap)
	winRate, meanEdge, samples := h.feedback.Stats()
	c.JSON(http.StatusOK, model.PortfolioView{
		PortfolioState: snap,
		TotalEquity:    snap.TotalEquity(),
		Exposure:       snap.Exposure(),
		ExposureRatio:  snap.ExposureRatio(),
		Reserved:       snap.Reserved(),
		AvgCorrelation: avg,
		WinRate:        winRate,
		MeanEdge:       meanEdge,
		Samples:        samples,
	})
}

func (h *PortfolioHandler) Resolve(c *gin.Context) {
	var req model.ResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	res := model.Resolution{
		MarketID:       req.MarketID,
		WinningOutcome: req.WinningOutcome,
		PayoutPerShare: req.PayoutPerShare,
		ResolvedAt:     time.Now().UTC(),
	}
	h.pub.Publish(model.TopicMarketsResolved, res)
	c.JSON(http.StatusAccepted, res)
}

func (h *PortfolioHandler) PaperFill(c *gin.Context) {
	if h.paper == nil {
		c.Error(apperrors.Newf(apperrors.ErrNotFound, "paper exchange is not enabled"))
		return
	}
	var req model.PaperFillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if !req.Notional.GreaterThan(decimal.Zero) {
		c.Error(apperrors.NewInvalidRequest("notional must be positive"))
		return
	}
	if err := h.paper.ReportFill(req.OrderID, req.Notional); err != nil {
		c.Error(apperrors.New(apperrors.ErrNotFound, "no resting paper order "+req.OrderID, err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "filled", "order_id": req.OrderID})
}
