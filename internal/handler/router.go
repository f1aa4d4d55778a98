package handler

import (
	"net/http"

	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/GoPolymarket/polyloop/internal/exchange"
	"github.com/GoPolymarket/polyloop/internal/middleware"
	"github.com/GoPolymarket/polyloop/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the ops API onto a running pipeline. audit and paper may be nil.
func NewRouter(cfg *config.Config, p *service.Pipeline, audit *service.AuditService, paper *exchange.Paper) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "polyloop"})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	signals := NewSignalHandler(p.Validator, p.Bus)
	approvals := NewApprovalHandler(p.Approvals, p.Store, p.Bus)
	intents := NewIntentHandler(p.Store, p.Execution)
	trail := NewAuditHandler(p.Store, audit)
	portfolio := NewPortfolioHandler(p, paper)

	v1 := r.Group("/v1")
	v1.Use(middleware.AdminMiddleware(cfg))
	v1.Use(middleware.ReadOnlyMiddleware(cfg.Server.ReadOnly))
	{
		v1.GET("/intents", intents.List)
		v1.GET("/intents/:id", trail.Trail)
		v1.DELETE("/intents/:id", intents.Cancel)
		v1.GET("/approvals", approvals.List)
		v1.GET("/portfolio", portfolio.Get)

		writes := v1.Group("")
		writes.Use(middleware.RateLimitMiddleware(cfg.Server.WriteRate, cfg.Server.WriteBurst))
		writes.POST("/signals", signals.Submit)
		writes.POST("/approvals/:id", approvals.Decide)
		writes.POST("/resolutions", portfolio.Resolve)
		writes.POST("/paper/fills", portfolio.PaperFill)
	}
	return r
}
