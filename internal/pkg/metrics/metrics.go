package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyloop_signals_total",
		Help: "Raw signals seen by the validator, by result",
	}, []string{"result"})

	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyloop_intents_total",
		Help: "Order intents reaching a state",
	}, []string{"state"})

	RiskVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyloop_risk_verdicts_total",
		Help: "Risk gate verdicts per check",
	}, []string{"check", "verdict"})

	RiskRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyloop_risk_rejects_total",
		Help: "Total risk gate rejections",
	}, []string{"reason"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyloop_fills_total",
		Help: "Exchange fills processed by the fill monitor",
	}, []string{"result"})

	ReconciliationConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyloop_reconciliation_conflicts_total",
		Help: "Fills that referenced an unknown or terminal intent",
	})

	SubmissionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyloop_submission_retries_total",
		Help: "Exchange submission attempts that failed and were retried",
	}, []string{"platform"})

	BusHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyloop_bus_handler_failures_total",
		Help: "Event handlers that returned an error or panicked",
	}, []string{"topic"})

	BusPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyloop_bus_published_total",
		Help: "Events published per topic",
	}, []string{"topic"})

	DecisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyloop_decision_latency_seconds",
		Help:    "Time from valid signal to risk gate verdict",
		Buckets: prometheus.DefBuckets,
	})

	FillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyloop_fill_latency_seconds",
		Help:    "Time from submission to terminal fill",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyloop_http_latency_seconds",
		Help:    "Ops API request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	ExposureRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyloop_exposure_ratio",
		Help: "Gross position notional over total equity",
	})

	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyloop_equity_usd",
		Help: "Cash plus position notional",
	})
)
