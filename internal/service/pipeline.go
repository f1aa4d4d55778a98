package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/GoPolymarket/polyloop/internal/exchange"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/shopspring/decimal"
)

type PipelineDeps struct {
	Config     *config.Config
	Bus        *bus.Bus
	Registry   *market.Registry
	Books      market.BookSource
	Clients    []exchange.Client
	Checkpoint CheckpointRepo
	Audit      AuditSink
}

// Pipeline owns every stage of the decision core and their bus subscriptions.
type Pipeline struct {
	Bus          *bus.Bus
	Registry     *market.Registry
	Books        market.BookSource
	Store        *IntentStore
	Portfolio    *Portfolio
	Validator    *SignalValidator
	Decisions    *DecisionService
	Approvals    *ApprovalService
	Execution    *ExecutionEngine
	Fills        *FillMonitor
	Feedback     *FeedbackEmitter
	Correlations *CorrelationMonitor

	markInterval time.Duration
	stopMark     context.CancelFunc
	markDone     sync.WaitGroup
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func NewPipeline(d PipelineDeps) *Pipeline {
	cfg := d.Config
	b := d.Bus
	store := NewIntentStore(d.Audit)

	portfolio := NewPortfolio(PortfolioOptions{
		InitialCash:      dec(cfg.Portfolio.InitialCash),
		FeeRate:          dec(cfg.Execution.FeeRate),
		MaxExposureRatio: dec(cfg.Risk.MaxExposureRatio),
		DedupeWindow:     cfg.Portfolio.DedupeWindow,
	}, d.Checkpoint)

	sizer := NewPositionSizer(SizerOptions{
		KellyFraction:   cfg.Sizing.KellyFraction,
		MaxSingle:       dec(cfg.Sizing.MaxSinglePositionNotional),
		DefaultVariance: cfg.Sizing.DefaultVariance,
		MaxSlippage:     cfg.Sizing.MaxSlippage,
		TickSize:        dec(cfg.Execution.TickSize),
	})
	gate := NewRiskGate(RiskLimits{
		MaxExposureRatio:        dec(cfg.Risk.MaxExposureRatio),
		MaxVaRRatio:             dec(cfg.Risk.MaxVaRRatio),
		VaRVolatility:           dec(cfg.Risk.VaRVolatility),
		VaRZScore:               dec(cfg.Risk.VaRZScore),
		CorrelationThreshold:    cfg.Risk.CorrelationThreshold,
		CorrelationShrinkFactor: cfg.Risk.CorrelationShrinkFactor,
		MaxPlatformRatio:        dec(cfg.Risk.MaxPlatformRatio),
		HumanApprovalThreshold:  dec(cfg.Risk.HumanApprovalThreshold),
		MinOrderNotional:        dec(cfg.Risk.MinOrderNotional),
		FeeRate:                 dec(cfg.Execution.FeeRate),
	}, d.Registry)

	p := &Pipeline{
		Bus:       b,
		Registry:  d.Registry,
		Books:     d.Books,
		Store:     store,
		Portfolio: portfolio,
		Validator: NewSignalValidator(d.Registry, cfg.Signals.MinResolutionHorizon, b),
		Decisions: NewDecisionService(d.Registry, d.Books, portfolio, sizer, gate, store, b, HedgeOptions{
			MarketID:  cfg.Hedge.MarketID,
			Outcome:   cfg.Hedge.Outcome,
			Threshold: dec(cfg.Hedge.Threshold),
			Ratio:     dec(cfg.Hedge.Ratio),
		}),
		Approvals: NewApprovalService(store, b, cfg.Approval.Timeout),
		Execution: NewExecutionEngine(d.Clients, store, b, ExecutionOptions{
			TickSize:         dec(cfg.Execution.TickSize),
			ImproveTicks:     cfg.Execution.ImproveTicks,
			SnipeWindow:      cfg.Execution.SnipeWindow,
			SnipePoll:        cfg.Execution.SnipePoll,
			MaxRetries:       cfg.Execution.MaxSubmissionRetries,
			RetryBackoff:     cfg.Execution.RetryBackoff,
			SubmitRate:       cfg.Execution.SubmitRate,
			SubmitBurst:      cfg.Execution.SubmitBurst,
			MaxReassessments: cfg.Execution.MaxReassessments,
		}),
		Fills: NewFillMonitor(store, portfolio, d.Registry, b, cfg.Execution.FillWaitHorizon, dec(cfg.Execution.FillEpsilon)),
		Feedback: NewFeedbackEmitter(store, b, FeedbackOptions{
			Window:          cfg.Feedback.Window,
			DriftWinRate:    cfg.Feedback.DriftWinRate,
			DriftMinSamples: cfg.Feedback.DriftMinSamples,
		}),
		Correlations: NewCorrelationMonitor(d.Registry, cfg.Risk.PortfolioCorrelationWarn),
		markInterval: cfg.Portfolio.MarkInterval,
	}
	p.subscribe()
	return p
}

var terminalTopics = []string{
	model.TopicOrdersRejected,
	model.TopicOrdersFilled,
	model.TopicOrdersCancelled,
	model.TopicOrdersExpired,
}

func (p *Pipeline) subscribe() {
	b := p.Bus

	b.Subscribe(model.TopicSignalsRaw, p.Validator.Handle)
	b.Subscribe(model.TopicSignalsValid, p.Decisions.HandleSignal)

	b.Subscribe(model.TopicOrdersPendingApproval, p.Approvals.HandlePending)
	b.Subscribe(model.TopicApprovalsHuman, p.Approvals.HandleDecision)

	b.Subscribe(model.TopicOrdersApproved, p.Execution.HandleApproved)
	b.Subscribe(model.TopicOrdersReassess, p.Execution.HandleReassess)
	b.Subscribe(model.TopicOrdersCancelRequested, p.Execution.HandleCancelRequested)

	b.Subscribe(model.TopicExchangeFills, p.Fills.HandleFill)
	b.Subscribe(model.TopicOrdersSubmitted, p.Fills.HandleSubmitted)
	b.Subscribe(model.TopicMarketsResolved, p.Fills.HandleResolution)
	b.Subscribe(model.TopicOrdersFilled, p.Decisions.HandleFilled)

	for _, topic := range terminalTopics {
		b.Subscribe(topic, p.releaseReservation)
		b.Subscribe(topic, p.Fills.HandleTerminal)
		b.Subscribe(topic, p.Approvals.HandleTerminal)
		b.Subscribe(topic, p.Feedback.HandleTerminal)
	}
	b.Subscribe(model.TopicPositionsClosed, p.Feedback.HandleClosed)
	b.Subscribe(model.TopicPortfolioUpdated, p.Correlations.Handle)
}

func (p *Pipeline) releaseReservation(_ context.Context, ev bus.Event) error {
	in, ok := ev.Payload.(*model.OrderIntent)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", ev.Topic, ev.Payload)
	}
	p.Portfolio.Release(in.ID)
	return nil
}

// Start restores the ledger and starts the mark-to-market loop.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.Portfolio.Restore(ctx); err != nil {
		return fmt.Errorf("restore portfolio: %w", err)
	}
	if p.markInterval <= 0 || p.Books == nil {
		return nil
	}
	markCtx, cancel := context.WithCancel(context.Background())
	p.stopMark = cancel
	p.markDone.Add(1)
	go func() {
		defer p.markDone.Done()
		ticker := time.NewTicker(p.markInterval)
		defer ticker.Stop()
		for {
			select {
			case <-markCtx.Done():
				return
			case <-ticker.C:
				p.Mark()
			}
		}
	}()
	return nil
}

// Mark prices open positions from the latest books and publishes the snapshot.
func (p *Pipeline) Mark() {
	snap := p.Portfolio.Snapshot()
	if len(snap.Positions) == 0 {
		return
	}
	prices := make(map[string]decimal.Decimal, len(snap.Positions))
	for key, pos := range snap.Positions {
		book := p.Books.GetBook(p.Registry.TokenFor(pos.MarketID, pos.Outcome))
		if book == nil {
			continue
		}
		if ref, ok := book.Reference(); ok {
			prices[key] = ref
		}
	}
	if len(prices) == 0 {
		return
	}
	p.Bus.Publish(model.TopicPortfolioUpdated, p.Portfolio.MarkToMarket(prices))
}

// Stop halts timers and in-flight submissions, then drains the bus.
func (p *Pipeline) Stop() {
	if p.stopMark != nil {
		p.stopMark()
		p.markDone.Wait()
	}
	p.Approvals.Close()
	p.Execution.Close()
	p.Fills.Close()
	p.Bus.Close()
	logger.Info("pipeline stopped")
}
