package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/GoPolymarket/polyloop/internal/exchange"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type busLog struct {
	mu     sync.Mutex
	topics map[string][]any
}

func (l *busLog) handler(_ context.Context, ev bus.Event) error {
	l.mu.Lock()
	l.topics[ev.Topic] = append(l.topics[ev.Topic], ev.Payload)
	l.mu.Unlock()
	return nil
}

func (l *busLog) count(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.topics[topic])
}

type e2e struct {
	p     *Pipeline
	paper *exchange.Paper
	books *market.BookStore
	log   *busLog
	ckpt  *memCheckpoint
}

func newE2E(t *testing.T, tweak func(cfg *config.Config)) *e2e {
	t.Helper()
	cfg := testConfig(t)
	cfg.Execution.FeeRate = 0
	cfg.Execution.SnipeWindow = 10 * time.Millisecond
	cfg.Execution.SnipePoll = 2 * time.Millisecond
	cfg.Execution.RetryBackoff = time.Millisecond
	cfg.Execution.FillWaitHorizon = time.Minute
	cfg.Portfolio.MarkInterval = 0
	if tweak != nil {
		tweak(cfg)
	}

	b := bus.New()
	books := market.NewBookStore()
	books.Seed("btc-100k:YES", []market.Level{lvl("0.48", "10000")}, []market.Level{lvl("0.52", "10000")})
	registry := testRegistry(time.Now())
	registry.Add(market.Market{ID: "m0", Platform: exchange.PlatformPaper, Open: true})
	paper := exchange.NewPaper(books, b)

	e := &e2e{paper: paper, books: books, log: &busLog{topics: map[string][]any{}}, ckpt: &memCheckpoint{}}
	e.p = NewPipeline(PipelineDeps{
		Config:     cfg,
		Bus:        b,
		Registry:   registry,
		Books:      books,
		Clients:    []exchange.Client{paper},
		Checkpoint: e.ckpt,
	})
	for _, topic := range []string{
		model.TopicSignalsValid, model.TopicOrdersApproved, model.TopicOrdersRejected,
		model.TopicOrdersPendingApproval, model.TopicOrdersSubmitted, model.TopicOrdersFilled,
		model.TopicFeedbackOutcome, model.TopicPortfolioUpdated,
	} {
		b.Subscribe(topic, e.log.handler)
	}
	require.NoError(t, e.p.Start(context.Background()))
	t.Cleanup(e.p.Stop)
	return e
}

func (e *e2e) seed(t *testing.T, marketID, notional string) {
	t.Helper()
	f := buy("seed", marketID, notional, "0.5", time.Unix(1, 0))
	ok, _ := e.p.Portfolio.ApplyFill(f, "")
	require.True(t, ok)
}

func (e *e2e) intentFor(t *testing.T, signalID string, want model.IntentState) *model.OrderIntent {
	t.Helper()
	var found *model.OrderIntent
	require.Eventually(t, func() bool {
		for _, in := range e.p.Store.List("", 0) {
			if in.SignalID == signalID && in.ParentID == "" && in.State == want {
				found = in
				return true
			}
		}
		return false
	}, 3*time.Second, 2*time.Millisecond, "intent for %s never reached %s", signalID, want)
	return found
}

func (e *e2e) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.p.Bus.WaitIdle(ctx))
	e.p.Fills.Wait()
}

func rawSignal(id string, edge float64) model.Signal {
	return model.Signal{ID: id, MarketID: "btc-100k", Direction: model.DirectionYes, Confidence: 0.7,
		EdgeEstimate: edge, SourceLayer: "research"}
}

func TestPipelineApprovesAndSubmits(t *testing.T) {
	e := newE2E(t, nil)
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("s1", 0.08))

	in := e.intentFor(t, "s1", model.StateSubmitted)
	assert.True(t, in.RequestedNotional.Equal(d("800")))
	assert.True(t, in.LimitPrice.Equal(d("0.49")), "improves on the 0.50 mid by one tick")
	assert.Equal(t, 0, e.log.count(model.TopicOrdersPendingApproval))
	assert.Equal(t, 1, e.log.count(model.TopicOrdersApproved))
}

func TestPipelineShrinksToExposureCap(t *testing.T) {
	e := newE2E(t, nil)
	e.seed(t, "m0", "7500")

	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("s2", 0.2))
	in := e.intentFor(t, "s2", model.StateSubmitted)
	assert.True(t, in.RequestedNotional.Equal(d("500")), in.RequestedNotional.String())

	snap := e.p.Portfolio.Snapshot()
	ratio := snap.Exposure().Add(snap.Reserved()).Div(snap.TotalEquity())
	assert.True(t, ratio.Equal(d("0.8")), ratio.String())
}

func TestPipelineVaRRejectLeavesPortfolio(t *testing.T) {
	e := newE2E(t, nil)
	before := e.p.Portfolio.Snapshot()

	// 5000 on 10000 equity: VaR/equity 0.1234
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("s3", 0.5))
	in := e.intentFor(t, "s3", model.StateRejected)
	assert.Contains(t, in.Reason, CheckTailRiskVaR)
	e.idle(t)

	assert.Equal(t, 1, e.log.count(model.TopicOrdersRejected))
	after := e.p.Portfolio.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.Cash.Equal(before.Cash))
	assert.True(t, after.Reserved().IsZero())
	assert.Equal(t, 1, e.log.count(model.TopicFeedbackOutcome))
}

func TestPipelineApprovalTimeout(t *testing.T) {
	e := newE2E(t, func(cfg *config.Config) {
		cfg.Portfolio.InitialCash = 25000
		cfg.Approval.Timeout = 30 * time.Millisecond
	})
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("s4", 0.5))

	pending := e.intentFor(t, "s4", model.StatePendingApproval)
	assert.True(t, pending.RequestedNotional.Equal(d("5000")))

	in := e.intentFor(t, "s4", model.StateRejected)
	assert.Equal(t, ReasonApprovalTimeout, in.Reason)
	e.idle(t)
	assert.True(t, e.p.Portfolio.Snapshot().Reserved().IsZero(), "reservation released")
	assert.Equal(t, 0, e.log.count(model.TopicOrdersSubmitted))
}

func TestPipelineHumanApprovalThenSubmit(t *testing.T) {
	e := newE2E(t, func(cfg *config.Config) { cfg.Portfolio.InitialCash = 25000 })
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("s4b", 0.5))
	pending := e.intentFor(t, "s4b", model.StatePendingApproval)

	e.p.Bus.Publish(model.TopicApprovalsHuman, model.ApprovalDecision{IntentID: pending.ID, Approved: true, Approver: "ops"})
	e.intentFor(t, "s4b", model.StateSubmitted)
}

func TestPipelinePartialFillsReachFilled(t *testing.T) {
	e := newE2E(t, nil)
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("s5", 0.08))
	in := e.intentFor(t, "s5", model.StateSubmitted)

	require.NoError(t, e.paper.ReportFill(in.ExchangeOrderID, d("400")))
	e.intentFor(t, "s5", model.StatePartiallyFilled)
	require.NoError(t, e.paper.ReportFill(in.ExchangeOrderID, d("400")))

	done := e.intentFor(t, "s5", model.StateFilled)
	e.idle(t)
	assert.True(t, done.FilledNotional.GreaterThanOrEqual(d("799.99")))

	snap := e.p.Portfolio.Snapshot()
	pos := snap.Positions["btc-100k"]
	require.NotNil(t, pos)
	assert.True(t, pos.Notional.Equal(done.FilledNotional))
	assert.True(t, pos.EntryPrice().Equal(d("0.49")))
	assert.True(t, snap.Reserved().IsZero())
	assert.Equal(t, 1, e.log.count(model.TopicOrdersFilled))

	// checkpoint follows every fill
	saved, err := e.ckpt.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Version, saved.Version)
}

func TestPipelineDropsNonPositiveEdge(t *testing.T) {
	e := newE2E(t, nil)
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("neg", -0.02))
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("zero", 0))
	e.idle(t)

	assert.Equal(t, 2, e.log.count(model.TopicSignalsValid))
	assert.Empty(t, e.p.Store.List("", 0))
}

func TestPipelineDuplicateFillDelivery(t *testing.T) {
	e := newE2E(t, nil)
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("dup", 0.08))
	in := e.intentFor(t, "dup", model.StateSubmitted)

	f := model.Fill{FillID: "t-1", OrderID: in.ExchangeOrderID, MarketID: "btc-100k", Outcome: model.OutcomeYes,
		Platform: exchange.PlatformPaper, Side: model.SideBuy, FilledNotional: d("100"), Price: d("0.49"), Timestamp: time.Now()}
	e.p.Bus.Publish(model.TopicExchangeFills, f)
	e.p.Bus.Publish(model.TopicExchangeFills, f)
	e.intentFor(t, "dup", model.StatePartiallyFilled)
	e.idle(t)

	got, _ := e.p.Store.Get(in.ID)
	assert.True(t, got.FilledNotional.Equal(d("100")))
	assert.True(t, e.p.Portfolio.Snapshot().Positions["btc-100k"].Notional.Equal(d("100")))
}

func TestPipelineCancelRequestedOnResolution(t *testing.T) {
	e := newE2E(t, nil)
	e.p.Bus.Publish(model.TopicSignalsRaw, rawSignal("r1", 0.08))
	e.intentFor(t, "r1", model.StateSubmitted)
	require.Len(t, e.paper.OpenOrders(), 1)

	e.p.Bus.Publish(model.TopicMarketsResolved, model.Resolution{MarketID: "btc-100k", WinningOutcome: model.OutcomeNo})
	cancelled := e.intentFor(t, "r1", model.StateCancelled)
	assert.Equal(t, "market_resolved", cancelled.Reason)
	require.Eventually(t, func() bool { return len(e.paper.OpenOrders()) == 0 }, time.Second, 2*time.Millisecond)
	m, _ := e.p.Registry.Get("btc-100k")
	assert.False(t, m.Open)
}
