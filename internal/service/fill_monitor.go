package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/GoPolymarket/polyloop/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

// MarketCloser marks a market as no longer tradable.
type MarketCloser interface {
	Close(id string)
}

// FillMonitor reconciles exchange fills with intents and the ledger.
// All work of one market runs on that market's queue, in arrival order.
type FillMonitor struct {
	store     *IntentStore
	portfolio *Portfolio
	markets   MarketCloser
	pub       bus.Publisher
	runner    *KeyedRunner
	horizon   time.Duration
	epsilon   decimal.Decimal
	now       func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	orphans map[string][]model.Fill // exchange order id -> fills seen before the order was bound
}

func NewFillMonitor(store *IntentStore, portfolio *Portfolio, markets MarketCloser, pub bus.Publisher,
	horizon time.Duration, epsilon decimal.Decimal) *FillMonitor {
	return &FillMonitor{
		store:     store,
		portfolio: portfolio,
		markets:   markets,
		pub:       pub,
		runner:    NewKeyedRunner(),
		horizon:   horizon,
		epsilon:   epsilon,
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
		orphans:   make(map[string][]model.Fill),
	}
}

// HandleFill is the exchange.fills subscriber.
func (m *FillMonitor) HandleFill(_ context.Context, ev bus.Event) error {
	f, ok := ev.Payload.(model.Fill)
	if !ok {
		return fmt.Errorf("exchange.fills: unexpected payload %T", ev.Payload)
	}
	m.runner.Submit(f.MarketID, func() { m.apply(f) })
	return nil
}

func (m *FillMonitor) apply(f model.Fill) {
	in, known := m.store.ByOrder(f.OrderID)
	intentID := ""
	if known {
		intentID = in.ID
	}

	applied, snap := m.portfolio.ApplyFill(f, intentID)
	if !applied {
		metrics.FillsTotal.WithLabelValues("duplicate").Inc()
		logger.Debug("duplicate fill dropped", "order_id", f.OrderID, "dedupe_key", f.DedupeKey())
		return
	}
	m.pub.Publish(model.TopicPortfolioUpdated, snap)

	if !known {
		// 交易所是事实来源: 先记账, 等订单绑定后再归属
		metrics.FillsTotal.WithLabelValues("unknown_order").Inc()
		metrics.ReconciliationConflicts.Inc()
		logger.Warn("reconciliation conflict: fill for unknown order", "order_id", f.OrderID,
			"market_id", f.MarketID, "notional", f.FilledNotional.String())
		m.mu.Lock()
		m.orphans[f.OrderID] = append(m.orphans[f.OrderID], f)
		m.mu.Unlock()
		return
	}
	m.advance(in.ID, []model.Fill{f})
}

// advance moves a live intent through PartiallyFilled / Filled.
func (m *FillMonitor) advance(id string, fills []model.Fill) {
	if len(fills) == 0 {
		return
	}
	var filled bool
	updated, err := m.store.Update(id, func(in *model.OrderIntent) error {
		if !in.State.IsLive() {
			return errStale
		}
		for _, f := range fills {
			filled = in.ApplyFill(f, m.epsilon)
		}
		if filled {
			return in.TransitionTo(model.StateFilled, "", m.now())
		}
		return in.TransitionTo(model.StatePartiallyFilled, "", m.now())
	})
	if errors.Is(err, errStale) {
		metrics.FillsTotal.WithLabelValues("terminal_intent").Inc()
		metrics.ReconciliationConflicts.Inc()
		logger.ForIntent(updated.ID, updated.SignalID, updated.MarketID).Warn("reconciliation conflict: fill for inactive intent",
			"state", updated.State, "fills", len(fills))
		return
	}
	if err != nil {
		logger.Error("fill state update failed", "intent_id", id, "error", err)
		return
	}
	metrics.FillsTotal.WithLabelValues("applied").Add(float64(len(fills)))

	log := logger.ForIntent(updated.ID, updated.SignalID, updated.MarketID)
	if updated.State == model.StateFilled {
		m.stopTimer(id)
		if !updated.SubmittedAt.IsZero() {
			metrics.FillLatency.Observe(m.now().Sub(updated.SubmittedAt).Seconds())
		}
		log.Info("intent filled", "filled", updated.FilledNotional.StringFixed(2), "avg_price", updated.AverageFillPrice().StringFixed(4))
		m.pub.Publish(model.TopicOrdersFilled, updated)
		return
	}
	log.Info("intent partially filled", "filled", updated.FilledNotional.StringFixed(2), "remaining", updated.Remaining().StringFixed(2))
	m.armTimer(updated)
}

// HandleSubmitted arms the fill horizon and adopts fills that beat the order binding.
func (m *FillMonitor) HandleSubmitted(_ context.Context, ev bus.Event) error {
	in, ok := ev.Payload.(*model.OrderIntent)
	if !ok {
		return fmt.Errorf("orders.submitted: unexpected payload %T", ev.Payload)
	}
	m.runner.Submit(in.MarketID, func() {
		m.mu.Lock()
		early := m.orphans[in.ExchangeOrderID]
		delete(m.orphans, in.ExchangeOrderID)
		m.mu.Unlock()

		if len(early) > 0 {
			moved := m.portfolio.Adopt(in.ExchangeOrderID, in.ID)
			logger.ForIntent(in.ID, in.SignalID, in.MarketID).Info("adopted early fills",
				"order_id", in.ExchangeOrderID, "fills", len(early), "notional", moved.StringFixed(2))
		}
		cur, ok := m.store.Get(in.ID)
		if !ok || !cur.State.IsLive() {
			return
		}
		m.armTimer(cur)
		m.advance(in.ID, early)
	})
	return nil
}

// HandleTerminal stops the horizon timer of an intent that ended.
func (m *FillMonitor) HandleTerminal(_ context.Context, ev bus.Event) error {
	if in, ok := ev.Payload.(*model.OrderIntent); ok {
		m.stopTimer(in.ID)
	}
	return nil
}

// HandleResolution settles the market's positions and cancels its live intents.
func (m *FillMonitor) HandleResolution(_ context.Context, ev bus.Event) error {
	res, ok := ev.Payload.(model.Resolution)
	if !ok {
		return fmt.Errorf("markets.resolved: unexpected payload %T", ev.Payload)
	}
	if res.PayoutPerShare.IsZero() {
		res.PayoutPerShare = decimal.NewFromInt(1)
	}
	m.runner.Submit(res.MarketID, func() {
		closed, snap := m.portfolio.ApplyResolution(res)
		if m.markets != nil {
			m.markets.Close(res.MarketID)
		}
		for _, c := range closed {
			logger.Info("position closed on resolution", "market_id", res.MarketID, "outcome", c.Position.Outcome,
				"payout", c.Payout.StringFixed(2), "pnl", c.RealizedPnL.StringFixed(2))
			m.pub.Publish(model.TopicPositionsClosed, c)
		}
		if snap != nil {
			m.pub.Publish(model.TopicPortfolioUpdated, snap)
		}
		if len(closed) == 0 {
			m.pub.Publish(model.TopicFeedbackOutcome, model.FeedbackOutcome{
				MarketID:    res.MarketID,
				Kind:        "resolution",
				RealizedPnL: decimal.Zero,
				Reason:      "no_position",
				Message:     fmt.Sprintf("%s resolved %s: no open position", res.MarketID, res.WinningOutcome),
				At:          m.now(),
			})
		}
		for _, in := range m.store.LiveInMarket(res.MarketID) {
			m.pub.Publish(model.TopicOrdersCancelRequested, model.OrderCommand{
				IntentID: in.ID,
				SignalID: in.SignalID,
				Reason:   "market_resolved",
			})
		}
	})
	return nil
}

func (m *FillMonitor) armTimer(in *model.OrderIntent) {
	if m.horizon <= 0 {
		return
	}
	cmd := model.OrderCommand{IntentID: in.ID, SignalID: in.SignalID, Reason: ReasonFillWaitHorizon}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[in.ID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(m.horizon, func() {
		m.mu.Lock()
		current := m.timers[cmd.IntentID] == t
		if current {
			delete(m.timers, cmd.IntentID)
		}
		m.mu.Unlock()
		if current {
			m.pub.Publish(model.TopicOrdersReassess, cmd)
		}
	})
	m.timers[in.ID] = t
}

func (m *FillMonitor) stopTimer(id string) {
	m.mu.Lock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

// Wait blocks until queued fills are applied.
func (m *FillMonitor) Wait() { m.runner.Wait() }

// Close stops every horizon timer.
func (m *FillMonitor) Close() {
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.runner.Wait()
}
