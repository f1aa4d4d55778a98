package service

import (
	"context"
	"testing"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fillFixture struct {
	rec       *recorder
	store     *IntentStore
	portfolio *Portfolio
	registry  *market.Registry
	monitor   *FillMonitor
}

func newFillFixture(t *testing.T, horizon time.Duration) *fillFixture {
	t.Helper()
	f := &fillFixture{rec: &recorder{}, store: NewIntentStore(nil), registry: testRegistry(time.Now())}
	f.portfolio = newTestPortfolio("0")
	f.monitor = NewFillMonitor(f.store, f.portfolio, f.registry, f.rec, horizon, d("0.01"))
	t.Cleanup(f.monitor.Close)
	return f
}

// submitted stores a Submitted intent bound to orderID.
func (f *fillFixture) submitted(t *testing.T, id, orderID, notional string) *model.OrderIntent {
	t.Helper()
	in := storedIntent(t, f.store, id, notional, append(toApproved, model.StateSubmitted)...)
	out, err := f.store.Update(id, func(cur *model.OrderIntent) error {
		cur.ExchangeOrderID = orderID
		cur.SubmittedAt = time.Now()
		return nil
	})
	require.NoError(t, err)
	f.store.BindOrder(orderID, in.ID)
	require.NoError(t, f.portfolio.Reserve(model.Reservation{IntentID: id, MarketID: in.MarketID, Platform: in.Platform, Notional: in.RequestedNotional}))
	return out
}

func (f *fillFixture) deliver(t *testing.T, fills ...model.Fill) {
	t.Helper()
	for _, fl := range fills {
		require.NoError(t, f.monitor.HandleFill(context.Background(), bus.Event{Payload: fl}))
	}
	f.monitor.Wait()
}

func TestFillMonitorPartialThenFilled(t *testing.T) {
	f := newFillFixture(t, 0)
	f.submitted(t, "i1", "o1", "800")
	t0 := time.Unix(1000, 0)

	f.deliver(t, buy("o1", "btc-100k", "500", "0.49", t0))
	in, _ := f.store.Get("i1")
	assert.Equal(t, model.StatePartiallyFilled, in.State)
	assert.True(t, f.portfolio.Snapshot().Reserved().Equal(d("300")))

	f.deliver(t, buy("o1", "btc-100k", "299.995", "0.50", t0.Add(time.Second)))
	in, _ = f.store.Get("i1")
	assert.Equal(t, model.StateFilled, in.State, "within epsilon")

	filled := f.rec.intents(model.TopicOrdersFilled)
	require.Len(t, filled, 1)
	pos := f.portfolio.Snapshot().Positions["btc-100k"]
	// (500*0.49 + 299.995*0.50) / 799.995
	want := d("500").Mul(d("0.49")).Add(d("299.995").Mul(d("0.50"))).Div(d("799.995"))
	assert.True(t, pos.EntryPrice().Equal(want))
	assert.Len(t, f.rec.on(model.TopicPortfolioUpdated), 2)
}

func TestFillMonitorDuplicateDelivery(t *testing.T) {
	f := newFillFixture(t, 0)
	f.submitted(t, "i1", "o1", "800")
	fl := buy("o1", "btc-100k", "200", "0.49", time.Unix(1000, 0))

	f.deliver(t, fl, fl, fl)
	in, _ := f.store.Get("i1")
	assert.True(t, in.FilledNotional.Equal(d("200")))
	assert.True(t, f.portfolio.Snapshot().Positions["btc-100k"].Notional.Equal(d("200")))
	assert.Len(t, f.rec.on(model.TopicPortfolioUpdated), 1)
}

func TestFillMonitorUnknownOrderStillBooked(t *testing.T) {
	f := newFillFixture(t, 0)
	f.deliver(t, buy("stray", "btc-100k", "100", "0.5", time.Unix(1, 0)))

	snap := f.portfolio.Snapshot()
	require.Contains(t, snap.Positions, "btc-100k")
	assert.True(t, snap.Positions["btc-100k"].Notional.Equal(d("100")))
}

func TestFillMonitorTerminalIntentConflict(t *testing.T) {
	f := newFillFixture(t, 0)
	f.submitted(t, "i1", "o1", "800")
	_, err := f.store.Update("i1", func(in *model.OrderIntent) error {
		return in.TransitionTo(model.StateCancelled, "operator", time.Now())
	})
	require.NoError(t, err)

	f.deliver(t, buy("o1", "btc-100k", "100", "0.5", time.Unix(1, 0)))
	in, _ := f.store.Get("i1")
	assert.Equal(t, model.StateCancelled, in.State)
	assert.True(t, in.FilledNotional.IsZero())
	assert.True(t, f.portfolio.Snapshot().Positions["btc-100k"].Notional.Equal(d("100")), "exchange record wins")
}

func TestFillMonitorAdoptsEarlyFills(t *testing.T) {
	f := newFillFixture(t, 0)
	in := storedIntent(t, f.store, "i1", "800", append(toApproved, model.StateSubmitted)...)
	require.NoError(t, f.portfolio.Reserve(model.Reservation{IntentID: "i1", Notional: d("800")}))

	// fill races ahead of the order binding
	f.deliver(t, buy("o1", "btc-100k", "800", "0.5", time.Unix(1, 0)))

	in, _ = f.store.Update("i1", func(cur *model.OrderIntent) error { cur.ExchangeOrderID = "o1"; return nil })
	f.store.BindOrder("o1", "i1")
	require.NoError(t, f.monitor.HandleSubmitted(context.Background(), bus.Event{Payload: in}))
	f.monitor.Wait()

	got, _ := f.store.Get("i1")
	assert.Equal(t, model.StateFilled, got.State)
	snap := f.portfolio.Snapshot()
	assert.True(t, snap.Reserved().IsZero())
	assert.True(t, snap.Positions["btc-100k"].Contributions["i1"].Equal(d("800")))
}

func TestFillMonitorHorizonRequestsReassess(t *testing.T) {
	f := newFillFixture(t, 20*time.Millisecond)
	in := f.submitted(t, "i1", "o1", "800")
	require.NoError(t, f.monitor.HandleSubmitted(context.Background(), bus.Event{Payload: in}))

	require.Eventually(t, func() bool { return len(f.rec.on(model.TopicOrdersReassess)) == 1 }, time.Second, 2*time.Millisecond)
	cmd := f.rec.on(model.TopicOrdersReassess)[0].(model.OrderCommand)
	assert.Equal(t, "i1", cmd.IntentID)
	assert.Equal(t, ReasonFillWaitHorizon, cmd.Reason)
}

func TestFillMonitorTerminalStopsTimer(t *testing.T) {
	f := newFillFixture(t, 20*time.Millisecond)
	in := f.submitted(t, "i1", "o1", "800")
	require.NoError(t, f.monitor.HandleSubmitted(context.Background(), bus.Event{Payload: in}))
	f.monitor.Wait()
	require.NoError(t, f.monitor.HandleTerminal(context.Background(), bus.Event{Payload: in}))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, f.rec.on(model.TopicOrdersReassess))
}

func TestFillMonitorResolution(t *testing.T) {
	f := newFillFixture(t, 0)
	f.submitted(t, "i1", "o1", "800")
	f.submitted(t, "i2", "o2", "800")
	f.deliver(t, buy("o1", "btc-100k", "800", "0.4", time.Unix(1, 0)))

	res := model.Resolution{MarketID: "btc-100k", WinningOutcome: model.OutcomeYes}
	require.NoError(t, f.monitor.HandleResolution(context.Background(), bus.Event{Payload: res}))
	f.monitor.Wait()

	closed := f.rec.on(model.TopicPositionsClosed)
	require.Len(t, closed, 1)
	pc := closed[0].(model.PositionClosed)
	assert.True(t, pc.Payout.Equal(d("2000")), "default payout is one per share")
	assert.True(t, pc.RealizedPnL.Equal(d("1200")))

	m, _ := f.registry.Get("btc-100k")
	assert.False(t, m.Open)

	cancels := f.rec.on(model.TopicOrdersCancelRequested)
	require.Len(t, cancels, 1)
	assert.Equal(t, "i2", cancels[0].(model.OrderCommand).IntentID)
	assert.Empty(t, f.rec.on(model.TopicFeedbackOutcome), "attribution follows positions.closed")
}

func TestFillMonitorResolutionWithoutPosition(t *testing.T) {
	f := newFillFixture(t, 0)
	before := f.portfolio.Snapshot()

	res := model.Resolution{MarketID: "btc-100k", WinningOutcome: model.OutcomeNo}
	require.NoError(t, f.monitor.HandleResolution(context.Background(), bus.Event{Payload: res}))
	f.monitor.Wait()

	assert.Empty(t, f.rec.on(model.TopicPositionsClosed))
	outs := f.rec.on(model.TopicFeedbackOutcome)
	require.Len(t, outs, 1)
	out := outs[0].(model.FeedbackOutcome)
	assert.Equal(t, "resolution", out.Kind)
	assert.Equal(t, "btc-100k", out.MarketID)
	assert.True(t, out.RealizedPnL.IsZero())
	assert.Equal(t, "no_position", out.Reason)
	assert.Equal(t, before.Version, f.portfolio.Snapshot().Version)

	m, _ := f.registry.Get("btc-100k")
	assert.False(t, m.Open)
}
