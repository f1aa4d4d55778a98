package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	payload any
}

// recorder is a synchronous bus.Publisher for unit tests.
type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(topic string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, published{topic: topic, payload: payload})
	r.mu.Unlock()
}

func (r *recorder) on(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.topic == topic {
			out = append(out, e.payload)
		}
	}
	return out
}

func (r *recorder) intents(topic string) []*model.OrderIntent {
	var out []*model.OrderIntent
	for _, p := range r.on(topic) {
		out = append(out, p.(*model.OrderIntent))
	}
	return out
}

type memCheckpoint struct {
	mu    sync.Mutex
	state *model.PortfolioState
	saves int
}

func (m *memCheckpoint) Load(context.Context) (*model.PortfolioState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	return m.state.Clone(), nil
}

func (m *memCheckpoint) Save(_ context.Context, s *model.PortfolioState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s.Clone()
	m.saves++
	return nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Decode(v)
	require.NoError(t, err)
	return cfg
}

func buy(orderID, market, notional, price string, at time.Time) model.Fill {
	return model.Fill{
		OrderID:        orderID,
		MarketID:       market,
		Outcome:        model.OutcomeYes,
		Platform:       "paper",
		Side:           model.SideBuy,
		FilledNotional: d(notional),
		Price:          d(price),
		Timestamp:      at,
	}
}

// seedPosition books an existing position directly through the fill path.
func seedPosition(t *testing.T, p *Portfolio, market, notional, price string) {
	t.Helper()
	ok, _ := p.ApplyFill(buy("seed-"+market, market, notional, price, time.Unix(1, 0)), "seed-"+market)
	require.True(t, ok)
}

func lvl(price, size string) market.Level {
	return market.Level{Price: d(price), Size: d(size)}
}

type decisionFixture struct {
	rec       *recorder
	registry  *market.Registry
	books     *market.BookStore
	portfolio *Portfolio
	store     *IntentStore
	svc       *DecisionService
}

func newDecisionFixture(t *testing.T, limits RiskLimits, hedge HedgeOptions) *decisionFixture {
	t.Helper()
	f := &decisionFixture{
		rec:      &recorder{},
		registry: testRegistry(time.Now()),
		books:    market.NewBookStore(),
		store:    NewIntentStore(nil),
	}
	f.registry.Add(market.Market{ID: "hedge-mkt", Platform: "paper", Open: true})
	f.portfolio = NewPortfolio(PortfolioOptions{
		InitialCash:      d("10000"),
		FeeRate:          limits.FeeRate,
		MaxExposureRatio: limits.MaxExposureRatio,
	}, nil)
	f.books.Seed("btc-100k:YES", []market.Level{lvl("0.48", "5000")}, []market.Level{lvl("0.52", "5000")})
	f.svc = NewDecisionService(f.registry, f.books, f.portfolio, defaultSizer(),
		NewRiskGate(limits, f.registry), f.store, f.rec, hedge)
	return f
}

// storedIntent creates an intent walked through the given states.
func storedIntent(t *testing.T, store *IntentStore, id, notional string, path ...model.IntentState) *model.OrderIntent {
	t.Helper()
	in := model.NewIntent(id, model.Signal{ID: "sig-" + id, MarketID: "btc-100k", Direction: model.DirectionYes, EdgeEstimate: 0.08}, "paper", time.Now())
	in.TokenID = "btc-100k:YES"
	in.RequestedNotional = d(notional)
	in.ReferencePrice = d("0.50")
	in.MaxPrice = d("0.52")
	in.MinPrice = d("0.48")
	for _, s := range path {
		require.NoError(t, in.TransitionTo(s, "", time.Now()))
	}
	return store.Create(in)
}

var toApproved = []model.IntentState{model.StateSized, model.StateRiskAdjusted, model.StateApproved}
var toPending = []model.IntentState{model.StateSized, model.StateRiskAdjusted, model.StatePendingApproval}
