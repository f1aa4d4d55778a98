package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntentLifecycle(t *testing.T) {
	now := time.Now()
	in := NewIntent("i-1", Signal{ID: "s-1", MarketID: "m-1", Direction: "long", EdgeEstimate: 0.08}, "paper", now)
	assert.Equal(t, OutcomeYes, in.Outcome)

	for _, st := range []IntentState{StateSized, StateRiskAdjusted, StateApproved, StateSubmitted, StatePartiallyFilled, StateFilled} {
		require.NoError(t, in.TransitionTo(st, "", now))
	}
	assert.True(t, in.State.IsTerminal())
	assert.Len(t, in.History, 6)

	err := in.TransitionTo(StateCancelled, "late", now)
	assert.Error(t, err)
	assert.Equal(t, StateFilled, in.State)
}

func TestIllegalTransition(t *testing.T) {
	in := NewIntent("i-1", Signal{ID: "s-1", Direction: DirectionNo}, "paper", time.Now())
	assert.Error(t, in.TransitionTo(StateSubmitted, "", time.Now()))
	assert.Equal(t, StateProposed, in.State)
}

func TestCancelFromEveryLiveState(t *testing.T) {
	for _, st := range []IntentState{StateProposed, StateSized, StateRiskAdjusted, StatePendingApproval,
		StateApproved, StateSubmitted, StatePartiallyFilled} {
		assert.True(t, CanTransition(st, StateCancelled), st)
	}
	for _, st := range []IntentState{StateFilled, StateRejected, StateExpired, StateCancelled} {
		assert.False(t, CanTransition(st, StateCancelled), st)
	}
}

func TestApplyFillEpsilon(t *testing.T) {
	in := &OrderIntent{RequestedNotional: decimal.NewFromInt(800)}
	eps := decimal.RequireFromString("0.01")

	done := in.ApplyFill(Fill{FilledNotional: decimal.NewFromInt(500), Price: decimal.RequireFromString("0.5")}, eps)
	assert.False(t, done)
	done = in.ApplyFill(Fill{FilledNotional: decimal.RequireFromString("299.995"), Price: decimal.RequireFromString("0.6")}, eps)
	assert.True(t, done)
	assert.True(t, in.Remaining().LessThan(eps))
}

func TestCloneIsolation(t *testing.T) {
	in := &OrderIntent{ID: "i", Notes: []string{"a"}}
	c := in.Clone()
	c.Notes[0] = "b"
	c.Note("c")
	assert.Equal(t, []string{"a"}, in.Notes)
}

func TestFillDedupeKey(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	a := Fill{OrderID: "o", Timestamp: ts, FilledNotional: decimal.RequireFromString("10.0")}
	b := Fill{OrderID: "o", Timestamp: ts.In(time.FixedZone("x", 3600)), FilledNotional: decimal.RequireFromString("10.0")}
	assert.Equal(t, a.DedupeKey(), b.DedupeKey())

	c := a
	c.FillID = "f-1"
	assert.Equal(t, "id:f-1", c.DedupeKey())
}

func TestDirectionNormalize(t *testing.T) {
	assert.Equal(t, DirectionShort, Direction(" short ").Normalize())
	assert.Equal(t, OutcomeNo, DirectionShort.Outcome())
	assert.Equal(t, Direction(""), Direction("sideways").Normalize())
}

func TestPortfolioStateEquity(t *testing.T) {
	s := NewPortfolioState(decimal.NewFromInt(2000), time.Now())
	s.Positions["m"] = &Position{MarketID: "m", Platform: "paper", Notional: decimal.NewFromInt(8000)}
	s.Reservations["i"] = Reservation{IntentID: "i", Platform: "paper", Notional: decimal.NewFromInt(100)}

	assert.True(t, s.TotalEquity().Equal(decimal.NewFromInt(10000)))
	assert.True(t, s.ExposureRatio().Equal(decimal.RequireFromString("0.8")))
	assert.True(t, s.PlatformExposure("paper").Equal(decimal.NewFromInt(8100)))

	c := s.Clone()
	c.Positions["m"].Notional = decimal.Zero
	assert.True(t, s.Positions["m"].Notional.Equal(decimal.NewFromInt(8000)))
}
