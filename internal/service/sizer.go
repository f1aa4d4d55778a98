package service

import (
	"fmt"
	"math"

	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/shopspring/decimal"
)

type SizerOptions struct {
	KellyFraction   float64
	MaxSingle       decimal.Decimal
	DefaultVariance float64
	MaxSlippage     float64
	TickSize        decimal.Decimal
}

var (
	minTradablePrice = decimal.RequireFromString("0.01")
	maxTradablePrice = decimal.RequireFromString("0.99")
)

// PositionSizer applies fractional Kelly to a valid signal.
type PositionSizer struct {
	opts SizerOptions
}

func NewPositionSizer(opts SizerOptions) *PositionSizer {
	if opts.DefaultVariance <= 0 {
		opts.DefaultVariance = 0.25
	}
	return &PositionSizer{opts: opts}
}

// Candidate = kelly * equity * edge / variance, clipped to [0, max_single] and floored to cents.
func (s *PositionSizer) Candidate(sig model.Signal, equity decimal.Decimal) (decimal.Decimal, error) {
	edge := sig.EdgeEstimate
	if !(edge > 0) || math.IsInf(edge, 0) {
		return decimal.Zero, apperrors.NewSizing(fmt.Sprintf("non-positive edge %v", edge))
	}
	variance := sig.VarianceEstimate
	if variance == 0 {
		variance = s.opts.DefaultVariance
	}
	if !(variance > 0) || math.IsInf(variance, 0) {
		return decimal.Zero, apperrors.NewSizing(fmt.Sprintf("degenerate variance %v", variance))
	}
	if !equity.IsPositive() {
		return decimal.Zero, apperrors.NewSizing("no equity to size against")
	}

	n := equity.Mul(decimal.NewFromFloat(s.opts.KellyFraction)).
		Mul(decimal.NewFromFloat(edge)).
		Div(decimal.NewFromFloat(variance))
	if s.opts.MaxSingle.IsPositive() && n.GreaterThan(s.opts.MaxSingle) {
		n = s.opts.MaxSingle
	}
	n = n.RoundFloor(2)
	if !n.IsPositive() {
		return decimal.Zero, apperrors.NewSizing("candidate rounds to zero")
	}
	return n, nil
}

// Size fills the notional and price band of a Proposed intent and moves it to Sized.
// ref is the market probability of the intent's outcome.
func (s *PositionSizer) Size(in *model.OrderIntent, sig model.Signal, equity, ref decimal.Decimal) error {
	n, err := s.Candidate(sig, equity)
	if err != nil {
		return err
	}
	return s.Price(in, n, ref, decimal.NewFromFloat(sig.EdgeEstimate))
}

// Price sets a fixed notional and the [min, max] band around ref, then marks the intent Sized.
func (s *PositionSizer) Price(in *model.OrderIntent, notional, ref, edge decimal.Decimal) error {
	if !notional.IsPositive() {
		return apperrors.NewSizing("notional must be positive")
	}
	if !ref.IsPositive() || ref.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return apperrors.NewSizing("reference price " + ref.String() + " out of (0,1)")
	}
	in.RequestedNotional = notional
	in.ReferencePrice = ref
	in.MaxPrice, in.MinPrice = s.band(ref, edge)
	return in.TransitionTo(model.StateSized, "", in.UpdatedAt)
}

// band: never pay more than the estimated fair value, nor more than max slippage away.
func (s *PositionSizer) band(ref, edge decimal.Decimal) (maxPrice, minPrice decimal.Decimal) {
	one := decimal.NewFromInt(1)
	slip := decimal.NewFromFloat(s.opts.MaxSlippage)

	maxPrice = decimal.Min(ref.Add(edge), ref.Mul(one.Add(slip)), maxTradablePrice)
	maxPrice = market.FloorToTick(maxPrice, s.opts.TickSize)
	minPrice = decimal.Max(minTradablePrice, ref.Mul(one.Sub(slip)))
	minPrice = market.CeilToTick(minPrice, s.opts.TickSize)
	if maxPrice.LessThan(ref) {
		maxPrice = market.CeilToTick(ref, s.opts.TickSize)
	}
	if minPrice.GreaterThan(ref) {
		minPrice = market.FloorToTick(ref, s.opts.TickSize)
	}
	return maxPrice, minPrice
}
