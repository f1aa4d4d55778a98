package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Reservation holds notional for an approved intent until it fills or terminates.
type Reservation struct {
	IntentID string          `json:"intent_id"`
	MarketID string          `json:"market_id"`
	Platform string          `json:"platform"`
	Notional decimal.Decimal `json:"notional"`
}

// PortfolioState is a point-in-time copy of the ledger.
type PortfolioState struct {
	Cash          decimal.Decimal      `json:"cash"`
	RealizedPnL   decimal.Decimal      `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal      `json:"unrealized_pnl"`
	FeesPaid      decimal.Decimal      `json:"fees_paid"`
	Positions     map[string]*Position `json:"positions"`
	Version       int64                `json:"version"`
	UpdatedAt     time.Time            `json:"updated_at"`

	// SeenFills carries the most recent fill dedupe keys, oldest first. Only set on
	// checkpoint copies.
	SeenFills []string `json:"seen_fills,omitempty"`

	// Not checkpointed. Live intents are not recovered across restarts.
	Reservations map[string]Reservation `json:"-"`
}

func NewPortfolioState(cash decimal.Decimal, now time.Time) *PortfolioState {
	return &PortfolioState{
		Cash:         cash,
		Positions:    make(map[string]*Position),
		Reservations: make(map[string]Reservation),
		UpdatedAt:    now,
	}
}

// TotalEquity = cash + Σ position notional.
func (s *PortfolioState) TotalEquity() decimal.Decimal {
	eq := s.Cash
	for _, p := range s.Positions {
		eq = eq.Add(p.Notional)
	}
	return eq
}

// Exposure is Σ |position notional|.
func (s *PortfolioState) Exposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		total = total.Add(p.Notional.Abs())
	}
	return total
}

func (s *PortfolioState) ExposureRatio() decimal.Decimal {
	eq := s.TotalEquity()
	if !eq.IsPositive() {
		return decimal.Zero
	}
	return s.Exposure().Div(eq)
}

func (s *PortfolioState) Reserved() decimal.Decimal {
	total := decimal.Zero
	for _, r := range s.Reservations {
		total = total.Add(r.Notional)
	}
	return total
}

// PlatformExposure sums positions and reservations on one platform.
func (s *PortfolioState) PlatformExposure(platform string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Positions {
		if p.Platform == platform {
			total = total.Add(p.Notional.Abs())
		}
	}
	for _, r := range s.Reservations {
		if r.Platform == platform {
			total = total.Add(r.Notional)
		}
	}
	return total
}

// Headroom is the largest new notional that keeps exposure/equity within maxRatio once
// every reservation and the new order have filled and paid feeRate on their notional.
func (s *PortfolioState) Headroom(maxRatio, feeRate decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	capacity := maxRatio.Mul(s.TotalEquity()).Sub(s.Exposure())
	h := capacity.Div(one.Add(maxRatio.Mul(feeRate))).Sub(s.Reserved())
	if h.IsNegative() {
		return decimal.Zero
	}
	return h
}

// OpenMarkets lists markets with a position or a reservation, sorted.
func (s *PortfolioState) OpenMarkets() []string {
	seen := make(map[string]struct{})
	for _, p := range s.Positions {
		seen[p.MarketID] = struct{}{}
	}
	for _, r := range s.Reservations {
		seen[r.MarketID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (s *PortfolioState) Clone() *PortfolioState {
	c := *s
	c.Positions = make(map[string]*Position, len(s.Positions))
	for k, p := range s.Positions {
		c.Positions[k] = p.Clone()
	}
	c.Reservations = make(map[string]Reservation, len(s.Reservations))
	for k, r := range s.Reservations {
		c.Reservations[k] = r
	}
	if s.SeenFills != nil {
		c.SeenFills = append([]string(nil), s.SeenFills...)
	}
	return &c
}
