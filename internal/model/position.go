package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position keeps running sums so that fills commute: entry price is derived, never stored.
type Position struct {
	Key      string `json:"key"`
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
	Platform string `json:"platform"`
	Side     Side   `json:"side"`

	Notional    decimal.Decimal `json:"notional"`     // cost basis
	Shares      decimal.Decimal `json:"shares"`       // Σ notional / price
	PriceWeight decimal.Decimal `json:"price_weight"` // Σ notional * price
	MarkPrice   decimal.Decimal `json:"mark_price"`

	// intent id -> notional contributed, used to attribute resolution pnl
	Contributions map[string]decimal.Decimal `json:"contributions,omitempty"`

	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryPrice is the notional-weighted average fill price.
func (p *Position) EntryPrice() decimal.Decimal {
	if p.Notional.IsZero() {
		return decimal.Zero
	}
	return p.PriceWeight.Div(p.Notional)
}

// UnrealizedPnL marks the shares at MarkPrice against cost basis.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p.MarkPrice.IsZero() {
		return decimal.Zero
	}
	return p.Shares.Mul(p.MarkPrice).Sub(p.Notional)
}

func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.Contributions != nil {
		c.Contributions = make(map[string]decimal.Decimal, len(p.Contributions))
		for k, v := range p.Contributions {
			c.Contributions[k] = v
		}
	}
	return &c
}

// PositionKey is the ledger key. Positions are keyed by market; a second position on the
// opposite outcome of the same market is keyed market/outcome.
func PositionKey(marketID, outcome string, existing *Position) string {
	if existing == nil || existing.Outcome == outcome {
		return marketID
	}
	return marketID + "/" + outcome
}
