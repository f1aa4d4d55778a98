package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is an exchange execution report. Append-only; several may apply to one intent.
type Fill struct {
	FillID         string          `json:"fill_id,omitempty"`
	OrderID        string          `json:"order_id"`
	MarketID       string          `json:"market_id"`
	Outcome        string          `json:"outcome"`
	Platform       string          `json:"platform"`
	Side           Side            `json:"side"`
	FilledNotional decimal.Decimal `json:"filled_notional"`
	Price          decimal.Decimal `json:"price"`
	Timestamp      time.Time       `json:"timestamp"`
}

// DedupeKey identifies a fill across duplicate deliveries.
func (f Fill) DedupeKey() string {
	if f.FillID != "" {
		return "id:" + f.FillID
	}
	return f.OrderID + "|" + f.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + f.FilledNotional.String()
}

func (f Fill) Shares() decimal.Decimal {
	if !f.Price.IsPositive() {
		return decimal.Zero
	}
	return f.FilledNotional.Div(f.Price)
}
