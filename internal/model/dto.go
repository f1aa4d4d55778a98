package model

import "github.com/shopspring/decimal"

// SignalRequest is the body of POST /v1/signals.
type SignalRequest struct {
	ID               string  `json:"id"`
	MarketID         string  `json:"market_id" binding:"required"`
	Direction        string  `json:"direction" binding:"required"`
	Confidence       float64 `json:"confidence" binding:"gte=0,lte=1"`
	EdgeEstimate     float64 `json:"edge_estimate"`
	VarianceEstimate float64 `json:"variance_estimate,omitempty"`
	ReferencePrice   float64 `json:"reference_price,omitempty" binding:"gte=0,lt=1"`
	SourceLayer      string  `json:"source_layer"`
}

func (r SignalRequest) Signal() Signal {
	return Signal{
		ID:               r.ID,
		MarketID:         r.MarketID,
		Direction:        Direction(r.Direction),
		Confidence:       r.Confidence,
		EdgeEstimate:     r.EdgeEstimate,
		VarianceEstimate: r.VarianceEstimate,
		ReferencePrice:   r.ReferencePrice,
		SourceLayer:      r.SourceLayer,
	}
}

type SignalAccepted struct {
	SignalID string `json:"signal_id"`
	Status   string `json:"status"`
}

type ApprovalAccepted struct {
	IntentID string `json:"intent_id"`
	Status   string `json:"status"`
}

// ApprovalRequest is the body of POST /v1/approvals/:id.
type ApprovalRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Approver string `json:"approver" binding:"required"`
	Reason   string `json:"reason,omitempty"`
}

// ResolutionRequest is the body of POST /v1/resolutions.
type ResolutionRequest struct {
	MarketID       string          `json:"market_id" binding:"required"`
	WinningOutcome string          `json:"winning_outcome" binding:"required,oneof=YES NO"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
}

// PaperFillRequest simulates a counterparty on a resting paper order.
type PaperFillRequest struct {
	OrderID  string          `json:"order_id" binding:"required"`
	Notional decimal.Decimal `json:"notional"`
}

type IntentDetail struct {
	Intent *OrderIntent   `json:"intent"`
	Audit  []*AuditRecord `json:"audit"`
}

type PortfolioView struct {
	*PortfolioState
	TotalEquity    decimal.Decimal `json:"total_equity"`
	Exposure       decimal.Decimal `json:"exposure"`
	ExposureRatio  decimal.Decimal `json:"exposure_ratio"`
	Reserved       decimal.Decimal `json:"reserved"`
	AvgCorrelation float64         `json:"avg_correlation"`
	WinRate        float64         `json:"win_rate"`
	MeanEdge       float64         `json:"mean_edge"`
	Samples        int             `json:"feedback_samples"`
}
