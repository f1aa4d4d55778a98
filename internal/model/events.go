package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bus topics.
const (
	TopicSignalsRaw      = "signals.raw"
	TopicSignalsValid    = "signals.valid"
	TopicExchangeFills   = "exchange.fills"
	TopicMarketsResolved = "markets.resolved"
	TopicApprovalsHuman  = "approvals.human"

	TopicOrdersApproved        = "orders.approved"
	TopicOrdersRejected        = "orders.rejected"
	TopicOrdersPendingApproval = "orders.pending_approval"
	TopicOrdersSubmitted       = "orders.submitted"
	TopicOrdersFilled          = "orders.filled"
	TopicOrdersExpired         = "orders.expired"
	TopicOrdersCancelled       = "orders.cancelled"
	TopicOrdersReassess        = "orders.reassess"
	TopicOrdersCancelRequested = "orders.cancel_requested"

	TopicPositionsClosed  = "positions.closed"
	TopicFeedbackOutcome  = "feedback.outcome"
	TopicFeedbackDrift    = "feedback.drift"
	TopicPortfolioUpdated = "portfolio.updated"
)

// Resolution settles a market.
type Resolution struct {
	MarketID       string          `json:"market_id"`
	WinningOutcome string          `json:"winning_outcome"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
	ResolvedAt     time.Time       `json:"resolved_at"`
}

type ApprovalDecision struct {
	IntentID string    `json:"intent_id"`
	Approved bool      `json:"approved"`
	Approver string    `json:"approver"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// OrderCommand asks the execution engine to act on a live intent.
type OrderCommand struct {
	IntentID string `json:"intent_id"`
	SignalID string `json:"signal_id"`
	Reason   string `json:"reason"`
}

func (c OrderCommand) CausalityID() string { return c.SignalID }

// PositionClosed is published when a resolution settles a position.
type PositionClosed struct {
	Position       *Position       `json:"position"`
	WinningOutcome string          `json:"winning_outcome"`
	Payout         decimal.Decimal `json:"payout"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	ClosedAt       time.Time       `json:"closed_at"`
}

// FeedbackOutcome is the normalized outcome seen by learning components.
type FeedbackOutcome struct {
	SignalID      string          `json:"signal_id"`
	IntentID      string          `json:"intent_id,omitempty"`
	MarketID      string          `json:"market_id"`
	Kind          string          `json:"kind"` // intent | resolution
	TerminalState IntentState     `json:"terminal_state,omitempty"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	EdgeEstimate  float64         `json:"edge_estimate"`
	EdgeMatched   bool            `json:"edge_matched"`
	Reason        string          `json:"reason,omitempty"`
	Message       string          `json:"message"`
	At            time.Time       `json:"at"`
}

func (o FeedbackOutcome) CausalityID() string { return o.SignalID }

type DriftAlert struct {
	WinRate   float64   `json:"win_rate"`
	MeanEdge  float64   `json:"mean_edge"`
	Samples   int       `json:"samples"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// AuditRecord is one persisted intent transition.
type AuditRecord struct {
	ID       string      `json:"id"`
	IntentID string      `json:"intent_id"`
	SignalID string      `json:"signal_id"`
	MarketID string      `json:"market_id"`
	From     IntentState `json:"from"`
	To       IntentState `json:"to"`
	Reason   string      `json:"reason,omitempty"`
	Notional string      `json:"notional"`
	At       time.Time   `json:"at"`
}
