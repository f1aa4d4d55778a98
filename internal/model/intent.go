package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type IntentState string

const (
	StateProposed        IntentState = "PROPOSED"
	StateSized           IntentState = "SIZED"
	StateRiskAdjusted    IntentState = "RISK_ADJUSTED"
	StateApproved        IntentState = "APPROVED"
	StatePendingApproval IntentState = "PENDING_APPROVAL"
	StateRejected        IntentState = "REJECTED"
	StateSubmitted       IntentState = "SUBMITTED"
	StatePartiallyFilled IntentState = "PARTIALLY_FILLED"
	StateFilled          IntentState = "FILLED"
	StateCancelled       IntentState = "CANCELLED"
	StateExpired         IntentState = "EXPIRED"
)

func (s IntentState) IsTerminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCancelled, StateExpired:
		return true
	default:
		return false
	}
}

// IsLive reports whether an exchange order may exist for an intent in this state.
func (s IntentState) IsLive() bool {
	return s == StateSubmitted || s == StatePartiallyFilled
}

var transitions = map[IntentState][]IntentState{
	StateProposed:        {StateSized, StateRejected, StateCancelled},
	StateSized:           {StateRiskAdjusted, StateRejected, StateCancelled},
	StateRiskAdjusted:    {StateApproved, StatePendingApproval, StateRejected, StateCancelled},
	StatePendingApproval: {StateApproved, StateRejected, StateCancelled},
	StateApproved:        {StateSubmitted, StateExpired, StateCancelled},
	StateSubmitted:       {StatePartiallyFilled, StateFilled, StateCancelled, StateExpired},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCancelled, StateExpired},
}

func CanTransition(from, to IntentState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Verdict string

const (
	VerdictPass     Verdict = "PASS"
	VerdictShrink   Verdict = "SHRINK"
	VerdictReject   Verdict = "REJECT"
	VerdictEscalate Verdict = "ESCALATE"
)

// RiskCheckResult is one step of the risk gate. Lives only inside the intent's audit trail.
type RiskCheckResult struct {
	CheckName        string           `json:"check_name"`
	Verdict          Verdict          `json:"verdict"`
	AdjustedNotional *decimal.Decimal `json:"adjusted_notional,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

type Transition struct {
	From   IntentState `json:"from"`
	To     IntentState `json:"to"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// OrderIntent is the lifecycle record of one order decision.
type OrderIntent struct {
	ID       string `json:"id"`
	SignalID string `json:"signal_id"`
	ParentID string `json:"parent_id,omitempty"` // set on hedge children
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
	TokenID  string `json:"token_id,omitempty"`
	Platform string `json:"platform"`
	Side     Side   `json:"side"`

	EdgeEstimate      float64         `json:"edge_estimate"`
	RequestedNotional decimal.Decimal `json:"requested_notional"`
	FilledNotional    decimal.Decimal `json:"filled_notional"`
	FilledShares      decimal.Decimal `json:"filled_shares"`
	MaxPrice          decimal.Decimal `json:"max_price"`
	MinPrice          decimal.Decimal `json:"min_price"`
	ReferencePrice    decimal.Decimal `json:"reference_price"`

	State   IntentState `json:"state"`
	Reason  string      `json:"reason,omitempty"`
	Message string      `json:"message,omitempty"`

	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	LimitPrice      decimal.Decimal `json:"limit_price"`
	Attempts        int             `json:"attempts"`
	Reassessments   int             `json:"reassessments"`

	RiskChecks []RiskCheckResult `json:"risk_checks,omitempty"`
	History    []Transition      `json:"history,omitempty"`
	Notes      []string          `json:"notes,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	LastFillAt  time.Time `json:"last_fill_at,omitempty"`
}

func NewIntent(id string, sig Signal, platform string, now time.Time) *OrderIntent {
	return &OrderIntent{
		ID:           id,
		SignalID:     sig.ID,
		MarketID:     sig.MarketID,
		Outcome:      sig.Direction.Outcome(),
		Platform:     platform,
		Side:         SideBuy,
		EdgeEstimate: sig.EdgeEstimate,
		State:        StateProposed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (i *OrderIntent) CausalityID() string { return i.SignalID }

// TransitionTo moves the intent along the lifecycle and appends the step to its history.
func (i *OrderIntent) TransitionTo(to IntentState, reason string, at time.Time) error {
	if i.State.IsTerminal() {
		return fmt.Errorf("intent %s is terminal (%s)", i.ID, i.State)
	}
	if !CanTransition(i.State, to) {
		return fmt.Errorf("intent %s: illegal transition %s -> %s", i.ID, i.State, to)
	}
	i.History = append(i.History, Transition{From: i.State, To: to, Reason: reason, At: at})
	i.State = to
	if reason != "" {
		i.Reason = reason
	}
	i.UpdatedAt = at
	return nil
}

func (i *OrderIntent) Note(format string, args ...any) {
	i.Notes = append(i.Notes, fmt.Sprintf(format, args...))
}

// Remaining is the notional still to be filled.
func (i *OrderIntent) Remaining() decimal.Decimal {
	r := i.RequestedNotional.Sub(i.FilledNotional)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// ApplyFill accumulates a fill and reports whether the intent is now complete within epsilon.
func (i *OrderIntent) ApplyFill(f Fill, epsilon decimal.Decimal) bool {
	i.FilledNotional = i.FilledNotional.Add(f.FilledNotional)
	if f.Price.IsPositive() {
		i.FilledShares = i.FilledShares.Add(f.FilledNotional.Div(f.Price))
	}
	i.LastFillAt = f.Timestamp
	return i.FilledNotional.GreaterThanOrEqual(i.RequestedNotional.Sub(epsilon))
}

// AverageFillPrice of everything filled so far.
func (i *OrderIntent) AverageFillPrice() decimal.Decimal {
	if i.FilledShares.IsZero() {
		return decimal.Zero
	}
	return i.FilledNotional.Div(i.FilledShares)
}

func (i *OrderIntent) Clone() *OrderIntent {
	if i == nil {
		return nil
	}
	c := *i
	c.RiskChecks = append([]RiskCheckResult(nil), i.RiskChecks...)
	c.History = append([]Transition(nil), i.History...)
	c.Notes = append([]string(nil), i.Notes...)
	return &c
}
