package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/GoPolymarket/polyloop/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketDirectory resolves markets and outcome tokens.
type MarketDirectory interface {
	MarketLookup
	TokenFor(marketID, outcome string) string
}

type HedgeOptions struct {
	MarketID  string
	Outcome   string
	Threshold decimal.Decimal
	Ratio     decimal.Decimal
}

// DecisionService turns valid signals into gated, reserved order intents.
type DecisionService struct {
	markets   MarketDirectory
	books     market.BookSource
	portfolio *Portfolio
	sizer     *PositionSizer
	gate      *RiskGate
	store     *IntentStore
	pub       bus.Publisher
	hedge     HedgeOptions
	now       func() time.Time
}

func NewDecisionService(markets MarketDirectory, books market.BookSource, portfolio *Portfolio, sizer *PositionSizer,
	gate *RiskGate, store *IntentStore, pub bus.Publisher, hedge HedgeOptions) *DecisionService {
	return &DecisionService{
		markets:   markets,
		books:     books,
		portfolio: portfolio,
		sizer:     sizer,
		gate:      gate,
		store:     store,
		pub:       pub,
		hedge:     hedge,
		now:       time.Now,
	}
}

// HandleSignal is the signals.valid subscriber.
func (d *DecisionService) HandleSignal(_ context.Context, ev bus.Event) error {
	sig, ok := ev.Payload.(model.Signal)
	if !ok {
		return fmt.Errorf("signals.valid: unexpected payload %T", ev.Payload)
	}
	_, err := d.Decide(sig)
	if err != nil && apperrors.Is(err, apperrors.ErrSizing) {
		logger.Info("signal dropped by sizer", "signal_id", sig.ID, "market_id", sig.MarketID, "reason", err.Error())
		return nil
	}
	return err
}

// Decide runs sizing and the risk gate for one signal. Sizing errors drop the signal
// without creating an intent; every later outcome is recorded on the intent.
func (d *DecisionService) Decide(sig model.Signal) (*model.OrderIntent, error) {
	start := d.now()
	snap := d.portfolio.Snapshot()

	// negative edge never gets an intent
	if _, err := d.sizer.Candidate(sig, snap.TotalEquity()); err != nil {
		return nil, err
	}
	m, ok := d.markets.Get(sig.MarketID)
	if !ok {
		return nil, apperrors.NewValidation("unknown market " + sig.MarketID)
	}

	in := model.NewIntent(uuid.NewString(), sig, m.Platform, start)
	in.TokenID = d.markets.TokenFor(in.MarketID, in.Outcome)

	ref, ok := d.reference(sig, in.TokenID)
	if !ok {
		return nil, apperrors.NewSizing("no reference price for " + in.TokenID)
	}
	if err := d.sizer.Size(in, sig, snap.TotalEquity(), ref); err != nil {
		return nil, err
	}
	d.store.Create(in)

	out, err := d.gateAndReserve(in, snap)
	metrics.DecisionLatency.Observe(d.now().Sub(start).Seconds())
	return out, err
}

func (d *DecisionService) reference(sig model.Signal, tokenID string) (decimal.Decimal, bool) {
	if sig.ReferencePrice > 0 {
		return decimal.NewFromFloat(sig.ReferencePrice), true
	}
	if d.books == nil {
		return decimal.Zero, false
	}
	book := d.books.GetBook(tokenID)
	if book == nil {
		return decimal.Zero, false
	}
	return book.Reference()
}

// gateAndReserve moves a Sized intent to Approved, PendingApproval or Rejected and publishes the result.
// An intent cancelled while it is being gated keeps its Cancelled state and holds no reservation.
func (d *DecisionService) gateAndReserve(in *model.OrderIntent, snap *model.PortfolioState) (*model.OrderIntent, error) {
	log := logger.ForIntent(in.ID, in.SignalID, in.MarketID)
	res := d.gate.Evaluate(in, snap)

	updated, err := d.store.Update(in.ID, func(cur *model.OrderIntent) error {
		if cur.State == model.StateCancelled {
			return errStale
		}
		cur.RiskChecks = append(cur.RiskChecks, res.Checks...)
		if res.Verdict == model.VerdictReject {
			cur.Message = fmt.Sprintf("rejected by risk gate: %s", res.Reason)
			return cur.TransitionTo(model.StateRejected, res.Reason, d.now())
		}
		if !res.Notional.Equal(cur.RequestedNotional) {
			cur.Note("risk gate adjusted notional %s -> %s", cur.RequestedNotional.StringFixed(2), res.Notional.StringFixed(2))
		}
		cur.RequestedNotional = res.Notional
		return cur.TransitionTo(model.StateRiskAdjusted, "", d.now())
	})
	if errors.Is(err, errStale) {
		log.Info("intent cancelled before risk gate")
		return updated, nil
	}
	if err != nil {
		return updated, err
	}
	if updated.State == model.StateRejected {
		log.Info("intent rejected by risk gate", "reason", res.Reason)
		d.pub.Publish(model.TopicOrdersRejected, updated)
		return updated, nil
	}

	// Reserve against the live ledger; another decision may have taken the headroom meanwhile.
	if err := d.portfolio.Reserve(model.Reservation{
		IntentID: updated.ID,
		MarketID: updated.MarketID,
		Platform: updated.Platform,
		Notional: updated.RequestedNotional,
	}); err != nil {
		rejected, uerr := d.store.Update(updated.ID, func(cur *model.OrderIntent) error {
			if cur.State == model.StateCancelled {
				return errStale
			}
			cur.Message = "rejected: " + err.Error()
			return cur.TransitionTo(model.StateRejected, "exposure_reservation", d.now())
		})
		if errors.Is(uerr, errStale) {
			return rejected, nil
		}
		if uerr != nil {
			return rejected, uerr
		}
		log.Warn("intent reservation failed", "error", err.Error())
		d.pub.Publish(model.TopicOrdersRejected, rejected)
		return rejected, nil
	}

	next, topic, reason := model.StateApproved, model.TopicOrdersApproved, ""
	if res.Verdict == model.VerdictEscalate {
		next, topic, reason = model.StatePendingApproval, model.TopicOrdersPendingApproval, CheckHumanApproval
	}
	final, err := d.store.Update(updated.ID, func(cur *model.OrderIntent) error {
		if cur.State == model.StateCancelled {
			return errStale
		}
		return cur.TransitionTo(next, reason, d.now())
	})
	if err != nil {
		d.portfolio.Release(updated.ID)
		if errors.Is(err, errStale) {
			log.Info("intent cancelled during risk gate, reservation released")
			return final, nil
		}
		return final, err
	}
	log.Info("intent gated", "state", final.State, "notional", final.RequestedNotional.StringFixed(2))
	d.pub.Publish(topic, final)
	return final, nil
}

// HandleFilled spawns a hedge child for large filled intents. Children never hedge.
func (d *DecisionService) HandleFilled(_ context.Context, ev bus.Event) error {
	in, ok := ev.Payload.(*model.OrderIntent)
	if !ok {
		return fmt.Errorf("orders.filled: unexpected payload %T", ev.Payload)
	}
	if d.hedge.MarketID == "" || in.ParentID != "" || in.MarketID == d.hedge.MarketID {
		return nil
	}
	if !in.FilledNotional.GreaterThan(d.hedge.Threshold) {
		return nil
	}
	_, err := d.Hedge(in)
	return err
}

// Hedge sizes a child intent of ratio * filled notional on the hedge market and gates it.
func (d *DecisionService) Hedge(parent *model.OrderIntent) (*model.OrderIntent, error) {
	log := logger.ForIntent(parent.ID, parent.SignalID, parent.MarketID)
	m, ok := d.markets.Get(d.hedge.MarketID)
	if !ok || !m.Open {
		log.Warn("hedge market unavailable", "hedge_market", d.hedge.MarketID)
		return nil, nil
	}
	outcome := d.hedge.Outcome
	if outcome == "" {
		outcome = model.OutcomeNo
	}
	now := d.now()
	child := &model.OrderIntent{
		ID:           uuid.NewString(),
		SignalID:     parent.SignalID,
		ParentID:     parent.ID,
		MarketID:     m.ID,
		Outcome:      outcome,
		Platform:     m.Platform,
		Side:         model.SideBuy,
		EdgeEstimate: parent.EdgeEstimate,
		State:        model.StateProposed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	child.TokenID = d.markets.TokenFor(child.MarketID, child.Outcome)

	ref, ok := d.reference(model.Signal{}, child.TokenID)
	if !ok {
		log.Warn("hedge skipped: no book", "token_id", child.TokenID)
		return nil, nil
	}
	notional := parent.FilledNotional.Mul(d.hedge.Ratio).RoundFloor(2)
	if err := d.sizer.Price(child, notional, ref, decimal.NewFromFloat(parent.EdgeEstimate)); err != nil {
		log.Warn("hedge skipped", "error", err.Error())
		return nil, nil
	}
	child.Note("hedge of %s (%s filled)", parent.ID, parent.FilledNotional.StringFixed(2))
	d.store.Create(child)
	log.Info("hedge intent created", "hedge_intent_id", child.ID, "notional", notional.StringFixed(2))
	return d.gateAndReserve(child, d.portfolio.Snapshot())
}
