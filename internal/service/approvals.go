package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
)

const (
	ReasonApprovalDenied  = "approval_denied"
	ReasonApprovalTimeout = "approval_timeout"
)

// ApprovalService parks PendingApproval intents until a human decision or the timeout.
// The intent store is the source of truth: a decision only applies while the intent is pending.
type ApprovalService struct {
	store   *IntentStore
	pub     bus.Publisher
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewApprovalService(store *IntentStore, pub bus.Publisher, timeout time.Duration) *ApprovalService {
	return &ApprovalService{
		store:   store,
		pub:     pub,
		timeout: timeout,
		now:     time.Now,
		timers:  make(map[string]*time.Timer),
	}
}

// HandlePending is the orders.pending_approval subscriber.
func (a *ApprovalService) HandlePending(_ context.Context, ev bus.Event) error {
	in, ok := ev.Payload.(*model.OrderIntent)
	if !ok {
		return fmt.Errorf("orders.pending_approval: unexpected payload %T", ev.Payload)
	}
	cur, ok := a.store.Get(in.ID)
	if !ok || cur.State != model.StatePendingApproval {
		// decided before it was parked
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if _, parked := a.timers[in.ID]; parked {
		return nil
	}
	id := in.ID
	a.timers[id] = time.AfterFunc(a.timeout, func() {
		if _, err := a.resolve(id, false, "system", ReasonApprovalTimeout, "no approval within "+a.timeout.String()); err != nil &&
			!apperrors.Is(err, apperrors.ErrConflict) {
			logger.Error("approval timeout failed", "intent_id", id, "error", err)
		}
	})
	logger.ForIntent(in.ID, in.SignalID, in.MarketID).Info("intent parked for approval",
		"notional", in.RequestedNotional.StringFixed(2), "timeout", a.timeout.String())
	return nil
}

// HandleDecision is the approvals.human subscriber.
func (a *ApprovalService) HandleDecision(_ context.Context, ev bus.Event) error {
	dec, ok := ev.Payload.(model.ApprovalDecision)
	if !ok {
		return fmt.Errorf("approvals.human: unexpected payload %T", ev.Payload)
	}
	_, err := a.Decide(dec)
	if err != nil && (apperrors.Is(err, apperrors.ErrConflict) || apperrors.Is(err, apperrors.ErrNotFound)) {
		logger.Warn("approval ignored", "intent_id", dec.IntentID, "approver", dec.Approver, "reason", err.Error())
		return nil
	}
	return err
}

// Decide applies a human decision.
func (a *ApprovalService) Decide(dec model.ApprovalDecision) (*model.OrderIntent, error) {
	reason := ReasonApprovalDenied
	msg := "denied by " + dec.Approver
	if dec.Reason != "" {
		msg += ": " + dec.Reason
	}
	if dec.Approved {
		reason = "approved_by:" + dec.Approver
		msg = ""
	}
	return a.resolve(dec.IntentID, dec.Approved, dec.Approver, reason, msg)
}

func (a *ApprovalService) resolve(id string, approved bool, approver, reason, msg string) (*model.OrderIntent, error) {
	target := model.StateRejected
	if approved {
		target = model.StateApproved
	}
	updated, err := a.store.Update(id, func(in *model.OrderIntent) error {
		if in.State != model.StatePendingApproval {
			return errStale
		}
		if msg != "" {
			in.Message = msg
		}
		return in.TransitionTo(target, reason, a.now())
	})
	if errors.Is(err, errStale) {
		return updated, apperrors.Newf(apperrors.ErrConflict, "intent %s is %s, not pending approval", id, updated.State)
	}
	if err != nil {
		return updated, err
	}
	a.unpark(id)

	log := logger.ForIntent(updated.ID, updated.SignalID, updated.MarketID)
	if approved {
		log.Info("intent approved", "approver", approver)
		a.pub.Publish(model.TopicOrdersApproved, updated)
	} else {
		log.Info("intent rejected at checkpoint", "reason", reason)
		a.pub.Publish(model.TopicOrdersRejected, updated)
	}
	return updated, nil
}

func (a *ApprovalService) unpark(id string) {
	a.mu.Lock()
	if t, ok := a.timers[id]; ok {
		t.Stop()
		delete(a.timers, id)
	}
	a.mu.Unlock()
}

// HandleTerminal drops the timer of an intent that ended elsewhere, e.g. cancelled while pending.
func (a *ApprovalService) HandleTerminal(_ context.Context, ev bus.Event) error {
	if in, ok := ev.Payload.(*model.OrderIntent); ok {
		a.unpark(in.ID)
	}
	return nil
}

// Pending lists intents awaiting a decision, newest first.
func (a *ApprovalService) Pending() []*model.OrderIntent {
	return a.store.List(model.StatePendingApproval, 0)
}

// Close stops every timer; parked intents stay pending.
func (a *ApprovalService) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}
