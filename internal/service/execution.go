package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/exchange"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/GoPolymarket/polyloop/internal/pkg/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	ReasonMaxRetries      = "max_submission_retries"
	ReasonFillWaitHorizon = "fill_wait_horizon"
)

type ExecutionOptions struct {
	TickSize         decimal.Decimal
	ImproveTicks     int
	SnipeWindow      time.Duration
	SnipePoll        time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	SubmitRate       float64
	SubmitBurst      int
	MaxReassessments int
}

type submission struct {
	cancel context.CancelFunc
}

// ExecutionEngine submits approved intents and owns their exchange orders.
// Exchange calls run on their own goroutines; results re-enter the pipeline as events.
type ExecutionEngine struct {
	clients map[string]exchange.Client
	store   *IntentStore
	pub     bus.Publisher
	opts    ExecutionOptions
	limiter *rate.Limiter

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*submission

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutionEngine(clients []exchange.Client, store *IntentStore, pub bus.Publisher, opts ExecutionOptions) *ExecutionEngine {
	byPlatform := make(map[string]exchange.Client, len(clients))
	for _, c := range clients {
		byPlatform[c.Platform()] = c
	}
	limit := rate.Inf
	if opts.SubmitRate > 0 {
		limit = rate.Limit(opts.SubmitRate)
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 1
	}
	if opts.SnipePoll <= 0 {
		opts.SnipePoll = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExecutionEngine{
		clients: byPlatform,
		store:   store,
		pub:     pub,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.SubmitBurst),
		ctx:     ctx,
		stop:    cancel,
		active:  make(map[string]*submission),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HandleApproved is the orders.approved subscriber.
func (e *ExecutionEngine) HandleApproved(_ context.Context, ev bus.Event) error {
	in, ok := ev.Payload.(*model.OrderIntent)
	if !ok {
		return fmt.Errorf("orders.approved: unexpected payload %T", ev.Payload)
	}
	e.launch(in.ID, func(ctx context.Context) { e.submit(ctx, in.ID, false) })
	return nil
}

// HandleReassess is the orders.reassess subscriber: cancel the resting order and
// resubmit the remainder against a fresh book.
func (e *ExecutionEngine) HandleReassess(_ context.Context, ev bus.Event) error {
	cmd, ok := ev.Payload.(model.OrderCommand)
	if !ok {
		return fmt.Errorf("orders.reassess: unexpected payload %T", ev.Payload)
	}
	cur, ok := e.store.Get(cmd.IntentID)
	if !ok || !cur.State.IsLive() {
		return nil
	}
	if cur.Reassessments >= e.opts.MaxReassessments {
		e.launch(cur.ID, func(ctx context.Context) {
			e.cancelAtExchange(ctx, cur)
			e.expire(cur.ID, ReasonFillWaitHorizon, fmt.Errorf("no complete fill after %d reassessments", cur.Reassessments))
		})
		return nil
	}
	e.launch(cur.ID, func(ctx context.Context) {
		if err := e.cancelAtExchange(ctx, cur); err != nil {
			// the order may have filled in the meantime; keep waiting on it
			_, _ = e.store.Update(cur.ID, func(in *model.OrderIntent) error {
				in.Note("reassess cancel of %s failed: %v", cur.ExchangeOrderID, err)
				return nil
			})
			if again, ok := e.store.Get(cur.ID); ok && again.State.IsLive() {
				e.pub.Publish(model.TopicOrdersSubmitted, again)
			}
			return
		}
		e.submit(ctx, cur.ID, true)
	})
	return nil
}

// HandleCancelRequested is the orders.cancel_requested subscriber.
func (e *ExecutionEngine) HandleCancelRequested(ctx context.Context, ev bus.Event) error {
	cmd, ok := ev.Payload.(model.OrderCommand)
	if !ok {
		return fmt.Errorf("orders.cancel_requested: unexpected payload %T", ev.Payload)
	}
	_, err := e.Cancel(ctx, cmd.IntentID, cmd.Reason)
	if apperrors.Is(err, apperrors.ErrConflict) {
		logger.Warn("cancel request ignored", "intent_id", cmd.IntentID, "reason", err.Error())
		return nil
	}
	return err
}

// Cancel stops an intent at any non-terminal state. Cancelling a terminal intent is a
// no-op that returns it unchanged.
func (e *ExecutionEngine) Cancel(ctx context.Context, id, reason string) (*model.OrderIntent, error) {
	if reason == "" {
		reason = "cancel_requested"
	}
	cur, ok := e.store.Get(id)
	if !ok {
		return nil, apperrors.NewNotFound("intent not found: " + id)
	}
	if cur.State.IsTerminal() {
		return cur, nil
	}
	updated, err := e.store.Update(id, func(in *model.OrderIntent) error {
		if in.State.IsTerminal() {
			return errStale
		}
		in.Message = "cancelled: " + reason
		return in.TransitionTo(model.StateCancelled, reason, e.now())
	})
	if errors.Is(err, errStale) {
		return updated, nil
	}
	if err != nil {
		return updated, apperrors.New(apperrors.ErrConflict, "intent "+id+" cannot be cancelled in state "+string(updated.State), err)
	}

	e.abort(id)
	if updated.ExchangeOrderID != "" {
		if cerr := e.cancelAtExchange(ctx, updated); cerr != nil && !errors.Is(cerr, exchange.ErrUnknownOrder) {
			logger.ForIntent(updated.ID, updated.SignalID, updated.MarketID).Error("exchange cancel failed",
				"order_id", updated.ExchangeOrderID, "error", cerr)
		}
	}
	logger.ForIntent(updated.ID, updated.SignalID, updated.MarketID).Info("intent cancelled", "reason", reason)
	e.pub.Publish(model.TopicOrdersCancelled, updated)
	return updated, nil
}

func (e *ExecutionEngine) launch(id string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(e.ctx)
	sub := &submission{cancel: cancel}

	e.mu.Lock()
	e.active[id] = sub
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			if e.active[id] == sub {
				delete(e.active, id)
			}
			e.mu.Unlock()
		}()
		fn(ctx)
	}()
}

// abort stops an in-flight submission without waiting for it.
func (e *ExecutionEngine) abort(id string) {
	e.mu.Lock()
	if sub, ok := e.active[id]; ok {
		sub.cancel()
		delete(e.active, id)
	}
	e.mu.Unlock()
}

func (e *ExecutionEngine) client(platform string) (exchange.Client, error) {
	c, ok := e.clients[platform]
	if !ok {
		return nil, fmt.Errorf("no exchange client for platform %q", platform)
	}
	return c, nil
}

// submit places the remaining notional, retrying with a fresh price each attempt.
// replace is set when a live order was just cancelled by a reassessment.
func (e *ExecutionEngine) submit(ctx context.Context, id string, replace bool) {
	var lastErr error
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.opts.RetryBackoff << (attempt - 1)
			if err := e.sleep(ctx, backoff); err != nil {
				return
			}
		}
		cur, ok := e.store.Get(id)
		if !ok {
			return
		}
		if (!replace && cur.State != model.StateApproved) || (replace && !cur.State.IsLive()) {
			logger.Debug("submission abandoned", "intent_id", id, "state", cur.State)
			return
		}
		log := logger.ForIntent(cur.ID, cur.SignalID, cur.MarketID)

		client, err := e.client(cur.Platform)
		if err != nil {
			lastErr = err
			break
		}
		price, how, err := e.limitPrice(ctx, client, cur, attempt == 0)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if err = e.limiter.Wait(ctx); err != nil {
				return
			}
			var ack exchange.OrderAck
			ack, err = client.PlaceOrder(ctx, exchange.OrderRequest{
				IntentID: cur.ID,
				MarketID: cur.MarketID,
				Outcome:  cur.Outcome,
				TokenID:  cur.TokenID,
				Side:     cur.Side,
				Price:    price,
				Notional: cur.Remaining(),
			})
			if err == nil {
				e.accepted(ctx, client, cur.ID, ack, how, replace)
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		lastErr = err
		metrics.SubmissionRetries.WithLabelValues(client.Platform()).Inc()
		log.Warn("submission attempt failed", "attempt", attempt+1, "error", err.Error())
		_, _ = e.store.Update(id, func(in *model.OrderIntent) error {
			in.Attempts++
			in.Note("attempt %d failed: %v", in.Attempts, err)
			return nil
		})
	}
	e.expire(id, ReasonMaxRetries, lastErr)
}

func (e *ExecutionEngine) accepted(ctx context.Context, client exchange.Client, id string, ack exchange.OrderAck, how string, replace bool) {
	now := e.now()
	updated, err := e.store.Update(id, func(in *model.OrderIntent) error {
		if replace {
			if !in.State.IsLive() {
				return errStale
			}
			in.Reassessments++
			in.Note("reassessment %d replaced order %s with %s", in.Reassessments, in.ExchangeOrderID, ack.OrderID)
		} else {
			if in.State != model.StateApproved {
				return errStale
			}
			if err := in.TransitionTo(model.StateSubmitted, how, now); err != nil {
				return err
			}
		}
		in.Attempts++
		in.ExchangeOrderID = ack.OrderID
		in.LimitPrice = ack.Price
		in.SubmittedAt = now
		return nil
	})
	if err != nil {
		// cancelled while the order was in flight
		logger.Warn("order accepted for inactive intent, cancelling", "intent_id", id, "order_id", ack.OrderID, "state", updated.State)
		e.store.BindOrder(ack.OrderID, id)
		if cerr := client.CancelOrder(context.WithoutCancel(ctx), ack.OrderID); cerr != nil {
			logger.Error("cancel of orphaned order failed", "order_id", ack.OrderID, "error", cerr)
		}
		return
	}
	e.store.BindOrder(ack.OrderID, id)
	logger.ForIntent(updated.ID, updated.SignalID, updated.MarketID).Info("order submitted",
		"order_id", ack.OrderID, "price", ack.Price.String(), "size", ack.Size.String(), "pricing", how)
	e.pub.Publish(model.TopicOrdersSubmitted, updated)
}

func (e *ExecutionEngine) expire(id, reason string, cause error) {
	updated, err := e.store.Update(id, func(in *model.OrderIntent) error {
		if in.State.IsTerminal() {
			return errStale
		}
		in.Message = "expired: " + reason
		if cause != nil {
			in.Message += ": " + cause.Error()
		}
		return in.TransitionTo(model.StateExpired, reason, e.now())
	})
	if err != nil {
		return
	}
	logger.ForIntent(updated.ID, updated.SignalID, updated.MarketID).Warn("intent expired", "reason", reason)
	e.pub.Publish(model.TopicOrdersExpired, updated)
}

func (e *ExecutionEngine) cancelAtExchange(ctx context.Context, in *model.OrderIntent) error {
	if in.ExchangeOrderID == "" {
		return nil
	}
	client, err := e.client(in.Platform)
	if err != nil {
		return err
	}
	return client.CancelOrder(ctx, in.ExchangeOrderID)
}

// limitPrice polls the book for an improving price, for up to the snipe window when wait is set,
// then falls back to crossing the spread within the intent's band.
func (e *ExecutionEngine) limitPrice(ctx context.Context, client exchange.Client, in *model.OrderIntent, wait bool) (decimal.Decimal, string, error) {
	deadline := e.now()
	if wait {
		deadline = deadline.Add(e.opts.SnipeWindow)
	}
	for {
		book, err := client.OrderBook(ctx, in.TokenID)
		if err != nil {
			return decimal.Zero, "", err
		}
		if p, ok := e.improving(book, in); ok {
			return p, "snipe", nil
		}
		if !e.now().Before(deadline) {
			if p, ok := e.crossing(book, in); ok {
				return p, "cross", nil
			}
			return decimal.Zero, "", fmt.Errorf("no price within [%s, %s]", in.MinPrice, in.MaxPrice)
		}
		if err := e.sleep(ctx, e.opts.SnipePoll); err != nil {
			return decimal.Zero, "", err
		}
	}
}

// improving: reference moved improve_ticks in our favour, strictly inside the spread.
func (e *ExecutionEngine) improving(book *market.Orderbook, in *model.OrderIntent) (decimal.Decimal, bool) {
	ref, ok := book.Reference()
	if !ok {
		return decimal.Zero, false
	}
	step := e.opts.TickSize.Mul(decimal.NewFromInt(int64(e.opts.ImproveTicks)))
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()

	var p decimal.Decimal
	if in.Side == model.SideSell {
		p = market.CeilToTick(ref.Add(step), e.opts.TickSize)
	} else {
		p = market.FloorToTick(ref.Sub(step), e.opts.TickSize)
	}
	if hasBid && !p.GreaterThan(bid.Price) {
		return decimal.Zero, false
	}
	if hasAsk && !p.LessThan(ask.Price) {
		return decimal.Zero, false
	}
	return p, inBand(p, in)
}

func (e *ExecutionEngine) crossing(book *market.Orderbook, in *model.OrderIntent) (decimal.Decimal, bool) {
	var p decimal.Decimal
	if in.Side == model.SideSell {
		p = in.MinPrice
		if bid, ok := book.BestBid(); ok {
			p = decimal.Max(bid.Price, in.MinPrice)
		}
	} else {
		p = in.MaxPrice
		if ask, ok := book.BestAsk(); ok {
			p = decimal.Min(ask.Price, in.MaxPrice)
		}
	}
	return p, p.IsPositive() && inBand(p, in)
}

func inBand(p decimal.Decimal, in *model.OrderIntent) bool {
	return p.GreaterThanOrEqual(in.MinPrice) && p.LessThanOrEqual(in.MaxPrice)
}

// Close aborts in-flight work and waits for it.
func (e *ExecutionEngine) Close() {
	e.stop()
	e.wg.Wait()
}
