package service

import (
	"context"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/GoPolymarket/polyloop/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

// CheckpointRepo stores the latest ledger snapshot. Load returns nil, nil when empty.
type CheckpointRepo interface {
	Load(ctx context.Context) (*model.PortfolioState, error)
	Save(ctx context.Context, state *model.PortfolioState) error
}

type PortfolioOptions struct {
	InitialCash      decimal.Decimal
	FeeRate          decimal.Decimal
	MaxExposureRatio decimal.Decimal
	DedupeWindow     int
}

// Portfolio is the single owner of positions, cash and exposure.
// Mutation goes through ApplyFill, ApplyResolution, Reserve and Release only.
type Portfolio struct {
	mu    sync.Mutex
	state *model.PortfolioState
	opts  PortfolioOptions

	seen      map[string]struct{}
	seenOrder []string

	repo      CheckpointRepo
	saveMu    sync.Mutex
	lastSaved int64
	now       func() time.Time
}

func NewPortfolio(opts PortfolioOptions, repo CheckpointRepo) *Portfolio {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 10000
	}
	return &Portfolio{
		state: model.NewPortfolioState(opts.InitialCash, time.Now()),
		opts:  opts,
		seen:  make(map[string]struct{}),
		repo:  repo,
		now:   time.Now,
	}
}

// Restore loads the last checkpoint, if any. Call before the pipeline starts.
func (p *Portfolio) Restore(ctx context.Context) error {
	if p.repo == nil {
		return nil
	}
	st, err := p.repo.Load(ctx)
	if err != nil {
		return err
	}
	if st == nil {
		logger.Info("no portfolio checkpoint, starting from initial cash", "cash", p.opts.InitialCash.String())
		return nil
	}
	if st.Positions == nil {
		st.Positions = make(map[string]*model.Position)
	}
	st.Reservations = make(map[string]model.Reservation)
	seen := st.SeenFills
	if len(seen) > p.opts.DedupeWindow {
		seen = seen[len(seen)-p.opts.DedupeWindow:]
	}
	st.SeenFills = nil

	p.mu.Lock()
	p.state = st
	p.seen = make(map[string]struct{}, len(seen))
	p.seenOrder = p.seenOrder[:0]
	for _, key := range seen {
		if _, dup := p.seen[key]; !dup {
			p.seen[key] = struct{}{}
			p.seenOrder = append(p.seenOrder, key)
		}
	}
	p.mu.Unlock()
	p.lastSaved = st.Version
	logger.Info("portfolio restored from checkpoint", "version", st.Version, "cash", st.Cash.String(),
		"positions", len(st.Positions), "seen_fills", len(p.seenOrder))
	return nil
}

// Snapshot is a deep copy for readers; decisions take one at their start.
func (p *Portfolio) Snapshot() *model.PortfolioState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

func (p *Portfolio) markSeen(key string) bool {
	if _, dup := p.seen[key]; dup {
		return false
	}
	p.seen[key] = struct{}{}
	p.seenOrder = append(p.seenOrder, key)
	if len(p.seenOrder) > p.opts.DedupeWindow {
		delete(p.seen, p.seenOrder[0])
		p.seenOrder = p.seenOrder[1:]
	}
	return true
}

// ApplyFill books a fill. Duplicate deliveries report applied=false and change nothing.
// intentID may be empty for fills no intent claims yet.
func (p *Portfolio) ApplyFill(f model.Fill, intentID string) (bool, *model.PortfolioState) {
	if !f.FilledNotional.IsPositive() || !f.Price.IsPositive() {
		return false, nil
	}
	p.mu.Lock()
	if !p.markSeen(f.DedupeKey()) {
		p.mu.Unlock()
		return false, nil
	}

	st := p.state
	now := p.now()
	fee := f.FilledNotional.Mul(p.opts.FeeRate)

	if f.Side == model.SideSell {
		p.reduceLocked(f, fee)
	} else {
		key := model.PositionKey(f.MarketID, f.Outcome, st.Positions[f.MarketID])
		pos, ok := st.Positions[key]
		if !ok {
			pos = &model.Position{
				Key:           key,
				MarketID:      f.MarketID,
				Outcome:       f.Outcome,
				Platform:      f.Platform,
				Side:          model.SideBuy,
				Contributions: make(map[string]decimal.Decimal),
				OpenedAt:      now,
			}
			st.Positions[key] = pos
		}
		pos.Notional = pos.Notional.Add(f.FilledNotional)
		pos.Shares = pos.Shares.Add(f.Shares())
		pos.PriceWeight = pos.PriceWeight.Add(f.FilledNotional.Mul(f.Price))
		contributor := intentID
		if contributor == "" {
			contributor = "order:" + f.OrderID
		}
		if pos.Contributions == nil {
			pos.Contributions = make(map[string]decimal.Decimal)
		}
		pos.Contributions[contributor] = pos.Contributions[contributor].Add(f.FilledNotional)
		pos.UpdatedAt = now

		st.Cash = st.Cash.Sub(f.FilledNotional).Sub(fee)
	}
	st.FeesPaid = st.FeesPaid.Add(fee)
	if intentID != "" {
		p.consumeLocked(intentID, f.FilledNotional)
	}
	snap := p.commitLocked(now)
	seen := p.seenLocked()
	p.mu.Unlock()

	p.persist(snap, seen)
	return true, snap
}

// reduceLocked closes shares at the fill price against average cost.
func (p *Portfolio) reduceLocked(f model.Fill, fee decimal.Decimal) {
	st := p.state
	key := f.MarketID
	if pos, ok := st.Positions[key]; !ok || pos.Outcome != f.Outcome {
		key = f.MarketID + "/" + f.Outcome
	}
	pos, ok := st.Positions[key]
	st.Cash = st.Cash.Add(f.FilledNotional).Sub(fee)
	if !ok || !pos.Shares.IsPositive() {
		// selling something we do not hold: the proceeds are all realized
		st.RealizedPnL = st.RealizedPnL.Add(f.FilledNotional)
		return
	}
	sold := decimal.Min(f.Shares(), pos.Shares)
	frac := sold.Div(pos.Shares)
	basis := pos.Notional.Mul(frac)

	st.RealizedPnL = st.RealizedPnL.Add(f.FilledNotional.Sub(basis))
	pos.Notional = pos.Notional.Sub(basis)
	pos.Shares = pos.Shares.Sub(sold)
	pos.PriceWeight = pos.PriceWeight.Mul(decimal.NewFromInt(1).Sub(frac))
	for k, v := range pos.Contributions {
		pos.Contributions[k] = v.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	pos.UpdatedAt = p.now()
	if !pos.Shares.IsPositive() || pos.Notional.LessThanOrEqual(decimal.Zero) {
		delete(st.Positions, key)
	}
}

// ApplyResolution settles every position of the market.
func (p *Portfolio) ApplyResolution(res model.Resolution) ([]model.PositionClosed, *model.PortfolioState) {
	p.mu.Lock()
	st := p.state
	now := p.now()
	var closed []model.PositionClosed
	for key, pos := range st.Positions {
		if pos.MarketID != res.MarketID {
			continue
		}
		payout := decimal.Zero
		if pos.Outcome == res.WinningOutcome {
			payout = pos.Shares.Mul(res.PayoutPerShare)
		}
		pnl := payout.Sub(pos.Notional)
		st.Cash = st.Cash.Add(payout)
		st.RealizedPnL = st.RealizedPnL.Add(pnl)
		delete(st.Positions, key)
		closed = append(closed, model.PositionClosed{
			Position:       pos.Clone(),
			WinningOutcome: res.WinningOutcome,
			Payout:         payout,
			RealizedPnL:    pnl,
			ClosedAt:       now,
		})
	}
	if len(closed) == 0 {
		p.mu.Unlock()
		return nil, nil
	}
	snap := p.commitLocked(now)
	seen := p.seenLocked()
	p.mu.Unlock()

	p.persist(snap, seen)
	return closed, snap
}

// MarkToMarket updates mark prices by position key and recomputes unrealized pnl.
func (p *Portfolio) MarkToMarket(prices map[string]decimal.Decimal) *model.PortfolioState {
	p.mu.Lock()
	st := p.state
	for key, price := range prices {
		if pos, ok := st.Positions[key]; ok && price.IsPositive() {
			pos.MarkPrice = price
		}
	}
	now := p.now()
	snap := p.commitLocked(now)
	seen := p.seenLocked()
	p.mu.Unlock()

	p.persist(snap, seen)
	return snap
}

// Reserve holds notional for an intent if it fits the exposure headroom.
func (p *Portfolio) Reserve(r model.Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.state.Reservations[r.IntentID]; exists {
		return nil
	}
	headroom := p.state.Headroom(p.opts.MaxExposureRatio, p.opts.FeeRate)
	if r.Notional.GreaterThan(headroom) {
		return apperrors.Newf(apperrors.ErrRiskReject, "exposure_reservation: %s exceeds headroom %s", r.Notional.StringFixed(2), headroom.StringFixed(2))
	}
	p.state.Reservations[r.IntentID] = r
	return nil
}

// Consume moves filled notional out of an intent's reservation.
func (p *Portfolio) Consume(intentID string, notional decimal.Decimal) {
	p.mu.Lock()
	p.consumeLocked(intentID, notional)
	p.mu.Unlock()
}

func (p *Portfolio) consumeLocked(intentID string, notional decimal.Decimal) {
	r, ok := p.state.Reservations[intentID]
	if !ok {
		return
	}
	r.Notional = r.Notional.Sub(notional)
	if r.Notional.IsPositive() {
		p.state.Reservations[intentID] = r
		return
	}
	delete(p.state.Reservations, intentID)
}

// Release drops whatever an intent still holds. Safe to call more than once.
func (p *Portfolio) Release(intentID string) {
	p.mu.Lock()
	delete(p.state.Reservations, intentID)
	p.mu.Unlock()
}

func (p *Portfolio) commitLocked(now time.Time) *model.PortfolioState {
	st := p.state
	unrealized := decimal.Zero
	for _, pos := range st.Positions {
		unrealized = unrealized.Add(pos.UnrealizedPnL())
	}
	st.UnrealizedPnL = unrealized
	st.Version++
	st.UpdatedAt = now

	metrics.Equity.Set(st.TotalEquity().InexactFloat64())
	metrics.ExposureRatio.Set(st.ExposureRatio().InexactFloat64())
	return st.Clone()
}

// seenLocked copies the dedupe window for the checkpoint.
func (p *Portfolio) seenLocked() []string {
	if p.repo == nil {
		return nil
	}
	return append([]string(nil), p.seenOrder...)
}

// persist writes snapshots in version order; an older snapshot never overwrites a newer one.
// The dedupe window goes with the snapshot so a redelivered fill stays a duplicate after restart.
func (p *Portfolio) persist(snap *model.PortfolioState, seen []string) {
	if p.repo == nil || snap == nil {
		return
	}
	p.saveMu.Lock()
	defer p.saveMu.Unlock()
	if snap.Version <= p.lastSaved {
		return
	}
	ckpt := *snap
	ckpt.SeenFills = seen
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.repo.Save(ctx, &ckpt); err != nil {
		logger.Error("portfolio checkpoint failed", "version", snap.Version, "error", err)
		return
	}
	p.lastSaved = snap.Version
}

// Adopt re-attributes notional booked under an unclaimed order to its intent and
// consumes the intent's reservation by that amount.
func (p *Portfolio) Adopt(orderID, intentID string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := "order:" + orderID
	moved := decimal.Zero
	for _, pos := range p.state.Positions {
		n, ok := pos.Contributions[from]
		if !ok {
			continue
		}
		delete(pos.Contributions, from)
		pos.Contributions[intentID] = pos.Contributions[intentID].Add(n)
		moved = moved.Add(n)
	}
	p.consumeLocked(intentID, moved)
	return moved
}
