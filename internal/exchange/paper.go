package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const PlatformPaper = "paper"

type restingOrder struct {
	req       OrderRequest
	remaining decimal.Decimal // shares
}

// Paper matches orders against a local BookStore. Marketable size fills immediately
// level by level; the rest rests until ReportFill or CancelOrder.
type Paper struct {
	books *market.BookStore
	pub   bus.Publisher
	now   func() time.Time

	mu       sync.Mutex
	orders   map[string]*restingOrder
	failures []error
}

func NewPaper(books *market.BookStore, pub bus.Publisher) *Paper {
	return &Paper{
		books:  books,
		pub:    pub,
		now:    time.Now,
		orders: make(map[string]*restingOrder),
	}
}

func (p *Paper) Platform() string { return PlatformPaper }

// FailNext makes the next submissions return errs in order.
func (p *Paper) FailNext(errs ...error) {
	p.mu.Lock()
	p.failures = append(p.failures, errs...)
	p.mu.Unlock()
}

func (p *Paper) OrderBook(ctx context.Context, tokenID string) (*market.Orderbook, error) {
	book := p.books.GetBook(tokenID)
	if book == nil {
		return nil, ErrNoBook
	}
	return book.Clone(), nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return OrderAck{}, err
	}
	size := req.Size()
	if !size.IsPositive() {
		return OrderAck{}, fmt.Errorf("order size rounds to zero")
	}
	book := p.books.GetBook(req.TokenID)
	if book == nil {
		return OrderAck{}, ErrNoBook
	}

	orderID := uuid.NewString()
	ack := OrderAck{OrderID: orderID, Price: req.Price, Size: size, AcceptedAt: p.now()}
	remaining := p.cross(book, orderID, req, size)
	if remaining.IsPositive() {
		p.orders[orderID] = &restingOrder{req: req, remaining: remaining}
	}
	return ack, nil
}

// cross takes liquidity at or better than the limit and returns the unfilled shares.
func (p *Paper) cross(book *market.Orderbook, orderID string, req OrderRequest, size decimal.Decimal) decimal.Decimal {
	bids, asks := book.GetCopy()
	levels, bookSide := asks, "SELL"
	if req.Side == model.SideSell {
		levels, bookSide = bids, "BUY"
	}

	remaining := size
	for _, l := range levels {
		if !remaining.IsPositive() {
			break
		}
		marketable := l.Price.LessThanOrEqual(req.Price)
		if req.Side == model.SideSell {
			marketable = l.Price.GreaterThanOrEqual(req.Price)
		}
		if !marketable {
			break
		}
		take := decimal.Min(remaining, l.Size)
		remaining = remaining.Sub(take)
		_ = book.Update(bookSide, l.Price.String(), l.Size.Sub(take).String())
		p.emit(orderID, req, take, l.Price)
	}
	return remaining
}

// ReportFill simulates a counterparty hitting a resting order for notional USDC at its limit.
func (p *Paper) ReportFill(orderID string, notional decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return ErrUnknownOrder
	}
	shares := decimal.Min(o.remaining, notional.Div(o.req.Price))
	o.remaining = o.remaining.Sub(shares)
	if !o.remaining.IsPositive() {
		delete(p.orders, orderID)
	}
	p.emit(orderID, o.req, shares, o.req.Price)
	return nil
}

func (p *Paper) emit(orderID string, req OrderRequest, shares, price decimal.Decimal) {
	f := model.Fill{
		FillID:         uuid.NewString(),
		OrderID:        orderID,
		MarketID:       req.MarketID,
		Outcome:        req.Outcome,
		Platform:       PlatformPaper,
		Side:           req.Side,
		FilledNotional: shares.Mul(price),
		Price:          price,
		Timestamp:      p.now(),
	}
	logger.Debug("paper fill", "order_id", orderID, "intent_id", req.IntentID, "notional", f.FilledNotional.String())
	p.pub.Publish(model.TopicExchangeFills, f)
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return ErrUnknownOrder
	}
	delete(p.orders, orderID)
	return nil
}

// OpenOrders lists resting order ids.
func (p *Paper) OpenOrders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.orders))
	for id := range p.orders {
		out = append(out, id)
	}
	return out
}
