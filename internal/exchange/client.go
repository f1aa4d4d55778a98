// Package exchange is the boundary to trading venues. Engines depend on Client only.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownOrder = errors.New("unknown or closed order")
	ErrNoBook       = errors.New("no order book for token")
)

type OrderRequest struct {
	IntentID string
	MarketID string
	Outcome  string
	TokenID  string
	Side     model.Side
	Price    decimal.Decimal
	Notional decimal.Decimal // USDC
}

// Size is the share quantity, floored to cents of a share.
func (r OrderRequest) Size() decimal.Decimal {
	if !r.Price.IsPositive() {
		return decimal.Zero
	}
	return r.Notional.Div(r.Price).RoundFloor(2)
}

type OrderAck struct {
	OrderID    string
	Price      decimal.Decimal
	Size       decimal.Decimal
	AcceptedAt time.Time
}

type Client interface {
	Platform() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderBook(ctx context.Context, tokenID string) (*market.Orderbook, error)
}
