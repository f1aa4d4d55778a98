package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type capture struct {
	mu    sync.Mutex
	fills []model.Fill
}

func (c *capture) Publish(topic string, payload any) {
	if f, ok := payload.(model.Fill); ok {
		c.mu.Lock()
		c.fills = append(c.fills, f)
		c.mu.Unlock()
	}
}

func newPaper() (*Paper, *market.BookStore, *capture) {
	books := market.NewBookStore()
	books.Seed("tok",
		[]market.Level{{Price: d("0.48"), Size: d("1000")}},
		[]market.Level{{Price: d("0.52"), Size: d("100")}, {Price: d("0.53"), Size: d("1000")}},
	)
	pub := &capture{}
	return NewPaper(books, pub), books, pub
}

func TestPaperCrossesLevels(t *testing.T) {
	p, books, pub := newPaper()
	ack, err := p.PlaceOrder(context.Background(), OrderRequest{
		IntentID: "i", MarketID: "m", Outcome: "YES", TokenID: "tok",
		Side: model.SideBuy, Price: d("0.53"), Notional: d("106"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.OrderID)
	assert.True(t, ack.Size.Equal(d("200")))

	require.Len(t, pub.fills, 2)
	assert.True(t, pub.fills[0].Price.Equal(d("0.52")))
	assert.True(t, pub.fills[0].FilledNotional.Equal(d("52")))
	assert.True(t, pub.fills[1].FilledNotional.Equal(d("53")))
	assert.Empty(t, p.OpenOrders())

	ask, _ := books.GetBook("tok").BestAsk()
	assert.True(t, ask.Price.Equal(d("0.53")))
	assert.True(t, ask.Size.Equal(d("900")))
}

func TestPaperRestingOrder(t *testing.T) {
	p, _, pub := newPaper()
	ack, err := p.PlaceOrder(context.Background(), OrderRequest{
		TokenID: "tok", Side: model.SideBuy, Price: d("0.49"), Notional: d("49"),
	})
	require.NoError(t, err)
	assert.Empty(t, pub.fills)
	assert.Equal(t, []string{ack.OrderID}, p.OpenOrders())

	require.NoError(t, p.ReportFill(ack.OrderID, d("29.4")))
	require.NoError(t, p.ReportFill(ack.OrderID, d("100")))
	require.Len(t, pub.fills, 2)
	assert.True(t, pub.fills[1].FilledNotional.Equal(d("19.6")))
	assert.Empty(t, p.OpenOrders())

	assert.ErrorIs(t, p.ReportFill(ack.OrderID, d("1")), ErrUnknownOrder)
	assert.ErrorIs(t, p.CancelOrder(context.Background(), ack.OrderID), ErrUnknownOrder)
}

func TestPaperFailNextAndNoBook(t *testing.T) {
	p, _, _ := newPaper()
	p.FailNext(errors.New("stale price"))

	req := OrderRequest{TokenID: "tok", Side: model.SideBuy, Price: d("0.40"), Notional: d("10")}
	_, err := p.PlaceOrder(context.Background(), req)
	assert.EqualError(t, err, "stale price")

	_, err = p.PlaceOrder(context.Background(), req)
	assert.NoError(t, err)

	req.TokenID = "missing"
	_, err = p.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrNoBook)

	_, err = p.OrderBook(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoBook)
}

func TestExtractOrderID(t *testing.T) {
	id, err := extractOrderID(map[string]any{"success": true, "orderID": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", id)

	id, err = extractOrderID(map[string]any{"id": "x1"})
	require.NoError(t, err)
	assert.Equal(t, "x1", id)

	_, err = extractOrderID(map[string]any{"success": false, "errorMsg": "not enough balance"})
	assert.ErrorContains(t, err, "not enough balance")

	_, err = extractOrderID(map[string]any{})
	assert.Error(t, err)
}

func TestBookFromResponse(t *testing.T) {
	resp := map[string]any{
		"bids": []map[string]string{{"price": "0.47", "size": "10"}, {"price": "0.48", "size": "5"}},
		"asks": []map[string]string{{"price": "0.51", "size": "0"}, {"price": "0.52", "size": "7"}},
	}
	book, err := bookFromResponse("tok", resp)
	require.NoError(t, err)
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	assert.True(t, bid.Price.Equal(d("0.48")))
	assert.True(t, ask.Price.Equal(d("0.52")))
}

func TestOrderRequestSize(t *testing.T) {
	assert.True(t, OrderRequest{Price: d("0.3"), Notional: d("100")}.Size().Equal(d("333.33")))
	assert.True(t, OrderRequest{Notional: d("100")}.Size().IsZero())
}
