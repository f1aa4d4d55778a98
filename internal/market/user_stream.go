package market

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const DefaultUserWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"

// UserStream turns the authenticated user channel into exchange.fills events.
type UserStream struct {
	url        string
	apiKey     string
	apiSecret  string
	passphrase string
	platform   string

	registry *Registry
	pub      bus.Publisher

	ctx    context.Context
	cancel context.CancelFunc
}

func NewUserStream(url, key, secret, passphrase, platform string, registry *Registry, pub bus.Publisher) *UserStream {
	if url == "" {
		url = DefaultUserWSURL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UserStream{
		url:        url,
		apiKey:     key,
		apiSecret:  secret,
		passphrase: passphrase,
		platform:   platform,
		registry:   registry,
		pub:        pub,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *UserStream) Start() {
	go s.runLoop()
}

func (s *UserStream) Stop() {
	s.cancel()
}

func (s *UserStream) runLoop() {
	delay := ReconnBaseDelay
	for s.ctx.Err() == nil {
		if err := s.connectAndRead(); err != nil && s.ctx.Err() == nil {
			logger.Error("user stream failed", "error", err, "retry_in", delay)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > ReconnMaxDelay {
			delay = ReconnMaxDelay
		}
	}
}

func (s *UserStream) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-s.ctx.Done()
		conn.Close()
	}()

	sub := map[string]interface{}{
		"type": "user",
		"auth": map[string]string{
			"apiKey":     s.apiKey,
			"secret":     s.apiSecret,
			"passphrase": s.passphrase,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, f := range s.ParseFills(raw) {
			s.pub.Publish(model.TopicExchangeFills, f)
		}
	}
}

type tradeMessage struct {
	EventType    string       `json:"event_type"`
	ID           string       `json:"id"`
	AssetID      string       `json:"asset_id"`
	Price        string       `json:"price"`
	Size         string       `json:"size"`
	Side         string       `json:"side"`
	Status       string       `json:"status"`
	TakerOrderID string       `json:"taker_order_id"`
	Owner        string       `json:"owner"`
	TradeOwner   string       `json:"trade_owner"`
	MakerOrders  []makerOrder `json:"maker_orders"`
	Timestamp    string       `json:"timestamp"`
	MatchTime    string       `json:"match_time"`
}

type makerOrder struct {
	OrderID       string `json:"order_id"`
	AssetID       string `json:"asset_id"`
	MatchedAmount string `json:"matched_amount"`
	Price         string `json:"price"`
	Owner         string `json:"owner"`
	Side          string `json:"side"`
}

// ParseFills extracts our own fills from a user-channel frame. Only MATCHED trades count;
// later MINED/CONFIRMED updates of the same trade are ignored.
func (s *UserStream) ParseFills(raw []byte) []model.Fill {
	var msgs []tradeMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		var single tradeMessage
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil
		}
		msgs = []tradeMessage{single}
	}

	var fills []model.Fill
	for _, m := range msgs {
		if m.EventType != "trade" || !strings.EqualFold(m.Status, "MATCHED") {
			continue
		}
		ts := parseUnix(m.MatchTime, m.Timestamp)

		if s.ownedBy(m.TradeOwner) || (m.TradeOwner == "" && s.ownedBy(m.Owner)) {
			if f, ok := s.fill(m.ID, m.TakerOrderID, m.AssetID, m.Side, m.Price, m.Size, ts); ok {
				fills = append(fills, f)
			}
		}
		for _, mk := range m.MakerOrders {
			if !s.ownedBy(mk.Owner) {
				continue
			}
			asset := mk.AssetID
			if asset == "" {
				asset = m.AssetID
			}
			if f, ok := s.fill(m.ID, mk.OrderID, asset, mk.Side, mk.Price, mk.MatchedAmount, ts); ok {
				fills = append(fills, f)
			}
		}
	}
	return fills
}

func (s *UserStream) ownedBy(owner string) bool {
	return owner != "" && owner == s.apiKey
}

func (s *UserStream) fill(tradeID, orderID, assetID, side, priceStr, sizeStr string, ts time.Time) (model.Fill, bool) {
	price, err := decimal.NewFromString(priceStr)
	if err != nil || !price.IsPositive() {
		return model.Fill{}, false
	}
	size, err := decimal.NewFromString(sizeStr)
	if err != nil || !size.IsPositive() {
		return model.Fill{}, false
	}
	marketID, outcome, ok := s.registry.Resolve(assetID)
	if !ok {
		logger.Warn("fill for unknown token", "asset_id", assetID, "order_id", orderID)
		return model.Fill{}, false
	}
	return model.Fill{
		FillID:         tradeID + ":" + orderID,
		OrderID:        orderID,
		MarketID:       marketID,
		Outcome:        outcome,
		Platform:       s.platform,
		Side:           model.Side(strings.ToUpper(side)),
		FilledNotional: size.Mul(price),
		Price:          price,
		Timestamp:      ts,
	}, true
}

func parseUnix(values ...string) time.Time {
	for _, v := range values {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	return time.Now().UTC()
}
