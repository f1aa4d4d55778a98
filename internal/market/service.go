package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	DefaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	ReconnBaseDelay    = 1 * time.Second
	ReconnMaxDelay     = 30 * time.Second
	PingPeriod         = 15 * time.Second // Keep-alive interval
)

// MarketService mirrors Polymarket market-channel books into a BookStore.
type MarketService struct {
	*BookStore

	url         string
	conn        *websocket.Conn
	writeMu     sync.Mutex
	mu          sync.RWMutex
	subs        []string // TokenIDs we want to subscribe to
	ctx         context.Context
	cancel      context.CancelFunc
	isConnected bool
}

func NewMarketService(url string, store *BookStore) *MarketService {
	if url == "" {
		url = DefaultMarketWSURL
	}
	if store == nil {
		store = NewBookStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MarketService{
		BookStore: store,
		url:       url,
		subs:      make([]string, 0),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the connection loop in a background goroutine
func (s *MarketService) Start() {
	go s.runLoop()
}

func (s *MarketService) Stop() {
	s.cancel()
	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.writeMu.Unlock()
}

// Subscribe adds tokenIDs to the subscription list and updates the connection if active
func (s *MarketService) Subscribe(tokenIDs []string) {
	s.mu.Lock()
	added := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if _, created := s.Ensure(id); created {
			s.subs = append(s.subs, id)
			added = append(added, id)
		}
	}
	connected := s.isConnected
	s.mu.Unlock()

	if len(added) > 0 && connected {
		if err := s.sendSubscribe(added); err != nil {
			logger.Warn("market subscribe failed", "error", err.Error())
		}
	}
}

func (s *MarketService) runLoop() {
	delay := ReconnBaseDelay

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.connect()
		if err != nil {
			logger.Error("market stream connection failed", "error", err, "retry_in", delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > ReconnMaxDelay {
				delay = ReconnMaxDelay
			}
			continue
		}

		delay = ReconnBaseDelay
		s.mu.Lock()
		s.isConnected = true
		allSubs := append([]string(nil), s.subs...)
		s.mu.Unlock()

		if len(allSubs) > 0 {
			if err := s.sendSubscribe(allSubs); err != nil {
				logger.Error("market stream resubscribe failed", "error", err)
				conn.Close()
				continue
			}
		}

		s.readLoop(conn)

		s.mu.Lock()
		s.isConnected = false
		s.mu.Unlock()
	}
}

func (s *MarketService) connect() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	// Zombie check: no data or pong within PingPeriod + buffer means the socket is dead.
	readTimeout := PingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go s.pingLoop(conn)
	return conn, nil
}

func (s *MarketService) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if s.conn != conn {
				s.writeMu.Unlock()
				return
			}
			err := conn.WriteMessage(websocket.PingMessage, []byte{})
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

type WSMessage struct {
	EventType    string          `json:"event_type"` // book, price_change, last_trade_price
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Bids         []PriceLevelRaw `json:"bids"`
	Asks         []PriceLevelRaw `json:"asks"`
	Changes      []PriceChange   `json:"changes"`
	PriceChanges []PriceChange   `json:"price_changes"`
	Price        string          `json:"price"`
	Hash         string          `json:"hash"`
}

type PriceLevelRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type PriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
}

// decodeMessages accepts both the array and single-object frame forms.
func decodeMessages(raw []byte) []WSMessage {
	var msgs []WSMessage
	if err := json.Unmarshal(raw, &msgs); err == nil {
		return msgs
	}
	var single WSMessage
	if err := json.Unmarshal(raw, &single); err == nil {
		return []WSMessage{single}
	}
	return nil
}

func (s *MarketService) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	readTimeout := PingPeriod + 10*time.Second
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				logger.Error("market stream read error", "error", err)
			}
			return
		}
		for _, m := range decodeMessages(message) {
			s.Apply(m)
		}
	}
}

// Apply folds one market-channel message into the store.
func (s *MarketService) Apply(msg WSMessage) {
	switch msg.EventType {
	case "book":
		book := s.GetBook(msg.AssetID)
		if book == nil {
			return
		}
		book.Snapshot(parseLevels(msg.Bids), parseLevels(msg.Asks))
	case "price_change":
		changes := msg.PriceChanges
		if len(changes) == 0 {
			changes = msg.Changes
		}
		for _, c := range changes {
			asset := c.AssetID
			if asset == "" {
				asset = msg.AssetID
			}
			book := s.GetBook(asset)
			if book == nil {
				continue
			}
			if err := book.Update(c.Side, c.Price, c.Size); err != nil {
				logger.Debug("bad price change", "asset_id", asset, "error", err.Error())
			}
		}
	case "last_trade_price":
		book := s.GetBook(msg.AssetID)
		if book == nil {
			return
		}
		if p, err := decimal.NewFromString(msg.Price); err == nil {
			book.SetLastTrade(p)
		}
	}
}

func parseLevels(raw []PriceLevelRaw) []Level {
	out := make([]Level, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil || size.IsZero() {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}

func (s *MarketService) sendSubscribe(tokenIDs []string) error {
	msg := map[string]interface{}{
		"type":       "market",
		"assets_ids": tokenIDs,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("no connection")
	}
	return s.conn.WriteJSON(msg)
}
