package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/signer"
	"github.com/GoPolymarket/polymarket-go-sdk"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/shopspring/decimal"
)

const PlatformPolymarket = "polymarket"

// Polymarket posts GTC limit orders to the CLOB, signed locally with the hot key.
type Polymarket struct {
	client     *polymarket.Client
	sdkSigner  auth.Signer
	fastSigner *signer.Signer
	apiKey     *auth.APIKey
	books      market.BookSource
	staleAfter time.Duration
}

func NewPolymarket(cfg config.PolymarketConfig, books market.BookSource, staleAfter time.Duration) (*Polymarket, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("polymarket.private_key is required for live trading")
	}
	pk := strings.TrimPrefix(cfg.PrivateKey, "0x")

	fastSigner, err := signer.NewSigner(pk, signer.PolygonChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize order signer: %w", err)
	}
	sdkSigner, err := auth.NewPrivateKeySigner(pk, signer.PolygonChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sdk signer: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 10 * time.Second,
	}
	opts := []polymarket.Option{
		polymarket.WithUseServerTime(true),
		polymarket.WithHTTPClient(httpClient),
	}
	if cfg.BuilderApiKey != "" {
		opts = append(opts, polymarket.WithBuilderAttribution(
			cfg.BuilderApiKey,
			cfg.BuilderApiSecret,
			cfg.BuilderApiPassphrase,
		))
	}
	apiKey := &auth.APIKey{
		Key:        cfg.ApiKey,
		Secret:     cfg.ApiSecret,
		Passphrase: cfg.ApiPassphrase,
	}
	client := polymarket.NewClient(opts...).WithAuth(sdkSigner, apiKey)

	return &Polymarket{
		client:     client,
		sdkSigner:  sdkSigner,
		fastSigner: fastSigner,
		apiKey:     apiKey,
		books:      books,
		staleAfter: staleAfter,
	}, nil
}

func (p *Polymarket) Platform() string { return PlatformPolymarket }

func (p *Polymarket) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	size := req.Size()
	if !size.IsPositive() {
		return OrderAck{}, fmt.Errorf("order size rounds to zero")
	}
	signable, err := clob.NewOrderBuilder(p.client.CLOB, p.sdkSigner).
		TokenID(req.TokenID).
		Price(req.Price.InexactFloat64()).
		Size(size.InexactFloat64()).
		Side(string(req.Side)).
		OrderType(clobtypes.OrderTypeGTC).
		BuildSignableWithContext(ctx)
	if err != nil {
		return OrderAck{}, fmt.Errorf("build order: %w", err)
	}

	signature, err := p.fastSigner.SignOrder(signer.FromSDK(signable.Order))
	if err != nil {
		return OrderAck{}, fmt.Errorf("signing failed: %w", err)
	}
	signed := &clobtypes.SignedOrder{
		Order:     *signable.Order,
		Signature: signature,
		Owner:     p.apiKey.Key,
		OrderType: signable.OrderType,
		PostOnly:  signable.PostOnly,
	}
	resp, err := p.client.CLOB.PostOrder(ctx, signed)
	if err != nil {
		return OrderAck{}, fmt.Errorf("polymarket api error: %w", err)
	}
	orderID, err := extractOrderID(resp)
	if err != nil {
		return OrderAck{}, err
	}
	return OrderAck{OrderID: orderID, Price: req.Price, Size: size, AcceptedAt: time.Now()}, nil
}

// extractOrderID reads the id from the post response without depending on its Go shape.
func extractOrderID(resp any) (string, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return "", err
	}
	var body struct {
		OrderID    string `json:"orderID"`
		OrderIDAlt string `json:"orderId"`
		ID         string `json:"id"`
		Success    *bool  `json:"success"`
		ErrorMsg   string `json:"errorMsg"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", err
	}
	if body.Success != nil && !*body.Success {
		return "", fmt.Errorf("order rejected: %s", body.ErrorMsg)
	}
	for _, id := range []string{body.OrderID, body.OrderIDAlt, body.ID} {
		if id != "" {
			return id, nil
		}
	}
	if body.ErrorMsg != "" {
		return "", fmt.Errorf("order rejected: %s", body.ErrorMsg)
	}
	return "", fmt.Errorf("order response carried no id")
}

func (p *Polymarket) CancelOrder(ctx context.Context, orderID string) error {
	_, err := p.client.CLOB.CancelOrder(ctx, &clobtypes.CancelOrderRequest{OrderID: orderID})
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	return nil
}

// OrderBook serves the streamed book while it is fresh, else fetches a REST snapshot.
func (p *Polymarket) OrderBook(ctx context.Context, tokenID string) (*market.Orderbook, error) {
	if p.books != nil {
		if b := p.books.GetBook(tokenID); b != nil && b.Age(time.Now()) < p.staleAfter {
			return b.Clone(), nil
		}
	}
	resp, err := p.client.CLOB.OrderBook(ctx, &clobtypes.BookRequest{TokenID: tokenID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order book: %w", err)
	}
	return bookFromResponse(tokenID, resp)
}

func bookFromResponse(tokenID string, resp any) (*market.Orderbook, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var body struct {
		Bids []market.PriceLevelRaw `json:"bids"`
		Asks []market.PriceLevelRaw `json:"asks"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	book := market.NewOrderbook(tokenID)
	book.Snapshot(toLevels(body.Bids), toLevels(body.Asks))
	return book, nil
}

func toLevels(raw []market.PriceLevelRaw) []market.Level {
	out := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil || !size.IsPositive() {
			continue
		}
		out = append(out, market.Level{Price: price, Size: size})
	}
	return out
}
