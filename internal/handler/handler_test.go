package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/config"
	"github.com/GoPolymarket/polyloop/internal/exchange"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/middleware"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	cfg    *config.Config
	p      *service.Pipeline
	router *gin.Engine
}

func newAPIFixture(t *testing.T, tweak func(cfg *config.Config)) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Decode(v)
	require.NoError(t, err)
	cfg.Auth.AdminKey = "ops"
	cfg.Portfolio.MarkInterval = 0
	cfg.Execution.SnipeWindow = 5 * time.Millisecond
	cfg.Execution.SnipePoll = time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}

	b := bus.New()
	books := market.NewBookStore()
	px := func(s string) market.Level {
		return market.Level{Price: decimal.RequireFromString(s), Size: decimal.NewFromInt(100000)}
	}
	books.Seed("btc-100k:YES", []market.Level{px("0.48")}, []market.Level{px("0.52")})
	registry := market.NewRegistry(0)
	registry.Add(market.Market{ID: "btc-100k", Platform: exchange.PlatformPaper, Open: true,
		ResolutionTime: time.Now().Add(30 * 24 * time.Hour)})
	paper := exchange.NewPaper(books, b)
	audit, err := service.NewAuditService("", nil)
	require.NoError(t, err)

	p := service.NewPipeline(service.PipelineDeps{
		Config:   cfg,
		Bus:      b,
		Registry: registry,
		Books:    books,
		Clients:  []exchange.Client{paper},
		Audit:    audit,
	})
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		p.Stop()
		audit.Close()
	})

	return &apiFixture{cfg: cfg, p: p, router: NewRouter(cfg, p, audit, paper)}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderAdminKey, "ops")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) waitFor(t *testing.T, signalID string, state model.IntentState) *model.OrderIntent {
	t.Helper()
	var found *model.OrderIntent
	require.Eventually(t, func() bool {
		for _, in := range f.p.Store.List(state, 0) {
			if in.SignalID == signalID {
				found = in
				return true
			}
		}
		return false
	}, 3*time.Second, 2*time.Millisecond)
	return found
}

func TestHealthIsOpen(t *testing.T) {
	f := newAPIFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminKeyRequired(t *testing.T) {
	f := newAPIFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/portfolio", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitSignalValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/signals", gin.H{"market_id": "btc-100k", "direction": "YES", "confidence": 1.5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/signals", gin.H{"market_id": "nope", "direction": "YES", "confidence": 0.6, "edge_estimate": 0.05})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestSignalToSubmittedThenPaperFill(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/signals", gin.H{
		"id": "api-1", "market_id": "btc-100k", "direction": "YES", "confidence": 0.7, "edge_estimate": 0.08,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	in := f.waitFor(t, "api-1", model.StateSubmitted)

	rec = f.do(t, http.MethodGet, "/v1/intents/"+in.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail model.IntentDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.True(t, detail.Intent.RequestedNotional.Equal(decimal.NewFromInt(800)))
	var trail []model.IntentState
	for _, rec := range detail.Audit {
		trail = append(trail, rec.To)
	}
	assert.Equal(t, []model.IntentState{model.StateSized, model.StateRiskAdjusted, model.StateApproved, model.StateSubmitted}, trail)

	rec = f.do(t, http.MethodPost, "/v1/paper/fills", gin.H{"order_id": in.ExchangeOrderID, "notional": "800"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	f.waitFor(t, "api-1", model.StateFilled)

	rec = f.do(t, http.MethodGet, "/v1/portfolio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Positions map[string]json.RawMessage `json:"positions"`
		Exposure  decimal.Decimal            `json:"exposure"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Contains(t, view.Positions, "btc-100k")
	assert.True(t, view.Exposure.GreaterThan(decimal.NewFromInt(799)))
}

func TestApprovalEndpoints(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) { cfg.Portfolio.InitialCash = 25000 })
	rec := f.do(t, http.MethodPost, "/v1/signals", gin.H{
		"id": "big", "market_id": "btc-100k", "direction": "YES", "confidence": 0.9, "edge_estimate": 0.5,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	pending := f.waitFor(t, "big", model.StatePendingApproval)
	assert.True(t, pending.RequestedNotional.Equal(decimal.NewFromInt(5000)))

	rec = f.do(t, http.MethodGet, "/v1/approvals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.OrderIntent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = f.do(t, http.MethodPost, "/v1/approvals/"+pending.ID, gin.H{"approved": false, "approver": "alice", "reason": "too big"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var queued model.ApprovalAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	assert.Equal(t, pending.ID, queued.IntentID)

	decided := f.waitFor(t, "big", model.StateRejected)
	assert.Equal(t, service.ReasonApprovalDenied, decided.Reason)
	assert.Contains(t, decided.Message, "alice")

	rec = f.do(t, http.MethodPost, "/v1/approvals/"+pending.ID, gin.H{"approved": true, "approver": "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/approvals/missing", gin.H{"approved": true, "approver": "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/approvals/"+pending.ID, gin.H{"approver": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "approved flag is required")
}

func TestCancelIntentEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, http.MethodPost, "/v1/signals", gin.H{
		"id": "c1", "market_id": "btc-100k", "direction": "YES", "confidence": 0.7, "edge_estimate": 0.08,
	})
	in := f.waitFor(t, "c1", model.StateSubmitted)

	rec := f.do(t, http.MethodDelete, "/v1/intents/"+in.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.OrderIntent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, model.StateCancelled, got.State)

	rec = f.do(t, http.MethodDelete, "/v1/intents/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadOnlyModeBlocksSignals(t *testing.T) {
	f := newAPIFixture(t, func(cfg *config.Config) { cfg.Server.ReadOnly = true })
	rec := f.do(t, http.MethodPost, "/v1/signals", gin.H{"market_id": "btc-100k", "direction": "YES", "confidence": 0.5})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/intents?state=submitted", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestResolutionRequestValidated(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/v1/resolutions", gin.H{"market_id": "btc-100k", "winning_outcome": "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/resolutions", gin.H{"market_id": "btc-100k", "winning_outcome": "NO"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		m, _ := f.p.Registry.Get("btc-100k")
		return !m.Open
	}, time.Second, 2*time.Millisecond)
}
