package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(now time.Time) *market.Registry {
	r := market.NewRegistry(0.6)
	r.Add(market.Market{ID: "btc-100k", Platform: "paper", Open: true, ResolutionTime: now.Add(30 * 24 * time.Hour)})
	r.Add(market.Market{ID: "soon", Platform: "paper", Open: true, ResolutionTime: now.Add(10 * time.Minute)})
	r.Add(market.Market{ID: "done", Platform: "paper", Open: false})
	return r
}

func TestValidatorRejections(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewSignalValidator(testRegistry(now), time.Hour, &recorder{})
	v.now = func() time.Time { return now }

	good := model.Signal{ID: "s1", MarketID: "btc-100k", Direction: "yes", Confidence: 0.7, EdgeEstimate: 0.05}

	tests := []struct {
		name   string
		mutate func(s *model.Signal)
	}{
		{"confidence above one", func(s *model.Signal) { s.Confidence = 1.01 }},
		{"confidence negative", func(s *model.Signal) { s.Confidence = -0.1 }},
		{"unknown market", func(s *model.Signal) { s.MarketID = "nope" }},
		{"closed market", func(s *model.Signal) { s.MarketID = "done" }},
		{"too close to resolution", func(s *model.Signal) { s.MarketID = "soon" }},
		{"bad direction", func(s *model.Signal) { s.Direction = "up" }},
		{"missing id", func(s *model.Signal) { s.ID = "" }},
		{"nan edge", func(s *model.Signal) { s.EdgeEstimate = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := good
			tt.mutate(&sig)
			_, err := v.Validate(sig)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
		})
	}

	out, err := v.Validate(good)
	require.NoError(t, err)
	assert.Equal(t, model.DirectionYes, out.Direction)
	assert.Equal(t, now, out.CreatedAt)
}

func TestValidatorStampsSequenceAndForwards(t *testing.T) {
	now := time.Now()
	rec := &recorder{}
	v := NewSignalValidator(testRegistry(now), time.Hour, rec)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, v.Handle(context.Background(), bus.Event{Payload: model.Signal{
			ID: id, MarketID: "btc-100k", Direction: model.DirectionLong, Confidence: 0.5, EdgeEstimate: 0.02,
		}}))
	}
	// rejected signals are not forwarded and do not consume a sequence number
	require.NoError(t, v.Handle(context.Background(), bus.Event{Payload: model.Signal{ID: "x", MarketID: "done", Direction: "YES"}}))

	valid := rec.on(model.TopicSignalsValid)
	require.Len(t, valid, 3)
	for i, p := range valid {
		assert.Equal(t, uint64(i+1), p.(model.Signal).Sequence)
	}
}
