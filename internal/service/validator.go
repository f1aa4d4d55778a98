package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/market"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/GoPolymarket/polyloop/internal/pkg/metrics"
)

// MarketLookup is the read side of the market registry.
type MarketLookup interface {
	Get(id string) (market.Market, bool)
}

// SignalValidator admits raw signals onto signals.valid. Pure and synchronous; no retries.
type SignalValidator struct {
	markets    MarketLookup
	minHorizon time.Duration
	pub        bus.Publisher
	seq        atomic.Uint64
	now        func() time.Time
}

func NewSignalValidator(markets MarketLookup, minHorizon time.Duration, pub bus.Publisher) *SignalValidator {
	return &SignalValidator{markets: markets, minHorizon: minHorizon, pub: pub, now: time.Now}
}

// Validate returns the normalized signal or a VALIDATION_ERROR. It does not stamp a sequence.
func (v *SignalValidator) Validate(sig model.Signal) (model.Signal, error) {
	sig.ID = strings.TrimSpace(sig.ID)
	sig.MarketID = strings.TrimSpace(sig.MarketID)

	if sig.ID == "" {
		return sig, apperrors.NewValidation("signal id is required")
	}
	dir := sig.Direction.Normalize()
	if dir == "" {
		return sig, apperrors.NewValidation(fmt.Sprintf("unknown direction %q", sig.Direction))
	}
	sig.Direction = dir

	if math.IsNaN(sig.Confidence) || sig.Confidence < 0 || sig.Confidence > 1 {
		return sig, apperrors.NewValidation(fmt.Sprintf("confidence %v out of [0,1]", sig.Confidence))
	}
	if math.IsNaN(sig.EdgeEstimate) || math.IsInf(sig.EdgeEstimate, 0) {
		return sig, apperrors.NewValidation("edge estimate is not finite")
	}

	m, ok := v.markets.Get(sig.MarketID)
	if !ok {
		return sig, apperrors.NewValidation("unknown market " + sig.MarketID)
	}
	if !m.Open {
		return sig, apperrors.NewValidation("market " + sig.MarketID + " is closed")
	}
	if !m.ResolutionTime.IsZero() && m.ResolutionTime.Sub(v.now()) < v.minHorizon {
		return sig, apperrors.NewValidation(fmt.Sprintf("market %s resolves within %s", sig.MarketID, v.minHorizon))
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = v.now()
	}
	return sig, nil
}

// Handle is the signals.raw subscriber.
func (v *SignalValidator) Handle(_ context.Context, ev bus.Event) error {
	sig, ok := ev.Payload.(model.Signal)
	if !ok {
		metrics.SignalsTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("signals.raw: unexpected payload %T", ev.Payload)
	}

	valid, err := v.Validate(sig)
	if err != nil {
		metrics.SignalsTotal.WithLabelValues("rejected").Inc()
		logger.Warn("signal rejected", "signal_id", sig.ID, "market_id", sig.MarketID, "error", err.Error())
		return nil
	}

	valid.Sequence = v.seq.Add(1)
	metrics.SignalsTotal.WithLabelValues("accepted").Inc()
	v.pub.Publish(model.TopicSignalsValid, valid)
	return nil
}
