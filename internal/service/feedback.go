package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/polyloop/internal/bus"
	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/logger"
	"github.com/shopspring/decimal"
)

type FeedbackOptions struct {
	Window          int
	DriftWinRate    float64
	DriftMinSamples int
}

type calibrationSample struct {
	win  bool
	edge float64
}

// FeedbackEmitter publishes feedback.outcome for terminal intents and resolved positions,
// and raises feedback.drift when resolved outcomes stop matching predicted edges.
type FeedbackEmitter struct {
	store *IntentStore
	pub   bus.Publisher
	opts  FeedbackOptions
	now   func() time.Time

	mu       sync.Mutex
	samples  []calibrationSample
	drifting bool
}

func NewFeedbackEmitter(store *IntentStore, pub bus.Publisher, opts FeedbackOptions) *FeedbackEmitter {
	if opts.Window <= 0 {
		opts.Window = 20
	}
	return &FeedbackEmitter{store: store, pub: pub, opts: opts, now: time.Now}
}

// HandleTerminal is subscribed to every terminal intent topic.
func (f *FeedbackEmitter) HandleTerminal(_ context.Context, ev bus.Event) error {
	in, ok := ev.Payload.(*model.OrderIntent)
	if !ok {
		return fmt.Errorf("%s: unexpected payload %T", ev.Topic, ev.Payload)
	}
	f.pub.Publish(model.TopicFeedbackOutcome, model.FeedbackOutcome{
		SignalID:      in.SignalID,
		IntentID:      in.ID,
		MarketID:      in.MarketID,
		Kind:          "intent",
		TerminalState: in.State,
		RealizedPnL:   decimal.Zero,
		EdgeEstimate:  in.EdgeEstimate,
		Reason:        in.Reason,
		Message:       describeIntent(in),
		At:            f.now(),
	})
	return nil
}

func describeIntent(in *model.OrderIntent) string {
	switch in.State {
	case model.StateFilled:
		return fmt.Sprintf("bought %s USDC of %s %s at avg %s", in.FilledNotional.StringFixed(2), in.MarketID,
			in.Outcome, in.AverageFillPrice().StringFixed(4))
	case model.StateRejected:
		msg := in.Message
		if msg == "" {
			msg = "rejected: " + in.Reason
		}
		return fmt.Sprintf("%s %s order of %s USDC %s", in.MarketID, in.Outcome, in.RequestedNotional.StringFixed(2), msg)
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s order %s", in.MarketID, in.Outcome, strings.ToLower(string(in.State)))
		if in.FilledNotional.IsPositive() {
			fmt.Fprintf(&b, " after filling %s of %s USDC", in.FilledNotional.StringFixed(2), in.RequestedNotional.StringFixed(2))
		}
		if in.Reason != "" {
			fmt.Fprintf(&b, " (%s)", in.Reason)
		}
		return b.String()
	}
}

// HandleClosed attributes a resolved position's pnl to the intents that built it.
func (f *FeedbackEmitter) HandleClosed(_ context.Context, ev bus.Event) error {
	pc, ok := ev.Payload.(model.PositionClosed)
	if !ok {
		return fmt.Errorf("positions.closed: unexpected payload %T", ev.Payload)
	}
	total := decimal.Zero
	ids := make([]string, 0, len(pc.Position.Contributions))
	for id, n := range pc.Position.Contributions {
		total = total.Add(n)
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if total.IsZero() {
		return nil
	}

	for _, id := range ids {
		share := pc.Position.Contributions[id].Div(total)
		pnl := pc.RealizedPnL.Mul(share).Round(2)

		out := model.FeedbackOutcome{
			IntentID:    id,
			MarketID:    pc.Position.MarketID,
			Kind:        "resolution",
			RealizedPnL: pnl,
			At:          f.now(),
		}
		if in, ok := f.store.Get(id); ok {
			out.SignalID = in.SignalID
			out.EdgeEstimate = in.EdgeEstimate
			out.TerminalState = in.State
		} else {
			out.IntentID = ""
		}
		out.EdgeMatched = out.EdgeEstimate != 0 && pnl.Sign() == signOf(out.EdgeEstimate)
		outcome := "lost"
		if pnl.IsPositive() {
			outcome = "won"
		}
		out.Message = fmt.Sprintf("%s resolved %s: %s position %s %s USDC", pc.Position.MarketID, pc.WinningOutcome,
			pc.Position.Outcome, outcome, pnl.Abs().StringFixed(2))

		f.pub.Publish(model.TopicFeedbackOutcome, out)
		f.observe(calibrationSample{win: pnl.IsPositive(), edge: out.EdgeEstimate})
	}
	return nil
}

func signOf(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func (f *FeedbackEmitter) observe(s calibrationSample) {
	f.mu.Lock()
	f.samples = append(f.samples, s)
	if len(f.samples) > f.opts.Window {
		f.samples = f.samples[len(f.samples)-f.opts.Window:]
	}
	winRate, meanEdge := f.statsLocked()
	n := len(f.samples)
	wasDrifting := f.drifting
	f.drifting = n >= f.opts.DriftMinSamples && winRate < f.opts.DriftWinRate
	raise := f.drifting && !wasDrifting
	f.mu.Unlock()

	if raise {
		logger.Warn("calibration drift detected", "win_rate", winRate, "mean_edge", meanEdge, "samples", n)
		f.pub.Publish(model.TopicFeedbackDrift, model.DriftAlert{
			WinRate:   winRate,
			MeanEdge:  meanEdge,
			Samples:   n,
			Threshold: f.opts.DriftWinRate,
			At:        f.now(),
		})
	}
}

func (f *FeedbackEmitter) statsLocked() (winRate, meanEdge float64) {
	if len(f.samples) == 0 {
		return 0, 0
	}
	var wins int
	var edges float64
	for _, s := range f.samples {
		if s.win {
			wins++
		}
		edges += s.edge
	}
	n := float64(len(f.samples))
	return float64(wins) / n, edges / n
}

// Stats reports the rolling win rate, mean predicted edge and sample count.
func (f *FeedbackEmitter) Stats() (winRate, meanEdge float64, samples int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	winRate, meanEdge = f.statsLocked()
	return winRate, meanEdge, len(f.samples)
}

// CorrelationMonitor warns when open positions move together too much.
type CorrelationMonitor struct {
	corr      Correlator
	threshold float64
}

func NewCorrelationMonitor(corr Correlator, threshold float64) *CorrelationMonitor {
	return &CorrelationMonitor{corr: corr, threshold: threshold}
}

// Average is the mean pairwise correlation across distinct markets of the snapshot.
func (c *CorrelationMonitor) Average(snap *model.PortfolioState) (float64, int) {
	seen := make(map[string]struct{})
	var markets []string
	for _, p := range snap.Positions {
		if _, ok := seen[p.MarketID]; ok {
			continue
		}
		seen[p.MarketID] = struct{}{}
		markets = append(markets, p.MarketID)
	}
	var sum float64
	var pairs int
	for i := 0; i < len(markets); i++ {
		for j := i + 1; j < len(markets); j++ {
			sum += c.corr.Correlation(markets[i], markets[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0, 0
	}
	return sum / float64(pairs), pairs
}

func (c *CorrelationMonitor) Handle(_ context.Context, ev bus.Event) error {
	snap, ok := ev.Payload.(*model.PortfolioState)
	if !ok || c.threshold <= 0 {
		return nil
	}
	if avg, pairs := c.Average(snap); pairs > 0 && avg > c.threshold {
		logger.Warn("portfolio correlation high", "avg_correlation", avg, "pairs", pairs, "threshold", c.threshold)
	}
	return nil
}
