package service

import (
	"fmt"
	"math"

	"github.com/GoPolymarket/polyloop/internal/model"
	"github.com/GoPolymarket/polyloop/internal/pkg/metrics"
	"github.com/shopspring/decimal"
)

const (
	CheckExposureCap   = "exposure_cap"
	CheckTailRiskVaR   = "tail_risk_var"
	CheckCorrelation   = "correlation"
	CheckPlatformRisk  = "platform_risk"
	CheckMinNotional   = "min_order_notional"
	CheckHumanApproval = "human_approval"
)

// Correlator returns the correlation between two markets in [-1, 1].
type Correlator interface {
	Correlation(a, b string) float64
}

type RiskLimits struct {
	MaxExposureRatio        decimal.Decimal
	MaxVaRRatio             decimal.Decimal
	VaRVolatility           decimal.Decimal
	VaRZScore               decimal.Decimal
	CorrelationThreshold    float64
	CorrelationShrinkFactor float64
	MaxPlatformRatio        decimal.Decimal
	HumanApprovalThreshold  decimal.Decimal
	MinOrderNotional        decimal.Decimal
	FeeRate                 decimal.Decimal
}

// GateResult is the composed outcome of every check that ran.
// Verdict is Pass, Escalate (approval required) or Reject.
type GateResult struct {
	Verdict  model.Verdict
	Notional decimal.Decimal
	Checks   []model.RiskCheckResult
	Reason   string
}

// RiskGate runs the ordered checks. Later checks see the notional left by earlier ones.
type RiskGate struct {
	limits RiskLimits
	corr   Correlator
}

func NewRiskGate(limits RiskLimits, corr Correlator) *RiskGate {
	return &RiskGate{limits: limits, corr: corr}
}

type riskCheck func(in *model.OrderIntent, n decimal.Decimal, snap *model.PortfolioState) model.RiskCheckResult

// Evaluate is deterministic for a given intent and snapshot. It never mutates either.
func (g *RiskGate) Evaluate(in *model.OrderIntent, snap *model.PortfolioState) GateResult {
	checks := []struct {
		name string
		run  riskCheck
	}{
		{CheckExposureCap, g.exposureCap},
		{CheckTailRiskVaR, g.tailRisk},
		{CheckCorrelation, g.correlation},
		{CheckPlatformRisk, g.platformRisk},
	}

	res := GateResult{Verdict: model.VerdictPass, Notional: in.RequestedNotional}
	for _, c := range checks {
		r := c.run(in, res.Notional, snap)
		r.CheckName = c.name
		res.Checks = append(res.Checks, r)
		metrics.RiskVerdicts.WithLabelValues(c.name, string(r.Verdict)).Inc()

		switch r.Verdict {
		case model.VerdictReject:
			return g.reject(res, c.name, r.Reason)
		case model.VerdictShrink:
			res.Notional = *r.AdjustedNotional
		}
	}

	// 粉尘订单: shrink 之后太小就不值得下
	if res.Notional.LessThan(g.limits.MinOrderNotional) || !res.Notional.IsPositive() {
		reason := fmt.Sprintf("notional %s below minimum %s", res.Notional.StringFixed(2), g.limits.MinOrderNotional.StringFixed(2))
		res.Checks = append(res.Checks, model.RiskCheckResult{CheckName: CheckMinNotional, Verdict: model.VerdictReject, Reason: reason})
		return g.reject(res, CheckMinNotional, reason)
	}

	// 人工审批阈值是闭区间: 恰好等于阈值也要审批
	if g.limits.HumanApprovalThreshold.IsPositive() && res.Notional.GreaterThanOrEqual(g.limits.HumanApprovalThreshold) {
		res.Checks = append(res.Checks, model.RiskCheckResult{
			CheckName: CheckHumanApproval,
			Verdict:   model.VerdictEscalate,
			Reason:    fmt.Sprintf("notional %s >= approval threshold %s", res.Notional.StringFixed(2), g.limits.HumanApprovalThreshold.StringFixed(2)),
		})
		metrics.RiskVerdicts.WithLabelValues(CheckHumanApproval, string(model.VerdictEscalate)).Inc()
		res.Verdict = model.VerdictEscalate
	}
	return res
}

func (g *RiskGate) reject(res GateResult, check, reason string) GateResult {
	metrics.RiskRejects.WithLabelValues(check).Inc()
	res.Verdict = model.VerdictReject
	res.Notional = decimal.Zero
	res.Reason = check + ": " + reason
	return res
}

func shrinkTo(n decimal.Decimal, reason string) model.RiskCheckResult {
	adj := n.RoundFloor(2)
	return model.RiskCheckResult{Verdict: model.VerdictShrink, AdjustedNotional: &adj, Reason: reason}
}

// 1. 总敞口上限 (Exposure Cap): headroom accounts for reservations and fees.
func (g *RiskGate) exposureCap(_ *model.OrderIntent, n decimal.Decimal, snap *model.PortfolioState) model.RiskCheckResult {
	headroom := snap.Headroom(g.limits.MaxExposureRatio, g.limits.FeeRate)
	if n.LessThanOrEqual(headroom) {
		return model.RiskCheckResult{Verdict: model.VerdictPass}
	}
	if headroom.RoundFloor(2).IsPositive() {
		return shrinkTo(headroom, fmt.Sprintf("shrunk %s to exposure headroom %s", n.StringFixed(2), headroom.StringFixed(2)))
	}
	return model.RiskCheckResult{
		Verdict: model.VerdictReject,
		Reason:  fmt.Sprintf("exposure ratio %s at cap %s", snap.ExposureRatio().StringFixed(4), g.limits.MaxExposureRatio.String()),
	}
}

// 2. 尾部风险熔断 (VaR circuit breaker): z·σ·candidate/equity, only passes or rejects.
// The book as a whole is bounded by the exposure cap.
func (g *RiskGate) tailRisk(_ *model.OrderIntent, n decimal.Decimal, snap *model.PortfolioState) model.RiskCheckResult {
	equity := snap.TotalEquity()
	if !equity.IsPositive() {
		return model.RiskCheckResult{Verdict: model.VerdictReject, Reason: "non-positive equity"}
	}
	varRatio := g.limits.VaRZScore.Mul(g.limits.VaRVolatility).Mul(n).Div(equity)
	if varRatio.GreaterThan(g.limits.MaxVaRRatio) {
		return model.RiskCheckResult{
			Verdict: model.VerdictReject,
			Reason:  fmt.Sprintf("VaR/equity %s exceeds %s", varRatio.StringFixed(4), g.limits.MaxVaRRatio.String()),
		}
	}
	return model.RiskCheckResult{Verdict: model.VerdictPass, Reason: "VaR/equity " + varRatio.StringFixed(4)}
}

// 3. 相关性降风险: shrink by the strongest correlation with any other open market.
func (g *RiskGate) correlation(in *model.OrderIntent, n decimal.Decimal, snap *model.PortfolioState) model.RiskCheckResult {
	if g.corr == nil || g.limits.CorrelationShrinkFactor <= 0 {
		return model.RiskCheckResult{Verdict: model.VerdictPass}
	}
	var worst float64
	var worstMarket string
	for _, m := range snap.OpenMarkets() {
		if m == in.MarketID {
			continue
		}
		if rho := math.Abs(g.corr.Correlation(m, in.MarketID)); rho > worst {
			worst, worstMarket = rho, m
		}
	}
	if worst == 0 || worst < g.limits.CorrelationThreshold {
		return model.RiskCheckResult{Verdict: model.VerdictPass}
	}
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(g.limits.CorrelationShrinkFactor).Mul(decimal.NewFromFloat(worst)))
	if factor.IsNegative() {
		factor = decimal.Zero
	}
	return shrinkTo(n.Mul(factor),
		fmt.Sprintf("correlated %.2f with %s, scaled by %s", worst, worstMarket, factor.StringFixed(4)))
}

// 4. 单平台敞口上限
func (g *RiskGate) platformRisk(in *model.OrderIntent, n decimal.Decimal, snap *model.PortfolioState) model.RiskCheckResult {
	if !g.limits.MaxPlatformRatio.IsPositive() {
		return model.RiskCheckResult{Verdict: model.VerdictPass}
	}
	limit := g.limits.MaxPlatformRatio.Mul(snap.TotalEquity())
	headroom := limit.Sub(snap.PlatformExposure(in.Platform))
	if n.LessThanOrEqual(headroom) {
		return model.RiskCheckResult{Verdict: model.VerdictPass}
	}
	if headroom.RoundFloor(2).IsPositive() {
		return shrinkTo(headroom, fmt.Sprintf("shrunk to %s platform headroom %s", in.Platform, headroom.StringFixed(2)))
	}
	return model.RiskCheckResult{
		Verdict: model.VerdictReject,
		Reason:  fmt.Sprintf("platform %s exposure at cap", in.Platform),
	}
}
