// Package quality scores trade signals before they reach execution.
package quality

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/indicators"
	"github.com/robinzi2001-cell/trading-ai/internal/risk"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

// Band is the qualitative grade of a score.
type Band string

const (
	BandExcellent Band = "excellent" // 90-100
	BandGood      Band = "good"      // 70-89
	BandModerate  Band = "moderate"  // 50-69
	BandPoor      Band = "poor"      // 30-49
	BandReject    Band = "reject"    // 0-29
)

// BandOf maps a 0-100 score to its band.
func BandOf(score float64) Band {
	switch {
	case score >= 90:
		return BandExcellent
	case score >= 70:
		return BandGood
	case score >= 50:
		return BandModerate
	case score >= 30:
		return BandPoor
	default:
		return BandReject
	}
}

// Approves reports whether signals in the band should be executed.
func (b Band) Approves() bool {
	return b == BandExcellent || b == BandGood || b == BandModerate
}

// TrendSource exposes indicator values built from live marks.
// *indicators.Engine satisfies it.
type TrendSource interface {
	Snapshot(symbol string) (indicators.Values, bool)
}

// HeuristicConfig tunes the rule based scorer.
type HeuristicConfig struct {
	// TrustedChannels earn a bonus when the signal metadata "channel" or
	// the source name contains one of them (case-insensitive).
	TrustedChannels []string
	// HighLeverage triggers a warning at or above this value.
	HighLeverage int
	// Trend, when set and warmed up, adds a moving-average alignment check
	// and RSI extremes.
	Trend  TrendSource
	Logger *zap.Logger
}

// Heuristic is a QualityOracle that needs no external service.
type Heuristic struct {
	trusted      []string
	highLeverage int
	trend        TrendSource
	logger       *zap.Logger
}

// NewHeuristic returns a rule based oracle.
func NewHeuristic(cfg HeuristicConfig) *Heuristic {
	h := &Heuristic{highLeverage: cfg.HighLeverage, trend: cfg.Trend, logger: cfg.Logger}
	if h.highLeverage <= 0 {
		h.highLeverage = 20
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	for _, c := range cfg.TrustedChannels {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			h.trusted = append(h.trusted, c)
		}
	}
	return h
}

// Score grades sig on parser confidence, risk/reward, completeness and
// origin.
func (h *Heuristic) Score(ctx context.Context, sig signal.Signal) (autoexec.Assessment, error) {
	if err := ctx.Err(); err != nil {
		return autoexec.Assessment{}, err
	}

	var (
		score    = clamp(sig.Confidence, 0, 1) * 40
		reasons  []string
		warnings []string
	)
	reasons = append(reasons, fmt.Sprintf("confidence %.0f%%", sig.Confidence*100))

	target, hasTarget := sig.FirstTarget()
	if hasTarget {
		rr := risk.RiskReward(sig.Direction, sig.Entry, sig.StopLoss, target)
		switch {
		case rr >= 2:
			score += 30
		case rr >= 1.5:
			score += 20
		case rr >= 1:
			score += 10
		default:
			warnings = append(warnings, fmt.Sprintf("risk/reward %.2f below 1", rr))
		}
		reasons = append(reasons, fmt.Sprintf("risk/reward %.2f", rr))
	} else {
		warnings = append(warnings, "no take-profit target")
	}

	if sig.Entry > 0 && sig.StopLoss > 0 && hasTarget {
		score += 15
		reasons = append(reasons, "complete levels")
	}

	if h.isTrusted(sig) {
		score += 15
		reasons = append(reasons, "trusted channel")
	}

	if h.trend != nil {
		if v, ready := h.trend.Snapshot(sig.Asset); ready {
			adj, reason, warning := trendCheck(sig.Direction, v)
			score += adj
			if reason != "" {
				reasons = append(reasons, reason)
			}
			if warning != "" {
				warnings = append(warnings, warning)
			}
		}
	}

	if sig.Leverage >= h.highLeverage {
		warnings = append(warnings, fmt.Sprintf("high leverage %dx", sig.Leverage))
	}

	score = math.Round(clamp(score, 0, 100)*10) / 10
	band := BandOf(score)
	a := autoexec.Assessment{
		Score:     score,
		Approve:   band.Approves(),
		Quality:   string(band),
		Reasoning: strings.Join(reasons, ", "),
		Warnings:  warnings,
	}
	h.logger.Debug("signal scored",
		zap.String("signal_id", sig.ID),
		zap.Float64("score", score),
		zap.String("band", string(band)))
	return a, nil
}

func (h *Heuristic) isTrusted(sig signal.Signal) bool {
	if len(h.trusted) == 0 {
		return false
	}
	names := []string{strings.ToLower(string(sig.Source))}
	if ch := cast.ToString(sig.Metadata["channel"]); ch != "" {
		names = append(names, strings.ToLower(ch))
	}
	for _, n := range names {
		for _, t := range h.trusted {
			if strings.Contains(n, t) {
				return true
			}
		}
	}
	return false
}

// trendCheck rewards signals that follow the short/long average cross and
// penalises ones entering against it or into an RSI extreme.
func trendCheck(dir signal.Direction, v indicators.Values) (float64, string, string) {
	want := 1
	if dir == signal.Short {
		want = -1
	}
	var (
		adj     float64
		reason  string
		warning string
	)
	switch trend := v.Trend(); {
	case trend == want:
		adj += 5
		reason = "trend aligned"
	case trend == -want:
		adj -= 10
		warning = "against moving-average trend"
	}
	switch {
	case dir == signal.Long && v.RSI >= 70:
		adj -= 5
		warning = joinWarning(warning, fmt.Sprintf("RSI %.0f overbought", v.RSI))
	case dir == signal.Short && v.RSI <= 30:
		adj -= 5
		warning = joinWarning(warning, fmt.Sprintf("RSI %.0f oversold", v.RSI))
	}
	return adj, reason, warning
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
