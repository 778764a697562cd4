package ledger

import (
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

// pnlAt returns the leveraged P&L of a position at price and the per-unit
// percent move. The percent is not scaled by leverage.
func pnlAt(side signal.Direction, entry, price, qty float64, leverage int) (pnl, percent float64) {
	perUnit := price - entry
	if side == signal.Short {
		perUnit = entry - price
	}
	if leverage < 1 {
		leverage = 1
	}
	pnl = perUnit * qty * float64(leverage)
	if entry > 0 {
		percent = perUnit / entry * 100
	}
	return pnl, percent
}

func markLocked(p *Position, price float64, now time.Time) {
	p.CurrentPrice = price
	p.UnrealizedPnL, p.UnrealizedPnLPercent = pnlAt(p.Side, p.Entry, price, p.Quantity, p.Leverage)
	p.UpdatedAt = now
}

// nearestTarget is the first target met in the trade direction: the lowest
// for longs, the highest for shorts. Targets are kept ascending.
func nearestTarget(side signal.Direction, targets []float64) float64 {
	if len(targets) == 0 {
		return 0
	}
	if side == signal.Short {
		return targets[len(targets)-1]
	}
	return targets[0]
}

// checkTriggers reports whether price closes the position. The stop is
// checked before the target; the exit is filled at the crossed level.
func checkTriggers(p *Position, price float64) (CloseReason, float64, bool) {
	target := nearestTarget(p.Side, p.TakeProfits)
	if p.Side == signal.Short {
		if p.StopLoss > 0 && price >= p.StopLoss {
			return ReasonStopLoss, p.StopLoss, true
		}
		if target > 0 && price <= target {
			return ReasonTakeProfit, target, true
		}
		return "", 0, false
	}
	if p.StopLoss > 0 && price <= p.StopLoss {
		return ReasonStopLoss, p.StopLoss, true
	}
	if target > 0 && price >= target {
		return ReasonTakeProfit, target, true
	}
	return "", 0, false
}
