package monitor

import (
	"fmt"
	"sync"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
)

// Rules are the alert thresholds. Zero disables a rule.
type Rules struct {
	MaxDrawdownPercent float64 `json:"max_drawdown_percent" yaml:"max_drawdown_percent"`
	MaxLossStreak      int     `json:"max_loss_streak" yaml:"max_loss_streak"`
}

// DefaultRules alert at a 10% drawdown from peak or five losses in a row.
func DefaultRules() Rules {
	return Rules{MaxDrawdownPercent: 10, MaxLossStreak: 5}
}

// RuleEvaluator inspects ledger and breaker state and decides when to alert.
// Each rule fires once and re-arms when the condition clears.
type RuleEvaluator struct {
	rules Rules

	mu            sync.Mutex
	lossStreak    int
	streakAlerted bool
	ddAlerted     bool
	breakerOpen   bool
}

// NewRuleEvaluator creates an evaluator.
func NewRuleEvaluator(r Rules) *RuleEvaluator {
	return &RuleEvaluator{rules: r}
}

// TradeClosed tracks the loss streak.
func (r *RuleEvaluator) TradeClosed(t ledger.Trade) (Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.RealizedPnL >= 0 {
		r.lossStreak = 0
		r.streakAlerted = false
		return Alert{}, false
	}
	r.lossStreak++
	if r.rules.MaxLossStreak <= 0 || r.lossStreak < r.rules.MaxLossStreak || r.streakAlerted {
		return Alert{}, false
	}
	r.streakAlerted = true
	return Alert{
		Level:   LevelWarning,
		Rule:    "loss_streak",
		Message: fmt.Sprintf("%d losing trades in a row (last %s %.2f)", r.lossStreak, t.Symbol, t.RealizedPnL),
	}, true
}

// Portfolio checks the drawdown from the balance peak.
func (r *RuleEvaluator) Portfolio(pf ledger.Portfolio) (Alert, bool) {
	if r.rules.MaxDrawdownPercent <= 0 || pf.PeakBalance <= 0 {
		return Alert{}, false
	}
	dd := (pf.PeakBalance - pf.CurrentBalance) / pf.PeakBalance * 100

	r.mu.Lock()
	defer r.mu.Unlock()
	if dd < r.rules.MaxDrawdownPercent {
		r.ddAlerted = false
		return Alert{}, false
	}
	if r.ddAlerted {
		return Alert{}, false
	}
	r.ddAlerted = true
	return Alert{
		Level:   LevelCritical,
		Rule:    "drawdown",
		Message: fmt.Sprintf("drawdown %.2f%% from peak %.2f", dd, pf.PeakBalance),
	}, true
}

// Breaker alerts when the circuit breaker opens.
func (r *RuleEvaluator) Breaker(info autoexec.BreakerInfo) (Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	open := info.State == autoexec.BreakerOpen
	if !open {
		r.breakerOpen = false
		return Alert{}, false
	}
	if r.breakerOpen {
		return Alert{}, false
	}
	r.breakerOpen = true
	return Alert{
		Level:   LevelCritical,
		Rule:    "circuit_breaker",
		Message: fmt.Sprintf("auto-execute halted after %d consecutive errors", info.ConsecutiveErrors),
	}, true
}
