package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

// Reason codes for rejected risk checks.
type Reason string

const (
	ReasonPositionLimit         Reason = "position-limit"
	ReasonDuplicateSymbol       Reason = "duplicate-symbol"
	ReasonInsufficientBalance   Reason = "insufficient-balance"
	ReasonInvalidSizing         Reason = "invalid-sizing"
	ReasonPortfolioRiskExceeded Reason = "portfolio-risk-exceeded"
)

// Settings are the portfolio constraints applied to every signal.
type Settings struct {
	MaxRiskPerTradePercent  float64   `json:"max_risk_per_trade_percent" yaml:"max_risk_per_trade_percent"`
	MaxOpenPositions        int       `json:"max_open_positions" yaml:"max_open_positions"`
	MaxCorrelation          float64   `json:"max_correlation" yaml:"max_correlation"`
	MinRiskRewardRatio      float64   `json:"min_risk_reward_ratio" yaml:"min_risk_reward_ratio"`
	MaxPortfolioRiskPercent float64   `json:"max_portfolio_risk_percent" yaml:"max_portfolio_risk_percent"`
	DefaultLeverage         int       `json:"default_leverage" yaml:"default_leverage"`
	UpdatedAt               time.Time `json:"updated_at" yaml:"-"`
}

// DefaultSettings returns the conservative defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxRiskPerTradePercent:  2.0,
		MaxOpenPositions:        5,
		MaxCorrelation:          0.7,
		MinRiskRewardRatio:      1.5,
		MaxPortfolioRiskPercent: 10.0,
		DefaultLeverage:         1,
	}
}

var ErrInvalidSettings = errors.New("invalid risk settings")

// Validate checks that settings are usable.
func (s Settings) Validate() error {
	switch {
	case s.MaxRiskPerTradePercent <= 0 || s.MaxRiskPerTradePercent > 100:
		return fmt.Errorf("%w: max_risk_per_trade_percent must be in (0,100]", ErrInvalidSettings)
	case s.MaxOpenPositions < 1:
		return fmt.Errorf("%w: max_open_positions must be >= 1", ErrInvalidSettings)
	case s.MaxCorrelation < 0 || s.MaxCorrelation > 1:
		return fmt.Errorf("%w: max_correlation must be in [0,1]", ErrInvalidSettings)
	case s.MinRiskRewardRatio < 0:
		return fmt.Errorf("%w: min_risk_reward_ratio must be >= 0", ErrInvalidSettings)
	case s.MaxPortfolioRiskPercent <= 0:
		return fmt.Errorf("%w: max_portfolio_risk_percent must be > 0", ErrInvalidSettings)
	case s.DefaultLeverage < signal.MinLeverage || s.DefaultLeverage > signal.MaxLeverage:
		return fmt.Errorf("%w: default_leverage must be in [1,125]", ErrInvalidSettings)
	}
	return nil
}

// Exposure is the risk-relevant view of an open position.
type Exposure struct {
	Symbol   string
	Side     signal.Direction
	Entry    float64
	StopLoss float64 // 0 when the position has no stop
	Quantity float64
}

// Result is the outcome of a single validation.
type Result struct {
	Approved        bool     `json:"approved"`
	Reason          Reason   `json:"reason,omitempty"`
	Message         string   `json:"message,omitempty"`
	Warnings        []string `json:"warnings"`
	PositionSize    float64  `json:"position_size"`
	RiskAmount      float64  `json:"risk_amount"`
	RiskPercent     float64  `json:"risk_percent"`
	PositionValue   float64  `json:"position_value"`
	RiskRewardRatio float64  `json:"risk_reward_ratio,omitempty"`
}

func reject(reason Reason, format string, args ...any) Result {
	return Result{Reason: reason, Message: fmt.Sprintf(format, args...), Warnings: []string{}}
}

// Sizing is the output of CalculatePositionSize.
type Sizing struct {
	Valid         bool
	Message       string
	PositionSize  float64
	RiskAmount    float64
	RiskPercent   float64
	PositionValue float64
}

// Metrics tracks checks and realized results fed back from closed trades.
type Metrics struct {
	ChecksTotal     uint64            `json:"checks_total"`
	ApprovalsTotal  uint64            `json:"approvals_total"`
	RejectionsTotal uint64            `json:"rejections_total"`
	WarningsTotal   uint64            `json:"warnings_total"`
	Rejections      map[Reason]uint64 `json:"rejections"`

	DailyPnL         float64 `json:"daily_pnl"`
	DailyTrades      int     `json:"daily_trades"`
	DailyLosses      float64 `json:"daily_losses"`
	TotalRealizedPnL float64 `json:"total_realized_pnl"`
	MaxProfit        float64 `json:"max_profit"`
	MaxDrawdown      float64 `json:"max_drawdown"`
}

// TradeResult is a realized trade fed back into the metrics. PnL is net of
// commission.
type TradeResult struct {
	Symbol string
	Side   signal.Direction
	Size   float64
	Price  float64
	PnL    float64
	Fee    float64
}
