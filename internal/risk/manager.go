package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

// Manager holds the active risk settings, validates signals against them and
// keeps running metrics.
type Manager struct {
	db       *sql.DB
	settings Settings
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.RWMutex
}

// NewManager creates a risk manager backed by the DB.
// If no active settings row exists it inserts DefaultSettings.
func NewManager(db *sql.DB, logger *zap.Logger) (*Manager, error) {
	mgr := newManager(db, DefaultSettings(), logger)

	if err := mgr.LoadSettings(); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load risk settings: %w", err)
		}
		if err := mgr.insertSettings(context.Background(), DefaultSettings()); err != nil {
			return nil, fmt.Errorf("insert default risk settings: %w", err)
		}
	}

	s := mgr.Settings()
	mgr.logger.Info("risk manager initialized",
		zap.Float64("max_risk_per_trade_percent", s.MaxRiskPerTradePercent),
		zap.Int("max_open_positions", s.MaxOpenPositions),
		zap.Float64("max_portfolio_risk_percent", s.MaxPortfolioRiskPercent))
	return mgr, nil
}

// NewInMemory creates a risk manager without DB persistence.
func NewInMemory(s Settings, logger *zap.Logger) *Manager {
	return newManager(nil, s, logger)
}

func newManager(db *sql.DB, s Settings, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:       db,
		settings: s,
		metrics:  Metrics{Rejections: make(map[Reason]uint64)},
		logger:   logger.Named("risk"),
		now:      time.Now,
	}
}

// LoadSettings reads the active settings row.
func (m *Manager) LoadSettings() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db == nil {
		return nil
	}

	var (
		s         Settings
		updatedAt string
	)
	err := m.db.QueryRow(`
		SELECT max_risk_per_trade_percent, max_open_positions, max_correlation,
		       min_risk_reward_ratio, max_portfolio_risk_percent, default_leverage, updated_at
		FROM risk_settings
		WHERE is_active = 1
		ORDER BY id DESC
		LIMIT 1
	`).Scan(
		&s.MaxRiskPerTradePercent,
		&s.MaxOpenPositions,
		&s.MaxCorrelation,
		&s.MinRiskRewardRatio,
		&s.MaxPortfolioRiskPercent,
		&s.DefaultLeverage,
		&updatedAt,
	)
	if err != nil {
		return err
	}
	if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		s.UpdatedAt = t
	}
	m.settings = s
	return nil
}

func (m *Manager) insertSettings(ctx context.Context, s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistLocked(ctx, s)
}

// persistLocked deactivates the previous row and inserts s as active.
func (m *Manager) persistLocked(ctx context.Context, s Settings) error {
	s.UpdatedAt = m.now().UTC()
	if m.db == nil {
		m.settings = s
		return nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE risk_settings SET is_active = 0 WHERE is_active = 1`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk_settings (
			max_risk_per_trade_percent, max_open_positions, max_correlation,
			min_risk_reward_ratio, max_portfolio_risk_percent, default_leverage,
			is_active, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 1, ?)
	`,
		s.MaxRiskPerTradePercent,
		s.MaxOpenPositions,
		s.MaxCorrelation,
		s.MinRiskRewardRatio,
		s.MaxPortfolioRiskPercent,
		s.DefaultLeverage,
		s.UpdatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.settings = s
	return nil
}

// Settings returns a copy of the active settings.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// UpdateSettings validates and persists new settings.
func (m *Manager) UpdateSettings(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persistLocked(ctx, s); err != nil {
		return fmt.Errorf("update risk settings: %w", err)
	}
	m.logger.Info("risk settings updated",
		zap.Float64("max_risk_per_trade_percent", s.MaxRiskPerTradePercent),
		zap.Int("max_open_positions", s.MaxOpenPositions))
	return nil
}

// Validate checks sig against the active settings and records the outcome.
func (m *Manager) Validate(sig signal.Signal, balance float64, open []Exposure) Result {
	res := Evaluate(sig, balance, open, m.Settings())

	m.mu.Lock()
	m.metrics.ChecksTotal++
	if res.Approved {
		m.metrics.ApprovalsTotal++
	} else {
		m.metrics.RejectionsTotal++
		m.metrics.Rejections[res.Reason]++
	}
	m.metrics.WarningsTotal += uint64(len(res.Warnings))
	m.mu.Unlock()

	if res.Approved {
		m.logger.Info("risk check passed",
			zap.String("symbol", sig.Asset),
			zap.Float64("size", res.PositionSize),
			zap.Float64("risk_percent", res.RiskPercent),
			zap.Strings("warnings", res.Warnings))
	} else {
		m.logger.Info("risk check rejected",
			zap.String("symbol", sig.Asset),
			zap.String("reason", string(res.Reason)),
			zap.String("message", res.Message))
	}
	return res
}

// Evaluate applies the rejection rules in order; the first failure wins.
func Evaluate(sig signal.Signal, balance float64, open []Exposure, s Settings) Result {
	if len(open) >= s.MaxOpenPositions {
		return reject(ReasonPositionLimit, "max open positions reached (%d)", s.MaxOpenPositions)
	}
	for _, pos := range open {
		if pos.Symbol == sig.Asset {
			return reject(ReasonDuplicateSymbol, "already have open position in %s", sig.Asset)
		}
	}
	if balance <= 0 {
		return reject(ReasonInsufficientBalance, "insufficient balance")
	}

	leverage := sig.Leverage
	if leverage < signal.MinLeverage {
		leverage = s.DefaultLeverage
	}
	sizing := CalculatePositionSize(sig.Entry, sig.StopLoss, balance, s.MaxRiskPerTradePercent, leverage)
	if !sizing.Valid {
		return reject(ReasonInvalidSizing, "%s", sizing.Message)
	}

	res := Result{
		Approved:      true,
		Warnings:      []string{},
		PositionSize:  sizing.PositionSize,
		RiskAmount:    sizing.RiskAmount,
		RiskPercent:   sizing.RiskPercent,
		PositionValue: sizing.PositionValue,
	}

	if target, ok := sig.FirstTarget(); ok {
		res.RiskRewardRatio = RiskReward(sig.Direction, sig.Entry, sig.StopLoss, target)
		if res.RiskRewardRatio < s.MinRiskRewardRatio {
			res.Warnings = append(res.Warnings, fmt.Sprintf("low R:R ratio: %.2f (min: %.2f)", res.RiskRewardRatio, s.MinRiskRewardRatio))
		}
	}

	totalRisk := sizing.RiskAmount
	for _, pos := range open {
		if pos.StopLoss > 0 {
			totalRisk += math.Abs(pos.Entry-pos.StopLoss) * pos.Quantity
		}
	}
	totalRiskPercent := totalRisk / balance * 100
	if totalRiskPercent > s.MaxPortfolioRiskPercent {
		return reject(ReasonPortfolioRiskExceeded, "portfolio risk too high: %.1f%% (max: %.1f%%)", totalRiskPercent, s.MaxPortfolioRiskPercent)
	}

	bucket := CorrelationBucket(sig.Asset)
	for _, pos := range open {
		if CorrelationBucket(pos.Symbol) == bucket {
			res.Warnings = append(res.Warnings, fmt.Sprintf("high correlation with open position: %s", pos.Symbol))
		}
	}
	return res
}

// CalculatePositionSize sizes a position so that hitting the stop loses
// maxRiskPercent of balance. Size is rounded to 8 decimals and the reported
// risk reflects the rounded size.
func CalculatePositionSize(entry, stop, balance, maxRiskPercent float64, leverage int) Sizing {
	riskPerUnit := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stop)).Abs()
	if entry <= 0 || !riskPerUnit.IsPositive() {
		return Sizing{Message: "invalid stop loss (must be different from entry)"}
	}
	if balance <= 0 {
		return Sizing{Message: "balance must be positive"}
	}
	if leverage < signal.MinLeverage {
		leverage = signal.MinLeverage
	}

	bal := decimal.NewFromFloat(balance)
	riskAmount := bal.Mul(decimal.NewFromFloat(maxRiskPercent)).Div(decimal.NewFromInt(100))
	size := riskAmount.Div(riskPerUnit).Round(8)
	if !size.IsPositive() {
		return Sizing{Message: "position size rounds to zero"}
	}

	positionValue := size.Mul(decimal.NewFromFloat(entry))
	maxValue := bal.Mul(decimal.NewFromInt(int64(leverage)))
	if positionValue.GreaterThan(maxValue) {
		return Sizing{Message: fmt.Sprintf("position too large for account (need %s, have %s)",
			positionValue.StringFixed(2), maxValue.StringFixed(2))}
	}

	actualRisk := size.Mul(riskPerUnit)
	return Sizing{
		Valid:         true,
		PositionSize:  size.InexactFloat64(),
		RiskAmount:    actualRisk.Round(8).InexactFloat64(),
		RiskPercent:   actualRisk.Div(bal).Mul(decimal.NewFromInt(100)).Round(6).InexactFloat64(),
		PositionValue: positionValue.Round(8).InexactFloat64(),
	}
}

// RiskReward is reward over risk measured towards target and stop.
func RiskReward(d signal.Direction, entry, stop, target float64) float64 {
	var risk, reward float64
	if d == signal.Short {
		risk = stop - entry
		reward = entry - target
	} else {
		risk = entry - stop
		reward = target - entry
	}
	if risk <= 0 {
		return 0
	}
	return reward / risk
}

// CorrelationBucket groups symbols by base asset: the part before "/", or
// the first three letters.
func CorrelationBucket(symbol string) string {
	if base, _, ok := strings.Cut(symbol, "/"); ok {
		return base
	}
	if len(symbol) > 3 {
		return symbol[:3]
	}
	return symbol
}

// UpdateMetrics records a realized trade. trade.PnL is already net of fees.
func (m *Manager) UpdateMetrics(trade TradeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	net := trade.PnL

	m.metrics.DailyTrades++
	m.metrics.DailyPnL += net
	if net < 0 {
		m.metrics.DailyLosses += -net
	}

	m.metrics.TotalRealizedPnL += net
	if m.metrics.TotalRealizedPnL > m.metrics.MaxProfit {
		m.metrics.MaxProfit = m.metrics.TotalRealizedPnL
	}
	drawdown := m.metrics.MaxProfit - m.metrics.TotalRealizedPnL
	if drawdown > m.metrics.MaxDrawdown {
		m.metrics.MaxDrawdown = drawdown
	}

	if m.db == nil {
		return nil
	}

	wins := 0
	losses := 0.0
	if net > 0 {
		wins = 1
	} else if net < 0 {
		losses = -net
	}

	_, err := m.db.Exec(`
		INSERT INTO risk_metrics (date, daily_pnl, daily_trades, daily_wins, daily_losses)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = daily_pnl + ?,
			daily_trades = daily_trades + 1,
			daily_wins = daily_wins + ?,
			daily_losses = daily_losses + ?
	`,
		m.now().UTC().Format("2006-01-02"), net, wins, losses,
		net, wins, losses,
	)
	return err
}

// ResetDailyMetrics zeroes the daily counters.
func (m *Manager) ResetDailyMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("daily risk metrics reset",
		zap.Float64("daily_pnl", m.metrics.DailyPnL),
		zap.Int("daily_trades", m.metrics.DailyTrades),
		zap.Float64("daily_losses", m.metrics.DailyLosses))

	m.metrics.DailyPnL = 0
	m.metrics.DailyTrades = 0
	m.metrics.DailyLosses = 0
}

// Metrics returns a snapshot of the current metrics.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.metrics
	out.Rejections = make(map[Reason]uint64, len(m.metrics.Rejections))
	for k, v := range m.metrics.Rejections {
		out.Rejections[k] = v
	}
	return out
}
