package ledger

import (
	"fmt"

	"github.com/robinzi2001-cell/trading-ai/internal/signal"
	"github.com/robinzi2001-cell/trading-ai/pkg/record"
)

func targets(tps []float64) []float64 {
	if tps == nil {
		return []float64{}
	}
	return tps
}

// ToRecord flattens the trade for storage and transport.
func (t Trade) ToRecord() record.Record {
	return record.Record{
		"id":                   t.ID,
		"signal_id":            t.SignalID,
		"symbol":               t.Symbol,
		"side":                 string(t.Side),
		"entry_price":          t.Entry,
		"entry_time":           record.FormatTime(t.EntryTime),
		"quantity":             t.Quantity,
		"leverage":             t.Leverage,
		"status":               string(t.Status),
		"stop_loss":            t.StopLoss,
		"take_profits":         targets(t.TakeProfits),
		"order_id":             t.OrderID,
		"exit_price":           t.ExitPrice,
		"exit_time":            record.FormatTimePtr(t.ExitTime),
		"exit_reason":          string(t.ExitReason),
		"realized_pnl":         t.RealizedPnL,
		"realized_pnl_percent": t.RealizedPnLPercent,
		"commission":           t.Commission,
		"margin":               t.Margin,
	}
}

// TradeFromRecord rebuilds a Trade from its flat representation.
func TradeFromRecord(r record.Record) (Trade, error) {
	t := Trade{
		ID:         record.String(r, "id"),
		SignalID:   record.String(r, "signal_id"),
		Symbol:     record.String(r, "symbol"),
		Status:     Status(record.String(r, "status")),
		OrderID:    record.String(r, "order_id"),
		ExitReason: CloseReason(record.String(r, "exit_reason")),
	}
	if t.ID == "" || t.Symbol == "" {
		return Trade{}, fmt.Errorf("trade record: missing id or symbol")
	}
	side, ok := signal.ParseDirection(record.String(r, "side"))
	if !ok {
		return Trade{}, fmt.Errorf("trade record %s: invalid side %q", t.ID, record.String(r, "side"))
	}
	t.Side = side
	switch t.Status {
	case StatusPending, StatusOpen, StatusClosed, StatusCancelled:
	default:
		return Trade{}, fmt.Errorf("trade record %s: invalid status %q", t.ID, t.Status)
	}

	var err error
	floats := []struct {
		key string
		dst *float64
	}{
		{"entry_price", &t.Entry},
		{"quantity", &t.Quantity},
		{"stop_loss", &t.StopLoss},
		{"exit_price", &t.ExitPrice},
		{"realized_pnl", &t.RealizedPnL},
		{"realized_pnl_percent", &t.RealizedPnLPercent},
		{"commission", &t.Commission},
		{"margin", &t.Margin},
	}
	for _, f := range floats {
		if *f.dst, err = record.Float(r, f.key); err != nil {
			return Trade{}, fmt.Errorf("trade record %s: %w", t.ID, err)
		}
	}
	if t.Leverage, err = record.Int(r, "leverage"); err != nil {
		return Trade{}, fmt.Errorf("trade record %s: %w", t.ID, err)
	}
	if t.Leverage < signal.MinLeverage {
		t.Leverage = signal.MinLeverage
	}
	if t.TakeProfits, err = record.Floats(r, "take_profits"); err != nil {
		return Trade{}, fmt.Errorf("trade record %s: %w", t.ID, err)
	}
	t.TakeProfits = signal.NormalizeTargets(t.TakeProfits)
	if t.EntryTime, err = record.Time(r, "entry_time"); err != nil {
		return Trade{}, fmt.Errorf("trade record %s: %w", t.ID, err)
	}
	if t.ExitTime, err = record.TimePtr(r, "exit_time"); err != nil {
		return Trade{}, fmt.Errorf("trade record %s: %w", t.ID, err)
	}
	return t, nil
}

// ToRecord flattens the position for storage and transport.
func (p Position) ToRecord() record.Record {
	return record.Record{
		"symbol":                 p.Symbol,
		"trade_id":               p.TradeID,
		"side":                   string(p.Side),
		"entry_price":            p.Entry,
		"quantity":               p.Quantity,
		"leverage":               p.Leverage,
		"margin":                 p.Margin,
		"current_price":          p.CurrentPrice,
		"unrealized_pnl":         p.UnrealizedPnL,
		"unrealized_pnl_percent": p.UnrealizedPnLPercent,
		"stop_loss":              p.StopLoss,
		"take_profits":           targets(p.TakeProfits),
		"opened_at":              record.FormatTime(p.OpenedAt),
		"updated_at":             record.FormatTime(p.UpdatedAt),
	}
}

// PositionFromRecord rebuilds a Position from its flat representation.
func PositionFromRecord(r record.Record) (Position, error) {
	p := Position{
		Symbol:  record.String(r, "symbol"),
		TradeID: record.String(r, "trade_id"),
	}
	if p.Symbol == "" || p.TradeID == "" {
		return Position{}, fmt.Errorf("position record: missing symbol or trade_id")
	}
	side, ok := signal.ParseDirection(record.String(r, "side"))
	if !ok {
		return Position{}, fmt.Errorf("position record %s: invalid side", p.Symbol)
	}
	p.Side = side

	var err error
	for key, dst := range map[string]*float64{
		"entry_price":   &p.Entry,
		"quantity":      &p.Quantity,
		"margin":        &p.Margin,
		"current_price": &p.CurrentPrice,
		"stop_loss":     &p.StopLoss,
	} {
		if *dst, err = record.Float(r, key); err != nil {
			return Position{}, fmt.Errorf("position record %s: %w", p.Symbol, err)
		}
	}
	if p.Leverage, err = record.Int(r, "leverage"); err != nil {
		return Position{}, fmt.Errorf("position record %s: %w", p.Symbol, err)
	}
	if p.Leverage < signal.MinLeverage {
		p.Leverage = signal.MinLeverage
	}
	if p.TakeProfits, err = record.Floats(r, "take_profits"); err != nil {
		return Position{}, fmt.Errorf("position record %s: %w", p.Symbol, err)
	}
	if p.OpenedAt, err = record.Time(r, "opened_at"); err != nil {
		return Position{}, fmt.Errorf("position record %s: %w", p.Symbol, err)
	}
	if p.UpdatedAt, err = record.Time(r, "updated_at"); err != nil {
		return Position{}, fmt.Errorf("position record %s: %w", p.Symbol, err)
	}
	if p.CurrentPrice <= 0 {
		p.CurrentPrice = p.Entry
	}
	p.UnrealizedPnL, p.UnrealizedPnLPercent = pnlAt(p.Side, p.Entry, p.CurrentPrice, p.Quantity, p.Leverage)
	return p, nil
}

// ToRecord flattens the portfolio for storage and transport.
func (p Portfolio) ToRecord() record.Record {
	return record.Record{
		"initial_balance":   p.InitialBalance,
		"current_balance":   p.CurrentBalance,
		"available_balance": p.AvailableBalance,
		"margin_used":       p.MarginUsed,
		"total_pnl":         p.TotalPnL,
		"total_pnl_percent": p.TotalPnLPercent,
		"open_positions":    p.OpenPositions,
		"total_trades":      p.TotalTrades,
		"winning_trades":    p.WinningTrades,
		"losing_trades":     p.LosingTrades,
		"win_rate":          p.WinRate,
		"peak_balance":      p.PeakBalance,
		"max_drawdown":      p.MaxDrawdown,
		"updated_at":        record.FormatTime(p.UpdatedAt),
	}
}

// PortfolioFromRecord rebuilds a Portfolio from its flat representation.
func PortfolioFromRecord(r record.Record) (Portfolio, error) {
	var (
		p   Portfolio
		err error
	)
	for key, dst := range map[string]*float64{
		"initial_balance":   &p.InitialBalance,
		"current_balance":   &p.CurrentBalance,
		"available_balance": &p.AvailableBalance,
		"margin_used":       &p.MarginUsed,
		"total_pnl":         &p.TotalPnL,
		"total_pnl_percent": &p.TotalPnLPercent,
		"win_rate":          &p.WinRate,
		"peak_balance":      &p.PeakBalance,
		"max_drawdown":      &p.MaxDrawdown,
	} {
		if *dst, err = record.Float(r, key); err != nil {
			return Portfolio{}, fmt.Errorf("portfolio record: %w", err)
		}
	}
	for key, dst := range map[string]*int{
		"open_positions": &p.OpenPositions,
		"total_trades":   &p.TotalTrades,
		"winning_trades": &p.WinningTrades,
		"losing_trades":  &p.LosingTrades,
	} {
		if *dst, err = record.Int(r, key); err != nil {
			return Portfolio{}, fmt.Errorf("portfolio record: %w", err)
		}
	}
	if p.UpdatedAt, err = record.Time(r, "updated_at"); err != nil {
		return Portfolio{}, fmt.Errorf("portfolio record: %w", err)
	}
	return p, nil
}
