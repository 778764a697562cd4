package ledger

import (
	"errors"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

// Status is the lifecycle state of a trade.
type Status string

const (
	StatusPending   Status = "pending"
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// CloseReason records why a trade was closed.
type CloseReason string

const (
	ReasonManual     CloseReason = "manual"
	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonTakeProfit CloseReason = "take_profit"
	ReasonExternal   CloseReason = "external"
)

var (
	ErrTradeNotFound       = errors.New("trade not found")
	ErrTradeNotOpen        = errors.New("trade is not open")
	ErrTradeNotPending     = errors.New("trade is not pending")
	ErrPositionExists      = errors.New("position already open for symbol")
	ErrInsufficientMargin  = errors.New("insufficient available balance for margin")
	ErrInvalidSize         = errors.New("position size must be positive")
	ErrInvalidPrice        = errors.New("price must be positive")
	ErrSignalNotPromotable = errors.New("signal has no asset or direction")
)

// Position is an open exposure for one symbol.
type Position struct {
	Symbol               string           `json:"symbol"`
	TradeID              string           `json:"trade_id"`
	Side                 signal.Direction `json:"side"`
	Entry                float64          `json:"entry_price"`
	Quantity             float64          `json:"quantity"`
	Leverage             int              `json:"leverage"`
	Margin               float64          `json:"margin"`
	CurrentPrice         float64          `json:"current_price"`
	UnrealizedPnL        float64          `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64          `json:"unrealized_pnl_percent"`
	StopLoss             float64          `json:"stop_loss,omitempty"`
	TakeProfits          []float64        `json:"take_profits,omitempty"`
	OpenedAt             time.Time        `json:"opened_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Trade is the lifecycle record of one position.
type Trade struct {
	ID                 string           `json:"id"`
	SignalID           string           `json:"signal_id"`
	Symbol             string           `json:"symbol"`
	Side               signal.Direction `json:"side"`
	Entry              float64          `json:"entry_price"`
	EntryTime          time.Time        `json:"entry_time"`
	Quantity           float64          `json:"quantity"`
	Leverage           int              `json:"leverage"`
	Status             Status           `json:"status"`
	StopLoss           float64          `json:"stop_loss,omitempty"`
	TakeProfits        []float64        `json:"take_profits,omitempty"`
	OrderID            string           `json:"order_id,omitempty"`
	ExitPrice          float64          `json:"exit_price,omitempty"`
	ExitTime           *time.Time       `json:"exit_time,omitempty"`
	ExitReason         CloseReason      `json:"exit_reason,omitempty"`
	RealizedPnL        float64          `json:"realized_pnl"`
	RealizedPnLPercent float64          `json:"realized_pnl_percent"`
	Commission         float64          `json:"commission"`
	Margin             float64          `json:"margin"`
}

func (t Trade) clone() Trade {
	c := t
	c.TakeProfits = append([]float64(nil), t.TakeProfits...)
	if t.ExitTime != nil {
		et := *t.ExitTime
		c.ExitTime = &et
	}
	return c
}

// Portfolio is the account aggregate. AvailableBalance always equals
// CurrentBalance - MarginUsed.
type Portfolio struct {
	InitialBalance   float64   `json:"initial_balance"`
	CurrentBalance   float64   `json:"current_balance"`
	AvailableBalance float64   `json:"available_balance"`
	MarginUsed       float64   `json:"margin_used"`
	TotalPnL         float64   `json:"total_pnl"`
	TotalPnLPercent  float64   `json:"total_pnl_percent"`
	OpenPositions    int       `json:"open_positions"`
	TotalTrades      int       `json:"total_trades"`
	WinningTrades    int       `json:"winning_trades"`
	LosingTrades     int       `json:"losing_trades"`
	WinRate          float64   `json:"win_rate"`
	PeakBalance      float64   `json:"peak_balance"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TradeFilter narrows Trades listings. Zero values match everything.
type TradeFilter struct {
	Status Status
	Symbol string
	Limit  int
}
