package order

import (
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

// Status of a simulated order.
type Status string

const (
	StatusFilled   Status = "FILLED"
	StatusRejected Status = "REJECTED"
)

// Order is one placement seen by the paper executor.
type Order struct {
	ID             string           `json:"id"`
	SignalID       string           `json:"signal_id,omitempty"`
	Symbol         string           `json:"symbol"`
	Side           signal.Direction `json:"side"`
	Qty            float64          `json:"qty"`
	Leverage       int              `json:"leverage"`
	RequestedPrice float64          `json:"requested_price"`
	FillPrice      float64          `json:"fill_price,omitempty"`
	Status         Status           `json:"status"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
}
