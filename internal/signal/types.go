package signal

import (
	"errors"
	"strings"
	"time"
)

// Source identifies where a signal came from.
type Source string

const (
	SourceManual          Source = "manual"
	SourceWebhook         Source = "webhook"
	SourceTelegram        Source = "telegram"
	SourceTelegramChannel Source = "telegram_channel"
	SourceTelegramBot     Source = "telegram_bot"
	SourceEmail           Source = "email"
	SourceRSS             Source = "rss"
	SourceAI              Source = "ai"
)

var knownSources = map[Source]struct{}{
	SourceManual:          {},
	SourceWebhook:         {},
	SourceTelegram:        {},
	SourceTelegramChannel: {},
	SourceTelegramBot:     {},
	SourceEmail:           {},
	SourceRSS:             {},
	SourceAI:              {},
}

// ParseSource normalizes s and reports whether it is a known source.
func ParseSource(s string) (Source, bool) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	_, ok := knownSources[src]
	return src, ok
}

// Direction is the side of the intended trade.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// ParseDirection accepts long/short and the buy/sell aliases.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return Long, true
	case "short", "sell":
		return Short, true
	}
	return "", false
}

// MarketType is the asset class derived from the symbol.
type MarketType string

const (
	MarketCrypto      MarketType = "crypto"
	MarketForex       MarketType = "forex"
	MarketCommodities MarketType = "commodities"
	MarketIndices     MarketType = "indices"
	MarketStocks      MarketType = "stocks"
)

const (
	MinLeverage = 1
	MaxLeverage = 125
)

var (
	// ErrIncomplete means the intent lacks asset, direction, entry or stop.
	ErrIncomplete      = errors.New("signal incomplete: asset, direction, entry and stop are required")
	ErrInvalidPrice    = errors.New("signal prices must be positive")
	ErrStopEqualsEntry = errors.New("stop loss must differ from entry")
	ErrUnknownSource   = errors.New("unknown signal source")
)

// Signal is a validated trade intent. Treat values as immutable; the
// With* helpers return modified copies.
type Signal struct {
	ID          string
	Source      Source
	Asset       string
	Direction   Direction
	Entry       float64
	StopLoss    float64
	TakeProfits []float64
	Leverage    int
	Confidence  float64
	Timeframe   string
	MarketType  MarketType
	RawText     string
	Metadata    map[string]any
	Executed    bool
	Dismissed   bool
	CreatedAt   time.Time
}

// FirstTarget returns the nearest take-profit in the trade direction.
func (s Signal) FirstTarget() (float64, bool) {
	if len(s.TakeProfits) == 0 {
		return 0, false
	}
	if s.Direction == Short {
		return s.TakeProfits[len(s.TakeProfits)-1], true
	}
	return s.TakeProfits[0], true
}

// WithExecuted returns a copy flagged as executed.
func (s Signal) WithExecuted() Signal {
	c := s.clone()
	c.Executed = true
	return c
}

// WithDismissed returns a copy flagged as dismissed.
func (s Signal) WithDismissed() Signal {
	c := s.clone()
	c.Dismissed = true
	return c
}

func (s Signal) clone() Signal {
	c := s
	c.TakeProfits = append([]float64(nil), s.TakeProfits...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// ParsedIntent is the raw extraction result. Zero values mean "not found".
type ParsedIntent struct {
	Asset       string
	Direction   Direction
	Entry       float64
	StopLoss    float64
	TakeProfits []float64
	Leverage    int
	Timeframe   string
	Confidence  float64
	RawText     string
}

// Valid reports whether the intent can be promoted to a Signal.
func (p ParsedIntent) Valid() bool {
	return p.Asset != "" && p.Direction != "" && p.Entry > 0 && p.StopLoss > 0
}
