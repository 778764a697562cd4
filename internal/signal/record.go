package signal

import (
	"fmt"

	"github.com/robinzi2001-cell/trading-ai/pkg/record"
)

// ToRecord flattens the signal for storage and transport.
func (s Signal) ToRecord() record.Record {
	tps := s.TakeProfits
	if tps == nil {
		tps = []float64{}
	}
	return record.Record{
		"id":           s.ID,
		"source":       string(s.Source),
		"asset":        s.Asset,
		"direction":    string(s.Direction),
		"entry_price":  s.Entry,
		"stop_loss":    s.StopLoss,
		"take_profits": tps,
		"leverage":     s.Leverage,
		"confidence":   s.Confidence,
		"timeframe":    s.Timeframe,
		"market_type":  string(s.MarketType),
		"raw_text":     s.RawText,
		"metadata":     s.Metadata,
		"executed":     s.Executed,
		"dismissed":    s.Dismissed,
		"created_at":   record.FormatTime(s.CreatedAt),
	}
}

// FromRecord rebuilds a Signal from its flat representation. Values may be
// strings or numbers; the result is validated like New.
func FromRecord(r record.Record) (Signal, error) {
	var (
		s   Signal
		err error
	)
	s.ID = record.String(r, "id")
	if s.ID == "" {
		return Signal{}, fmt.Errorf("signal record: missing id")
	}

	src, ok := ParseSource(record.String(r, "source"))
	if !ok {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, ErrUnknownSource)
	}
	s.Source = src

	dir, ok := ParseDirection(record.String(r, "direction"))
	if !ok {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, ErrIncomplete)
	}
	s.Direction = dir
	s.Asset = NormalizeAsset(record.String(r, "asset"))

	if s.Entry, err = record.Float(r, "entry_price"); err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	if s.StopLoss, err = record.Float(r, "stop_loss"); err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	tps, err := record.Floats(r, "take_profits")
	if err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	s.TakeProfits = NormalizeTargets(tps)
	if s.Leverage, err = record.Int(r, "leverage"); err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	if s.Confidence, err = record.Float(r, "confidence"); err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	if s.Metadata, err = record.Map(r, "metadata"); err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	if s.Executed, err = record.Bool(r, "executed"); err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	if s.Dismissed, err = record.Bool(r, "dismissed"); err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	if s.CreatedAt, err = record.Time(r, "created_at"); err != nil {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, err)
	}
	s.Timeframe = record.String(r, "timeframe")
	s.RawText = record.String(r, "raw_text")

	if s.Asset == "" {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, ErrIncomplete)
	}
	if s.Entry <= 0 || s.StopLoss <= 0 {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, ErrInvalidPrice)
	}
	if s.Entry == s.StopLoss {
		return Signal{}, fmt.Errorf("signal record %s: %w", s.ID, ErrStopEqualsEntry)
	}
	if s.Leverage == 0 {
		s.Leverage = MinLeverage
	}
	s.Leverage = clampLeverage(s.Leverage)
	s.MarketType = MarketType(record.String(r, "market_type"))
	if s.MarketType == "" {
		s.MarketType = MarketTypeOf(s.Asset)
	}
	return s, nil
}
