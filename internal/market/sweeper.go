package market

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
)

// Marker applies a mark price and reports an auto-close. *ledger.Ledger
// satisfies it.
type Marker interface {
	UpdatePrice(symbol string, price float64) (*ledger.Trade, error)
}

// PriceStore caches the latest mark. *cache.Prices satisfies it.
type PriceStore interface {
	Set(symbol string, price float64)
}

// TickObserver receives every valid mark. *indicators.Engine satisfies it.
type TickObserver interface {
	Observe(symbol string, price float64)
}

// Sweeper feeds price ticks from the bus into the cache and the ledger so
// that stops and targets fire.
type Sweeper struct {
	Bus      *events.Bus
	Book     Marker
	Cache    PriceStore
	Observer TickObserver
	Buffer   int
	Logger   *zap.Logger

	wg sync.WaitGroup
}

// Start subscribes to price ticks until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.Bus == nil || s.Book == nil {
		s.logger().Warn("sweeper not fully configured; skipping")
		return
	}
	if s.Buffer <= 0 {
		s.Buffer = 1024
	}
	ticks, unsub := s.Bus.Subscribe(events.EventPriceTick, s.Buffer)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ticks:
				if !ok {
					return
				}
				if tick, ok := msg.(events.PriceTick); ok {
					s.Apply(tick)
				}
			}
		}
	}()
}

// Apply handles one tick synchronously.
func (s *Sweeper) Apply(tick events.PriceTick) *ledger.Trade {
	if tick.Price <= 0 {
		return nil
	}
	if s.Cache != nil {
		s.Cache.Set(tick.Symbol, tick.Price)
	}
	if s.Observer != nil {
		s.Observer.Observe(tick.Symbol, tick.Price)
	}
	closed, err := s.Book.UpdatePrice(tick.Symbol, tick.Price)
	if err != nil {
		s.logger().Warn("mark update failed", zap.String("symbol", tick.Symbol), zap.Error(err))
		return nil
	}
	if closed != nil {
		s.logger().Info("position auto-closed",
			zap.String("trade_id", closed.ID),
			zap.String("symbol", closed.Symbol),
			zap.String("reason", string(closed.ExitReason)),
			zap.Float64("exit", closed.ExitPrice))
	}
	return closed
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// Wait blocks until the consumer goroutine exits.
func (s *Sweeper) Wait() { s.wg.Wait() }
