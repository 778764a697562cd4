package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/events"
)

// Publisher receives price ticks. *events.Bus satisfies it.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// MockFeed generates synthetic random-walk ticks for local development and
// paper trading.
type MockFeed struct {
	Bus         Publisher
	Symbols     []string
	StartPrices map[string]float64 // per symbol; missing symbols start at 100
	Volatility  float64            // max relative move per tick, default 0.001
	Interval    time.Duration
	Rand        *rand.Rand
	Logger      *zap.Logger

	mu     sync.Mutex
	prices map[string]float64
	wg     sync.WaitGroup
}

// Start publishes one tick per symbol every Interval until ctx is done.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Bus == nil {
		m.Logger.Warn("mock feed: bus not set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTC/USDT"}
	}
	if m.Volatility <= 0 {
		m.Volatility = 0.001
	}
	if m.Interval <= 0 {
		m.Interval = time.Second
	}
	if m.Rand == nil {
		m.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	m.mu.Lock()
	m.prices = make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		p := m.StartPrices[sym]
		if p <= 0 {
			p = 100
		}
		m.prices[sym] = p
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Step()
			}
		}
	}()
}

// Step advances every symbol once and publishes the ticks.
func (m *MockFeed) Step() {
	m.mu.Lock()
	ticks := make([]events.PriceTick, 0, len(m.Symbols))
	for _, sym := range m.Symbols {
		p := m.prices[sym] * (1 + (m.Rand.Float64()*2-1)*m.Volatility)
		m.prices[sym] = p
		ticks = append(ticks, events.PriceTick{Symbol: sym, Price: p})
	}
	m.mu.Unlock()

	for _, tick := range ticks {
		m.Bus.Publish(events.EventPriceTick, tick)
	}
}

// Override pins a symbol's current price, e.g. from a manual mark update.
func (m *MockFeed) Override(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.prices[symbol]; ok && price > 0 {
		m.prices[symbol] = price
	}
}

// Wait blocks until the feed goroutine exits.
func (m *MockFeed) Wait() { m.wg.Wait() }
