package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrNoPrice          = errors.New("no reference price for symbol")
	ErrSimulatedFailure = errors.New("simulated broker failure")
	ErrOffline          = errors.New("paper executor offline")
)

// PriceSource supplies the latest mark price when a request carries none.
type PriceSource interface {
	Get(symbol string) (float64, bool)
}

// PaperConfig tunes the simulation.
type PaperConfig struct {
	SlippageBps  float64 // adverse slippage upper bound in basis points
	LatencyMinMs int     // simulated gateway latency lower bound
	LatencyMaxMs int     // simulated gateway latency upper bound
	FailureRate  float64 // probability in [0,1] that a placement fails
	MaxOrders    int     // orders kept for inspection
	Prices       PriceSource
	Rand         *rand.Rand
	Logger       *zap.Logger
	Now          func() time.Time
}

// PaperExecutor fills orders in memory with bounded slippage and latency.
type PaperExecutor struct {
	cfg    PaperConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	rng     *rand.Rand
	orders  []Order
	offline bool
}

// NewPaperExecutor creates a paper executor.
func NewPaperExecutor(cfg PaperConfig) *PaperExecutor {
	if cfg.LatencyMaxMs > 0 && cfg.LatencyMinMs > cfg.LatencyMaxMs {
		cfg.LatencyMinMs, cfg.LatencyMaxMs = cfg.LatencyMaxMs, cfg.LatencyMinMs
	}
	if cfg.LatencyMinMs < 0 {
		cfg.LatencyMinMs = 0
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = 500
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &PaperExecutor{cfg: cfg, logger: logger.Named("paper"), now: now, rng: rng}
}

// Place simulates a market order.
func (p *PaperExecutor) Place(ctx context.Context, req autoexec.PlaceRequest) (autoexec.Fill, error) {
	if req.Symbol == "" || req.Size <= 0 || (req.Side != signal.Long && req.Side != signal.Short) {
		return autoexec.Fill{}, fmt.Errorf("%w: %+v", ErrInvalidOrder, req)
	}

	price := req.Price
	if price <= 0 && p.cfg.Prices != nil {
		price, _ = p.cfg.Prices.Get(req.Symbol)
	}
	if price <= 0 {
		return autoexec.Fill{}, fmt.Errorf("%w: %s", ErrNoPrice, req.Symbol)
	}

	o := Order{
		ID:             uuid.NewString(),
		SignalID:       req.SignalID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Qty:            req.Size,
		Leverage:       req.Leverage,
		RequestedPrice: price,
		CreatedAt:      p.now(),
	}

	delay, fail, noise, offline := p.draw()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return autoexec.Fill{}, ctx.Err()
		}
	}

	if offline || fail {
		err := ErrSimulatedFailure
		if offline {
			err = ErrOffline
		}
		o.Status = StatusRejected
		o.Error = err.Error()
		p.store(o)
		p.logger.Warn("paper order rejected", zap.String("symbol", o.Symbol), zap.Error(err))
		return autoexec.Fill{}, err
	}

	fill := price * (1 + noise)
	if req.Side == signal.Short {
		fill = price * (1 - noise)
	}
	filled := p.now()
	o.FillPrice = fill
	o.Status = StatusFilled
	o.FilledAt = &filled
	p.store(o)

	p.logger.Info("paper order filled",
		zap.String("order_id", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("qty", o.Qty),
		zap.Float64("price", fill),
		zap.Duration("latency", delay))
	return autoexec.Fill{OrderID: o.ID, AvgPrice: fill}, nil
}

// draw samples latency, failure and slippage under the rng lock.
func (p *PaperExecutor) draw() (delay time.Duration, fail bool, noise float64, offline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.LatencyMaxMs > 0 {
		ms := p.cfg.LatencyMinMs
		if span := p.cfg.LatencyMaxMs - p.cfg.LatencyMinMs; span > 0 {
			ms += p.rng.Intn(span + 1)
		}
		delay = time.Duration(ms) * time.Millisecond
	}
	if p.cfg.FailureRate > 0 {
		fail = p.rng.Float64() < p.cfg.FailureRate
	}
	if frac := p.cfg.SlippageBps / 10000.0; frac > 0 {
		noise = p.rng.Float64() * frac
	}
	return delay, fail, noise, p.offline
}

func (p *PaperExecutor) store(o Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, o)
	if over := len(p.orders) - p.cfg.MaxOrders; over > 0 {
		p.orders = append([]Order(nil), p.orders[over:]...)
	}
}

// Orders returns up to limit recent orders, newest first.
func (p *PaperExecutor) Orders(limit int) []Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit <= 0 || limit > len(p.orders) {
		limit = len(p.orders)
	}
	out := make([]Order, 0, limit)
	for i := len(p.orders) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, p.orders[i])
	}
	return out
}

// SetOffline makes every placement and ping fail until cleared.
func (p *PaperExecutor) SetOffline(v bool) {
	p.mu.Lock()
	p.offline = v
	p.mu.Unlock()
}

// Ping reports whether the simulated gateway is reachable.
func (p *PaperExecutor) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return ErrOffline
	}
	return nil
}
