package ledger

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/risk"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

// DefaultMaxSlippage bounds simulated entry slippage to 0.1% of entry.
const DefaultMaxSlippage = 0.001

// Publisher receives ledger events. *events.Bus satisfies it.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Config configures a Ledger.
type Config struct {
	InitialBalance float64
	MaxSlippage    float64 // fraction of entry; 0 uses DefaultMaxSlippage, negative disables
	FeeRate        float64 // commission per side as a fraction of notional
	Now            func() time.Time
	Rand           *rand.Rand
	Publisher      Publisher
	OnClose        func(Trade) // invoked after every close, outside the ledger lock
	Logger         *zap.Logger
}

// Ledger is the single owner of positions, trades and the portfolio.
//
// All mutations go through l.mu. Callers that validate against the ledger and
// then open (risk check, then Reserve) hold LockSymbol for the whole span;
// UpdatePrice and Close take the same symbol lock themselves.
type Ledger struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	rng       *rand.Rand
	portfolio Portfolio
	positions map[string]*Position
	trades    map[string]*Trade
	order     []string
	pending   map[string]string // symbol -> pending trade id
	locks     *symbolLocks
}

// New creates a ledger with a fresh portfolio.
func New(cfg Config) *Ledger {
	if cfg.MaxSlippage == 0 {
		cfg.MaxSlippage = DefaultMaxSlippage
	}
	if cfg.MaxSlippage < 0 {
		cfg.MaxSlippage = 0
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		cfg:       cfg,
		logger:    logger,
		now:       now,
		rng:       rng,
		positions: make(map[string]*Position),
		trades:    make(map[string]*Trade),
		pending:   make(map[string]string),
		locks:     newSymbolLocks(),
	}
	l.portfolio = Portfolio{
		InitialBalance: cfg.InitialBalance,
		CurrentBalance: cfg.InitialBalance,
		PeakBalance:    cfg.InitialBalance,
		UpdatedAt:      now(),
	}
	l.recomputeLocked()
	return l
}

// LockSymbol acquires the per-symbol exclusive section and returns its release.
func (l *Ledger) LockSymbol(symbol string) func() {
	return l.locks.lock(symbol)
}

// Open reserves and immediately confirms a trade with simulated slippage.
func (l *Ledger) Open(sig signal.Signal, size float64) (Trade, error) {
	t, err := l.Reserve(sig, size)
	if err != nil {
		return Trade{}, err
	}
	return l.Confirm(t.ID, 0, "")
}

// Reserve creates a pending trade for sig and reserves its margin at the
// requested entry. The symbol slot is taken until Confirm or Cancel.
func (l *Ledger) Reserve(sig signal.Signal, size float64) (Trade, error) {
	if sig.Asset == "" || sig.Direction == "" {
		return Trade{}, ErrSignalNotPromotable
	}
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return Trade{}, ErrInvalidSize
	}
	if sig.Entry <= 0 {
		return Trade{}, ErrInvalidPrice
	}
	leverage := sig.Leverage
	if leverage < signal.MinLeverage {
		leverage = signal.MinLeverage
	}

	l.mu.Lock()
	if _, ok := l.positions[sig.Asset]; ok {
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s", ErrPositionExists, sig.Asset)
	}
	if _, ok := l.pending[sig.Asset]; ok {
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s", ErrPositionExists, sig.Asset)
	}

	margin := size * sig.Entry / float64(leverage)
	if margin > l.portfolio.AvailableBalance {
		available := l.portfolio.AvailableBalance
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: need %.2f, available %.2f", ErrInsufficientMargin, margin, available)
	}

	now := l.now()
	t := &Trade{
		ID:          uuid.NewString(),
		SignalID:    sig.ID,
		Symbol:      sig.Asset,
		Side:        sig.Direction,
		Entry:       sig.Entry,
		EntryTime:   now,
		Quantity:    size,
		Leverage:    leverage,
		Status:      StatusPending,
		StopLoss:    sig.StopLoss,
		TakeProfits: append([]float64(nil), sig.TakeProfits...),
		Margin:      margin,
	}
	l.trades[t.ID] = t
	l.order = append(l.order, t.ID)
	l.pending[t.Symbol] = t.ID
	l.portfolio.MarginUsed += margin
	l.portfolio.UpdatedAt = now
	l.recomputeLocked()
	out := t.clone()
	pf := l.portfolio
	l.mu.Unlock()

	l.logger.Debug("trade reserved",
		zap.String("trade_id", out.ID),
		zap.String("symbol", out.Symbol),
		zap.Float64("margin", margin))
	l.publish(events.EventPortfolioUpdated, pf)
	return out, nil
}

// Confirm fills a pending trade and opens its position. A fillPrice of 0
// simulates adverse slippage from the requested entry; any fill is kept
// within MaxSlippage of the requested entry and within the available balance.
func (l *Ledger) Confirm(tradeID string, fillPrice float64, orderID string) (Trade, error) {
	l.mu.Lock()
	t, ok := l.trades[tradeID]
	if !ok {
		l.mu.Unlock()
		return Trade{}, ErrTradeNotFound
	}
	if t.Status != StatusPending {
		l.mu.Unlock()
		return Trade{}, ErrTradeNotPending
	}

	now := l.now()
	price := l.fillPriceLocked(t, fillPrice)
	margin := t.Quantity * price / float64(t.Leverage)
	// a slipped fill may only take up what is still available
	if room := t.Margin + math.Max(l.portfolio.AvailableBalance, 0); margin > room {
		margin = room
		price = margin * float64(t.Leverage) / t.Quantity
	}

	l.portfolio.MarginUsed += margin - t.Margin
	t.Entry = price
	t.EntryTime = now
	t.Margin = margin
	t.Commission = price * t.Quantity * l.cfg.FeeRate
	t.OrderID = orderID
	t.Status = StatusOpen
	delete(l.pending, t.Symbol)

	pos := &Position{
		Symbol:       t.Symbol,
		TradeID:      t.ID,
		Side:         t.Side,
		Entry:        price,
		Quantity:     t.Quantity,
		Leverage:     t.Leverage,
		Margin:       margin,
		CurrentPrice: price,
		StopLoss:     t.StopLoss,
		TakeProfits:  append([]float64(nil), t.TakeProfits...),
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	l.positions[t.Symbol] = pos
	l.portfolio.UpdatedAt = now
	l.recomputeLocked()

	out := t.clone()
	posOut := pos.clone()
	pf := l.portfolio
	l.mu.Unlock()

	l.logger.Info("trade opened",
		zap.String("trade_id", out.ID),
		zap.String("symbol", out.Symbol),
		zap.String("side", string(out.Side)),
		zap.Float64("entry", out.Entry),
		zap.Float64("quantity", out.Quantity),
		zap.Int("leverage", out.Leverage))
	l.publish(events.EventTradeOpened, out)
	l.publish(events.EventPositionUpdated, posOut)
	l.publish(events.EventPortfolioUpdated, pf)
	return out, nil
}

// Cancel abandons a pending trade and releases its margin.
func (l *Ledger) Cancel(tradeID string) (Trade, error) {
	l.mu.Lock()
	t, ok := l.trades[tradeID]
	if !ok {
		l.mu.Unlock()
		return Trade{}, ErrTradeNotFound
	}
	if t.Status != StatusPending {
		l.mu.Unlock()
		return Trade{}, ErrTradeNotPending
	}
	now := l.now()
	l.portfolio.MarginUsed -= t.Margin
	l.portfolio.UpdatedAt = now
	t.Status = StatusCancelled
	t.ExitTime = &now
	delete(l.pending, t.Symbol)
	l.recomputeLocked()
	out := t.clone()
	pf := l.portfolio
	l.mu.Unlock()

	l.logger.Info("trade cancelled", zap.String("trade_id", out.ID), zap.String("symbol", out.Symbol))
	l.publish(events.EventTradeCancelled, out)
	l.publish(events.EventPortfolioUpdated, pf)
	return out, nil
}

// UpdatePrice marks the symbol's position to price and closes it when the
// stop or the nearest target is crossed. It returns the closed trade, if any.
func (l *Ledger) UpdatePrice(symbol string, price float64) (*Trade, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil, ErrInvalidPrice
	}
	unlock := l.LockSymbol(symbol)
	defer unlock()

	l.mu.Lock()
	pos, ok := l.positions[symbol]
	if !ok {
		l.mu.Unlock()
		return nil, nil
	}
	now := l.now()
	markLocked(pos, price, now)

	reason, exit, hit := checkTriggers(pos, price)
	if !hit {
		posOut := pos.clone()
		l.mu.Unlock()
		l.publish(events.EventPositionUpdated, posOut)
		return nil, nil
	}

	t := l.trades[pos.TradeID]
	closed, pf := l.closeLocked(t, exit, reason, now)
	l.mu.Unlock()

	l.afterClose(closed, pf)
	return &closed, nil
}

// Close closes an open trade at price. A non-positive price uses the
// position's last marked price. Closing a trade twice fails with
// ErrTradeNotOpen and leaves state untouched.
func (l *Ledger) Close(tradeID string, price float64, reason CloseReason) (Trade, error) {
	l.mu.RLock()
	t, ok := l.trades[tradeID]
	var symbol string
	if ok {
		symbol = t.Symbol
	}
	l.mu.RUnlock()
	if !ok {
		return Trade{}, ErrTradeNotFound
	}

	unlock := l.LockSymbol(symbol)
	defer unlock()

	l.mu.Lock()
	if t.Status != StatusOpen {
		l.mu.Unlock()
		return Trade{}, ErrTradeNotOpen
	}
	if price <= 0 {
		if pos, ok := l.positions[symbol]; ok {
			price = pos.CurrentPrice
		} else {
			price = t.Entry
		}
	}
	if reason == "" {
		reason = ReasonManual
	}
	closed, pf := l.closeLocked(t, price, reason, l.now())
	l.mu.Unlock()

	l.afterClose(closed, pf)
	return closed, nil
}

func (l *Ledger) closeLocked(t *Trade, price float64, reason CloseReason, now time.Time) (Trade, Portfolio) {
	pnl, pct := pnlAt(t.Side, t.Entry, price, t.Quantity, t.Leverage)
	t.Commission += price * t.Quantity * l.cfg.FeeRate
	t.ExitPrice = price
	t.ExitTime = &now
	t.ExitReason = reason
	t.RealizedPnL = pnl - t.Commission
	t.RealizedPnLPercent = pct
	t.Status = StatusClosed

	p := &l.portfolio
	p.MarginUsed -= t.Margin
	p.CurrentBalance += t.RealizedPnL
	p.TotalPnL += t.RealizedPnL
	p.TotalTrades++
	if t.RealizedPnL > 0 {
		p.WinningTrades++
	} else {
		p.LosingTrades++
	}
	p.UpdatedAt = now
	delete(l.positions, t.Symbol)
	l.recomputeLocked()
	return t.clone(), l.portfolio
}

func (l *Ledger) afterClose(t Trade, pf Portfolio) {
	l.logger.Info("trade closed",
		zap.String("trade_id", t.ID),
		zap.String("symbol", t.Symbol),
		zap.String("reason", string(t.ExitReason)),
		zap.Float64("exit", t.ExitPrice),
		zap.Float64("realized_pnl", t.RealizedPnL))
	l.publish(events.EventTradeClosed, t)
	l.publish(events.EventPortfolioUpdated, pf)
	if l.cfg.OnClose != nil {
		l.cfg.OnClose(t)
	}
}

// recomputeLocked refreshes the derived portfolio fields.
func (l *Ledger) recomputeLocked() {
	p := &l.portfolio
	if math.Abs(p.MarginUsed) < 1e-9 {
		p.MarginUsed = 0
	}
	p.AvailableBalance = p.CurrentBalance - p.MarginUsed
	p.OpenPositions = len(l.positions)
	if p.InitialBalance > 0 {
		p.TotalPnLPercent = p.TotalPnL / p.InitialBalance * 100
	}
	if p.TotalTrades > 0 {
		p.WinRate = float64(p.WinningTrades) / float64(p.TotalTrades) * 100
	} else {
		p.WinRate = 0
	}
	if p.CurrentBalance > p.PeakBalance {
		p.PeakBalance = p.CurrentBalance
	}
	if p.PeakBalance > 0 {
		if dd := (p.PeakBalance - p.CurrentBalance) / p.PeakBalance * 100; dd > p.MaxDrawdown {
			p.MaxDrawdown = dd
		}
	}
}

// fillPriceLocked applies bounded slippage and never lets the fill cross the
// stop or the nearest target.
func (l *Ledger) fillPriceLocked(t *Trade, fill float64) float64 {
	requested := t.Entry
	bound := l.cfg.MaxSlippage
	if fill <= 0 {
		slip := l.rng.Float64() * bound
		if t.Side == signal.Short {
			fill = requested * (1 - slip)
		} else {
			fill = requested * (1 + slip)
		}
	}
	lo, hi := requested*(1-bound), requested*(1+bound)
	if fill < lo {
		fill = lo
	}
	if fill > hi {
		fill = hi
	}

	target := nearestTarget(t.Side, t.TakeProfits)
	switch t.Side {
	case signal.Short:
		if (t.StopLoss > 0 && fill >= t.StopLoss) || (target > 0 && fill <= target) {
			return requested
		}
	default:
		if (t.StopLoss > 0 && fill <= t.StopLoss) || (target > 0 && fill >= target) {
			return requested
		}
	}
	return fill
}

func (l *Ledger) publish(e events.Event, payload any) {
	if l.cfg.Publisher != nil {
		l.cfg.Publisher.Publish(e, payload)
	}
}

// Portfolio returns a snapshot of the account aggregate.
func (l *Ledger) Portfolio() Portfolio {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.portfolio
}

// Positions returns open positions sorted by symbol.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns the open position for symbol.
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return p.clone(), true
}

// Symbols returns the symbols with an open position.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.positions))
	for s := range l.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Trade returns one trade by id.
func (l *Ledger) Trade(id string) (Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.trades[id]
	if !ok {
		return Trade{}, false
	}
	return t.clone(), true
}

// Trades lists trades newest first.
func (l *Ledger) Trades(f TradeFilter) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Trade, 0)
	for i := len(l.order) - 1; i >= 0; i-- {
		t := l.trades[l.order[i]]
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Symbol != "" && t.Symbol != f.Symbol {
			continue
		}
		out = append(out, t.clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Exposures returns the risk view of open and pending trades.
func (l *Ledger) Exposures() []risk.Exposure {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]risk.Exposure, 0, len(l.positions)+len(l.pending))
	for _, p := range l.positions {
		out = append(out, risk.Exposure{Symbol: p.Symbol, Side: p.Side, Entry: p.Entry, StopLoss: p.StopLoss, Quantity: p.Quantity})
	}
	for _, id := range l.pending {
		t := l.trades[id]
		out = append(out, risk.Exposure{Symbol: t.Symbol, Side: t.Side, Entry: t.Entry, StopLoss: t.StopLoss, Quantity: t.Quantity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Restore replaces ledger state with persisted data. Open trades get their
// stored position back, or one rebuilt from the trade; pending trades whose
// fill is unknown are cancelled. Margin and counters are recomputed.
func (l *Ledger) Restore(pf Portfolio, trades []Trade, positions []Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	byTrade := make(map[string]Position, len(positions))
	for _, p := range positions {
		byTrade[p.TradeID] = p
	}
	sorted := append([]Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EntryTime.Before(sorted[j].EntryTime) })

	now := l.now()
	l.positions = make(map[string]*Position)
	l.trades = make(map[string]*Trade, len(sorted))
	l.pending = make(map[string]string)
	l.order = l.order[:0]
	margin := 0.0
	for _, tr := range sorted {
		t := tr.clone()
		switch t.Status {
		case StatusPending:
			t.Status = StatusCancelled
			t.ExitTime = &now
		case StatusOpen:
			if _, dup := l.positions[t.Symbol]; dup {
				l.logger.Warn("duplicate open trade on restore; keeping first",
					zap.String("trade_id", t.ID), zap.String("symbol", t.Symbol))
				t.Status = StatusCancelled
				t.ExitTime = &now
				break
			}
			pos, ok := byTrade[t.ID]
			if !ok {
				pos = Position{
					Symbol: t.Symbol, TradeID: t.ID, Side: t.Side, Entry: t.Entry,
					Quantity: t.Quantity, Leverage: t.Leverage, Margin: t.Margin,
					CurrentPrice: t.Entry, StopLoss: t.StopLoss,
					TakeProfits: append([]float64(nil), t.TakeProfits...),
					OpenedAt:    t.EntryTime, UpdatedAt: now,
				}
			}
			p := pos.clone()
			markLocked(&p, p.CurrentPrice, p.UpdatedAt)
			l.positions[t.Symbol] = &p
			margin += t.Margin
		}
		l.trades[t.ID] = &t
		l.order = append(l.order, t.ID)
	}

	if pf.InitialBalance > 0 {
		l.portfolio = pf
	}
	l.portfolio.MarginUsed = margin
	if l.portfolio.PeakBalance < l.portfolio.CurrentBalance {
		l.portfolio.PeakBalance = l.portfolio.CurrentBalance
	}
	l.recomputeLocked()
	l.logger.Info("ledger restored",
		zap.Int("trades", len(l.trades)),
		zap.Int("open_positions", len(l.positions)),
		zap.Float64("balance", l.portfolio.CurrentBalance))
}

func (p Position) clone() Position {
	c := p
	c.TakeProfits = append([]float64(nil), p.TakeProfits...)
	return c
}
