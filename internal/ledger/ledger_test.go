package ledger

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

var fixedNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(balance float64) *Ledger {
	return New(Config{
		InitialBalance: balance,
		MaxSlippage:    -1,
		Now:            func() time.Time { return fixedNow },
	})
}

func testSignal(asset string, dir signal.Direction, entry, stop float64, leverage int, tps ...float64) signal.Signal {
	return signal.Signal{
		ID:          "sig-" + asset,
		Source:      signal.SourceManual,
		Asset:       asset,
		Direction:   dir,
		Entry:       entry,
		StopLoss:    stop,
		TakeProfits: tps,
		Leverage:    leverage,
		Confidence:  0.9,
		CreatedAt:   fixedNow,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func assertBalanceInvariant(t *testing.T, p Portfolio) {
	t.Helper()
	if !almostEqual(p.AvailableBalance, p.CurrentBalance-p.MarginUsed) {
		t.Fatalf("available=%v current=%v margin=%v: available != current - margin",
			p.AvailableBalance, p.CurrentBalance, p.MarginUsed)
	}
}

func TestOpenReservesMargin(t *testing.T) {
	l := newTestLedger(10000)

	trade, err := l.Open(testSignal("BTC/USDT", signal.Long, 100, 95, 2, 110), 40)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if trade.Status != StatusOpen || trade.Entry != 100 {
		t.Fatalf("trade=%+v, expected open at 100", trade)
	}

	p := l.Portfolio()
	if p.MarginUsed != 2000 {
		t.Fatalf("margin=%v, expected 2000", p.MarginUsed)
	}
	if p.OpenPositions != 1 {
		t.Fatalf("open positions=%d, expected 1", p.OpenPositions)
	}
	assertBalanceInvariant(t, p)

	if _, err := l.Open(testSignal("BTC/USDT", signal.Short, 100, 105, 1), 1); !errors.Is(err, ErrPositionExists) {
		t.Fatalf("err=%v, expected ErrPositionExists", err)
	}
}

func TestOpenRejectsInsufficientMargin(t *testing.T) {
	l := newTestLedger(1000)
	_, err := l.Open(testSignal("ETH/USDT", signal.Long, 100, 90, 1), 20)
	if !errors.Is(err, ErrInsufficientMargin) {
		t.Fatalf("err=%v, expected ErrInsufficientMargin", err)
	}
	if got := l.Portfolio().MarginUsed; got != 0 {
		t.Fatalf("margin=%v after failed open, expected 0", got)
	}
}

func TestSimulatedSlippageIsBounded(t *testing.T) {
	l := New(Config{
		InitialBalance: 1e9,
		Rand:           rand.New(rand.NewSource(7)),
		Now:            func() time.Time { return fixedNow },
	})
	for i, dir := range []signal.Direction{signal.Long, signal.Short, signal.Long, signal.Short} {
		stop := 900.0
		if dir == signal.Short {
			stop = 1100
		}
		sig := testSignal(string(rune('A'+i))+"/USDT", dir, 1000, stop, 1)
		trade, err := l.Open(sig, 1)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		move := (trade.Entry - 1000) / 1000
		if math.Abs(move) > DefaultMaxSlippage+1e-12 {
			t.Fatalf("slippage %v exceeds bound", move)
		}
		if dir == signal.Long && move < 0 || dir == signal.Short && move > 0 {
			t.Fatalf("%s fill %v moved in the favourable direction", dir, trade.Entry)
		}
	}
}

func TestFillNeverCrossesTarget(t *testing.T) {
	l := newTestLedger(10000)
	l.cfg.MaxSlippage = 0.01
	sig := testSignal("SOL/USDT", signal.Long, 100, 95, 1, 100.05)

	res, err := l.Reserve(sig, 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	trade, err := l.Confirm(res.ID, 100.5, "order-1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if trade.Entry != 100 {
		t.Fatalf("entry=%v, expected requested entry when fill crosses the target", trade.Entry)
	}
	if trade.OrderID != "order-1" {
		t.Fatalf("order id=%q", trade.OrderID)
	}
}

func TestSlippedFillStaysWithinAvailableBalance(t *testing.T) {
	l := newTestLedger(1000)
	l.cfg.MaxSlippage = 0.01
	sig := testSignal("BTC/USDT", signal.Long, 100, 95, 1, 120)

	res, err := l.Reserve(sig, 10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := l.Portfolio().AvailableBalance; !almostEqual(got, 0) {
		t.Fatalf("available=%v after full reservation, expected 0", got)
	}

	trade, err := l.Confirm(res.ID, 101, "order-1")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if trade.Entry > 100+1e-9 {
		t.Fatalf("entry=%v, expected fill held at 100", trade.Entry)
	}
	p := l.Portfolio()
	if p.AvailableBalance < -1e-9 {
		t.Fatalf("available=%v, expected non-negative", p.AvailableBalance)
	}
	if p.MarginUsed > p.CurrentBalance+1e-9 {
		t.Fatalf("margin=%v exceeds balance %v", p.MarginUsed, p.CurrentBalance)
	}
	assertBalanceInvariant(t, p)
}

func TestUnrealizedPnLFollowsSide(t *testing.T) {
	tests := []struct {
		name        string
		dir         signal.Direction
		stop        float64
		price       float64
		wantPnL     float64
		wantPercent float64
	}{
		{"long gains", signal.Long, 90, 110, 10 * 2 * 3, 10},
		{"long loses", signal.Long, 90, 95, -5 * 2 * 3, -5},
		{"short gains", signal.Short, 110, 95, 5 * 2 * 3, 5},
		{"short loses", signal.Short, 120, 110, -10 * 2 * 3, -10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(10000)
			if _, err := l.Open(testSignal("BTC/USDT", tt.dir, 100, tt.stop, 3), 2); err != nil {
				t.Fatalf("Open: %v", err)
			}
			closed, err := l.UpdatePrice("BTC/USDT", tt.price)
			if err != nil || closed != nil {
				t.Fatalf("UpdatePrice closed=%v err=%v, expected no close", closed, err)
			}
			pos, ok := l.Position("BTC/USDT")
			if !ok {
				t.Fatal("position missing")
			}
			if !almostEqual(pos.UnrealizedPnL, tt.wantPnL) {
				t.Fatalf("pnl=%v, expected %v", pos.UnrealizedPnL, tt.wantPnL)
			}
			if !almostEqual(pos.UnrealizedPnLPercent, tt.wantPercent) {
				t.Fatalf("pnl%%=%v, expected %v", pos.UnrealizedPnLPercent, tt.wantPercent)
			}
		})
	}
}

func TestAutoClose(t *testing.T) {
	tests := []struct {
		name       string
		dir        signal.Direction
		stop       float64
		targets    []float64
		price      float64
		wantReason CloseReason
		wantExit   float64
	}{
		{"long stop", signal.Long, 95, []float64{110, 120}, 94, ReasonStopLoss, 95},
		{"long nearest target", signal.Long, 95, []float64{110, 120}, 112, ReasonTakeProfit, 110},
		{"short stop", signal.Short, 105, []float64{80, 90}, 106, ReasonStopLoss, 105},
		{"short nearest target", signal.Short, 105, []float64{80, 90}, 89, ReasonTakeProfit, 90},
		{"long stop at exact level", signal.Long, 95, nil, 95, ReasonStopLoss, 95},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(10000)
			opened, err := l.Open(testSignal("BTC/USDT", tt.dir, 100, tt.stop, 1, tt.targets...), 10)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			closed, err := l.UpdatePrice("BTC/USDT", tt.price)
			if err != nil {
				t.Fatalf("UpdatePrice: %v", err)
			}
			if closed == nil {
				t.Fatal("expected auto-close")
			}
			if closed.ID != opened.ID || closed.ExitReason != tt.wantReason || closed.ExitPrice != tt.wantExit {
				t.Fatalf("closed=%+v, expected %s at %v", closed, tt.wantReason, tt.wantExit)
			}
			if _, ok := l.Position("BTC/USDT"); ok {
				t.Fatal("position should be removed after close")
			}
			p := l.Portfolio()
			if p.MarginUsed != 0 || p.OpenPositions != 0 {
				t.Fatalf("portfolio=%+v, expected no margin and no positions", p)
			}
			assertBalanceInvariant(t, p)
		})
	}
}

func TestCloseUpdatesPortfolio(t *testing.T) {
	l := newTestLedger(10000)
	win, _ := l.Open(testSignal("BTC/USDT", signal.Long, 100, 90, 2), 10)
	loss, _ := l.Open(testSignal("ETH/USDT", signal.Short, 50, 60, 1), 10)

	closedWin, err := l.Close(win.ID, 110, ReasonManual)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closedWin.RealizedPnL != 200 || closedWin.RealizedPnLPercent != 10 {
		t.Fatalf("realized=%v pct=%v, expected 200 and 10", closedWin.RealizedPnL, closedWin.RealizedPnLPercent)
	}
	if _, err := l.Close(loss.ID, 55, ReasonExternal); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p := l.Portfolio()
	if p.CurrentBalance != 10000+200-50 {
		t.Fatalf("balance=%v, expected 10150", p.CurrentBalance)
	}
	if p.TotalTrades != 2 || p.WinningTrades != 1 || p.LosingTrades != 1 || p.WinRate != 50 {
		t.Fatalf("counters=%+v", p)
	}
	if !almostEqual(p.TotalPnLPercent, 1.5) {
		t.Fatalf("total pnl%%=%v, expected 1.5", p.TotalPnLPercent)
	}
	assertBalanceInvariant(t, p)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := newTestLedger(10000)
	trade, _ := l.Open(testSignal("BTC/USDT", signal.Long, 100, 90, 1), 1)
	if _, err := l.Close(trade.ID, 105, ReasonManual); err != nil {
		t.Fatalf("Close: %v", err)
	}
	before := l.Portfolio()

	if _, err := l.Close(trade.ID, 200, ReasonManual); !errors.Is(err, ErrTradeNotOpen) {
		t.Fatalf("err=%v, expected ErrTradeNotOpen", err)
	}
	if _, err := l.Close("missing", 100, ReasonManual); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("err=%v, expected ErrTradeNotFound", err)
	}
	if after := l.Portfolio(); after != before {
		t.Fatalf("portfolio changed on second close: %+v -> %+v", before, after)
	}
}

func TestCloseWithoutPriceUsesMark(t *testing.T) {
	l := newTestLedger(10000)
	trade, _ := l.Open(testSignal("BTC/USDT", signal.Long, 100, 90, 1, 150), 1)
	if _, err := l.UpdatePrice("BTC/USDT", 104); err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	closed, err := l.Close(trade.ID, 0, "")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.ExitPrice != 104 || closed.ExitReason != ReasonManual {
		t.Fatalf("closed=%+v, expected manual exit at 104", closed)
	}
}

func TestReserveCancelReleasesMargin(t *testing.T) {
	l := newTestLedger(10000)
	res, err := l.Reserve(testSignal("BTC/USDT", signal.Long, 100, 90, 1), 10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := l.Portfolio().MarginUsed; got != 1000 {
		t.Fatalf("margin=%v, expected 1000 reserved", got)
	}
	if len(l.Exposures()) != 1 {
		t.Fatal("pending trade should count as exposure")
	}
	if _, err := l.Reserve(testSignal("BTC/USDT", signal.Long, 100, 90, 1), 1); !errors.Is(err, ErrPositionExists) {
		t.Fatalf("err=%v, expected ErrPositionExists while pending", err)
	}

	cancelled, err := l.Cancel(res.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status=%s", cancelled.Status)
	}
	p := l.Portfolio()
	if p.MarginUsed != 0 || p.CurrentBalance != 10000 {
		t.Fatalf("portfolio=%+v, expected untouched balance", p)
	}
	if _, err := l.Cancel(res.ID); !errors.Is(err, ErrTradeNotPending) {
		t.Fatalf("err=%v, expected ErrTradeNotPending", err)
	}
}

func TestConcurrentOpensSameSymbol(t *testing.T) {
	l := newTestLedger(1e6)
	var (
		wg     sync.WaitGroup
		opened atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.LockSymbol("BTC/USDT")
			defer unlock()
			for _, e := range l.Exposures() {
				if e.Symbol == "BTC/USDT" {
					return
				}
			}
			if _, err := l.Open(testSignal("BTC/USDT", signal.Long, 100, 90, 1), 1); err == nil {
				opened.Add(1)
			}
		}()
	}
	wg.Wait()
	if opened.Load() != 1 {
		t.Fatalf("opened=%d, expected exactly one", opened.Load())
	}
	if l.locks.size() != 0 {
		t.Fatalf("symbol locks leaked: %d", l.locks.size())
	}
}

func TestConcurrentCloseAndPriceUpdate(t *testing.T) {
	l := newTestLedger(1e6)
	trade, _ := l.Open(testSignal("BTC/USDT", signal.Long, 100, 90, 1, 110), 1)

	var (
		wg     sync.WaitGroup
		closes atomic.Int32
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := l.Close(trade.ID, 105, ReasonManual); err == nil {
			closes.Add(1)
		}
	}()
	go func() {
		defer wg.Done()
		if closed, _ := l.UpdatePrice("BTC/USDT", 120); closed != nil {
			closes.Add(1)
		}
	}()
	wg.Wait()

	if closes.Load() != 1 {
		t.Fatalf("closes=%d, expected exactly one", closes.Load())
	}
	p := l.Portfolio()
	if p.TotalTrades != 1 {
		t.Fatalf("total trades=%d, expected 1", p.TotalTrades)
	}
	assertBalanceInvariant(t, p)
}

func TestLedgerPublishesEvents(t *testing.T) {
	bus := events.NewBus()
	opened, unsubOpen := bus.Subscribe(events.EventTradeOpened, 1)
	defer unsubOpen()
	closedCh, unsubClose := bus.Subscribe(events.EventTradeClosed, 1)
	defer unsubClose()

	var hooked atomic.Int32
	l := New(Config{
		InitialBalance: 10000,
		MaxSlippage:    -1,
		Publisher:      bus,
		OnClose:        func(Trade) { hooked.Add(1) },
	})
	trade, _ := l.Open(testSignal("BTC/USDT", signal.Long, 100, 90, 1), 1)
	if got := (<-opened).(Trade); got.ID != trade.ID {
		t.Fatalf("opened event=%+v", got)
	}
	if _, err := l.Close(trade.ID, 101, ReasonManual); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := (<-closedCh).(Trade); got.Status != StatusClosed {
		t.Fatalf("closed event=%+v", got)
	}
	if hooked.Load() != 1 {
		t.Fatalf("OnClose calls=%d, expected 1", hooked.Load())
	}
}

func TestRestoreRebuildsState(t *testing.T) {
	src := newTestLedger(10000)
	open, _ := src.Open(testSignal("BTC/USDT", signal.Long, 100, 90, 2), 10)
	closed, _ := src.Open(testSignal("ETH/USDT", signal.Long, 50, 40, 1), 2)
	if _, err := src.Close(closed.ID, 60, ReasonManual); err != nil {
		t.Fatalf("Close: %v", err)
	}
	pending, _ := src.Reserve(testSignal("SOL/USDT", signal.Short, 20, 25, 1), 5)

	var trades []Trade
	for _, tr := range src.Trades(TradeFilter{}) {
		rebuilt, err := TradeFromRecord(tr.ToRecord())
		if err != nil {
			t.Fatalf("TradeFromRecord: %v", err)
		}
		trades = append(trades, rebuilt)
	}
	pf, err := PortfolioFromRecord(src.Portfolio().ToRecord())
	if err != nil {
		t.Fatalf("PortfolioFromRecord: %v", err)
	}

	dst := newTestLedger(0)
	dst.Restore(pf, trades, nil)

	if _, ok := dst.Position("BTC/USDT"); !ok {
		t.Fatal("open position not restored")
	}
	if tr, _ := dst.Trade(pending.ID); tr.Status != StatusCancelled {
		t.Fatalf("pending trade status=%s, expected cancelled", tr.Status)
	}
	p := dst.Portfolio()
	if p.MarginUsed != open.Margin {
		t.Fatalf("margin=%v, expected %v", p.MarginUsed, open.Margin)
	}
	if p.CurrentBalance != 10020 || p.OpenPositions != 1 {
		t.Fatalf("portfolio=%+v", p)
	}
	assertBalanceInvariant(t, p)
}

func TestPositionRecordRoundTrip(t *testing.T) {
	l := newTestLedger(10000)
	if _, err := l.Open(testSignal("BTC/USDT", signal.Short, 100, 110, 2, 80, 90), 3); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.UpdatePrice("BTC/USDT", 95); err != nil {
		t.Fatalf("UpdatePrice: %v", err)
	}
	pos, _ := l.Position("BTC/USDT")
	got, err := PositionFromRecord(pos.ToRecord())
	if err != nil {
		t.Fatalf("PositionFromRecord: %v", err)
	}
	if got.UnrealizedPnL != pos.UnrealizedPnL || len(got.TakeProfits) != 2 || !got.UpdatedAt.Equal(pos.UpdatedAt) {
		t.Fatalf("round trip=%+v, expected %+v", got, pos)
	}
}
