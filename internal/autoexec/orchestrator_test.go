package autoexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
	"github.com/robinzi2001-cell/trading-ai/internal/risk"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExecutor struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (e *fakeExecutor) Place(ctx context.Context, req PlaceRequest) (Fill, error) {
	n := e.calls.Add(1)
	if e.block != nil {
		<-e.block
	}
	if e.err != nil {
		return Fill{}, e.err
	}
	return Fill{OrderID: fmt.Sprintf("order-%d", n), AvgPrice: req.Price}, nil
}

type fakeOracle struct {
	a   Assessment
	err error
}

func (o fakeOracle) Score(context.Context, signal.Signal) (Assessment, error) {
	return o.a, o.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
}

func (n *recordingNotifier) Send(_ context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) kinds() []MessageKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]MessageKind, 0, len(n.msgs))
	for _, m := range n.msgs {
		out = append(out, m.Kind)
	}
	return out
}

type harness struct {
	orch     *Orchestrator
	book     *ledger.Ledger
	exec     *fakeExecutor
	clock    *fakeClock
	notifier *recordingNotifier
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.RequireQualityApproval = false
	return cfg
}

func newHarness(t *testing.T, cfg Config, oracle QualityOracle) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	book := ledger.New(ledger.Config{InitialBalance: 10000, MaxSlippage: -1, Now: clock.Now})
	exec := &fakeExecutor{}
	notifier := &recordingNotifier{}
	orch, err := New(cfg, Deps{
		Book:     book,
		Risk:     risk.NewInMemory(risk.DefaultSettings(), nil),
		Executor: exec,
		Oracle:   oracle,
		Notifier: notifier,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = orch.Wait(ctx)
	})
	return &harness{orch: orch, book: book, exec: exec, clock: clock, notifier: notifier}
}

func btcSignal() signal.Signal {
	return signal.Signal{
		ID:          "sig-btc",
		Source:      signal.SourceWebhook,
		Asset:       "BTC/USDT",
		Direction:   signal.Long,
		Entry:       100,
		StopLoss:    95,
		TakeProfits: []float64{110},
		Leverage:    1,
		Confidence:  0.9,
	}
}

func signalFor(asset string) signal.Signal {
	s := btcSignal()
	s.ID = "sig-" + asset
	s.Asset = asset
	s.Leverage = 10
	return s
}

func TestProcessRejectsWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg, nil)

	res := h.orch.Process(context.Background(), btcSignal())
	if res.Outcome != OutcomeRejected || res.Stage != StageEnabled || res.Code != CodeDisabled {
		t.Fatalf("result=%+v, expected disabled rejection", res)
	}
	if h.exec.calls.Load() != 0 {
		t.Fatal("executor must not be called when disabled")
	}
}

func TestProcessExecutesAndScalesByScore(t *testing.T) {
	cfg := testConfig()
	cfg.RequireQualityApproval = true
	h := newHarness(t, cfg, fakeOracle{a: Assessment{Score: 85, Approve: true}})

	res := h.orch.Process(context.Background(), btcSignal())
	if res.Outcome != OutcomeExecuted || res.Code != CodeExecuted {
		t.Fatalf("result=%+v, expected executed", res)
	}
	if res.Multiplier != 1.5 || res.Size != 60 {
		t.Fatalf("multiplier=%v size=%v, expected 1.5 and 60", res.Multiplier, res.Size)
	}
	if res.Risk == nil || res.Risk.PositionSize != 40 {
		t.Fatalf("risk=%+v, expected base size 40", res.Risk)
	}
	if res.OrderID != "order-1" || res.FillPrice != 100 {
		t.Fatalf("order=%q fill=%v", res.OrderID, res.FillPrice)
	}

	pos, ok := h.book.Position("BTC/USDT")
	if !ok || pos.Quantity != 60 || pos.TradeID != res.TradeID {
		t.Fatalf("position=%+v ok=%v", pos, ok)
	}
	st := h.orch.Status()
	if st.DailyTrades != 1 || st.Executed != 1 || st.LastTrade == nil {
		t.Fatalf("status=%+v", st)
	}
	if hist := h.orch.History(10); len(hist) != 1 || hist[0].Status != OutcomeExecuted {
		t.Fatalf("history=%+v", hist)
	}

	if err := h.orch.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if kinds := h.notifier.kinds(); len(kinds) != 1 || kinds[0] != KindTradeExecuted {
		t.Fatalf("notifications=%v", kinds)
	}
}

func TestPreflightRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*signal.Signal)
		code   Code
	}{
		{"source not allowed", func(s *signal.Signal) { s.Source = signal.SourceManual }, CodeSourceNotAllowed},
		{"low confidence", func(s *signal.Signal) { s.Confidence = 0.5 }, CodeLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), nil)
			sig := btcSignal()
			tt.mutate(&sig)
			res := h.orch.Process(context.Background(), sig)
			if res.Outcome != OutcomeRejected || res.Stage != StagePreflight || res.Code != tt.code {
				t.Fatalf("result=%+v, expected %s", res, tt.code)
			}
		})
	}
}

func TestCooldownBlocksSameSymbol(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()

	first := h.orch.Process(ctx, btcSignal())
	if !first.Executed() {
		t.Fatalf("first=%+v", first)
	}
	if _, err := h.book.Close(first.TradeID, 101, ledger.ReasonManual); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h.clock.Advance(4 * time.Minute)
	if res := h.orch.Process(ctx, btcSignal()); res.Code != CodeCooldown {
		t.Fatalf("result=%+v, expected cooldown", res)
	}

	h.clock.Advance(time.Minute)
	if res := h.orch.Process(ctx, btcSignal()); !res.Executed() {
		t.Fatalf("result=%+v, expected execution after cooldown", res)
	}
}

func TestDuplicateSymbolRejectedByRisk(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownMinutes = 0
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	if res := h.orch.Process(ctx, btcSignal()); !res.Executed() {
		t.Fatalf("first=%+v", res)
	}
	better := btcSignal()
	better.Confidence = 1
	res := h.orch.Process(ctx, better)
	if res.Stage != StageRisk || res.Code != Code(risk.ReasonDuplicateSymbol) {
		t.Fatalf("result=%+v, expected duplicate-symbol", res)
	}
	if h.exec.calls.Load() != 1 {
		t.Fatalf("executor calls=%d, expected 1", h.exec.calls.Load())
	}
}

func TestQualityGate(t *testing.T) {
	tests := []struct {
		name     string
		oracle   QualityOracle
		skip     bool
		outcome  Outcome
		code     Code
		wantMult float64
	}{
		{"disapproved", fakeOracle{a: Assessment{Score: 95, Approve: false, Reasoning: "no stop"}}, false, OutcomeRejected, CodeQualityDisapproved, 0},
		{"score too low", fakeOracle{a: Assessment{Score: 55, Approve: true}}, false, OutcomeRejected, CodeQualityTooLow, 0},
		{"oracle error rejects", fakeOracle{err: errors.New("down")}, false, OutcomeRejected, CodeQualityUnavailable, 0},
		{"missing oracle rejects", nil, false, OutcomeRejected, CodeQualityUnavailable, 0},
		{"oracle error skips gate", fakeOracle{err: errors.New("down")}, true, OutcomeExecuted, CodeExecuted, 1},
		{"excellent doubles size", fakeOracle{a: Assessment{Score: 92, Approve: true}}, false, OutcomeExecuted, CodeExecuted, 2},
		{"marginal halves size", fakeOracle{a: Assessment{Score: 62, Approve: true}}, false, OutcomeExecuted, CodeExecuted, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.RequireQualityApproval = true
			cfg.SkipGateOnOracleError = tt.skip
			h := newHarness(t, cfg, tt.oracle)

			res := h.orch.Process(context.Background(), btcSignal())
			if res.Outcome != tt.outcome || res.Code != tt.code {
				t.Fatalf("result=%+v, expected %s/%s", res, tt.outcome, tt.code)
			}
			if tt.outcome == OutcomeExecuted && res.Multiplier != tt.wantMult {
				t.Fatalf("multiplier=%v, expected %v", res.Multiplier, tt.wantMult)
			}
			if tt.outcome == OutcomeRejected && res.Stage != StageQuality {
				t.Fatalf("stage=%s, expected quality", res.Stage)
			}
		})
	}
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 10
	cfg.MaxDailyTrades = 100
	h := newHarness(t, cfg, nil)
	h.exec.err = errors.New("broker rejected order")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res := h.orch.Process(ctx, btcSignal())
		if res.Outcome != OutcomeErrored || res.Code != CodeExecutionFailed {
			t.Fatalf("attempt %d: result=%+v, expected execution-failed", i+1, res)
		}
	}

	res := h.orch.Process(ctx, btcSignal())
	if res.Outcome != OutcomeRejected || res.Code != CodeBreakerOpen {
		t.Fatalf("11th result=%+v, expected circuit-breaker-open", res)
	}
	if got := h.exec.calls.Load(); got != 10 {
		t.Fatalf("executor calls=%d, expected 10", got)
	}
	if st := h.orch.Status(); st.Breaker.State != BreakerOpen || st.DailyTrades != 0 {
		t.Fatalf("status=%+v", st)
	}
	pf := h.book.Portfolio()
	if pf.MarginUsed != 0 || pf.OpenPositions != 0 {
		t.Fatalf("portfolio=%+v, expected failed placements to release margin", pf)
	}
	if trades := h.book.Trades(ledger.TradeFilter{Status: ledger.StatusCancelled}); len(trades) != 10 {
		t.Fatalf("cancelled trades=%d, expected 10", len(trades))
	}

	h.orch.ResetBreaker()
	h.exec.err = nil
	if res := h.orch.Process(ctx, btcSignal()); !res.Executed() {
		t.Fatalf("after reset: %+v", res)
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 2
	cfg.BreakerCooldownMinutes = 10
	h := newHarness(t, cfg, nil)
	h.exec.err = errors.New("down")
	ctx := context.Background()

	h.orch.Process(ctx, btcSignal())
	h.orch.Process(ctx, btcSignal())
	if res := h.orch.Process(ctx, btcSignal()); res.Code != CodeBreakerOpen {
		t.Fatalf("result=%+v, expected breaker open", res)
	}

	h.clock.Advance(10 * time.Minute)
	if st := h.orch.BreakerInfo(); st.State != BreakerHalfOpen {
		t.Fatalf("state=%s, expected half_open", st.State)
	}
	if res := h.orch.Process(ctx, btcSignal()); res.Code != CodeExecutionFailed {
		t.Fatalf("trial=%+v, expected failed trial", res)
	}
	if res := h.orch.Process(ctx, btcSignal()); res.Code != CodeBreakerOpen {
		t.Fatalf("result=%+v, expected breaker reopened", res)
	}

	h.clock.Advance(10 * time.Minute)
	h.exec.err = nil
	if res := h.orch.Process(ctx, btcSignal()); !res.Executed() {
		t.Fatalf("trial=%+v, expected execution", res)
	}
	if st := h.orch.BreakerInfo(); st.State != BreakerClosed || st.ConsecutiveErrors != 0 {
		t.Fatalf("breaker=%+v, expected closed", st)
	}
}

func TestBreakerTrialReleasedWhenRejectedBeforeExecution(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 2
	cfg.BreakerCooldownMinutes = 10
	cfg.CooldownMinutes = 0
	h := newHarness(t, cfg, nil)
	h.exec.err = errors.New("down")
	ctx := context.Background()

	h.orch.Process(ctx, btcSignal())
	h.orch.Process(ctx, btcSignal())
	h.clock.Advance(10 * time.Minute)

	// stop equal to entry fails sizing at the risk stage
	flat := btcSignal()
	flat.StopLoss = flat.Entry
	res := h.orch.Process(ctx, flat)
	if res.Stage != StageRisk || res.Code != Code(risk.ReasonInvalidSizing) {
		t.Fatalf("result=%+v, expected invalid-sizing at risk", res)
	}
	if calls := h.exec.calls.Load(); calls != 2 {
		t.Fatalf("executor calls=%d, expected 2", calls)
	}
	if st := h.orch.BreakerInfo(); st.State != BreakerHalfOpen {
		t.Fatalf("state=%s, expected half_open", st.State)
	}

	h.exec.err = nil
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Hour)
		sig := signalFor(fmt.Sprintf("COIN%d/USDT", i))
		if res := h.orch.Process(ctx, sig); !res.Executed() {
			t.Fatalf("signal %d result=%+v, expected execution", i, res)
		}
	}
	if st := h.orch.BreakerInfo(); st.State != BreakerClosed {
		t.Fatalf("state=%s, expected closed", st.State)
	}
}

func TestBreakerSingleTrialSlot(t *testing.T) {
	b := newBreaker(1, time.Minute)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	b.failure(now)
	if b.ready(now) {
		t.Fatal("breaker should be open before cooldown")
	}

	later := now.Add(time.Minute)
	trial, ok := b.acquire(later)
	if !trial || !ok {
		t.Fatalf("acquire=%v,%v, expected trial slot", trial, ok)
	}
	if b.ready(later) {
		t.Fatal("second signal must wait while a trial is in flight")
	}
	if _, ok := b.acquire(later); ok {
		t.Fatal("only one trial may run")
	}
	b.release()
	if !b.ready(later) || b.state(later) != BreakerHalfOpen {
		t.Fatalf("released slot should be available again, state=%s", b.state(later))
	}
}

func TestPreflightRejectionsNotify(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*signal.Signal)
		code   Code
	}{
		{"source", func(s *signal.Signal) { s.Source = signal.SourceManual }, CodeSourceNotAllowed},
		{"confidence", func(s *signal.Signal) { s.Confidence = 0.1 }, CodeLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), nil)
			sig := btcSignal()
			tt.mutate(&sig)
			if res := h.orch.Process(context.Background(), sig); res.Code != tt.code {
				t.Fatalf("result=%+v, expected %s", res, tt.code)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := h.orch.Wait(ctx); err != nil {
				t.Fatalf("Wait: %v", err)
			}
			h.notifier.mu.Lock()
			defer h.notifier.mu.Unlock()
			if len(h.notifier.msgs) != 1 || h.notifier.msgs[0].Kind != KindSignalRejected || h.notifier.msgs[0].Code != tt.code {
				t.Fatalf("messages=%+v, expected one %s rejection", h.notifier.msgs, tt.code)
			}
		})
	}
}

func TestExecutorTimeoutCountsAsError(t *testing.T) {
	cfg := testConfig()
	cfg.ExecutorTimeoutSeconds = 0.05
	h := newHarness(t, cfg, nil)
	h.exec.block = make(chan struct{})
	t.Cleanup(func() { close(h.exec.block) })

	res := h.orch.Process(context.Background(), btcSignal())
	if res.Outcome != OutcomeErrored || res.Code != CodeExecutionTimeout {
		t.Fatalf("result=%+v, expected execution-timeout", res)
	}
	if st := h.orch.Status(); st.Breaker.ConsecutiveErrors != 1 || st.DailyTrades != 0 {
		t.Fatalf("status=%+v", st)
	}
	if _, ok := h.book.Position("BTC/USDT"); ok {
		t.Fatal("timed out placement must not leave a position")
	}
	if pf := h.book.Portfolio(); pf.MarginUsed != 0 {
		t.Fatalf("margin=%v, expected released", pf.MarginUsed)
	}
}

func TestDailyLimitResetsOnNewDay(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyTrades = 1
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	if res := h.orch.Process(ctx, signalFor("BTC/USDT")); !res.Executed() {
		t.Fatalf("first=%+v", res)
	}
	if res := h.orch.Process(ctx, signalFor("ETH/USDT")); res.Code != CodeDailyLimit {
		t.Fatalf("result=%+v, expected daily-limit", res)
	}

	h.clock.Advance(24 * time.Hour)
	if res := h.orch.Process(ctx, signalFor("ETH/USDT")); !res.Executed() {
		t.Fatalf("result=%+v, expected execution on the next day", res)
	}
	if st := h.orch.Status(); st.DailyTrades != 1 || st.Day != "2025-03-02" {
		t.Fatalf("status=%+v", st)
	}
}

func TestConcurrentSignalsSameSymbol(t *testing.T) {
	cfg := testConfig()
	cfg.CooldownMinutes = 0
	h := newHarness(t, cfg, nil)

	var (
		wg       sync.WaitGroup
		executed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.orch.Process(context.Background(), signalFor("ETH/USDT")).Executed() {
				executed.Add(1)
			}
		}()
	}
	wg.Wait()

	if executed.Load() != 1 {
		t.Fatalf("executed=%d, expected exactly one", executed.Load())
	}
	if pf := h.book.Portfolio(); pf.OpenPositions != 1 {
		t.Fatalf("open positions=%d, expected 1", pf.OpenPositions)
	}
}

func TestConcurrentSignalsRespectDailyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDailyTrades = 3
	h := newHarness(t, cfg, nil)

	symbols := []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "XRP/USDT", "ADA/USDT", "DOT/USDT", "BNB/USDT", "LTC/USDT"}
	var (
		wg       sync.WaitGroup
		executed atomic.Int32
	)
	for _, sym := range symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			if h.orch.Process(context.Background(), signalFor(sym)).Executed() {
				executed.Add(1)
			}
		}(sym)
	}
	wg.Wait()

	if executed.Load() != 3 {
		t.Fatalf("executed=%d, expected 3", executed.Load())
	}
	if st := h.orch.Status(); st.DailyTrades != 3 {
		t.Fatalf("daily trades=%d, expected 3", st.DailyTrades)
	}
}

func TestUpdateConfigValidates(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	bad := h.orch.Config()
	bad.MinConfidence = 2
	if err := h.orch.UpdateConfig(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v, expected ErrInvalidConfig", err)
	}

	good := h.orch.Config()
	good.MaxConsecutiveErrors = 3
	good.ScoreMultipliers = []Tier{{MinScore: 50, Multiplier: 0.25}, {MinScore: 95, Multiplier: 3}}
	if err := h.orch.UpdateConfig(good); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	got := h.orch.Config()
	if got.ScoreMultipliers[0].MinScore != 95 {
		t.Fatalf("tiers=%+v, expected sorted by score descending", got.ScoreMultipliers)
	}
	if info := h.orch.BreakerInfo(); info.Threshold != 3 {
		t.Fatalf("threshold=%d, expected 3", info.Threshold)
	}

	h.orch.Disable()
	if h.orch.Config().Enabled {
		t.Fatal("expected disabled")
	}
	h.orch.Enable()
	if !h.orch.Config().Enabled {
		t.Fatal("expected enabled")
	}
}

func TestHealthCheck(t *testing.T) {
	cfg := testConfig()
	cfg.RequireQualityApproval = true
	h := newHarness(t, cfg, nil)

	health := h.orch.HealthCheck(context.Background())
	if health.Healthy || health.Checks["quality_oracle"] {
		t.Fatalf("health=%+v, expected unhealthy without oracle", health)
	}
}
