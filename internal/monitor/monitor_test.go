package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
)

func TestLatencyHistogram_Stats(t *testing.T) {
	h := NewLatencyHistogram(4)
	for _, v := range []float64{5, 1, 3, 2, 4} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 4 || s.Min != 1 || s.Max != 4 {
		t.Fatalf("stats = %+v", s)
	}
	if s.Avg != 2.5 {
		t.Fatalf("avg = %v, want 2.5", s.Avg)
	}
}

func TestSystemMetrics_ObserveResult(t *testing.T) {
	m := NewSystemMetrics()
	m.SetDroppedSource(func() uint64 { return 7 })

	m.ObserveResult(autoexec.Result{Outcome: autoexec.OutcomeExecuted, Code: autoexec.CodeExecuted}, time.Millisecond)
	m.ObserveResult(autoexec.Result{Outcome: autoexec.OutcomeRejected, Code: autoexec.CodeCooldown}, time.Millisecond)
	m.ObserveResult(autoexec.Result{Outcome: autoexec.OutcomeRejected, Code: autoexec.CodeCooldown}, time.Millisecond)
	m.ObserveResult(autoexec.Result{Outcome: autoexec.OutcomeErrored, Code: autoexec.CodeExecutionFailed}, time.Millisecond)
	m.ObserveFlush(3, time.Millisecond, nil)

	s := m.GetSnapshot()
	if s.SignalsReceived != 4 || s.Executed != 1 || s.Rejected != 2 || s.Errored != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.ByCode["cooldown"] != 2 {
		t.Fatalf("by_code = %v", s.ByCode)
	}
	if s.RecordsWritten != 3 || s.EventsDropped != 7 || s.PipelineLatency.Count != 4 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestRuleEvaluator(t *testing.T) {
	r := NewRuleEvaluator(Rules{MaxDrawdownPercent: 10, MaxLossStreak: 2})

	loss := ledger.Trade{Symbol: "BTCUSDT", RealizedPnL: -5}
	if _, fire := r.TradeClosed(loss); fire {
		t.Fatal("one loss should not alert")
	}
	if a, fire := r.TradeClosed(loss); !fire || a.Rule != "loss_streak" {
		t.Fatalf("second loss should alert, got %+v %v", a, fire)
	}
	if _, fire := r.TradeClosed(loss); fire {
		t.Fatal("streak alert should fire once")
	}
	r.TradeClosed(ledger.Trade{RealizedPnL: 1})
	r.TradeClosed(loss)
	if _, fire := r.TradeClosed(loss); !fire {
		t.Fatal("streak alert should re-arm after a win")
	}

	tests := []struct {
		name string
		pf   ledger.Portfolio
		fire bool
	}{
		{"below threshold", ledger.Portfolio{PeakBalance: 1000, CurrentBalance: 950}, false},
		{"crosses threshold", ledger.Portfolio{PeakBalance: 1000, CurrentBalance: 880}, true},
		{"still down", ledger.Portfolio{PeakBalance: 1000, CurrentBalance: 850}, false},
		{"recovers", ledger.Portfolio{PeakBalance: 1000, CurrentBalance: 990}, false},
		{"falls again", ledger.Portfolio{PeakBalance: 1000, CurrentBalance: 800}, true},
	}
	for _, tt := range tests {
		if _, fire := r.Portfolio(tt.pf); fire != tt.fire {
			t.Fatalf("%s: fire = %v, want %v", tt.name, fire, tt.fire)
		}
	}

	if _, fire := r.Breaker(autoexec.BreakerInfo{State: autoexec.BreakerOpen, ConsecutiveErrors: 5}); !fire {
		t.Fatal("breaker open should alert")
	}
	if _, fire := r.Breaker(autoexec.BreakerInfo{State: autoexec.BreakerOpen}); fire {
		t.Fatal("breaker alert should fire once")
	}
	r.Breaker(autoexec.BreakerInfo{State: autoexec.BreakerClosed})
	if _, fire := r.Breaker(autoexec.BreakerInfo{State: autoexec.BreakerOpen}); !fire {
		t.Fatal("breaker alert should re-arm after close")
	}
}

func TestMonitor_PublishesAndSendsAlerts(t *testing.T) {
	bus := events.NewBus()
	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	var (
		mu   sync.Mutex
		sent []Alert
	)
	metrics := NewSystemMetrics()
	m := &Monitor{
		Bus:     bus,
		Rules:   NewRuleEvaluator(Rules{MaxLossStreak: 1}),
		Metrics: metrics,
		Sink: SinkFunc(func(_ context.Context, a Alert) error {
			mu.Lock()
			sent = append(sent, a)
			mu.Unlock()
			return nil
		}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	bus.Publish(events.EventPriceTick, events.PriceTick{Symbol: "BTCUSDT", Price: 1})
	bus.Publish(events.EventTradeClosed, ledger.Trade{Symbol: "BTCUSDT", RealizedPnL: -1, ExitReason: ledger.ReasonStopLoss})

	select {
	case got := <-alerts:
		if a, ok := got.(Alert); !ok || a.Rule != "loss_streak" {
			t.Fatalf("alert = %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	})
	waitFor(t, func() bool {
		s := metrics.GetSnapshot()
		return s.TicksProcessed == 1 && s.AutoCloses == 1
	})
	cancel()
	m.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
