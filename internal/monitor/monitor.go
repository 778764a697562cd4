package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
)

// Monitor watches bus events, feeds metrics and emits alerts.
type Monitor struct {
	Bus     *events.Bus
	Rules   *RuleEvaluator
	Metrics *SystemMetrics
	Sink    AlertSink
	Logger  *zap.Logger
	Now     func() time.Time

	wg sync.WaitGroup
}

// Start consumes events until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Logger == nil {
		m.Logger = zap.NewNop()
	}
	if m.Bus == nil || m.Rules == nil {
		m.Logger.Warn("monitor not fully configured; skipping")
		return
	}
	if m.Now == nil {
		m.Now = time.Now
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{
		events.EventTradeClosed,
		events.EventPortfolioUpdated,
		events.EventBreakerChanged,
		events.EventPriceTick,
	}, 256)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.handle(ctx, env)
			}
		}
	}()
}

// Wait blocks until the consumer goroutine exits.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) handle(ctx context.Context, env events.Envelope) {
	var (
		alert Alert
		fire  bool
	)
	switch p := env.Payload.(type) {
	case ledger.Trade:
		if m.Metrics != nil && (p.ExitReason == ledger.ReasonStopLoss || p.ExitReason == ledger.ReasonTakeProfit) {
			m.Metrics.IncrementAutoCloses()
		}
		alert, fire = m.Rules.TradeClosed(p)
	case ledger.Portfolio:
		alert, fire = m.Rules.Portfolio(p)
	case autoexec.BreakerInfo:
		alert, fire = m.Rules.Breaker(p)
	case events.PriceTick:
		if m.Metrics != nil {
			m.Metrics.IncrementTicks()
		}
	}
	if !fire {
		return
	}
	alert.At = m.Now().UTC()
	m.Logger.Warn("risk alert",
		zap.String("rule", alert.Rule),
		zap.String("level", string(alert.Level)),
		zap.String("message", alert.Message))
	m.Bus.Publish(events.EventRiskAlert, alert)
	if m.Sink != nil {
		if err := m.Sink.Send(ctx, alert); err != nil {
			m.Logger.Warn("alert delivery failed", zap.Error(err))
		}
	}
}
