// Package autoexec runs validated signals through the gating pipeline and
// hands approved ones to an Executor.
package autoexec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/risk"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
)

var (
	ErrMissingDependency = errors.New("missing auto-execute dependency")
	ErrOracleUnavailable = errors.New("quality oracle not configured")
)

// Deps holds the collaborators of an Orchestrator. Book, Risk and Executor
// are required.
type Deps struct {
	Book      Book
	Risk      RiskChecker
	Executor  Executor
	Oracle    QualityOracle
	Notifier  Notifier
	Clock     Clock
	Publisher Publisher
	Observer  Observer
	Logger    *zap.Logger
}

// Orchestrator is the auto-execute pipeline. It is safe for concurrent use;
// runs for the same symbol are serialized by the book's symbol lock.
type Orchestrator struct {
	deps   Deps
	clock  Clock
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   Config

	daily    atomic.Int64
	dayKey   atomic.Int64
	breaker  *breaker
	history  *history
	cooldown sync.Map // symbol -> time.Time of last executed trade

	processed atomic.Uint64
	executed  atomic.Uint64
	rejected  atomic.Uint64
	errored   atomic.Uint64

	notifyWG sync.WaitGroup
}

// New builds an orchestrator. cfg is validated.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Book == nil || deps.Risk == nil || deps.Executor == nil {
		return nil, ErrMissingDependency
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	o := &Orchestrator{
		deps:    deps,
		clock:   deps.Clock,
		logger:  deps.Logger,
		cfg:     cfg,
		breaker: newBreaker(cfg.MaxConsecutiveErrors, cfg.breakerCooldown()),
		history: newHistory(cfg.HistorySize),
	}
	o.dayKey.Store(dayOf(o.clock.Now()))
	o.logger.Info("auto-execute initialized",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("max_daily_trades", cfg.MaxDailyTrades),
		zap.Bool("require_quality_approval", cfg.RequireQualityApproval))
	return o, nil
}

// Process runs sig through every stage and returns the structured outcome.
func (o *Orchestrator) Process(ctx context.Context, sig signal.Signal) Result {
	start := o.clock.Now()
	res := o.process(ctx, sig)
	res.SignalID = sig.ID
	res.Symbol = sig.Asset
	res.Side = string(sig.Direction)
	res.Timestamp = start
	elapsed := o.clock.Now().Sub(start)
	res.DurationMs = elapsed.Milliseconds()

	o.processed.Add(1)
	switch res.Outcome {
	case OutcomeExecuted:
		o.executed.Add(1)
	case OutcomeRejected:
		o.rejected.Add(1)
	case OutcomeErrored:
		o.errored.Add(1)
	}

	o.logger.Info("auto-execute result",
		zap.String("signal_id", sig.ID),
		zap.String("symbol", sig.Asset),
		zap.String("outcome", string(res.Outcome)),
		zap.String("stage", string(res.Stage)),
		zap.String("code", string(res.Code)),
		zap.String("reason", res.Reason))

	if o.deps.Observer != nil {
		o.deps.Observer.ObserveResult(res, elapsed)
	}
	o.publish(events.EventExecutionRecorded, res)
	return res
}

func (o *Orchestrator) process(ctx context.Context, sig signal.Signal) Result {
	cfg := o.Config()
	now := o.clock.Now()

	if !cfg.Enabled {
		return reject(StageEnabled, CodeDisabled, "auto-execute is disabled")
	}

	o.resetDailyIfNeeded(now)

	if res, ok := o.preflight(cfg, sig, now); !ok {
		o.notifyReject(cfg, sig, res)
		return res
	}

	assessment, res, ok := o.qualityGate(ctx, cfg, sig)
	if !ok {
		o.notifyReject(cfg, sig, res)
		return res
	}

	unlock := o.deps.Book.LockSymbol(sig.Asset)
	defer unlock()

	// the cooldown may have started while waiting for the lock
	if res, ok := o.checkCooldown(cfg, sig.Asset, o.clock.Now()); !ok {
		o.notifyReject(cfg, sig, res)
		return res
	}

	pf := o.deps.Book.Portfolio()
	rr := o.deps.Risk.Validate(sig, pf.AvailableBalance, o.deps.Book.Exposures())
	if !rr.Approved {
		res := reject(StageRisk, Code(rr.Reason), rr.Message)
		res.Risk = &rr
		res.Quality = assessment
		o.notifyReject(cfg, sig, res)
		return res
	}

	scored := assessment != nil
	score := 0.0
	if scored {
		score = assessment.Score
	}
	mult := cfg.multiplierFor(score, scored)
	size := decimal.NewFromFloat(rr.PositionSize).Mul(decimal.NewFromFloat(mult)).Round(8).InexactFloat64()
	if mult != 1 {
		o.logger.Info("position scaled by quality score",
			zap.String("symbol", sig.Asset),
			zap.Float64("score", score),
			zap.Float64("multiplier", mult),
			zap.Float64("size", size))
	}

	if sig.Leverage < signal.MinLeverage {
		sig.Leverage = o.deps.Risk.Settings().DefaultLeverage
	}

	day := o.dayKey.Load()
	if !o.acquireDaily(cfg.MaxDailyTrades) {
		res := reject(StagePreflight, CodeDailyLimit, fmt.Sprintf("daily limit reached (%d)", cfg.MaxDailyTrades))
		o.notifyReject(cfg, sig, res)
		return res
	}

	// the trial slot is claimed only once every other gate has passed
	trial, ok := o.breaker.acquire(o.clock.Now())
	if !ok {
		o.releaseDaily(day)
		res := o.breakerOpen()
		o.notifyReject(cfg, sig, res)
		return res
	}

	pending, err := o.deps.Book.Reserve(sig, size)
	if err != nil {
		if trial {
			o.breaker.release()
		}
		o.releaseDaily(day)
		res := reject(StageLedger, CodeLedgerRejected, err.Error())
		res.Risk, res.Quality, res.Multiplier, res.Size = &rr, assessment, mult, size
		o.notifyReject(cfg, sig, res)
		return res
	}

	req := PlaceRequest{
		SignalID: sig.ID,
		Symbol:   sig.Asset,
		Side:     sig.Direction,
		Size:     size,
		Leverage: sig.Leverage,
		Price:    sig.Entry,
	}
	fill, err := callWithTimeout(ctx, seconds(cfg.ExecutorTimeoutSeconds), func(ctx context.Context) (Fill, error) {
		return o.deps.Executor.Place(ctx, req)
	})
	if err != nil {
		if _, cerr := o.deps.Book.Cancel(pending.ID); cerr != nil {
			o.logger.Warn("cancel pending trade failed", zap.String("trade_id", pending.ID), zap.Error(cerr))
		}
		o.releaseDaily(day)
		return o.executionFailed(cfg, sig, req, assessment, &rr, mult, err)
	}

	trade, err := o.deps.Book.Confirm(pending.ID, fill.AvgPrice, fill.OrderID)
	if err != nil {
		o.releaseDaily(day)
		return o.executionFailed(cfg, sig, req, assessment, &rr, mult, fmt.Errorf("confirm trade: %w", err))
	}

	done := o.clock.Now()
	o.breaker.success()
	o.cooldown.Store(sig.Asset, done)
	o.history.add(HistoryEntry{
		SignalID:     sig.ID,
		Symbol:       sig.Asset,
		Side:         string(sig.Direction),
		Size:         size,
		OrderID:      fill.OrderID,
		TradeID:      trade.ID,
		FillPrice:    trade.Entry,
		Status:       OutcomeExecuted,
		QualityScore: score,
		Timestamp:    done,
	})

	if cfg.NotifyOnTrade {
		text := fmt.Sprintf("Auto-trade executed: %s %s size %.6f at %.2f, SL %.2f, leverage %dx",
			sig.Asset, sig.Direction, size, trade.Entry, sig.StopLoss, sig.Leverage)
		if scored {
			text += fmt.Sprintf(", quality %.0f/100", score)
		}
		o.notify(cfg, Message{Kind: KindTradeExecuted, Symbol: sig.Asset, Code: CodeExecuted, Text: text})
	}

	return Result{
		Outcome:    OutcomeExecuted,
		Stage:      StageExecution,
		Code:       CodeExecuted,
		Reason:     "executed",
		Quality:    assessment,
		Risk:       &rr,
		Multiplier: mult,
		Size:       size,
		TradeID:    trade.ID,
		OrderID:    fill.OrderID,
		FillPrice:  trade.Entry,
	}
}

func (o *Orchestrator) preflight(cfg Config, sig signal.Signal, now time.Time) (Result, bool) {
	if n := o.daily.Load(); n >= int64(cfg.MaxDailyTrades) {
		return reject(StagePreflight, CodeDailyLimit, fmt.Sprintf("daily limit reached (%d)", cfg.MaxDailyTrades)), false
	}
	if !cfg.sourceAllowed(sig.Source) {
		return reject(StagePreflight, CodeSourceNotAllowed, fmt.Sprintf("source %q not allowed", sig.Source)), false
	}
	if sig.Confidence < cfg.MinConfidence {
		return reject(StagePreflight, CodeLowConfidence,
			fmt.Sprintf("confidence too low (%.0f%% < %.0f%%)", sig.Confidence*100, cfg.MinConfidence*100)), false
	}
	if res, ok := o.checkCooldown(cfg, sig.Asset, now); !ok {
		return res, false
	}
	if !o.breaker.ready(now) {
		return o.breakerOpen(), false
	}
	return Result{}, true
}

func (o *Orchestrator) breakerOpen() Result {
	return reject(StagePreflight, CodeBreakerOpen,
		fmt.Sprintf("circuit breaker open after %d consecutive errors", o.breaker.consecutiveErrors()))
}

func (o *Orchestrator) checkCooldown(cfg Config, symbol string, now time.Time) (Result, bool) {
	v, ok := o.cooldown.Load(symbol)
	if !ok || cfg.CooldownMinutes == 0 {
		return Result{}, true
	}
	since := now.Sub(v.(time.Time))
	if since >= cfg.cooldown() {
		return Result{}, true
	}
	remaining := (cfg.cooldown() - since).Round(time.Second)
	return reject(StagePreflight, CodeCooldown, fmt.Sprintf("cooldown active for %s, %s remaining", symbol, remaining)), false
}

// qualityGate returns the assessment (nil when the gate did not score) and
// whether the signal may continue.
func (o *Orchestrator) qualityGate(ctx context.Context, cfg Config, sig signal.Signal) (*Assessment, Result, bool) {
	if !cfg.RequireQualityApproval {
		return nil, Result{}, true
	}

	var (
		a   Assessment
		err error
	)
	if o.deps.Oracle == nil {
		err = ErrOracleUnavailable
	} else {
		a, err = callWithTimeout(ctx, seconds(cfg.OracleTimeoutSeconds), func(ctx context.Context) (Assessment, error) {
			return o.deps.Oracle.Score(ctx, sig)
		})
	}
	if err != nil {
		if cfg.SkipGateOnOracleError {
			o.logger.Warn("quality oracle unavailable, skipping gate", zap.String("symbol", sig.Asset), zap.Error(err))
			return nil, Result{}, true
		}
		return nil, reject(StageQuality, CodeQualityUnavailable, fmt.Sprintf("quality oracle unavailable: %v", err)), false
	}

	if !a.Approve {
		res := reject(StageQuality, CodeQualityDisapproved, "quality oracle disapproved: "+a.Reasoning)
		res.Quality = &a
		return &a, res, false
	}
	if a.Score < cfg.MinQualityScore {
		res := reject(StageQuality, CodeQualityTooLow, fmt.Sprintf("quality score too low (%.0f < %.0f)", a.Score, cfg.MinQualityScore))
		res.Quality = &a
		return &a, res, false
	}
	return &a, Result{}, true
}

func (o *Orchestrator) executionFailed(cfg Config, sig signal.Signal, req PlaceRequest, a *Assessment, rr *risk.Result, mult float64, err error) Result {
	now := o.clock.Now()
	code := CodeExecutionFailed
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeExecutionTimeout
	}
	tripped := o.breaker.failure(now)
	errs := o.breaker.consecutiveErrors()

	score := 0.0
	if a != nil {
		score = a.Score
	}
	o.history.add(HistoryEntry{
		SignalID:     sig.ID,
		Symbol:       sig.Asset,
		Side:         string(sig.Direction),
		Size:         req.Size,
		Status:       OutcomeErrored,
		QualityScore: score,
		Error:        err.Error(),
		Timestamp:    now,
	})
	o.logger.Error("auto-execute placement failed",
		zap.String("symbol", sig.Asset),
		zap.String("code", string(code)),
		zap.Int("consecutive_errors", errs),
		zap.Error(err))

	if cfg.NotifyOnError {
		o.notify(cfg, Message{
			Kind:   KindExecutionFailed,
			Symbol: sig.Asset,
			Code:   code,
			Text:   fmt.Sprintf("Execution failed for %s: %v (consecutive errors %d/%d)", sig.Asset, err, errs, cfg.MaxConsecutiveErrors),
		})
	}
	if tripped {
		o.logger.Warn("circuit breaker opened", zap.Int("consecutive_errors", errs))
		o.publish(events.EventBreakerChanged, o.BreakerInfo())
		o.notify(cfg, Message{
			Kind: KindBreakerOpen,
			Code: CodeBreakerOpen,
			Text: fmt.Sprintf("Circuit breaker opened after %d consecutive errors", errs),
		})
	}

	return Result{
		Outcome:    OutcomeErrored,
		Stage:      StageExecution,
		Code:       code,
		Reason:     err.Error(),
		Quality:    a,
		Risk:       rr,
		Multiplier: mult,
		Size:       req.Size,
	}
}

func (o *Orchestrator) notifyReject(cfg Config, sig signal.Signal, res Result) {
	if !cfg.NotifyOnReject {
		return
	}
	o.notify(cfg, Message{
		Kind:   KindSignalRejected,
		Symbol: sig.Asset,
		Code:   res.Code,
		Text:   fmt.Sprintf("Signal %s %s rejected: %s", sig.Asset, sig.Direction, res.Reason),
	})
}

// notify sends msg in the background, bounded by the notify timeout.
func (o *Orchestrator) notify(cfg Config, msg Message) {
	if o.deps.Notifier == nil {
		return
	}
	if msg.At.IsZero() {
		msg.At = o.clock.Now()
	}
	timeout := seconds(cfg.NotifyTimeoutSeconds)
	o.notifyWG.Add(1)
	go func() {
		defer o.notifyWG.Done()
		_, err := callWithTimeout(context.Background(), timeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.deps.Notifier.Send(ctx, msg)
		})
		if err != nil {
			o.logger.Warn("notification failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		}
	}()
}

func (o *Orchestrator) publish(e events.Event, payload any) {
	if o.deps.Publisher != nil {
		o.deps.Publisher.Publish(e, payload)
	}
}

func (o *Orchestrator) resetDailyIfNeeded(now time.Time) {
	today := dayOf(now)
	prev := o.dayKey.Load()
	if today == prev || !o.dayKey.CompareAndSwap(prev, today) {
		return
	}
	count := o.daily.Swap(0)
	o.logger.Info("daily trade counter reset", zap.Int64("previous_count", count), zap.Int64("day", today))
	if r, ok := o.deps.Risk.(interface{ ResetDailyMetrics() }); ok {
		r.ResetDailyMetrics()
	}
}

func (o *Orchestrator) acquireDaily(limit int) bool {
	for {
		n := o.daily.Load()
		if n >= int64(limit) {
			return false
		}
		if o.daily.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// releaseDaily returns a slot taken on day unless the counter has been reset since.
func (o *Orchestrator) releaseDaily(day int64) {
	if o.dayKey.Load() != day {
		return
	}
	for {
		n := o.daily.Load()
		if n <= 0 || o.daily.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// Config returns a copy of the active configuration.
func (o *Orchestrator) Config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg.clone()
}

// UpdateConfig validates and swaps the configuration.
func (o *Orchestrator) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfgMu.Lock()
	o.cfg = cfg.clone()
	o.cfgMu.Unlock()
	o.breaker.configure(cfg.MaxConsecutiveErrors, cfg.breakerCooldown())
	o.history.resize(cfg.HistorySize)
	o.logger.Info("auto-execute config updated",
		zap.Bool("enabled", cfg.Enabled),
		zap.Float64("min_confidence", cfg.MinConfidence),
		zap.Float64("min_quality_score", cfg.MinQualityScore),
		zap.Int("max_daily_trades", cfg.MaxDailyTrades))
	return nil
}

// Enable turns the pipeline on.
func (o *Orchestrator) Enable() { o.setEnabled(true) }

// Disable turns the pipeline off; in-flight runs finish.
func (o *Orchestrator) Disable() { o.setEnabled(false) }

func (o *Orchestrator) setEnabled(v bool) {
	o.cfgMu.Lock()
	o.cfg.Enabled = v
	o.cfgMu.Unlock()
	o.logger.Info("auto-execute toggled", zap.Bool("enabled", v))
}

// ResetBreaker closes the circuit breaker and clears the error count.
func (o *Orchestrator) ResetBreaker() {
	o.breaker.reset()
	o.logger.Info("circuit breaker reset")
	o.publish(events.EventBreakerChanged, o.BreakerInfo())
}

// BreakerInfo describes the circuit breaker.
type BreakerInfo struct {
	State             BreakerState `json:"state"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	Threshold         int          `json:"threshold"`
	OpenedAt          *time.Time   `json:"opened_at,omitempty"`
}

// BreakerInfo returns the breaker state.
func (o *Orchestrator) BreakerInfo() BreakerInfo {
	return BreakerInfo{
		State:             o.breaker.state(o.clock.Now()),
		ConsecutiveErrors: o.breaker.consecutiveErrors(),
		Threshold:         int(o.breaker.threshold.Load()),
		OpenedAt:          o.breaker.openedAt(),
	}
}

// Status is a snapshot of configuration and counters.
type Status struct {
	Config          Config               `json:"config"`
	DailyTrades     int                  `json:"daily_trades"`
	Day             string               `json:"day"`
	Breaker         BreakerInfo          `json:"breaker"`
	Cooldowns       map[string]time.Time `json:"cooldowns"` // symbol -> cooldown end
	OracleAvailable bool                 `json:"oracle_available"`
	Processed       uint64               `json:"processed"`
	Executed        uint64               `json:"executed"`
	Rejected        uint64               `json:"rejected"`
	Errored         uint64               `json:"errored"`
	RecentTrades    int                  `json:"recent_trades"`
	LastTrade       *time.Time           `json:"last_trade,omitempty"`
}

// Status returns the current state of the pipeline.
func (o *Orchestrator) Status() Status {
	cfg := o.Config()
	now := o.clock.Now()
	o.resetDailyIfNeeded(now)

	cooldowns := make(map[string]time.Time)
	o.cooldown.Range(func(k, v any) bool {
		if until := v.(time.Time).Add(cfg.cooldown()); until.After(now) {
			cooldowns[k.(string)] = until
		}
		return true
	})

	st := Status{
		Config:          cfg,
		DailyTrades:     int(o.daily.Load()),
		Day:             formatDay(o.dayKey.Load()),
		Breaker:         o.BreakerInfo(),
		Cooldowns:       cooldowns,
		OracleAvailable: o.deps.Oracle != nil,
		Processed:       o.processed.Load(),
		Executed:        o.executed.Load(),
		Rejected:        o.rejected.Load(),
		Errored:         o.errored.Load(),
		RecentTrades:    len(o.history.newest(0)),
	}
	if last, ok := o.history.last(); ok {
		ts := last.Timestamp
		st.LastTrade = &ts
	}
	return st
}

// History returns up to limit placements, newest first.
func (o *Orchestrator) History(limit int) []HistoryEntry {
	return o.history.newest(limit)
}

// Health reports collaborator availability.
type Health struct {
	Healthy bool            `json:"healthy"`
	Checks  map[string]bool `json:"checks"`
	Errors  []string        `json:"errors,omitempty"`
}

// HealthCheck pings the executor when it supports Ping and checks the
// oracle and error threshold.
func (o *Orchestrator) HealthCheck(ctx context.Context) Health {
	cfg := o.Config()
	h := Health{Healthy: true, Checks: map[string]bool{}}

	h.Checks["quality_oracle"] = o.deps.Oracle != nil
	if cfg.RequireQualityApproval && o.deps.Oracle == nil && !cfg.SkipGateOnOracleError {
		h.Healthy = false
		h.Errors = append(h.Errors, ErrOracleUnavailable.Error())
	}

	h.Checks["executor"] = true
	if p, ok := o.deps.Executor.(Pinger); ok {
		_, err := callWithTimeout(ctx, seconds(cfg.ExecutorTimeoutSeconds), func(ctx context.Context) (struct{}, error) {
			return struct{}{}, p.Ping(ctx)
		})
		if err != nil {
			h.Checks["executor"] = false
			h.Healthy = false
			h.Errors = append(h.Errors, "executor: "+err.Error())
		}
	}

	h.Checks["error_threshold"] = o.breaker.consecutiveErrors() < cfg.MaxConsecutiveErrors
	if !h.Checks["error_threshold"] {
		h.Healthy = false
	}
	sort.Strings(h.Errors)
	return h
}

// Wait blocks until in-flight notifications finish or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reject(stage Stage, code Code, reason string) Result {
	return Result{Outcome: OutcomeRejected, Stage: stage, Code: code, Reason: reason}
}

// callWithTimeout runs fn with a deadline and abandons it when the deadline
// passes, even if fn ignores its context.
func callWithTimeout[T any](parent context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case out := <-ch:
		return out.v, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func dayOf(t time.Time) int64 {
	y, m, d := t.UTC().Date()
	return int64(y*10000 + int(m)*100 + d)
}

func formatDay(key int64) string {
	return fmt.Sprintf("%04d-%02d-%02d", key/10000, key/100%100, key%100)
}
