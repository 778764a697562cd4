package autoexec

import (
	"context"
	"sync"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
	"github.com/robinzi2001-cell/trading-ai/internal/risk"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
	"github.com/robinzi2001-cell/trading-ai/pkg/record"
)

// PlaceRequest is the order handed to an Executor.
type PlaceRequest struct {
	SignalID string
	Symbol   string
	Side     signal.Direction
	Size     float64
	Leverage int
	Price    float64 // reference price from the signal
}

// Fill is a successful placement.
type Fill struct {
	OrderID  string
	AvgPrice float64
}

// Executor places orders with a broker or simulator.
type Executor interface {
	Place(ctx context.Context, req PlaceRequest) (Fill, error)
}

// Pinger is implemented by executors that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Assessment is a quality oracle verdict.
type Assessment struct {
	Score     float64  `json:"score"`
	Approve   bool     `json:"approve"`
	Quality   string   `json:"quality,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// QualityOracle scores a signal from 0 to 100.
type QualityOracle interface {
	Score(ctx context.Context, sig signal.Signal) (Assessment, error)
}

// MessageKind classifies notifications.
type MessageKind string

const (
	KindTradeExecuted   MessageKind = "trade_executed"
	KindSignalRejected  MessageKind = "signal_rejected"
	KindExecutionFailed MessageKind = "execution_failed"
	KindBreakerOpen     MessageKind = "breaker_open"
	KindRiskAlert       MessageKind = "risk_alert"
)

// Message is a user-facing notification.
type Message struct {
	Kind   MessageKind `json:"kind"`
	Symbol string      `json:"symbol,omitempty"`
	Code   Code        `json:"code,omitempty"`
	Text   string      `json:"text"`
	At     time.Time   `json:"at"`
}

// Notifier delivers messages. Errors are logged by the caller and dropped.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Book is the ledger surface used by the orchestrator.
type Book interface {
	LockSymbol(symbol string) func()
	Portfolio() ledger.Portfolio
	Exposures() []risk.Exposure
	Reserve(sig signal.Signal, size float64) (ledger.Trade, error)
	Confirm(tradeID string, fillPrice float64, orderID string) (ledger.Trade, error)
	Cancel(tradeID string) (ledger.Trade, error)
}

// RiskChecker validates and sizes a signal.
type RiskChecker interface {
	Validate(sig signal.Signal, balance float64, open []risk.Exposure) risk.Result
	Settings() risk.Settings
}

// Observer receives every pipeline result, e.g. for metrics.
type Observer interface {
	ObserveResult(res Result, elapsed time.Duration)
}

// Publisher receives pipeline events. *events.Bus satisfies it.
type Publisher interface {
	Publish(e events.Event, payload any)
}

// Outcome is the terminal state of one pipeline run.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeRejected Outcome = "rejected"
	OutcomeErrored  Outcome = "errored"
)

// Stage names the pipeline step that produced the outcome.
type Stage string

const (
	StageEnabled   Stage = "enabled"
	StagePreflight Stage = "preflight"
	StageQuality   Stage = "quality"
	StageRisk      Stage = "risk"
	StageLedger    Stage = "ledger"
	StageExecution Stage = "execution"
)

// Code is a machine-readable reason.
type Code string

const (
	CodeExecuted           Code = "executed"
	CodeDisabled           Code = "disabled"
	CodeDailyLimit         Code = "daily-limit"
	CodeSourceNotAllowed   Code = "source-not-allowed"
	CodeLowConfidence      Code = "low-confidence"
	CodeCooldown           Code = "cooldown"
	CodeBreakerOpen        Code = "circuit-breaker-open"
	CodeQualityDisapproved Code = "quality-disapproved"
	CodeQualityTooLow      Code = "quality-score-too-low"
	CodeQualityUnavailable Code = "quality-unavailable"
	CodeLedgerRejected     Code = "ledger-rejected"
	CodeExecutionFailed    Code = "execution-failed"
	CodeExecutionTimeout   Code = "execution-timeout"
)

// Result is the structured outcome of Process.
type Result struct {
	SignalID   string       `json:"signal_id"`
	Symbol     string       `json:"symbol"`
	Side       string       `json:"side"`
	Outcome    Outcome      `json:"outcome"`
	Stage      Stage        `json:"stage"`
	Code       Code         `json:"code"`
	Reason     string       `json:"reason"`
	Quality    *Assessment  `json:"quality,omitempty"`
	Risk       *risk.Result `json:"risk,omitempty"`
	Multiplier float64      `json:"multiplier,omitempty"`
	Size       float64      `json:"size,omitempty"`
	TradeID    string       `json:"trade_id,omitempty"`
	OrderID    string       `json:"order_id,omitempty"`
	FillPrice  float64      `json:"fill_price,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	DurationMs int64        `json:"duration_ms"`
}

// Executed reports whether a trade was opened.
func (r Result) Executed() bool { return r.Outcome == OutcomeExecuted }

// ToRecord flattens the result for the execution log.
func (r Result) ToRecord() record.Record {
	score := 0.0
	if r.Quality != nil {
		score = r.Quality.Score
	}
	return record.Record{
		"signal_id":     r.SignalID,
		"symbol":        r.Symbol,
		"side":          r.Side,
		"outcome":       string(r.Outcome),
		"stage":         string(r.Stage),
		"code":          string(r.Code),
		"reason":        r.Reason,
		"quality_score": score,
		"multiplier":    r.Multiplier,
		"size":          r.Size,
		"trade_id":      r.TradeID,
		"order_id":      r.OrderID,
		"fill_price":    r.FillPrice,
		"duration_ms":   r.DurationMs,
		"timestamp":     record.FormatTime(r.Timestamp),
	}
}

// HistoryEntry is one executed or failed placement.
type HistoryEntry struct {
	SignalID     string    `json:"signal_id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Size         float64   `json:"size"`
	OrderID      string    `json:"order_id,omitempty"`
	TradeID      string    `json:"trade_id,omitempty"`
	FillPrice    float64   `json:"fill_price,omitempty"`
	Status       Outcome   `json:"status"`
	QualityScore float64   `json:"quality_score"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// history is a bounded ring of placements, oldest first.
type history struct {
	mu      sync.RWMutex
	entries []HistoryEntry
	size    int
}

func newHistory(size int) *history {
	return &history{size: size}
}

func (h *history) add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.size; over > 0 {
		h.entries = append([]HistoryEntry(nil), h.entries[over:]...)
	}
}

func (h *history) resize(size int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.size = size
	if over := len(h.entries) - size; over > 0 {
		h.entries = append([]HistoryEntry(nil), h.entries[over:]...)
	}
}

// newest returns up to limit entries, newest first.
func (h *history) newest(limit int) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	out := make([]HistoryEntry, 0, limit)
	for i := len(h.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.entries[i])
	}
	return out
}

func (h *history) last() (HistoryEntry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}
