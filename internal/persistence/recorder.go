package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/autoexec"
	"github.com/robinzi2001-cell/trading-ai/internal/events"
	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
	"github.com/robinzi2001-cell/trading-ai/pkg/db"
	"github.com/robinzi2001-cell/trading-ai/pkg/record"
)

var ErrClosed = errors.New("recorder closed")

// Kind is the record type of a write.
type Kind string

const (
	KindSignal         Kind = "signal"
	KindTrade          Kind = "trade"
	KindPosition       Kind = "position"
	KindPositionDelete Kind = "position_delete"
	KindPortfolio      Kind = "portfolio"
	KindExecution      Kind = "execution"
)

// WriteOp is one buffered write. Ops with the same key coalesce, last wins;
// an empty key is never coalesced.
type WriteOp struct {
	Kind   Kind
	Key    string
	Record record.Record
}

// Store runs writes in a transaction. *db.Database satisfies it.
type Store interface {
	InTx(ctx context.Context, fn func(w db.Writer) error) error
}

// FlushObserver is told about every flush, e.g. for metrics.
type FlushObserver interface {
	ObserveFlush(n int, d time.Duration, err error)
}

// Metrics provides statistics about batch operations.
type Metrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Coalesced     uint64    `json:"coalesced"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// Config tunes the recorder.
type Config struct {
	MaxBatch      int           // ops before an immediate flush, default 50
	FlushInterval time.Duration // default 500ms
	Observer      FlushObserver
	Logger        *zap.Logger
}

// Recorder batches ledger, signal and execution events into SQLite.
type Recorder struct {
	store    Store
	maxSize  int
	interval time.Duration
	observer FlushObserver
	logger   *zap.Logger

	mu      sync.Mutex
	buffer  []WriteOp
	index   map[string]int // kind/key -> position in buffer
	closed  bool
	flushMu sync.Mutex

	terminal *recentSet // trade ids known closed or cancelled

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	coalesced    atomic.Uint64
	lastMu       sync.Mutex
	lastSize     int
	lastFlush    time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a recorder and starts its background flush loop.
func New(store Store, cfg Config) *Recorder {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &Recorder{
		store:    store,
		maxSize:  cfg.MaxBatch,
		interval: cfg.FlushInterval,
		observer: cfg.Observer,
		logger:   cfg.Logger.Named("recorder"),
		index:    make(map[string]int),
		terminal: newRecentSet(10000),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.backgroundFlush()
	return r
}

// Subscribe consumes persistence-relevant topics from bus until ctx is done
// or the recorder is closed.
func (r *Recorder) Subscribe(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.SubscribeMany([]events.Event{
		events.EventSignalReceived,
		events.EventSignalDismissed,
		events.EventTradeOpened,
		events.EventTradeClosed,
		events.EventTradeCancelled,
		events.EventPositionUpdated,
		events.EventPortfolioUpdated,
		events.EventExecutionRecorded,
	}, 1024)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if err := r.Handle(env.Payload); err != nil && !errors.Is(err, ErrClosed) {
					r.logger.Warn("record event failed", zap.String("event", string(env.Type)), zap.Error(err))
				}
			}
		}
	}()
}

// Handle maps a bus payload to writes.
func (r *Recorder) Handle(payload any) error {
	switch p := payload.(type) {
	case signal.Signal:
		return r.Write(WriteOp{Kind: KindSignal, Key: p.ID, Record: p.ToRecord()})
	case ledger.Trade:
		if p.Status.Terminal() {
			r.terminal.add(p.ID)
			if err := r.Write(WriteOp{Kind: KindPositionDelete, Key: p.Symbol, Record: record.Record{"symbol": p.Symbol, "trade_id": p.ID}}); err != nil {
				return err
			}
		} else if r.terminal.has(p.ID) {
			// a stale open event arriving after the close
			return nil
		}
		return r.Write(WriteOp{Kind: KindTrade, Key: p.ID, Record: p.ToRecord()})
	case ledger.Position:
		if r.terminal.has(p.TradeID) {
			return nil
		}
		return r.Write(WriteOp{Kind: KindPosition, Key: p.Symbol, Record: p.ToRecord()})
	case ledger.Portfolio:
		return r.Write(WriteOp{Kind: KindPortfolio, Key: "portfolio", Record: p.ToRecord()})
	case autoexec.Result:
		return r.Write(WriteOp{Kind: KindExecution, Record: p.ToRecord()})
	}
	return fmt.Errorf("unsupported payload %T", payload)
}

// Write buffers an op and flushes when the batch is full.
func (r *Recorder) Write(op WriteOp) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.enqueueLocked(op)
	shouldFlush := len(r.buffer) >= r.maxSize
	r.mu.Unlock()

	if shouldFlush {
		return r.Flush(context.Background())
	}
	return nil
}

func (r *Recorder) enqueueLocked(op WriteOp) {
	if op.Key == "" {
		r.buffer = append(r.buffer, op)
		return
	}
	// a delete and an upsert of the same position share a slot
	kind := op.Kind
	if kind == KindPositionDelete {
		kind = KindPosition
	}
	k := string(kind) + "/" + op.Key
	if i, ok := r.index[k]; ok {
		prev := r.buffer[i]
		if op.Kind == KindPositionDelete && prev.Kind == KindPosition &&
			record.String(prev.Record, "trade_id") != record.String(op.Record, "trade_id") {
			// the buffered upsert belongs to a newer trade on the symbol
			r.coalesced.Add(1)
			return
		}
		r.buffer[i] = op
		r.coalesced.Add(1)
		return
	}
	r.index[k] = len(r.buffer)
	r.buffer = append(r.buffer, op)
}

// Flush writes all buffered ops in one transaction. On failure the batch is
// dropped and counted.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	ops := r.buffer
	r.buffer = make([]WriteOp, 0, r.maxSize)
	r.index = make(map[string]int)
	r.mu.Unlock()

	return r.executeBatch(ctx, ops)
}

func (r *Recorder) executeBatch(ctx context.Context, ops []WriteOp) error {
	start := time.Now()
	r.totalWrites.Add(uint64(len(ops)))
	r.totalBatches.Add(1)
	r.lastMu.Lock()
	r.lastSize = len(ops)
	r.lastFlush = start
	r.lastMu.Unlock()

	err := r.store.InTx(ctx, func(w db.Writer) error {
		for _, op := range ops {
			if err := apply(ctx, w, op); err != nil {
				return err
			}
		}
		return nil
	})
	if r.observer != nil {
		r.observer.ObserveFlush(len(ops), time.Since(start), err)
	}
	if err != nil {
		r.totalErrors.Add(1)
		r.logger.Error("batch flush failed", zap.Int("ops", len(ops)), zap.Error(err))
		return err
	}
	r.logger.Debug("batch flushed", zap.Int("ops", len(ops)), zap.Duration("took", time.Since(start)))
	return nil
}

func apply(ctx context.Context, w db.Writer, op WriteOp) error {
	switch op.Kind {
	case KindSignal:
		return w.SaveSignal(ctx, op.Record)
	case KindTrade:
		return w.SaveTrade(ctx, op.Record)
	case KindPosition:
		return w.SavePosition(ctx, op.Record)
	case KindPositionDelete:
		return w.DeletePosition(ctx, record.String(op.Record, "symbol"), record.String(op.Record, "trade_id"))
	case KindPortfolio:
		return w.SavePortfolio(ctx, op.Record)
	case KindExecution:
		return w.SaveExecution(ctx, op.Record)
	}
	return fmt.Errorf("unknown write kind %q", op.Kind)
}

// backgroundFlush periodically flushes the buffer.
func (r *Recorder) backgroundFlush() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = r.Flush(context.Background())
		case <-r.done:
			return
		}
	}
}

// Pending returns the number of buffered ops.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Metrics returns batch statistics.
func (r *Recorder) Metrics() Metrics {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	return Metrics{
		TotalWrites:   r.totalWrites.Load(),
		TotalBatches:  r.totalBatches.Load(),
		TotalErrors:   r.totalErrors.Load(),
		Coalesced:     r.coalesced.Load(),
		LastBatchSize: r.lastSize,
		LastFlushTime: r.lastFlush,
	}
}

// Close stops the loops and performs a final flush.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
	return r.Flush(ctx)
}

// recentSet remembers the last n ids.
type recentSet struct {
	mu    sync.Mutex
	max   int
	order []string
	ids   map[string]struct{}
}

func newRecentSet(n int) *recentSet {
	return &recentSet{max: n, ids: make(map[string]struct{})}
}

func (s *recentSet) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.max {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *recentSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}
