package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
	"github.com/robinzi2001-cell/trading-ai/internal/persistence"
	"github.com/robinzi2001-cell/trading-ai/pkg/record"
)

const qtyTolerance = 0.0001

// LocalBook is the authoritative in-memory position view.
type LocalBook interface {
	Positions() []ledger.Position
	Position(symbol string) (ledger.Position, bool)
}

// StoredPositions reads persisted position rows.
type StoredPositions interface {
	ListPositions(ctx context.Context) ([]record.Record, error)
}

// Repairer writes corrections back through the batch recorder.
type Repairer interface {
	Handle(payload any) error
	Write(op persistence.WriteOp) error
	Flush(ctx context.Context) error
}

// DiffKind classifies a position difference.
type DiffKind string

const (
	DiffMissing  DiffKind = "missing"  // in the ledger, not stored
	DiffStale    DiffKind = "stale"    // stored, not in the ledger
	DiffMismatch DiffKind = "mismatch" // stored with another trade or quantity
)

// PositionDiff represents a position difference.
type PositionDiff struct {
	Symbol     string   `json:"symbol"`
	TradeID    string   `json:"trade_id"`
	Kind       DiffKind `json:"kind"`
	LocalQty   float64  `json:"local_qty"`
	StoredQty  float64  `json:"stored_qty"`
	Difference float64  `json:"difference"`
	Synced     bool     `json:"synced"`
}

// Report contains reconciliation results.
type Report struct {
	Timestamp     time.Time      `json:"timestamp"`
	PositionDiffs []PositionDiff `json:"position_diffs"`
	HasDiffs      bool           `json:"has_diffs"`
	SyncedCount   int            `json:"synced_count"`
}

// Service periodically compares ledger positions against the store.
type Service struct {
	book     LocalBook
	store    StoredPositions
	repair   Repairer
	interval time.Duration
	autoSync atomic.Bool
	logger   *zap.Logger

	mu   sync.Mutex
	last *Report
	wg   sync.WaitGroup
}

// NewService creates a reconciliation service with auto-sync enabled.
func NewService(book LocalBook, store StoredPositions, repair Repairer, interval time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Service{
		book:     book,
		store:    store,
		repair:   repair,
		interval: interval,
		logger:   logger,
	}
	s.autoSync.Store(true)
	return s
}

// SetAutoSync enables or disables repairs.
func (s *Service) SetAutoSync(enabled bool) {
	s.autoSync.Store(enabled)
	s.logger.Info("reconciliation auto-sync changed", zap.Bool("enabled", enabled))
}

// Start begins periodic reconciliation until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Error("reconciliation failed", zap.Error(err))
					}
					continue
				}
				s.logReport(report)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("reconciliation started",
		zap.Duration("interval", s.interval),
		zap.Bool("auto_sync", s.autoSync.Load()))
}

// Wait blocks until the loop started by Start exits.
func (s *Service) Wait() { s.wg.Wait() }

// LastReport returns the most recent report, or nil before the first run.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	cp.PositionDiffs = append([]PositionDiff(nil), s.last.PositionDiffs...)
	return &cp
}

// Reconcile flushes pending writes, diffs the ledger against stored rows and
// repairs differences when auto-sync is on.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repair.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush before reconcile: %w", err)
	}

	local := make(map[string]ledger.Position)
	for _, p := range s.book.Positions() {
		local[p.Symbol] = p
	}

	recs, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored positions: %w", err)
	}
	stored := make(map[string]ledger.Position, len(recs))
	for _, r := range recs {
		p, err := ledger.PositionFromRecord(r)
		if err != nil {
			// unreadable rows are replaced or removed like stale ones
			sym := record.String(r, "symbol")
			if sym == "" {
				continue
			}
			p = ledger.Position{Symbol: sym, TradeID: record.String(r, "trade_id")}
		}
		stored[p.Symbol] = p
	}

	report := &Report{Timestamp: time.Now().UTC(), PositionDiffs: []PositionDiff{}}
	fix := s.autoSync.Load()

	for sym, lp := range local {
		sp, ok := stored[sym]
		var diff PositionDiff
		switch {
		case !ok:
			diff = PositionDiff{Symbol: sym, TradeID: lp.TradeID, Kind: DiffMissing, LocalQty: lp.Quantity}
		case sp.TradeID != lp.TradeID || math.Abs(sp.Quantity-lp.Quantity) > qtyTolerance:
			diff = PositionDiff{Symbol: sym, TradeID: lp.TradeID, Kind: DiffMismatch, LocalQty: lp.Quantity, StoredQty: sp.Quantity}
		default:
			continue
		}
		diff.Difference = diff.LocalQty - diff.StoredQty
		if fix {
			if err := s.repair.Handle(lp); err != nil {
				s.logger.Warn("position upsert failed", zap.String("symbol", sym), zap.Error(err))
			} else {
				diff.Synced = true
			}
		}
		report.PositionDiffs = append(report.PositionDiffs, diff)
	}

	for sym, sp := range stored {
		if _, ok := local[sym]; ok {
			continue
		}
		diff := PositionDiff{Symbol: sym, TradeID: sp.TradeID, Kind: DiffStale, StoredQty: sp.Quantity, Difference: -sp.Quantity}
		// a position opened after the snapshot is not stale
		if cur, open := s.book.Position(sym); open && cur.TradeID == sp.TradeID {
			continue
		}
		if fix {
			err := s.repair.Write(persistence.WriteOp{
				Kind:   persistence.KindPositionDelete,
				Key:    sym,
				Record: record.Record{"symbol": sym, "trade_id": sp.TradeID},
			})
			if err != nil {
				s.logger.Warn("position delete failed", zap.String("symbol", sym), zap.Error(err))
			} else {
				diff.Synced = true
			}
		}
		report.PositionDiffs = append(report.PositionDiffs, diff)
	}

	for _, d := range report.PositionDiffs {
		if d.Synced {
			report.SyncedCount++
		}
	}
	report.HasDiffs = len(report.PositionDiffs) > 0

	if report.SyncedCount > 0 {
		if err := s.repair.Flush(ctx); err != nil {
			return nil, fmt.Errorf("flush repairs: %w", err)
		}
	}

	s.last = report
	return report, nil
}

func (s *Service) logReport(report *Report) {
	if !report.HasDiffs {
		s.logger.Debug("reconciliation clean")
		return
	}
	for _, d := range report.PositionDiffs {
		s.logger.Warn("position drift",
			zap.String("symbol", d.Symbol),
			zap.String("trade_id", d.TradeID),
			zap.String("kind", string(d.Kind)),
			zap.Float64("local_qty", d.LocalQty),
			zap.Float64("stored_qty", d.StoredQty),
			zap.Bool("synced", d.Synced))
	}
	s.logger.Info("reconciliation complete",
		zap.Int("diffs", len(report.PositionDiffs)),
		zap.Int("synced", report.SyncedCount))
}
