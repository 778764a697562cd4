package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/robinzi2001-cell/trading-ai/internal/ledger"
	"github.com/robinzi2001-cell/trading-ai/internal/persistence"
	"github.com/robinzi2001-cell/trading-ai/internal/signal"
	"github.com/robinzi2001-cell/trading-ai/pkg/db"
)

var fixedNow = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	book     *ledger.Ledger
	store    *db.Database
	recorder *persistence.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	rec := persistence.New(database, persistence.Config{MaxBatch: 1000, FlushInterval: time.Hour})
	t.Cleanup(func() { _ = rec.Close(context.Background()) })
	book := ledger.New(ledger.Config{
		InitialBalance: 10000,
		MaxSlippage:    -1,
		Now:            func() time.Time { return fixedNow },
	})
	return &fixture{book: book, store: database, recorder: rec}
}

func (f *fixture) open(t *testing.T, asset string, qty float64) ledger.Position {
	t.Helper()
	_, err := f.book.Open(signal.Signal{
		ID:          "sig-" + asset,
		Source:      signal.SourceManual,
		Asset:       asset,
		Direction:   signal.Long,
		Entry:       100,
		StopLoss:    95,
		TakeProfits: []float64{110},
		Leverage:    1,
		Confidence:  0.9,
		CreatedAt:   fixedNow,
	}, qty)
	if err != nil {
		t.Fatalf("Open %s: %v", asset, err)
	}
	p, ok := f.book.Position(asset)
	if !ok {
		t.Fatalf("position %s missing after open", asset)
	}
	return p
}

func (f *fixture) persist(t *testing.T, p ledger.Position) {
	t.Helper()
	if err := f.recorder.Handle(p); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := f.recorder.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func (f *fixture) storedSymbols(t *testing.T) map[string]ledger.Position {
	t.Helper()
	recs, err := f.store.ListPositions(context.Background())
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	out := make(map[string]ledger.Position, len(recs))
	for _, r := range recs {
		p, err := ledger.PositionFromRecord(r)
		if err != nil {
			t.Fatalf("PositionFromRecord: %v", err)
		}
		out[p.Symbol] = p
	}
	return out
}

func TestReconcile_Clean(t *testing.T) {
	f := newFixture(t)
	f.persist(t, f.open(t, "BTC/USDT", 2))

	svc := NewService(f.book, f.store, f.recorder, time.Minute, nil)
	report, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.HasDiffs || len(report.PositionDiffs) != 0 {
		t.Fatalf("expected no diffs, got %+v", report.PositionDiffs)
	}
	if svc.LastReport() == nil {
		t.Fatal("LastReport should be set after a run")
	}
}

func TestReconcile_RepairsDrift(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		kind  DiffKind
		sym   string
		want  bool // stored after repair
	}{
		{
			name:  "missing row is written",
			setup: func(t *testing.T, f *fixture) { f.open(t, "ETH/USDT", 3) },
			kind:  DiffMissing,
			sym:   "ETH/USDT",
			want:  true,
		},
		{
			name: "stale row is removed",
			setup: func(t *testing.T, f *fixture) {
				p := f.open(t, "SOL/USDT", 1)
				f.persist(t, p)
				if _, err := f.book.Close(p.TradeID, 101, ledger.ReasonManual); err != nil {
					t.Fatalf("Close: %v", err)
				}
			},
			kind: DiffStale,
			sym:  "SOL/USDT",
			want: false,
		},
		{
			name: "quantity mismatch is overwritten",
			setup: func(t *testing.T, f *fixture) {
				p := f.open(t, "BTC/USDT", 2)
				p.Quantity = 5
				f.persist(t, p)
			},
			kind: DiffMismatch,
			sym:  "BTC/USDT",
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(t, f)

			svc := NewService(f.book, f.store, f.recorder, time.Minute, nil)
			report, err := svc.Reconcile(context.Background())
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if len(report.PositionDiffs) != 1 {
				t.Fatalf("expected 1 diff, got %+v", report.PositionDiffs)
			}
			d := report.PositionDiffs[0]
			if d.Kind != tt.kind || d.Symbol != tt.sym || !d.Synced {
				t.Fatalf("diff = %+v, want kind=%s symbol=%s synced", d, tt.kind, tt.sym)
			}
			if report.SyncedCount != 1 {
				t.Fatalf("SyncedCount = %d, want 1", report.SyncedCount)
			}

			stored := f.storedSymbols(t)
			p, ok := stored[tt.sym]
			if ok != tt.want {
				t.Fatalf("stored %s = %v, want %v", tt.sym, ok, tt.want)
			}
			if ok {
				local, _ := f.book.Position(tt.sym)
				if p.TradeID != local.TradeID || p.Quantity != local.Quantity {
					t.Fatalf("stored %+v does not match ledger %+v", p, local)
				}
			}

			again, err := svc.Reconcile(context.Background())
			if err != nil {
				t.Fatalf("second Reconcile: %v", err)
			}
			if again.HasDiffs {
				t.Fatalf("drift remains after repair: %+v", again.PositionDiffs)
			}
		})
	}
}

func TestReconcile_AutoSyncDisabled(t *testing.T) {
	f := newFixture(t)
	f.open(t, "ETH/USDT", 1)

	svc := NewService(f.book, f.store, f.recorder, time.Minute, nil)
	svc.SetAutoSync(false)
	report, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.HasDiffs || report.SyncedCount != 0 || report.PositionDiffs[0].Synced {
		t.Fatalf("expected unsynced diff, got %+v", report)
	}
	if _, ok := f.storedSymbols(t)["ETH/USDT"]; ok {
		t.Fatal("store should be untouched with auto-sync off")
	}
}

func TestService_StartStops(t *testing.T) {
	f := newFixture(t)
	f.open(t, "BTC/USDT", 1)

	svc := NewService(f.book, f.store, f.recorder, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.LastReport() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	svc.Wait()

	if svc.LastReport() == nil {
		t.Fatal("expected at least one periodic run")
	}
	if _, ok := f.storedSymbols(t)["BTC/USDT"]; !ok {
		t.Fatal("periodic run should have written the missing position")
	}
}
