package db

import (
	"context"
	"errors"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
}

func TestSignalUpsertAndList(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	w := database.Writer()

	sig := map[string]any{
		"id":           "sig-1",
		"source":       "webhook",
		"asset":        "BTC/USDT",
		"direction":    "long",
		"confidence":   0.9,
		"take_profits": []float64{99000, 102000},
		"executed":     false,
		"created_at":   "2025-01-01T00:00:00Z",
	}
	if err := w.SaveSignal(ctx, sig); err != nil {
		t.Fatalf("SaveSignal: %v", err)
	}
	sig["executed"] = true
	if err := w.SaveSignal(ctx, sig); err != nil {
		t.Fatalf("SaveSignal (update): %v", err)
	}

	list, err := database.ListSignals(ctx, 10)
	if err != nil {
		t.Fatalf("ListSignals: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("len=%d, expected 1", len(list))
	}
	if list[0]["executed"] != true {
		t.Fatalf("executed=%v, expected true", list[0]["executed"])
	}
	tps, ok := list[0]["take_profits"].([]any)
	if !ok || len(tps) != 2 {
		t.Fatalf("take_profits=%v, expected two values", list[0]["take_profits"])
	}
}

func TestTradeLifecycleRows(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	trade := map[string]any{
		"id":         "t-1",
		"signal_id":  "sig-1",
		"symbol":     "ETH/USDT",
		"side":       "short",
		"status":     "open",
		"entry_time": "2025-01-01T00:00:00Z",
	}
	position := map[string]any{"symbol": "ETH/USDT", "trade_id": "t-1", "quantity": 2.0}

	err := database.InTx(ctx, func(w Writer) error {
		if err := w.SaveTrade(ctx, trade); err != nil {
			return err
		}
		return w.SavePosition(ctx, position)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	open, err := database.ListTrades(ctx, "open", 0)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListTrades(open)=%v err=%v", open, err)
	}

	trade["status"] = "closed"
	trade["exit_time"] = "2025-01-02T00:00:00Z"
	trade["realized_pnl"] = 12.5
	w := database.Writer()
	if err := w.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("SaveTrade: %v", err)
	}
	if err := w.DeletePosition(ctx, "ETH/USDT", ""); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}

	got, err := database.GetTrade(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got["status"] != "closed" || got["realized_pnl"] != 12.5 {
		t.Fatalf("trade=%v, expected closed with pnl", got)
	}
	positions, err := database.ListPositions(ctx)
	if err != nil || len(positions) != 0 {
		t.Fatalf("ListPositions=%v err=%v, expected empty", positions, err)
	}
	if _, err := database.GetTrade(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, expected ErrNotFound", err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.InTx(ctx, func(w Writer) error {
		if err := w.SavePortfolio(ctx, map[string]any{"current_balance": 1.0}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, expected boom", err)
	}
	if _, err := database.LoadPortfolio(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadPortfolio err=%v, expected ErrNotFound after rollback", err)
	}
}

func TestExecutionsNewestFirst(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	w := database.Writer()

	for _, code := range []string{"cooldown", "executed", "daily-limit"} {
		if err := w.SaveExecution(ctx, map[string]any{"symbol": "BTC/USDT", "outcome": "rejected", "code": code}); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
	}
	list, err := database.ListExecutions(ctx, 2)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 2 || list[0]["code"] != "daily-limit" {
		t.Fatalf("list=%v, expected newest first", list)
	}
}
