package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robinzi2001-cell/trading-ai/pkg/record"
)

var ErrNotFound = errors.New("record not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer upserts boundary records either directly or inside a transaction.
type Writer struct {
	ex execer
}

// Writer returns a Writer that executes against the pool.
func (d *Database) Writer() Writer {
	return Writer{ex: d.DB}
}

// InTx runs fn inside a transaction and commits when it returns nil.
func (d *Database) InTx(ctx context.Context, fn func(w Writer) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(Writer{ex: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SaveSignal inserts or replaces a signal record.
func (w Writer) SaveSignal(ctx context.Context, r record.Record) error {
	data, err := record.Encode(r)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	_, err = w.ex.ExecContext(ctx, `
		INSERT INTO signals (id, source, asset, direction, confidence, executed, dismissed, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confidence = excluded.confidence,
			executed = excluded.executed,
			dismissed = excluded.dismissed,
			data = excluded.data
	`,
		record.String(r, "id"),
		record.String(r, "source"),
		record.String(r, "asset"),
		record.String(r, "direction"),
		r["confidence"],
		boolToInt(r["executed"]),
		boolToInt(r["dismissed"]),
		string(data),
		nonEmptyTime(record.String(r, "created_at")),
	)
	if err != nil {
		return fmt.Errorf("save signal: %w", err)
	}
	return nil
}

// SaveTrade inserts or replaces a trade record.
func (w Writer) SaveTrade(ctx context.Context, r record.Record) error {
	data, err := record.Encode(r)
	if err != nil {
		return fmt.Errorf("encode trade: %w", err)
	}
	var closedAt any
	if s := record.String(r, "exit_time"); s != "" {
		closedAt = s
	}
	_, err = w.ex.ExecContext(ctx, `
		INSERT INTO trades (id, signal_id, symbol, side, status, realized_pnl, data, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			realized_pnl = excluded.realized_pnl,
			data = excluded.data,
			closed_at = excluded.closed_at
	`,
		record.String(r, "id"),
		record.String(r, "signal_id"),
		record.String(r, "symbol"),
		record.String(r, "side"),
		record.String(r, "status"),
		r["realized_pnl"],
		string(data),
		nonEmptyTime(record.String(r, "entry_time")),
		closedAt,
	)
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// SavePosition upserts the open position for its symbol.
func (w Writer) SavePosition(ctx context.Context, r record.Record) error {
	data, err := record.Encode(r)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	_, err = w.ex.ExecContext(ctx, `
		INSERT INTO positions (symbol, trade_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			trade_id = excluded.trade_id,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		record.String(r, "symbol"),
		record.String(r, "trade_id"),
		string(data),
		nonEmptyTime(record.String(r, "updated_at")),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// DeletePosition removes the position stored for symbol. A non-empty
// tradeID restricts the delete to that trade's position.
func (w Writer) DeletePosition(ctx context.Context, symbol, tradeID string) error {
	query, args := `DELETE FROM positions WHERE symbol = ?`, []any{symbol}
	if tradeID != "" {
		query += ` AND trade_id = ?`
		args = append(args, tradeID)
	}
	if _, err := w.ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// SavePortfolio replaces the single portfolio row.
func (w Writer) SavePortfolio(ctx context.Context, r record.Record) error {
	data, err := record.Encode(r)
	if err != nil {
		return fmt.Errorf("encode portfolio: %w", err)
	}
	_, err = w.ex.ExecContext(ctx, `
		INSERT INTO portfolio (id, data, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, string(data), nonEmptyTime(record.String(r, "updated_at")))
	if err != nil {
		return fmt.Errorf("save portfolio: %w", err)
	}
	return nil
}

// SaveExecution appends an auto-execute history entry.
func (w Writer) SaveExecution(ctx context.Context, r record.Record) error {
	data, err := record.Encode(r)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	_, err = w.ex.ExecContext(ctx, `
		INSERT INTO executions (signal_id, symbol, outcome, code, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		record.String(r, "signal_id"),
		record.String(r, "symbol"),
		record.String(r, "outcome"),
		record.String(r, "code"),
		string(data),
		nonEmptyTime(record.String(r, "timestamp")),
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// ListSignals returns the newest signals first.
func (d *Database) ListSignals(ctx context.Context, limit int) ([]record.Record, error) {
	return d.queryRecords(ctx, `SELECT data FROM signals ORDER BY created_at DESC LIMIT ?`, normalizeLimit(limit))
}

// GetSignal loads one signal by id.
func (d *Database) GetSignal(ctx context.Context, id string) (record.Record, error) {
	return d.queryRecord(ctx, `SELECT data FROM signals WHERE id = ?`, id)
}

// ListTrades returns trades, newest first, optionally filtered by status.
func (d *Database) ListTrades(ctx context.Context, status string, limit int) ([]record.Record, error) {
	if status == "" {
		return d.queryRecords(ctx, `SELECT data FROM trades ORDER BY opened_at DESC LIMIT ?`, normalizeLimit(limit))
	}
	return d.queryRecords(ctx, `SELECT data FROM trades WHERE status = ? ORDER BY opened_at DESC LIMIT ?`, status, normalizeLimit(limit))
}

// GetTrade loads one trade by id.
func (d *Database) GetTrade(ctx context.Context, id string) (record.Record, error) {
	return d.queryRecord(ctx, `SELECT data FROM trades WHERE id = ?`, id)
}

// ListPositions returns all stored open positions.
func (d *Database) ListPositions(ctx context.Context) ([]record.Record, error) {
	return d.queryRecords(ctx, `SELECT data FROM positions ORDER BY symbol`)
}

// LoadPortfolio returns the stored portfolio or ErrNotFound.
func (d *Database) LoadPortfolio(ctx context.Context) (record.Record, error) {
	return d.queryRecord(ctx, `SELECT data FROM portfolio WHERE id = 1`)
}

// ListExecutions returns auto-execute history, newest first.
func (d *Database) ListExecutions(ctx context.Context, limit int) ([]record.Record, error) {
	return d.queryRecords(ctx, `SELECT data FROM executions ORDER BY seq DESC LIMIT ?`, normalizeLimit(limit))
}

func (d *Database) queryRecord(ctx context.Context, query string, args ...any) (record.Record, error) {
	var data string
	if err := d.DB.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r, err := record.Decode([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

func (d *Database) queryRecords(ctx context.Context, query string, args ...any) ([]record.Record, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make([]record.Record, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r, err := record.Decode([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func boolToInt(v any) int {
	if b, ok := v.(bool); ok && b {
		return 1
	}
	return 0
}

func nonEmptyTime(s string) string {
	if s == "" {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return s
}
