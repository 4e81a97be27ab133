// Package storage persists bot state in SQLite: orders, fills, per-symbol
// state, the audit event log, and daily performance snapshots.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"trailbot/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS state (
	symbol         TEXT PRIMARY KEY,
	cooldown_until TEXT,
	last_parent_id TEXT NOT NULL DEFAULT '',
	last_trail_id  TEXT NOT NULL DEFAULT '',
	updated_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	order_id         TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	qty              TEXT NOT NULL,
	filled_qty       TEXT NOT NULL DEFAULT '0',
	filled_avg_price TEXT,
	stop_price       TEXT,
	limit_price      TEXT,
	trail_percent    TEXT,
	parent_id        TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders(symbol, status);
CREATE TABLE IF NOT EXISTS fills (
	exec_id   TEXT PRIMARY KEY,
	order_id  TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	side      TEXT NOT NULL,
	qty       TEXT NOT NULL,
	price     TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_symbol_ts ON fills(symbol, timestamp);
CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	type      TEXT NOT NULL,
	symbol    TEXT NOT NULL DEFAULT '',
	payload   TEXT,
	timestamp TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS performance_snapshots (
	date           TEXT PRIMARY KEY,
	account_value  TEXT NOT NULL,
	cash           TEXT NOT NULL,
	position_value TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	realized_pnl   TEXT NOT NULL,
	daily_pnl      TEXT NOT NULL,
	num_positions  INTEGER NOT NULL,
	num_trades     INTEGER NOT NULL,
	created_at     TEXT NOT NULL
);
`

// SQLiteStorage implements Interface on an embedded SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (creating if needed) the database at dbPath.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn under the poll loop.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func toDB(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fromDB(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTimeToDB(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toDB(*t)
}

func nullDecToDB(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func scanDec(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func scanNullDec(ns sql.NullString) (decimal.NullDecimal, error) {
	if !ns.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

// GetSymbolState returns the persisted state row, or ErrNotFound.
func (s *SQLiteStorage) GetSymbolState(symbol string) (*models.SymbolState, error) {
	row := s.db.QueryRow(
		`SELECT symbol, cooldown_until, last_parent_id, last_trail_id, updated_at FROM state WHERE symbol = ?`, symbol)
	return scanSymbolState(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSymbolState(row rowScanner) (*models.SymbolState, error) {
	var st models.SymbolState
	var cooldown sql.NullString
	var updated string
	if err := row.Scan(&st.Symbol, &cooldown, &st.LastParentID, &st.LastTrailID, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning state row: %w", err)
	}
	if cooldown.Valid {
		t, err := fromDB(cooldown.String)
		if err != nil {
			return nil, fmt.Errorf("parsing cooldown_until: %w", err)
		}
		st.CooldownUntil = &t
	}
	t, err := fromDB(updated)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	st.UpdatedAt = t
	return &st, nil
}

// UpsertSymbolState writes the state row and its event in one transaction.
// ev may be nil for silent updates (e.g. cooldown expiry).
func (s *SQLiteStorage) UpsertSymbolState(state *models.SymbolState, ev *models.Event) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := upsertStateTx(tx, state); err != nil {
			return err
		}
		return appendEventTx(tx, ev)
	})
}

// AllSymbolStates returns every persisted state row.
func (s *SQLiteStorage) AllSymbolStates() ([]models.SymbolState, error) {
	rows, err := s.db.Query(
		`SELECT symbol, cooldown_until, last_parent_id, last_trail_id, updated_at FROM state ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("querying states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.SymbolState
	for rows.Next() {
		st, err := scanSymbolState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// GetOrder returns one order by broker id, or ErrNotFound.
func (s *SQLiteStorage) GetOrder(orderID string) (*models.Order, error) {
	row := s.db.QueryRow(selectOrders+` WHERE order_id = ?`, orderID)
	return scanOrder(row)
}

const selectOrders = `SELECT order_id, symbol, side, type, status, qty, filled_qty,
	filled_avg_price, stop_price, limit_price, trail_percent, parent_id, created_at, updated_at FROM orders`

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var qty, filledQty, created, updated string
	var avg, stop, limit, trail sql.NullString
	err := row.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.Type, &o.Status, &qty, &filledQty,
		&avg, &stop, &limit, &trail, &o.ParentID, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning order row: %w", err)
	}
	if o.Qty, err = scanDec(qty); err != nil {
		return nil, fmt.Errorf("parsing qty: %w", err)
	}
	if o.FilledQty, err = scanDec(filledQty); err != nil {
		return nil, fmt.Errorf("parsing filled_qty: %w", err)
	}
	if o.FilledAvgPrice, err = scanNullDec(avg); err != nil {
		return nil, fmt.Errorf("parsing filled_avg_price: %w", err)
	}
	if o.StopPrice, err = scanNullDec(stop); err != nil {
		return nil, fmt.Errorf("parsing stop_price: %w", err)
	}
	if o.LimitPrice, err = scanNullDec(limit); err != nil {
		return nil, fmt.Errorf("parsing limit_price: %w", err)
	}
	if o.TrailPercent, err = scanNullDec(trail); err != nil {
		return nil, fmt.Errorf("parsing trail_percent: %w", err)
	}
	if o.CreatedAt, err = fromDB(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if o.UpdatedAt, err = fromDB(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &o, nil
}

// UpsertOrder writes the order keyed on order_id, plus its event if any.
func (s *SQLiteStorage) UpsertOrder(order *models.Order, ev *models.Event) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := upsertOrderTx(tx, order); err != nil {
			return err
		}
		return appendEventTx(tx, ev)
	})
}

// OpenOrders returns all locally tracked working orders.
func (s *SQLiteStorage) OpenOrders() ([]models.Order, error) {
	return s.queryOrders(selectOrders + ` WHERE status IN ('pending','open','partially_filled') ORDER BY created_at`)
}

// OpenOrdersBySymbol returns working orders for one symbol, oldest first.
func (s *SQLiteStorage) OpenOrdersBySymbol(symbol string) ([]models.Order, error) {
	return s.queryOrders(
		selectOrders+` WHERE symbol = ? AND status IN ('pending','open','partially_filled') ORDER BY created_at`, symbol)
}

// LatestEntryOrder returns the most recently created BUY order for the
// symbol, or ErrNotFound.
func (s *SQLiteStorage) LatestEntryOrder(symbol string) (*models.Order, error) {
	row := s.db.QueryRow(selectOrders+` WHERE symbol = ? AND side = 'BUY' ORDER BY created_at DESC LIMIT 1`, symbol)
	return scanOrder(row)
}

func (s *SQLiteStorage) queryOrders(query string, args ...any) ([]models.Order, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// RecordOrderPlacement commits the new order, the symbol state pointing at
// it, and the placement event atomically.
func (s *SQLiteStorage) RecordOrderPlacement(order *models.Order, state *models.SymbolState, ev *models.Event) error {
	return s.inTx(func(tx *sql.Tx) error {
		if err := upsertOrderTx(tx, order); err != nil {
			return err
		}
		if err := upsertStateTx(tx, state); err != nil {
			return err
		}
		return appendEventTx(tx, ev)
	})
}

// FillExists reports whether the execution id is already recorded.
func (s *SQLiteStorage) FillExists(execID string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM fills WHERE exec_id = ?`, execID).Scan(&n); err != nil {
		return false, fmt.Errorf("querying fill existence: %w", err)
	}
	return n > 0, nil
}

// InsertFill records the fill and its event atomically. A duplicate exec_id
// is a no-op (no event row either) and reports inserted=false.
func (s *SQLiteStorage) InsertFill(fill *models.Fill, ev *models.Event) (bool, error) {
	inserted := false
	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT OR IGNORE INTO fills (exec_id, order_id, symbol, side, qty, price, timestamp) VALUES (?,?,?,?,?,?,?)`,
			fill.ExecID, fill.OrderID, fill.Symbol, string(fill.Side),
			fill.Qty.String(), fill.Price.String(), toDB(fill.Timestamp))
		if err != nil {
			return fmt.Errorf("inserting fill: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking fill insert: %w", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true
		return appendEventTx(tx, ev)
	})
	return inserted, err
}

// RecentFills returns up to limit fills, newest first.
func (s *SQLiteStorage) RecentFills(limit int) ([]models.Fill, error) {
	rows, err := s.db.Query(
		`SELECT exec_id, order_id, symbol, side, qty, price, timestamp FROM fills ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying fills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Fill
	for rows.Next() {
		var f models.Fill
		var qty, price, ts string
		if err := rows.Scan(&f.ExecID, &f.OrderID, &f.Symbol, &f.Side, &qty, &price, &ts); err != nil {
			return nil, fmt.Errorf("scanning fill row: %w", err)
		}
		if f.Qty, err = scanDec(qty); err != nil {
			return nil, fmt.Errorf("parsing fill qty: %w", err)
		}
		if f.Price, err = scanDec(price); err != nil {
			return nil, fmt.Errorf("parsing fill price: %w", err)
		}
		if f.Timestamp, err = fromDB(ts); err != nil {
			return nil, fmt.Errorf("parsing fill timestamp: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// FillCountBetween counts fills with start <= timestamp < end.
func (s *SQLiteStorage) FillCountBetween(start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM fills WHERE timestamp >= ? AND timestamp < ?`, toDB(start), toDB(end)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting fills: %w", err)
	}
	return n, nil
}

// AppendEvent writes one audit log row.
func (s *SQLiteStorage) AppendEvent(ev *models.Event) error {
	return s.inTx(func(tx *sql.Tx) error {
		return appendEventTx(tx, ev)
	})
}

// RecentEvents returns up to limit events, newest first.
func (s *SQLiteStorage) RecentEvents(limit int) ([]models.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, type, symbol, payload, timestamp FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var payload sql.NullString
		var ts string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Symbol, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("parsing event payload: %w", err)
			}
		}
		if ev.Timestamp, err = fromDB(ts); err != nil {
			return nil, fmt.Errorf("parsing event timestamp: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InsertSnapshot writes (or replaces) the snapshot for its date.
func (s *SQLiteStorage) InsertSnapshot(snap *models.PerformanceSnapshot) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO performance_snapshots
		(date, account_value, cash, position_value, unrealized_pnl, realized_pnl, daily_pnl, num_positions, num_trades, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		snap.Date.UTC().Format("2006-01-02"),
		snap.AccountValue.String(), snap.Cash.String(), snap.PositionValue.String(),
		snap.UnrealizedPnL.String(), snap.RealizedPnL.String(), snap.DailyPnL.String(),
		snap.NumPositions, snap.NumTrades, toDB(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or ErrNotFound.
func (s *SQLiteStorage) LatestSnapshot() (*models.PerformanceSnapshot, error) {
	snaps, err := s.querySnapshots(1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return &snaps[0], nil
}

// DailySnapshots returns up to limit snapshots, newest first.
func (s *SQLiteStorage) DailySnapshots(limit int) ([]models.PerformanceSnapshot, error) {
	return s.querySnapshots(limit)
}

func (s *SQLiteStorage) querySnapshots(limit int) ([]models.PerformanceSnapshot, error) {
	rows, err := s.db.Query(
		`SELECT date, account_value, cash, position_value, unrealized_pnl, realized_pnl, daily_pnl, num_positions, num_trades, created_at
		FROM performance_snapshots ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.PerformanceSnapshot
	for rows.Next() {
		var sn models.PerformanceSnapshot
		var date, av, cash, pv, upnl, rpnl, dpnl, created string
		if err := rows.Scan(&date, &av, &cash, &pv, &upnl, &rpnl, &dpnl, &sn.NumPositions, &sn.NumTrades, &created); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		if sn.Date, err = time.Parse("2006-01-02", date); err != nil {
			return nil, fmt.Errorf("parsing snapshot date: %w", err)
		}
		for _, pair := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&sn.AccountValue, av}, {&sn.Cash, cash}, {&sn.PositionValue, pv},
			{&sn.UnrealizedPnL, upnl}, {&sn.RealizedPnL, rpnl}, {&sn.DailyPnL, dpnl},
		} {
			d, err := scanDec(pair.src)
			if err != nil {
				return nil, fmt.Errorf("parsing snapshot value: %w", err)
			}
			*pair.dst = d
		}
		if sn.CreatedAt, err = fromDB(created); err != nil {
			return nil, fmt.Errorf("parsing snapshot created_at: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func upsertStateTx(tx *sql.Tx, st *models.SymbolState) error {
	_, err := tx.Exec(
		`INSERT INTO state (symbol, cooldown_until, last_parent_id, last_trail_id, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			cooldown_until = excluded.cooldown_until,
			last_parent_id = excluded.last_parent_id,
			last_trail_id  = excluded.last_trail_id,
			updated_at     = excluded.updated_at`,
		st.Symbol, nullTimeToDB(st.CooldownUntil), st.LastParentID, st.LastTrailID, toDB(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting state: %w", err)
	}
	return nil
}

func upsertOrderTx(tx *sql.Tx, o *models.Order) error {
	_, err := tx.Exec(
		`INSERT INTO orders (order_id, symbol, side, type, status, qty, filled_qty,
			filled_avg_price, stop_price, limit_price, trail_percent, parent_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(order_id) DO UPDATE SET
			status           = excluded.status,
			qty              = excluded.qty,
			filled_qty       = excluded.filled_qty,
			filled_avg_price = excluded.filled_avg_price,
			stop_price       = excluded.stop_price,
			limit_price      = excluded.limit_price,
			trail_percent    = excluded.trail_percent,
			updated_at       = excluded.updated_at`,
		o.OrderID, o.Symbol, string(o.Side), string(o.Type), string(o.Status),
		o.Qty.String(), o.FilledQty.String(),
		nullDecToDB(o.FilledAvgPrice), nullDecToDB(o.StopPrice), nullDecToDB(o.LimitPrice), nullDecToDB(o.TrailPercent),
		o.ParentID, toDB(o.CreatedAt), toDB(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting order: %w", err)
	}
	return nil
}

func appendEventTx(tx *sql.Tx, ev *models.Event) error {
	if ev == nil {
		return nil
	}
	var payload any
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encoding event payload: %w", err)
		}
		payload = string(b)
	}
	if _, err := tx.Exec(
		`INSERT INTO events (type, symbol, payload, timestamp) VALUES (?,?,?,?)`,
		ev.Type, ev.Symbol, payload, toDB(ev.Timestamp)); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}
