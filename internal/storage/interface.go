package storage

import (
	"time"

	"trailbot/internal/models"
)

// Interface defines the contract for durable bot state: orders, fills, the
// per-symbol state rows, the append-only event log, and daily performance
// snapshots.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe.
//
// Mutations that the bot treats as one observable state change take the
// event alongside the row and must commit both atomically, so the event log
// can always replay the bot's actions.
type Interface interface {
	// Per-symbol state
	GetSymbolState(symbol string) (*models.SymbolState, error)
	UpsertSymbolState(state *models.SymbolState, ev *models.Event) error
	AllSymbolStates() ([]models.SymbolState, error)

	// Orders
	GetOrder(orderID string) (*models.Order, error)
	UpsertOrder(order *models.Order, ev *models.Event) error
	OpenOrders() ([]models.Order, error)
	OpenOrdersBySymbol(symbol string) ([]models.Order, error)
	LatestEntryOrder(symbol string) (*models.Order, error)

	// RecordOrderPlacement commits a freshly submitted order, the updated
	// symbol state, and the placement event in one transaction.
	RecordOrderPlacement(order *models.Order, state *models.SymbolState, ev *models.Event) error

	// Fills. InsertFill is idempotent on exec_id: inserted reports whether
	// the row was new.
	FillExists(execID string) (bool, error)
	InsertFill(fill *models.Fill, ev *models.Event) (inserted bool, err error)
	RecentFills(limit int) ([]models.Fill, error)
	FillCountBetween(start, end time.Time) (int, error)

	// Event log
	AppendEvent(ev *models.Event) error
	RecentEvents(limit int) ([]models.Event, error)

	// Performance snapshots
	InsertSnapshot(snap *models.PerformanceSnapshot) error
	LatestSnapshot() (*models.PerformanceSnapshot, error)
	DailySnapshots(limit int) ([]models.PerformanceSnapshot, error)

	Close() error
}

// NewStorage opens the default SQLite-backed implementation.
func NewStorage(dbPath string) (Interface, error) {
	return NewSQLiteStorage(dbPath)
}

// Ensure SQLiteStorage implements Interface
var _ Interface = (*SQLiteStorage)(nil)
