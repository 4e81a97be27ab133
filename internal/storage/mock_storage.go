package storage

import (
	"sort"
	"sync"
	"time"

	"trailbot/internal/models"
)

// MockStorage implements Interface in memory for testing.
type MockStorage struct {
	mu        sync.Mutex
	states    map[string]models.SymbolState
	orders    map[string]models.Order
	fills     map[string]models.Fill
	events    []models.Event
	snapshots map[string]models.PerformanceSnapshot
	nextEvent int64

	// Optional injected failures.
	UpsertOrderErr error
	InsertFillErr  error
}

// NewMockStorage creates an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		states:    make(map[string]models.SymbolState),
		orders:    make(map[string]models.Order),
		fills:     make(map[string]models.Fill),
		snapshots: make(map[string]models.PerformanceSnapshot),
		nextEvent: 1,
	}
}

var _ Interface = (*MockStorage)(nil)

func (m *MockStorage) appendEventLocked(ev *models.Event) {
	if ev == nil {
		return
	}
	e := *ev
	e.ID = m.nextEvent
	m.nextEvent++
	m.events = append(m.events, e)
}

// GetSymbolState returns the stored state or ErrNotFound.
func (m *MockStorage) GetSymbolState(symbol string) (*models.SymbolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

// UpsertSymbolState stores the state and appends the event if non-nil.
func (m *MockStorage) UpsertSymbolState(state *models.SymbolState, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Symbol] = *state
	m.appendEventLocked(ev)
	return nil
}

// AllSymbolStates returns every state row sorted by symbol.
func (m *MockStorage) AllSymbolStates() ([]models.SymbolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SymbolState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// GetOrder returns the stored order or ErrNotFound.
func (m *MockStorage) GetOrder(orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

// UpsertOrder stores the order and appends the event if non-nil.
func (m *MockStorage) UpsertOrder(order *models.Order, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertOrderErr != nil {
		return m.UpsertOrderErr
	}
	m.orders[order.OrderID] = *order
	m.appendEventLocked(ev)
	return nil
}

// OpenOrders returns all working orders, oldest first.
func (m *MockStorage) OpenOrders() ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrdersLocked(""), nil
}

// OpenOrdersBySymbol returns working orders for one symbol, oldest first.
func (m *MockStorage) OpenOrdersBySymbol(symbol string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrdersLocked(symbol), nil
}

func (m *MockStorage) openOrdersLocked(symbol string) []models.Order {
	var out []models.Order
	for _, o := range m.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if o.Status.IsOpen() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// LatestEntryOrder returns the newest BUY order for the symbol.
func (m *MockStorage) LatestEntryOrder(symbol string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Order
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Side != models.SideBuy {
			continue
		}
		o := o
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			latest = &o
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

// RecordOrderPlacement stores order + state + event together.
func (m *MockStorage) RecordOrderPlacement(order *models.Order, state *models.SymbolState, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertOrderErr != nil {
		return m.UpsertOrderErr
	}
	m.orders[order.OrderID] = *order
	m.states[state.Symbol] = *state
	m.appendEventLocked(ev)
	return nil
}

// FillExists reports whether the exec id is recorded.
func (m *MockStorage) FillExists(execID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.fills[execID]
	return ok, nil
}

// InsertFill stores the fill idempotently on exec_id.
func (m *MockStorage) InsertFill(fill *models.Fill, ev *models.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertFillErr != nil {
		return false, m.InsertFillErr
	}
	if _, ok := m.fills[fill.ExecID]; ok {
		return false, nil
	}
	m.fills[fill.ExecID] = *fill
	m.appendEventLocked(ev)
	return true, nil
}

// RecentFills returns up to limit fills, newest first.
func (m *MockStorage) RecentFills(limit int) ([]models.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Fill, 0, len(m.fills))
	for _, f := range m.fills {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FillCountBetween counts fills with start <= ts < end.
func (m *MockStorage) FillCountBetween(start, end time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.fills {
		if !f.Timestamp.Before(start) && f.Timestamp.Before(end) {
			n++
		}
	}
	return n, nil
}

// AppendEvent records one event.
func (m *MockStorage) AppendEvent(ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(ev)
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (m *MockStorage) RecentEvents(limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, 0, limit)
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// EventsOfType returns all stored events with the given type, oldest first.
// Test helper, not part of Interface.
func (m *MockStorage) EventsOfType(eventType string) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// InsertSnapshot stores the snapshot keyed by date.
func (m *MockStorage) InsertSnapshot(snap *models.PerformanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.Date.UTC().Format("2006-01-02")] = *snap
	return nil
}

// LatestSnapshot returns the newest snapshot or ErrNotFound.
func (m *MockStorage) LatestSnapshot() (*models.PerformanceSnapshot, error) {
	snaps, err := m.DailySnapshots(1)
	if err != nil || len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return &snaps[0], nil
}

// DailySnapshots returns up to limit snapshots, newest first.
func (m *MockStorage) DailySnapshots(limit int) ([]models.PerformanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PerformanceSnapshot, 0, len(m.snapshots))
	for _, sn := range m.snapshots {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStorage) Close() error { return nil }
