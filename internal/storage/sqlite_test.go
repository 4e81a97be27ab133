package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}

func sampleOrder(id string) *models.Order {
	now := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	return &models.Order{
		OrderID:   id,
		Symbol:    "TSLA",
		Side:      models.SideBuy,
		Type:      models.TypeStop,
		Status:    models.StatusOpen,
		Qty:       dec("4"),
		FilledQty: dec("0"),
		StopPrice: nd("231.00"),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSymbolStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSymbolState("TSLA")
	assert.ErrorIs(t, err, ErrNotFound)

	until := time.Date(2025, 6, 2, 15, 20, 0, 0, time.UTC)
	st := &models.SymbolState{
		Symbol:        "TSLA",
		CooldownUntil: &until,
		LastTrailID:   "trail-1",
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.UpsertSymbolState(st, models.NewEvent(models.EventStopoutCooldown, "TSLA", nil)))

	got, err := s.GetSymbolState("TSLA")
	require.NoError(t, err)
	assert.Equal(t, "TSLA", got.Symbol)
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, got.CooldownUntil.Equal(until))
	assert.Equal(t, "trail-1", got.LastTrailID)

	// Clearing the cooldown persists a NULL.
	st.CooldownUntil = nil
	require.NoError(t, s.UpsertSymbolState(st, nil))
	got, err = s.GetSymbolState("TSLA")
	require.NoError(t, err)
	assert.Nil(t, got.CooldownUntil)

	all, err := s.AllSymbolStates()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOrderUpsertAndQueries(t *testing.T) {
	s := newTestStore(t)

	o := sampleOrder("ord-1")
	require.NoError(t, s.UpsertOrder(o, nil))

	got, err := s.GetOrder("ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status)
	assert.True(t, got.Qty.Equal(dec("4")))
	require.True(t, got.StopPrice.Valid)
	assert.True(t, got.StopPrice.Decimal.Equal(dec("231.00")))
	assert.False(t, got.LimitPrice.Valid)

	// Same order_id updates in place rather than inserting.
	o.Status = models.StatusFilled
	o.FilledQty = dec("4")
	o.FilledAvgPrice = nd("232.10")
	require.NoError(t, s.UpsertOrder(o, nil))

	got, err = s.GetOrder("ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(dec("4")))

	open, err := s.OpenOrdersBySymbol("TSLA")
	require.NoError(t, err)
	assert.Empty(t, open, "filled order should not be open")

	o2 := sampleOrder("ord-2")
	o2.CreatedAt = o.CreatedAt.Add(time.Minute)
	require.NoError(t, s.UpsertOrder(o2, nil))

	open, err = s.OpenOrders()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ord-2", open[0].OrderID)

	latest, err := s.LatestEntryOrder("TSLA")
	require.NoError(t, err)
	assert.Equal(t, "ord-2", latest.OrderID)

	_, err = s.GetOrder("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertFillIdempotent(t *testing.T) {
	s := newTestStore(t)

	f := &models.Fill{
		ExecID:    "exec-1",
		OrderID:   "ord-1",
		Symbol:    "TSLA",
		Side:      models.SideBuy,
		Qty:       dec("4"),
		Price:     dec("232.10"),
		Timestamp: time.Date(2025, 6, 2, 14, 5, 0, 0, time.UTC),
	}

	inserted, err := s.InsertFill(f, models.NewEvent(models.EventFillReceived, "TSLA", nil))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Second insert with the same exec_id is a no-op, including its event.
	inserted, err = s.InsertFill(f, models.NewEvent(models.EventFillReceived, "TSLA", nil))
	require.NoError(t, err)
	assert.False(t, inserted)

	exists, err := s.FillExists("exec-1")
	require.NoError(t, err)
	assert.True(t, exists)

	fills, err := s.RecentFills(10)
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	assert.Len(t, events, 1, "duplicate fill must not append a second event")

	n, err := s.FillCountBetween(
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecordOrderPlacementAtomic(t *testing.T) {
	s := newTestStore(t)

	o := sampleOrder("ord-1")
	st := &models.SymbolState{Symbol: "TSLA", LastParentID: "ord-1", UpdatedAt: time.Now().UTC()}
	ev := models.NewEvent(models.EventEntryOrderPlaced, "TSLA", map[string]any{"order_id": "ord-1"})

	require.NoError(t, s.RecordOrderPlacement(o, st, ev))

	got, err := s.GetSymbolState("TSLA")
	require.NoError(t, err)
	assert.Equal(t, "ord-1", got.LastParentID)

	events, err := s.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventEntryOrderPlaced, events[0].Type)
	assert.Equal(t, "ord-1", events[0].Payload["order_id"])
}

func TestEventLogOrdering(t *testing.T) {
	s := newTestStore(t)

	for _, typ := range []string{"first", "second", "third"} {
		require.NoError(t, s.AppendEvent(models.NewEvent(typ, "TSLA", nil)))
	}

	events, err := s.RecentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "third", events[0].Type)
	assert.Equal(t, "second", events[1].Type)
}

func TestSnapshots(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LatestSnapshot()
	assert.ErrorIs(t, err, ErrNotFound)

	for i, day := range []int{2, 3, 4} {
		snap := &models.PerformanceSnapshot{
			Date:         time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC),
			AccountValue: dec("100000").Add(decimal.NewFromInt(int64(i * 100))),
			Cash:         dec("60000"),
			PositionValue: dec("40000"),
			UnrealizedPnL: dec("250.50"),
			RealizedPnL:  dec("0"),
			DailyPnL:     dec("100"),
			NumPositions: 2,
			NumTrades:    i,
			CreatedAt:    time.Now().UTC(),
		}
		require.NoError(t, s.InsertSnapshot(snap))
	}

	latest, err := s.LatestSnapshot()
	require.NoError(t, err)
	assert.Equal(t, "2025-06-04", latest.Date.Format("2006-01-02"))
	assert.True(t, latest.AccountValue.Equal(dec("100200")))

	daily, err := s.DailySnapshots(2)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, "2025-06-04", daily[0].Date.Format("2006-01-02"))

	// Re-inserting the same date replaces the row.
	require.NoError(t, s.InsertSnapshot(latest))
	daily, err = s.DailySnapshots(10)
	require.NoError(t, err)
	assert.Len(t, daily, 3)
}
