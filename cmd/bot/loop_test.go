package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/broker"
	"trailbot/internal/calendar"
	"trailbot/internal/config"
	"trailbot/internal/controller"
	"trailbot/internal/engine"
	"trailbot/internal/models"
	"trailbot/internal/performance"
	"trailbot/internal/retry"
	"trailbot/internal/sizing"
	"trailbot/internal/storage"
)

// A Tuesday at 10:30 ET.
var sessionTime = time.Date(2026, 6, 2, 14, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func testConfig() *config.Config {
	return &config.Config{
		Mode:      "paper",
		Watchlist: []string{"TSLA"},
		Allocation: config.AllocationConfig{
			TotalUSDCap:  20000,
			PerSymbolUSD: 1000,
		},
		Entries: config.EntriesConfig{
			Type:                "buy_stop",
			BuyStopPctAboveLast: 5,
			StopLimitMaxSlipPct: 1,
			CancelAtClose:       true,
			EODCancelMinutes:    15,
		},
		Stops: config.StopsConfig{
			TrailingStopPct:  10,
			StabilizeSeconds: 10,
		},
		Risk: config.RiskConfig{
			MaxTotalExposureUSD:  50000,
			MaxSymbolExposureUSD: 5000,
		},
		Hours:     config.HoursConfig{Calendar: "XNYS"},
		Cooldowns: config.CooldownsConfig{AfterStopoutMinutes: 20},
		Polling: config.PollingConfig{
			PriceSeconds:      10,
			OrdersSeconds:     15,
			KeepaliveSeconds:  60,
			StalenessSeconds:  30,
			BrokerCallSeconds: 10,
		},
	}
}

func newLoop(t *testing.T, cfg *config.Config) (*Loop, *broker.Paper, *storage.MockStorage) {
	t.Helper()
	cal, err := calendar.New("XNYS", calendar.ExtendedHours{})
	require.NoError(t, err)
	paper := broker.NewPaper(dec("100000"))
	store := storage.NewMockStorage()
	eng := engine.New(paper, store, testLogger(), cfg.TickInterval())
	sizer := sizing.New(cfg)

	var controllers []*controller.Controller
	for _, symbol := range cfg.Symbols() {
		c := controller.New(symbol, cfg, paper, store, sizer, cal,
			testLogger(), retry.NewBackoff(retry.DefaultConfig(cfg.TickInterval())))
		eng.Register(symbol, c)
		controllers = append(controllers, c)
	}
	tracker := performance.New(store, testLogger(), cal.Location())
	return NewLoop(cfg, paper, store, eng, controllers, cal, tracker, testLogger()), paper, store
}

func openOrdersFor(t *testing.T, p *broker.Paper, symbol string) []models.Order {
	t.Helper()
	open, err := p.OpenOrders(context.Background())
	require.NoError(t, err)
	var out []models.Order
	for _, o := range open {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// Entry placed, filled, protected, stopped out, cooled down: the whole
// lifecycle across four ticks.
func TestLoopFullLifecycle(t *testing.T) {
	cfg := testConfig()
	loop, paper, store := newLoop(t, cfg)
	ctx := context.Background()

	t1 := sessionTime
	paper.SetQuote("TSLA", dec("220"), t1)
	require.NoError(t, loop.Tick(ctx, t1))

	open := openOrdersFor(t, paper, "TSLA")
	require.Len(t, open, 1, "breakout entry placed")
	require.Equal(t, models.TypeStop, open[0].Type)
	entryID := open[0].OrderID
	assert.Len(t, store.EventsOfType(models.EventEntryOrderPlaced), 1)

	// Price breaks out, the stop triggers.
	t2 := t1.Add(15 * time.Second)
	require.NoError(t, paper.Fill(entryID, dec("232.10"), t2))
	require.NoError(t, loop.Tick(ctx, t2))

	open = openOrdersFor(t, paper, "TSLA")
	require.Len(t, open, 1, "protective placed after the entry fill")
	require.Equal(t, models.TypeTrailingStop, open[0].Type)
	trailID := open[0].OrderID
	assert.Len(t, store.EventsOfType(models.EventTrailPlaced), 1)

	state, err := store.GetSymbolState("TSLA")
	require.NoError(t, err)
	assert.Equal(t, trailID, state.LastTrailID)

	// The trail stops out.
	t3 := t2.Add(15 * time.Second)
	require.NoError(t, paper.Fill(trailID, dec("208.85"), t3))
	require.NoError(t, loop.Tick(ctx, t3))

	state, err = store.GetSymbolState("TSLA")
	require.NoError(t, err)
	require.NotNil(t, state.CooldownUntil)
	assert.True(t, state.CooldownUntil.Equal(t3.Add(20*time.Minute)))
	assert.Len(t, store.EventsOfType(models.EventStopoutCooldown), 1)

	// Cooling down: a fresh quote does not re-arm.
	t4 := t3.Add(15 * time.Second)
	paper.SetQuote("TSLA", dec("215"), t4)
	require.NoError(t, loop.Tick(ctx, t4))
	assert.Empty(t, openOrdersFor(t, paper, "TSLA"))
}

func TestLoopCancelsEntriesNearClose(t *testing.T) {
	cfg := testConfig()
	loop, paper, store := newLoop(t, cfg)
	ctx := context.Background()

	id, err := paper.SubmitEntry(ctx, broker.EntryOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("4"), StopTrigger: dec("231"),
	})
	require.NoError(t, err)

	// 15:50 ET, ten minutes before the close.
	nearClose := time.Date(2026, 6, 2, 19, 50, 0, 0, time.UTC)
	require.NoError(t, loop.Tick(ctx, nearClose))

	o, ok := paper.Order(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusCanceled, o.Status)
	assert.Len(t, store.EventsOfType(models.EventEntryCancelledEOD), 1)
	assert.Len(t, store.EventsOfType(models.EventEODCancelsDone), 1)

	// The sweep latches for the session.
	require.NoError(t, loop.Tick(ctx, nearClose.Add(15*time.Second)))
	assert.Len(t, store.EventsOfType(models.EventEODCancelsDone), 1)
}

// The sweep triggers at exactly eod_cancel_minutes before the close, not a
// minute earlier.
func TestLoopEODCancelBoundary(t *testing.T) {
	cfg := testConfig() // eod_cancel_minutes: 15
	loop, paper, store := newLoop(t, cfg)
	ctx := context.Background()

	id, err := paper.SubmitEntry(ctx, broker.EntryOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("4"), StopTrigger: dec("231"),
	})
	require.NoError(t, err)

	// 15:44 ET: sixteen minutes to the 16:00 close, outside the threshold.
	require.NoError(t, loop.Tick(ctx, time.Date(2026, 6, 2, 19, 44, 0, 0, time.UTC)))
	o, ok := paper.Order(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusOpen, o.Status)
	assert.Empty(t, store.EventsOfType(models.EventEODCancelsDone))

	// 15:45 ET: exactly fifteen minutes left.
	require.NoError(t, loop.Tick(ctx, time.Date(2026, 6, 2, 19, 45, 0, 0, time.UTC)))
	o, ok = paper.Order(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusCanceled, o.Status)
	assert.Len(t, store.EventsOfType(models.EventEODCancelsDone), 1)
}

// cancelFailBroker fails Cancel with a transport error until told otherwise.
type cancelFailBroker struct {
	*broker.Paper
	fail bool
}

func (b *cancelFailBroker) Cancel(ctx context.Context, orderID string) error {
	if b.fail {
		return broker.NewError(broker.KindTransport, "cancel", errors.New("gateway timeout"))
	}
	return b.Paper.Cancel(ctx, orderID)
}

// A transport failure during the close-out sweep must not latch the
// session: the kept entry gets swept again on the next tick.
func TestLoopRetriesEODCancelAfterFailure(t *testing.T) {
	cfg := testConfig()
	cal, err := calendar.New("XNYS", calendar.ExtendedHours{})
	require.NoError(t, err)
	paper := broker.NewPaper(dec("100000"))
	flaky := &cancelFailBroker{Paper: paper, fail: true}
	store := storage.NewMockStorage()
	eng := engine.New(flaky, store, testLogger(), cfg.EventCheckInterval())
	tracker := performance.New(store, testLogger(), cal.Location())
	loop := NewLoop(cfg, flaky, store, eng, nil, cal, tracker, testLogger())
	ctx := context.Background()

	id, err := paper.SubmitEntry(ctx, broker.EntryOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("4"), StopTrigger: dec("231"),
	})
	require.NoError(t, err)

	nearClose := time.Date(2026, 6, 2, 19, 50, 0, 0, time.UTC)
	require.NoError(t, loop.Tick(ctx, nearClose))

	o, ok := paper.Order(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusOpen, o.Status, "failed cancel keeps the order")
	assert.Empty(t, store.EventsOfType(models.EventEODCancelsDone), "incomplete sweep must not latch")

	flaky.fail = false
	require.NoError(t, loop.Tick(ctx, nearClose.Add(15*time.Second)))

	o, ok = paper.Order(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusCanceled, o.Status)
	assert.Len(t, store.EventsOfType(models.EventEODCancelsDone), 1)
}

// A store write failure during the poll is unrecoverable and must surface
// out of the tick instead of being absorbed.
func TestLoopTickPropagatesStoreFailure(t *testing.T) {
	cfg := testConfig()
	loop, paper, store := newLoop(t, cfg)
	ctx := context.Background()

	id, err := paper.SubmitEntry(ctx, broker.EntryOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("4"), StopTrigger: dec("231"),
	})
	require.NoError(t, err)
	require.NoError(t, paper.Fill(id, dec("232.10"), sessionTime))

	store.InsertFillErr = errors.New("database is locked")
	err = loop.Tick(ctx, sessionTime)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrStore)
}

// replayedState folds the audit log back into the per-symbol tracking
// state, oldest event first.
func replayedState(t *testing.T, store *storage.MockStorage, symbol string) models.SymbolState {
	t.Helper()
	newest, err := store.RecentEvents(500)
	require.NoError(t, err)

	state := models.SymbolState{Symbol: symbol}
	for i := len(newest) - 1; i >= 0; i-- {
		ev := newest[i]
		if ev.Symbol != symbol {
			continue
		}
		switch ev.Type {
		case models.EventEntryOrderPlaced:
			state.LastParentID = ev.Payload["order_id"].(string)
		case models.EventTrailPlaced, models.EventProtectiveRecreated, models.EventProtectiveRequantified:
			state.LastTrailID = ev.Payload["order_id"].(string)
		case models.EventDuplicateStopCancelled, models.EventOrphanStopCancelled:
			if state.LastTrailID == ev.Payload["order_id"].(string) {
				state.LastTrailID = ""
			}
		case models.EventStopoutCooldown:
			until, err := time.Parse(time.RFC3339, ev.Payload["cooldown_until"].(string))
			require.NoError(t, err)
			state.CooldownUntil = &until
			state.LastTrailID = ""
			state.LastParentID = ""
		}
	}
	return state
}

// Replaying the event log alone must reproduce the stored tracking state
// at every stage of the lifecycle.
func TestEventLogReplayRebuildsState(t *testing.T) {
	cfg := testConfig()
	loop, paper, store := newLoop(t, cfg)
	ctx := context.Background()

	t1 := sessionTime
	paper.SetQuote("TSLA", dec("220"), t1)
	require.NoError(t, loop.Tick(ctx, t1))

	entryID := openOrdersFor(t, paper, "TSLA")[0].OrderID
	state, err := store.GetSymbolState("TSLA")
	require.NoError(t, err)
	assert.Equal(t, state.LastParentID, replayedState(t, store, "TSLA").LastParentID)
	assert.Equal(t, entryID, replayedState(t, store, "TSLA").LastParentID)

	t2 := t1.Add(15 * time.Second)
	require.NoError(t, paper.Fill(entryID, dec("232.10"), t2))
	require.NoError(t, loop.Tick(ctx, t2))

	state, err = store.GetSymbolState("TSLA")
	require.NoError(t, err)
	trailID := state.LastTrailID
	require.NotEmpty(t, trailID)
	assert.Equal(t, trailID, replayedState(t, store, "TSLA").LastTrailID)

	t3 := t2.Add(15 * time.Second)
	require.NoError(t, paper.Fill(trailID, dec("208.85"), t3))
	require.NoError(t, loop.Tick(ctx, t3))

	state, err = store.GetSymbolState("TSLA")
	require.NoError(t, err)
	replayed := replayedState(t, store, "TSLA")
	assert.Equal(t, state.LastParentID, replayed.LastParentID)
	assert.Equal(t, state.LastTrailID, replayed.LastTrailID)
	require.NotNil(t, state.CooldownUntil)
	require.NotNil(t, replayed.CooldownUntil)
	assert.True(t, state.CooldownUntil.Equal(*replayed.CooldownUntil))
}

func TestLoopSnapshotsOncePerDay(t *testing.T) {
	cfg := testConfig()
	loop, _, store := newLoop(t, cfg)
	ctx := context.Background()

	require.NoError(t, loop.Tick(ctx, sessionTime))
	require.NoError(t, loop.Tick(ctx, sessionTime.Add(15*time.Second)))

	snaps, err := store.DailySnapshots(10)
	require.NoError(t, err)
	assert.Len(t, snaps, 1, "same-day ticks reuse the day's snapshot")

	require.NoError(t, loop.Tick(ctx, sessionTime.Add(24*time.Hour)))
	snaps, err = store.DailySnapshots(10)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}
