// Command integration drives the full trading lifecycle end to end against
// the in-memory paper broker: entry, fill, protection, reconciliation, and
// stop-out cooldown, backed by a real SQLite database.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trailbot/internal/broker"
	"trailbot/internal/calendar"
	"trailbot/internal/config"
	"trailbot/internal/controller"
	"trailbot/internal/engine"
	"trailbot/internal/models"
	"trailbot/internal/retry"
	"trailbot/internal/sizing"
	"trailbot/internal/storage"
)

// A Tuesday at 10:30 ET.
var sessionTime = time.Date(2026, 6, 2, 14, 30, 0, 0, time.UTC)

type harness struct {
	cfg    *config.Config
	paper  *broker.Paper
	store  storage.Interface
	engine *engine.Engine
	ctrl   *controller.Controller
	now    time.Time
}

func main() {
	fmt.Println("=== trailbot - End-to-End Integration Run ===")
	fmt.Println()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("trailbot_integration_%d.db", os.Getpid()))
	defer func() {
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			fmt.Printf("Warning: failed to clean up %s: %v\n", dbPath, err)
		}
	}()

	store, err := storage.NewStorage(dbPath)
	if err != nil {
		fmt.Printf("Failed to open storage: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	cal, err := calendar.New("XNYS", calendar.ExtendedHours{})
	if err != nil {
		fmt.Printf("Failed to load calendar: %v\n", err)
		os.Exit(1)
	}

	cfg := &config.Config{
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
			RearmNextSession:    true,
			EODCancelMinutes:    15,
		},
		Stops:     config.StopsConfig{TrailingStopPct: 10, StabilizeSeconds: 10},
		Risk:      config.RiskConfig{MaxTotalExposureUSD: 50000, MaxSymbolExposureUSD: 5000},
		Hours:     config.HoursConfig{Calendar: "XNYS"},
		Cooldowns: config.CooldownsConfig{AfterStopoutMinutes: 20},
		Polling: config.PollingConfig{
			PriceSeconds: 10, OrdersSeconds: 15, KeepaliveSeconds: 60,
			StalenessSeconds: 30, BrokerCallSeconds: 10,
		},
	}

	paper := broker.NewPaper(decimal.RequireFromString("100000"))
	eng := engine.New(paper, store, logger, cfg.EventCheckInterval())
	ctrl := controller.New("TSLA", cfg, paper, store, sizing.New(cfg), cal,
		logger, retry.NewBackoff(retry.DefaultConfig(cfg.TickInterval())))
	eng.Register("TSLA", ctrl)

	h := &harness{cfg: cfg, paper: paper, store: store, engine: eng, ctrl: ctrl, now: sessionTime}

	steps := []struct {
		name string
		fn   func(*harness) error
	}{
		{"Breakout entry placement", stepEntry},
		{"Entry fill attribution and protective placement", stepFillAndProtect},
		{"Duplicate protective reconciliation", stepDuplicateCleanup},
		{"Protective stop-out and cooldown", stepStopout},
		{"Cooldown expiry and re-arm", stepRearm},
		{"Event log replay", stepEventLog},
	}

	passed := 0
	for i, step := range steps {
		fmt.Printf("Step %d: %s\n", i+1, step.name)
		if err := step.fn(h); err != nil {
			fmt.Printf("  FAILED: %v\n\n", err)
			continue
		}
		fmt.Printf("  PASSED\n\n")
		passed++
	}

	fmt.Printf("=== %d/%d steps passed ===\n", passed, len(steps))
	if passed != len(steps) {
		os.Exit(1)
	}
}

// tick runs one orchestrator-shaped cycle: poll, snapshot, controller.
func (h *harness) tick() error {
	ctx := context.Background()
	if err := h.engine.Poll(ctx, h.now); err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	acct, err := h.paper.AccountSnapshot(ctx)
	if err != nil {
		return err
	}
	open, err := h.paper.OpenOrders(ctx)
	if err != nil {
		return err
	}
	positions, err := h.paper.Positions(ctx)
	if err != nil {
		return err
	}

	snap := controller.Snapshot{Account: acct}
	for _, o := range open {
		if o.Symbol == "TSLA" {
			snap.OpenOrders = append(snap.OpenOrders, o)
		}
	}
	for _, pos := range positions {
		snap.TotalExposure = snap.TotalExposure.Add(pos.MarketValue)
		if pos.Symbol == "TSLA" {
			snap.PositionQty = pos.Qty
			snap.AvgEntryPrice = pos.AvgEntryPrice
			snap.SymbolExposure = pos.MarketValue
		}
	}
	return h.ctrl.Tick(ctx, h.now, snap)
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) openOrders() ([]models.Order, error) {
	open, err := h.paper.OpenOrders(context.Background())
	if err != nil {
		return nil, err
	}
	var out []models.Order
	for _, o := range open {
		if o.Symbol == "TSLA" {
			out = append(out, o)
		}
	}
	return out, nil
}

func stepEntry(h *harness) error {
	h.paper.SetQuote("TSLA", decimal.RequireFromString("220"), h.now)
	if err := h.tick(); err != nil {
		return err
	}
	open, err := h.openOrders()
	if err != nil {
		return err
	}
	if len(open) != 1 || open[0].Type != models.TypeStop {
		return fmt.Errorf("expected one working stop entry, got %d orders", len(open))
	}
	if !open[0].StopPrice.Decimal.Equal(decimal.RequireFromString("231")) {
		return fmt.Errorf("expected trigger 231, got %s", open[0].StopPrice.Decimal)
	}
	fmt.Printf("  entry %s working at trigger %s\n", open[0].OrderID, open[0].StopPrice.Decimal)
	return nil
}

func stepFillAndProtect(h *harness) error {
	open, err := h.openOrders()
	if err != nil {
		return err
	}
	if len(open) != 1 {
		return fmt.Errorf("precondition: one working entry, got %d", len(open))
	}
	h.advance(15 * time.Second)
	if err := h.paper.Fill(open[0].OrderID, decimal.RequireFromString("232.10"), h.now); err != nil {
		return err
	}
	if err := h.tick(); err != nil {
		return err
	}

	open, err = h.openOrders()
	if err != nil {
		return err
	}
	if len(open) != 1 || open[0].Type != models.TypeTrailingStop {
		return fmt.Errorf("expected one trailing stop, got %d orders", len(open))
	}
	if !open[0].Qty.Equal(decimal.RequireFromString("4")) {
		return fmt.Errorf("protective qty %s does not cover the 4-share fill", open[0].Qty)
	}
	fmt.Printf("  trailing stop %s covering %s shares\n", open[0].OrderID, open[0].Qty)
	return nil
}

func stepDuplicateCleanup(h *harness) error {
	// Inject a stray duplicate protective, as if a crash re-placed one.
	_, err := h.paper.SubmitProtective(context.Background(), broker.ProtectiveOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: decimal.RequireFromString("4"),
		TrailPct: decimal.RequireFromString("10"), EntryFillPrice: decimal.RequireFromString("232.10"),
	})
	if err != nil {
		return err
	}

	// Past the stabilization window the reconciler collapses them.
	h.advance(30 * time.Second)
	if err := h.tick(); err != nil {
		return err
	}
	open, err := h.openOrders()
	if err != nil {
		return err
	}
	if len(open) != 1 {
		return fmt.Errorf("expected exactly one surviving protective, got %d", len(open))
	}
	fmt.Printf("  survivor %s, duplicate cancelled\n", open[0].OrderID)
	return nil
}

func stepStopout(h *harness) error {
	open, err := h.openOrders()
	if err != nil {
		return err
	}
	if len(open) != 1 {
		return fmt.Errorf("precondition: one protective, got %d", len(open))
	}
	h.advance(15 * time.Second)
	h.paper.MarkPosition("TSLA", decimal.RequireFromString("208.85"))
	if err := h.paper.Fill(open[0].OrderID, decimal.RequireFromString("208.85"), h.now); err != nil {
		return err
	}
	if err := h.tick(); err != nil {
		return err
	}

	state, err := h.store.GetSymbolState("TSLA")
	if err != nil {
		return err
	}
	if state.CooldownUntil == nil {
		return fmt.Errorf("stop-out did not start a cooldown")
	}
	fmt.Printf("  cooling down until %s\n", state.CooldownUntil.Format(time.RFC3339))

	// Mid-cooldown, a fresh quote must not re-arm.
	h.advance(5 * time.Minute)
	h.paper.SetQuote("TSLA", decimal.RequireFromString("215"), h.now)
	if err := h.tick(); err != nil {
		return err
	}
	open, err = h.openOrders()
	if err != nil {
		return err
	}
	if len(open) != 0 {
		return fmt.Errorf("re-armed during cooldown")
	}
	return nil
}

func stepRearm(h *harness) error {
	state, err := h.store.GetSymbolState("TSLA")
	if err != nil {
		return err
	}
	h.now = state.CooldownUntil.Add(time.Second)
	h.paper.SetQuote("TSLA", decimal.RequireFromString("215"), h.now)
	if err := h.tick(); err != nil {
		return err
	}

	open, err := h.openOrders()
	if err != nil {
		return err
	}
	if len(open) != 1 || open[0].Side != models.SideBuy {
		return fmt.Errorf("expected a fresh entry after cooldown, got %d orders", len(open))
	}
	fmt.Printf("  re-armed with entry %s\n", open[0].OrderID)
	return nil
}

func stepEventLog(h *harness) error {
	events, err := h.store.RecentEvents(200)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.Type] = true
	}
	for _, typ := range []string{
		models.EventEntryOrderPlaced,
		models.EventFillReceived,
		models.EventTrailPlaced,
		models.EventDuplicateStopCancelled,
		models.EventStopoutCooldown,
	} {
		if !seen[typ] {
			return fmt.Errorf("event log missing %s", typ)
		}
	}
	fmt.Printf("  %d events recorded, lifecycle fully replayable\n", len(events))
	return nil
}
