// Command check_status prints the per-symbol status and the most recent
// audit events straight from the local database. Read-only; safe to run
// while the bot is live.
//
// Usage:
//
//	go run ./scripts/check_status -config config.yaml [-events 20]
package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"trailbot/internal/config"
	"trailbot/internal/models"
	"trailbot/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to config.yaml")
	eventCount := flag.Int("events", 20, "How many recent events to show")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	store, err := storage.NewStorage(cfg.Persistence.DBPath)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", cfg.Persistence.DBPath, err)
	}
	defer func() { _ = store.Close() }()

	now := time.Now().UTC()
	fmt.Printf("=== trailbot status (%s mode, db %s) ===\n\n", cfg.Mode, cfg.Persistence.DBPath)

	for _, symbol := range cfg.Symbols() {
		state, err := store.GetSymbolState(symbol)
		if err != nil {
			state = &models.SymbolState{Symbol: symbol}
		}
		open, err := store.OpenOrdersBySymbol(symbol)
		if err != nil {
			log.Fatalf("Failed to load open orders for %s: %v", symbol, err)
		}

		// The database has no position view; broker state decides between
		// NO_POSITION and POSITION_OPEN, so report what the store knows.
		status := string(models.DeriveStatus(decimal.Zero, state, open, now))
		fmt.Printf("%-10s %s\n", symbol, status)
		if state.CooldownUntil != nil && now.Before(*state.CooldownUntil) {
			fmt.Printf("           cooldown until %s\n", state.CooldownUntil.Format(time.RFC3339))
		}
		for _, o := range open {
			fmt.Printf("           %s %s %s qty=%s status=%s\n",
				o.OrderID, o.Side, o.Type, o.Qty, o.Status)
		}
	}

	events, err := store.RecentEvents(*eventCount)
	if err != nil {
		log.Fatalf("Failed to load events: %v", err)
	}
	fmt.Printf("\n--- last %d events ---\n", len(events))
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-32s", ev.Timestamp.Format(time.RFC3339), ev.Type)
		if ev.Symbol != "" {
			line += "  " + ev.Symbol
		}
		if len(ev.Payload) > 0 {
			parts := make([]string, 0, len(ev.Payload))
			for k, v := range ev.Payload {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			line += "  " + strings.Join(parts, " ")
		}
		fmt.Println(line)
	}
}
