// Command reset_paper wipes the paper account back to flat: cancels every
// working order and closes every position via the broker's bulk endpoints.
// Refuses to run against a live-mode config.
//
// Usage:
//
//	go run ./scripts/reset_paper -config config.yaml
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"

	"trailbot/internal/config"
)

const paperTradingURL = "https://paper-api.alpaca.markets"

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.IsPaperTrading() {
		log.Fatalf("Refusing to reset: config mode is %q, this tool only runs against paper accounts", cfg.Mode)
	}

	endpoint := cfg.Broker.Endpoint
	if endpoint == "" {
		endpoint = paperTradingURL
	}
	key, secret := cfg.Credentials()
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(15 * time.Second).
		SetHeader("APCA-API-KEY-ID", key).
		SetHeader("APCA-API-SECRET-KEY", secret).
		SetHeader("Accept", "application/json")

	fmt.Println("=== resetting paper account ===")

	resp, err := client.R().Delete("/v2/orders")
	if err != nil {
		log.Fatalf("Failed to cancel orders: %v", err)
	}
	if resp.IsError() {
		log.Fatalf("Cancel-all returned %d: %s", resp.StatusCode(), resp.String())
	}
	fmt.Println("all working orders cancelled")

	resp, err = client.R().
		SetQueryParam("cancel_orders", "true").
		Delete("/v2/positions")
	if err != nil {
		log.Fatalf("Failed to close positions: %v", err)
	}
	if resp.IsError() {
		log.Fatalf("Close-all returned %d: %s", resp.StatusCode(), resp.String())
	}
	fmt.Println("all positions closing at market")
	fmt.Println("done - market close orders may take a moment to fill")
}
