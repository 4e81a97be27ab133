// Package broker defines the broker port the bot trades through, plus the
// Alpaca REST adapter, a circuit breaker wrapper, and an in-memory paper
// implementation for tests.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trailbot/internal/models"
)

// Quote is the last trade for a symbol, stamped with the trade time so
// callers can enforce their staleness window.
type Quote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// Account is the point-in-time account snapshot used for sizing.
type Account struct {
	Equity        decimal.Decimal
	Cash          decimal.Decimal
	BuyingPower   decimal.Decimal
	PositionValue decimal.Decimal
}

// Position is one open long position at the broker.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// EntryOrder describes a breakout entry before asset-class translation.
// The adapter maps it to a broker order type: stop (or stop-limit) DAY for
// equities, limit-at-trigger GTC for crypto.
type EntryOrder struct {
	Symbol      string
	Class       models.AssetClass
	Qty         decimal.Decimal
	StopTrigger decimal.Decimal
	// LimitSlipPct caps slippage above the trigger when UseStopLimit is
	// set, as a percentage.
	LimitSlipPct decimal.Decimal
	UseStopLimit bool
	// ClientID makes resubmissions idempotent at the broker.
	ClientID string
}

// ProtectiveOrder describes the sell that guards an open long. Equities get
// a broker-side trailing stop; crypto gets a fixed limit derived from the
// entry fill price.
type ProtectiveOrder struct {
	Symbol         string
	Class          models.AssetClass
	Qty            decimal.Decimal
	TrailPct       decimal.Decimal
	EntryFillPrice decimal.Decimal
	ClientID       string
}

// Broker is the port every trading component depends on. Implementations
// return *Error with a classified kind on failure. Broker state (orders,
// positions) is authoritative; local records are derived from it.
type Broker interface {
	// LastPrice returns the most recent trade for the symbol.
	LastPrice(ctx context.Context, symbol string, class models.AssetClass) (*Quote, error)

	// AccountSnapshot returns equity, cash, and buying power.
	AccountSnapshot(ctx context.Context) (*Account, error)

	// Positions returns all open positions.
	Positions(ctx context.Context) ([]Position, error)

	// OpenOrders returns every working order on the account.
	OpenOrders(ctx context.Context) ([]models.Order, error)

	// ClosedOrders returns orders that reached a terminal status at or
	// after since. Cumulative filled quantity and average price ride on
	// each order.
	ClosedOrders(ctx context.Context, since time.Time) ([]models.Order, error)

	// SubmitEntry places a breakout entry and returns the broker order id.
	SubmitEntry(ctx context.Context, order EntryOrder) (string, error)

	// SubmitProtective places the protective sell and returns the broker
	// order id.
	SubmitProtective(ctx context.Context, order ProtectiveOrder) (string, error)

	// Cancel cancels a working order. Cancelling an already-terminal order
	// returns a not_found error.
	Cancel(ctx context.Context, orderID string) error

	// Ping verifies connectivity and credentials.
	Ping(ctx context.Context) error
}
