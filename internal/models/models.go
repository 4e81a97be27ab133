// Package models defines the domain types shared across the bot: orders,
// fills, per-symbol state, the audit event log, and daily performance rows.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass distinguishes equity symbols from crypto pairs. Crypto pairs
// use the BASE/QUOTE form (e.g. "BTC/USD"); everything else is equity.
type AssetClass string

const (
	// AssetEquity is a US-listed stock or ETF.
	AssetEquity AssetClass = "equity"
	// AssetCrypto is a crypto pair traded around the clock.
	AssetCrypto AssetClass = "crypto"
)

// ClassOf derives the asset class from the symbol form.
func ClassOf(symbol string) AssetClass {
	if strings.Contains(symbol, "/") {
		return AssetCrypto
	}
	return AssetEquity
}

// Side is the order side.
type Side string

const (
	// SideBuy opens or adds to a long position.
	SideBuy Side = "BUY"
	// SideSell reduces or closes a long position.
	SideSell Side = "SELL"
)

// OrderType is the broker order type after asset-class translation.
type OrderType string

const (
	// TypeStop is a stop (market-on-trigger) order.
	TypeStop OrderType = "STOP"
	// TypeStopLimit is a stop order with a limit cap.
	TypeStopLimit OrderType = "STOP_LIMIT"
	// TypeTrailingStop is a broker-side trailing stop.
	TypeTrailingStop OrderType = "TRAILING_STOP"
	// TypeLimit is a plain limit order.
	TypeLimit OrderType = "LIMIT"
	// TypeMarket is a market order.
	TypeMarket OrderType = "MARKET"
)

// OrderStatus is the normalized lifecycle status of an order.
type OrderStatus string

const (
	// StatusPending means submitted but not yet acknowledged working.
	StatusPending OrderStatus = "pending"
	// StatusOpen means acknowledged and working at the broker.
	StatusOpen OrderStatus = "open"
	// StatusPartiallyFilled means working with a nonzero filled quantity.
	StatusPartiallyFilled OrderStatus = "partially_filled"
	// StatusFilled means completely filled.
	StatusFilled OrderStatus = "filled"
	// StatusCanceled means canceled before completion.
	StatusCanceled OrderStatus = "canceled"
	// StatusRejected means refused by the broker.
	StatusRejected OrderStatus = "rejected"
	// StatusExpired means lapsed at end of its time in force.
	StatusExpired OrderStatus = "expired"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the order is still working at the broker.
func (s OrderStatus) IsOpen() bool {
	return s == StatusPending || s == StatusOpen || s == StatusPartiallyFilled
}

// Order is one broker order as tracked locally. OrderID is the broker's
// identifier and is unique. FilledQty is cumulative.
type Order struct {
	OrderID        string              `json:"order_id"`
	Symbol         string              `json:"symbol"`
	Side           Side                `json:"side"`
	Type           OrderType           `json:"type"`
	Status         OrderStatus         `json:"status"`
	Qty            decimal.Decimal     `json:"qty"`
	FilledQty      decimal.Decimal     `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
	StopPrice      decimal.NullDecimal `json:"stop_price"`
	LimitPrice     decimal.NullDecimal `json:"limit_price"`
	TrailPercent   decimal.NullDecimal `json:"trail_percent"`
	ParentID       string              `json:"parent_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// IsEntry reports whether the order is a breakout entry (any working BUY).
func (o *Order) IsEntry() bool {
	return o.Side == SideBuy
}

// IsProtective reports whether the order protects an open long: any SELL of
// a stop-family or limit type. Market sells are not protective.
func (o *Order) IsProtective() bool {
	if o.Side != SideSell {
		return false
	}
	switch o.Type {
	case TypeTrailingStop, TypeStop, TypeStopLimit, TypeLimit:
		return true
	default:
		return false
	}
}

// Fill is one execution. ExecID is the idempotency key: the same execution
// reported twice must collapse to a single row.
type Fill struct {
	ExecID    string          `json:"exec_id"`
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// SymbolState is the small persisted record per watchlist symbol. Broker
// state is authoritative; these fields are advisory hints that survive
// restarts (cooldown, last known order ids).
type SymbolState struct {
	Symbol        string     `json:"symbol"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastParentID  string     `json:"last_parent_id,omitempty"`
	LastTrailID   string     `json:"last_trail_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// InCooldown reports whether the stop-out cooldown is still active.
// Expiry is inclusive: at exactly cooldown_until the symbol is free again.
func (s *SymbolState) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && now.Before(*s.CooldownUntil)
}

// PerformanceSnapshot is one end-of-day account record.
type PerformanceSnapshot struct {
	Date          time.Time       `json:"date"`
	AccountValue  decimal.Decimal `json:"account_value"`
	Cash          decimal.Decimal `json:"cash"`
	PositionValue decimal.Decimal `json:"position_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	NumPositions  int             `json:"num_positions"`
	NumTrades     int             `json:"num_trades"`
	CreatedAt     time.Time       `json:"created_at"`
}
