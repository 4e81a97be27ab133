package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SymbolStatus is the derived per-symbol state. It is never persisted:
// every tick recomputes it from the broker snapshot plus the stored
// cooldown, which is what makes restarts safe.
type SymbolStatus string

const (
	// SymbolNoPosition means flat with no working entry and no cooldown.
	SymbolNoPosition SymbolStatus = "NO_POSITION"
	// SymbolEntryPending means flat with a working BUY entry.
	SymbolEntryPending SymbolStatus = "ENTRY_PENDING"
	// SymbolPositionOpen means holding a long position.
	SymbolPositionOpen SymbolStatus = "POSITION_OPEN"
	// SymbolCooldown means flat and inside the post-stop-out cooldown.
	SymbolCooldown SymbolStatus = "COOLDOWN"
)

// DeriveStatus computes the symbol status. Precedence: an open position
// wins over everything; cooldown wins over a stray working entry.
func DeriveStatus(positionQty decimal.Decimal, state *SymbolState, openOrders []Order, now time.Time) SymbolStatus {
	if positionQty.IsPositive() {
		return SymbolPositionOpen
	}
	if state != nil && state.InCooldown(now) {
		return SymbolCooldown
	}
	for i := range openOrders {
		o := &openOrders[i]
		if o.IsEntry() && o.Status.IsOpen() {
			return SymbolEntryPending
		}
	}
	return SymbolNoPosition
}
