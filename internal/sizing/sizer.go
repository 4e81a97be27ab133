// Package sizing decides how many units a new entry may buy, or rejects
// the entry outright. All gates are hard: a breach rejects the entry
// rather than scaling it down.
package sizing

import (
	"github.com/shopspring/decimal"

	"trailbot/internal/broker"
	"trailbot/internal/config"
	"trailbot/internal/models"
)

// Rejection names why an entry was not admitted. Rejections are recorded
// as events, not errors.
type Rejection string

const (
	// RejectNone means the entry is admitted.
	RejectNone Rejection = ""
	// RejectInvalidPrice means the last price was missing or non-positive.
	RejectInvalidPrice Rejection = "invalid_price"
	// RejectQuantityTooSmall means the budget buys less than the minimum.
	RejectQuantityTooSmall Rejection = "quantity_too_small"
	// RejectSymbolExposure means the symbol cap would be breached.
	RejectSymbolExposure Rejection = "symbol_exposure_exceeded"
	// RejectTotalExposure means the account-wide cap would be breached.
	RejectTotalExposure Rejection = "total_exposure_exceeded"
	// RejectCashReserve means the cash floor would be breached.
	RejectCashReserve Rejection = "cash_reserve_violated"
)

// cryptoQtyPlaces is the quantity precision brokers accept for fractional
// crypto orders.
const cryptoQtyPlaces = 9

// Inputs is the point-in-time account view the sizer decides against.
type Inputs struct {
	LastPrice decimal.Decimal
	Account   *broker.Account
	// SymbolExposure is the market value already held in this symbol.
	SymbolExposure decimal.Decimal
	// TotalExposure is the market value across all positions.
	TotalExposure decimal.Decimal
}

// Sizer applies the allocation and risk gates from config.
type Sizer struct {
	cfg *config.Config
}

// New creates a sizer.
func New(cfg *config.Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// Size returns the admitted quantity, or a rejection. Quantity is computed
// from the last traded price, not the entry trigger, so a gap through the
// trigger cannot oversize the position.
func (s *Sizer) Size(symbol string, class models.AssetClass, in Inputs) (decimal.Decimal, Rejection) {
	if in.LastPrice.Sign() <= 0 {
		return decimal.Zero, RejectInvalidPrice
	}

	budget := s.cfg.SymbolBudget(symbol)
	qty := budget.Div(in.LastPrice)
	if s.cfg.Allocation.AllowFractional && class == models.AssetCrypto {
		qty = qty.Truncate(cryptoQtyPlaces)
	} else {
		qty = qty.Floor()
	}
	if qty.Sign() <= 0 {
		return decimal.Zero, RejectQuantityTooSmall
	}

	notional := qty.Mul(in.LastPrice)

	maxSymbol := decimal.NewFromFloat(s.cfg.Risk.MaxSymbolExposureUSD)
	if in.SymbolExposure.Add(notional).GreaterThan(maxSymbol) {
		return decimal.Zero, RejectSymbolExposure
	}

	maxTotal := decimal.NewFromFloat(s.cfg.Risk.MaxTotalExposureUSD)
	totalCap := decimal.NewFromFloat(s.cfg.Allocation.TotalUSDCap)
	if totalCap.LessThan(maxTotal) {
		maxTotal = totalCap
	}
	if in.TotalExposure.Add(notional).GreaterThan(maxTotal) {
		return decimal.Zero, RejectTotalExposure
	}

	if in.Account != nil && s.cfg.Allocation.MinCashReservePercent > 0 {
		reservePct := decimal.NewFromFloat(s.cfg.Allocation.MinCashReservePercent)
		floor := in.Account.Equity.Mul(reservePct).Div(decimal.NewFromInt(100))
		if in.Account.Cash.Sub(notional).LessThan(floor) {
			return decimal.Zero, RejectCashReserve
		}
	}

	return qty, RejectNone
}
