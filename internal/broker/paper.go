package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trailbot/internal/models"
	"trailbot/internal/util"
)

// Paper is an in-memory Broker for tests and the integration harness. It
// mimics the adapter's translation rules (entry/protective order types per
// asset class) and lets tests drive fills explicitly.
type Paper struct {
	mu        sync.Mutex
	now       func() time.Time
	cash      decimal.Decimal
	quotes    map[string]Quote
	orders    map[string]*models.Order
	positions map[string]*Position

	// FailSubmits injects a submission error for testing failure paths.
	FailSubmits error
}

var _ Broker = (*Paper)(nil)

// NewPaper creates a paper broker with the given starting cash.
func NewPaper(cash decimal.Decimal) *Paper {
	return &Paper{
		now:       func() time.Time { return time.Now().UTC() },
		cash:      cash,
		quotes:    make(map[string]Quote),
		orders:    make(map[string]*models.Order),
		positions: make(map[string]*Position),
	}
}

// SetClock overrides the time source.
func (p *Paper) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetQuote installs the last trade for a symbol.
func (p *Paper) SetQuote(symbol string, price decimal.Decimal, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = Quote{Symbol: symbol, Price: price, At: at}
}

// LastPrice returns the installed quote.
func (p *Paper) LastPrice(_ context.Context, symbol string, _ models.AssetClass) (*Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return nil, NewError(KindNotFound, "last_price", fmt.Errorf("no quote for %s", symbol))
	}
	out := q
	return &out, nil
}

// AccountSnapshot derives the account from cash and marked positions.
func (p *Paper) AccountSnapshot(_ context.Context) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	posValue := decimal.Zero
	for _, pos := range p.positions {
		posValue = posValue.Add(pos.MarketValue)
	}
	return &Account{
		Equity:        p.cash.Add(posValue),
		Cash:          p.cash,
		BuyingPower:   p.cash,
		PositionValue: posValue,
	}, nil
}

// Positions returns open positions.
func (p *Paper) Positions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// OpenOrders returns working orders, oldest first.
func (p *Paper) OpenOrders(_ context.Context) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Order
	for _, o := range p.orders {
		if o.Status.IsOpen() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClosedOrders returns terminal orders updated at or after since.
func (p *Paper) ClosedOrders(_ context.Context, since time.Time) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Order
	for _, o := range p.orders {
		if o.Status.Terminal() && !o.UpdatedAt.Before(since) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// SubmitEntry places a breakout entry using the live adapter's translation.
func (p *Paper) SubmitEntry(_ context.Context, order EntryOrder) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSubmits != nil {
		return "", p.FailSubmits
	}
	if order.Qty.Sign() <= 0 {
		return "", NewError(KindValidation, "submit_entry", fmt.Errorf("qty must be positive"))
	}

	now := p.now()
	o := &models.Order{
		OrderID:   uuid.NewString(),
		Symbol:    order.Symbol,
		Side:      models.SideBuy,
		Status:    models.StatusOpen,
		Qty:       order.Qty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	trigger := util.RoundToTick(order.StopTrigger)
	if order.Class == models.AssetCrypto {
		o.Type = models.TypeLimit
		o.LimitPrice = decimal.NullDecimal{Decimal: trigger, Valid: true}
	} else if order.UseStopLimit {
		hundred := decimal.NewFromInt(100)
		o.Type = models.TypeStopLimit
		o.StopPrice = decimal.NullDecimal{Decimal: trigger, Valid: true}
		o.LimitPrice = decimal.NullDecimal{
			Decimal: util.RoundToTick(trigger.Mul(hundred.Add(order.LimitSlipPct)).Div(hundred)),
			Valid:   true,
		}
	} else {
		o.Type = models.TypeStop
		o.StopPrice = decimal.NullDecimal{Decimal: trigger, Valid: true}
	}
	p.orders[o.OrderID] = o
	return o.OrderID, nil
}

// SubmitProtective places the protective sell.
func (p *Paper) SubmitProtective(_ context.Context, order ProtectiveOrder) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSubmits != nil {
		return "", p.FailSubmits
	}
	if order.Qty.Sign() <= 0 {
		return "", NewError(KindValidation, "submit_protective", fmt.Errorf("qty must be positive"))
	}

	now := p.now()
	o := &models.Order{
		OrderID:   uuid.NewString(),
		Symbol:    order.Symbol,
		Side:      models.SideSell,
		Status:    models.StatusOpen,
		Qty:       order.Qty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if order.Class == models.AssetCrypto {
		hundred := decimal.NewFromInt(100)
		o.Type = models.TypeLimit
		o.LimitPrice = decimal.NullDecimal{
			Decimal: util.RoundToTick(order.EntryFillPrice.Mul(hundred.Sub(order.TrailPct)).Div(hundred)),
			Valid:   true,
		}
	} else {
		o.Type = models.TypeTrailingStop
		o.TrailPercent = decimal.NullDecimal{Decimal: order.TrailPct, Valid: true}
	}
	p.orders[o.OrderID] = o
	return o.OrderID, nil
}

// Cancel cancels a working order.
func (p *Paper) Cancel(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.Status.Terminal() {
		return NewError(KindNotFound, "cancel", fmt.Errorf("order %s not open", orderID))
	}
	o.Status = models.StatusCanceled
	o.UpdatedAt = p.now()
	return nil
}

// Ping always succeeds.
func (p *Paper) Ping(_ context.Context) error { return nil }

// Fill marks a working order completely filled at the given price and
// applies the position and cash effects. Test helper.
func (p *Paper) Fill(orderID string, price decimal.Decimal, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if !o.Status.IsOpen() {
		return fmt.Errorf("order %s is %s", orderID, o.Status)
	}

	o.Status = models.StatusFilled
	o.FilledQty = o.Qty
	o.FilledAvgPrice = decimal.NullDecimal{Decimal: price, Valid: true}
	o.UpdatedAt = at

	notional := o.Qty.Mul(price)
	pos := p.positions[o.Symbol]
	if o.Side == models.SideBuy {
		if pos == nil {
			pos = &Position{Symbol: o.Symbol, AvgEntryPrice: price}
			p.positions[o.Symbol] = pos
		}
		pos.Qty = pos.Qty.Add(o.Qty)
		pos.MarketValue = pos.Qty.Mul(price)
		p.cash = p.cash.Sub(notional)
	} else {
		if pos == nil {
			return fmt.Errorf("sell fill for %s without a position", o.Symbol)
		}
		pos.Qty = pos.Qty.Sub(o.Qty)
		pos.MarketValue = pos.Qty.Mul(price)
		p.cash = p.cash.Add(notional)
		if pos.Qty.Sign() <= 0 {
			delete(p.positions, o.Symbol)
		}
	}
	return nil
}

// MarkPosition revalues an open position at a new price. Test helper.
func (p *Paper) MarkPosition(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		pos.MarketValue = pos.Qty.Mul(price)
		pos.UnrealizedPnL = pos.Qty.Mul(price.Sub(pos.AvgEntryPrice))
	}
}

// Order returns a copy of one order. Test helper.
func (p *Paper) Order(orderID string) (models.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// CancelAll cancels every working order and returns how many were
// canceled. Test helper.
func (p *Paper) CancelAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.orders {
		if o.Status.IsOpen() {
			o.Status = models.StatusCanceled
			o.UpdatedAt = p.now()
			n++
		}
	}
	return n
}
