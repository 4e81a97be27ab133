package controller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trailbot/internal/broker"
	"trailbot/internal/models"
	"trailbot/internal/util"
)

// OnFill reacts to attributed fills: a buy fill gets its protective sell, a
// full protective sell fill starts the stop-out cooldown. Implements
// engine.FillHandler.
func (c *Controller) OnFill(ctx context.Context, fill models.Fill, order models.Order) {
	var err error
	switch fill.Side {
	case models.SideBuy:
		err = c.protectAfterBuy(ctx, fill, order)
	case models.SideSell:
		err = c.afterSellFill(ctx, fill, order)
	}
	if err != nil {
		c.logger.WithError(err).WithField("order_id", fill.OrderID).Error("handling fill")
	}
}

// protectAfterBuy places the protective sell for a freshly filled entry.
// Additive fills on an already protected position are left to the next
// tick's reconciliation, which requantifies against the full position.
func (c *Controller) protectAfterBuy(ctx context.Context, fill models.Fill, order models.Order) error {
	state, err := c.loadState()
	if err != nil {
		return err
	}
	if state.LastTrailID != "" {
		return nil
	}

	entryPrice := fill.Price
	if order.FilledAvgPrice.Valid {
		entryPrice = order.FilledAvgPrice.Decimal
	}

	// The fill timestamp anchors the stabilization window to loop time.
	now := fill.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err = c.submitProtective(ctx, now, state, order.FilledQty, entryPrice,
		models.EventTrailPlaced, map[string]any{"entry_order_id": order.OrderID})
	return err
}

// afterSellFill starts the cooldown when the tracked protective fully
// exits the position. Manual sells and partial protective fills do not
// start a cooldown.
func (c *Controller) afterSellFill(ctx context.Context, fill models.Fill, order models.Order) error {
	_ = ctx
	state, err := c.loadState()
	if err != nil {
		return err
	}

	// A trailing stop sell is unambiguously ours even if the tracked id
	// was lost across a restart.
	tracked := order.OrderID == state.LastTrailID || order.Type == models.TypeTrailingStop
	if !tracked || order.FilledQty.LessThan(order.Qty) {
		return nil
	}

	until := fill.Timestamp.Add(c.cfg.CooldownDuration())
	state.CooldownUntil = &until
	state.LastTrailID = ""
	state.LastParentID = ""
	state.UpdatedAt = time.Now().UTC()

	ev := models.NewEvent(models.EventStopoutCooldown, c.symbol, map[string]any{
		"order_id":       order.OrderID,
		"exit_price":     fill.Price.String(),
		"cooldown_until": until.UTC().Format(time.RFC3339),
	})
	if err := c.store.UpsertSymbolState(state, ev); err != nil {
		return fmt.Errorf("recording cooldown for %s: %w", c.symbol, err)
	}
	c.logger.WithFields(logrus.Fields{
		"exit_price":     fill.Price.String(),
		"cooldown_until": until.UTC().Format(time.RFC3339),
	}).Info("stopped out, cooldown started")
	return nil
}

// reconcileProtective enforces exactly one protective covering the full
// position. It stands down inside the stabilization window after a
// protective submission, so broker propagation lag is not "repaired".
func (c *Controller) reconcileProtective(ctx context.Context, now time.Time, state *models.SymbolState, snap Snapshot) error {
	c.mu.Lock()
	last := c.lastProtectiveAt
	c.mu.Unlock()
	if now.Sub(last) < c.cfg.StabilizationWindow() {
		return nil
	}

	protectives := make([]models.Order, 0, 1)
	for i := range snap.OpenOrders {
		if snap.OpenOrders[i].IsProtective() {
			protectives = append(protectives, snap.OpenOrders[i])
		}
	}

	if len(protectives) == 0 {
		// The position is naked. Recreate from the broker's average entry.
		_, err := c.submitProtective(ctx, now, state, snap.PositionQty, snap.AvgEntryPrice,
			models.EventProtectiveRecreated, map[string]any{"position_qty": snap.PositionQty.String()})
		return err
	}

	sort.SliceStable(protectives, func(i, j int) bool {
		return protectives[i].CreatedAt.Before(protectives[j].CreatedAt)
	})

	// Keep the oldest order whose remaining quantity matches the position;
	// fall back to the oldest outright.
	keep := &protectives[0]
	for i := range protectives {
		if remainingQty(&protectives[i]).Equal(snap.PositionQty) {
			keep = &protectives[i]
			break
		}
	}
	for i := range protectives {
		o := &protectives[i]
		if o.OrderID == keep.OrderID {
			continue
		}
		if err := c.cancelOrder(ctx, o, models.EventDuplicateStopCancelled, map[string]any{"reason": "duplicate", "kept": keep.OrderID}); err != nil {
			return err
		}
	}

	if state.LastTrailID != keep.OrderID {
		// Adopt the surviving protective, e.g. after a restart.
		state.LastTrailID = keep.OrderID
		state.UpdatedAt = now.UTC()
		if err := c.store.UpsertSymbolState(state, nil); err != nil {
			return fmt.Errorf("adopting protective for %s: %w", c.symbol, err)
		}
	}

	if remainingQty(keep).Equal(snap.PositionQty) {
		return nil
	}
	return c.requantify(ctx, now, state, keep, snap)
}

// requantify replaces a protective whose quantity no longer covers the
// position, cancel first so shares are never double-committed.
func (c *Controller) requantify(ctx context.Context, now time.Time, state *models.SymbolState, old *models.Order, snap Snapshot) error {
	if err := c.broker.Cancel(ctx, old.OrderID); err != nil && broker.KindOf(err) != broker.KindNotFound {
		return fmt.Errorf("canceling undersized protective %s: %w", old.OrderID, err)
	}
	row := *old
	row.Status = models.StatusCanceled
	row.UpdatedAt = now.UTC()
	if err := c.store.UpsertOrder(&row, nil); err != nil {
		return fmt.Errorf("recording cancel of %s: %w", old.OrderID, err)
	}

	_, err := c.submitProtective(ctx, now, state, snap.PositionQty, snap.AvgEntryPrice,
		models.EventProtectiveRequantified, map[string]any{
			"old_order_id": old.OrderID,
			"old_qty":      remainingQty(old).String(),
			"new_qty":      snap.PositionQty.String(),
		})
	return err
}

// submitProtective places the protective sell, records the order row and
// state atomically with the given event, and opens the stabilization
// window.
func (c *Controller) submitProtective(ctx context.Context, now time.Time, state *models.SymbolState,
	qty, entryPrice decimal.Decimal, eventType string, payload map[string]any) (string, error) {
	trailPct := decimal.NewFromFloat(c.cfg.Stops.TrailingStopPct)
	orderID, err := c.broker.SubmitProtective(ctx, broker.ProtectiveOrder{
		Symbol:         c.symbol,
		Class:          c.class,
		Qty:            qty,
		TrailPct:       trailPct,
		EntryFillPrice: entryPrice,
		ClientID:       "tb-" + uuid.NewString(),
	})
	if err != nil {
		return "", c.handleSubmitError(now, "protective", "", err)
	}

	row := &models.Order{
		OrderID:   orderID,
		Symbol:    c.symbol,
		Side:      models.SideSell,
		Type:      models.TypeTrailingStop,
		Status:    models.StatusOpen,
		Qty:       qty,
		ParentID:  state.LastParentID,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if c.class == models.AssetCrypto {
		hundred := decimal.NewFromInt(100)
		limit := entryPrice.Mul(hundred.Sub(trailPct)).Div(hundred)
		row.Type = models.TypeLimit
		row.LimitPrice = decimal.NullDecimal{Decimal: util.RoundToTick(limit), Valid: true}
	} else {
		row.TrailPercent = decimal.NullDecimal{Decimal: trailPct, Valid: true}
	}

	state.LastTrailID = orderID
	state.UpdatedAt = now.UTC()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["order_id"] = orderID
	payload["qty"] = qty.String()
	ev := models.NewEvent(eventType, c.symbol, payload)
	if err := c.store.RecordOrderPlacement(row, state, ev); err != nil {
		return "", fmt.Errorf("recording protective for %s: %w", c.symbol, err)
	}

	c.mu.Lock()
	c.lastProtectiveAt = now
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"qty":      qty.String(),
	}).Info("protective order placed")
	return orderID, nil
}

func remainingQty(o *models.Order) decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}
