// Package controller runs the per-symbol trading cycle: breakout entry,
// protective trailing stop, reconciliation, and stop-out cooldown. One
// controller owns one symbol; nothing else writes that symbol's rows.
//
// Controllers never trust local state over the broker: every tick derives
// the symbol status fresh from the broker snapshot plus the persisted
// cooldown, so a restart or a manual intervention at the broker converges
// within one tick.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trailbot/internal/broker"
	"trailbot/internal/calendar"
	"trailbot/internal/config"
	"trailbot/internal/models"
	"trailbot/internal/retry"
	"trailbot/internal/sizing"
	"trailbot/internal/storage"
)

// Snapshot is the per-symbol slice of broker state for one tick, assembled
// by the orchestrator after the event engine ran.
type Snapshot struct {
	Account       *broker.Account
	PositionQty   decimal.Decimal
	AvgEntryPrice decimal.Decimal
	// OpenOrders holds this symbol's working orders only.
	OpenOrders []models.Order
	// SymbolExposure and TotalExposure are market values for sizing.
	SymbolExposure decimal.Decimal
	TotalExposure  decimal.Decimal
}

// Controller drives one watchlist symbol.
type Controller struct {
	symbol  string
	class   models.AssetClass
	cfg     *config.Config
	broker  broker.Broker
	store   storage.Interface
	sizer   *sizing.Sizer
	cal     *calendar.Calendar
	logger  *logrus.Entry
	backoff *retry.Backoff

	mu sync.Mutex
	// lastProtectiveAt opens the stabilization window after a protective
	// submission, during which reconciliation stands down.
	lastProtectiveAt time.Time
	// lastRejection dedupes admission_rejected events across ticks.
	lastRejection sizing.Rejection
	// failedEntryKey suppresses resubmitting an entry the broker already
	// rejected as invalid, until price or quantity change.
	failedEntryKey string
}

// New creates a controller for one symbol.
func New(symbol string, cfg *config.Config, b broker.Broker, store storage.Interface,
	sizer *sizing.Sizer, cal *calendar.Calendar, logger *logrus.Logger, backoff *retry.Backoff) *Controller {
	return &Controller{
		symbol:  symbol,
		class:   models.ClassOf(symbol),
		cfg:     cfg,
		broker:  b,
		store:   store,
		sizer:   sizer,
		cal:     cal,
		logger:  logger.WithField("symbol", symbol),
		backoff: backoff,
	}
}

// Symbol returns the symbol this controller owns.
func (c *Controller) Symbol() string { return c.symbol }

// Tick derives the symbol status and performs at most one corrective
// action per concern.
func (c *Controller) Tick(ctx context.Context, now time.Time, snap Snapshot) error {
	state, err := c.loadState()
	if err != nil {
		return err
	}

	status := models.DeriveStatus(snap.PositionQty, state, snap.OpenOrders, now)
	c.logger.WithField("status", status).Debug("tick")

	switch status {
	case models.SymbolCooldown:
		return nil
	case models.SymbolEntryPending:
		return nil
	case models.SymbolPositionOpen:
		return c.reconcileProtective(ctx, now, state, snap)
	default:
		return c.handleFlat(ctx, now, state, snap)
	}
}

func (c *Controller) loadState() (*models.SymbolState, error) {
	state, err := c.store.GetSymbolState(c.symbol)
	if errors.Is(err, storage.ErrNotFound) {
		return &models.SymbolState{Symbol: c.symbol}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading state for %s: %w", c.symbol, err)
	}
	return state, nil
}

// handleFlat runs the NO_POSITION path: tidy stale records, cancel
// orphaned protectives, then try to arm a new entry.
func (c *Controller) handleFlat(ctx context.Context, now time.Time, state *models.SymbolState, snap Snapshot) error {
	// A protective submitted moments ago may not show its position in the
	// broker feed yet. Stand down like reconciliation does, so the lag is
	// not mistaken for an orphan.
	c.mu.Lock()
	last := c.lastProtectiveAt
	c.mu.Unlock()
	if now.Sub(last) < c.cfg.StabilizationWindow() {
		return nil
	}

	dirty := false

	// Expired cooldowns clear silently.
	if state.CooldownUntil != nil && !state.InCooldown(now) {
		state.CooldownUntil = nil
		dirty = true
	}

	// The tracked entry died unfilled (canceled, expired, rejected).
	if state.LastParentID != "" && !hasOrder(snap.OpenOrders, state.LastParentID) {
		state.LastParentID = ""
		dirty = true
	}

	// A protective with no position left behind it: the position was
	// closed outside the protective (manual sell). Cancel it; no cooldown.
	for i := range snap.OpenOrders {
		o := &snap.OpenOrders[i]
		if !o.IsProtective() {
			continue
		}
		if err := c.cancelOrder(ctx, o, models.EventOrphanStopCancelled, map[string]any{"reason": "no_position"}); err != nil {
			return err
		}
		if state.LastTrailID == o.OrderID {
			state.LastTrailID = ""
			dirty = true
		}
	}
	if state.LastTrailID != "" && !hasOrder(snap.OpenOrders, state.LastTrailID) {
		state.LastTrailID = ""
		dirty = true
	}

	if dirty {
		state.UpdatedAt = now.UTC()
		if err := c.store.UpsertSymbolState(state, nil); err != nil {
			return fmt.Errorf("persisting state for %s: %w", c.symbol, err)
		}
	}

	return c.maybeEnter(ctx, now, state, snap)
}

// maybeEnter places a breakout entry when every gate passes.
func (c *Controller) maybeEnter(ctx context.Context, now time.Time, state *models.SymbolState, snap Snapshot) error {
	if !c.backoff.Ready(now) {
		return nil
	}
	if !c.cal.IsTradableNow(c.class, now) {
		return nil
	}
	if !c.cfg.Entries.RearmNextSession && c.entryDiedThisSession(now) {
		return nil
	}

	quote, err := c.broker.LastPrice(ctx, c.symbol, c.class)
	if err != nil {
		if broker.IsRetryable(err) {
			c.backoff.Fail(now)
		}
		return fmt.Errorf("fetching last price for %s: %w", c.symbol, err)
	}
	// Boundary is inclusive: a quote aged exactly the window still counts.
	if now.Sub(quote.At) > c.cfg.StalenessWindow() {
		c.logger.WithField("quote_age", now.Sub(quote.At).String()).Debug("quote too stale for entry")
		return nil
	}

	qty, rejection := c.sizer.Size(c.symbol, c.class, sizing.Inputs{
		LastPrice:      quote.Price,
		Account:        snap.Account,
		SymbolExposure: snap.SymbolExposure,
		TotalExposure:  snap.TotalExposure,
	})
	if rejection != sizing.RejectNone {
		c.recordRejection(rejection, quote.Price)
		return nil
	}
	c.mu.Lock()
	c.lastRejection = sizing.RejectNone
	c.mu.Unlock()

	hundred := decimal.NewFromInt(100)
	trigger := quote.Price.Mul(hundred.Add(decimal.NewFromFloat(c.cfg.Entries.BuyStopPctAboveLast))).Div(hundred)

	entryKey := fmt.Sprintf("%s@%s", qty.String(), trigger.String())
	c.mu.Lock()
	failedKey := c.failedEntryKey
	c.mu.Unlock()
	if failedKey == entryKey {
		return nil
	}

	order := broker.EntryOrder{
		Symbol:       c.symbol,
		Class:        c.class,
		Qty:          qty,
		StopTrigger:  trigger,
		UseStopLimit: c.cfg.Entries.Type == "buy_stop_limit",
		LimitSlipPct: decimal.NewFromFloat(c.cfg.Entries.StopLimitMaxSlipPct),
		ClientID:     "tb-" + uuid.NewString(),
	}
	orderID, err := c.broker.SubmitEntry(ctx, order)
	if err != nil {
		return c.handleSubmitError(now, "entry", entryKey, err)
	}
	c.backoff.Reset()

	row := &models.Order{
		OrderID:   orderID,
		Symbol:    c.symbol,
		Side:      models.SideBuy,
		Type:      entryOrderType(c.class, order.UseStopLimit),
		Status:    models.StatusOpen,
		Qty:       qty,
		StopPrice: decimal.NullDecimal{Decimal: trigger, Valid: c.class == models.AssetEquity},
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	state.LastParentID = orderID
	state.UpdatedAt = now.UTC()
	ev := models.NewEvent(models.EventEntryOrderPlaced, c.symbol, map[string]any{
		"order_id": orderID,
		"qty":      qty.String(),
		"trigger":  trigger.String(),
		"last":     quote.Price.String(),
	})
	if err := c.store.RecordOrderPlacement(row, state, ev); err != nil {
		return fmt.Errorf("recording entry for %s: %w", c.symbol, err)
	}
	c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"qty":      qty.String(),
		"trigger":  trigger.String(),
	}).Info("entry order placed")
	return nil
}

func entryOrderType(class models.AssetClass, stopLimit bool) models.OrderType {
	if class == models.AssetCrypto {
		return models.TypeLimit
	}
	if stopLimit {
		return models.TypeStopLimit
	}
	return models.TypeStop
}

// entryDiedThisSession reports whether an entry already lapsed during the
// current exchange session, for the rearm_next_session=false gate.
func (c *Controller) entryDiedThisSession(now time.Time) bool {
	last, err := c.store.LatestEntryOrder(c.symbol)
	if err != nil {
		return false
	}
	if !last.Status.Terminal() || last.Status == models.StatusFilled {
		return false
	}
	loc := c.cal.Location()
	return last.UpdatedAt.In(loc).Format("2006-01-02") == now.In(loc).Format("2006-01-02")
}

func (c *Controller) recordRejection(rejection sizing.Rejection, lastPrice decimal.Decimal) {
	c.mu.Lock()
	repeat := c.lastRejection == rejection
	c.lastRejection = rejection
	c.mu.Unlock()
	if repeat {
		return
	}
	ev := models.NewEvent(models.EventAdmissionRejected, c.symbol, map[string]any{
		"reason": string(rejection),
		"last":   lastPrice.String(),
	})
	if err := c.store.AppendEvent(ev); err != nil {
		c.logger.WithError(err).Error("appending rejection event")
	}
	c.logger.WithField("reason", string(rejection)).Info("entry rejected by sizing")
}

func (c *Controller) handleSubmitError(now time.Time, what, entryKey string, err error) error {
	kind := broker.KindOf(err)
	payload := map[string]any{"what": what, "kind": string(kind)}
	if what != "entry" {
		payload["severity"] = "high"
	}
	if appendErr := c.store.AppendEvent(models.NewEvent(models.EventOrderSubmitFailed, c.symbol, payload)); appendErr != nil {
		c.logger.WithError(appendErr).Error("appending submit failure event")
	}

	switch kind {
	case broker.KindValidation, broker.KindNotSupported:
		// Resubmitting identical inputs would fail identically.
		if entryKey != "" {
			c.mu.Lock()
			c.failedEntryKey = entryKey
			c.mu.Unlock()
		}
	default:
		c.backoff.Fail(now)
	}
	return fmt.Errorf("submitting %s for %s: %w", what, c.symbol, err)
}

func hasOrder(orders []models.Order, id string) bool {
	for i := range orders {
		if orders[i].OrderID == id {
			return true
		}
	}
	return false
}

func (c *Controller) cancelOrder(ctx context.Context, o *models.Order, eventType string, payload map[string]any) error {
	if err := c.broker.Cancel(ctx, o.OrderID); err != nil {
		if broker.KindOf(err) == broker.KindNotFound {
			// Already terminal at the broker; the engine will catch up.
			return nil
		}
		return fmt.Errorf("canceling order %s: %w", o.OrderID, err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["order_id"] = o.OrderID
	row := *o
	row.Status = models.StatusCanceled
	row.UpdatedAt = time.Now().UTC()
	ev := models.NewEvent(eventType, c.symbol, payload)
	if err := c.store.UpsertOrder(&row, ev); err != nil {
		return fmt.Errorf("recording cancel of %s: %w", o.OrderID, err)
	}
	c.logger.WithField("order_id", o.OrderID).Info("protective cancelled")
	return nil
}
