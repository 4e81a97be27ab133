// Package engine polls the broker for order activity and turns it into
// exactly-once fill events. It is the only component that writes order and
// fill rows from broker state, which makes it the serialization point for
// everything the controllers react to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trailbot/internal/broker"
	"trailbot/internal/models"
	"trailbot/internal/storage"
)

// coldStartLookback bounds the first poll after a restart so fills placed
// by a previous process are still attributed.
const coldStartLookback = 24 * time.Hour

// ErrStore marks a failed database write while processing a poll. It is
// unrecoverable: advancing the poll window past an unrecorded fill would
// orphan it once the overlap expires, so callers must stop the process.
var ErrStore = errors.New("engine store failure")

// FillHandler receives attributed fills for one symbol, in broker
// timestamp order.
type FillHandler interface {
	OnFill(ctx context.Context, fill models.Fill, order models.Order)
}

// Engine polls open and closed orders and dispatches deduplicated fills.
type Engine struct {
	broker   broker.Broker
	store    storage.Interface
	logger   *logrus.Logger
	interval time.Duration
	handlers map[string]FillHandler
	lastPoll time.Time
}

// New creates an engine polling at the given interval.
func New(b broker.Broker, store storage.Interface, logger *logrus.Logger, interval time.Duration) *Engine {
	return &Engine{
		broker:   b,
		store:    store,
		logger:   logger,
		interval: interval,
		handlers: make(map[string]FillHandler),
	}
}

// Register attaches the fill handler for a symbol. Fills for unregistered
// symbols are persisted but not dispatched.
func (e *Engine) Register(symbol string, h FillHandler) {
	e.handlers[symbol] = h
}

// Poll fetches one snapshot of broker order state and processes it.
// Processing is idempotent: polling the same snapshot twice writes nothing
// new and dispatches nothing. A store write failure aborts before lastPoll
// advances, so the next poll replays the same window; it is reported
// wrapped in ErrStore.
func (e *Engine) Poll(ctx context.Context, now time.Time) error {
	since := now.Add(-coldStartLookback)
	if !e.lastPoll.IsZero() {
		// Overlap two intervals so a slow write on the broker side cannot
		// slip between windows. Dedupe absorbs the replays.
		since = e.lastPoll.Add(-2 * e.interval)
	}

	closed, err := e.broker.ClosedOrders(ctx, since)
	if err != nil {
		return fmt.Errorf("fetching closed orders: %w", err)
	}
	open, err := e.broker.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetching open orders: %w", err)
	}

	orders := append(closed, open...)
	pending := make([]pendingOrder, 0, len(orders))
	for i := range orders {
		p, err := e.derive(&orders[i])
		if err != nil {
			return fmt.Errorf("order %s: %w", orders[i].OrderID, err)
		}
		pending = append(pending, p)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].order.Symbol != pending[j].order.Symbol {
			return pending[i].order.Symbol < pending[j].order.Symbol
		}
		return pending[i].order.UpdatedAt.Before(pending[j].order.UpdatedAt)
	})
	for i := range pending {
		if err := e.commit(ctx, &pending[i]); err != nil {
			return err
		}
	}

	e.lastPoll = now
	return nil
}

type pendingOrder struct {
	order models.Order
	ev    *models.Event
	fill  *models.Fill
}

// derive reads the prior order row and computes the incremental fill, if
// the cumulative filled quantity advanced since the last snapshot. It
// writes nothing.
func (e *Engine) derive(o *models.Order) (pendingOrder, error) {
	prior, err := e.store.GetOrder(o.OrderID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return pendingOrder{}, fmt.Errorf("loading prior order: %w: %w", ErrStore, err)
	}

	// Keep the locally recorded parent linkage; the broker does not echo it.
	if prior != nil && o.ParentID == "" {
		o.ParentID = prior.ParentID
	}

	p := pendingOrder{order: *o}
	statusChanged := prior == nil || prior.Status != o.Status
	if statusChanged && o.Status.Terminal() {
		p.ev = models.NewEvent(models.OrderEventType(o.Status), o.Symbol, map[string]any{
			"order_id": o.OrderID,
			"side":     string(o.Side),
			"type":     string(o.Type),
		})
	}

	priorFilled := priorFilledQty(prior)
	if o.FilledQty.LessThanOrEqual(priorFilled) {
		return p, nil
	}

	fill := models.Fill{
		// The broker reports cumulative quantities, not executions, so the
		// cumulative level stands in for an execution id. The same level
		// reported twice collapses onto one row.
		ExecID:    fmt.Sprintf("%s:%s", o.OrderID, o.FilledQty.String()),
		OrderID:   o.OrderID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Qty:       o.FilledQty.Sub(priorFilled),
		Timestamp: o.UpdatedAt,
	}
	if o.FilledAvgPrice.Valid {
		fill.Price = o.FilledAvgPrice.Decimal
	}
	p.fill = &fill
	return p, nil
}

// commit writes one order's rows in replay-safe sequence: the fill first,
// so a crash before the order upsert leaves the old cumulative quantity in
// place and the retry collapses onto the same exec id; then the handler;
// then the order row.
func (e *Engine) commit(ctx context.Context, p *pendingOrder) error {
	if p.fill != nil {
		ev := models.NewEvent(models.EventFillReceived, p.fill.Symbol, map[string]any{
			"exec_id":  p.fill.ExecID,
			"order_id": p.fill.OrderID,
			"side":     string(p.fill.Side),
			"qty":      p.fill.Qty.String(),
			"price":    p.fill.Price.String(),
		})
		inserted, err := e.store.InsertFill(p.fill, ev)
		if err != nil {
			return fmt.Errorf("persisting fill %s: %w: %w", p.fill.ExecID, ErrStore, err)
		}
		if inserted {
			e.logger.WithFields(logrus.Fields{
				"symbol": p.fill.Symbol,
				"side":   p.fill.Side,
				"qty":    p.fill.Qty.String(),
				"price":  p.fill.Price.String(),
			}).Info("fill received")
			if h, ok := e.handlers[p.fill.Symbol]; ok {
				h.OnFill(ctx, *p.fill, p.order)
			}
		}
	}

	if err := e.store.UpsertOrder(&p.order, p.ev); err != nil {
		return fmt.Errorf("upserting order %s: %w: %w", p.order.OrderID, ErrStore, err)
	}
	return nil
}

func priorFilledQty(prior *models.Order) decimal.Decimal {
	if prior == nil {
		return decimal.Zero
	}
	return prior.FilledQty
}
