package main

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"trailbot/internal/broker"
	"trailbot/internal/calendar"
	"trailbot/internal/config"
	"trailbot/internal/controller"
	"trailbot/internal/engine"
	"trailbot/internal/models"
	"trailbot/internal/performance"
	"trailbot/internal/storage"
)

// breakerStater is implemented by the circuit-breaker broker wrapper.
type breakerStater interface {
	State() gobreaker.State
}

// Loop runs the tick cycle: poll order activity, rebuild the broker
// snapshot, fan controllers out, and handle the daily chores.
type Loop struct {
	cfg         *config.Config
	broker      broker.Broker
	store       storage.Interface
	engine      *engine.Engine
	controllers []*controller.Controller
	cal         *calendar.Calendar
	tracker     *performance.Tracker
	logger      *logrus.Logger

	// lastSnapshotDay and eodDoneDay latch the once-per-day chores, keyed
	// by the exchange-local date.
	lastSnapshotDay string
	eodDoneDay      string
}

// NewLoop wires the orchestrator.
func NewLoop(cfg *config.Config, b broker.Broker, store storage.Interface, eng *engine.Engine,
	controllers []*controller.Controller, cal *calendar.Calendar, tracker *performance.Tracker,
	logger *logrus.Logger) *Loop {
	return &Loop{
		cfg:         cfg,
		broker:      b,
		store:       store,
		engine:      eng,
		controllers: controllers,
		cal:         cal,
		tracker:     tracker,
		logger:      logger,
	}
}

// Run ticks until the context is canceled or a store write fails. Order
// events poll on their own faster cadence so fills get their protectives
// before the next full tick.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval())
	defer ticker.Stop()
	events := time.NewTicker(l.cfg.EventCheckInterval())
	defer events.Stop()
	keepalive := time.NewTicker(l.cfg.KeepaliveInterval())
	defer keepalive.Stop()

	if err := l.Tick(ctx, time.Now().UTC()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepalive.C:
			l.ping(ctx)
		case <-events.C:
			if err := l.pollEvents(ctx, time.Now().UTC()); err != nil {
				return err
			}
		case <-ticker.C:
			if err := l.Tick(ctx, time.Now().UTC()); err != nil {
				return err
			}
		}
	}
}

// ping keeps the session warm and, when the circuit is open, serves as the
// probe that lets it close again.
func (l *Loop) ping(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.BrokerCallTimeout())
	defer cancel()
	if err := l.broker.Ping(callCtx); err != nil {
		l.logger.WithError(err).Warn("broker keepalive failed")
	}
}

// pollEvents runs one order-event poll between full ticks. Broker errors
// are transient and logged; a store failure is fatal and propagates.
func (l *Loop) pollEvents(ctx context.Context, now time.Time) error {
	if st, ok := l.broker.(breakerStater); ok && st.State() == gobreaker.StateOpen {
		return nil
	}
	if err := l.engine.Poll(ctx, now); err != nil {
		if errors.Is(err, engine.ErrStore) {
			return err
		}
		l.logger.WithError(err).Error("polling order activity")
	}
	return nil
}

// Tick runs one full cycle at now. The returned error is non-nil only for
// unrecoverable store failures; everything else is logged and retried on
// the next tick.
func (l *Loop) Tick(ctx context.Context, now time.Time) error {
	if st, ok := l.broker.(breakerStater); ok && st.State() == gobreaker.StateOpen {
		// No point hammering a tripped breaker; the keepalive probes it.
		l.logger.Warn("broker circuit open, skipping cycle")
		return nil
	}

	if err := l.engine.Poll(ctx, now); err != nil {
		if errors.Is(err, engine.ErrStore) {
			return err
		}
		l.logger.WithError(err).Error("polling order activity")
		return nil
	}

	positions, err := l.broker.Positions(ctx)
	if err != nil {
		l.logger.WithError(err).Error("fetching positions")
		return nil
	}
	account, err := l.broker.AccountSnapshot(ctx)
	if err != nil {
		l.logger.WithError(err).Error("fetching account")
		return nil
	}
	open, err := l.broker.OpenOrders(ctx)
	if err != nil {
		l.logger.WithError(err).Error("fetching open orders")
		return nil
	}

	open = l.cancelEntriesNearClose(ctx, now, open)

	posBySymbol := make(map[string]*broker.Position, len(positions))
	totalExposure := decimal.Zero
	for i := range positions {
		posBySymbol[positions[i].Symbol] = &positions[i]
		totalExposure = totalExposure.Add(positions[i].MarketValue)
	}
	openBySymbol := make(map[string][]models.Order, len(open))
	for i := range open {
		openBySymbol[open[i].Symbol] = append(openBySymbol[open[i].Symbol], open[i])
	}

	var g errgroup.Group
	for _, c := range l.controllers {
		snap := controller.Snapshot{
			Account:       account,
			OpenOrders:    openBySymbol[c.Symbol()],
			TotalExposure: totalExposure,
		}
		if pos := posBySymbol[c.Symbol()]; pos != nil {
			snap.PositionQty = pos.Qty
			snap.AvgEntryPrice = pos.AvgEntryPrice
			snap.SymbolExposure = pos.MarketValue
		}
		c := c
		g.Go(func() error {
			if err := c.Tick(ctx, now, snap); err != nil {
				l.logger.WithError(err).WithField("symbol", c.Symbol()).Error("controller tick")
			}
			return nil
		})
	}
	_ = g.Wait()

	l.maybeSnapshot(now, account, positions)
	return nil
}

// cancelEntriesNearClose cancels working equity entries in the last minutes
// of the session, once per session. Crypto entries carry GTC and stay.
func (l *Loop) cancelEntriesNearClose(ctx context.Context, now time.Time, open []models.Order) []models.Order {
	if !l.cfg.Entries.CancelAtClose {
		return open
	}
	minutes, ok := l.cal.MinutesUntilClose(models.AssetEquity, now)
	if !ok || minutes > l.cfg.Entries.EODCancelMinutes {
		return open
	}
	sessionDay := now.In(l.cal.Location()).Format("2006-01-02")
	if l.eodDoneDay == sessionDay {
		return open
	}

	canceled := 0
	failed := false
	kept := open[:0]
	for i := range open {
		o := open[i]
		if !o.IsEntry() || models.ClassOf(o.Symbol) != models.AssetEquity {
			kept = append(kept, o)
			continue
		}
		if err := l.broker.Cancel(ctx, o.OrderID); err != nil {
			if broker.KindOf(err) != broker.KindNotFound {
				l.logger.WithError(err).WithField("order_id", o.OrderID).Error("canceling entry at close")
				kept = append(kept, o)
				failed = true
				continue
			}
		}
		o.Status = models.StatusCanceled
		o.UpdatedAt = now
		ev := models.NewEvent(models.EventEntryCancelledEOD, o.Symbol, map[string]any{
			"order_id":         o.OrderID,
			"minutes_to_close": minutes,
		})
		if err := l.store.UpsertOrder(&o, ev); err != nil {
			l.logger.WithError(err).WithField("order_id", o.OrderID).Error("recording close-out cancel")
		}
		canceled++
	}

	if failed {
		// An entry is still working; leave the latch open so the next tick
		// retries the sweep.
		return kept
	}

	l.eodDoneDay = sessionDay
	if err := l.store.AppendEvent(models.NewEvent(models.EventEODCancelsDone, "", map[string]any{
		"canceled": canceled,
	})); err != nil {
		l.logger.WithError(err).Error("recording close-out completion")
	}
	l.logger.WithFields(logrus.Fields{
		"canceled":         canceled,
		"minutes_to_close": minutes,
	}).Info("end-of-day entry cancellation done")
	return kept
}

// maybeSnapshot records one performance snapshot per exchange-local day.
func (l *Loop) maybeSnapshot(now time.Time, account *broker.Account, positions []broker.Position) {
	localDay := now.In(l.cal.Location()).Format("2006-01-02")
	if localDay == l.lastSnapshotDay {
		return
	}
	if _, err := l.tracker.RecordDaily(now, account, positions); err != nil {
		l.logger.WithError(err).Error("recording daily snapshot")
		return
	}
	l.lastSnapshotDay = localDay
}
