// Package performance records one account snapshot per exchange-local day
// and summarizes the snapshot history for the monitor.
package performance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trailbot/internal/broker"
	"trailbot/internal/models"
	"trailbot/internal/storage"
)

// Tracker builds daily snapshots from the broker account view.
type Tracker struct {
	store  storage.Interface
	logger *logrus.Logger
	loc    *time.Location
}

// New creates a tracker. Days roll over at midnight in loc.
func New(store storage.Interface, logger *logrus.Logger, loc *time.Location) *Tracker {
	return &Tracker{store: store, logger: logger, loc: loc}
}

// RecordDaily saves the snapshot for the day containing now. Re-recording
// the same day replaces the earlier row, so the last write of the day wins.
func (t *Tracker) RecordDaily(now time.Time, acct *broker.Account, positions []broker.Position) (*models.PerformanceSnapshot, error) {
	local := now.In(t.loc)
	date := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)

	unrealized := decimal.Zero
	for i := range positions {
		unrealized = unrealized.Add(positions[i].UnrealizedPnL)
	}

	snap := &models.PerformanceSnapshot{
		Date:          date,
		AccountValue:  acct.Equity,
		Cash:          acct.Cash,
		PositionValue: acct.PositionValue,
		UnrealizedPnL: unrealized,
		NumPositions:  len(positions),
		CreatedAt:     now.UTC(),
	}

	trades, err := t.store.FillCountBetween(dayStart, now)
	if err != nil {
		return nil, fmt.Errorf("counting fills: %w", err)
	}
	snap.NumTrades = trades

	// Daily P&L is the equity change since the previous recorded day; the
	// realized part is whatever the unrealized change does not explain.
	prev, err := t.store.LatestSnapshot()
	switch {
	case err == nil && !prev.Date.Equal(date):
		snap.DailyPnL = acct.Equity.Sub(prev.AccountValue)
		snap.RealizedPnL = snap.DailyPnL.Sub(unrealized.Sub(prev.UnrealizedPnL))
	case err == nil:
		// Same-day re-record keeps the baseline from the prior day intact.
		snap.DailyPnL = prev.DailyPnL.Add(acct.Equity.Sub(prev.AccountValue))
		snap.RealizedPnL = snap.DailyPnL.Sub(unrealized.Sub(prev.UnrealizedPnL)).Add(prev.RealizedPnL.Sub(prev.DailyPnL))
	}

	if err := t.store.InsertSnapshot(snap); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	if err := t.store.AppendEvent(models.NewEvent(models.EventSnapshotSaved, "", map[string]any{
		"date":          date.Format("2006-01-02"),
		"account_value": acct.Equity.String(),
		"daily_pnl":     snap.DailyPnL.String(),
	})); err != nil {
		t.logger.WithError(err).Error("appending snapshot event")
	}

	t.logger.WithFields(logrus.Fields{
		"date":          date.Format("2006-01-02"),
		"account_value": acct.Equity.String(),
		"daily_pnl":     snap.DailyPnL.String(),
		"trades":        trades,
	}).Info("daily snapshot saved")
	return snap, nil
}

// Summary aggregates the recorded snapshot history.
type Summary struct {
	Days         int             `json:"days"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	WinDays      int             `json:"win_days"`
	LossDays     int             `json:"loss_days"`
	BestDay      decimal.Decimal `json:"best_day"`
	WorstDay     decimal.Decimal `json:"worst_day"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	CurrentValue decimal.Decimal `json:"current_value"`
}

// Summarize folds up to limit recorded days into a Summary.
func (t *Tracker) Summarize(limit int) (*Summary, error) {
	snaps, err := t.store.DailySnapshots(limit)
	if err != nil {
		return nil, fmt.Errorf("loading snapshots: %w", err)
	}

	s := &Summary{Days: len(snaps)}
	if len(snaps) == 0 {
		return s, nil
	}
	s.CurrentValue = snaps[0].AccountValue

	// Snapshots arrive newest first; walk oldest first for the drawdown.
	peak := snaps[len(snaps)-1].AccountValue
	for i := len(snaps) - 1; i >= 0; i-- {
		sn := &snaps[i]
		s.TotalPnL = s.TotalPnL.Add(sn.DailyPnL)
		switch sn.DailyPnL.Sign() {
		case 1:
			s.WinDays++
		case -1:
			s.LossDays++
		}
		if sn.DailyPnL.GreaterThan(s.BestDay) {
			s.BestDay = sn.DailyPnL
		}
		if sn.DailyPnL.LessThan(s.WorstDay) {
			s.WorstDay = sn.DailyPnL
		}
		if sn.AccountValue.GreaterThan(peak) {
			peak = sn.AccountValue
		}
		if dd := peak.Sub(sn.AccountValue); dd.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = dd
		}
	}
	return s, nil
}
