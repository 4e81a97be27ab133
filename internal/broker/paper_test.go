package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailbot/internal/models"
)

func TestPaperEntryFillAndPosition(t *testing.T) {
	p := NewPaper(dec("100000"))
	ctx := context.Background()

	id, err := p.SubmitEntry(ctx, EntryOrder{
		Symbol:      "TSLA",
		Class:       models.AssetEquity,
		Qty:         dec("4"),
		StopTrigger: dec("231.00"),
	})
	require.NoError(t, err)

	open, err := p.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.TypeStop, open[0].Type)

	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	require.NoError(t, p.Fill(id, dec("232.10"), at))

	positions, err := p.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Qty.Equal(dec("4")))
	assert.True(t, positions[0].AvgEntryPrice.Equal(dec("232.10")))

	acct, err := p.AccountSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(dec("100000").Sub(dec("928.40"))))

	closed, err := p.ClosedOrders(ctx, at.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, models.StatusFilled, closed[0].Status)
	assert.True(t, closed[0].FilledQty.Equal(dec("4")))

	// Orders terminal before the window are not reported.
	closed, err = p.ClosedOrders(ctx, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, closed)
}

func TestPaperProtectiveSellClosesPosition(t *testing.T) {
	p := NewPaper(dec("100000"))
	ctx := context.Background()

	entryID, err := p.SubmitEntry(ctx, EntryOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("4"), StopTrigger: dec("231.00"),
	})
	require.NoError(t, err)
	require.NoError(t, p.Fill(entryID, dec("232.10"), time.Now().UTC()))

	trailID, err := p.SubmitProtective(ctx, ProtectiveOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("4"), TrailPct: dec("10"),
	})
	require.NoError(t, err)

	o, ok := p.Order(trailID)
	require.True(t, ok)
	assert.Equal(t, models.TypeTrailingStop, o.Type)

	require.NoError(t, p.Fill(trailID, dec("208.89"), time.Now().UTC()))

	positions, err := p.Positions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperCancel(t *testing.T) {
	p := NewPaper(dec("100000"))
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return at })
	ctx := context.Background()

	id, err := p.SubmitEntry(ctx, EntryOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("1"), StopTrigger: dec("100"),
	})
	require.NoError(t, err)
	require.NoError(t, p.Cancel(ctx, id))

	o, ok := p.Order(id)
	require.True(t, ok)
	assert.Equal(t, at, o.UpdatedAt)

	err = p.Cancel(ctx, id)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))

	assert.Equal(t, 0, p.CancelAll())
}

func TestPaperRejectsZeroQty(t *testing.T) {
	p := NewPaper(dec("100000"))
	_, err := p.SubmitEntry(context.Background(), EntryOrder{
		Symbol: "TSLA", Class: models.AssetEquity, Qty: dec("0"), StopTrigger: dec("100"),
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}
