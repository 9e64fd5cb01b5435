package auction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveAuctionsUsesLivePrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := f.createAuction(t, "LOT-1", 82000)
	soldOut := f.createAuction(t, "LOT-2", 1000)
	f.bid(t, soldOut.AuctionID, 100)

	// No refresh has run; the view still reports the current curve price.
	f.clock.Advance(2 * time.Hour)
	views, err := f.svc.ActiveAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)

	view := views[0]
	assert.Equal(t, open.AuctionID, view.ID)
	assert.Equal(t, "LOT-1", view.LotID)
	assert.Equal(t, 23.93, view.CurrentPrice)
	assert.Equal(t, 12.0, view.FloorPrice)
	assert.Equal(t, 82000.0, view.Remaining)
	assert.Equal(t, 14, view.DaysRemaining)

	f.clock.Advance(15 * 24 * time.Hour)
	views, err = f.svc.ActiveAuctions(ctx)
	require.NoError(t, err)
	assert.Empty(t, views, "expired auctions are hidden before the reconciler closes them")
}

func TestHistoryMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createAuction(t, "LOT-1", 1000)
	b := f.createAuction(t, "LOT-2", 4000)
	first := f.bid(t, a.AuctionID, 10)
	f.clock.Advance(time.Minute)
	second := f.bid(t, b.AuctionID, 25)

	entries, err := f.svc.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, second.AllocationID, entries[0].AllocationID)
	assert.Equal(t, "LOT-2", entries[0].LotID)
	assert.Equal(t, 1000.0, entries[0].CapacityPurchased)
	assert.Equal(t, 25.0, entries[0].PercentageOfLot)
	assert.Equal(t, first.AllocationID, entries[1].AllocationID)
	assert.Equal(t, 10.0, entries[1].PercentageOfLot)

	entries, err = f.svc.History(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = f.svc.History(ctx, 10_000)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPastAuctions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sold := f.createAuction(t, "LOT-1", 1000)
	f.bid(t, sold.AuctionID, 100)
	f.clock.Advance(time.Minute)
	cancelled := f.createAuction(t, "LOT-2", 1000)
	_, err := f.svc.Cancel(ctx, cancelled.AuctionID)
	require.NoError(t, err)
	f.createAuction(t, "LOT-3", 1000)

	past, err := f.svc.PastAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, past, 2)
	assert.Equal(t, cancelled.AuctionID, past[0].ID)
	assert.Equal(t, StatusCancelled, past[0].Status)
	assert.Equal(t, sold.AuctionID, past[1].ID)
	assert.Equal(t, StatusCompleted, past[1].Status)
	assert.Equal(t, 1000.0, past[1].SoldCapacity)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.createAuction(t, "LOT-82", 82000)
	f.bid(t, a.AuctionID, 25)
	f.clock.Advance(10 * time.Hour)
	f.bid(t, a.AuctionID, 25)

	stats := f.svc.Statistics(ctx, a.AuctionID)
	assert.Equal(t, a.AuctionID, stats.AuctionID)
	assert.Equal(t, 82000.0, stats.TotalCapacity)
	assert.Equal(t, 41000.0, stats.SoldCapacity)
	assert.Equal(t, 41000.0, stats.Remaining)
	assert.Equal(t, 50.0, stats.UtilizationPct)
	assert.Equal(t, 24.0, stats.StartPrice)
	assert.Equal(t, 23.67, stats.CurrentPrice)
	assert.Equal(t, 1.37, stats.PriceDropPct)
	assert.Equal(t, 14, stats.DaysRemaining)
	assert.Equal(t, 350.0, stats.HoursRemaining)
	assert.Equal(t, 2, stats.AllocationCount)
	assert.Equal(t, 977235.0, stats.Revenue)
	assert.Equal(t, 23.84, stats.AveragePrice)
	assert.Equal(t, StatusActive, stats.Status)
}

func TestStatisticsUnknownAuctionIsZero(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, Statistics{}, f.svc.Statistics(context.Background(), "AUC_missing"))
}
