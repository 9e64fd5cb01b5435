package auction

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-auction/internal/config"
	"github.com/ksred/klear-auction/internal/types"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: epoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu       sync.Mutex
	created  []string
	accepted []string
	closed   []Status
}

func (n *recordingNotifier) AuctionCreated(_ context.Context, a Auction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, a.AuctionID)
}

func (n *recordingNotifier) AllocationAccepted(_ context.Context, _ Auction, al Allocation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accepted = append(n.accepted, al.AllocationID)
}

func (n *recordingNotifier) AuctionClosed(_ context.Context, a Auction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, a.Status)
}

type fakeLots struct {
	mu   sync.Mutex
	lots map[string]types.LotRecord
	err  error
}

func newFakeLots(lots ...types.LotRecord) *fakeLots {
	f := &fakeLots{lots: make(map[string]types.LotRecord)}
	for _, l := range lots {
		f.lots[l.LotID] = l
	}
	return f
}

func (f *fakeLots) GetLot(_ context.Context, lotID string) (*types.LotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	l, ok := f.lots[lotID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (f *fakeLots) ListEligible(_ context.Context, now time.Time) ([]types.LotRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var eligible []types.LotRecord
	for _, l := range f.lots {
		if l.AvailableAfter(now) {
			eligible = append(eligible, l)
		}
	}
	return eligible, nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return db
}

type fixture struct {
	svc      *Service
	clock    *testClock
	notifier *recordingNotifier
	lots     *fakeLots
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
		lots:     newFakeLots(),
	}
	f.svc = NewService(newTestDB(t), cfg,
		WithClock(f.clock.Now),
		WithNotifier(f.notifier),
		WithLotSource(f.lots),
	)
	return f
}

func availableIn(d time.Duration) *time.Time {
	at := epoch.Add(d)
	return &at
}

func (f *fixture) createAuction(t *testing.T, lotID string, capacity float64) *Auction {
	t.Helper()
	a, err := f.svc.CreateForLot(context.Background(), lotID, capacity, availableIn(30*24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func (f *fixture) bid(t *testing.T, auctionID string, pct float64) *BidReceipt {
	t.Helper()
	receipt, err := f.svc.AcceptBid(context.Background(), BidRequest{AuctionID: auctionID, Percentage: pct, ClaimantID: "claimant-1"})
	require.NoError(t, err)
	return receipt
}
