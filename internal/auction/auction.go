package auction

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-auction/internal/config"
	"github.com/ksred/klear-auction/internal/pricing"
	"github.com/ksred/klear-auction/internal/types"
)

// LotSource gives the auction engine read access to lots owned elsewhere.
type LotSource interface {
	GetLot(ctx context.Context, lotID string) (*types.LotRecord, error)
	ListEligible(ctx context.Context, now time.Time) ([]types.LotRecord, error)
}

// Service orchestrates auction creation, price refresh and bid acceptance
type Service struct {
	db       *Database
	calc     *pricing.Calculator
	cfg      config.AuctionConfig
	lots     LotSource
	notifier Notifier
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock, used by tests to move time.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithNotifier registers the sink for auction lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithLotSource registers where lots are looked up by id.
func WithLotSource(lots LotSource) Option {
	return func(s *Service) { s.lots = lots }
}

// NewService creates a new auction service with the given database connection
func NewService(gormDB *gorm.DB, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		db:       NewDatabase(gormDB, cfg.StoreTimeout),
		calc:     pricing.NewCalculator(cfg.Auction),
		cfg:      cfg.Auction,
		notifier: NopNotifier{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetDB exposes the auction store.
func (s *Service) GetDB() *Database {
	return s.db
}

// BidRequest asks for a percentage of an auction's total capacity.
type BidRequest struct {
	AuctionID      string
	Percentage     float64
	ClaimantID     string
	IdempotencyKey string
}

// BidReceipt is returned for an accepted bid.
type BidReceipt struct {
	AllocationID      string    `json:"allocation_id"`
	AuctionID         string    `json:"auction_id"`
	CapacityPurchased float64   `json:"capacity_purchased"`
	PriceAtSale       float64   `json:"price_at_sale"`
	SoldAt            time.Time `json:"sold_at"`
	SoldCapacity      float64   `json:"sold_capacity"`
	RemainingCapacity float64   `json:"remaining_capacity"`
	CurrentPrice      float64   `json:"current_price"`
	Status            Status    `json:"status"`
	IsFinal           bool      `json:"is_final"`
	Replayed          bool      `json:"replayed,omitempty"`
}

// CreateForLot starts an auction for a lot unless one is already active, in
// which case the active auction is returned unchanged.
func (s *Service) CreateForLot(ctx context.Context, lotID string, capacity float64, availabilityTime *time.Time) (*Auction, error) {
	auction, _, err := s.createForLot(ctx, lotID, capacity, availabilityTime)
	return auction, err
}

// CreateForLotID looks the lot up and starts an auction for it.
func (s *Service) CreateForLotID(ctx context.Context, lotID string) (*Auction, error) {
	if s.lots == nil {
		return nil, ErrInvalidLot
	}
	lot, err := s.lots.GetLot(ctx, lotID)
	if err != nil {
		return nil, wrap(ErrCreationFailed, err)
	}
	if lot == nil {
		return nil, ErrInvalidLot
	}
	return s.CreateForLot(ctx, lot.LotID, lot.Capacity, lot.AvailabilityTime)
}

func (s *Service) createForLot(ctx context.Context, lotID string, capacity float64, availabilityTime *time.Time) (*Auction, bool, error) {
	logger := log.With().
		Str("lot_id", lotID).
		Str("service", "auction").
		Logger()

	if lotID == "" || !(capacity > 0) || math.IsInf(capacity, 0) {
		logger.Warn().Float64("capacity", capacity).Msg("lot has no usable capacity, skipping auction creation")
		return nil, false, ErrInvalidLot
	}

	existing, err := s.db.GetActive(ctx, lotID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up active auction")
		return nil, false, wrap(ErrCreationFailed, err)
	}
	if existing != nil {
		logger.Debug().Str("auction_id", existing.AuctionID).Msg("lot already has an active auction")
		return existing, false, nil
	}

	params, err := s.calc.ParamsFor(capacity)
	if err != nil {
		return nil, false, wrap(ErrInvalidLot, err)
	}

	now := s.now()
	auction := &Auction{
		AuctionID:      "AUC_" + uuid.New().String(),
		LotID:          lotID,
		LotAvailableAt: availabilityTime,
		StartTime:      now,
		EndTime:        now.AddDate(0, 0, params.DurationDays),
		TotalCapacity:  capacity,
		SoldCapacity:   0,
		StartPrice:     params.StartPrice,
		FloorPrice:     params.FloorPrice,
		HourlyDecay:    params.HourlyDecay,
		CurrentPrice:   params.StartPrice,
		Status:         StatusActive,
		LastUpdated:    now,
	}

	if err := s.db.Create(ctx, auction); err != nil {
		// A concurrent creator may have won the unique active-lot index.
		if winner, getErr := s.db.GetActive(ctx, lotID); getErr == nil && winner != nil {
			logger.Info().Str("auction_id", winner.AuctionID).Msg("auction created concurrently, reusing it")
			return winner, false, nil
		}
		logger.Error().Err(err).Msg("failed to create auction")
		return nil, false, wrap(ErrCreationFailed, err)
	}

	logger.Info().
		Str("auction_id", auction.AuctionID).
		Str("tier", string(params.Tier)).
		Float64("total_capacity", auction.TotalCapacity).
		Float64("start_price", auction.StartPrice).
		Float64("floor_price", auction.FloorPrice).
		Time("end_time", auction.EndTime).
		Msg("auction created")

	s.notifier.AuctionCreated(ctx, *auction)
	return auction, true, nil
}

// EnsureAuction is the lifecycle rule shared by the lot trigger and the
// reconciler: a lot with a future availability time gets an auction, unless
// the auction for that same availability window has already finished.
func (s *Service) EnsureAuction(ctx context.Context, lot types.LotRecord) (*Auction, bool, error) {
	if !lot.AvailableAfter(s.now()) {
		return nil, false, nil
	}

	latest, err := s.db.LatestForLot(ctx, lot.LotID)
	if err != nil {
		return nil, false, wrap(ErrCreationFailed, err)
	}
	if latest != nil && latest.Status.Terminal() && latest.LotAvailableAt != nil &&
		sameWindow(*latest.LotAvailableAt, *lot.AvailabilityTime) {
		return nil, false, nil
	}

	return s.createForLot(ctx, lot.LotID, lot.Capacity, lot.AvailabilityTime)
}

// sameWindow compares availability times at the precision the store keeps.
func sameWindow(a, b time.Time) bool {
	return a.Truncate(time.Microsecond).Equal(b.Truncate(time.Microsecond))
}

// OnLotAvailable is called when a lot is created or updated. Auction creation
// is best effort here; failures are logged and left to the reconciler.
func (s *Service) OnLotAvailable(ctx context.Context, lot types.LotRecord) {
	if _, _, err := s.EnsureAuction(ctx, lot); err != nil {
		log.Warn().
			Err(err).
			Str("lot_id", lot.LotID).
			Str("service", "auction").
			Msg("auction creation deferred to reconciliation")
	}
}

// refresh applies the price curve and completion rules at now. It reports
// whether the cached price moved and whether the auction completed.
func (s *Service) refresh(auction *Auction, now time.Time) (priceChanged, completed bool) {
	if auction.Status != StatusActive {
		return false, false
	}

	price := pricing.PriceAt(auction.Schedule(), now)
	if pricing.Changed(auction.CurrentPrice, price, s.cfg.PriceWriteThreshold) {
		auction.CurrentPrice = price
		priceChanged = true
	}

	if auction.Expired(now) || auction.SoldOut(s.cfg.CompletionRatio) {
		auction.Status = StatusCompleted
		completedAt := now
		auction.CompletedAt = &completedAt
		completed = true
	}

	if priceChanged || completed {
		auction.LastUpdated = now
	}
	return priceChanged, completed
}

// RefreshPrices recomputes the price of every active auction and completes
// auctions that expired or sold out. It returns the number of auctions written.
func (s *Service) RefreshPrices(ctx context.Context) (int, error) {
	logger := log.With().Str("service", "auction").Logger()

	auctions, err := s.db.ListActive(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list active auctions")
		return 0, err
	}

	now := s.now()
	updated := 0
	for i := range auctions {
		auction := &auctions[i]

		priceChanged, completed := s.refresh(auction, now)
		if !priceChanged && !completed {
			continue
		}

		if err := s.db.Update(ctx, auction); err != nil {
			logger.Warn().
				Err(err).
				Str("auction_id", auction.AuctionID).
				Msg("failed to refresh auction, will retry next pass")
			continue
		}
		updated++

		if completed {
			logger.Info().
				Str("auction_id", auction.AuctionID).
				Str("lot_id", auction.LotID).
				Float64("sold_capacity", auction.SoldCapacity).
				Float64("final_price", auction.CurrentPrice).
				Msg("auction completed")
			s.notifier.AuctionClosed(ctx, *auction)
		}
	}

	logger.Debug().Int("active", len(auctions)).Int("updated", updated).Msg("refreshed auction prices")
	return updated, nil
}

// AcceptBid buys a percentage of an auction's total capacity at the current price.
// Concurrent bids are serialised by the store's version check; a bid that loses
// the race is re-evaluated against fresh state a bounded number of times.
func (s *Service) AcceptBid(ctx context.Context, req BidRequest) (*BidReceipt, error) {
	logger := log.With().
		Str("auction_id", req.AuctionID).
		Float64("percentage", req.Percentage).
		Str("service", "auction").
		Logger()

	if math.IsNaN(req.Percentage) || req.Percentage <= 0 || req.Percentage > 100 {
		return nil, ErrInvalidPercentage
	}

	if req.IdempotencyKey != "" {
		if receipt, err := s.replay(ctx, req); receipt != nil || err != nil {
			return receipt, err
		}
	}

	for attempt := 1; attempt <= s.cfg.MaxBidAttempts; attempt++ {
		receipt, err := s.tryAcceptBid(ctx, req)
		if err == nil {
			logger.Info().
				Str("allocation_id", receipt.AllocationID).
				Float64("capacity_purchased", receipt.CapacityPurchased).
				Float64("price_at_sale", receipt.PriceAtSale).
				Float64("remaining_capacity", receipt.RemainingCapacity).
				Bool("is_final", receipt.IsFinal).
				Msg("bid accepted")
			return receipt, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if req.IdempotencyKey != "" {
			// The losing write may have been a duplicate of the same request.
			if receipt, replayErr := s.replay(ctx, req); receipt != nil || replayErr != nil {
				return receipt, replayErr
			}
		}
		logger.Debug().Int("attempt", attempt).Msg("bid lost a concurrent update, retrying")
	}

	logger.Warn().Int("attempts", s.cfg.MaxBidAttempts).Msg("bid abandoned after repeated conflicts")
	return nil, ErrConflict
}

func (s *Service) tryAcceptBid(ctx context.Context, req BidRequest) (*BidReceipt, error) {
	auction, err := s.db.Get(ctx, req.AuctionID)
	if err != nil {
		return nil, err
	}
	if auction == nil {
		return nil, ErrAuctionNotFound
	}
	if auction.Status != StatusActive {
		return nil, ErrAuctionNotActive
	}

	now := s.now()
	if _, completed := s.refresh(auction, now); completed {
		if err := s.db.Update(ctx, auction); err != nil {
			if errors.Is(err, ErrConflict) {
				return nil, err
			}
			log.Warn().Err(err).Str("auction_id", auction.AuctionID).Msg("failed to persist auction completion")
		} else {
			s.notifier.AuctionClosed(ctx, *auction)
		}
		if auction.Expired(now) {
			return nil, ErrAuctionExpired
		}
		return nil, ErrAuctionNotActive
	}

	requested := auction.TotalCapacity * req.Percentage / 100
	available := auction.Remaining()
	if requested > available {
		if requested-available > auction.TotalCapacity*capacitySlack {
			return nil, insufficientCapacity(req.Percentage, pricing.PercentOf(available, auction.TotalCapacity))
		}
		requested = available
	}
	if requested <= 0 {
		return nil, insufficientCapacity(req.Percentage, 0)
	}

	priceAtSale := auction.CurrentPrice
	auction.SoldCapacity = math.Min(auction.SoldCapacity+requested, auction.TotalCapacity)
	auction.LastUpdated = now

	isFinal := auction.SoldOut(s.cfg.CompletionRatio)
	if isFinal {
		auction.Status = StatusCompleted
		completedAt := now
		auction.CompletedAt = &completedAt
	}

	allocation := &Allocation{
		AllocationID:      "ALC_" + uuid.New().String(),
		AuctionID:         auction.AuctionID,
		ClaimantID:        req.ClaimantID,
		CapacityPurchased: requested,
		PriceAtSale:       priceAtSale,
		SoldAt:            now,
		IsFinal:           isFinal,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		allocation.IdempotencyKey = &key
	}

	if err := s.db.AppendAllocation(ctx, auction, allocation); err != nil {
		return nil, err
	}

	s.notifier.AllocationAccepted(ctx, *auction, *allocation)
	if isFinal {
		s.notifier.AuctionClosed(ctx, *auction)
	}

	return newReceipt(allocation, auction), nil
}

// replay returns the receipt of an allocation already recorded under the
// request's idempotency key. A key is bound to the auction and claimant that
// first used it.
func (s *Service) replay(ctx context.Context, req BidRequest) (*BidReceipt, error) {
	allocation, err := s.db.GetAllocationByKey(ctx, req.IdempotencyKey)
	if err != nil || allocation == nil {
		return nil, err
	}
	if allocation.AuctionID != req.AuctionID || allocation.ClaimantID != req.ClaimantID {
		return nil, ErrIdempotencyReused
	}
	auction, err := s.db.Get(ctx, allocation.AuctionID)
	if err != nil {
		return nil, err
	}
	if auction == nil {
		return nil, ErrAuctionNotFound
	}
	receipt := newReceipt(allocation, auction)
	receipt.Replayed = true
	return receipt, nil
}

func newReceipt(allocation *Allocation, auction *Auction) *BidReceipt {
	return &BidReceipt{
		AllocationID:      allocation.AllocationID,
		AuctionID:         auction.AuctionID,
		CapacityPurchased: allocation.CapacityPurchased,
		PriceAtSale:       allocation.PriceAtSale,
		SoldAt:            allocation.SoldAt,
		SoldCapacity:      auction.SoldCapacity,
		RemainingCapacity: auction.Remaining(),
		CurrentPrice:      auction.CurrentPrice,
		Status:            auction.Status,
		IsFinal:           allocation.IsFinal,
	}
}

// Cancel terminates an active auction on behalf of the lot owner.
func (s *Service) Cancel(ctx context.Context, auctionID string) (*Auction, error) {
	for attempt := 1; attempt <= s.cfg.MaxBidAttempts; attempt++ {
		auction, err := s.db.Get(ctx, auctionID)
		if err != nil {
			return nil, err
		}
		if auction == nil {
			return nil, ErrAuctionNotFound
		}
		if auction.Status != StatusActive {
			return nil, ErrAuctionNotActive
		}

		now := s.now()
		auction.Status = StatusCancelled
		auction.CancelledAt = &now
		auction.LastUpdated = now

		err = s.db.Update(ctx, auction)
		if err == nil {
			log.Info().
				Str("auction_id", auction.AuctionID).
				Str("lot_id", auction.LotID).
				Str("service", "auction").
				Msg("auction cancelled")
			s.notifier.AuctionClosed(ctx, *auction)
			return auction, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, ErrConflict
}
