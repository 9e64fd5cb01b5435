package auction

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const reconcileLockKey = "auction-reconciler"

// TickLock grants one replica the right to run a reconciliation tick.
type TickLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// TickResult summarises one reconciliation pass.
type TickResult struct {
	Skipped   bool
	Refreshed int
	Created   int
	Failed    int
}

// Reconciler periodically refreshes prices and makes sure every eligible lot
// has an active auction. Both steps are idempotent; a missed tick only delays.
type Reconciler struct {
	service  *Service
	lots     LotSource
	lock     TickLock
	interval time.Duration
}

func NewReconciler(service *Service, lots LotSource, lock TickLock, interval time.Duration) *Reconciler {
	return &Reconciler{
		service:  service,
		lots:     lots,
		lock:     lock,
		interval: interval,
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) {
	logger := log.With().Str("component", "reconciler").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting auction reconciler")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down auction reconciler")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) TickResult {
	logger := log.With().Str("component", "reconciler").Logger()
	var result TickResult

	if r.lock != nil {
		// The lease expires before the next tick so the holder can take it again.
		acquired, err := r.lock.Acquire(ctx, reconcileLockKey, r.interval*9/10)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("tick lock unavailable, reconciling without it")
		case !acquired:
			logger.Debug().Msg("another replica holds the tick lock, skipping")
			result.Skipped = true
			return result
		}
	}

	refreshed, err := r.service.RefreshPrices(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to refresh auction prices")
	}
	result.Refreshed = refreshed

	lots, err := r.lots.ListEligible(ctx, r.service.now())
	if err != nil {
		logger.Error().Err(err).Msg("failed to list lots awaiting auctions")
		return result
	}

	for _, lot := range lots {
		_, created, err := r.service.EnsureAuction(ctx, lot)
		if err != nil {
			result.Failed++
			logger.Error().
				Err(err).
				Str("lot_id", lot.LotID).
				Msg("failed to create auction for lot")
			continue
		}
		if created {
			result.Created++
		}
	}

	logger.Info().
		Int("eligible_lots", len(lots)).
		Int("refreshed", result.Refreshed).
		Int("created", result.Created).
		Int("failed", result.Failed).
		Msg("reconciliation pass completed")

	return result
}
