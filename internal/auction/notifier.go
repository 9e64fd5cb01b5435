package auction

import "context"

// Notifier receives auction lifecycle events after they are persisted.
// Implementations must not block the caller for long; failures are theirs to log.
type Notifier interface {
	AuctionCreated(ctx context.Context, auction Auction)
	AllocationAccepted(ctx context.Context, auction Auction, allocation Allocation)
	AuctionClosed(ctx context.Context, auction Auction)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) AuctionCreated(context.Context, Auction)                 {}
func (NopNotifier) AllocationAccepted(context.Context, Auction, Allocation) {}
func (NopNotifier) AuctionClosed(context.Context, Auction)                  {}
