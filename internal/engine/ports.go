package engine

import (
	"context"

	"github.com/google/uuid"
)

// PersistenceGateway is the durable store behind the engine. A bid is not
// considered committed, and must not be broadcast, until the gateway
// acknowledges the write.
type PersistenceGateway interface {
	// LoadAuction retrieves the durable auction record.
	// Returns ErrAuctionNotFound when no such auction exists.
	LoadAuction(ctx context.Context, auctionID uuid.UUID) (*Auction, error)

	// LoadAuctionBids retrieves all committed bids for an auction ordered
	// by commit sequence. Used to rebuild in-memory state on a cache miss.
	LoadAuctionBids(ctx context.Context, auctionID uuid.UUID) ([]*Bid, error)

	// CommitBids durably writes a batch of bids (a triggering bid plus its
	// auto-bid cascade) in a single transaction, atomically with the
	// auction's highest-bid fields. Any previously winning bid is flagged
	// non-winning; only the last bid of the batch is winning.
	CommitBids(ctx context.Context, auction *Auction, bids []*Bid) error

	// UpdateAuctionClose durably records a new closing deadline and status.
	UpdateAuctionClose(ctx context.Context, auctionID uuid.UUID, auction *Auction) error

	// ListActiveAuctions returns the ids of all auctions still accepting
	// bids, so close timers can be armed at startup.
	ListActiveAuctions(ctx context.Context) ([]uuid.UUID, error)
}

// BidderVerifier is the external KYC collaborator consulted before a bid
// is admitted.
type BidderVerifier interface {
	IsVerifiedBidder(ctx context.Context, bidderID uuid.UUID) (bool, error)
}
