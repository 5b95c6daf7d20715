package engine

import (
	"time"

	"github.com/google/uuid"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionStatusActive    AuctionStatus = "active"
	AuctionStatusClosed    AuctionStatus = "closed"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// Auction is the authoritative record for one listing open for bidding.
// All amounts are in minor units (cents/paise).
type Auction struct {
	ID              uuid.UUID
	SellerID        uuid.UUID
	ReservePrice    int64
	MinIncrement    int64
	HighestAmount   int64 // valid only when BidCount > 0
	HighestBidderID uuid.UUID
	ClosesAt        time.Time
	AntiSnipeWindow time.Duration
	ExtensionPeriod time.Duration
	AutoExtend      bool
	Status          AuctionStatus
	BidCount        int
}

// NextMinimum is the smallest amount the next bid must reach.
func (a *Auction) NextMinimum() int64 {
	if a.BidCount == 0 {
		return a.ReservePrice
	}
	return a.HighestAmount + a.MinIncrement
}

// TimeRemaining reports how long the auction stays open relative to now.
// Zero once the deadline has passed or the auction is no longer active.
func (a *Auction) TimeRemaining(now time.Time) time.Duration {
	if a.Status != AuctionStatusActive {
		return 0
	}
	if remaining := a.ClosesAt.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// Bid is a single committed offer against an auction.
type Bid struct {
	ID            uuid.UUID
	AuctionID     uuid.UUID
	BidderID      uuid.UUID
	Amount        int64
	IsWinning     bool
	IsAuto        bool
	MaxAutoAmount int64 // set only when IsAuto
	PlacedAt      time.Time
	Sequence      uint64 // per-auction commit order, authoritative
}

// autoBidAgent is a standing instruction to re-bid on a bidder's behalf
// up to MaxAmount. RegisteredAt orders agents for deterministic tie-breaks.
type autoBidAgent struct {
	BidderID     uuid.UUID
	MaxAmount    int64
	RegisteredAt uint64
}

// PlaceBidCommand carries one bid submission into the engine.
type PlaceBidCommand struct {
	AuctionID uuid.UUID
	BidderID  uuid.UUID
	Amount    int64
	AutoBid   bool
	MaxAmount int64 // required when AutoBid
}

// BidResult reports the outcome of a successful admission, including any
// auto-bid cascade it triggered.
type BidResult struct {
	Bid             *Bid
	PreviousHighest *int64 // nil on the first bid
	NextMinimum     int64
	TimeRemaining   time.Duration
	CascadedBids    []*Bid // further bids committed by standing agents, in order
	Extended        bool
	NewClosingTime  time.Time
}
