package engine

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of auction event fanned out to subscribers.
type EventType string

const (
	EventTypeNewBid          EventType = "new_bid"
	EventTypeAuctionExtended EventType = "auction_extended"
	EventTypeAuctionEnded    EventType = "auction_ended"
)

// Event is the envelope delivered to subscribers. Data holds one of the
// payload types below, or raw JSON when relayed from another instance.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// AuctionID extracts the auction the event belongs to. Returns uuid.Nil
// for payloads the hub did not build itself, such as relayed raw JSON.
func (e Event) AuctionID() uuid.UUID {
	switch d := e.Data.(type) {
	case NewBidEvent:
		return d.AuctionID
	case AuctionExtendedEvent:
		return d.AuctionID
	case AuctionEndedEvent:
		return d.AuctionID
	}
	return uuid.Nil
}

// NewBidEvent announces a committed bid, including cascaded auto-bids.
type NewBidEvent struct {
	AuctionID     uuid.UUID `json:"auction_id"`
	BidID         uuid.UUID `json:"bid_id"`
	Amount        int64     `json:"amount"`
	Bidder        uuid.UUID `json:"bidder"`
	IsAuto        bool      `json:"is_auto"`
	IsWinning     bool      `json:"is_winning"`
	TimeRemaining int64     `json:"time_remaining"` // seconds
}

// AuctionExtendedEvent announces an anti-snipe deadline extension.
type AuctionExtendedEvent struct {
	AuctionID         uuid.UUID `json:"auction_id"`
	NewClosingTime    time.Time `json:"new_closing_time"`
	ExtensionDuration int64     `json:"extension_duration"` // seconds
}

// CloseReason distinguishes a natural close from an administrative cancel.
type CloseReason string

const (
	CloseReasonDeadline  CloseReason = "deadline"
	CloseReasonCancelled CloseReason = "cancelled"
)

// AuctionEndedEvent announces the terminal state of an auction.
type AuctionEndedEvent struct {
	AuctionID  uuid.UUID   `json:"auction_id"`
	WinningBid *int64      `json:"winning_bid"`
	Winner     *uuid.UUID  `json:"winner"`
	TotalBids  int         `json:"total_bids"`
	Reason     CloseReason `json:"reason"`
}

func newBidEvent(a *Auction, b *Bid, now time.Time) Event {
	return Event{
		Type: EventTypeNewBid,
		Data: NewBidEvent{
			AuctionID:     b.AuctionID,
			BidID:         b.ID,
			Amount:        b.Amount,
			Bidder:        b.BidderID,
			IsAuto:        b.IsAuto,
			IsWinning:     b.IsWinning,
			TimeRemaining: int64(a.TimeRemaining(now).Seconds()),
		},
	}
}

func auctionExtendedEvent(a *Auction) Event {
	return Event{
		Type: EventTypeAuctionExtended,
		Data: AuctionExtendedEvent{
			AuctionID:         a.ID,
			NewClosingTime:    a.ClosesAt,
			ExtensionDuration: int64(a.ExtensionPeriod.Seconds()),
		},
	}
}

func auctionEndedEvent(a *Auction, winning *Bid, reason CloseReason) Event {
	data := AuctionEndedEvent{
		AuctionID: a.ID,
		TotalBids: a.BidCount,
		Reason:    reason,
	}
	if winning != nil {
		amount := winning.Amount
		bidder := winning.BidderID
		data.WinningBid = &amount
		data.Winner = &bidder
	}
	return Event{Type: EventTypeAuctionEnded, Data: data}
}
